// Package board drives a MicroPython interpreter over a byte transport. It
// tracks which REPL mode the device is in, matches device output against the
// one outstanding request and turns device-side failures into typed errors.
package board

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"board-sync/internal/events"
	"board-sync/internal/logging"
	"board-sync/internal/transport"
)

// Control bytes understood by the MicroPython REPL.
const (
	ctrlA = 0x01 // raw repl
	ctrlB = 0x02 // friendly repl
	ctrlC = 0x03 // interrupt
	ctrlD = 0x04 // soft reset, or end of input in raw mode
	ctrlE = 0x05 // paste mode
	ctrlF = 0x06 // safe boot
)

const (
	rawBanner      = "raw REPL; CTRL-B to exit"
	rawPrompt      = rawBanner + "\r\n>"
	prompt         = ">>>"
	friendlyPrompt = "\r\n" + prompt
	friendlyBanner = "Type \"help()\" for more information.\r\n" + prompt
	pastePrompt    = "paste mode; Ctrl-C to cancel, Ctrl-D to finish\r\n==="
	rawEnd         = "\x04>"
)

// the paste banner carries no prompt, so it is matched as a pattern
var pastePattern = regexp.MustCompile(regexp.QuoteMeta(pastePrompt))

const (
	DefaultTimeout      = 15 * time.Second
	DefaultPingInterval = 5 * time.Second
	DefaultPingFailures = 2

	controlTimeout = 5 * time.Second
	reconnectDelay = time.Second
	runEpilogue    = "\r\nimport time\r\ntime.sleep(0.1)"
)

// Options configure a Board.
type Options struct {
	// Timeout bounds connecting and is the default deadline of requests.
	Timeout time.Duration
	// CtrlCOnConnect interrupts a running program right after connecting.
	// Ignored for raw sockets.
	CtrlCOnConnect bool
	PingInterval   time.Duration
	// PingFailures is how many consecutive failed pings declare the link dead.
	PingFailures int

	// Output receives device output that no blocking request consumed.
	Output func(text string)
	// OnStatus is told about every status change.
	OnStatus func(Status)
	// OnError receives errors nobody is waiting for: device faults while
	// idle, and the connection dropping underneath the board.
	OnError func(err error)

	Logger *zap.Logger
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.PingFailures <= 0 {
		o.PingFailures = DefaultPingFailures
	}
	if o.Logger == nil {
		o.Logger = logging.Named("board")
	}
}

// Board owns one transport and serializes the request/response exchange with
// the interpreter behind it. At most one request is outstanding at a time.
type Board struct {
	tr   transport.Transport
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	status    Status
	connected bool
	buf       receiveBuffer
	scanned   int // text offset already checked for error markers
	req       *pending
	seq       uint64
	pingStop  chan struct{}
}

func New(tr transport.Transport, opts Options) *Board {
	opts.defaults()
	return &Board{tr: tr, opts: opts, log: opts.Logger, status: Disconnected}
}

func (b *Board) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Board) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Board) Kind() transport.Kind { return b.tr.Kind() }
func (b *Board) Address() string      { return b.tr.Address() }
func (b *Board) IsSerial() bool       { return b.tr.Kind() == transport.KindSerial }

// Buffer returns the text received since the last reset.
func (b *Board) Buffer() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// setStatus moves the state machine, refusing transitions no control
// sequence can produce.
func (b *Board) setStatus(next Status) error {
	b.mu.Lock()
	prev := b.status
	if !prev.CanTransition(next) {
		b.mu.Unlock()
		return fmt.Errorf("board: invalid status transition %s -> %s", prev, next)
	}
	b.status = next
	b.mu.Unlock()
	if prev != next {
		b.notifyStatus(next)
	}
	return nil
}

func (b *Board) notifyStatus(s Status) {
	b.log.Debug("status", zap.Stringer("status", s))
	if b.opts.OnStatus != nil {
		b.opts.OnStatus(s)
	}
	events.GlobalBus.Publish(events.EventBoardStatus, s.String())
}

func (b *Board) reportError(err error) {
	if b.opts.OnError != nil {
		b.opts.OnError(err)
	}
	events.GlobalBus.Publish(events.EventBoardError, err)
}

// Connect opens the transport. An existing session is closed first.
func (b *Board) Connect(ctx context.Context) error {
	if b.IsConnected() {
		b.Disconnect()
	}

	cctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()
	err := b.tr.Connect(cctx, transport.Handlers{Data: b.receive, Error: b.transportFailed})
	if err != nil {
		b.tr.Disconnect()
		if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return &Error{Kind: KindTimeout, Op: "connect", Msg: fmt.Sprintf("no connection to %s within %s", b.tr.Address(), b.opts.Timeout), Err: err}
		}
		return transportError("connect", err)
	}

	b.mu.Lock()
	b.connected = true
	b.buf.reset()
	b.scanned = 0
	b.mu.Unlock()
	b.setStatus(Connected)
	b.startPings()
	b.log.Info("connected", zap.String("address", b.tr.Address()), zap.String("transport", string(b.tr.Kind())))

	if b.opts.CtrlCOnConnect && b.tr.Kind() != transport.KindSocket {
		if err := b.StopRunningPrograms(ctx); err != nil {
			b.log.Warn("interrupt on connect failed", zap.Error(err))
		}
	}
	return nil
}

// Disconnect closes the transport and reports the status change.
func (b *Board) Disconnect() error {
	err := b.disconnect(transportError("disconnect", errors.New("board disconnected")))
	b.setStatus(Disconnected)
	return err
}

// DisconnectSilent closes the transport without notifying status observers.
func (b *Board) DisconnectSilent() error {
	err := b.disconnect(transportError("disconnect", errors.New("board disconnected")))
	b.mu.Lock()
	b.status = Disconnected
	b.mu.Unlock()
	return err
}

func (b *Board) disconnect(reason error) error {
	b.stopPings()
	b.mu.Lock()
	b.connected = false
	if p := b.req; p != nil {
		b.req = nil
		b.finishLocked(p, result{err: reason})
	}
	b.mu.Unlock()
	return b.tr.Disconnect()
}

// Reconnect drops the connection quietly, waits a moment and connects again.
func (b *Board) Reconnect(ctx context.Context) error {
	b.DisconnectSilent()
	select {
	case <-time.After(reconnectDelay):
	case <-ctx.Done():
		return cancelledError("reconnect", ctx.Err())
	}
	return b.Connect(ctx)
}

// fail tears the session down after the channel broke.
func (b *Board) fail(err *Error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return
	}
	b.connected = false
	b.mu.Unlock()
	b.log.Warn("connection lost", zap.Error(err))
	b.disconnect(err)
	b.setStatus(Disconnected)
	b.reportError(err)
}

func (b *Board) transportFailed(err error) {
	b.fail(transportError("receive", err))
}

func (b *Board) startPings() {
	stop := make(chan struct{})
	b.mu.Lock()
	if b.pingStop != nil {
		close(b.pingStop)
	}
	b.pingStop = stop
	b.mu.Unlock()

	go func() {
		ticker := time.NewTicker(b.opts.PingInterval)
		defer ticker.Stop()
		failures := 0
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			if err := b.tr.Ping(); err != nil {
				failures++
				b.log.Debug("ping failed", zap.Int("failures", failures), zap.Error(err))
			} else {
				failures = 0
			}
			if failures >= b.opts.PingFailures {
				b.fail(transportError("keepalive", errors.New("connection lost")))
				return
			}
		}
	}()
}

func (b *Board) stopPings() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pingStop != nil {
		close(b.pingStop)
		b.pingStop = nil
	}
}

// Send writes bytes without arming a request.
func (b *Board) Send(p []byte) error {
	if !b.IsConnected() {
		return transportError("send", errors.New("not connected"))
	}
	if err := b.tr.Send(p); err != nil {
		e := transportError("send", err)
		b.fail(e)
		return e
	}
	return nil
}

// Flush discards pending transport buffers.
func (b *Board) Flush() error {
	return b.tr.Flush()
}

// Submit sends data and arms a request that resolves when m matches the
// receive buffer. A request still outstanding fails with ErrSuperseded.
func (b *Board) Submit(op string, data []byte, m Match, wo WaitOptions) *Call {
	b.mu.Lock()
	b.seq++
	p := &pending{id: b.seq, op: op, match: m, blocking: wo.Blocking, done: make(chan struct{})}
	call := &Call{b: b, p: p}
	if !b.connected {
		b.finishLocked(p, result{err: transportError(op, errors.New("not connected"))})
		b.mu.Unlock()
		return call
	}
	if old := b.req; old != nil {
		b.req = nil
		b.finishLocked(old, result{err: &Error{Kind: KindCancelled, Op: old.op, Err: ErrSuperseded}})
	}
	if !wo.KeepBuffer {
		b.buf.reset()
		b.scanned = 0
	}
	b.req = p
	if wo.Timeout > 0 {
		id := p.id
		p.timer = time.AfterFunc(wo.Timeout, func() { b.expire(id) })
	}
	var notes []func()
	if wo.KeepBuffer {
		b.checkLocked(p, &notes)
	}
	b.mu.Unlock()
	run(notes)

	if len(data) > 0 {
		if err := b.tr.Send(data); err != nil {
			b.fail(transportError(op, err))
		}
	}
	return call
}

// SendAndWait submits a request and waits for its outcome.
func (b *Board) SendAndWait(ctx context.Context, op string, data []byte, m Match, wo WaitOptions) (Response, error) {
	return b.Submit(op, data, m, wo).Wait(ctx)
}

// StopWaiting rejects the outstanding request, if any.
func (b *Board) StopWaiting() {
	b.mu.Lock()
	p := b.req
	b.mu.Unlock()
	if p != nil {
		b.abort(p.id, cancelledError(p.op, errors.New("stopped waiting")))
	}
}

func (b *Board) expire(id uint64) {
	b.mu.Lock()
	p := b.req
	if p == nil || p.id != id {
		b.mu.Unlock()
		return
	}
	b.req = nil
	b.buf.reset()
	b.scanned = 0
	b.finishLocked(p, result{err: timeoutError(p.op)})
	b.mu.Unlock()
	b.log.Debug("request timed out", zap.String("op", p.op), zap.Stringer("match", p.match))
}

func (b *Board) abort(id uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.req
	if p == nil || p.id != id {
		return
	}
	b.req = nil
	b.buf.reset()
	b.scanned = 0
	b.finishLocked(p, result{err: err})
}

func (b *Board) finishLocked(p *pending, res result) {
	if p.finished {
		return
	}
	p.finished = true
	p.res = res
	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.done)
}

// receive is the transport data handler.
func (b *Board) receive(data []byte) {
	var notes []func()
	b.mu.Lock()
	p := b.req
	if out := b.opts.Output; out != nil && (p == nil || !p.blocking) {
		text := string(data)
		notes = append(notes, func() { out(text) })
	}

	dropped := b.buf.append(data)
	if dropped > 0 {
		b.scanned -= dropped
		if b.scanned < 0 {
			b.scanned = 0
		}
		if p != nil && p.fault != nil {
			p.fault.offset -= dropped
			if p.fault.offset < 0 {
				p.fault.offset = 0
			}
		}
	}

	text := b.buf.String()
	if f, ok := classify(text, b.scanned); ok {
		if p != nil {
			if p.fault == nil {
				p.fault = &f
			} else {
				merged := p.fault.merge(f)
				p.fault = &merged
			}
		} else {
			err := faultError("device", f, text)
			notes = append(notes, func() { b.reportError(err) })
		}
	}
	b.scanned = len(text)

	if p != nil {
		b.checkLocked(p, &notes)
	}
	b.mu.Unlock()
	run(notes)
}

// checkLocked resolves or rejects p against the current buffer.
func (b *Board) checkLocked(p *pending, notes *[]func()) {
	text := b.buf.String()
	raw := b.rawContextLocked(text)

	if p.fault != nil && outputComplete(text, p.fault.offset, raw) {
		b.req = nil
		b.finishLocked(p, result{err: faultError(p.op, *p.fault, text)})
		return
	}

	payload, ok := b.matchLocked(p.match, text, raw)
	if !ok {
		return
	}
	b.req = nil
	if p.fault != nil {
		b.finishLocked(p, result{err: faultError(p.op, *p.fault, text)})
		return
	}
	if p.blocking {
		if tail := trailing(text, p.match); tail != "" && b.opts.Output != nil {
			out := b.opts.Output
			*notes = append(*notes, func() { out(tail) })
		}
	}
	b.finishLocked(p, result{resp: Response{Text: text, Raw: b.buf.Raw(), Payload: payload}})
}

func (b *Board) rawContextLocked(text string) bool {
	return b.status.rawContext() || strings.Contains(text, rawBanner)
}

func (b *Board) matchLocked(m Match, text string, raw bool) (string, bool) {
	switch m.Kind {
	case MatchLength:
		if b.buf.RawLen() >= m.Length {
			return text, true
		}
	case MatchPattern:
		if m.Pattern != nil && m.Pattern.MatchString(text) {
			return text, true
		}
	default:
		if raw {
			if strings.Contains(text, m.Literal) || bytes.Contains(b.buf.raw, []byte(m.Literal)) {
				return rawPayload(text), true
			}
			return "", false
		}
		if strings.Contains(text, m.Literal) && strings.Contains(text, prompt) {
			return text, true
		}
	}
	return "", false
}

// outputComplete reports whether the interpreter finished printing after a
// fault at offset, so the request can be rejected without waiting for its
// own token.
func outputComplete(text string, offset int, raw bool) bool {
	if offset > len(text) {
		return false
	}
	end := prompt
	if raw {
		end = rawEnd
	}
	return strings.Contains(text[offset:], end)
}

func run(notes []func()) {
	for _, n := range notes {
		n()
	}
}

func (b *Board) control(ctx context.Context, op string, c byte, m Match, timeout time.Duration, blocking bool) (Response, error) {
	return b.SendAndWait(ctx, op, []byte{c, '\r', '\n'}, m, WaitOptions{Timeout: timeout, Blocking: blocking})
}

// EnterRawRepl switches to the raw REPL. The input buffers are flushed first
// so stale output cannot satisfy the banner match.
func (b *Board) EnterRawRepl(ctx context.Context) error {
	if err := b.Flush(); err != nil {
		b.log.Debug("flush before raw repl failed", zap.Error(err))
	}
	if _, err := b.control(ctx, "enter raw repl", ctrlA, Literal(rawPrompt), controlTimeout, true); err != nil {
		return err
	}
	return b.setStatus(RawRepl)
}

// EnterFriendlyRepl returns to the interactive prompt.
func (b *Board) EnterFriendlyRepl(ctx context.Context) error {
	if _, err := b.control(ctx, "enter friendly repl", ctrlB, Literal(friendlyPrompt), b.opts.Timeout, true); err != nil {
		return err
	}
	return b.setStatus(FriendlyRepl)
}

// EnterFriendlyReplWait returns to the interactive prompt and waits for the
// full banner, streaming whatever the device prints meanwhile.
func (b *Board) EnterFriendlyReplWait(ctx context.Context) error {
	if _, err := b.control(ctx, "enter friendly repl", ctrlB, Literal(friendlyBanner), b.opts.Timeout, false); err != nil {
		return err
	}
	return b.setStatus(FriendlyRepl)
}

// EnterFriendlyReplNoWait sends the switch without waiting for the prompt.
func (b *Board) EnterFriendlyReplNoWait() error {
	if err := b.Send([]byte{ctrlB, '\r', '\n'}); err != nil {
		return err
	}
	return b.setStatus(FriendlyRepl)
}

// EnterPasteMode starts paste mode from the friendly prompt.
func (b *Board) EnterPasteMode(ctx context.Context) error {
	if _, err := b.SendAndWait(ctx, "enter paste mode", []byte{ctrlE}, Pattern(pastePattern), WaitOptions{Timeout: controlTimeout, Blocking: true}); err != nil {
		return err
	}
	return b.setStatus(PasteMode)
}

// StopRunningPrograms interrupts the running program and waits for a prompt.
func (b *Board) StopRunningPrograms(ctx context.Context) error {
	return b.interrupt(ctx, []byte{ctrlC, '\r', '\n'}, controlTimeout)
}

// StopRunningProgramsDouble sends two interrupts, for programs that catch the
// first KeyboardInterrupt.
func (b *Board) StopRunningProgramsDouble(ctx context.Context, timeout time.Duration) error {
	return b.interrupt(ctx, []byte{ctrlC, ctrlC, '\r', '\n'}, timeout)
}

func (b *Board) interrupt(ctx context.Context, seq []byte, timeout time.Duration) error {
	if _, err := b.SendAndWait(ctx, "stop running programs", seq, Literal(prompt), WaitOptions{Timeout: timeout, Blocking: true}); err != nil {
		return err
	}
	if b.Status() == Connected {
		return b.setStatus(FriendlyRepl)
	}
	return nil
}

// StopRunningProgramsNoFollow sends an interrupt and returns immediately.
func (b *Board) StopRunningProgramsNoFollow() error {
	return b.Send([]byte{ctrlC, '\r', '\n'})
}

// SoftReset restarts the interpreter. In raw mode the device answers with the
// raw prompt; otherwise the full friendly banner is awaited.
func (b *Board) SoftReset(ctx context.Context, timeout time.Duration) error {
	m := Literal(friendlyBanner)
	if b.Status().rawContext() {
		m = Literal(">")
	}
	_, err := b.control(ctx, "soft reset", ctrlD, m, timeout, true)
	return err
}

// SafeBoot restarts without running boot.py and main.py.
func (b *Board) SafeBoot(ctx context.Context, timeout time.Duration) error {
	b.log.Info("safe boot")
	if _, err := b.control(ctx, "safe boot", ctrlF, Literal(friendlyBanner), timeout, true); err != nil {
		return err
	}
	return b.setStatus(FriendlyRepl)
}

// Evaluate runs code and returns what it printed. In raw mode the payload is
// the stdout section of the raw response; in friendly mode the echo of code
// and the trailing prompt are removed. A zero timeout uses the board default.
func (b *Board) Evaluate(ctx context.Context, code string, timeout time.Duration) (string, error) {
	if timeout == 0 {
		timeout = b.opts.Timeout
	}
	raw := b.Status().rawContext()
	cmd := code + "\r\n"
	m := Literal(prompt)
	if raw {
		cmd += string(rune(ctrlD))
		m = Literal(rawEnd)
	}
	resp, err := b.SendAndWait(ctx, "evaluate", []byte(cmd), m, WaitOptions{Timeout: timeout, Blocking: true})
	if err != nil {
		return "", err
	}
	if raw {
		return resp.Payload, nil
	}
	return stripEcho(resp.Text, code), nil
}

// Run executes a whole program in raw mode. Output streams to the output
// observer while it runs, and no deadline applies beyond ctx. The board is
// back at the friendly prompt afterwards, also when the program raised.
func (b *Board) Run(ctx context.Context, code string) error {
	if err := b.StopRunningPrograms(ctx); err != nil {
		return err
	}
	if err := b.EnterRawRepl(ctx); err != nil {
		return err
	}
	if err := b.setStatus(RunningFile); err != nil {
		return err
	}
	payload := code + runEpilogue + "\r\n" + string(rune(ctrlD))
	_, runErr := b.SendAndWait(ctx, "run", []byte(payload), Literal(rawEnd), WaitOptions{})
	if runErr != nil && !b.IsConnected() {
		return runErr
	}
	if IsKind(runErr, KindCancelled) {
		b.StopRunningProgramsNoFollow()
		ctx = context.Background()
	}
	if err := b.EnterFriendlyReplWait(ctx); err != nil && runErr == nil {
		return err
	}
	return runErr
}
