// Package boardtest provides an in-memory MicroPython device for tests: a
// transport that answers control sequences like the real REPL and hands
// executed code to a pluggable interpreter.
package boardtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"board-sync/internal/transport"
)

const (
	Banner     = "MicroPython v1.22.0 on 2024-01-05; Fake board with ESP32\r\nType \"help()\" for more information.\r\n>>> "
	RawBanner  = "raw REPL; CTRL-B to exit\r\n>"
	PasteBanner = "paste mode; Ctrl-C to cancel, Ctrl-D to finish\r\n=== "
)

// Interpreter executes code sent to the device and returns what the program
// wrote to stdout and stderr.
type Interpreter func(code string) (stdout, stderr string)

type mode int

const (
	friendly mode = iota
	raw
	paste
)

// Device implements transport.Transport.
type Device struct {
	TransportKind transport.Kind
	Exec          Interpreter

	mu         sync.Mutex
	deliverMu  sync.Mutex
	h          transport.Handlers
	connected  bool
	mode       mode
	line       []byte
	input      []byte
	silent     bool
	hang       func(code string) bool
	connectErr error
	pingErr    error
	sent       []string
	safeBoots  int
	interrupts int
	softResets int
}

// New returns a serial device backed by exec. A nil exec prints nothing.
func New(exec Interpreter) *Device {
	if exec == nil {
		exec = func(string) (string, string) { return "", "" }
	}
	return &Device{TransportKind: transport.KindSerial, Exec: exec}
}

func (d *Device) Kind() transport.Kind { return d.TransportKind }
func (d *Device) Address() string      { return "fake://" + string(d.TransportKind) }

func (d *Device) Connect(ctx context.Context, h transport.Handlers) error {
	d.mu.Lock()
	err := d.connectErr
	d.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	d.mu.Lock()
	d.h = h
	d.connected = true
	d.mode = friendly
	d.line, d.input = nil, nil
	d.mu.Unlock()
	return nil
}

// SetConnectError makes Connect fail with err.
func (d *Device) SetConnectError(err error) {
	d.mu.Lock()
	d.connectErr = err
	d.mu.Unlock()
}

// SetPingError makes Ping fail with err; nil heals the link.
func (d *Device) SetPingError(err error) {
	d.mu.Lock()
	d.pingErr = err
	d.mu.Unlock()
}

// SetSilent stops the device from answering anything.
func (d *Device) SetSilent(v bool) {
	d.mu.Lock()
	d.silent = v
	d.mu.Unlock()
}

// SetHang leaves raw-mode code unanswered whenever hang returns true, as a
// board stuck inside a command does.
func (d *Device) SetHang(hang func(code string) bool) {
	d.mu.Lock()
	d.hang = hang
	d.mu.Unlock()
}

func (d *Device) Ping() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return errors.New("not connected")
	}
	return d.pingErr
}

func (d *Device) Flush() error { return nil }

func (d *Device) Disconnect() error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return nil
}

// Connected reports whether the board currently holds the link open.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Sent returns every chunk written to the device.
func (d *Device) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

func (d *Device) SafeBoots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.safeBoots
}

func (d *Device) Interrupts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interrupts
}

// Emit delivers unsolicited output, as a running program would.
func (d *Device) Emit(text string) {
	d.deliver([]string{text})
}

// Fail reports a broken channel through the transport error handler.
func (d *Device) Fail(err error) {
	d.mu.Lock()
	h := d.h
	d.mu.Unlock()
	if h.Error != nil {
		h.Error(err)
	}
}

func (d *Device) Send(p []byte) error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return errors.New("device not connected")
	}
	d.sent = append(d.sent, string(p))
	if d.silent {
		d.mu.Unlock()
		return nil
	}
	var out []string
	for _, c := range p {
		out = append(out, d.feed(c)...)
	}
	d.mu.Unlock()
	d.deliver(out)
	return nil
}

func (d *Device) deliver(chunks []string) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	d.mu.Lock()
	h := d.h
	d.mu.Unlock()
	if h.Data == nil {
		return
	}
	for _, c := range chunks {
		if c != "" {
			h.Data([]byte(c))
		}
	}
}

// feed runs the REPL state machine for one input byte.
func (d *Device) feed(c byte) []string {
	switch c {
	case 0x01:
		d.mode = raw
		d.input = nil
		return []string{"\r\n" + RawBanner}
	case 0x02:
		d.mode = friendly
		d.line, d.input = nil, nil
		return []string{"\r\n" + Banner}
	case 0x03:
		d.interrupts++
		d.line, d.input = nil, nil
		if d.mode == raw {
			return nil
		}
		d.mode = friendly
		return []string{"\r\nKeyboardInterrupt: \r\n>>> "}
	case 0x04:
		return d.eot()
	case 0x05:
		if d.mode != friendly {
			return nil
		}
		d.mode = paste
		d.input = nil
		return []string{"\r\n" + PasteBanner}
	case 0x06:
		d.safeBoots++
		d.mode = friendly
		d.line, d.input = nil, nil
		return []string{"\r\n" + Banner}
	}

	switch d.mode {
	case raw, paste:
		d.input = append(d.input, c)
		return nil
	}
	if c != '\n' {
		if c != '\r' {
			d.line = append(d.line, c)
		}
		return nil
	}
	line := string(d.line)
	d.line = nil
	if strings.TrimSpace(line) == "" {
		return []string{"\r\n>>> "}
	}
	stdout, stderr := d.Exec(line)
	return []string{line + "\r\n" + stdout + stderr + ">>> "}
}

func (d *Device) eot() []string {
	switch d.mode {
	case raw:
		code := strings.TrimLeft(string(d.input), "\r\n")
		d.input = nil
		if strings.TrimSpace(code) == "" {
			d.softResets++
			return []string{"OK\r\nMPY: soft reboot\r\n" + RawBanner}
		}
		if d.hang != nil && d.hang(code) {
			return []string{"OK"}
		}
		stdout, stderr := d.Exec(code)
		return []string{"OK", stdout, "\x04" + stderr + "\x04>"}
	case paste:
		code := string(d.input)
		d.input = nil
		d.mode = friendly
		stdout, stderr := d.Exec(code)
		return []string{"\r\n" + stdout + stderr + ">>> "}
	}
	d.softResets++
	return []string{"\r\nMPY: soft reboot\r\n" + Banner}
}
