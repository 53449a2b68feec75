package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultWebREPLPort = "8266"
	webreplAuthTimeout = 10 * time.Second
	webreplWriteWait   = 10 * time.Second
)

// WebREPL speaks the MicroPython WebREPL terminal protocol: text frames carry
// REPL input and output, and a password prompt precedes the first prompt.
type WebREPL struct {
	address  string
	password string
	dialer   *websocket.Dialer

	writeMu sync.Mutex
	mu      sync.Mutex
	ws      *websocket.Conn
	closed  bool
	h       Handlers
}

func NewWebREPL(address, password string) *WebREPL {
	return &WebREPL{address: address, password: password, dialer: websocket.DefaultDialer}
}

func (w *WebREPL) Kind() Kind      { return KindWebREPL }
func (w *WebREPL) Address() string { return w.address }

// URL normalizes the configured address into a ws:// URL.
func (w *WebREPL) URL() (string, error) {
	addr := w.address
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	if u.Port() == "" {
		u.Host = u.Host + ":" + DefaultWebREPLPort
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

func (w *WebREPL) Connect(ctx context.Context, h Handlers) error {
	target, err := w.URL()
	if err != nil {
		return err
	}
	ws, _, err := w.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	leftover, err := w.login(ctx, ws)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.ws = ws
	w.closed = false
	w.h = h
	w.mu.Unlock()

	success = true
	go w.readLoop(ws, leftover)
	return nil
}

// login answers the password prompt and returns any REPL output that
// arrived together with the greeting.
func (w *WebREPL) login(ctx context.Context, ws *websocket.Conn) ([]byte, error) {
	deadline := time.Now().Add(webreplAuthTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	var seen strings.Builder
	sentPassword := false
	for {
		ws.SetReadDeadline(deadline)
		_, message, err := ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("webrepl login: %w", err)
		}
		seen.Write(message)
		text := seen.String()
		switch {
		case strings.Contains(text, "Access denied"):
			return nil, errors.New("webrepl login: access denied")
		case strings.Contains(text, "WebREPL connected"):
			ws.SetReadDeadline(time.Time{})
			idx := strings.Index(text, "WebREPL connected")
			return []byte(text[idx+len("WebREPL connected"):]), nil
		case !sentPassword && strings.Contains(text, "Password:"):
			sentPassword = true
			ws.SetWriteDeadline(time.Now().Add(webreplWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, []byte(w.password+"\r\n")); err != nil {
				return nil, fmt.Errorf("webrepl login: %w", err)
			}
		}
	}
}

func (w *WebREPL) readLoop(ws *websocket.Conn, leftover []byte) {
	if len(leftover) > 0 && w.h.Data != nil {
		w.h.Data(leftover)
	}
	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			w.mu.Lock()
			closed := w.closed
			h := w.h
			w.mu.Unlock()
			if !closed && h.Error != nil {
				h.Error(err)
			}
			return
		}
		// binary frames belong to the file transfer protocol, which is not used
		if messageType != websocket.TextMessage || len(message) == 0 {
			continue
		}
		if w.h.Data != nil {
			w.h.Data(message)
		}
	}
}

func (w *WebREPL) conn() (*websocket.Conn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ws == nil || w.closed {
		return nil, errors.New("webrepl not connected")
	}
	return w.ws, nil
}

func (w *WebREPL) Send(p []byte) error {
	ws, err := w.conn()
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(webreplWriteWait))
	return ws.WriteMessage(websocket.TextMessage, p)
}

func (w *WebREPL) Ping() error {
	ws, err := w.conn()
	if err != nil {
		return err
	}
	return ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(webreplWriteWait))
}

func (w *WebREPL) Flush() error { return nil }

func (w *WebREPL) Disconnect() error {
	w.mu.Lock()
	ws := w.ws
	already := w.closed
	w.closed = true
	w.mu.Unlock()
	if ws == nil || already {
		return nil
	}
	w.writeMu.Lock()
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.writeMu.Unlock()
	return ws.Close()
}
