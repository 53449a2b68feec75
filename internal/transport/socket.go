package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// DefaultSocketPort is the telnet port the MicroPython network REPL listens on.
const DefaultSocketPort = "23"

// Socket is a raw TCP connection to a board's network REPL.
type Socket struct {
	address string

	mu     sync.Mutex
	conn   net.Conn
	closed bool
	err    error
	h      Handlers
}

func NewSocket(address string) *Socket {
	return &Socket{address: address}
}

func (s *Socket) Kind() Kind      { return KindSocket }
func (s *Socket) Address() string { return s.address }

func (s *Socket) dialAddress() string {
	if _, _, err := net.SplitHostPort(s.address); err == nil {
		return s.address
	}
	return net.JoinHostPort(s.address, DefaultSocketPort)
}

func (s *Socket) Connect(ctx context.Context, h Handlers) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.dialAddress())
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.closed = false
	s.err = nil
	s.h = h
	s.mu.Unlock()

	go s.readLoop(conn)
	return nil
}

func (s *Socket) readLoop(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if s.h.Data != nil {
				s.h.Data(chunk)
			}
		}
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.err = err
			h := s.h
			s.mu.Unlock()
			if !closed && h.Error != nil {
				h.Error(err)
			}
			return
		}
	}
}

func (s *Socket) Send(p []byte) error {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()
	if conn == nil || closed {
		return errors.New("socket not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := conn.Write(p)
	return err
}

// Ping reports the error that ended the read loop, if any. TCP gives no
// cheaper liveness probe that does not inject bytes into the REPL.
func (s *Socket) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.closed {
		return errors.New("socket not connected")
	}
	return s.err
}

func (s *Socket) Flush() error { return nil }

func (s *Socket) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if conn == nil || already {
		return nil
	}
	return conn.Close()
}
