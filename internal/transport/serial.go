package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.bug.st/serial"
)

// DefaultBaudRate matches the MicroPython USB REPL.
const DefaultBaudRate = 115200

// openPort is swapped in tests.
var openPort = func(address string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(address, mode)
}

// Serial talks to a board attached over a serial/USB cable.
type Serial struct {
	address string
	baud    int

	mu     sync.Mutex
	port   serial.Port
	closed bool
	h      Handlers
}

func NewSerial(address string, baud int) *Serial {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return &Serial{address: address, baud: baud}
}

func (s *Serial) Kind() Kind      { return KindSerial }
func (s *Serial) Address() string { return s.address }

func (s *Serial) Connect(ctx context.Context, h Handlers) error {
	type result struct {
		port serial.Port
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := openPort(s.address, &serial.Mode{BaudRate: s.baud})
		ch <- result{p, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		// let the opener finish in the background and release the port
		go func() {
			if late := <-ch; late.port != nil {
				late.port.Close()
			}
		}()
		return ctx.Err()
	case r = <-ch:
	}
	if r.err != nil {
		return fmt.Errorf("open %s: %w", s.address, r.err)
	}

	s.mu.Lock()
	s.port = r.port
	s.closed = false
	s.h = h
	s.mu.Unlock()

	if err := s.Ping(); err != nil {
		s.Disconnect()
		return fmt.Errorf("probe %s: %w", s.address, err)
	}

	go s.readLoop(r.port)

	// wake the prompt
	return s.Send([]byte("\r\n"))
}

func (s *Serial) readLoop(p serial.Port) {
	buf := make([]byte, 4096)
	for {
		n, err := p.Read(buf)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			h := s.h
			s.mu.Unlock()
			if !closed && h.Error != nil {
				h.Error(err)
			}
			return
		}
		if n == 0 {
			continue
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		if s.h.Data != nil {
			s.h.Data(chunk)
		}
	}
}

func (s *Serial) current() (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil || s.closed {
		return nil, errors.New("serial port not open")
	}
	return s.port, nil
}

func (s *Serial) Send(p []byte) error {
	port, err := s.current()
	if err != nil {
		return err
	}
	for len(p) > 0 {
		n, err := port.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Ping reads the modem status lines, which fails once the device is unplugged.
func (s *Serial) Ping() error {
	port, err := s.current()
	if err != nil {
		return err
	}
	_, err = port.GetModemStatusBits()
	return err
}

func (s *Serial) Flush() error {
	port, err := s.current()
	if err != nil {
		return err
	}
	if err := port.ResetInputBuffer(); err != nil {
		return err
	}
	return port.ResetOutputBuffer()
}

func (s *Serial) Disconnect() error {
	s.mu.Lock()
	port := s.port
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if port == nil || already {
		return nil
	}
	return port.Close()
}
