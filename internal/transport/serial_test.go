//go:build !windows

package transport

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/go-playground/assert/v2"
	"go.bug.st/serial"
	"golang.org/x/term"
)

// ptyPort drives the slave end of a pseudo terminal as if it were a board's
// serial port. Methods the transport never calls stay on the nil embed.
type ptyPort struct {
	serial.Port
	f         *os.File
	statusErr error
	flushed   int
}

func (p *ptyPort) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *ptyPort) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *ptyPort) Close() error                { return p.f.Close() }
func (p *ptyPort) ResetInputBuffer() error     { p.flushed++; return nil }
func (p *ptyPort) ResetOutputBuffer() error    { p.flushed++; return nil }

func (p *ptyPort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	if p.statusErr != nil {
		return nil, p.statusErr
	}
	return &serial.ModemStatusBits{CTS: true, DSR: true}, nil
}

// openPTY swaps openPort for the test and returns the device end.
func openPTY(t *testing.T) (*os.File, *ptyPort) {
	t.Helper()
	master, slave, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		t.Fatalf("raw mode: %v", err)
	}
	port := &ptyPort{f: slave}

	orig := openPort
	openPort = func(address string, mode *serial.Mode) (serial.Port, error) {
		assert.Equal(t, 115200, mode.BaudRate)
		return port, nil
	}
	t.Cleanup(func() {
		openPort = orig
		master.Close()
		slave.Close()
	})
	return master, port
}

func readAtLeast(t *testing.T, f *os.File, n int) string {
	t.Helper()
	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 0, n)
		tmp := make([]byte, 64)
		for len(buf) < n {
			k, err := f.Read(tmp)
			if err != nil {
				break
			}
			buf = append(buf, tmp[:k]...)
		}
		got <- string(buf)
	}()
	select {
	case s := <-got:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out reading from the device end")
		return ""
	}
}

func TestSerialRoundTrip(t *testing.T) {
	master, port := openPTY(t)

	s := NewSerial("/dev/ttyUSB0", 0)
	col := newCollector()
	if err := s.Connect(context.Background(), col.handlers()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect()

	// the prompt is woken on connect
	assert.Equal(t, "\r\n", readAtLeast(t, master, 2))

	assert.Equal(t, nil, s.Send([]byte("\x01")))
	assert.Equal(t, "\x01", readAtLeast(t, master, 1))

	master.Write([]byte("raw REPL; CTRL-B to exit\r\n>"))
	col.waitFor(t, "raw REPL; CTRL-B to exit\r\n>")

	assert.Equal(t, nil, s.Ping())
	assert.Equal(t, nil, s.Flush())
	assert.Equal(t, 2, port.flushed)
}

func TestSerialUnplugReportsError(t *testing.T) {
	master, port := openPTY(t)

	s := NewSerial("/dev/ttyUSB0", 115200)
	col := newCollector()
	if err := s.Connect(context.Background(), col.handlers()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect()
	readAtLeast(t, master, 2)

	port.statusErr = errors.New("device not configured")
	assert.NotEqual(t, nil, s.Ping())

	// hanging up the master makes reads on the slave fail
	master.Close()
	if err := col.waitError(t); err == nil {
		t.Fatal("expected a read error")
	}
}

func TestSerialConnectFailsWhenProbeFails(t *testing.T) {
	_, port := openPTY(t)
	port.statusErr = errors.New("no modem lines")

	s := NewSerial("/dev/ttyUSB0", 115200)
	err := s.Connect(context.Background(), Handlers{})
	assert.NotEqual(t, nil, err)
	assert.NotEqual(t, nil, s.Send([]byte("x")))
}

func TestSerialOpenError(t *testing.T) {
	orig := openPort
	defer func() { openPort = orig }()
	openPort = func(string, *serial.Mode) (serial.Port, error) {
		return nil, errors.New("permission denied")
	}

	err := NewSerial("/dev/ttyUSB9", 115200).Connect(context.Background(), Handlers{})
	assert.NotEqual(t, nil, err)
	assert.Equal(t, "open /dev/ttyUSB9: permission denied", err.Error())
}

func TestSerialConnectHonoursContext(t *testing.T) {
	orig := openPort
	defer func() { openPort = orig }()
	release := make(chan struct{})
	openPort = func(string, *serial.Mode) (serial.Port, error) {
		<-release
		return nil, errors.New("late")
	}
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := NewSerial("COM3", 115200).Connect(ctx, Handlers{})
	assert.Equal(t, context.DeadlineExceeded, err)
}
