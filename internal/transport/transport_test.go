package transport

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// collector gathers Data chunks and the final Error of a transport.
type collector struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	errs chan error
}

func newCollector() *collector {
	return &collector{errs: make(chan error, 1)}
}

func (c *collector) handlers() Handlers {
	return Handlers{
		Data: func(p []byte) {
			c.mu.Lock()
			c.buf.Write(p)
			c.mu.Unlock()
		},
		Error: func(err error) { c.errs <- err },
	}
}

func (c *collector) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := c.buf.String()
		c.mu.Unlock()
		if bytes.Contains([]byte(got), []byte(want)) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Fatalf("timed out waiting for %q, got %q", want, c.buf.String())
}

func (c *collector) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("expected the error handler to fire")
		return nil
	}
}

func TestDetectKind(t *testing.T) {
	tests := []struct {
		address string
		want    Kind
	}{
		{"COM3", KindSerial},
		{"com12", KindSerial},
		{"/dev/ttyUSB0", KindSerial},
		{"/dev/ttyACM1", KindSerial},
		{"/dev/cu.usbserial-0001", KindSerial},
		{"/dev/serial/by-id/usb-Espressif", KindSerial},
		{"ws://192.168.4.1:8266", KindWebREPL},
		{"wss://board.local", KindWebREPL},
		{"192.168.4.1", KindSocket},
		{"board.local:23", KindSocket},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectKind(tt.address))
		})
	}
}

func TestNew(t *testing.T) {
	_, err := New(Options{Address: "  "})
	assert.NotEqual(t, nil, err)

	_, err = New(Options{Kind: "carrier-pigeon", Address: "x"})
	assert.NotEqual(t, nil, err)

	tr, err := New(Options{Address: "/dev/ttyUSB0"})
	assert.Equal(t, nil, err)
	assert.Equal(t, KindSerial, tr.Kind())
	assert.Equal(t, DefaultBaudRate, tr.(*Serial).baud)

	tr, err = New(Options{Kind: "auto", Address: "ws://10.0.0.2", Password: "pw"})
	assert.Equal(t, nil, err)
	assert.Equal(t, KindWebREPL, tr.Kind())
	assert.Equal(t, "pw", tr.(*WebREPL).password)

	// an explicit kind wins over detection
	tr, err = New(Options{Kind: KindSocket, Address: "COM4"})
	assert.Equal(t, nil, err)
	assert.Equal(t, KindSocket, tr.Kind())
	assert.Equal(t, "COM4", tr.Address())
}
