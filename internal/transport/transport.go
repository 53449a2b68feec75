package transport

import (
	"context"
	"fmt"
	"strings"
)

// Kind names the concrete channel behind a Transport.
type Kind string

const (
	KindSerial  Kind = "serial"
	KindSocket  Kind = "socket"
	KindWebREPL Kind = "webrepl"
)

// Handlers receive everything a transport produces after Connect returns.
// Data is called from the transport's reader goroutine, one chunk at a time
// and never concurrently. Error is called at most once, when the channel
// breaks underneath an established connection.
type Handlers struct {
	Data  func(p []byte)
	Error func(err error)
}

// Transport is a byte-oriented duplex channel to a device.
type Transport interface {
	Kind() Kind
	Address() string
	// Connect opens the channel and starts delivering data to h. The
	// context bounds the connect phase only.
	Connect(ctx context.Context, h Handlers) error
	Send(p []byte) error
	// Ping probes the channel without touching the request stream.
	Ping() error
	// Flush discards anything buffered in either direction.
	Flush() error
	Disconnect() error
}

// Options configure New.
type Options struct {
	Kind     Kind // empty means detect from the address
	Address  string
	BaudRate int
	Password string
}

// IsSerialAddress reports whether address names a local serial device.
func IsSerialAddress(address string) bool {
	a := strings.ToLower(address)
	return strings.HasPrefix(a, "com") ||
		strings.HasPrefix(a, "/dev/tty") ||
		strings.HasPrefix(a, "/dev/cu.") ||
		strings.HasPrefix(a, "/dev/serial")
}

// DetectKind picks a transport kind for an address: serial device paths,
// ws:// URLs for WebREPL and plain host[:port] for a raw socket.
func DetectKind(address string) Kind {
	switch {
	case IsSerialAddress(address):
		return KindSerial
	case strings.HasPrefix(address, "ws://"), strings.HasPrefix(address, "wss://"):
		return KindWebREPL
	default:
		return KindSocket
	}
}

// New builds the transport described by opts.
func New(opts Options) (Transport, error) {
	if strings.TrimSpace(opts.Address) == "" {
		return nil, fmt.Errorf("no device address configured")
	}
	kind := opts.Kind
	if kind == "" || kind == "auto" {
		kind = DetectKind(opts.Address)
	}
	switch kind {
	case KindSerial:
		return NewSerial(opts.Address, opts.BaudRate), nil
	case KindSocket:
		return NewSocket(opts.Address), nil
	case KindWebREPL:
		return NewWebREPL(opts.Address, opts.Password), nil
	}
	return nil, fmt.Errorf("unknown transport kind %q", kind)
}
