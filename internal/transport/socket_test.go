package transport

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSocketDialAddress(t *testing.T) {
	assert.Equal(t, "192.168.4.1:23", NewSocket("192.168.4.1").dialAddress())
	assert.Equal(t, "board.local:2323", NewSocket("board.local:2323").dialAddress())
}

func TestSocketRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	s := NewSocket(ln.Addr().String())
	col := newCollector()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Connect(ctx, col.handlers()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect()

	var device net.Conn
	select {
	case device = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
	}

	assert.Equal(t, nil, s.Ping())
	assert.Equal(t, nil, s.Send([]byte("print(1)\r\n")))
	line, err := bufio.NewReader(device).ReadString('\n')
	assert.Equal(t, nil, err)
	assert.Equal(t, "print(1)\r\n", line)

	device.Write([]byte("1\r\n>>> "))
	col.waitFor(t, ">>> ")

	// device goes away
	device.Close()
	if err := col.waitError(t); err == nil {
		t.Fatal("expected a read error")
	}
	assert.NotEqual(t, nil, s.Ping())
}

func TestSocketDisconnectIsQuiet(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
			time.Sleep(200 * time.Millisecond)
		}
	}()

	s := NewSocket(ln.Addr().String())
	col := newCollector()
	if err := s.Connect(context.Background(), col.handlers()); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, nil, s.Disconnect())
	assert.Equal(t, nil, s.Disconnect())
	assert.NotEqual(t, nil, s.Send([]byte("x")))

	select {
	case err := <-col.errs:
		t.Fatalf("no error expected after a local disconnect, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSocketConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	err = NewSocket(addr).Connect(context.Background(), Handlers{})
	assert.NotEqual(t, nil, err)
}
