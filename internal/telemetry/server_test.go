package telemetry

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

func dialAndHandshake(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	buf := make([]byte, len(hello))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if string(buf) != hello {
		t.Fatalf("got %q, want %q", buf, hello)
	}
	if _, err := conn.Write([]byte(hello)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	return conn
}

func TestServerAcceptsHandshakesAndBroadcasts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	srv := NewServer("127.0.0.1:0", hub)
	srv.HandshakeTimeout = time.Second
	go srv.Serve(ctx)

	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatal("server never became ready")
	}

	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.Count() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered with the hub")
		}
		time.Sleep(5 * time.Millisecond)
	}

	payload, err := EncodeEvent("state_transition", map[string]string{"from": "idle", "to": "scan_and_move"})
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	hub.Broadcast(payload)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		t.Fatalf("read length prefix: %v", err)
	}
	n := binary.BigEndian.Uint32(lenBuf)
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("read body: %v", err)
	}

	srv.Shutdown()
}

func TestServerRejectsBadHandshake(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	srv := NewServer("127.0.0.1:0", hub)
	srv.HandshakeTimeout = 200 * time.Millisecond
	go srv.Serve(ctx)
	<-srv.Ready()
	defer srv.Shutdown()

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	buf := make([]byte, len(hello))
	_, _ = io.ReadFull(conn, buf)
	_, _ = conn.Write([]byte("garbage!"))

	// The server should close the connection rather than register it.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	one := make([]byte, 1)
	if _, err := conn.Read(one); err == nil {
		t.Fatal("expected the rejected connection to be closed")
	}
}
