package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestIsWebsocket(t *testing.T) {
	testCases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:9000", false},
		{"tunnel.example.com:9000", false},
		{"ws://tunnel.example.com/agent", true},
		{"wss://tunnel.example.com/agent", true},
	}
	for _, tc := range testCases {
		if got := IsWebsocket(tc.addr); got != tc.want {
			t.Errorf("IsWebsocket(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	conn, err := Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	server := <-accepted
	defer server.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("server read %q", buf)
	}
}

func TestDialRefused(t *testing.T) {
	// Grab a free port and close it again so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := Dial(context.Background(), addr); err == nil {
		t.Fatal("expected connection error")
	}
}

// TestWebsocketStream verifies that the websocket link behaves like a byte
// stream: writes arrive as binary messages, reads reassemble messages of
// any size, and message boundaries disappear.
func TestWebsocketStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Echo every binary message back, split into two messages to
		// prove boundaries are invisible to the reader.
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			half := len(data) / 2
			conn.WriteMessage(websocket.BinaryMessage, data[:half])
			conn.WriteMessage(websocket.BinaryMessage, data[half:])
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	payload := []byte("the same bytes on either transport")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read %q, want %q", got, payload)
	}
}
