package app

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/nelyj/fwdtun/internal/config"
)

// TestRunReconnects: after a session dies, the supervisor dials again
// after its fixed delay — forever, until the context ends it.
func TestRunReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, &config.Config{Connect: ln.Addr().String()})
	}()

	for i := 0; i < 2; i++ {
		ln.(*net.TCPListener).SetDeadline(time.Now().Add(5 * time.Second))
		conn, err := ln.Accept()
		if err != nil {
			t.Fatalf("connection %d never arrived: %v", i+1, err)
		}
		// Default metadata is the empty document.
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			t.Fatalf("metadata read: %v", err)
		}
		if line != "{}\n" {
			t.Fatalf("metadata line = %q", line)
		}
		// Hang up without configuring; the supervisor must come back.
		conn.Close()
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
