// Package transport dials the upstream tunnel server and exposes the link
// as a plain byte stream, whether it is raw TCP or a websocket.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

// Dial connects to the upstream address. addr is either host:port for a
// raw TCP link, or a ws:// / wss:// URL for a websocket link carrying the
// identical byte stream inside binary messages.
func Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	if IsWebsocket(addr) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		return &wsStream{conn: conn}, nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

// IsWebsocket reports whether addr selects the websocket transport.
func IsWebsocket(addr string) bool {
	return strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://")
}

// wsStream adapts a websocket connection to io.ReadWriteCloser. Reads
// drain binary messages in order; each Write emits one binary message.
// Message boundaries carry no meaning — the consumer treats the
// concatenation as a byte stream, exactly like the TCP link.
type wsStream struct {
	conn    *websocket.Conn
	current io.Reader
}

func (w *wsStream) Read(p []byte) (int, error) {
	for {
		if w.current == nil {
			_, r, err := w.conn.NextReader()
			if err != nil {
				return 0, err
			}
			w.current = r
		}
		n, err := w.current.Read(p)
		if err == io.EOF {
			// end of one message, not of the stream
			w.current = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (w *wsStream) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsStream) Close() error {
	return w.conn.Close()
}
