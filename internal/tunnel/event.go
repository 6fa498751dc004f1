// Package tunnel implements the client side of the tunneling protocol:
// one session per upstream connection, owning the handshake, the listener
// table, and the routing between local sockets and the framed link.
package tunnel

import (
	"net/netip"

	"github.com/nelyj/fwdtun/internal/protocol"
)

// eventKind discriminates the session's inbox events.
type eventKind uint8

const (
	evClientData     eventKind = iota // a local peer produced payload bytes
	evClientState                     // a local TCP peer opened or closed
	evUpstreamChunk                   // bytes arrived on the upstream link
	evUpstreamClosed                  // the upstream link hit EOF or an error
)

// event is the single currency of the session loop. Listener and upstream
// reader goroutines only convert I/O into events; the session goroutine is
// the sole consumer, so every state transition observes one total order.
type event struct {
	kind    eventKind
	id      protocol.TunnelID
	peer    netip.AddrPort
	payload []byte
	state   protocol.State
	conn    *peerConn // set for evClientState open
	err     error     // set for evUpstreamClosed
}
