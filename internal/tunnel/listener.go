package tunnel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/nelyj/fwdtun/internal/protocol"
	"github.com/nelyj/fwdtun/internal/util"
)

// recvBufferSize chunks reads on local sockets. Small enough that any
// chunk plus header and peer prefix fits a single frame.
const recvBufferSize = 16 * 1024

// Listener is the common contract of the UDP and TCP listener variants.
// ReceiveData delivers inbound tunnel payload to a local peer; Close
// releases the socket and, for TCP, every accepted connection. Both are
// called only from the owning session's goroutine.
type Listener interface {
	ID() protocol.TunnelID
	ReceiveData(peer netip.AddrPort, payload []byte) error
	Close()
}

// errUnknownPeer is returned by the TCP variant when inbound data
// addresses a peer with no accepted connection. The session treats it as
// a desync and closes the whole listener.
var errUnknownPeer = errors.New("no connection for peer")

// newListener binds the listener variant the tunnel id asks for. All
// listeners bind loopback exclusively.
func newListener(sess *Session, id protocol.TunnelID) (Listener, error) {
	switch id.Transport {
	case protocol.TransportTCP:
		return newTCPListener(sess, id)
	case protocol.TransportUDP:
		return newUDPListener(sess, id)
	default:
		return nil, fmt.Errorf("unknown transport %d", id.Transport)
	}
}

// listenAddr returns the loopback bind address for a tunnel id.
func listenAddr(id protocol.TunnelID) string {
	host := "127.0.0.1"
	if id.Family == protocol.FamilyIPv6 {
		host = "::1"
	}
	return net.JoinHostPort(host, strconv.Itoa(int(id.Port)))
}

// network returns the net-package network name for a tunnel id. This is
// the only place the wire constants meet host socket types.
func network(id protocol.TunnelID) string {
	proto := "tcp"
	if id.Transport == protocol.TransportUDP {
		proto = "udp"
	}
	if id.Family == protocol.FamilyIPv6 {
		return proto + "6"
	}
	return proto + "4"
}

// unmap strips the IPv4-in-IPv6 mapping some stacks report for loopback
// peers, so table keys and wire encodings agree on the address form.
func unmap(peer netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port())
}

// ---------------------------------------------------------------------------
// UDP variant
// ---------------------------------------------------------------------------

// udpListener is the stateless datagram variant: one bound socket and no
// per-peer records. Each received datagram becomes one DATA event; each
// inbound DATA frame becomes exactly one datagram back to its peer.
type udpListener struct {
	id   protocol.TunnelID
	conn *net.UDPConn
	sess *Session // non-owning back reference
}

func newUDPListener(sess *Session, id protocol.TunnelID) (*udpListener, error) {
	conn, err := net.ListenUDP(network(id), &net.UDPAddr{IP: loopbackIP(id), Port: int(id.Port)})
	if err != nil {
		return nil, err
	}
	l := &udpListener{id: id, conn: conn, sess: sess}
	go l.readLoop()
	return l, nil
}

func loopbackIP(id protocol.TunnelID) net.IP {
	if id.Family == protocol.FamilyIPv6 {
		return net.IPv6loopback
	}
	return net.IPv4(127, 0, 0, 1)
}

func (l *udpListener) ID() protocol.TunnelID { return l.id }

func (l *udpListener) readLoop() {
	buf := make([]byte, recvBufferSize)
	for {
		n, peer, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			// Socket closed during teardown, or the stack gave up on it.
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		l.sess.post(event{kind: evClientData, id: l.id, peer: unmap(peer), payload: payload})
	}
}

func (l *udpListener) ReceiveData(peer netip.AddrPort, payload []byte) error {
	if _, err := l.conn.WriteToUDPAddrPort(payload, peer); err != nil {
		// Datagram sends fail independently; dropping one is not a desync.
		util.LogWarning("%s: send to %s failed: %v", l.id, peer, err)
	}
	return nil
}

func (l *udpListener) Close() {
	l.conn.Close()
}

// ---------------------------------------------------------------------------
// TCP variant
// ---------------------------------------------------------------------------

// tcpListener owns the accepting socket and the table of accepted
// connections keyed by remote address. The table is touched only from the
// session goroutine; the accept and read loops merely post events.
type tcpListener struct {
	id    protocol.TunnelID
	ln    net.Listener
	sess  *Session // non-owning back reference
	peers map[netip.AddrPort]*peerConn
}

func newTCPListener(sess *Session, id protocol.TunnelID) (*tcpListener, error) {
	ln, err := net.Listen(network(id), listenAddr(id))
	if err != nil {
		return nil, err
	}
	l := &tcpListener{id: id, ln: ln, sess: sess, peers: make(map[netip.AddrPort]*peerConn)}
	go l.acceptLoop()
	return l, nil
}

func (l *tcpListener) ID() protocol.TunnelID { return l.id }

func (l *tcpListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		peer := unmap(conn.RemoteAddr().(*net.TCPAddr).AddrPort())
		pc := &peerConn{listener: l, conn: conn, peer: peer}
		// The open event is posted before the read loop starts, so the
		// session always sees OPEN strictly before any DATA for the peer.
		l.sess.post(event{kind: evClientState, id: l.id, peer: peer, state: protocol.StateOpen, conn: pc})
		if l.sess.closed() {
			// The event may have raced past the teardown drain.
			conn.Close()
			return
		}
		go pc.readLoop()
	}
}

// ReceiveData writes inbound payload to the peer's accepted connection.
// An unknown peer is a protocol desync and is reported to the session; a
// write error is contained by closing just that connection, whose read
// loop then raises the close event.
func (l *tcpListener) ReceiveData(peer netip.AddrPort, payload []byte) error {
	pc, ok := l.peers[peer]
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownPeer, peer)
	}
	if _, err := pc.conn.Write(payload); err != nil {
		util.LogWarning("%s: write to %s failed: %v", l.id, peer, err)
		pc.conn.Close()
	}
	return nil
}

func (l *tcpListener) Close() {
	l.ln.Close()
	for peer, pc := range l.peers {
		pc.conn.Close()
		delete(l.peers, peer)
		util.Stats.CloseConn()
	}
}

// peerConn is one accepted local connection. Its read loop posts every
// chunk in arrival order and exactly one close event when the stream ends,
// whether by remote close, read error, or teardown closing the socket.
type peerConn struct {
	listener *tcpListener
	conn     net.Conn
	peer     netip.AddrPort
}

func (p *peerConn) readLoop() {
	l := p.listener
	buf := make([]byte, recvBufferSize)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			l.sess.post(event{kind: evClientData, id: l.id, peer: p.peer, payload: payload})
		}
		if err != nil {
			l.sess.post(event{kind: evClientState, id: l.id, peer: p.peer, state: protocol.StateClose})
			return
		}
	}
}
