package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/nelyj/fwdtun/internal/framer"
	"github.com/nelyj/fwdtun/internal/protocol"
	"github.com/nelyj/fwdtun/internal/transport"
	"github.com/nelyj/fwdtun/internal/util"
)

// SessionState tracks the upstream connection lifecycle.
type SessionState uint8

const (
	StateConnecting SessionState = iota
	StateAwaitConfig
	StateRunning
	StateClosed
)

// Protocol violations that tear a session down.
var (
	errUnknownType     = errors.New("unknown frame type")
	errDuplicateConfig = errors.New("duplicate configuration line")
	errEarlyEvent      = errors.New("listener event before handshake completed")
	errServerState     = errors.New("unexpected state frame from server")
)

const eventBufferSize = 256

// Session owns one upstream connection: the handshake, the listener table
// keyed by tunnel id, and the routing between listeners and the framed
// link. All mutable state is confined to the goroutine running Run; other
// goroutines interact only through post and fail.
type Session struct {
	id       string // short id prefixed on log lines
	addr     string
	metadata []byte

	state      SessionState
	configured bool
	upstream   io.ReadWriteCloser
	fr         *framer.Framer
	pending    *protocol.Header // parsed header awaiting its body
	listeners  map[protocol.TunnelID]Listener

	snd    *sender
	events chan event

	done      chan struct{}
	closeOnce sync.Once
	failErr   error // first fatal error; valid once done is closed
}

// NewSession creates a session that will dial addr and announce the given
// metadata document.
func NewSession(addr string, metadata []byte) *Session {
	return &Session{
		id:        uuid.NewString()[:8],
		addr:      addr,
		metadata:  metadata,
		state:     StateConnecting,
		fr:        framer.New(),
		listeners: make(map[protocol.TunnelID]Listener),
		events:    make(chan event, eventBufferSize),
		done:      make(chan struct{}),
	}
}

// ID returns the session's log-correlation id.
func (s *Session) ID() string { return s.id }

// Run drives the session from connect to CLOSED and returns the error that
// ended it. A context cancellation surfaces as that context's error.
func (s *Session) Run(ctx context.Context) error {
	util.Stats.AddSession()

	conn, err := transport.Dial(ctx, s.addr)
	if err != nil {
		s.state = StateClosed
		return err
	}
	s.upstream = conn
	s.snd = newSender(s, conn)

	// Handshake: one metadata line out, then await the bind configuration
	// line with the framer in line mode.
	line := make([]byte, 0, len(s.metadata)+1)
	s.snd.send(s, append(append(line, s.metadata...), '\n'))
	s.state = StateAwaitConfig
	s.fr.SetMode(0)
	util.LogDebug("[%s] connected to %s, metadata announced", s.id, s.addr)

	go s.readLoop(conn)

	stop := context.AfterFunc(ctx, func() { s.fail(ctx.Err()) })
	defer stop()

	for {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-s.done:
			s.teardown()
			return s.failErr
		}
	}
}

// fail records the first fatal error and starts teardown. Safe to call
// from any goroutine.
func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		s.failErr = err
		close(s.done)
	})
}

// closed reports whether teardown has begun.
func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// post delivers an event to the session loop, dropping it once the session
// is torn down.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// violation records a protocol violation and tears the session down.
func (s *Session) violation(err error) {
	util.Stats.AddViolation()
	s.fail(err)
}

// readLoop owns the upstream read side, converting the byte stream into
// ordered events for the session goroutine.
func (s *Session) readLoop(r io.Reader) {
	buf := make([]byte, recvBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.post(event{kind: evUpstreamChunk, payload: chunk})
		}
		if err != nil {
			s.post(event{kind: evUpstreamClosed, err: err})
			return
		}
	}
}

// teardown closes every listener, clears the table, and closes the link.
// Once it runs, no further events are handled and no further bytes are
// written: the sender exits on done, and post drops late events.
func (s *Session) teardown() {
	s.state = StateClosed
	for id, l := range s.listeners {
		l.Close()
		delete(s.listeners, id)
	}
	if s.upstream != nil {
		s.upstream.Close()
	}
	// Open events still queued own sockets that never reached a peer
	// table; release them. An accept loop whose open event lands after
	// this drain sees the session closed and closes that socket itself.
	for {
		select {
		case ev := <-s.events:
			if ev.conn != nil {
				ev.conn.conn.Close()
			}
		default:
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Event handling — session goroutine only
// ---------------------------------------------------------------------------

func (s *Session) handle(ev event) {
	if s.closed() {
		return
	}
	switch ev.kind {
	case evUpstreamChunk:
		s.handleUpstream(ev.payload)
	case evUpstreamClosed:
		if errors.Is(ev.err, io.EOF) {
			s.fail(errors.New("upstream closed the connection"))
		} else {
			s.fail(fmt.Errorf("upstream read: %w", ev.err))
		}
	case evClientData, evClientState:
		s.handleClient(ev)
	}
}

// handleUpstream feeds a read chunk through the framer and processes every
// complete line or frame chunk it yields.
func (s *Session) handleUpstream(chunk []byte) {
	if err := s.fr.Feed(chunk); err != nil {
		s.violation(err)
		return
	}
	for !s.closed() {
		item, ok := s.fr.Next()
		if !ok {
			return
		}
		var err error
		switch s.state {
		case StateAwaitConfig:
			err = s.configure(item)
		case StateRunning:
			if s.pending == nil {
				err = s.readHeader(item)
			} else {
				err = s.readBody(item)
			}
		default:
			return
		}
		if err != nil {
			s.violation(err)
			return
		}
	}
}

// bindRequest is one entry of the server's bind configuration. Family and
// protocol use the same stable constants as the frame header.
type bindRequest struct {
	Family   int `json:"family"`
	Protocol int `json:"protocol"`
	Port     int `json:"port"`
}

type bindConfig struct {
	Bind []bindRequest `json:"bind"`
}

// configure parses the configuration line and establishes every requested
// binding. Partial success is failure: any bind error closes the session
// and teardown releases whatever was already bound.
func (s *Session) configure(line []byte) error {
	if s.configured {
		return errDuplicateConfig
	}
	s.configured = true

	var cfg bindConfig
	if err := json.Unmarshal(line, &cfg); err != nil {
		return fmt.Errorf("bad configuration line: %w", err)
	}

	failed := 0
	for _, req := range cfg.Bind {
		id, err := tunnelIDOf(req)
		if err == nil {
			if _, dup := s.listeners[id]; dup {
				err = errors.New("duplicate binding")
			}
		}
		if err == nil {
			var l Listener
			if l, err = newListener(s, id); err == nil {
				s.listeners[id] = l
				util.LogInfo("[%s] listening on %s", s.id, listenAddr(id))
			}
		}
		if err != nil {
			util.LogWarning("[%s] bind %d/%d/%d failed: %v", s.id, req.Family, req.Protocol, req.Port, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d requested bindings failed", failed, len(cfg.Bind))
	}

	s.state = StateRunning
	s.fr.SetMode(protocol.HeaderSize)
	util.LogDebug("[%s] configured, %d listeners bound", s.id, len(s.listeners))
	return nil
}

// tunnelIDOf translates a bind request into a tunnel id, rejecting values
// outside the stable constant sets.
func tunnelIDOf(req bindRequest) (protocol.TunnelID, error) {
	var id protocol.TunnelID
	switch protocol.Family(req.Family) {
	case protocol.FamilyIPv4, protocol.FamilyIPv6:
		id.Family = protocol.Family(req.Family)
	default:
		return id, fmt.Errorf("unknown address family %d", req.Family)
	}
	switch protocol.Transport(req.Protocol) {
	case protocol.TransportTCP, protocol.TransportUDP:
		id.Transport = protocol.Transport(req.Protocol)
	default:
		return id, fmt.Errorf("unknown protocol %d", req.Protocol)
	}
	if req.Port < 1 || req.Port > 65535 {
		return id, fmt.Errorf("port %d out of range", req.Port)
	}
	id.Port = uint16(req.Port)
	return id, nil
}

// readHeader decodes a header chunk and sizes the framer for its body.
func (s *Session) readHeader(chunk []byte) error {
	hdr, err := protocol.DecodeHeader(chunk)
	if err != nil {
		return err
	}
	switch hdr.Type {
	case protocol.TypeData, protocol.TypeState:
	default:
		return fmt.Errorf("%w: %d", errUnknownType, uint16(hdr.Type))
	}
	if hdr.BodySize() < hdr.PeerSize() {
		return fmt.Errorf("frame length %d too small for its body", hdr.Length)
	}
	s.pending = &hdr
	s.fr.SetMode(hdr.BodySize())
	return nil
}

// readBody consumes the body belonging to the pending header, dispatches
// it, and re-arms the framer for the next header.
func (s *Session) readBody(chunk []byte) error {
	hdr := *s.pending
	s.pending = nil
	s.fr.SetMode(protocol.HeaderSize)

	peer, rest, err := protocol.DecodeBody(hdr, chunk)
	if err != nil {
		return err
	}
	if hdr.Type == protocol.TypeState {
		// This client originates all TCP state; a server-sent state
		// notification means the two ends disagree about who owns the
		// connection tables.
		return errServerState
	}
	util.Stats.AddDown(int(hdr.Length))

	id := hdr.ID()
	l, ok := s.listeners[id]
	if !ok {
		util.LogWarning("[%s] frame for unknown tunnel %s, dropped", s.id, id)
		return nil
	}
	if err := l.ReceiveData(peer, rest); err != nil {
		// Desync confined to one listener: drop it, keep the session.
		util.LogWarning("[%s] %s: %v, closing listener", s.id, id, err)
		l.Close()
		delete(s.listeners, id)
	}
	return nil
}

// handleClient forwards a listener event upstream. Listener events outside
// RUNNING mean the handshake ordering broke, which is fatal.
func (s *Session) handleClient(ev event) {
	if s.state != StateRunning {
		if ev.conn != nil {
			ev.conn.conn.Close()
		}
		s.violation(errEarlyEvent)
		return
	}
	l, ok := s.listeners[ev.id]
	if !ok {
		// The listener was dropped after a desync; its sockets may still
		// drain a few events.
		if ev.conn != nil {
			ev.conn.conn.Close()
		}
		return
	}

	switch ev.kind {
	case evClientData:
		buf, err := protocol.EncodeData(ev.id, ev.peer, ev.payload)
		if err != nil {
			util.LogError("[%s] %s: dropping chunk from %s: %v", s.id, ev.id, ev.peer, err)
			return
		}
		s.snd.send(s, buf)
		util.Stats.AddUp(len(buf))

	case evClientState:
		tl, ok := l.(*tcpListener)
		if !ok {
			util.LogError("[%s] %s: state event from a datagram listener", s.id, ev.id)
			return
		}
		switch ev.state {
		case protocol.StateOpen:
			tl.peers[ev.peer] = ev.conn
			util.Stats.OpenConn()
			util.LogDebug("[%s] %s: %s connected", s.id, ev.id, ev.peer)
		case protocol.StateClose:
			if pc, ok := tl.peers[ev.peer]; ok {
				pc.conn.Close()
				delete(tl.peers, ev.peer)
				util.Stats.CloseConn()
			}
			util.LogDebug("[%s] %s: %s disconnected", s.id, ev.id, ev.peer)
		}
		buf, err := protocol.EncodeState(ev.id, ev.peer, ev.state)
		if err != nil {
			util.LogError("[%s] %s: dropping state for %s: %v", s.id, ev.id, ev.peer, err)
			return
		}
		s.snd.send(s, buf)
		util.Stats.AddUp(len(buf))
	}
}
