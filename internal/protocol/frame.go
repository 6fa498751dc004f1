// Package protocol defines the framed envelope spoken on the upstream
// connection: a fixed 8-byte header, a peer address prefix, and a body
// that is either payload bytes or a state code.
package protocol

import (
	"fmt"
	"net/netip"
)

// FrameType identifies the kind of frame.
type FrameType uint16

const (
	TypeState FrameType = 0 // open/close notification for a TCP peer
	TypeData  FrameType = 1 // payload chunk
)

// Family is the address family carried in the header. These are stable
// wire constants, not host constants; translation to host socket types
// happens at the net-package edges.
type Family uint8

const (
	FamilyIPv4 Family = 2
	FamilyIPv6 Family = 10
)

// Transport is the transport code carried in the header.
type Transport uint8

const (
	TransportTCP Transport = 1
	TransportUDP Transport = 2
)

// State is the u16 code in a STATE frame body.
type State uint16

const (
	StateOpen  State = 0
	StateClose State = 1
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "close"
}

// HeaderSize is the fixed header size:
// total_length(2) + frame_type(2) + port(2) + family(1) + transport(1).
const HeaderSize = 8

// MaxFrameSize bounds total_length. Frames larger than this are refused on
// encode and are a protocol violation on receive.
const MaxFrameSize = 65535

// Header is the decoded fixed-size frame header.
type Header struct {
	Length    uint16 // entire frame length in bytes, header included
	Type      FrameType
	Port      uint16
	Family    Family
	Transport Transport
}

// BodySize returns the number of bytes following the header.
func (h Header) BodySize() int { return int(h.Length) - HeaderSize }

// PeerSize returns the encoded peer address size for the header's family:
// 4 bytes + u16 port for IPv4, 16 bytes + u16 port for IPv6. The peer
// encoding is never self-described; the family field selects it.
func (h Header) PeerSize() int { return peerSize(h.Family) }

// ID returns the tunnel identifier the header addresses.
func (h Header) ID() TunnelID {
	return TunnelID{Family: h.Family, Transport: h.Transport, Port: h.Port}
}

func peerSize(f Family) int {
	if f == FamilyIPv6 {
		return 18
	}
	return 6
}

// TunnelID identifies one local listener: (family, transport, port). It is
// unique per session and appears on the wire so both ends route the same way.
type TunnelID struct {
	Family    Family
	Transport Transport
	Port      uint16
}

func (id TunnelID) String() string {
	proto := "tcp"
	if id.Transport == TransportUDP {
		proto = "udp"
	}
	ver := "4"
	if id.Family == FamilyIPv6 {
		ver = "6"
	}
	return fmt.Sprintf("%s%s:%d", proto, ver, id.Port)
}

// FamilyOf returns the wire family for an address. IPv4-mapped IPv6
// addresses count as IPv4.
func FamilyOf(addr netip.Addr) Family {
	if addr.Unmap().Is4() {
		return FamilyIPv4
	}
	return FamilyIPv6
}
