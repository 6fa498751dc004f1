package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// EncodeData builds a DATA frame for the given tunnel and peer. It fails
// when the frame would exceed MaxFrameSize or when the peer address does
// not match the tunnel's family; nothing is written in either case.
func EncodeData(id TunnelID, peer netip.AddrPort, payload []byte) ([]byte, error) {
	total := HeaderSize + peerSize(id.Family) + len(payload)
	if total > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes (max %d)", total, MaxFrameSize)
	}
	buf, err := appendPeer(appendHeader(make([]byte, 0, total), uint16(total), TypeData, id), id.Family, peer)
	if err != nil {
		return nil, err
	}
	return append(buf, payload...), nil
}

// EncodeState builds a STATE frame carrying an open or close notification
// for a TCP peer.
func EncodeState(id TunnelID, peer netip.AddrPort, state State) ([]byte, error) {
	total := HeaderSize + peerSize(id.Family) + 2
	buf, err := appendPeer(appendHeader(make([]byte, 0, total), uint16(total), TypeState, id), id.Family, peer)
	if err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint16(buf, uint16(state)), nil
}

// DecodeHeader parses exactly HeaderSize bytes. It fails on short input
// and on an unknown address family.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("header too short: %d bytes (need %d)", len(b), HeaderSize)
	}
	h := Header{
		Length:    binary.BigEndian.Uint16(b[0:2]),
		Type:      FrameType(binary.BigEndian.Uint16(b[2:4])),
		Port:      binary.BigEndian.Uint16(b[4:6]),
		Family:    Family(b[6]),
		Transport: Transport(b[7]),
	}
	switch h.Family {
	case FamilyIPv4, FamilyIPv6:
	default:
		return Header{}, fmt.Errorf("unknown address family %d", b[6])
	}
	return h, nil
}

// DecodeBody splits a frame body into the peer address prefix and the
// remainder: payload bytes for DATA, a two-byte state code for STATE. The
// header's family selects the peer encoding.
func DecodeBody(h Header, b []byte) (netip.AddrPort, []byte, error) {
	ps := h.PeerSize()
	if len(b) < ps {
		return netip.AddrPort{}, nil, fmt.Errorf("frame body too short: %d bytes (need %d for peer)", len(b), ps)
	}
	var addr netip.Addr
	if h.Family == FamilyIPv6 {
		addr = netip.AddrFrom16([16]byte(b[:16]))
	} else {
		addr = netip.AddrFrom4([4]byte(b[:4]))
	}
	port := binary.BigEndian.Uint16(b[ps-2 : ps])
	return netip.AddrPortFrom(addr, port), b[ps:], nil
}

// DecodeState parses the two-byte state code that follows the peer address
// in a STATE frame body.
func DecodeState(b []byte) (State, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("state code must be 2 bytes, got %d", len(b))
	}
	switch s := State(binary.BigEndian.Uint16(b)); s {
	case StateOpen, StateClose:
		return s, nil
	default:
		return 0, fmt.Errorf("unknown state code %d", uint16(s))
	}
}

func appendHeader(buf []byte, total uint16, typ FrameType, id TunnelID) []byte {
	buf = binary.BigEndian.AppendUint16(buf, total)
	buf = binary.BigEndian.AppendUint16(buf, uint16(typ))
	buf = binary.BigEndian.AppendUint16(buf, id.Port)
	return append(buf, byte(id.Family), byte(id.Transport))
}

func appendPeer(buf []byte, family Family, peer netip.AddrPort) ([]byte, error) {
	addr := peer.Addr().Unmap()
	switch family {
	case FamilyIPv4:
		if !addr.Is4() {
			return nil, fmt.Errorf("peer %s does not match address family %d", peer, family)
		}
		a4 := addr.As4()
		buf = append(buf, a4[:]...)
	case FamilyIPv6:
		if addr.Is4() {
			return nil, fmt.Errorf("peer %s does not match address family %d", peer, family)
		}
		a16 := addr.As16()
		buf = append(buf, a16[:]...)
	default:
		return nil, fmt.Errorf("unknown address family %d", family)
	}
	return binary.BigEndian.AppendUint16(buf, peer.Port()), nil
}
