package knxnet

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Protocol is the host protocol code inside an HPAI.
type Protocol uint8

// Host protocol codes.
const (
	ProtoUDP Protocol = 0x01
	ProtoTCP Protocol = 0x02
)

// hpaiSize is the fixed size of an HPAI on the wire.
const hpaiSize = 8

// HPAI is a Host Protocol Address Information block: an IPv4
// endpoint descriptor.
//
// Two special forms exist. The NAT HPAI (UDP, 0.0.0.0:0) asks the
// peer to respond to the source of the datagram. The TCP HPAI (TCP,
// 0.0.0.0:0) is the placeholder used on stream connections.
type HPAI struct {
	Protocol Protocol
	IP       [4]byte
	Port     uint16
}

// NATHPAI returns the route-back HPAI used in NAT mode.
func NATHPAI() HPAI { return HPAI{Protocol: ProtoUDP} }

// TCPHPAI returns the placeholder HPAI used on TCP connections.
func TCPHPAI() HPAI { return HPAI{Protocol: ProtoTCP} }

// HPAIFromUDPAddr builds a UDP HPAI from a socket address. A nil or
// non-IPv4 address yields the NAT HPAI.
func HPAIFromUDPAddr(addr *net.UDPAddr) HPAI {
	h := HPAI{Protocol: ProtoUDP}
	if addr == nil {
		return h
	}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return h
	}
	copy(h.IP[:], ip4)
	h.Port = uint16(addr.Port)
	return h
}

// IsNAT reports whether this is the route-back NAT HPAI.
func (h HPAI) IsNAT() bool {
	return h.Protocol == ProtoUDP && h.IP == [4]byte{} && h.Port == 0
}

// IsTCP reports whether the HPAI carries the TCP host protocol.
func (h HPAI) IsTCP() bool { return h.Protocol == ProtoTCP }

// UDPAddr converts the HPAI to a socket address.
func (h HPAI) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(h.IP[0], h.IP[1], h.IP[2], h.IP[3]), Port: int(h.Port)}
}

// String returns "ip:port/proto".
func (h HPAI) String() string {
	proto := "udp"
	if h.IsTCP() {
		proto = "tcp"
	}
	return fmt.Sprintf("%d.%d.%d.%d:%d/%s", h.IP[0], h.IP[1], h.IP[2], h.IP[3], h.Port, proto)
}

// Encode serializes the HPAI into its 8-byte wire form.
func (h HPAI) Encode() []byte {
	buf := make([]byte, hpaiSize)
	buf[0] = hpaiSize
	buf[1] = byte(h.Protocol)
	copy(buf[2:6], h.IP[:])
	binary.BigEndian.PutUint16(buf[6:8], h.Port)
	return buf
}

// DecodeHPAI parses an HPAI and returns the bytes consumed.
//
// A structure length other than 8 is rejected. A TCP HPAI with a
// non-zero IP or port is tolerated; callers check IsTCP.
func DecodeHPAI(data []byte) (HPAI, int, error) {
	if len(data) < hpaiSize {
		return HPAI{}, 0, errMalformed("HPAI", "", "need %d bytes, have %d", hpaiSize, len(data))
	}
	if data[0] != hpaiSize {
		return HPAI{}, 0, errMalformed("HPAI", "length", "structure length %d, expected %d", data[0], hpaiSize)
	}

	proto := Protocol(data[1])
	if proto != ProtoUDP && proto != ProtoTCP {
		return HPAI{}, 0, errMalformed("HPAI", "protocol", "unknown host protocol 0x%02x", data[1])
	}

	h := HPAI{Protocol: proto, Port: binary.BigEndian.Uint16(data[6:8])}
	copy(h.IP[:], data[2:6])
	return h, hpaiSize, nil
}
