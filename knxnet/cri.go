package knxnet

import (
	"encoding/binary"

	"github.com/nerrad567/gray-logic-knx/knx"
)

// ConnType is a KNXnet/IP connection type code.
type ConnType uint8

// Connection types.
const (
	// ConnDeviceMgmt is a Device Management connection.
	ConnDeviceMgmt ConnType = 0x03

	// ConnTunnel is a Tunneling connection.
	ConnTunnel ConnType = 0x04
)

// TunnelLayer selects the KNX layer a tunnel attaches to.
type TunnelLayer uint8

// Tunneling layers.
const (
	LayerLink       TunnelLayer = 0x02
	LayerRaw        TunnelLayer = 0x04
	LayerBusMonitor TunnelLayer = 0x80
)

// CRI is the Connection Request Information block of a connect
// request.
type CRI struct {
	Type ConnType

	// Layer is the requested tunneling layer (tunnel connections
	// only).
	Layer TunnelLayer

	// TunnelAddr optionally requests a specific tunneling individual
	// address (extended connect requests).
	TunnelAddr *knx.IndividualAddress
}

// TunnelCRI builds the CRI for a tunnel connection.
func TunnelCRI(layer TunnelLayer) CRI {
	return CRI{Type: ConnTunnel, Layer: layer}
}

// DeviceMgmtCRI builds the CRI for a device-management connection.
func DeviceMgmtCRI() CRI {
	return CRI{Type: ConnDeviceMgmt}
}

// Encode serializes the CRI.
func (c CRI) Encode() []byte {
	switch c.Type {
	case ConnTunnel:
		if c.TunnelAddr != nil {
			buf := make([]byte, 6)
			buf[0] = 6
			buf[1] = byte(ConnTunnel)
			buf[2] = byte(c.Layer)
			binary.BigEndian.PutUint16(buf[4:6], c.TunnelAddr.ToUint16())
			return buf
		}
		return []byte{4, byte(ConnTunnel), byte(c.Layer), 0x00}
	default:
		return []byte{2, byte(c.Type)}
	}
}

// DecodeCRI parses a CRI and returns the bytes consumed.
func DecodeCRI(data []byte) (CRI, int, error) {
	if len(data) < 2 {
		return CRI{}, 0, errMalformed("CRI", "", "need at least 2 bytes, have %d", len(data))
	}
	length := int(data[0])
	if length < 2 || length > len(data) {
		return CRI{}, 0, errMalformed("CRI", "length", "structure length %d invalid for %d remaining bytes", length, len(data))
	}

	c := CRI{Type: ConnType(data[1])}
	if c.Type == ConnTunnel {
		if length < 4 {
			return CRI{}, 0, errMalformed("CRI", "length", "tunnel CRI length %d, need at least 4", length)
		}
		c.Layer = TunnelLayer(data[2])
		if length >= 6 {
			addr := knx.IndividualAddressFromUint16(binary.BigEndian.Uint16(data[4:6]))
			c.TunnelAddr = &addr
		}
	}
	return c, length, nil
}

// CRD is the Connection Response Data block of a connect response.
type CRD struct {
	Type ConnType

	// TunnelAddr is the tunneling individual address assigned by the
	// server (tunnel connections only).
	TunnelAddr knx.IndividualAddress
}

// Encode serializes the CRD.
func (c CRD) Encode() []byte {
	if c.Type == ConnTunnel {
		buf := make([]byte, 4)
		buf[0] = 4
		buf[1] = byte(ConnTunnel)
		binary.BigEndian.PutUint16(buf[2:4], c.TunnelAddr.ToUint16())
		return buf
	}
	return []byte{2, byte(c.Type)}
}

// DecodeCRD parses a CRD and returns the bytes consumed.
func DecodeCRD(data []byte) (CRD, int, error) {
	if len(data) < 2 {
		return CRD{}, 0, errMalformed("CRD", "", "need at least 2 bytes, have %d", len(data))
	}
	length := int(data[0])
	if length < 2 || length > len(data) {
		return CRD{}, 0, errMalformed("CRD", "length", "structure length %d invalid for %d remaining bytes", length, len(data))
	}

	c := CRD{Type: ConnType(data[1])}
	if c.Type == ConnTunnel {
		if length < 4 {
			return CRD{}, 0, errMalformed("CRD", "length", "tunnel CRD length %d, need 4", length)
		}
		c.TunnelAddr = knx.IndividualAddressFromUint16(binary.BigEndian.Uint16(data[2:4]))
	}
	return c, length, nil
}
