package knxnet

import "fmt"

// Status is a KNXnet/IP status/error code carried in response
// frames.
type Status uint8

// Status codes surfaced in responses.
const (
	StatusNoError Status = 0x00

	// StatusHostProtocolType rejects the host protocol in an HPAI.
	StatusHostProtocolType Status = 0x01

	// StatusVersionNotSupported rejects the protocol version.
	StatusVersionNotSupported Status = 0x02

	// StatusSequenceNumber rejects an out-of-order sequence number.
	StatusSequenceNumber Status = 0x04

	// StatusError is an unspecified error.
	StatusError Status = 0x0F

	// StatusConnectionID reports an unknown channel id.
	StatusConnectionID Status = 0x21

	// StatusConnectionType rejects the requested connection type.
	StatusConnectionType Status = 0x22

	// StatusConnectionOption rejects a connection option.
	StatusConnectionOption Status = 0x23

	// StatusNoMoreConnections means the server is out of channels.
	StatusNoMoreConnections Status = 0x24

	// StatusNoMoreUniqueConnections means no free tunneling address
	// remains for an additional connection.
	StatusNoMoreUniqueConnections Status = 0x25

	// StatusKNXConnection reports a fault on the KNX subnetwork.
	// The same code doubles as DATA_CONNECTION in connection-state
	// responses.
	StatusKNXConnection Status = 0x26

	// StatusAuthError reports failed authorization.
	StatusAuthError Status = 0x28

	// StatusTunnelingLayer rejects the requested tunneling layer.
	StatusTunnelingLayer Status = 0x29

	// StatusNoTunnelingAddress means the requested individual
	// address is not part of the server's address pool.
	StatusNoTunnelingAddress Status = 0x2D

	// StatusConnectionInUse means the requested individual address
	// is already assigned to another connection.
	StatusConnectionInUse Status = 0x2E
)

// StatusDataConnection is the connection-state alias for 0x26.
const StatusDataConnection = StatusKNXConnection

// String returns a human-readable description; it is never empty.
func (s Status) String() string {
	switch s {
	case StatusNoError:
		return "no error"
	case StatusHostProtocolType:
		return "host protocol type not supported"
	case StatusVersionNotSupported:
		return "protocol version not supported"
	case StatusSequenceNumber:
		return "sequence number out of order"
	case StatusError:
		return "unspecified error"
	case StatusConnectionID:
		return "no active connection with that channel id"
	case StatusConnectionType:
		return "connection type not supported"
	case StatusConnectionOption:
		return "connection option not supported"
	case StatusNoMoreConnections:
		return "no more connections available"
	case StatusNoMoreUniqueConnections:
		return "no more unique connections available"
	case StatusKNXConnection:
		return "error in the KNX connection"
	case StatusAuthError:
		return "authorization error"
	case StatusTunnelingLayer:
		return "tunneling layer not supported"
	case StatusNoTunnelingAddress:
		return "requested tunneling address not available"
	case StatusConnectionInUse:
		return "tunneling address in use"
	default:
		return fmt.Sprintf("unknown status 0x%02x", uint8(s))
	}
}
