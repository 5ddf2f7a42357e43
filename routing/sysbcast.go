package routing

import "github.com/nerrad567/gray-logic-knx/knx"

// APCI service codes whose broadcasts travel as
// ROUTING_SYSTEM_BROADCAST on IP instead of plain indications.
const (
	apciSystemNetworkParamRead     = 0x1C8
	apciSystemNetworkParamResponse = 0x1C9
	apciDoASerialNumberWrite       = 0x3EE
	apciSecureService              = 0x3F1
)

// ipDomainAddressLength is the domain-address size that marks a
// DoA-Serial-Number write as an IP system broadcast: 6 serial bytes
// plus a 4-byte IPv4 domain address.
const ipDomainAddressLength = 4

// deviceSerialLength is the KNX device serial number size.
const deviceSerialLength = 6

// Security-control-field bit masks of the secure APDU. Kept verbatim
// from the reference bit-decoding: service id in the low three bits,
// system-broadcast flag at 0x08, tool access at 0x80.
const (
	scfServiceMask     = 0x07
	scfSystemBroadcast = 0x08

	scfServiceSyncReq = 0x02
	scfServiceSyncRes = 0x03
)

// IsSystemBroadcast classifies a cEMI L-Data frame: true when its
// broadcast must be serialized as ROUTING_SYSTEM_BROADCAST.
//
// Qualifying services are the System-Network-Parameter read and
// response, a Domain-Address-Serial-Number write carrying an IP
// domain address, and the secure sync services flagged for system
// broadcast in their security control field.
func IsSystemBroadcast(cemi []byte) bool {
	ld, err := knx.DecodeLData(cemi)
	if err != nil {
		return false
	}
	if !ld.IsGroupDest() || ld.Destination != 0 {
		return false
	}
	if len(ld.Data) < 2 {
		return false
	}

	apci := int(ld.Data[0]&0x03)<<8 | int(ld.Data[1])
	asdu := ld.Data[2:]

	switch apci {
	case apciSystemNetworkParamRead, apciSystemNetworkParamResponse:
		return true

	case apciDoASerialNumberWrite:
		return len(asdu) == deviceSerialLength+ipDomainAddressLength

	case apciSecureService:
		if len(asdu) < 1 {
			return false
		}
		scf := asdu[0]
		if scf&scfSystemBroadcast == 0 {
			return false
		}
		svc := scf & scfServiceMask
		return svc == scfServiceSyncReq || svc == scfServiceSyncRes

	default:
		return false
	}
}
