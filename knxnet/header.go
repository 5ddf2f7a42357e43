package knxnet

import (
	"encoding/binary"
	"fmt"
)

// ServiceType identifies a KNXnet/IP service.
type ServiceType uint16

// Service types used on UDP, TCP and multicast.
const (
	SvcSearchRequest          ServiceType = 0x0201
	SvcSearchResponse         ServiceType = 0x0202
	SvcDescriptionRequest     ServiceType = 0x0203
	SvcDescriptionResponse    ServiceType = 0x0204
	SvcConnectRequest         ServiceType = 0x0205
	SvcConnectResponse        ServiceType = 0x0206
	SvcConnectionStateRequest ServiceType = 0x0207
	SvcConnectionStateRes     ServiceType = 0x0208
	SvcDisconnectRequest      ServiceType = 0x0209
	SvcDisconnectResponse     ServiceType = 0x020A
	SvcSearchRequestExt       ServiceType = 0x020B
	SvcSearchResponseExt      ServiceType = 0x020C

	SvcDeviceConfigRequest ServiceType = 0x0310
	SvcDeviceConfigAck     ServiceType = 0x0311

	SvcTunnelingRequest         ServiceType = 0x0420
	SvcTunnelingAck             ServiceType = 0x0421
	SvcTunnelingFeatureGet      ServiceType = 0x0422
	SvcTunnelingFeatureResponse ServiceType = 0x0423
	SvcTunnelingFeatureSet      ServiceType = 0x0424
	SvcTunnelingFeatureInfo     ServiceType = 0x0425

	SvcRoutingIndication      ServiceType = 0x0530
	SvcRoutingLostMessage     ServiceType = 0x0531
	SvcRoutingBusy            ServiceType = 0x0532
	SvcRoutingSystemBroadcast ServiceType = 0x0533

	SvcSecureWrapper          ServiceType = 0x0950
	SvcSessionRequest         ServiceType = 0x0951
	SvcSessionResponse        ServiceType = 0x0952
	SvcSessionAuthenticate    ServiceType = 0x0953
	SvcSessionStatus          ServiceType = 0x0954
	SvcTimerNotify            ServiceType = 0x0955

	SvcObjectServerRequest ServiceType = 0xF080
	SvcObjectServerAck     ServiceType = 0xF081
)

// Protocol versions carried in the header.
const (
	// Version10 is the KNXnet/IP version used by every core service.
	Version10 byte = 0x10

	// Version20 is used exclusively by the Object-Server services.
	Version20 byte = 0x20
)

// HeaderSize is the fixed size of the KNXnet/IP header.
const HeaderSize = 6

// String returns the conventional service name.
func (s ServiceType) String() string {
	switch s {
	case SvcSearchRequest:
		return "SEARCH_REQUEST"
	case SvcSearchResponse:
		return "SEARCH_RESPONSE"
	case SvcDescriptionRequest:
		return "DESCRIPTION_REQUEST"
	case SvcDescriptionResponse:
		return "DESCRIPTION_RESPONSE"
	case SvcConnectRequest:
		return "CONNECT_REQUEST"
	case SvcConnectResponse:
		return "CONNECT_RESPONSE"
	case SvcConnectionStateRequest:
		return "CONNECTIONSTATE_REQUEST"
	case SvcConnectionStateRes:
		return "CONNECTIONSTATE_RESPONSE"
	case SvcDisconnectRequest:
		return "DISCONNECT_REQUEST"
	case SvcDisconnectResponse:
		return "DISCONNECT_RESPONSE"
	case SvcSearchRequestExt:
		return "SEARCH_REQUEST_EXTENDED"
	case SvcSearchResponseExt:
		return "SEARCH_RESPONSE_EXTENDED"
	case SvcDeviceConfigRequest:
		return "DEVICE_CONFIGURATION_REQUEST"
	case SvcDeviceConfigAck:
		return "DEVICE_CONFIGURATION_ACK"
	case SvcTunnelingRequest:
		return "TUNNELING_REQUEST"
	case SvcTunnelingAck:
		return "TUNNELING_ACK"
	case SvcTunnelingFeatureGet:
		return "TUNNELING_FEATURE_GET"
	case SvcTunnelingFeatureResponse:
		return "TUNNELING_FEATURE_RESPONSE"
	case SvcTunnelingFeatureSet:
		return "TUNNELING_FEATURE_SET"
	case SvcTunnelingFeatureInfo:
		return "TUNNELING_FEATURE_INFO"
	case SvcRoutingIndication:
		return "ROUTING_INDICATION"
	case SvcRoutingLostMessage:
		return "ROUTING_LOST_MESSAGE"
	case SvcRoutingBusy:
		return "ROUTING_BUSY"
	case SvcRoutingSystemBroadcast:
		return "ROUTING_SYSTEM_BROADCAST"
	case SvcSecureWrapper:
		return "SECURE_WRAPPER"
	case SvcSessionRequest:
		return "SESSION_REQUEST"
	case SvcSessionResponse:
		return "SESSION_RESPONSE"
	case SvcSessionAuthenticate:
		return "SESSION_AUTHENTICATE"
	case SvcSessionStatus:
		return "SESSION_STATUS"
	case SvcTimerNotify:
		return "TIMER_NOTIFY"
	case SvcObjectServerRequest:
		return "OBJECT_SERVER_REQUEST"
	case SvcObjectServerAck:
		return "OBJECT_SERVER_ACK"
	default:
		return fmt.Sprintf("0x%04X", uint16(s))
	}
}

// version returns the protocol version a service must carry.
func (s ServiceType) version() byte {
	if s == SvcObjectServerRequest || s == SvcObjectServerAck {
		return Version20
	}
	return Version10
}

// Header is the fixed 6-byte KNXnet/IP frame header.
type Header struct {
	// Service identifies the body that follows.
	Service ServiceType

	// TotalLength is the full frame length including the header.
	TotalLength uint16
}

// Encode serializes the header into its 6-byte wire form.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = HeaderSize
	buf[1] = h.Service.version()
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.Service))
	binary.BigEndian.PutUint16(buf[4:6], h.TotalLength)
	return buf
}

// DecodeHeader parses and validates a KNXnet/IP header.
//
// It rejects an unknown header size, a version that does not match
// the service, and a total length below the header size. The total
// length may exceed len(data); callers streaming from TCP use it to
// read the remainder.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, errMalformed("header", "", "need %d bytes, have %d", HeaderSize, len(data))
	}
	if data[0] != HeaderSize {
		return Header{}, errMalformed("header", "size", "unknown header size 0x%02x", data[0])
	}

	service := ServiceType(binary.BigEndian.Uint16(data[2:4]))
	if data[1] != service.version() {
		return Header{}, errMalformed("header", "version", "version 0x%02x not valid for %v", data[1], service)
	}

	total := binary.BigEndian.Uint16(data[4:6])
	if total < HeaderSize {
		return Header{}, errMalformed("header", "total length", "%d is below the header size", total)
	}

	return Header{Service: service, TotalLength: total}, nil
}
