package knxnet

// Service is the tagged union of every KNXnet/IP service body. The
// set of implementations is closed: all live in this package.
type Service interface {
	// ServiceCode returns the service type of the frame.
	ServiceCode() ServiceType

	// encodeBody serializes the body without the frame header.
	encodeBody() ([]byte, error)
}

// Pack serializes a service into a complete frame: header plus body.
func Pack(srv Service) ([]byte, error) {
	body, err := srv.encodeBody()
	if err != nil {
		return nil, err
	}

	h := Header{
		Service:     srv.ServiceCode(),
		TotalLength: uint16(HeaderSize + len(body)),
	}
	return append(h.Encode(), body...), nil
}

// Unpack parses a complete frame into its typed service. Parsing
// never reads past the total length encoded in the header; trailing
// bytes are ignored.
//
// Services without a decoder here (secure session, object server)
// come back as RawService.
func Unpack(data []byte) (Service, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if int(h.TotalLength) > len(data) {
		return nil, errMalformed("header", "total length", "frame advertises %d bytes but only %d are present", h.TotalLength, len(data))
	}

	body := data[HeaderSize:h.TotalLength]

	switch h.Service {
	case SvcSearchRequest:
		return decodeSearchRequest(body)
	case SvcSearchResponse:
		return decodeSearchResponse(body)
	case SvcSearchRequestExt:
		return decodeSearchRequestExt(body)
	case SvcSearchResponseExt:
		return decodeSearchResponseExt(body)
	case SvcDescriptionRequest:
		return decodeDescriptionRequest(body)
	case SvcDescriptionResponse:
		return decodeDescriptionResponse(body)
	case SvcConnectRequest:
		return decodeConnectRequest(body)
	case SvcConnectResponse:
		return decodeConnectResponse(body)
	case SvcConnectionStateRequest:
		return decodeConnectionStateRequest(body)
	case SvcConnectionStateRes:
		return decodeConnectionStateResponse(body)
	case SvcDisconnectRequest:
		return decodeDisconnectRequest(body)
	case SvcDisconnectResponse:
		return decodeDisconnectResponse(body)
	case SvcDeviceConfigRequest:
		return decodeDeviceConfigRequest(body)
	case SvcDeviceConfigAck:
		return decodeDeviceConfigAck(body)
	case SvcTunnelingRequest:
		return decodeTunnelingRequest(body)
	case SvcTunnelingAck:
		return decodeTunnelingAck(body)
	case SvcTunnelingFeatureGet, SvcTunnelingFeatureResponse, SvcTunnelingFeatureSet, SvcTunnelingFeatureInfo:
		return decodeTunnelingFeature(h.Service, body)
	case SvcRoutingIndication:
		return decodeRoutingIndication(body)
	case SvcRoutingLostMessage:
		return decodeRoutingLostMessage(body)
	case SvcRoutingBusy:
		return decodeRoutingBusy(body)
	case SvcRoutingSystemBroadcast:
		return decodeRoutingSystemBroadcast(body)
	default:
		return RawService{Code: h.Service, Data: append([]byte(nil), body...)}, nil
	}
}

// RawService preserves the body of a service this codec has no typed
// structure for: the secure session services and the Object-Server
// pair, which are wrapped and unwrapped by external collaborators.
type RawService struct {
	Code ServiceType
	Data []byte
}

// ServiceCode implements Service.
func (r RawService) ServiceCode() ServiceType { return r.Code }

func (r RawService) encodeBody() ([]byte, error) { return r.Data, nil }
