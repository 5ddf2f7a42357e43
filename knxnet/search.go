package knxnet

// SearchRequest asks for servers on the discovery multicast group.
type SearchRequest struct {
	// Endpoint is where search responses should be sent.
	Endpoint HPAI
}

// ServiceCode implements Service.
func (SearchRequest) ServiceCode() ServiceType { return SvcSearchRequest }

func (r SearchRequest) encodeBody() ([]byte, error) { return r.Endpoint.Encode(), nil }

func decodeSearchRequest(body []byte) (Service, error) {
	endpoint, _, err := DecodeHPAI(body)
	if err != nil {
		return nil, err
	}
	return SearchRequest{Endpoint: endpoint}, nil
}

// SearchResponse announces a server with its control endpoint and
// self-description.
type SearchResponse struct {
	Control     HPAI
	Description DescriptionBlock
}

// ServiceCode implements Service.
func (SearchResponse) ServiceCode() ServiceType { return SvcSearchResponse }

func (r SearchResponse) encodeBody() ([]byte, error) {
	if err := r.Description.validateConstructed(); err != nil {
		return nil, err
	}
	return append(r.Control.Encode(), r.Description.Encode()...), nil
}

func decodeSearchResponse(body []byte) (Service, error) {
	control, n, err := DecodeHPAI(body)
	if err != nil {
		return nil, err
	}
	desc, err := DecodeDescriptionBlock(body[n:])
	if err != nil {
		return nil, err
	}
	return SearchResponse{Control: control, Description: desc}, nil
}

// SRPType tags a Search-Request Parameter of the extended search.
type SRPType uint8

// SRP types defined for the extended search request.
const (
	SRPInvalid       SRPType = 0x00
	SRPSelectByPMode SRPType = 0x01
	SRPSelectByMAC   SRPType = 0x02
	SRPSelectBySvc   SRPType = 0x03
	SRPRequestDIBs   SRPType = 0x04
)

// srpMandatoryBit flags an SRP the server must understand.
const srpMandatoryBit = 0x80

// SRP is one Search-Request Parameter.
type SRP struct {
	Type SRPType

	// Mandatory makes servers that cannot satisfy the parameter stay
	// silent instead of answering.
	Mandatory bool

	Data []byte
}

// Encode serializes the SRP.
func (p SRP) Encode() []byte {
	buf := make([]byte, 2+len(p.Data))
	buf[0] = byte(len(buf))
	buf[1] = byte(p.Type)
	if p.Mandatory {
		buf[1] |= srpMandatoryBit
	}
	copy(buf[2:], p.Data)
	return buf
}

// DecodeSRP parses one SRP and returns the bytes consumed.
func DecodeSRP(data []byte) (SRP, int, error) {
	if len(data) < 2 {
		return SRP{}, 0, errMalformed("SRP", "", "need at least 2 bytes, have %d", len(data))
	}
	length := int(data[0])
	if length < 2 {
		return SRP{}, 0, errMalformed("SRP", "size", "size %d is below the minimum of 2", length)
	}
	if length > len(data) {
		return SRP{}, 0, errMalformed("SRP", "size", "size %d overruns the %d remaining bytes", length, len(data))
	}

	p := SRP{
		Type:      SRPType(data[1] &^ srpMandatoryBit),
		Mandatory: data[1]&srpMandatoryBit != 0,
	}
	if length > 2 {
		p.Data = append([]byte(nil), data[2:length]...)
	}
	return p, length, nil
}

// SearchRequestExt is the extensible v2 search request.
type SearchRequestExt struct {
	Endpoint HPAI
	SRPs     []SRP
}

// ServiceCode implements Service.
func (SearchRequestExt) ServiceCode() ServiceType { return SvcSearchRequestExt }

func (r SearchRequestExt) encodeBody() ([]byte, error) {
	body := r.Endpoint.Encode()
	for _, p := range r.SRPs {
		body = append(body, p.Encode()...)
	}
	return body, nil
}

func decodeSearchRequestExt(body []byte) (Service, error) {
	endpoint, n, err := DecodeHPAI(body)
	if err != nil {
		return nil, err
	}

	r := SearchRequestExt{Endpoint: endpoint}
	for off := n; off < len(body); {
		p, m, err := DecodeSRP(body[off:])
		if err != nil {
			return nil, err
		}
		r.SRPs = append(r.SRPs, p)
		off += m
	}
	return r, nil
}

// SearchResponseExt is the v2 search response. Same layout as the v1
// response under its own service code.
type SearchResponseExt struct {
	Control     HPAI
	Description DescriptionBlock
}

// ServiceCode implements Service.
func (SearchResponseExt) ServiceCode() ServiceType { return SvcSearchResponseExt }

func (r SearchResponseExt) encodeBody() ([]byte, error) {
	if err := r.Description.validateConstructed(); err != nil {
		return nil, err
	}
	return append(r.Control.Encode(), r.Description.Encode()...), nil
}

func decodeSearchResponseExt(body []byte) (Service, error) {
	control, n, err := DecodeHPAI(body)
	if err != nil {
		return nil, err
	}
	desc, err := DecodeDescriptionBlock(body[n:])
	if err != nil {
		return nil, err
	}
	return SearchResponseExt{Control: control, Description: desc}, nil
}

// DescriptionRequest asks a server for its self-description over
// unicast.
type DescriptionRequest struct {
	Control HPAI
}

// ServiceCode implements Service.
func (DescriptionRequest) ServiceCode() ServiceType { return SvcDescriptionRequest }

func (r DescriptionRequest) encodeBody() ([]byte, error) { return r.Control.Encode(), nil }

func decodeDescriptionRequest(body []byte) (Service, error) {
	control, _, err := DecodeHPAI(body)
	if err != nil {
		return nil, err
	}
	return DescriptionRequest{Control: control}, nil
}

// DescriptionResponse carries a server's self-description.
type DescriptionResponse struct {
	Description DescriptionBlock
}

// ServiceCode implements Service.
func (DescriptionResponse) ServiceCode() ServiceType { return SvcDescriptionResponse }

func (r DescriptionResponse) encodeBody() ([]byte, error) {
	if err := r.Description.validateConstructed(); err != nil {
		return nil, err
	}
	return r.Description.Encode(), nil
}

func decodeDescriptionResponse(body []byte) (Service, error) {
	desc, err := DecodeDescriptionBlock(body)
	if err != nil {
		return nil, err
	}
	return DescriptionResponse{Description: desc}, nil
}
