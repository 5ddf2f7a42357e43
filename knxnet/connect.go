package knxnet

// ConnectRequest opens a client session. It carries the control and
// data endpoints plus the connection-type-specific CRI.
type ConnectRequest struct {
	Control HPAI
	Data    HPAI
	CRI     CRI
}

// ServiceCode implements Service.
func (ConnectRequest) ServiceCode() ServiceType { return SvcConnectRequest }

func (r ConnectRequest) encodeBody() ([]byte, error) {
	body := r.Control.Encode()
	body = append(body, r.Data.Encode()...)
	body = append(body, r.CRI.Encode()...)
	return body, nil
}

func decodeConnectRequest(body []byte) (Service, error) {
	control, n, err := DecodeHPAI(body)
	if err != nil {
		return nil, err
	}
	data, m, err := DecodeHPAI(body[n:])
	if err != nil {
		return nil, err
	}
	cri, _, err := DecodeCRI(body[n+m:])
	if err != nil {
		return nil, err
	}
	return ConnectRequest{Control: control, Data: data, CRI: cri}, nil
}

// ConnectResponse answers a connect request. On failure the body is
// just channel and status; Data and CRD are only valid when Status
// is StatusNoError.
type ConnectResponse struct {
	Channel uint8
	Status  Status
	Data    HPAI
	CRD     CRD
}

// ServiceCode implements Service.
func (ConnectResponse) ServiceCode() ServiceType { return SvcConnectResponse }

func (r ConnectResponse) encodeBody() ([]byte, error) {
	body := []byte{r.Channel, byte(r.Status)}
	if r.Status != StatusNoError {
		return body, nil
	}
	body = append(body, r.Data.Encode()...)
	body = append(body, r.CRD.Encode()...)
	return body, nil
}

func decodeConnectResponse(body []byte) (Service, error) {
	if len(body) < 2 {
		return nil, errMalformed("connect response", "", "need at least 2 bytes, have %d", len(body))
	}

	r := ConnectResponse{Channel: body[0], Status: Status(body[1])}
	if r.Status != StatusNoError {
		return r, nil
	}

	data, n, err := DecodeHPAI(body[2:])
	if err != nil {
		return nil, err
	}
	crd, _, err := DecodeCRD(body[2+n:])
	if err != nil {
		return nil, err
	}
	r.Data = data
	r.CRD = crd
	return r, nil
}

// ConnectionStateRequest is the session heartbeat probe.
type ConnectionStateRequest struct {
	Channel uint8
	Control HPAI
}

// ServiceCode implements Service.
func (ConnectionStateRequest) ServiceCode() ServiceType { return SvcConnectionStateRequest }

func (r ConnectionStateRequest) encodeBody() ([]byte, error) {
	body := []byte{r.Channel, 0x00}
	return append(body, r.Control.Encode()...), nil
}

func decodeConnectionStateRequest(body []byte) (Service, error) {
	if len(body) < 2 {
		return nil, errMalformed("connection-state request", "", "need at least 2 bytes, have %d", len(body))
	}
	control, _, err := DecodeHPAI(body[2:])
	if err != nil {
		return nil, err
	}
	return ConnectionStateRequest{Channel: body[0], Control: control}, nil
}

// ConnectionStateResponse answers a heartbeat probe with the channel
// state.
type ConnectionStateResponse struct {
	Channel uint8
	Status  Status
}

// ServiceCode implements Service.
func (ConnectionStateResponse) ServiceCode() ServiceType { return SvcConnectionStateRes }

func (r ConnectionStateResponse) encodeBody() ([]byte, error) {
	return []byte{r.Channel, byte(r.Status)}, nil
}

func decodeConnectionStateResponse(body []byte) (Service, error) {
	if len(body) < 2 {
		return nil, errMalformed("connection-state response", "", "need 2 bytes, have %d", len(body))
	}
	return ConnectionStateResponse{Channel: body[0], Status: Status(body[1])}, nil
}

// DisconnectRequest tears a session down. Either side may send it.
type DisconnectRequest struct {
	Channel uint8
	Control HPAI
}

// ServiceCode implements Service.
func (DisconnectRequest) ServiceCode() ServiceType { return SvcDisconnectRequest }

func (r DisconnectRequest) encodeBody() ([]byte, error) {
	body := []byte{r.Channel, 0x00}
	return append(body, r.Control.Encode()...), nil
}

func decodeDisconnectRequest(body []byte) (Service, error) {
	if len(body) < 2 {
		return nil, errMalformed("disconnect request", "", "need at least 2 bytes, have %d", len(body))
	}
	control, _, err := DecodeHPAI(body[2:])
	if err != nil {
		return nil, err
	}
	return DisconnectRequest{Channel: body[0], Control: control}, nil
}

// DisconnectResponse confirms a disconnect request.
type DisconnectResponse struct {
	Channel uint8
	Status  Status
}

// ServiceCode implements Service.
func (DisconnectResponse) ServiceCode() ServiceType { return SvcDisconnectResponse }

func (r DisconnectResponse) encodeBody() ([]byte, error) {
	return []byte{r.Channel, byte(r.Status)}, nil
}

func decodeDisconnectResponse(body []byte) (Service, error) {
	if len(body) < 2 {
		return nil, errMalformed("disconnect response", "", "need 2 bytes, have %d", len(body))
	}
	return DisconnectResponse{Channel: body[0], Status: Status(body[1])}, nil
}
