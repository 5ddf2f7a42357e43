package knxnet

// connHeaderSize is the connection header prefixed to tunneling and
// device-configuration bodies: length, channel, sequence, reserved.
const connHeaderSize = 4

// maxFrameLength caps a tunneling frame's total length. Larger cEMI
// payloads are rejected at serialization.
const maxFrameLength = 252

// maxTunnelPayload is the largest cEMI buffer a tunneling request
// can carry.
const maxTunnelPayload = maxFrameLength - HeaderSize - connHeaderSize

func encodeConnHeader(channel, seq, tail uint8) []byte {
	return []byte{connHeaderSize, channel, seq, tail}
}

func decodeConnHeader(structName string, body []byte) (channel, seq, tail uint8, err error) {
	if len(body) < connHeaderSize {
		return 0, 0, 0, errMalformed(structName, "connection header", "need %d bytes, have %d", connHeaderSize, len(body))
	}
	if body[0] != connHeaderSize {
		return 0, 0, 0, errMalformed(structName, "connection header", "structure length %d, expected %d", body[0], connHeaderSize)
	}
	return body[1], body[2], body[3], nil
}

// TunnelingRequest carries a cEMI frame over a tunnel connection.
type TunnelingRequest struct {
	Channel uint8
	Seq     uint8

	// Payload is the opaque cEMI buffer.
	Payload []byte
}

// ServiceCode implements Service.
func (TunnelingRequest) ServiceCode() ServiceType { return SvcTunnelingRequest }

func (r TunnelingRequest) encodeBody() ([]byte, error) {
	if len(r.Payload) > maxTunnelPayload {
		return nil, errMalformed("tunneling request", "payload", "cEMI length %d pushes total length beyond %d bytes", len(r.Payload), maxFrameLength)
	}
	return append(encodeConnHeader(r.Channel, r.Seq, 0x00), r.Payload...), nil
}

func decodeTunnelingRequest(body []byte) (Service, error) {
	channel, seq, _, err := decodeConnHeader("tunneling request", body)
	if err != nil {
		return nil, err
	}
	return TunnelingRequest{
		Channel: channel,
		Seq:     seq,
		Payload: append([]byte(nil), body[connHeaderSize:]...),
	}, nil
}

// TunnelingAck confirms reception of a tunneling request.
type TunnelingAck struct {
	Channel uint8
	Seq     uint8
	Status  Status
}

// ServiceCode implements Service.
func (TunnelingAck) ServiceCode() ServiceType { return SvcTunnelingAck }

func (r TunnelingAck) encodeBody() ([]byte, error) {
	return encodeConnHeader(r.Channel, r.Seq, byte(r.Status)), nil
}

func decodeTunnelingAck(body []byte) (Service, error) {
	channel, seq, status, err := decodeConnHeader("tunneling ack", body)
	if err != nil {
		return nil, err
	}
	return TunnelingAck{Channel: channel, Seq: seq, Status: Status(status)}, nil
}

// DeviceConfigRequest carries a cEMI device-management frame over a
// configuration connection.
type DeviceConfigRequest struct {
	Channel uint8
	Seq     uint8
	Payload []byte
}

// ServiceCode implements Service.
func (DeviceConfigRequest) ServiceCode() ServiceType { return SvcDeviceConfigRequest }

func (r DeviceConfigRequest) encodeBody() ([]byte, error) {
	return append(encodeConnHeader(r.Channel, r.Seq, 0x00), r.Payload...), nil
}

func decodeDeviceConfigRequest(body []byte) (Service, error) {
	channel, seq, _, err := decodeConnHeader("device-configuration request", body)
	if err != nil {
		return nil, err
	}
	return DeviceConfigRequest{
		Channel: channel,
		Seq:     seq,
		Payload: append([]byte(nil), body[connHeaderSize:]...),
	}, nil
}

// DeviceConfigAck confirms a device-configuration request.
type DeviceConfigAck struct {
	Channel uint8
	Seq     uint8
	Status  Status
}

// ServiceCode implements Service.
func (DeviceConfigAck) ServiceCode() ServiceType { return SvcDeviceConfigAck }

func (r DeviceConfigAck) encodeBody() ([]byte, error) {
	return encodeConnHeader(r.Channel, r.Seq, byte(r.Status)), nil
}

func decodeDeviceConfigAck(body []byte) (Service, error) {
	channel, seq, status, err := decodeConnHeader("device-configuration ack", body)
	if err != nil {
		return nil, err
	}
	return DeviceConfigAck{Channel: channel, Seq: seq, Status: Status(status)}, nil
}

// FeatureID identifies a tunneling interface feature.
type FeatureID uint8

// Tunneling interface features.
const (
	FeatureSupportedEMIType  FeatureID = 0x01
	FeatureDeviceDescriptor0 FeatureID = 0x02
	FeatureBusStatus         FeatureID = 0x03
	FeatureManufacturer      FeatureID = 0x04
	FeatureActiveEMIType     FeatureID = 0x05
	FeatureInfoServiceEnable FeatureID = 0x06
)

// featureValueLength returns the mandatory value length of a
// feature, or -1 for unknown features (any length accepted).
func featureValueLength(id FeatureID) int {
	switch id {
	case FeatureSupportedEMIType, FeatureDeviceDescriptor0, FeatureManufacturer, FeatureActiveEMIType:
		return 2
	case FeatureBusStatus, FeatureInfoServiceEnable:
		return 1
	default:
		return -1
	}
}

// TunnelingFeature is the shared shape of the four feature services:
// Get carries no value, Response carries a return code and value,
// Set carries a value, Info carries a value.
type TunnelingFeature struct {
	Code    ServiceType
	Channel uint8
	Seq     uint8
	Feature FeatureID

	// ReturnCode is meaningful in responses only.
	ReturnCode uint8

	Value []byte
}

// ServiceCode implements Service.
func (f TunnelingFeature) ServiceCode() ServiceType { return f.Code }

func (f TunnelingFeature) validate() error {
	switch f.Code {
	case SvcTunnelingFeatureGet:
		if len(f.Value) != 0 {
			return errMalformed("tunneling feature", "value", "feature-get carries no value, got %d bytes", len(f.Value))
		}
		return nil
	case SvcTunnelingFeatureResponse, SvcTunnelingFeatureSet, SvcTunnelingFeatureInfo:
		if want := featureValueLength(f.Feature); want >= 0 && len(f.Value) != want {
			return errMalformed("tunneling feature", "value", "feature 0x%02x requires %d value bytes, got %d", uint8(f.Feature), want, len(f.Value))
		}
		return nil
	default:
		return errMalformed("tunneling feature", "service", "0x%04x is not a tunneling-feature service", uint16(f.Code))
	}
}

func (f TunnelingFeature) encodeBody() ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	body := encodeConnHeader(f.Channel, f.Seq, 0x00)
	body = append(body, byte(f.Feature), f.ReturnCode)
	return append(body, f.Value...), nil
}

func decodeTunnelingFeature(code ServiceType, body []byte) (Service, error) {
	channel, seq, _, err := decodeConnHeader("tunneling feature", body)
	if err != nil {
		return nil, err
	}
	if len(body) < connHeaderSize+2 {
		return nil, errMalformed("tunneling feature", "", "need %d bytes, have %d", connHeaderSize+2, len(body))
	}

	f := TunnelingFeature{
		Code:       code,
		Channel:    channel,
		Seq:        seq,
		Feature:    FeatureID(body[connHeaderSize]),
		ReturnCode: body[connHeaderSize+1],
	}
	if len(body) > connHeaderSize+2 {
		f.Value = append([]byte(nil), body[connHeaderSize+2:]...)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}
