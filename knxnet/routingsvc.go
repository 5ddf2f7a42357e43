package knxnet

import "encoding/binary"

// RoutingIndication multicasts a cEMI frame to every router and
// endpoint in the group.
type RoutingIndication struct {
	// Payload is the opaque cEMI buffer.
	Payload []byte
}

// ServiceCode implements Service.
func (RoutingIndication) ServiceCode() ServiceType { return SvcRoutingIndication }

func (r RoutingIndication) encodeBody() ([]byte, error) { return r.Payload, nil }

func decodeRoutingIndication(body []byte) (Service, error) {
	if len(body) == 0 {
		return nil, errMalformed("routing indication", "payload", "empty cEMI payload")
	}
	return RoutingIndication{Payload: append([]byte(nil), body...)}, nil
}

// RoutingSystemBroadcast multicasts a system-broadcast cEMI frame.
// Same body layout as RoutingIndication under its own service code.
type RoutingSystemBroadcast struct {
	Payload []byte
}

// ServiceCode implements Service.
func (RoutingSystemBroadcast) ServiceCode() ServiceType { return SvcRoutingSystemBroadcast }

func (r RoutingSystemBroadcast) encodeBody() ([]byte, error) { return r.Payload, nil }

func decodeRoutingSystemBroadcast(body []byte) (Service, error) {
	if len(body) == 0 {
		return nil, errMalformed("routing system broadcast", "payload", "empty cEMI payload")
	}
	return RoutingSystemBroadcast{Payload: append([]byte(nil), body...)}, nil
}

// routingLostSize is the fixed body size of ROUTING_LOST_MESSAGE.
const routingLostSize = 4

// RoutingLostMessage reports that a router overflowed its queue and
// dropped indications.
type RoutingLostMessage struct {
	DeviceState uint8

	// Lost is the router's rolling count of lost indications.
	Lost uint16
}

// ServiceCode implements Service.
func (RoutingLostMessage) ServiceCode() ServiceType { return SvcRoutingLostMessage }

func (r RoutingLostMessage) encodeBody() ([]byte, error) {
	body := make([]byte, routingLostSize)
	body[0] = routingLostSize
	body[1] = r.DeviceState
	binary.BigEndian.PutUint16(body[2:4], r.Lost)
	return body, nil
}

func decodeRoutingLostMessage(body []byte) (Service, error) {
	if len(body) < routingLostSize {
		return nil, errMalformed("routing lost message", "", "need %d bytes, have %d", routingLostSize, len(body))
	}
	if body[0] != routingLostSize {
		return nil, errMalformed("routing lost message", "length", "structure length %d, expected %d", body[0], routingLostSize)
	}
	return RoutingLostMessage{
		DeviceState: body[1],
		Lost:        binary.BigEndian.Uint16(body[2:4]),
	}, nil
}

// routingBusySize is the fixed body size of ROUTING_BUSY.
const routingBusySize = 6

// Routing-Busy wait-time bounds in milliseconds.
const (
	MinBusyWaitMillis = 20
	MaxBusyWaitMillis = 100
)

// RoutingBusy asks senders to pause multicasting. Construct with
// NewRoutingBusy to get the wait-time range checked.
type RoutingBusy struct {
	DeviceState uint8

	// WaitMillis is the requested pause, 20–100 ms.
	WaitMillis uint16

	// Control selects which senders the pause applies to; 0 means
	// all.
	Control uint16
}

// NewRoutingBusy builds a Routing-Busy indication and validates the
// wait time.
func NewRoutingBusy(deviceState uint8, waitMillis uint16, control uint16) (RoutingBusy, error) {
	r := RoutingBusy{DeviceState: deviceState, WaitMillis: waitMillis, Control: control}
	if err := r.validate(); err != nil {
		return RoutingBusy{}, err
	}
	return r, nil
}

func (r RoutingBusy) validate() error {
	if r.WaitMillis < MinBusyWaitMillis || r.WaitMillis > MaxBusyWaitMillis {
		return errMalformed("routing busy", "wait time", "%d ms outside the %d-%d ms range", r.WaitMillis, MinBusyWaitMillis, MaxBusyWaitMillis)
	}
	return nil
}

// ServiceCode implements Service.
func (RoutingBusy) ServiceCode() ServiceType { return SvcRoutingBusy }

func (r RoutingBusy) encodeBody() ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	body := make([]byte, routingBusySize)
	body[0] = routingBusySize
	body[1] = r.DeviceState
	binary.BigEndian.PutUint16(body[2:4], r.WaitMillis)
	binary.BigEndian.PutUint16(body[4:6], r.Control)
	return body, nil
}

func decodeRoutingBusy(body []byte) (Service, error) {
	if len(body) < routingBusySize {
		return nil, errMalformed("routing busy", "", "need %d bytes, have %d", routingBusySize, len(body))
	}
	if body[0] != routingBusySize {
		return nil, errMalformed("routing busy", "length", "structure length %d, expected %d", body[0], routingBusySize)
	}
	r := RoutingBusy{
		DeviceState: body[1],
		WaitMillis:  binary.BigEndian.Uint16(body[2:4]),
		Control:     binary.BigEndian.Uint16(body[4:6]),
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}
