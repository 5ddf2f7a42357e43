package knxnet

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoutingBusyDecode(t *testing.T) {
	frame := []byte{
		0x06, 0x10, 0x05, 0x32, 0x00, 0x0C, // header
		0x06, 0x00, 0x00, 0x32, 0x00, 0x00, // body
	}

	srv, err := Unpack(frame)
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	busy := srv.(RoutingBusy)

	if busy.DeviceState != 0 {
		t.Errorf("device state = %d, want 0", busy.DeviceState)
	}
	if busy.WaitMillis != 50 {
		t.Errorf("wait time = %d ms, want 50", busy.WaitMillis)
	}
	if busy.Control != 0 {
		t.Errorf("control = %d, want 0", busy.Control)
	}

	enc, err := Pack(busy)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if !bytes.Equal(enc, frame) {
		t.Errorf("re-encode = % X, want % X", enc, frame)
	}
}

func TestRoutingBusyWaitTimeRange(t *testing.T) {
	tests := []struct {
		name    string
		wait    uint16
		wantErr bool
	}{
		{name: "below range", wait: 10, wantErr: true},
		{name: "lower bound", wait: 20},
		{name: "upper bound", wait: 100},
		{name: "above range", wait: 101, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRoutingBusy(0, tt.wait, 0)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewRoutingBusy(wait=%d) error = %v, wantErr %v", tt.wait, err, tt.wantErr)
			}
		})
	}
}

func TestRoutingLostMessageRoundTrip(t *testing.T) {
	lost := RoutingLostMessage{DeviceState: 0x01, Lost: 0x0203}

	frame, err := Pack(lost)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	back, err := Unpack(frame)
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	if got := back.(RoutingLostMessage); got != lost {
		t.Errorf("round-trip = %+v, want %+v", got, lost)
	}
}

func TestRoutingIndicationRoundTrip(t *testing.T) {
	payload := []byte{0x29, 0x00, 0xBC, 0xE0, 0x11, 0x01, 0x0A, 0x03, 0x01, 0x00, 0x81}

	frame, err := Pack(RoutingIndication{Payload: payload})
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	// Header test vector: 17-byte routing indication.
	if len(frame) != 17 {
		t.Errorf("frame length = %d, want 17", len(frame))
	}

	back, err := Unpack(frame)
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	if got := back.(RoutingIndication); !bytes.Equal(got.Payload, payload) {
		t.Errorf("payload = % X, want % X", got.Payload, payload)
	}
}

func TestRoutingIndicationRejectsEmpty(t *testing.T) {
	frame := []byte{0x06, 0x10, 0x05, 0x30, 0x00, 0x06}
	if _, err := Unpack(frame); !errors.Is(err, ErrFrame) {
		t.Errorf("empty routing indication: error = %v, want ErrFrame", err)
	}
}
