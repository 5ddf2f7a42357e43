package tpuart

import (
	"bytes"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-knx/knx"
)

func TestTP1Checksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want byte
	}{
		{name: "empty", data: nil, want: 0xFF},
		{name: "single", data: []byte{0xFF}, want: 0x00},
		{name: "frame body", data: []byte{0xBC, 0x11, 0x01, 0x10, 0x01, 0xE1, 0x00, 0x81}, want: 0x22},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tp1Checksum(tt.data); got != tt.want {
				t.Errorf("tp1Checksum(% X) = 0x%02X, want 0x%02X", tt.data, got, tt.want)
			}
		})
	}
}

func TestToTP1Standard(t *testing.T) {
	ld := knx.LData{
		Code:        knx.LDataReq,
		Ctrl1:       0xB0,
		Ctrl2:       0xE0,
		Source:      knx.IndividualAddress{Area: 1, Line: 1, Device: 5},
		Destination: knx.GroupAddress{Main: 1, Middle: 2, Sub: 3}.ToUint16(),
		Data:        []byte{0x00, 0x81},
	}

	frame, err := toTP1(ld)
	if err != nil {
		t.Fatalf("toTP1() error = %v", err)
	}

	body := []byte{0xB0, 0x11, 0x05, 0x0A, 0x03, 0xE1, 0x00, 0x81}
	want := append(body, tp1Checksum(body))
	if !bytes.Equal(frame, want) {
		t.Errorf("toTP1() = % X, want % X", frame, want)
	}

	back, err := fromTP1(frame, false)
	if err != nil {
		t.Fatalf("fromTP1() error = %v", err)
	}
	if back.Code != knx.LDataInd {
		t.Errorf("decoded code = 0x%02x, want L_Data.ind", back.Code)
	}
	if back.Source != ld.Source || back.Destination != ld.Destination {
		t.Errorf("addresses = %v -> 0x%04X", back.Source, back.Destination)
	}
	if !bytes.Equal(back.Data, ld.Data) {
		t.Errorf("TPDU = % X, want % X", back.Data, ld.Data)
	}
}

func TestToTP1Extended(t *testing.T) {
	data := make([]byte, 20) // too long for a standard frame
	data[1] = 0x80
	ld := knx.LData{
		Code:        knx.LDataReq,
		Ctrl1:       0xB0,
		Ctrl2:       0xE0,
		Source:      knx.IndividualAddress{Area: 1, Line: 1, Device: 5},
		Destination: 0x0A03,
		Data:        data,
	}

	frame, err := toTP1(ld)
	if err != nil {
		t.Fatalf("toTP1() error = %v", err)
	}
	if frame[0]&0x80 != 0 {
		t.Errorf("extended frame control = 0x%02x, high bit must be clear", frame[0])
	}

	back, err := fromTP1(frame, true)
	if err != nil {
		t.Fatalf("fromTP1() error = %v", err)
	}
	if !bytes.Equal(back.Data, data) {
		t.Errorf("TPDU did not round-trip")
	}
}

func TestToTP1RejectsOversize(t *testing.T) {
	ld := knx.LData{
		Code:        knx.LDataReq,
		Ctrl1:       0x30, // extended
		Ctrl2:       0xE0,
		Destination: 0x0A03,
		Data:        make([]byte, 60),
	}
	if _, err := toTP1(ld); err == nil {
		t.Error("oversized frame accepted")
	}
}

func TestUARTServices(t *testing.T) {
	frame := []byte{0xB0, 0x11, 0x05}
	got := uartServices(frame)
	want := []byte{
		0x80, 0xB0, // byte 0
		0x81, 0x11, // byte 1
		0x42, 0x05, // final byte carries its index, length minus one
	}
	if !bytes.Equal(got, want) {
		t.Errorf("uartServices = % X, want % X", got, want)
	}
}

func TestMaxInterByteDelayBounds(t *testing.T) {
	orig := currentMaxDelay()
	defer maxInterByteDelay.Store(int64(orig))

	SetMaxInterByteDelay(time.Microsecond)
	if got := currentMaxDelay(); got < 50*bitTime() {
		t.Errorf("delay %v fell below the 50 bit-time floor", got)
	}

	SetMaxInterByteDelay(time.Second)
	if got := currentMaxDelay(); got != maxDelayCeiling {
		t.Errorf("delay = %v, want the %v ceiling", got, maxDelayCeiling)
	}

	// The adaptive bump never exceeds the ceiling either.
	for i := 0; i < 100; i++ {
		bumpMaxDelay()
	}
	if got := currentMaxDelay(); got > maxDelayCeiling {
		t.Errorf("bumped delay %v exceeds the ceiling", got)
	}
}
