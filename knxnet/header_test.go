package knxnet

import (
	"bytes"
	"testing"
)

func TestDecodeHeader(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    Header
		wantErr bool
	}{
		{
			name: "routing indication",
			data: []byte{0x06, 0x10, 0x05, 0x30, 0x00, 0x11},
			want: Header{Service: SvcRoutingIndication, TotalLength: 17},
		},
		{
			name: "object server uses version 0x20",
			data: []byte{0x06, 0x20, 0xF0, 0x80, 0x00, 0x08},
			want: Header{Service: SvcObjectServerRequest, TotalLength: 8},
		},
		{
			name:    "version 0x20 on core service",
			data:    []byte{0x06, 0x20, 0x05, 0x30, 0x00, 0x11},
			wantErr: true,
		},
		{
			name:    "version 0x10 on object server",
			data:    []byte{0x06, 0x10, 0xF0, 0x80, 0x00, 0x08},
			wantErr: true,
		},
		{
			name:    "unknown header size",
			data:    []byte{0x08, 0x10, 0x05, 0x30, 0x00, 0x11},
			wantErr: true,
		},
		{
			name:    "total length below header",
			data:    []byte{0x06, 0x10, 0x05, 0x30, 0x00, 0x05},
			wantErr: true,
		},
		{
			name:    "truncated",
			data:    []byte{0x06, 0x10, 0x05},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeHeader(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeHeader() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want {
				t.Errorf("DecodeHeader() = %+v, want %+v", got, tt.want)
			}
			if enc := got.Encode(); !bytes.Equal(enc, tt.data) {
				t.Errorf("Encode() = % X, want % X", enc, tt.data)
			}
		})
	}
}

func TestHeaderTotalLengthCoversBody(t *testing.T) {
	frame, err := Pack(TunnelingAck{Channel: 0x15, Seq: 3})
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	h, err := DecodeHeader(frame)
	if err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if int(h.TotalLength) != len(frame) {
		t.Errorf("total length = %d, frame is %d bytes", h.TotalLength, len(frame))
	}
}
