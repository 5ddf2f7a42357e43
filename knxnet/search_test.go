package knxnet

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestSearchRequestExtRoundTrip(t *testing.T) {
	req := SearchRequestExt{
		Endpoint: HPAI{Protocol: ProtoUDP, IP: [4]byte{10, 0, 0, 2}, Port: 50100},
		SRPs: []SRP{
			{Type: SRPSelectByPMode, Mandatory: true},
			{Type: SRPRequestDIBs, Data: []byte{byte(DIBDeviceInfo), byte(DIBSuppSvcFamilies)}},
		},
	}

	frame, err := Pack(req)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	back, err := Unpack(frame)
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	got := back.(SearchRequestExt)
	if got.Endpoint != req.Endpoint || !reflect.DeepEqual(got.SRPs, req.SRPs) {
		t.Errorf("round-trip = %+v, want %+v", got, req)
	}
}

func TestDecodeSRP(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		want     SRP
		consumed int
		wantErr  bool
	}{
		{
			name:     "mandatory select by programming mode",
			data:     []byte{0x02, 0x81},
			want:     SRP{Type: SRPSelectByPMode, Mandatory: true},
			consumed: 2,
		},
		{
			name:     "request dibs with data",
			data:     []byte{0x04, 0x04, 0x01, 0x02},
			want:     SRP{Type: SRPRequestDIBs, Data: []byte{0x01, 0x02}},
			consumed: 4,
		},
		{name: "size below minimum", data: []byte{0x01, 0x81}, wantErr: true},
		{name: "size overruns input", data: []byte{0x05, 0x81, 0x00}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n, err := DecodeSRP(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeSRP() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrFrame) {
					t.Errorf("error %v does not unwrap to ErrFrame", err)
				}
				return
			}
			if n != tt.consumed {
				t.Errorf("consumed = %d, want %d", n, tt.consumed)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DecodeSRP() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSearchResponseRoundTrip(t *testing.T) {
	res := SearchResponse{
		Control: HPAI{Protocol: ProtoUDP, IP: [4]byte{192, 168, 1, 20}, Port: 3671},
		Description: DescriptionBlock{DIBs: []DIB{
			DeviceInfoDIB{Medium: MediumTP1, FriendlyName: "router"},
			familiesDIB(),
		}},
	}

	frame, err := Pack(res)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	back, err := Unpack(frame)
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	got := back.(SearchResponse)
	if got.Control != res.Control {
		t.Errorf("control = %v, want %v", got.Control, res.Control)
	}
	if !bytes.Equal(got.Description.Encode(), res.Description.Encode()) {
		t.Errorf("description block did not round-trip")
	}
}

func TestUnknownServicePreserved(t *testing.T) {
	// A secure-session frame passes through as RawService.
	frame := []byte{0x06, 0x10, 0x09, 0x51, 0x00, 0x08, 0xAA, 0xBB}

	srv, err := Unpack(frame)
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	raw, ok := srv.(RawService)
	if !ok {
		t.Fatalf("Unpack() returned %T, want RawService", srv)
	}
	if raw.Code != SvcSessionRequest || !bytes.Equal(raw.Data, []byte{0xAA, 0xBB}) {
		t.Errorf("raw service = %+v", raw)
	}

	enc, err := Pack(raw)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if !bytes.Equal(enc, frame) {
		t.Errorf("re-encode = % X, want % X", enc, frame)
	}
}
