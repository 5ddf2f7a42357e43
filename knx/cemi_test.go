package knx

import (
	"bytes"
	"reflect"
	"testing"
)

func TestDecodeLData(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    LData
		wantErr bool
	}{
		{
			name: "group write indication",
			// mc, no add info, ctrl1, ctrl2, src=1.1.1, dst=1/2/3, len, TPCI, APCI|value
			data: []byte{0x29, 0x00, 0xBC, 0xE0, 0x11, 0x01, 0x0A, 0x03, 0x01, 0x00, 0x81},
			want: LData{
				Code:        LDataInd,
				Ctrl1:       0xBC,
				Ctrl2:       0xE0,
				Source:      IndividualAddress{Area: 1, Line: 1, Device: 1},
				Destination: 0x0A03,
				Data:        []byte{0x00, 0x81},
			},
		},
		{
			name: "additional info skipped",
			data: []byte{0x29, 0x02, 0xAA, 0xBB, 0xBC, 0xE0, 0x11, 0x01, 0x0A, 0x03, 0x01, 0x00, 0x81},
			want: LData{
				Code:        LDataInd,
				Ctrl1:       0xBC,
				Ctrl2:       0xE0,
				Source:      IndividualAddress{Area: 1, Line: 1, Device: 1},
				Destination: 0x0A03,
				Data:        []byte{0x00, 0x81},
			},
		},
		{
			name:    "too short",
			data:    []byte{0x29, 0x00, 0xBC},
			wantErr: true,
		},
		{
			name:    "not L_Data",
			data:    []byte{0xFC, 0x00, 0xBC, 0xE0, 0x11, 0x01, 0x0A, 0x03, 0x01, 0x00, 0x81},
			wantErr: true,
		},
		{
			name:    "NPDU length mismatch",
			data:    []byte{0x29, 0x00, 0xBC, 0xE0, 0x11, 0x01, 0x0A, 0x03, 0x05, 0x00, 0x81},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeLData(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeLData() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DecodeLData() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLDataEncodeRoundTrip(t *testing.T) {
	orig := LData{
		Code:        LDataReq,
		Ctrl1:       0xBC,
		Ctrl2:       0xE0,
		Source:      IndividualAddress{Area: 1, Line: 1, Device: 5},
		Destination: 0x0A03,
		Data:        []byte{0x00, 0x80, 0x0C, 0x66},
	}

	back, err := DecodeLData(orig.Encode())
	if err != nil {
		t.Fatalf("DecodeLData(Encode()) error = %v", err)
	}
	if !reflect.DeepEqual(back, orig) {
		t.Errorf("round-trip = %+v, want %+v", back, orig)
	}
}

func TestNewGroupWriteShortForm(t *testing.T) {
	ld := NewGroupWrite(GroupAddress{Main: 1, Middle: 2, Sub: 3}, []byte{0x01})
	if !bytes.Equal(ld.Data, []byte{0x00, 0x81}) {
		t.Errorf("short-form TPDU = %X, want 0081", ld.Data)
	}

	long := NewGroupWrite(GroupAddress{Main: 1, Middle: 2, Sub: 3}, []byte{0x0C, 0x66})
	if !bytes.Equal(long.Data, []byte{0x00, 0x80, 0x0C, 0x66}) {
		t.Errorf("long-form TPDU = %X, want 00800C66", long.Data)
	}
	if !long.IsGroupDest() {
		t.Error("group write must have a group destination")
	}
}

func TestConMatches(t *testing.T) {
	req := NewGroupWrite(GroupAddress{Main: 1, Middle: 2, Sub: 3}, []byte{0x01})

	con := req
	con.Code = LDataCon
	if !ConMatches(req.Encode(), con.Encode()) {
		t.Error("matching confirmation not recognized")
	}

	other := NewGroupWrite(GroupAddress{Main: 1, Middle: 2, Sub: 4}, []byte{0x01})
	other.Code = LDataCon
	if ConMatches(req.Encode(), other.Encode()) {
		t.Error("confirmation for different destination matched")
	}

	// A second request is not a confirmation.
	if ConMatches(req.Encode(), req.Encode()) {
		t.Error("request matched as confirmation")
	}
}
