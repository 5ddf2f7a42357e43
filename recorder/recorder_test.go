package recorder

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nerrad567/gray-logic-knx/knx"
)

func openTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "recorder.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func frameFrom(src knx.IndividualAddress, dest knx.GroupAddress, tpdu []byte) []byte {
	ld := knx.LData{
		Code:        knx.LDataInd,
		Ctrl1:       0xBC,
		Ctrl2:       0xE0,
		Source:      src,
		Destination: dest.ToUint16(),
		Data:        tpdu,
	}
	return ld.Encode()
}

func TestRecordFrame(t *testing.T) {
	r := openTestRecorder(t)
	ctx := context.Background()

	src := knx.IndividualAddress{Area: 1, Line: 1, Device: 5}
	dest := knx.GroupAddress{Main: 1, Middle: 2, Sub: 3}

	r.RecordFrame(frameFrom(src, dest, []byte{0x00, 0x81}))
	r.RecordFrame(frameFrom(src, dest, []byte{0x00, 0x80}))

	devices, err := r.Devices(ctx, 10)
	if err != nil {
		t.Fatalf("Devices() error = %v", err)
	}
	if len(devices) != 1 || devices[0] != "1.1.5" {
		t.Errorf("devices = %v, want [1.1.5]", devices)
	}

	groups, err := r.GroupAddresses(ctx, 10)
	if err != nil {
		t.Fatalf("GroupAddresses() error = %v", err)
	}
	if len(groups) != 1 || groups[0] != "1/2/3" {
		t.Errorf("group addresses = %v, want [1/2/3]", groups)
	}

	n, err := r.DeviceCount(ctx)
	if err != nil || n != 1 {
		t.Errorf("DeviceCount() = %d, %v", n, err)
	}
}

func TestResponsePreferredForHealthChecks(t *testing.T) {
	r := openTestRecorder(t)
	ctx := context.Background()

	src := knx.IndividualAddress{Area: 1, Line: 1, Device: 1}
	writeOnly := knx.GroupAddress{Main: 1, Middle: 0, Sub: 1}
	responding := knx.GroupAddress{Main: 2, Middle: 0, Sub: 1}

	r.RecordFrame(frameFrom(src, writeOnly, []byte{0x00, 0x80}))
	r.RecordFrame(frameFrom(src, responding, []byte{0x00, 0x41})) // GroupValue_Response

	groups, err := r.GroupAddresses(ctx, 1)
	if err != nil {
		t.Fatalf("GroupAddresses() error = %v", err)
	}
	if len(groups) != 1 || groups[0] != responding.String() {
		t.Errorf("preferred group = %v, want %s", groups, responding)
	}
}

func TestNonLDataIgnored(t *testing.T) {
	r := openTestRecorder(t)
	ctx := context.Background()

	r.RecordFrame([]byte{0xFB, 0x00, 0x00})
	r.RecordFrame(nil)

	if n, _ := r.DeviceCount(ctx); n != 0 {
		t.Errorf("device count = %d after garbage input, want 0", n)
	}
}

func TestHandleEvent(t *testing.T) {
	r := openTestRecorder(t)
	ctx := context.Background()

	src := knx.IndividualAddress{Area: 1, Line: 1, Device: 9}
	dest := knx.GroupAddress{Main: 3, Middle: 1, Sub: 7}
	r.HandleEvent(knx.FrameReceived{Source: "test", Frame: frameFrom(src, dest, []byte{0x00, 0x81})})
	r.HandleEvent(knx.ConnectionClosed{Source: "test"})

	if n, _ := r.GroupAddressCount(ctx); n != 1 {
		t.Errorf("group count = %d, want 1", n)
	}
}
