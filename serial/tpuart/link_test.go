package tpuart

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-knx/knx"
)

// fakePort is an in-memory serial port scripted by the test.
type fakePort struct {
	mu     sync.Mutex
	rx     []byte
	tx     []byte
	closed bool

	// onWrite is invoked (unlocked) after every Write.
	onWrite func(p []byte)
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, errors.New("port closed")
	}
	if len(f.rx) == 0 {
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(p, f.rx[:1])
	f.rx = f.rx[1:]
	f.mu.Unlock()
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, errors.New("port closed")
	}
	f.tx = append(f.tx, p...)
	hook := f.onWrite
	f.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return len(p), nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (f *fakePort) feed(b []byte) {
	f.mu.Lock()
	f.rx = append(f.rx, b...)
	f.mu.Unlock()
}

func (f *fakePort) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.tx...)
}

func openTestLink(t *testing.T, port *fakePort, ackAddrs ...knx.GroupAddress) *Link {
	t.Helper()
	l, err := Open(Config{PortID: "test", Port: port, AckAddresses: ackAddrs})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// stdFrame builds a standard TP1 frame with a valid checksum.
func stdFrame(ctrl byte) []byte {
	body := []byte{ctrl, 0x11, 0x01, 0x10, 0x01, 0xE1, 0x00, 0x81}
	return append(body, tp1Checksum(body))
}

func TestReceiveStandardFrame(t *testing.T) {
	port := &fakePort{}
	ackGA := knx.GroupAddressFromUint16(0x1001)
	l := openTestLink(t, port, ackGA)

	frameCh := make(chan []byte, 1)
	l.SetOnEvent(func(ev knx.Event) {
		if e, ok := ev.(knx.FrameReceived); ok {
			frameCh <- e.Frame
		}
	})

	port.feed(stdFrame(0xBC))

	var cemi []byte
	select {
	case cemi = <-frameCh:
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}

	ld, err := knx.DecodeLData(cemi)
	if err != nil {
		t.Fatalf("delivered frame is not decodable: %v", err)
	}
	if ld.Code != knx.LDataInd {
		t.Errorf("code = 0x%02x, want L_Data.ind", ld.Code)
	}
	if ld.Destination != 0x1001 || !ld.IsGroupDest() {
		t.Errorf("destination = 0x%04X group=%v", ld.Destination, ld.IsGroupDest())
	}
	if ld.Source != (knx.IndividualAddress{Area: 1, Line: 1, Device: 1}) {
		t.Errorf("source = %v, want 1.1.1", ld.Source)
	}

	// The destination is in the ack set: a positive AckInfo (0x11)
	// went out.
	deadline := time.Now().Add(time.Second)
	for !bytes.Contains(port.written(), []byte{cmdAckInfo | ackInfoAck}) {
		if time.Now().After(deadline) {
			t.Fatalf("no AckInfo written, port saw % X", port.written())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReceiveIgnoresBadChecksum(t *testing.T) {
	port := &fakePort{}
	l := openTestLink(t, port)

	frameCh := make(chan []byte, 1)
	l.SetOnEvent(func(ev knx.Event) {
		if e, ok := ev.(knx.FrameReceived); ok {
			frameCh <- e.Frame
		}
	})

	bad := stdFrame(0xBC)
	bad[len(bad)-1] ^= 0xFF
	port.feed(bad)

	select {
	case f := <-frameCh:
		t.Fatalf("corrupt frame delivered: % X", f)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRepetitionSuppressed(t *testing.T) {
	port := &fakePort{}
	l := openTestLink(t, port)

	var mu sync.Mutex
	var delivered int
	l.SetOnEvent(func(ev knx.Event) {
		if _, ok := ev.(knx.FrameReceived); ok {
			mu.Lock()
			delivered++
			mu.Unlock()
		}
	})

	port.feed(stdFrame(0xBC))
	// Same frame with the repeat flag cleared.
	port.feed(stdFrame(0xBC &^ 0x20))

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	got := delivered
	mu.Unlock()
	if got != 1 {
		t.Errorf("delivered %d frames, want 1", got)
	}
}

func TestSendConfirmed(t *testing.T) {
	port := &fakePort{}
	port.onWrite = func(p []byte) {
		// The final UART service carries the frame length marker.
		if len(p) >= 2 && p[len(p)-2]&0xC0 == cmdLDataEnd {
			port.feed([]byte{0x8B}) // positive L_Data.con
		}
	}
	l := openTestLink(t, port)

	req := knx.NewGroupWrite(knx.GroupAddress{Main: 1, Middle: 2, Sub: 3}, []byte{0x01})
	if err := l.Send(req.Encode()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func TestSendRejectedInBusmon(t *testing.T) {
	port := &fakePort{}
	l := openTestLink(t, port)

	if err := l.ActivateBusMonitor(); err != nil {
		t.Fatalf("ActivateBusMonitor() error = %v", err)
	}
	if !bytes.Contains(port.written(), []byte{cmdActivateBusmon}) {
		t.Error("busmon activation byte not written")
	}

	req := knx.NewGroupWrite(knx.GroupAddress{Main: 1, Middle: 2, Sub: 3}, []byte{0x01})
	if err := l.Send(req.Encode()); !errors.Is(err, knx.ErrIllegalState) {
		t.Errorf("Send() in busmon: error = %v, want ErrIllegalState", err)
	}
}

func TestBusmonTagsFrames(t *testing.T) {
	port := &fakePort{}
	l := openTestLink(t, port)
	if err := l.ActivateBusMonitor(); err != nil {
		t.Fatalf("ActivateBusMonitor() error = %v", err)
	}

	frameCh := make(chan []byte, 2)
	l.SetOnEvent(func(ev knx.Event) {
		if e, ok := ev.(knx.FrameReceived); ok {
			frameCh <- e.Frame
		}
	})

	port.feed(stdFrame(0xBC))

	select {
	case cemi := <-frameCh:
		if cemi[0] != knx.LBusmonInd {
			t.Errorf("message code = 0x%02x, want L_Busmon.ind", cemi[0])
		}
		// Additional info: status (sequence) and timestamp blocks.
		if cemi[1] != 9 {
			t.Errorf("additional info length = %d, want 9", cemi[1])
		}
		if cemi[2] != 0x03 || cemi[4] != 0 {
			t.Errorf("first busmon frame should carry sequence 0, got % X", cemi[2:5])
		}
	case <-time.After(time.Second):
		t.Fatal("no busmon frame delivered")
	}
}

func TestSynthesizedConfirmationDelivered(t *testing.T) {
	port := &fakePort{}
	port.onWrite = func(p []byte) {
		if len(p) >= 2 && p[len(p)-2]&0xC0 == cmdLDataEnd {
			port.feed([]byte{0x0B}) // negative confirmation
		}
	}
	l := openTestLink(t, port)

	conCh := make(chan []byte, 8)
	l.SetOnEvent(func(ev knx.Event) {
		if e, ok := ev.(knx.FrameReceived); ok {
			conCh <- e.Frame
		}
	})

	req := knx.NewGroupWrite(knx.GroupAddress{Main: 1, Middle: 2, Sub: 3}, []byte{0x01})
	err := l.Send(req.Encode())
	if !errors.Is(err, knx.ErrConTimeout) {
		t.Fatalf("Send() with negative confirmations: error = %v, want ErrConTimeout", err)
	}

	select {
	case cemi := <-conCh:
		ld, err := knx.DecodeLData(cemi)
		if err != nil {
			t.Fatalf("synthesized confirmation not decodable: %v", err)
		}
		if ld.Code != knx.LDataCon || !ld.ConfirmError() {
			t.Errorf("confirmation = code 0x%02x error=%v", ld.Code, ld.ConfirmError())
		}
	case <-time.After(time.Second):
		t.Fatal("no synthesized confirmation delivered")
	}
}
