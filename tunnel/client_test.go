package tunnel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-knx/internal/clock"
	"github.com/nerrad567/gray-logic-knx/knx"
	"github.com/nerrad567/gray-logic-knx/knxnet"
)

// fakeConn scripts the server side of a session.
type fakeConn struct {
	mu      sync.Mutex
	sent    []knxnet.Service
	handler func(knxnet.Service)
	onClose func(error)
	closed  bool

	// onSend is the test's server script, invoked synchronously for
	// every outgoing service.
	onSend func(srv knxnet.Service)
}

func (f *fakeConn) Send(srv knxnet.Service) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return knx.ErrPortClosed
	}
	f.sent = append(f.sent, srv)
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(srv)
	}
	return nil
}

func (f *fakeConn) SetHandler(handler func(knxnet.Service)) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *fakeConn) SetOnClose(onClose func(error)) {
	f.mu.Lock()
	f.onClose = onClose
	f.mu.Unlock()
}

func (f *fakeConn) SetLogger(knx.Logger) {}

func (f *fakeConn) ControlHPAI() knxnet.HPAI { return knxnet.NATHPAI() }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// deliver injects a service as if it arrived from the server.
func (f *fakeConn) deliver(srv knxnet.Service) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(srv)
	}
}

// sentServices snapshots the outgoing services.
func (f *fakeConn) sentServices() []knxnet.Service {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]knxnet.Service(nil), f.sent...)
}

// acceptingConn scripts a server that accepts the connection on
// channel 0x15 and acks every tunneling request.
func acceptingConn(ackAll bool) *fakeConn {
	f := &fakeConn{}
	f.onSend = func(srv knxnet.Service) {
		switch s := srv.(type) {
		case knxnet.ConnectRequest:
			f.deliver(knxnet.ConnectResponse{
				Channel: 0x15,
				Status:  knxnet.StatusNoError,
				Data:    knxnet.NATHPAI(),
				CRD:     knxnet.CRD{Type: knxnet.ConnTunnel},
			})
		case knxnet.TunnelingRequest:
			if ackAll {
				f.deliver(knxnet.TunnelingAck{Channel: s.Channel, Seq: s.Seq, Status: knxnet.StatusNoError})
			}
		case knxnet.DisconnectRequest:
			f.deliver(knxnet.DisconnectResponse{Channel: s.Channel, Status: knxnet.StatusNoError})
		}
	}
	return f
}

func testFrame() []byte {
	return knx.NewGroupWrite(knx.GroupAddress{Main: 1, Middle: 2, Sub: 3}, []byte{0x01}).Encode()
}

func TestConnect(t *testing.T) {
	conn := acceptingConn(true)

	client, err := Connect(conn, Config{Name: "test"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if client.State() != StateOpen {
		t.Errorf("state = %v, want open", client.State())
	}
	if client.Channel() != 0x15 {
		t.Errorf("channel = 0x%02x, want 0x15", client.Channel())
	}
}

func TestConnectRejected(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(srv knxnet.Service) {
		if _, ok := srv.(knxnet.ConnectRequest); ok {
			conn.deliver(knxnet.ConnectResponse{Status: knxnet.StatusNoMoreConnections})
		}
	}

	_, err := Connect(conn, Config{})
	var rejected *knx.RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("Connect() error = %v, want RejectedError", err)
	}
	if rejected.Status != uint8(knxnet.StatusNoMoreConnections) {
		t.Errorf("status = 0x%02x, want 0x24", rejected.Status)
	}
}

func TestSendAssignsSequences(t *testing.T) {
	conn := acceptingConn(true)
	client, err := Connect(conn, Config{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	for i := 0; i < 3; i++ {
		if err := client.Send(testFrame(), WaitForAck); err != nil {
			t.Fatalf("Send() #%d error = %v", i, err)
		}
	}

	var seqs []uint8
	for _, srv := range conn.sentServices() {
		if req, ok := srv.(knxnet.TunnelingRequest); ok {
			seqs = append(seqs, req.Seq)
		}
	}
	if len(seqs) != 3 || seqs[0] != 0 || seqs[1] != 1 || seqs[2] != 2 {
		t.Errorf("sequences = %v, want [0 1 2]", seqs)
	}
}

func TestStaleAckIgnored(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(srv knxnet.Service) {
		switch s := srv.(type) {
		case knxnet.ConnectRequest:
			conn.deliver(knxnet.ConnectResponse{Channel: 0x15, Status: knxnet.StatusNoError})
		case knxnet.TunnelingRequest:
			// A stale ack first, then the real one.
			conn.deliver(knxnet.TunnelingAck{Channel: s.Channel, Seq: s.Seq - 1, Status: knxnet.StatusNoError})
			conn.deliver(knxnet.TunnelingAck{Channel: s.Channel, Seq: s.Seq, Status: knxnet.StatusNoError})
		}
	}

	client, err := Connect(conn, Config{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if err := client.Send(testFrame(), WaitForAck); err != nil {
		t.Errorf("Send() error = %v", err)
	}
}

func TestAckTimeoutRetransmitsOnce(t *testing.T) {
	clk := clock.NewFake()
	conn := acceptingConn(false) // never acks

	client, err := Connect(conn, Config{Clock: clk})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- client.Send(testFrame(), WaitForAck) }()

	// First ack window expires: one retransmission with the same
	// sequence.
	time.Sleep(50 * time.Millisecond)
	clk.Advance(ackTimeout)
	time.Sleep(50 * time.Millisecond)
	clk.Advance(ackTimeout)

	select {
	case err := <-errCh:
		if !errors.Is(err, knx.ErrAckTimeout) {
			t.Fatalf("Send() error = %v, want ErrAckTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send() did not return")
	}

	var reqs []knxnet.TunnelingRequest
	for _, srv := range conn.sentServices() {
		if req, ok := srv.(knxnet.TunnelingRequest); ok {
			reqs = append(reqs, req)
		}
	}
	if len(reqs) != 2 {
		t.Fatalf("transmissions = %d, want 2", len(reqs))
	}
	if reqs[0].Seq != reqs[1].Seq {
		t.Errorf("retransmit changed the sequence: %d then %d", reqs[0].Seq, reqs[1].Seq)
	}

	// The session survives an ack timeout.
	if client.State() != StateOpen {
		t.Errorf("state = %v, want open", client.State())
	}
}

func TestWaitForCon(t *testing.T) {
	conn := &fakeConn{}
	var serverSeq uint8
	conn.onSend = func(srv knxnet.Service) {
		switch s := srv.(type) {
		case knxnet.ConnectRequest:
			conn.deliver(knxnet.ConnectResponse{Channel: 0x15, Status: knxnet.StatusNoError})
		case knxnet.TunnelingRequest:
			conn.deliver(knxnet.TunnelingAck{Channel: s.Channel, Seq: s.Seq, Status: knxnet.StatusNoError})

			// Confirm the L_Data.req.
			ld, err := knx.DecodeLData(s.Payload)
			if err != nil || ld.Code != knx.LDataReq {
				return
			}
			ld.Code = knx.LDataCon
			conn.deliver(knxnet.TunnelingRequest{Channel: s.Channel, Seq: serverSeq, Payload: ld.Encode()})
			serverSeq++
		}
	}

	client, err := Connect(conn, Config{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if err := client.Send(testFrame(), WaitForCon); err != nil {
		t.Errorf("Send(WaitForCon) error = %v", err)
	}
}

func TestInboundSequenceValidation(t *testing.T) {
	conn := acceptingConn(true)
	client, err := Connect(conn, Config{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	var mu sync.Mutex
	var delivered int
	client.SetOnEvent(func(ev knx.Event) {
		if _, ok := ev.(knx.FrameReceived); ok {
			mu.Lock()
			delivered++
			mu.Unlock()
		}
	})

	frame := testFrame()
	conn.deliver(knxnet.TunnelingRequest{Channel: 0x15, Seq: 0, Payload: frame})
	conn.deliver(knxnet.TunnelingRequest{Channel: 0x15, Seq: 0, Payload: frame}) // duplicate
	conn.deliver(knxnet.TunnelingRequest{Channel: 0x15, Seq: 1, Payload: frame})
	conn.deliver(knxnet.TunnelingRequest{Channel: 0x15, Seq: 5, Payload: frame}) // out of order

	mu.Lock()
	got := delivered
	mu.Unlock()
	if got != 2 {
		t.Errorf("delivered %d frames, want 2", got)
	}

	// Every accepted or duplicate request was acked; the out-of-order
	// one was not.
	var acks []knxnet.TunnelingAck
	for _, srv := range conn.sentServices() {
		if ack, ok := srv.(knxnet.TunnelingAck); ok {
			acks = append(acks, ack)
		}
	}
	if len(acks) != 3 {
		t.Errorf("acks = %d, want 3", len(acks))
	}
}

func TestServerDisconnect(t *testing.T) {
	conn := acceptingConn(true)
	client, err := Connect(conn, Config{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	closedCh := make(chan knx.ConnectionClosed, 1)
	client.SetOnEvent(func(ev knx.Event) {
		if e, ok := ev.(knx.ConnectionClosed); ok {
			closedCh <- e
		}
	})

	conn.deliver(knxnet.DisconnectRequest{Channel: 0x15, Control: knxnet.NATHPAI()})

	select {
	case e := <-closedCh:
		if e.Origin != knx.CloseByServer {
			t.Errorf("origin = %v, want server", e.Origin)
		}
	case <-time.After(time.Second):
		t.Fatal("no ConnectionClosed event")
	}

	if client.State() != StateClosed {
		t.Errorf("state = %v, want closed", client.State())
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	conn := acceptingConn(true)
	client, err := Connect(conn, Config{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	client.Close()

	if err := client.Send(testFrame(), WaitForAck); !errors.Is(err, knx.ErrConnectionClosed) {
		t.Errorf("Send() after close: error = %v, want ErrConnectionClosed", err)
	}
}
