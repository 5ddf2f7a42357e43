package transport

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-knx/knx"
	"github.com/nerrad567/gray-logic-knx/knxnet"
)

// newPipeConn wires a StreamConn to an in-memory pipe.
func newPipeConn(t *testing.T) (*StreamConn, net.Conn) {
	t.Helper()

	client, server := net.Pipe()
	c := &StreamConn{conn: client, done: make(chan struct{})}
	c.wg.Add(1)
	go c.receiveLoop()
	t.Cleanup(func() {
		c.Close()
		server.Close()
	})
	return c, server
}

func TestStreamReassembly(t *testing.T) {
	c, server := newPipeConn(t)

	received := make(chan knxnet.Service, 1)
	c.SetHandler(func(srv knxnet.Service) { received <- srv })

	frame, err := knxnet.Pack(knxnet.TunnelingAck{Channel: 0x15, Seq: 7})
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	// Deliver the frame split across the header/body boundary: the
	// reader must reassemble from the total length.
	go func() {
		server.Write(frame[:4])
		time.Sleep(10 * time.Millisecond)
		server.Write(frame[4:])
	}()

	select {
	case srv := <-received:
		ack, ok := srv.(knxnet.TunnelingAck)
		if !ok || ack.Channel != 0x15 || ack.Seq != 7 {
			t.Errorf("received %+v", srv)
		}
	case <-time.After(time.Second):
		t.Fatal("no service delivered")
	}
}

func TestStreamBackToBackFrames(t *testing.T) {
	c, server := newPipeConn(t)

	var mu sync.Mutex
	var count int
	c.SetHandler(func(knxnet.Service) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	one, _ := knxnet.Pack(knxnet.TunnelingAck{Channel: 1, Seq: 0})
	two, _ := knxnet.Pack(knxnet.TunnelingAck{Channel: 1, Seq: 1})
	go server.Write(append(append([]byte(nil), one...), two...))

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := count
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("received %d frames, want 2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamPeerDisconnect(t *testing.T) {
	c, server := newPipeConn(t)

	closed := make(chan error, 1)
	c.SetOnClose(func(err error) { closed <- err })

	server.Close()

	select {
	case err := <-closed:
		if !errors.Is(err, knx.ErrConnectionClosed) && !errors.Is(err, knx.ErrIO) {
			t.Errorf("close error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("peer disconnect not reported")
	}

	if err := c.Send(knxnet.TunnelingAck{}); !errors.Is(err, knx.ErrPortClosed) {
		t.Errorf("Send() after close: error = %v, want ErrPortClosed", err)
	}
}

func TestStreamControlHPAI(t *testing.T) {
	c, _ := newPipeConn(t)
	if got := c.ControlHPAI(); !got.IsTCP() {
		t.Errorf("ControlHPAI() = %v, want the TCP placeholder", got)
	}
}
