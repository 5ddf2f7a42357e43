package tunnel

import (
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-knx/internal/clock"
	"github.com/nerrad567/gray-logic-knx/knx"
	"github.com/nerrad567/gray-logic-knx/knxnet"
	"github.com/nerrad567/gray-logic-knx/transport"
)

// Session timeouts per the KNXnet/IP specification.
const (
	// connectTimeout bounds the wait for CONNECT_RESPONSE.
	connectTimeout = 10 * time.Second

	// ackTimeout is the wait for a TUNNELING_ACK, applied once per
	// transmission (initial send plus one retransmit).
	ackTimeout = 1 * time.Second

	// conTimeout is the additional wait for an L_Data.con after the
	// ack arrived.
	conTimeout = 3 * time.Second

	// disconnectTimeout bounds the wait for DISCONNECT_RESPONSE.
	disconnectTimeout = 10 * time.Second
)

// State is the lifecycle state of a client session.
type State int

// Session states.
const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

// String returns a short label for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SendMode selects how far a Send call waits.
type SendMode int

// Send modes.
const (
	// NonBlocking returns as soon as the request left the socket.
	NonBlocking SendMode = iota

	// WaitForAck returns once the server acknowledged the request.
	WaitForAck

	// WaitForCon additionally waits for the matching L_Data.con when
	// the outgoing frame is an L_Data.req.
	WaitForCon
)

// Config parameterizes a client session.
type Config struct {
	// Name identifies the session in events and logs.
	Name string

	// Layer is the tunneling layer to request. Defaults to LayerLink.
	Layer knxnet.TunnelLayer

	// DeviceManagement opens a Device Management connection instead
	// of a tunnel. Sends then use DEVICE_CONFIGURATION frames and no
	// confirmation matching applies.
	DeviceManagement bool

	// TunnelAddr optionally requests a specific tunneling individual
	// address.
	TunnelAddr *knx.IndividualAddress

	// Clock defaults to the system clock; tests inject a fake.
	Clock clock.Clock

	// Logger is optional.
	Logger knx.Logger
}

// inflight tracks the single request awaiting its ack (and maybe its
// confirmation).
type inflight struct {
	seq   uint8
	ack   chan knxnet.Status
	con   chan []byte
	frame []byte // the request cEMI, for .con matching
}

// Client is a KNXnet/IP point-to-point session.
//
// Thread Safety: all methods are safe for concurrent use. Send calls
// are serialized on one mutex; concurrent senders are not guaranteed
// to acquire it in arrival order.
type Client struct {
	conn transport.ClientConn
	cfg  Config
	clk  clock.Clock

	mu       sync.Mutex
	state    State
	channel  uint8
	seqSend  uint8
	seqRecv  uint8
	cur      *inflight
	lastRecv time.Time

	// sendMu serializes Send; held across send + wait-for-ack/con
	// but never while delivering events.
	sendMu sync.Mutex

	connectCh chan knxnet.ConnectResponse
	stateCh   chan knxnet.ConnectionStateResponse
	discCh    chan struct{}

	eventMu sync.RWMutex
	onEvent func(knx.Event)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Connect dials the session: it sends a CONNECT_REQUEST over conn
// and waits up to ten seconds for the response. On success the
// returned client is Open and its heartbeat is running.
//
// The transport is owned by the client afterwards and is closed with
// it, whether Connect succeeds or not.
func Connect(conn transport.ClientConn, cfg Config) (*Client, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Layer == 0 {
		cfg.Layer = knxnet.LayerLink
	}
	if cfg.Name == "" {
		cfg.Name = "tunnel"
	}

	c := &Client{
		conn:      conn,
		cfg:       cfg,
		clk:       cfg.Clock,
		state:     StateConnecting,
		connectCh: make(chan knxnet.ConnectResponse, 1),
		stateCh:   make(chan knxnet.ConnectionStateResponse, 1),
		discCh:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.lastRecv = c.clk.Now()

	conn.SetLogger(cfg.Logger)
	conn.SetHandler(c.handle)
	conn.SetOnClose(func(err error) {
		c.close(knx.CloseByError, err.Error())
	})

	cri := knxnet.TunnelCRI(cfg.Layer)
	if cfg.DeviceManagement {
		cri = knxnet.DeviceMgmtCRI()
	}
	cri.TunnelAddr = cfg.TunnelAddr

	hpai := conn.ControlHPAI()
	req := knxnet.ConnectRequest{Control: hpai, Data: hpai, CRI: cri}
	if err := conn.Send(req); err != nil {
		c.close(knx.CloseByError, "connect send failed")
		return nil, err
	}

	select {
	case res := <-c.connectCh:
		if res.Status != knxnet.StatusNoError {
			c.close(knx.CloseByError, "connect rejected")
			return nil, &knx.RejectedError{Status: uint8(res.Status), Reason: res.Status.String()}
		}
		c.mu.Lock()
		c.channel = res.Channel
		c.state = StateOpen
		c.mu.Unlock()
	case <-c.clk.After(connectTimeout):
		c.close(knx.CloseByError, "connect timeout")
		return nil, fmt.Errorf("%w: no connect response within %v", knx.ErrAckTimeout, connectTimeout)
	case <-c.done:
		return nil, knx.ErrConnectionClosed
	}

	c.wg.Add(1)
	go c.heartbeatLoop()

	c.logDebug("session open", "channel", c.Channel())
	return c, nil
}

// Channel returns the server-assigned channel id.
func (c *Client) Channel() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetOnEvent registers the subscriber for session events. Events are
// delivered serialized from the session's receiver goroutine; a
// panicking subscriber never kills the session.
func (c *Client) SetOnEvent(onEvent func(knx.Event)) {
	c.eventMu.Lock()
	c.onEvent = onEvent
	c.eventMu.Unlock()
}

// Send transmits a cEMI frame on the session.
//
// Sequence numbers are assigned in the order senders acquire the
// internal send lock. With WaitForAck the call waits up to one
// second for the tunneling ack, retransmits once with the same
// sequence, and fails with ErrAckTimeout if the ack never comes.
// With WaitForCon an L_Data.req additionally waits up to three
// seconds for a matching L_Data.con, failing with ErrConTimeout.
func (c *Client) Send(cemi []byte, mode SendMode) error {
	if len(cemi) == 0 {
		return fmt.Errorf("%w: empty cEMI frame", knx.ErrInvalidFrame)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.state != StateOpen {
		state := c.state
		c.mu.Unlock()
		if state == StateClosed || state == StateClosing {
			return knx.ErrConnectionClosed
		}
		return fmt.Errorf("%w: send in state %v", knx.ErrIllegalState, state)
	}
	seq := c.seqSend
	c.seqSend++ // new request, never bumped on retransmit
	channel := c.channel

	fl := &inflight{
		seq:   seq,
		ack:   make(chan knxnet.Status, 1),
		con:   make(chan []byte, 1),
		frame: cemi,
	}
	c.cur = fl
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.cur == fl {
			c.cur = nil
		}
		c.mu.Unlock()
	}()

	var req knxnet.Service
	if c.cfg.DeviceManagement {
		req = knxnet.DeviceConfigRequest{Channel: channel, Seq: seq, Payload: cemi}
	} else {
		req = knxnet.TunnelingRequest{Channel: channel, Seq: seq, Payload: cemi}
	}

	if err := c.conn.Send(req); err != nil {
		return err
	}
	if mode == NonBlocking {
		return nil
	}

	if err := c.awaitAck(fl, req); err != nil {
		return err
	}

	code, _ := knx.MessageCode(cemi)
	if mode != WaitForCon || c.cfg.DeviceManagement || code != knx.LDataReq {
		return nil
	}
	return c.awaitCon(fl)
}

// awaitAck waits for the ack of the in-flight request, retransmitting
// exactly once.
func (c *Client) awaitAck(fl *inflight, req knxnet.Service) error {
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case status := <-fl.ack:
			if status != knxnet.StatusNoError {
				return &knx.RejectedError{Status: uint8(status), Reason: status.String()}
			}
			return nil
		case <-c.clk.After(ackTimeout):
			if attempt == 0 {
				c.logDebug("ack missing, retransmitting", "seq", fl.seq)
				if err := c.conn.Send(req); err != nil {
					return err
				}
			}
		case <-c.done:
			return knx.ErrConnectionClosed
		}
	}
	return fmt.Errorf("%w: no tunneling ack for sequence %d", knx.ErrAckTimeout, fl.seq)
}

// awaitCon waits for the matching L_Data.con.
func (c *Client) awaitCon(fl *inflight) error {
	select {
	case <-fl.con:
		return nil
	case <-c.clk.After(conTimeout):
		return fmt.Errorf("%w: no L_Data.con for sequence %d", knx.ErrConTimeout, fl.seq)
	case <-c.done:
		return knx.ErrConnectionClosed
	}
}

// Disconnect closes the session gracefully: DISCONNECT_REQUEST, wait
// up to ten seconds for the response, then close regardless.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		c.close(knx.CloseByClient, "client disconnect")
		return nil
	}
	c.state = StateClosing
	channel := c.channel
	c.mu.Unlock()

	req := knxnet.DisconnectRequest{Channel: channel, Control: c.conn.ControlHPAI()}
	if err := c.conn.Send(req); err == nil {
		select {
		case <-c.discCh:
		case <-c.clk.After(disconnectTimeout):
			c.logDebug("no disconnect response, closing anyway")
		case <-c.done:
		}
	}

	c.close(knx.CloseByClient, "client disconnect")
	return nil
}

// Close tears the session down without the disconnect handshake.
func (c *Client) Close() error {
	c.close(knx.CloseByClient, "client close")
	return nil
}

// handle dispatches one inbound service. It runs on the transport's
// receiver goroutine, so event delivery is serialized per session.
func (c *Client) handle(srv knxnet.Service) {
	c.mu.Lock()
	c.lastRecv = c.clk.Now()
	c.mu.Unlock()

	switch s := srv.(type) {
	case knxnet.ConnectResponse:
		select {
		case c.connectCh <- s:
		default:
		}

	case knxnet.ConnectionStateResponse:
		select {
		case c.stateCh <- s:
		default:
		}

	case knxnet.DisconnectResponse:
		select {
		case c.discCh <- struct{}{}:
		default:
		}

	case knxnet.DisconnectRequest:
		if s.Channel == c.Channel() {
			_ = c.conn.Send(knxnet.DisconnectResponse{Channel: s.Channel, Status: knxnet.StatusNoError})
			c.close(knx.CloseByServer, "server disconnect")
		}

	case knxnet.TunnelingAck:
		c.handleAck(s.Channel, s.Seq, s.Status)

	case knxnet.DeviceConfigAck:
		c.handleAck(s.Channel, s.Seq, s.Status)

	case knxnet.TunnelingRequest:
		c.handleTunnelingRequest(s)

	case knxnet.DeviceConfigRequest:
		c.handleDeviceConfigRequest(s)

	case knxnet.TunnelingFeature:
		// Feature responses and info reports go to subscribers as
		// plain events once decoded; nothing to correlate here.
		c.logDebug("tunneling feature service", "service", s.Code.String(), "feature", uint8(s.Feature))

	default:
		c.logDebug("ignoring unexpected service", "service", srv.ServiceCode().String())
	}
}

// handleAck routes an ack to the single in-flight send. Stale
// sequence numbers are ignored.
func (c *Client) handleAck(channel, seq uint8, status knxnet.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if channel != c.channel || c.cur == nil || c.cur.seq != seq {
		return
	}
	select {
	case c.cur.ack <- status:
	default:
	}
}

// handleTunnelingRequest validates the receive sequence, always acks
// current and duplicate sequence numbers, and delivers fresh frames.
func (c *Client) handleTunnelingRequest(req knxnet.TunnelingRequest) {
	c.mu.Lock()
	if req.Channel != c.channel {
		c.mu.Unlock()
		return
	}

	expected := c.seqRecv
	duplicate := req.Seq == expected-1 // mod 256 arithmetic
	if req.Seq != expected && !duplicate {
		c.mu.Unlock()
		c.logDebug("ignoring tunneling request with unexpected sequence", "seq", req.Seq, "expected", expected)
		return
	}

	if !duplicate {
		c.seqRecv++
	}
	channel := c.channel

	// Route an L_Data.con to the in-flight send before the listeners
	// see it.
	var conWaiter chan []byte
	if !duplicate && c.cur != nil {
		if knx.ConMatches(c.cur.frame, req.Payload) {
			conWaiter = c.cur.con
		}
	}
	c.mu.Unlock()

	_ = c.conn.Send(knxnet.TunnelingAck{Channel: channel, Seq: req.Seq, Status: knxnet.StatusNoError})

	if duplicate {
		return
	}

	if conWaiter != nil {
		select {
		case conWaiter <- req.Payload:
		default:
		}
	}

	c.emit(knx.FrameReceived{Source: c.cfg.Name, Frame: req.Payload})
}

// handleDeviceConfigRequest acks and delivers an inbound
// device-management frame.
func (c *Client) handleDeviceConfigRequest(req knxnet.DeviceConfigRequest) {
	c.mu.Lock()
	if req.Channel != c.channel {
		c.mu.Unlock()
		return
	}
	channel := c.channel
	c.mu.Unlock()

	_ = c.conn.Send(knxnet.DeviceConfigAck{Channel: channel, Seq: req.Seq, Status: knxnet.StatusNoError})
	c.emit(knx.FrameReceived{Source: c.cfg.Name, Frame: req.Payload})
}

// close shuts the session down exactly once: waiters are released
// first, then ConnectionClosed goes out.
func (c *Client) close(origin knx.CloseOrigin, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()

		close(c.done) // releases every blocked waiter
		c.conn.Close()

		c.emit(knx.ConnectionClosed{Source: c.cfg.Name, Origin: origin, Reason: reason})
		c.logDebug("session closed", "origin", origin.String(), "reason", reason)
	})
}

// emit delivers one event to the subscriber, recovering panics so a
// listener can never take the session down.
func (c *Client) emit(ev knx.Event) {
	c.eventMu.RLock()
	onEvent := c.onEvent
	c.eventMu.RUnlock()
	if onEvent == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logWarn("event subscriber panicked", "panic", fmt.Sprintf("%v", r))
		}
	}()
	onEvent(ev)
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Warn(msg, keysAndValues...)
	}
}
