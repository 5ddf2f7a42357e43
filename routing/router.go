package routing

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/nerrad567/gray-logic-knx/internal/clock"
	"github.com/nerrad567/gray-logic-knx/knx"
	"github.com/nerrad567/gray-logic-knx/knxnet"
)

// Multicast groups and port of KNXnet/IP routing.
const (
	// DefaultMulticast is the standard routing group.
	DefaultMulticast = "224.0.23.12"

	// SystemSetupMulticast is the system-setup group used for system
	// broadcasts.
	SystemSetupMulticast = "224.0.23.13"

	// Port is the fixed KNXnet/IP routing port.
	Port = 3671
)

// multicastTTL keeps routing traffic inside the installation
// network.
const multicastTTL = 16

// receiveBufferSize bounds one multicast datagram.
const receiveBufferSize = 1024

// Config parameterizes a routing endpoint.
type Config struct {
	// Name identifies the endpoint in events and logs.
	Name string

	// Group is the multicast group IP. Defaults to DefaultMulticast.
	Group string

	// Interface optionally pins the endpoint to one network
	// interface.
	Interface *net.Interface

	// SystemBroadcast switches the endpoint into system-broadcast
	// mode: qualifying broadcasts leave as ROUTING_SYSTEM_BROADCAST.
	SystemBroadcast bool

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Logger is optional.
	Logger knx.Logger
}

// Router is a multicast routing endpoint.
//
// Thread Safety: all methods are safe for concurrent use. Send
// blocks while flow control demands it.
type Router struct {
	cfg   Config
	clk   clock.Clock
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	group *net.UDPAddr
	flow  *flowControl

	eventMu sync.RWMutex
	onEvent func(knx.Event)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Join opens the multicast socket, joins the routing group and
// starts the receive loop.
func Join(cfg Config) (*Router, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Group == "" {
		cfg.Group = DefaultMulticast
	}
	if cfg.Name == "" {
		cfg.Name = "routing " + cfg.Group
	}

	groupIP := net.ParseIP(cfg.Group)
	if groupIP == nil || groupIP.To4() == nil || !groupIP.IsMulticast() {
		return nil, fmt.Errorf("%w: %q is not an IPv4 multicast group", knx.ErrConnectionFailed, cfg.Group)
	}
	group := &net.UDPAddr{IP: groupIP, Port: Port}

	conn, err := net.ListenMulticastUDP("udp4", cfg.Interface, group)
	if err != nil {
		return nil, fmt.Errorf("%w: join %s: %w", knx.ErrConnectionFailed, group, err)
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetMulticastTTL(multicastTTL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: set multicast TTL: %w", knx.ErrConnectionFailed, err)
	}
	// Loopback stays off so our own indications do not come back.
	_ = pconn.SetMulticastLoopback(false)
	if cfg.Interface != nil {
		_ = pconn.SetMulticastInterface(cfg.Interface)
	}

	r := &Router{
		cfg:   cfg,
		clk:   cfg.Clock,
		conn:  conn,
		pconn: pconn,
		group: group,
		done:  make(chan struct{}),
	}
	r.flow = newFlowControl(r.clk, func(delayed int) {
		r.emit(knx.RateLimit{Source: r.cfg.Name, Dropped: delayed})
	})

	r.wg.Add(1)
	go r.receiveLoop()

	return r, nil
}

// SetOnEvent registers the subscriber for endpoint events.
func (r *Router) SetOnEvent(onEvent func(knx.Event)) {
	r.eventMu.Lock()
	r.onEvent = onEvent
	r.eventMu.Unlock()
}

// Send multicasts one cEMI frame as a routing indication. The call
// blocks while the Routing-Busy backoff or the rate limit is in
// force.
//
// In system-broadcast mode a qualifying frame leaves as
// ROUTING_SYSTEM_BROADCAST instead.
func (r *Router) Send(cemi []byte) error {
	if r.isClosed() {
		return knx.ErrPortClosed
	}
	if len(cemi) == 0 {
		return fmt.Errorf("%w: empty cEMI frame", knx.ErrInvalidFrame)
	}

	var srv knxnet.Service
	if r.cfg.SystemBroadcast && IsSystemBroadcast(cemi) {
		srv = knxnet.RoutingSystemBroadcast{Payload: cemi}
	} else {
		srv = knxnet.RoutingIndication{Payload: cemi}
	}

	frame, err := knxnet.Pack(srv)
	if err != nil {
		return err
	}

	r.flow.acquire()

	if r.isClosed() {
		return knx.ErrPortClosed
	}
	if _, err := r.conn.WriteToUDP(frame, r.group); err != nil {
		return fmt.Errorf("%w: %w", knx.ErrIO, err)
	}
	return nil
}

// Close leaves the group and stops the receive loop. Idempotent.
func (r *Router) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.flow.stop()
		r.conn.Close()
	})
	r.wg.Wait()
	return nil
}

// receiveLoop delivers inbound routing services in wire-arrival
// order. Busy handling updates the backoff before the event goes
// out.
func (r *Router) receiveLoop() {
	defer r.wg.Done()

	buf := make([]byte, receiveBufferSize)

	for {
		select {
		case <-r.done:
			return
		default:
		}

		if err := r.conn.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
			return
		}

		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if r.isClosed() {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			r.logWarn("multicast read failed", "error", err)
			r.closeOnce.Do(func() {
				close(r.done)
				r.flow.stop()
				r.conn.Close()
			})
			r.emit(knx.ConnectionClosed{Source: r.cfg.Name, Origin: knx.CloseByError, Reason: "I/O error"})
			return
		}

		srv, err := knxnet.Unpack(buf[:n])
		if err != nil {
			r.logDebug("dropping malformed datagram", "error", err)
			continue
		}

		switch s := srv.(type) {
		case knxnet.RoutingIndication:
			r.emit(knx.FrameReceived{Source: r.cfg.Name, Frame: s.Payload})

		case knxnet.RoutingSystemBroadcast:
			r.emit(knx.FrameReceived{Source: r.cfg.Name, Frame: s.Payload})

		case knxnet.RoutingLostMessage:
			r.emit(knx.LostMessage{Source: r.cfg.Name, DeviceState: s.DeviceState, Lost: s.Lost})

		case knxnet.RoutingBusy:
			r.flow.onBusy(s.WaitMillis)
			r.emit(knx.RoutingBusy{
				Source:      r.cfg.Name,
				DeviceState: s.DeviceState,
				WaitMillis:  s.WaitMillis,
				Control:     s.Control,
			})

		default:
			r.logDebug("ignoring service on routing group", "service", srv.ServiceCode().String())
		}
	}
}

func (r *Router) isClosed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// emit delivers one event, recovering subscriber panics.
func (r *Router) emit(ev knx.Event) {
	r.eventMu.RLock()
	onEvent := r.onEvent
	r.eventMu.RUnlock()
	if onEvent == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logWarn("event subscriber panicked", "panic", fmt.Sprintf("%v", rec))
		}
	}()
	onEvent(ev)
}

func (r *Router) logDebug(msg string, keysAndValues ...any) {
	if r.cfg.Logger != nil {
		r.cfg.Logger.Debug(msg, keysAndValues...)
	}
}

func (r *Router) logWarn(msg string, keysAndValues ...any) {
	if r.cfg.Logger != nil {
		r.cfg.Logger.Warn(msg, keysAndValues...)
	}
}
