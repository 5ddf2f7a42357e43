package tpuart

import (
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-knx/internal/clock"
	"github.com/nerrad567/gray-logic-knx/knx"
	"github.com/nerrad567/gray-logic-knx/serial"
)

// Protocol parameters.
const (
	// sendAttempts is the total number of transmissions per frame.
	sendAttempts = 4

	// ackWindow is how long after a send a group destination still
	// gets a positive acknowledgement from the receiver.
	ackWindow = 3 * time.Second

	// statePollInterval is the UART state polling period.
	statePollInterval = 5 * time.Second

	// stateGrace is added on top of two missed polling intervals
	// before the link declares the medium gone.
	stateGrace = 100 * time.Millisecond

	// cooldownPeriod blocks sends after a temperature warning.
	cooldownPeriod = 1 * time.Second

	// cooldownSlice is the poll granularity inside the cool-down.
	cooldownSlice = 1 * time.Millisecond
)

// UART state-indication bits.
const (
	stateSlaveCollision = 0x80
	stateReceiveError   = 0x40
	stateTransmitError  = 0x20
	stateProtocolError  = 0x10
	stateTempWarning    = 0x08
)

// Config parameterizes a TP-UART link.
type Config struct {
	// PortID is the serial device.
	PortID string

	// AckAddresses are the destinations this host acknowledges on
	// the bus.
	AckAddresses []knx.GroupAddress

	// Port overrides the serial backend (tests).
	Port serial.Port

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Logger is optional.
	Logger knx.Logger
}

// Link is a connection to a TP1 bus through a TP-UART controller.
//
// Thread Safety: all methods are safe for concurrent use; sends are
// serialized.
type Link struct {
	cfg  Config
	port serial.Port
	clk  clock.Clock

	mu     sync.Mutex
	closed bool
	busmon bool

	// ackAddrs is the raw-address acknowledgement filter.
	ackAddrs map[uint16]bool

	// lastReq supports confirmation synthesis and the send-side ack
	// window for group destinations.
	lastReq   []byte
	lastReqAt time.Time

	// cooldownUntil blocks sends after a temperature warning.
	cooldownUntil time.Time

	// lastState tracks UART health.
	lastState   byte
	lastStateAt time.Time

	// busmonSeq is the 3-bit busmon sequence counter.
	busmonSeq uint8

	sendMu sync.Mutex
	conCh  chan bool // true = positive confirmation

	eventMu sync.RWMutex
	onEvent func(knx.Event)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens the serial port, resets the controller and starts the
// receive and state-polling loops.
func Open(cfg Config) (*Link, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}

	port := cfg.Port
	if port == nil {
		var err error
		if port, err = serial.Open(cfg.PortID, serial.DefaultBaudRate); err != nil {
			return nil, err
		}
	}

	l := &Link{
		cfg:      cfg,
		port:     port,
		clk:      cfg.Clock,
		ackAddrs: make(map[uint16]bool, len(cfg.AckAddresses)),
		conCh:    make(chan bool, 1),
		done:     make(chan struct{}),
	}
	for _, ga := range cfg.AckAddresses {
		l.ackAddrs[ga.ToUint16()] = true
	}
	l.lastStateAt = l.clk.Now()

	if _, err := port.Write([]byte{cmdReset}); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: reset: %w", knx.ErrIO, err)
	}

	l.wg.Add(2)
	go l.receiveLoop()
	go l.statePollLoop()

	return l, nil
}

// SetOnEvent registers the subscriber for link events.
func (l *Link) SetOnEvent(onEvent func(knx.Event)) {
	l.eventMu.Lock()
	l.onEvent = onEvent
	l.eventMu.Unlock()
}

// AddAckAddress extends the acknowledgement filter at runtime.
func (l *Link) AddAckAddress(ga knx.GroupAddress) {
	l.mu.Lock()
	l.ackAddrs[ga.ToUint16()] = true
	l.mu.Unlock()
}

// Send transmits a cEMI L-Data frame on the bus and waits for the
// controller's confirmation. Up to four attempts are made; a
// negative confirmation triggers the next attempt.
//
// Send blocks while a temperature cool-down is active and fails with
// ErrIllegalState in bus-monitor mode.
func (l *Link) Send(cemi []byte) error {
	ld, err := knx.DecodeLData(cemi)
	if err != nil {
		return err
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return knx.ErrPortClosed
	}
	if l.busmon {
		l.mu.Unlock()
		return fmt.Errorf("%w: send in bus-monitor mode", knx.ErrIllegalState)
	}
	l.mu.Unlock()

	frame, err := toTP1(ld)
	if err != nil {
		return err
	}
	services := uartServices(frame)

	l.waitCooldown()

	l.mu.Lock()
	l.lastReq = cemi
	l.lastReqAt = l.clk.Now()
	l.mu.Unlock()

	// Drain a stale confirmation.
	select {
	case <-l.conCh:
	default:
	}

	window := conWindow(len(frame))
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			l.waitCooldown()
		}
		if _, err := l.port.Write(services); err != nil {
			return fmt.Errorf("%w: %w", knx.ErrIO, err)
		}

		select {
		case positive := <-l.conCh:
			if positive {
				return nil
			}
			// Negative confirmation: retry.
		case <-l.clk.After(window):
		case <-l.done:
			return knx.ErrPortClosed
		}
	}

	return fmt.Errorf("%w: no positive confirmation after %d attempts", knx.ErrConTimeout, sendAttempts)
}

// conWindow is the per-attempt confirmation wait:
// 50 bit times + frame length x 13 bit times + 2 x 15 bit times.
func conWindow(frameLen int) time.Duration {
	t := bitTime()
	return 50*t + time.Duration(frameLen)*13*t + 2*15*t
}

// waitCooldown blocks in one-millisecond slices while the
// temperature cool-down is active.
func (l *Link) waitCooldown() {
	for {
		l.mu.Lock()
		until := l.cooldownUntil
		l.mu.Unlock()

		if !l.clk.Now().Before(until) {
			return
		}
		select {
		case <-l.done:
			return
		default:
		}
		l.clk.Sleep(cooldownSlice)
	}
}

// ActivateBusMonitor switches the controller into bus-monitor mode.
// Sends are rejected afterwards; received frames are tagged with a
// sequence number and timestamp.
func (l *Link) ActivateBusMonitor() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return knx.ErrPortClosed
	}
	l.busmon = true
	l.busmonSeq = 0
	l.mu.Unlock()

	if _, err := l.port.Write([]byte{cmdActivateBusmon}); err != nil {
		return fmt.Errorf("%w: %w", knx.ErrIO, err)
	}
	return nil
}

// statePollLoop sends a State request every five seconds and watches
// for the controller going silent.
func (l *Link) statePollLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.done:
			return
		case <-l.clk.After(statePollInterval):
		}

		l.mu.Lock()
		busmon := l.busmon
		last := l.lastStateAt
		l.mu.Unlock()
		if busmon {
			continue
		}

		if l.clk.Now().Sub(last) > 2*statePollInterval+stateGrace {
			l.logWarn("controller state responses missing, closing link")
			l.closeWith(knx.CloseByError, "medium disconnected")
			return
		}

		if _, err := l.port.Write([]byte{cmdState}); err != nil {
			l.closeWith(knx.CloseByError, "I/O error")
			return
		}
	}
}

// handleStateIndication records a State.ind byte and applies the
// temperature cool-down.
func (l *Link) handleStateIndication(c byte) {
	l.mu.Lock()
	l.lastState = c
	l.lastStateAt = l.clk.Now()
	if c&stateTempWarning != 0 {
		l.cooldownUntil = l.clk.Now().Add(cooldownPeriod)
	}
	l.mu.Unlock()

	if c&^0x07 != 0 {
		l.logDebug("controller state", "state", fmt.Sprintf("0x%02x", c))
	}
}

// Close shuts the link down. Idempotent.
func (l *Link) Close() error {
	l.closeWith(knx.CloseByClient, "link closed")
	l.wg.Wait()
	return nil
}

func (l *Link) closeWith(origin knx.CloseOrigin, reason string) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		close(l.done)
		l.port.Close()
		l.emit(knx.ConnectionClosed{Source: l.cfg.PortID, Origin: origin, Reason: reason})
	})
}

func (l *Link) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// emit delivers one event, recovering subscriber panics.
func (l *Link) emit(ev knx.Event) {
	l.eventMu.RLock()
	onEvent := l.onEvent
	l.eventMu.RUnlock()
	if onEvent == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			l.logWarn("event subscriber panicked", "panic", fmt.Sprintf("%v", r))
		}
	}()
	onEvent(ev)
}

func (l *Link) logDebug(msg string, keysAndValues ...any) {
	if l.cfg.Logger != nil {
		l.cfg.Logger.Debug(msg, keysAndValues...)
	}
}

func (l *Link) logWarn(msg string, keysAndValues ...any) {
	if l.cfg.Logger != nil {
		l.cfg.Logger.Warn(msg, keysAndValues...)
	}
}
