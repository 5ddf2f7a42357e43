package ft12

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-knx/internal/clock"
	"github.com/nerrad567/gray-logic-knx/knx"
	"github.com/nerrad567/gray-logic-knx/serial"
)

// Protocol timing and retry parameters.
const (
	// sendRepeats is how often an unacknowledged frame is
	// retransmitted after the initial send.
	sendRepeats = 3

	// conTimeout is the wait for the L-Data confirmation after the
	// acknowledgement arrived.
	conTimeout = 300 * time.Millisecond

	// resetAttempts and resetAckWindow govern link start-up.
	resetAttempts  = 4
	resetAckWindow = 150 * time.Millisecond
)

// State is the FT1.2 link state.
type State int

// Link states.
const (
	StateOK State = iota
	StateAckPending
	StateConPending
	StateClosed
)

// EMI message codes used for confirmation matching. The cEMI and
// EMI2 L-Data codes coincide.
const (
	msgLDataReq = 0x11
	msgLDataCon = 0x2E
)

// Config parameterizes an FT1.2 link.
type Config struct {
	// PortID is the serial device, e.g. "/dev/ttyS0".
	PortID string

	// BaudRate defaults to 19200.
	BaudRate int

	// UseCEMI selects cEMI payloads; otherwise the link carries EMI2
	// unchanged. The link itself is payload-agnostic beyond
	// confirmation matching.
	UseCEMI bool

	// Port overrides the serial backend (tests).
	Port serial.Port

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Logger is optional.
	Logger knx.Logger
}

// Link is an FT1.2 connection to a BCU.
//
// Thread Safety: all methods are safe for concurrent use; sends are
// serialized.
type Link struct {
	cfg  Config
	port serial.Port
	clk  clock.Clock

	// exchangeTimeout is the acknowledgement window derived from the
	// baud rate.
	exchangeTimeout time.Duration

	mu       sync.Mutex
	state    State
	sendFcb  bool // frame-count bit, outgoing
	recvFcb  bool // expected frame-count bit, incoming
	lastRecv struct {
		fcb      bool
		checksum byte
		valid    bool
	}

	sendMu sync.Mutex

	ackCh chan struct{}
	conCh chan []byte

	eventMu sync.RWMutex
	onEvent func(knx.Event)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens the serial port, resets the BCU link layer and starts
// the receiver.
func Open(cfg Config) (*Link, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = serial.DefaultBaudRate
	}

	port := cfg.Port
	if port == nil {
		var err error
		if port, err = serial.Open(cfg.PortID, cfg.BaudRate); err != nil {
			return nil, err
		}
	}

	l := &Link{
		cfg:             cfg,
		port:            port,
		clk:             cfg.Clock,
		exchangeTimeout: exchangeTimeout(cfg.BaudRate),
		ackCh:           make(chan struct{}, 1),
		conCh:           make(chan []byte, 1),
		done:            make(chan struct{}),
	}

	l.wg.Add(1)
	go l.receiveLoop()

	if err := l.reset(); err != nil {
		l.Close()
		return nil, err
	}

	return l, nil
}

// exchangeTimeout is ceil(512 / baud-bits-per-ms) + 5 ms.
func exchangeTimeout(baud int) time.Duration {
	bitsPerMillis := float64(baud) / 1000.0
	return time.Duration(math.Ceil(512.0/bitsPerMillis))*time.Millisecond + 5*time.Millisecond
}

// State returns the current link state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SetOnEvent registers the subscriber for link events.
func (l *Link) SetOnEvent(onEvent func(knx.Event)) {
	l.eventMu.Lock()
	l.onEvent = onEvent
	l.eventMu.Unlock()
}

// reset sends the fixed reset frame until it is acknowledged.
func (l *Link) reset() error {
	l.mu.Lock()
	l.state = StateAckPending
	// The first exchange after a reset runs with the frame-count bit
	// set on both directions.
	l.sendFcb = true
	l.recvFcb = true
	l.lastRecv.valid = false
	l.mu.Unlock()

	for attempt := 0; attempt < resetAttempts; attempt++ {
		if _, err := l.port.Write(resetFrame); err != nil {
			return fmt.Errorf("%w: %w", knx.ErrIO, err)
		}

		select {
		case <-l.ackCh:
			l.mu.Lock()
			l.state = StateOK
			l.mu.Unlock()
			return nil
		case <-l.clk.After(resetAckWindow):
		case <-l.done:
			return knx.ErrPortClosed
		}
	}

	return fmt.Errorf("%w: link reset not acknowledged after %d attempts", knx.ErrAckTimeout, resetAttempts)
}

// Send transmits one EMI frame and blocks until the exchange
// completed: acknowledgement from the BCU, and for an L-Data request
// also the matching confirmation.
func (l *Link) Send(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", knx.ErrInvalidFrame)
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return knx.ErrPortClosed
	}
	ctrl := byte(ctrlFromPrimary | ctrlFrameCountValid | funcSendUserData)
	if l.sendFcb {
		ctrl |= ctrlFrameCount
	}
	l.state = StateAckPending
	l.mu.Unlock()

	frame := encodeVariable(ctrl, payload)

	// Drain a stale ack from a previous aborted exchange.
	select {
	case <-l.ackCh:
	default:
	}

	acked := false
	for attempt := 0; attempt <= sendRepeats && !acked; attempt++ {
		if _, err := l.port.Write(frame); err != nil {
			l.setState(StateOK)
			return fmt.Errorf("%w: %w", knx.ErrIO, err)
		}

		select {
		case <-l.ackCh:
			acked = true
		case <-l.clk.After(l.exchangeTimeout):
		case <-l.done:
			return knx.ErrPortClosed
		}
	}
	if !acked {
		l.setState(StateOK)
		return fmt.Errorf("%w: frame not acknowledged after %d transmissions", knx.ErrAckTimeout, sendRepeats+1)
	}

	// Frame-count bit advances on a successful exchange.
	l.mu.Lock()
	l.sendFcb = !l.sendFcb
	l.mu.Unlock()

	if payload[0] != msgLDataReq {
		l.setState(StateOK)
		return nil
	}

	l.setState(StateConPending)
	defer l.setState(StateOK)

	deadline := l.clk.After(conTimeout)
	for {
		select {
		case con := <-l.conCh:
			if l.conMatches(payload, con) {
				return nil
			}
			// Unrelated confirmation; keep waiting.
		case <-deadline:
			return fmt.Errorf("%w: no L-Data confirmation within %v", knx.ErrConTimeout, conTimeout)
		case <-l.done:
			return knx.ErrPortClosed
		}
	}
}

// conMatches checks that con confirms req by destination.
func (l *Link) conMatches(req, con []byte) bool {
	if l.cfg.UseCEMI {
		return knx.ConMatches(req, con)
	}
	// EMI2: msg code, then ctrl(1) + src(2) + dst(2).
	if len(req) < 6 || len(con) < 6 || con[0] != msgLDataCon {
		return false
	}
	return binary.BigEndian.Uint16(req[4:6]) == binary.BigEndian.Uint16(con[4:6])
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	if l.state != StateClosed {
		l.state = s
	}
	l.mu.Unlock()
}

// Close shuts the link down. Idempotent.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.state = StateClosed
		l.mu.Unlock()

		close(l.done)
		l.port.Close()
		l.emit(knx.ConnectionClosed{Source: l.cfg.PortID, Origin: knx.CloseByClient, Reason: "link closed"})
	})
	l.wg.Wait()
	return nil
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
