package tpuart

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-knx/knx"
)

// Frame-start classification masks. A byte with the two low bits
// clear starts a standard frame under 0x90 or an extended frame
// under 0x10 (mask 0xD0).
const (
	frameStartMask = 0xD0
	frameStartStd  = 0x90
	frameStartExt  = 0x10
)

// ldataConIndication is the controller's L_Data.con byte; the high
// bit flags a positive confirmation.
const ldataConIndication = 0x0B

// Minimum header lengths before the destination is known.
const (
	minHeaderStd = 5
	minHeaderExt = 6
)

// ackDecisionLen is the buffer length at which both the destination
// and the address-type bit are available in either frame format.
const ackDecisionLen = 6

// dropsBeforeBump is the consecutive-drop count that widens the
// shared inter-byte delay.
const dropsBeforeBump = 3

// receiverReadSlice is the serial read timeout of the byte engine.
const receiverReadSlice = 1 * time.Millisecond

// receiver is the per-link state of the byte engine.
type receiver struct {
	buf        []byte
	extended   bool
	acked      bool
	lastByteAt time.Time

	// drops counts consecutive inter-byte timeouts for the adaptive
	// delay.
	drops int

	// lastAccepted backs repetition suppression.
	lastAccepted []byte
}

// receiveLoop runs the TP-UART byte engine.
func (l *Link) receiveLoop() {
	defer l.wg.Done()

	_ = l.port.SetReadTimeout(receiverReadSlice)

	rx := &receiver{}

	for {
		if l.isClosed() {
			return
		}

		var one [1]byte
		n, err := l.port.Read(one[:])
		if err != nil {
			if l.isClosed() {
				return
			}
			l.logWarn("serial read failed", "error", err)
			l.closeWith(knx.CloseByError, "I/O error")
			return
		}

		now := l.clk.Now()
		l.checkInterByte(rx, now)

		if n == 0 {
			continue
		}
		l.feed(rx, one[0], now)
	}
}

// checkInterByte resets a stalled frame buffer. A short buffer
// expires after the shared maximum inter-byte delay, a longer one
// after four times that.
func (l *Link) checkInterByte(rx *receiver, now time.Time) {
	if len(rx.buf) == 0 {
		return
	}

	elapsed := now.Sub(rx.lastByteAt)
	maxDelay := currentMaxDelay()

	minHeader := minHeaderStd
	if rx.extended {
		minHeader = minHeaderExt
	}

	expired := (len(rx.buf) < minHeader && elapsed > maxDelay) || elapsed > 4*maxDelay
	if !expired {
		return
	}

	l.logDebug("frame assembly timed out", "buffered", len(rx.buf))
	rx.buf = nil
	rx.acked = false

	rx.drops++
	if rx.drops >= dropsBeforeBump {
		rx.drops = 0
		bumpMaxDelay()
		l.logDebug("inter-byte delay widened", "delay", currentMaxDelay().String())
	}
}

// feed advances the engine by one byte.
func (l *Link) feed(rx *receiver, c byte, now time.Time) {
	if len(rx.buf) == 0 {
		l.classify(rx, c, now)
		return
	}

	rx.buf = append(rx.buf, c)
	rx.lastByteAt = now

	if !rx.acked && len(rx.buf) == ackDecisionLen {
		l.maybeAck(rx)
	}

	if total, known := frameLength(rx.buf, rx.extended); known && len(rx.buf) >= total {
		l.finishFrame(rx)
	}
}

// classify handles a byte received outside a frame: confirmations,
// state indications and frame starts.
func (l *Link) classify(rx *receiver, c byte, now time.Time) {
	switch {
	case c&0x7F == ldataConIndication:
		l.synthesizeCon(c&0x80 != 0)

	case c&0x07 == 0x07:
		l.handleStateIndication(c)

	case c&0x03 == 0 && c&frameStartMask == frameStartStd:
		rx.buf = append(rx.buf[:0], c)
		rx.extended = false
		rx.acked = false
		rx.lastByteAt = now

	case c&0x03 == 0 && c&frameStartMask == frameStartExt:
		rx.buf = append(rx.buf[:0], c)
		rx.extended = true
		rx.acked = false
		rx.lastByteAt = now

	default:
		l.logDebug("discarding unexpected byte", "byte", fmt.Sprintf("0x%02x", c))
	}
}

// frameLength returns the total TP1 frame length including the
// checksum, once enough header bytes are buffered.
func frameLength(buf []byte, extended bool) (int, bool) {
	if extended {
		if len(buf) < 7 {
			return 0, false
		}
		return 9 + int(buf[6]), true
	}
	if len(buf) < 6 {
		return 0, false
	}
	return 8 + int(buf[5]&0x0F), true
}

// maybeAck writes a positive AckInfo when the frame addresses this
// host: the destination is in the configured filter, or it is the
// group destination of a send made within the last three seconds.
// At most one ack goes out per frame, and none in bus-monitor mode.
func (l *Link) maybeAck(rx *receiver) {
	var dest uint16
	var group bool
	if rx.extended {
		group = rx.buf[1]&0x80 != 0
		dest = binary.BigEndian.Uint16(rx.buf[4:6])
	} else {
		group = rx.buf[5]&0x80 != 0
		dest = binary.BigEndian.Uint16(rx.buf[3:5])
	}

	l.mu.Lock()
	busmon := l.busmon
	ack := l.ackAddrs[dest]
	if !ack && group && l.lastReq != nil && l.clk.Now().Sub(l.lastReqAt) <= ackWindow {
		if ld, err := knx.DecodeLData(l.lastReq); err == nil && ld.Destination == dest {
			ack = true
		}
	}
	l.mu.Unlock()

	if busmon || !ack {
		return
	}

	rx.acked = true
	if _, err := l.port.Write([]byte{cmdAckInfo | ackInfoAck}); err != nil {
		l.logWarn("ack write failed", "error", err)
	}
}

// finishFrame verifies the checksum and delivers the frame.
func (l *Link) finishFrame(rx *receiver) {
	frame := rx.buf
	rx.buf = nil
	rx.acked = false
	rx.drops = 0

	if tp1Checksum(frame[:len(frame)-1]) != frame[len(frame)-1] {
		l.logDebug("dropping frame with bad checksum")
		return
	}

	if isRepetition(rx.lastAccepted, frame) {
		l.logDebug("suppressing repeated frame")
		return
	}
	rx.lastAccepted = append(rx.lastAccepted[:0], frame...)

	l.mu.Lock()
	busmon := l.busmon
	l.mu.Unlock()

	if busmon {
		l.deliverBusmon(frame)
		return
	}

	ld, err := fromTP1(frame, rx.extended)
	if err != nil {
		l.logDebug("dropping undecodable frame", "error", err)
		return
	}
	l.emit(knx.FrameReceived{Source: l.cfg.PortID, Frame: ld.Encode()})
}

// isRepetition reports a byte-exact repetition of prev in which only
// the control field's repeat flag differs. The checksum byte follows
// the flag and is excluded from the comparison.
func isRepetition(prev, frame []byte) bool {
	if len(prev) != len(frame) || len(frame) < 2 {
		return false
	}
	if prev[0]&^0x20 != frame[0]&^0x20 {
		return false
	}
	return bytes.Equal(prev[1:len(prev)-1], frame[1:len(frame)-1])
}

// deliverBusmon wraps a raw frame into an L_Busmon.ind with a 3-bit
// sequence number and a 32-bit microsecond timestamp as additional
// information.
func (l *Link) deliverBusmon(frame []byte) {
	l.mu.Lock()
	seq := l.busmonSeq
	l.busmonSeq = (l.busmonSeq + 1) % 8
	l.mu.Unlock()

	micros := uint32(l.clk.Now().UnixMicro())

	cemi := make([]byte, 0, 11+len(frame))
	cemi = append(cemi, knx.LBusmonInd, 9)
	cemi = append(cemi, 0x03, 1, seq)
	cemi = append(cemi, 0x06, 4)
	cemi = binary.BigEndian.AppendUint32(cemi, micros)
	cemi = append(cemi, frame...)

	l.emit(knx.FrameReceived{Source: l.cfg.PortID, Frame: cemi})
}

// synthesizeCon assembles a cEMI L_Data.con from the last request
// and delivers it to the waiting sender and the subscribers.
func (l *Link) synthesizeCon(positive bool) {
	l.mu.Lock()
	req := l.lastReq
	l.mu.Unlock()
	if req == nil {
		return
	}

	ld, err := knx.DecodeLData(req)
	if err != nil {
		return
	}
	ld.Code = knx.LDataCon
	if positive {
		ld.Ctrl1 &^= 0x01
	} else {
		ld.Ctrl1 |= 0x01
	}

	select {
	case l.conCh <- positive:
	default:
	}

	l.emit(knx.FrameReceived{Source: l.cfg.PortID, Frame: ld.Encode()})
}
