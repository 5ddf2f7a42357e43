package ft12

import (
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-knx/knx"
)

// readSlice is the per-read timeout of the receiver; it only bounds
// how quickly shutdown is noticed.
const readSlice = 50 * time.Millisecond

// receiveLoop classifies incoming bytes: 0xE5 acknowledgements,
// fixed frames, variable frames. Anything else is discarded with a
// trace.
func (l *Link) receiveLoop() {
	defer l.wg.Done()

	_ = l.port.SetReadTimeout(readSlice)

	for {
		b, ok, err := l.readByte()
		if err != nil {
			l.readFailed(err)
			return
		}
		if !ok {
			if l.isClosed() {
				return
			}
			continue
		}

		switch b {
		case ackByte:
			select {
			case l.ackCh <- struct{}{}:
			default:
			}

		case startFixed:
			if err := l.readFixed(); err != nil {
				l.logDebug("bad fixed frame", "error", err)
			}

		case startVariable:
			if err := l.readVariable(); err != nil {
				l.logDebug("bad variable frame", "error", err)
			}

		default:
			l.logDebug("discarding unexpected byte", "byte", fmt.Sprintf("0x%02x", b))
		}
	}
}

// readByte reads a single byte; ok is false on a timeout slice.
func (l *Link) readByte() (byte, bool, error) {
	var buf [1]byte
	n, err := l.port.Read(buf[:])
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	return buf[0], true, nil
}

// readFull reads exactly len(buf) bytes, tolerating timeout slices.
func (l *Link) readFull(buf []byte) error {
	for off := 0; off < len(buf); {
		b, ok, err := l.readByte()
		if err != nil {
			return err
		}
		if !ok {
			if l.isClosed() {
				return knx.ErrPortClosed
			}
			continue
		}
		buf[off] = b
		off++
	}
	return nil
}

// readFixed consumes the remainder of a fixed frame (ctrl, ctrl,
// end) and acknowledges it.
func (l *Link) readFixed() error {
	var rest [3]byte
	if err := l.readFull(rest[:]); err != nil {
		return err
	}
	if rest[0] != rest[1] {
		return fmt.Errorf("%w: control bytes differ (0x%02x, 0x%02x)", knx.ErrInvalidFrame, rest[0], rest[1])
	}
	if rest[2] != frameEnd {
		return fmt.Errorf("%w: missing end delimiter", knx.ErrInvalidFrame)
	}

	_, err := l.port.Write([]byte{ackByte})
	return err
}

// readVariable consumes the remainder of a variable frame, verifies
// it, applies frame-count handling and delivers the payload.
func (l *Link) readVariable() error {
	var head [3]byte // len, len, start
	if err := l.readFull(head[:]); err != nil {
		return err
	}
	if head[0] != head[1] {
		return fmt.Errorf("%w: length bytes differ (%d, %d)", knx.ErrInvalidFrame, head[0], head[1])
	}
	if head[2] != startVariable {
		return fmt.Errorf("%w: missing second start delimiter", knx.ErrInvalidFrame)
	}
	length := int(head[0])
	if length < 1 {
		return fmt.Errorf("%w: length %d below minimum", knx.ErrInvalidFrame, length)
	}

	rest := make([]byte, length+2) // ctrl + data + checksum + end
	if err := l.readFull(rest); err != nil {
		return err
	}

	ctrl := rest[0]
	data := rest[1 : length]
	cs := rest[length]
	end := rest[length+1]

	if end != frameEnd {
		return fmt.Errorf("%w: missing end delimiter", knx.ErrInvalidFrame)
	}
	if cs != checksum(ctrl, data) {
		return fmt.Errorf("%w: checksum 0x%02x, computed 0x%02x", knx.ErrInvalidFrame, cs, checksum(ctrl, data))
	}

	// Frame-count validation for frames that carry a valid count.
	if ctrl&ctrlFrameCountValid != 0 {
		fcb := ctrl&ctrlFrameCount != 0

		l.mu.Lock()
		if l.lastRecv.valid && fcb == l.lastRecv.fcb && cs == l.lastRecv.checksum {
			// Link-layer repetition of the previous frame: ack again,
			// do not redeliver.
			l.mu.Unlock()
			_, err := l.port.Write([]byte{ackByte})
			return err
		}
		// A mismatched count with a different checksum is a known
		// peer quirk: resynchronize on the sender's count and accept.
		l.recvFcb = !fcb
		l.lastRecv.fcb = fcb
		l.lastRecv.checksum = cs
		l.lastRecv.valid = true
		l.mu.Unlock()
	}

	if _, err := l.port.Write([]byte{ackByte}); err != nil {
		return err
	}

	payload := append([]byte(nil), data...)

	if len(payload) > 0 && payload[0] == msgLDataCon {
		select {
		case l.conCh <- payload:
		default:
		}
	}
	l.emit(knx.FrameReceived{Source: l.cfg.PortID, Frame: payload})
	return nil
}

// readFailed closes the link on a fatal port error.
func (l *Link) readFailed(err error) {
	if l.isClosed() {
		return
	}
	l.logWarn("serial read failed", "error", err)

	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.state = StateClosed
		l.mu.Unlock()

		close(l.done)
		l.port.Close()
		l.emit(knx.ConnectionClosed{Source: l.cfg.PortID, Origin: knx.CloseByError, Reason: "I/O error"})
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
