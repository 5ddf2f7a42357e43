package tpuart

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-knx/knx"
)

// Control bytes written to the TP-UART controller.
const (
	cmdReset          = 0x01
	cmdState          = 0x02
	cmdActivateBusmon = 0x05

	// cmdAckInfo is combined with the acknowledgement bits below.
	cmdAckInfo  = 0x10
	ackInfoAck  = 0x01
	ackInfoNak  = 0x02
	ackInfoBusy = 0x04

	// cmdLDataStart carries one frame byte with its index;
	// cmdLDataEnd carries the final byte with its index (frame length
	// minus one).
	cmdLDataStart = 0x80
	cmdLDataEnd   = 0x40
)

// maxTP1FrameLength caps a TP1 frame written to the controller.
const maxTP1FrameLength = 64

// stdMaxTPDU is the largest TPDU a standard frame can carry (4-bit
// length field encodes TPDU length minus one).
const stdMaxTPDU = 16

// Default bit timing. The UART baud rate and the receiver's maximum
// inter-byte delay are deliberately process-wide: both describe the
// physical bus, not a single connection, and survive reconnects.
var (
	uartBaudRate      atomic.Int64 // bits per second
	maxInterByteDelay atomic.Int64 // nanoseconds
)

// Adaptive delay bounds.
const (
	maxDelayStep    = 500 * time.Microsecond
	maxDelayCeiling = 20 * time.Millisecond
)

func init() {
	uartBaudRate.Store(9600)
	maxInterByteDelay.Store(int64(50 * bitTime()))
}

// bitTime returns the duration of one bit on the bus.
func bitTime() time.Duration {
	baud := uartBaudRate.Load()
	if baud <= 0 {
		baud = 9600
	}
	return time.Duration(int64(time.Second) / baud)
}

// SetUARTBaudRate overrides the process-wide UART baud rate. Called
// once from configuration before the first link opens.
func SetUARTBaudRate(baud int) {
	if baud > 0 {
		uartBaudRate.Store(int64(baud))
	}
}

// SetMaxInterByteDelay overrides the process-wide receiver timeout.
// Values below 50 bit times are raised to that floor.
func SetMaxInterByteDelay(d time.Duration) {
	if floor := 50 * bitTime(); d < floor {
		d = floor
	}
	if d > maxDelayCeiling {
		d = maxDelayCeiling
	}
	maxInterByteDelay.Store(int64(d))
}

// currentMaxDelay reads the shared inter-byte delay.
func currentMaxDelay() time.Duration {
	return time.Duration(maxInterByteDelay.Load())
}

// bumpMaxDelay widens the shared delay by one step, up to the
// ceiling.
func bumpMaxDelay() {
	for {
		old := maxInterByteDelay.Load()
		next := old + int64(maxDelayStep)
		if next > int64(maxDelayCeiling) {
			next = int64(maxDelayCeiling)
		}
		if maxInterByteDelay.CompareAndSwap(old, next) {
			return
		}
	}
}

// tp1Checksum is the bitwise NOT of the XOR over all preceding TP1
// bytes.
func tp1Checksum(data []byte) byte {
	var x byte
	for _, b := range data {
		x ^= b
	}
	return ^x
}

// toTP1 converts a cEMI L-Data frame into a TP1 frame including the
// trailing checksum. Additional info and the message code are
// dropped. A standard frame is produced when the TPDU fits and the
// extended bit is clear.
func toTP1(ld knx.LData) ([]byte, error) {
	if len(ld.Data) == 0 {
		return nil, fmt.Errorf("%w: empty TPDU", knx.ErrInvalidFrame)
	}

	standard := !ld.IsExtended() && len(ld.Data) <= stdMaxTPDU

	var frame []byte
	if standard {
		// ctrl: 10r1pp00 with repeat and priority from the cEMI
		// control field.
		ctrl := byte(0x90) | (ld.Ctrl1 & 0x2C)
		frame = make([]byte, 0, 7+len(ld.Data))
		frame = append(frame, ctrl)
		frame = binary.BigEndian.AppendUint16(frame, ld.Source.ToUint16())
		frame = binary.BigEndian.AppendUint16(frame, ld.Destination)
		frame = append(frame, (ld.Ctrl2&0xF0)|byte(len(ld.Data)-1))
		frame = append(frame, ld.Data...)
	} else {
		ctrl := byte(0x10) | (ld.Ctrl1 & 0x2C)
		frame = make([]byte, 0, 8+len(ld.Data))
		frame = append(frame, ctrl, ld.Ctrl2)
		frame = binary.BigEndian.AppendUint16(frame, ld.Source.ToUint16())
		frame = binary.BigEndian.AppendUint16(frame, ld.Destination)
		frame = append(frame, byte(len(ld.Data)-1))
		frame = append(frame, ld.Data...)
	}
	frame = append(frame, tp1Checksum(frame))

	if len(frame) > maxTP1FrameLength {
		return nil, fmt.Errorf("%w: TP1 frame of %d bytes exceeds %d", knx.ErrInvalidFrame, len(frame), maxTP1FrameLength)
	}
	return frame, nil
}

// fromTP1 converts a complete, checksum-verified TP1 frame into a
// cEMI L_Data.ind.
func fromTP1(frame []byte, extended bool) (knx.LData, error) {
	body := frame[:len(frame)-1]

	ld := knx.LData{Code: knx.LDataInd}
	if extended {
		if len(body) < 7 {
			return knx.LData{}, fmt.Errorf("%w: extended TP1 frame too short", knx.ErrInvalidFrame)
		}
		ld.Ctrl1 = body[0] & 0x2C // extended format bit stays clear
		ld.Ctrl2 = body[1]
		ld.Source = knx.IndividualAddressFromUint16(binary.BigEndian.Uint16(body[2:4]))
		ld.Destination = binary.BigEndian.Uint16(body[4:6])
		ld.Data = append([]byte(nil), body[7:]...)
	} else {
		if len(body) < 7 {
			return knx.LData{}, fmt.Errorf("%w: TP1 frame too short", knx.ErrInvalidFrame)
		}
		ld.Ctrl1 = 0x80 | (body[0] & 0x2C)
		ld.Source = knx.IndividualAddressFromUint16(binary.BigEndian.Uint16(body[1:3]))
		ld.Destination = binary.BigEndian.Uint16(body[3:5])
		ld.Ctrl2 = body[5] & 0xF0
		ld.Data = append([]byte(nil), body[6:]...)
	}
	return ld, nil
}

// uartServices splits a TP1 frame into the byte-indexed UART write
// services: every byte but the last as LData-byte, the last as
// LData-end carrying its index, the frame length minus one.
func uartServices(frame []byte) []byte {
	out := make([]byte, 0, 2*len(frame))
	last := len(frame) - 1
	for i, b := range frame {
		if i == last {
			out = append(out, byte(cmdLDataEnd|(last&0x3F)), b)
		} else {
			out = append(out, byte(cmdLDataStart|(i&0x3F)), b)
		}
	}
	return out
}
