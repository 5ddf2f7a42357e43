package knx

import (
	"encoding/binary"
	"fmt"
)

// cEMI message codes (first byte of every cEMI frame).
const (
	// LDataReq is an L_Data.req from the client towards the bus.
	LDataReq byte = 0x11

	// LDataInd is an L_Data.ind received from the bus.
	LDataInd byte = 0x29

	// LDataCon is an L_Data.con confirming a previous L_Data.req.
	LDataCon byte = 0x2E

	// LBusmonInd is a bus-monitor indication carrying a raw frame.
	LBusmonInd byte = 0x2B

	// PropReadReq/PropReadCon/PropWriteReq/PropWriteCon are the
	// device-management property services carried over a
	// DEVICE_CONFIGURATION connection. Opaque here.
	PropReadReq  byte = 0xFC
	PropReadCon  byte = 0xFB
	PropWriteReq byte = 0xF6
	PropWriteCon byte = 0xF5
)

// Control field 1 bits of an L_Data frame.
const (
	ctrl1StandardFrame byte = 0x80 // set: standard, clear: extended
	ctrl1Repeat        byte = 0x20 // clear: repeated frame
	ctrl1SystemBcast   byte = 0x10 // clear: system broadcast
	ctrl1AckRequest    byte = 0x02
	ctrl1ConfirmError  byte = 0x01 // set in .con: transmission failed
)

// Control field 2 bits.
const (
	ctrl2GroupDest byte = 0x80
	ctrl2HopMask   byte = 0x70
)

// minLDataSize is mc(1)+addInfoLen(1)+ctrl1(1)+ctrl2(1)+src(2)+dst(2)+npduLen(1).
const minLDataSize = 9

// MessageCode returns the cEMI message code of an opaque frame.
func MessageCode(frame []byte) (byte, error) {
	if len(frame) == 0 {
		return 0, fmt.Errorf("%w: empty cEMI frame", ErrInvalidFrame)
	}
	return frame[0], nil
}

// LData is the decoded view of a cEMI L_Data frame. The core only
// ever needs the address pair and the transport payload; everything
// else stays in the raw control bytes.
type LData struct {
	// Code is the message code (LDataReq, LDataInd or LDataCon).
	Code byte

	// Ctrl1 and Ctrl2 are the raw control fields.
	Ctrl1 byte
	Ctrl2 byte

	// Source is the sender's individual address.
	Source IndividualAddress

	// Destination is the raw 16-bit destination. Interpret with
	// IsGroupDest.
	Destination uint16

	// Data is the TPDU: TPCI/APCI plus payload, at least one byte.
	Data []byte
}

// IsGroupDest reports whether Destination is a group address.
func (l LData) IsGroupDest() bool { return l.Ctrl2&ctrl2GroupDest != 0 }

// IsExtended reports whether the frame uses the extended format.
func (l LData) IsExtended() bool { return l.Ctrl1&ctrl1StandardFrame == 0 }

// IsRepeated reports whether the frame is a link-layer repetition.
func (l LData) IsRepeated() bool { return l.Ctrl1&ctrl1Repeat == 0 }

// ConfirmError reports the error flag of an L_Data.con.
func (l LData) ConfirmError() bool { return l.Ctrl1&ctrl1ConfirmError != 0 }

// GroupDestination returns the destination as a group address.
func (l LData) GroupDestination() GroupAddress {
	return GroupAddressFromUint16(l.Destination)
}

// DecodeLData parses an opaque cEMI buffer into an LData view.
//
// Additional-information blocks are skipped; the Data slice aliases
// the input buffer.
func DecodeLData(frame []byte) (LData, error) {
	if len(frame) < minLDataSize {
		return LData{}, fmt.Errorf("%w: cEMI too short (%d bytes, need at least %d)", ErrInvalidFrame, len(frame), minLDataSize)
	}

	code := frame[0]
	switch code {
	case LDataReq, LDataInd, LDataCon:
	default:
		return LData{}, fmt.Errorf("%w: not an L_Data frame (message code 0x%02x)", ErrInvalidFrame, code)
	}

	addInfoLen := int(frame[1])
	base := 2 + addInfoLen
	if len(frame) < base+7 {
		return LData{}, fmt.Errorf("%w: cEMI additional info overruns frame", ErrInvalidFrame)
	}

	npduLen := int(frame[base+6])
	data := frame[base+7:]
	if len(data) != npduLen+1 {
		return LData{}, fmt.Errorf("%w: NPDU length mismatch (header %d, actual %d)", ErrInvalidFrame, npduLen+1, len(data))
	}

	return LData{
		Code:        code,
		Ctrl1:       frame[base],
		Ctrl2:       frame[base+1],
		Source:      IndividualAddressFromUint16(binary.BigEndian.Uint16(frame[base+2 : base+4])),
		Destination: binary.BigEndian.Uint16(frame[base+4 : base+6]),
		Data:        data,
	}, nil
}

// Encode serializes the LData view back into a cEMI buffer without
// additional information.
func (l LData) Encode() []byte {
	buf := make([]byte, minLDataSize+len(l.Data))
	buf[0] = l.Code
	buf[1] = 0x00 // no additional info
	buf[2] = l.Ctrl1
	buf[3] = l.Ctrl2
	binary.BigEndian.PutUint16(buf[4:6], l.Source.ToUint16())
	binary.BigEndian.PutUint16(buf[6:8], l.Destination)
	buf[8] = byte(len(l.Data) - 1)
	copy(buf[9:], l.Data)
	return buf
}

// NewGroupWrite builds a standard-frame L_Data.req that writes data
// to a group address. Small values (one byte ≤ 0x3F) are folded into
// the APCI byte.
func NewGroupWrite(dest GroupAddress, data []byte) LData {
	const apciGroupWrite = 0x80

	tpdu := groupTPDU(apciGroupWrite, data)
	return LData{
		Code:        LDataReq,
		Ctrl1:       ctrl1StandardFrame | ctrl1Repeat | ctrl1SystemBcast,
		Ctrl2:       ctrl2GroupDest | 0x60,
		Destination: dest.ToUint16(),
		Data:        tpdu,
	}
}

// NewGroupRead builds a standard-frame L_Data.req that reads a group
// address.
func NewGroupRead(dest GroupAddress) LData {
	return LData{
		Code:        LDataReq,
		Ctrl1:       ctrl1StandardFrame | ctrl1Repeat | ctrl1SystemBcast,
		Ctrl2:       ctrl2GroupDest | 0x60,
		Destination: dest.ToUint16(),
		Data:        []byte{0x00, 0x00},
	}
}

// groupTPDU assembles TPCI(0x00)+APCI with the short-form payload
// optimisation used on the bus.
func groupTPDU(apci byte, data []byte) []byte {
	if len(data) == 1 && data[0] <= 0x3F {
		return []byte{0x00, apci | (data[0] & 0x3F)}
	}
	tpdu := make([]byte, 2+len(data))
	tpdu[1] = apci
	copy(tpdu[2:], data)
	return tpdu
}

// ConMatches reports whether con is an L_Data.con for the request
// req: same destination, same address type. Sources are not compared
// because the interface rewrites the source on transmission.
func ConMatches(req, con []byte) bool {
	r, err := DecodeLData(req)
	if err != nil || r.Code != LDataReq {
		return false
	}
	c, err := DecodeLData(con)
	if err != nil || c.Code != LDataCon {
		return false
	}
	return r.Destination == c.Destination && r.IsGroupDest() == c.IsGroupDest()
}
