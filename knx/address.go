package knx

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// GroupAddress represents a KNX group address in 3-level format.
//
// Format: Main/Middle/Sub
//   - Main:   0-31 (5 bits)
//   - Middle: 0-7  (3 bits)
//   - Sub:    0-255 (8 bits)
//
// Total: 16 bits. The all-zero address 0/0/0 is the broadcast group.
type GroupAddress struct {
	Main   uint8
	Middle uint8
	Sub    uint8
}

// Group address limits per KNX specification.
const (
	maxMain   = 31
	maxMiddle = 7
	maxSub    = 255

	// gaLevelCount is the number of levels in a 3-level group address.
	gaLevelCount = 3

	// Bit masks for extracting group address parts from uint16.
	gaMainMask   = 0x1F // 5 bits
	gaMiddleMask = 0x07 // 3 bits
	gaSubMask    = 0xFF // 8 bits
)

// ParseGroupAddress parses a 3-level group address string such as
// "1/2/3".
//
// Returns ErrInvalidGroupAddress if any level is out of range or the
// string is not in main/middle/sub form.
func ParseGroupAddress(s string) (GroupAddress, error) {
	parts := strings.Split(s, "/")
	if len(parts) != gaLevelCount {
		return GroupAddress{}, fmt.Errorf("%w: expected 3-level format (main/middle/sub), got %q", ErrInvalidGroupAddress, s)
	}

	main, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil || main > maxMain {
		return GroupAddress{}, fmt.Errorf("%w: main group must be 0-%d, got %q", ErrInvalidGroupAddress, maxMain, parts[0])
	}

	middle, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil || middle > maxMiddle {
		return GroupAddress{}, fmt.Errorf("%w: middle group must be 0-%d, got %q", ErrInvalidGroupAddress, maxMiddle, parts[1])
	}

	sub, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil || sub > maxSub {
		return GroupAddress{}, fmt.Errorf("%w: sub group must be 0-%d, got %q", ErrInvalidGroupAddress, maxSub, parts[2])
	}

	return GroupAddress{
		Main:   uint8(main),
		Middle: uint8(middle),
		Sub:    uint8(sub),
	}, nil
}

// String returns the group address in 3-level format, e.g. "1/2/3".
func (ga GroupAddress) String() string {
	return fmt.Sprintf("%d/%d/%d", ga.Main, ga.Middle, ga.Sub)
}

// ToUint16 converts the group address to its raw 16-bit value.
//
// Layout: MMMMM MMM SSSSSSSS (main 5, middle 3, sub 8).
func (ga GroupAddress) ToUint16() uint16 {
	return uint16(ga.Main)<<11 | uint16(ga.Middle)<<8 | uint16(ga.Sub)
}

// GroupAddressFromUint16 creates a GroupAddress from a raw 16-bit
// value. The raw value round-trips through ToUint16 unchanged.
func GroupAddressFromUint16(value uint16) GroupAddress {
	// Bit masks ensure values fit in uint8 (no overflow possible).
	return GroupAddress{
		Main:   uint8((value >> 11) & gaMainMask),
		Middle: uint8((value >> 8) & gaMiddleMask),
		Sub:    uint8(value & gaSubMask),
	}
}

// IsBroadcast returns true for the broadcast group 0/0/0.
func (ga GroupAddress) IsBroadcast() bool {
	return ga.Main == 0 && ga.Middle == 0 && ga.Sub == 0
}

// IsValid returns true if the group address values are within valid
// ranges.
func (ga GroupAddress) IsValid() bool {
	return ga.Main <= maxMain && ga.Middle <= maxMiddle && ga.Sub <= maxSub
}

// URLEncode returns the group address as a URL-encoded string.
//
// This is used in MQTT topics where "/" is a level separator.
//
// Example: "1/2/3" → "1%2F2%2F3"
func (ga GroupAddress) URLEncode() string {
	return url.PathEscape(ga.String())
}

// ParseGroupAddressFromURL parses a URL-encoded group address such as
// "1%2F2%2F3".
func ParseGroupAddressFromURL(encoded string) (GroupAddress, error) {
	decoded, err := url.PathUnescape(encoded)
	if err != nil {
		return GroupAddress{}, fmt.Errorf("%w: URL decode failed: %w", ErrInvalidGroupAddress, err)
	}
	return ParseGroupAddress(decoded)
}

// IndividualAddress represents a KNX individual (physical) address.
//
// Format: Area.Line.Device
//   - Area:   0-15 (4 bits)
//   - Line:   0-15 (4 bits)
//   - Device: 0-255 (8 bits)
type IndividualAddress struct {
	Area   uint8
	Line   uint8
	Device uint8
}

// Individual address limits per KNX specification.
const (
	maxArea = 15
	maxLine = 15

	iaLevelCount = 3
)

// ParseIndividualAddress parses an individual address string such as
// "1.1.5".
func ParseIndividualAddress(s string) (IndividualAddress, error) {
	parts := strings.Split(s, ".")
	if len(parts) != iaLevelCount {
		return IndividualAddress{}, fmt.Errorf("%w: expected area.line.device, got %q", ErrInvalidIndividualAddress, s)
	}

	area, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil || area > maxArea {
		return IndividualAddress{}, fmt.Errorf("%w: area must be 0-%d, got %q", ErrInvalidIndividualAddress, maxArea, parts[0])
	}

	line, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil || line > maxLine {
		return IndividualAddress{}, fmt.Errorf("%w: line must be 0-%d, got %q", ErrInvalidIndividualAddress, maxLine, parts[1])
	}

	device, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return IndividualAddress{}, fmt.Errorf("%w: device must be 0-255, got %q", ErrInvalidIndividualAddress, parts[2])
	}

	return IndividualAddress{
		Area:   uint8(area),
		Line:   uint8(line),
		Device: uint8(device),
	}, nil
}

// String returns the individual address in dotted format, e.g. "1.1.5".
func (ia IndividualAddress) String() string {
	return fmt.Sprintf("%d.%d.%d", ia.Area, ia.Line, ia.Device)
}

// ToUint16 converts the individual address to its raw 16-bit value.
//
// Layout: AAAA LLLL DDDDDDDD (area 4, line 4, device 8).
func (ia IndividualAddress) ToUint16() uint16 {
	return uint16(ia.Area)<<12 | uint16(ia.Line)<<8 | uint16(ia.Device)
}

// IndividualAddressFromUint16 creates an IndividualAddress from a raw
// 16-bit value. The raw value round-trips through ToUint16 unchanged.
func IndividualAddressFromUint16(value uint16) IndividualAddress {
	return IndividualAddress{
		Area:   uint8((value >> 12) & 0x0F),
		Line:   uint8((value >> 8) & 0x0F),
		Device: uint8(value & 0xFF),
	}
}

// IsUnregistered returns true for the unassigned address 0.0.0.
func (ia IndividualAddress) IsUnregistered() bool {
	return ia.Area == 0 && ia.Line == 0 && ia.Device == 0
}
