package knxnet

import (
	"encoding/binary"

	"github.com/nerrad567/gray-logic-knx/knx"
)

// DIBType tags a Description Information Block.
type DIBType uint8

// Recognized DIB types.
const (
	DIBDeviceInfo           DIBType = 0x01
	DIBSuppSvcFamilies      DIBType = 0x02
	DIBIPConfig             DIBType = 0x03
	DIBIPCurrentConfig      DIBType = 0x04
	DIBKNXAddresses         DIBType = 0x05
	DIBSecureSvcFamilies    DIBType = 0x06
	DIBTunnelingInfo        DIBType = 0x07
	DIBAdditionalDeviceInfo DIBType = 0x08
	DIBMfrData              DIBType = 0xFE
)

// DIB is a type-tagged, variable-length descriptor. Every DIB
// serializes to {length, type, payload...} with length covering the
// whole block.
type DIB interface {
	// DIBType returns the type tag.
	DIBType() DIBType

	// Encode serializes the block including its length/type prefix.
	Encode() []byte
}

// KNXMedium codes used in the device-information DIB.
const (
	MediumTP1   uint8 = 0x02
	MediumPL110 uint8 = 0x04
	MediumRF    uint8 = 0x10
	MediumIP    uint8 = 0x20
)

// DeviceInfoDIB describes a device: medium, status, addresses and
// friendly name. Fixed 54 bytes on the wire.
type DeviceInfoDIB struct {
	Medium       uint8
	Status       uint8
	Source       knx.IndividualAddress
	ProjectID    uint16
	SerialNumber [6]byte
	Multicast    [4]byte
	MAC          [6]byte
	FriendlyName string
}

const deviceInfoSize = 54
const friendlyNameMaxLen = 30

// DIBType implements DIB.
func (DeviceInfoDIB) DIBType() DIBType { return DIBDeviceInfo }

// Encode implements DIB. Friendly names longer than 30 bytes are
// truncated.
func (d DeviceInfoDIB) Encode() []byte {
	buf := make([]byte, deviceInfoSize)
	buf[0] = deviceInfoSize
	buf[1] = byte(DIBDeviceInfo)
	buf[2] = d.Medium
	buf[3] = d.Status
	binary.BigEndian.PutUint16(buf[4:6], d.Source.ToUint16())
	binary.BigEndian.PutUint16(buf[6:8], d.ProjectID)
	copy(buf[8:14], d.SerialNumber[:])
	copy(buf[14:18], d.Multicast[:])
	copy(buf[18:24], d.MAC[:])
	copy(buf[24:], d.FriendlyName)
	return buf
}

func decodeDeviceInfo(data []byte) (DeviceInfoDIB, error) {
	if len(data) != deviceInfoSize {
		return DeviceInfoDIB{}, errMalformed("device info DIB", "length", "structure length %d, expected %d", len(data), deviceInfoSize)
	}

	d := DeviceInfoDIB{
		Medium:    data[2],
		Status:    data[3],
		Source:    knx.IndividualAddressFromUint16(binary.BigEndian.Uint16(data[4:6])),
		ProjectID: binary.BigEndian.Uint16(data[6:8]),
	}
	copy(d.SerialNumber[:], data[8:14])
	copy(d.Multicast[:], data[14:18])
	copy(d.MAC[:], data[18:24])

	name := data[24:]
	for i, b := range name {
		if b == 0 {
			name = name[:i]
			break
		}
	}
	d.FriendlyName = string(name)
	return d, nil
}

// ServiceFamily is one supported service family with its version.
type ServiceFamily struct {
	Family  uint8
	Version uint8
}

// Service family identifiers.
const (
	FamilyCore             uint8 = 0x02
	FamilyDeviceManagement uint8 = 0x03
	FamilyTunneling        uint8 = 0x04
	FamilyRouting          uint8 = 0x05
	FamilyRemoteLogging    uint8 = 0x06
	FamilyRemoteConfig     uint8 = 0x07
	FamilyObjectServer     uint8 = 0x08
	FamilySecurity         uint8 = 0x09
)

// SuppSvcFamiliesDIB lists the service families a device supports.
type SuppSvcFamiliesDIB struct {
	Families []ServiceFamily
}

// DIBType implements DIB.
func (SuppSvcFamiliesDIB) DIBType() DIBType { return DIBSuppSvcFamilies }

// Encode implements DIB.
func (d SuppSvcFamiliesDIB) Encode() []byte {
	return encodeFamilies(DIBSuppSvcFamilies, d.Families)
}

// SecureSvcFamiliesDIB lists service families protected by KNX
// Secure. Same layout as SuppSvcFamiliesDIB, different type tag.
type SecureSvcFamiliesDIB struct {
	Families []ServiceFamily
}

// DIBType implements DIB.
func (SecureSvcFamiliesDIB) DIBType() DIBType { return DIBSecureSvcFamilies }

// Encode implements DIB.
func (d SecureSvcFamiliesDIB) Encode() []byte {
	return encodeFamilies(DIBSecureSvcFamilies, d.Families)
}

func encodeFamilies(t DIBType, families []ServiceFamily) []byte {
	buf := make([]byte, 2+2*len(families))
	buf[0] = byte(len(buf))
	buf[1] = byte(t)
	for i, f := range families {
		buf[2+2*i] = f.Family
		buf[3+2*i] = f.Version
	}
	return buf
}

func decodeFamilies(structName string, data []byte) ([]ServiceFamily, error) {
	if (len(data)-2)%2 != 0 {
		return nil, errMalformed(structName, "length", "family list length %d is odd", len(data)-2)
	}
	var families []ServiceFamily
	for i := 2; i < len(data); i += 2 {
		families = append(families, ServiceFamily{Family: data[i], Version: data[i+1]})
	}
	return families, nil
}

// IPConfigDIB carries the configured IP parameters of a device.
type IPConfigDIB struct {
	IP           [4]byte
	Mask         [4]byte
	Gateway      [4]byte
	Capabilities uint8
	Assignment   uint8
}

const ipConfigSize = 16

// DIBType implements DIB.
func (IPConfigDIB) DIBType() DIBType { return DIBIPConfig }

// Encode implements DIB.
func (d IPConfigDIB) Encode() []byte {
	buf := make([]byte, ipConfigSize)
	buf[0] = ipConfigSize
	buf[1] = byte(DIBIPConfig)
	copy(buf[2:6], d.IP[:])
	copy(buf[6:10], d.Mask[:])
	copy(buf[10:14], d.Gateway[:])
	buf[14] = d.Capabilities
	buf[15] = d.Assignment
	return buf
}

func decodeIPConfig(data []byte) (IPConfigDIB, error) {
	if len(data) != ipConfigSize {
		return IPConfigDIB{}, errMalformed("IP config DIB", "length", "structure length %d, expected %d", len(data), ipConfigSize)
	}
	d := IPConfigDIB{Capabilities: data[14], Assignment: data[15]}
	copy(d.IP[:], data[2:6])
	copy(d.Mask[:], data[6:10])
	copy(d.Gateway[:], data[10:14])
	return d, nil
}

// IPCurrentConfigDIB carries the currently active IP parameters.
type IPCurrentConfigDIB struct {
	IP         [4]byte
	Mask       [4]byte
	Gateway    [4]byte
	DHCPServer [4]byte
	Assignment uint8
}

const ipCurrentConfigSize = 20

// DIBType implements DIB.
func (IPCurrentConfigDIB) DIBType() DIBType { return DIBIPCurrentConfig }

// Encode implements DIB.
func (d IPCurrentConfigDIB) Encode() []byte {
	buf := make([]byte, ipCurrentConfigSize)
	buf[0] = ipCurrentConfigSize
	buf[1] = byte(DIBIPCurrentConfig)
	copy(buf[2:6], d.IP[:])
	copy(buf[6:10], d.Mask[:])
	copy(buf[10:14], d.Gateway[:])
	copy(buf[14:18], d.DHCPServer[:])
	buf[18] = d.Assignment
	return buf
}

func decodeIPCurrentConfig(data []byte) (IPCurrentConfigDIB, error) {
	if len(data) != ipCurrentConfigSize {
		return IPCurrentConfigDIB{}, errMalformed("IP current config DIB", "length", "structure length %d, expected %d", len(data), ipCurrentConfigSize)
	}
	d := IPCurrentConfigDIB{Assignment: data[18]}
	copy(d.IP[:], data[2:6])
	copy(d.Mask[:], data[6:10])
	copy(d.Gateway[:], data[10:14])
	copy(d.DHCPServer[:], data[14:18])
	return d, nil
}

// KNXAddressesDIB lists the individual addresses assigned to a
// device.
type KNXAddressesDIB struct {
	Addresses []knx.IndividualAddress
}

// DIBType implements DIB.
func (KNXAddressesDIB) DIBType() DIBType { return DIBKNXAddresses }

// Encode implements DIB.
func (d KNXAddressesDIB) Encode() []byte {
	buf := make([]byte, 2+2*len(d.Addresses))
	buf[0] = byte(len(buf))
	buf[1] = byte(DIBKNXAddresses)
	for i, a := range d.Addresses {
		binary.BigEndian.PutUint16(buf[2+2*i:], a.ToUint16())
	}
	return buf
}

func decodeKNXAddresses(data []byte) (KNXAddressesDIB, error) {
	if (len(data)-2)%2 != 0 {
		return KNXAddressesDIB{}, errMalformed("KNX addresses DIB", "length", "address list length %d is odd", len(data)-2)
	}
	var d KNXAddressesDIB
	for i := 2; i < len(data); i += 2 {
		d.Addresses = append(d.Addresses, knx.IndividualAddressFromUint16(binary.BigEndian.Uint16(data[i:])))
	}
	return d, nil
}

// MfrDataDIB carries manufacturer-specific data.
type MfrDataDIB struct {
	ID   uint16
	Data []byte
}

// DIBType implements DIB.
func (MfrDataDIB) DIBType() DIBType { return DIBMfrData }

// Encode implements DIB.
func (d MfrDataDIB) Encode() []byte {
	buf := make([]byte, 4+len(d.Data))
	buf[0] = byte(len(buf))
	buf[1] = byte(DIBMfrData)
	binary.BigEndian.PutUint16(buf[2:4], d.ID)
	copy(buf[4:], d.Data)
	return buf
}

func decodeMfrData(data []byte) (MfrDataDIB, error) {
	if len(data) < 4 {
		return MfrDataDIB{}, errMalformed("manufacturer DIB", "length", "structure length %d, need at least 4", len(data))
	}
	d := MfrDataDIB{ID: binary.BigEndian.Uint16(data[2:4])}
	if len(data) > 4 {
		d.Data = append([]byte(nil), data[4:]...)
	}
	return d, nil
}

// TunnelingSlot is one tunneling address with its status bits.
type TunnelingSlot struct {
	Addr   knx.IndividualAddress
	Status uint16
}

// TunnelingInfoDIB describes the tunneling capabilities of an
// interface. Legal in parsed responses only; a locally constructed
// description must not include it.
type TunnelingInfoDIB struct {
	MaxAPDU uint16
	Slots   []TunnelingSlot
}

// DIBType implements DIB.
func (TunnelingInfoDIB) DIBType() DIBType { return DIBTunnelingInfo }

// Encode implements DIB.
func (d TunnelingInfoDIB) Encode() []byte {
	buf := make([]byte, 4+4*len(d.Slots))
	buf[0] = byte(len(buf))
	buf[1] = byte(DIBTunnelingInfo)
	binary.BigEndian.PutUint16(buf[2:4], d.MaxAPDU)
	for i, s := range d.Slots {
		binary.BigEndian.PutUint16(buf[4+4*i:], s.Addr.ToUint16())
		binary.BigEndian.PutUint16(buf[6+4*i:], s.Status)
	}
	return buf
}

func decodeTunnelingInfo(data []byte) (TunnelingInfoDIB, error) {
	if len(data) < 4 || (len(data)-4)%4 != 0 {
		return TunnelingInfoDIB{}, errMalformed("tunneling info DIB", "length", "structure length %d is not 4+4n", len(data))
	}
	d := TunnelingInfoDIB{MaxAPDU: binary.BigEndian.Uint16(data[2:4])}
	for i := 4; i < len(data); i += 4 {
		d.Slots = append(d.Slots, TunnelingSlot{
			Addr:   knx.IndividualAddressFromUint16(binary.BigEndian.Uint16(data[i:])),
			Status: binary.BigEndian.Uint16(data[i+2:]),
		})
	}
	return d, nil
}

// AdditionalDeviceInfoDIB carries the medium status and descriptor
// of a device. Fixed 8 bytes. Legal in parsed responses only.
type AdditionalDeviceInfoDIB struct {
	MediumStatus uint8
	MaxAPDU      uint16
	Descriptor   uint16
}

const additionalDeviceInfoSize = 8

// DIBType implements DIB.
func (AdditionalDeviceInfoDIB) DIBType() DIBType { return DIBAdditionalDeviceInfo }

// Encode implements DIB.
func (d AdditionalDeviceInfoDIB) Encode() []byte {
	buf := make([]byte, additionalDeviceInfoSize)
	buf[0] = additionalDeviceInfoSize
	buf[1] = byte(DIBAdditionalDeviceInfo)
	buf[2] = d.MediumStatus
	binary.BigEndian.PutUint16(buf[4:6], d.MaxAPDU)
	binary.BigEndian.PutUint16(buf[6:8], d.Descriptor)
	return buf
}

func decodeAdditionalDeviceInfo(data []byte) (AdditionalDeviceInfoDIB, error) {
	if len(data) != additionalDeviceInfoSize {
		return AdditionalDeviceInfoDIB{}, errMalformed("additional device info DIB", "length", "structure length %d, expected %d", len(data), additionalDeviceInfoSize)
	}
	return AdditionalDeviceInfoDIB{
		MediumStatus: data[2],
		MaxAPDU:      binary.BigEndian.Uint16(data[4:6]),
		Descriptor:   binary.BigEndian.Uint16(data[6:8]),
	}, nil
}

// UnknownDIB preserves a block whose type is not recognized.
// Containers skip these instead of failing; callers may log them.
type UnknownDIB struct {
	Type DIBType
	Data []byte
}

// DIBType implements DIB.
func (u UnknownDIB) DIBType() DIBType { return u.Type }

// Encode implements DIB.
func (u UnknownDIB) Encode() []byte {
	buf := make([]byte, 2+len(u.Data))
	buf[0] = byte(len(buf))
	buf[1] = byte(u.Type)
	copy(buf[2:], u.Data)
	return buf
}

// DecodeDIB parses a single DIB and returns the bytes consumed.
// Unrecognized types come back as UnknownDIB.
func DecodeDIB(data []byte) (DIB, int, error) {
	if len(data) < 2 {
		return nil, 0, errMalformed("DIB", "", "need at least 2 bytes, have %d", len(data))
	}

	length := int(data[0])
	if length < 2 {
		return nil, 0, errMalformed("DIB", "length", "structure length %d is below the minimum of 2", length)
	}
	if length > len(data) {
		return nil, 0, errMalformed("DIB", "length", "structure length %d overruns the %d remaining bytes", length, len(data))
	}

	block := data[:length]
	var (
		dib DIB
		err error
	)
	switch DIBType(data[1]) {
	case DIBDeviceInfo:
		dib, err = decodeDeviceInfo(block)
	case DIBSuppSvcFamilies:
		var families []ServiceFamily
		families, err = decodeFamilies("supported service families DIB", block)
		dib = SuppSvcFamiliesDIB{Families: families}
	case DIBSecureSvcFamilies:
		var families []ServiceFamily
		families, err = decodeFamilies("secure service families DIB", block)
		dib = SecureSvcFamiliesDIB{Families: families}
	case DIBIPConfig:
		dib, err = decodeIPConfig(block)
	case DIBIPCurrentConfig:
		dib, err = decodeIPCurrentConfig(block)
	case DIBKNXAddresses:
		dib, err = decodeKNXAddresses(block)
	case DIBMfrData:
		dib, err = decodeMfrData(block)
	case DIBTunnelingInfo:
		dib, err = decodeTunnelingInfo(block)
	case DIBAdditionalDeviceInfo:
		dib, err = decodeAdditionalDeviceInfo(block)
	default:
		dib = UnknownDIB{Type: DIBType(data[1]), Data: append([]byte(nil), block[2:]...)}
	}
	if err != nil {
		return nil, 0, err
	}
	return dib, length, nil
}

// DescriptionBlock is the DIB container carried by description and
// search responses.
type DescriptionBlock struct {
	// DIBs holds the recognized blocks in wire order, at most one
	// per type.
	DIBs []DIB

	// Unknown holds skipped blocks of unrecognized type. They are
	// preserved for re-serialization but carry no semantics here.
	Unknown []UnknownDIB
}

// Find returns the DIB with the given type, or nil.
func (b DescriptionBlock) Find(t DIBType) DIB {
	for _, d := range b.DIBs {
		if d.DIBType() == t {
			return d
		}
	}
	return nil
}

// DecodeDescriptionBlock parses a DIB container. Duplicate DIB types
// fail; unknown types are collected and skipped.
func DecodeDescriptionBlock(data []byte) (DescriptionBlock, error) {
	var b DescriptionBlock
	seen := make(map[DIBType]bool)

	for off := 0; off < len(data); {
		dib, n, err := DecodeDIB(data[off:])
		if err != nil {
			return DescriptionBlock{}, err
		}
		off += n

		if u, ok := dib.(UnknownDIB); ok {
			b.Unknown = append(b.Unknown, u)
			continue
		}
		if seen[dib.DIBType()] {
			return DescriptionBlock{}, errMalformed("description response", "DIB", "duplicate DIB type 0x%02x", uint8(dib.DIBType()))
		}
		seen[dib.DIBType()] = true
		b.DIBs = append(b.DIBs, dib)
	}
	return b, nil
}

// Encode serializes the recognized blocks followed by the preserved
// unknown ones.
func (b DescriptionBlock) Encode() []byte {
	var buf []byte
	for _, d := range b.DIBs {
		buf = append(buf, d.Encode()...)
	}
	for _, u := range b.Unknown {
		buf = append(buf, u.Encode()...)
	}
	return buf
}

// validateConstructed enforces the construction rule for outgoing
// description responses: tunneling-info and additional-device-info
// blocks may only appear in parsed frames.
func (b DescriptionBlock) validateConstructed() error {
	for _, d := range b.DIBs {
		switch d.DIBType() {
		case DIBTunnelingInfo, DIBAdditionalDeviceInfo:
			return errMalformed("description response", "DIB", "DIB type 0x%02x is not allowed in constructed responses", uint8(d.DIBType()))
		}
	}
	return nil
}
