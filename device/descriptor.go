package device

import (
	"encoding/binary"

	"github.com/ardnew/softdfu/pkg"
)

// USB descriptor types used by this bootloader.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
	DescriptorTypeDFUFunctional = 0x21
)

// MSFTVendorCode is the vendor request code carried in the Microsoft
// OS string descriptor; the host echoes it as bRequest when querying
// the WCID descriptor.
const MSFTVendorCode = 0x20

// MSFTWCIDIndex is the only wIndex value accepted for WCID queries.
const MSFTWCIDIndex = 0x0004

// Entry is one descriptor table record: the GET_DESCRIPTOR wValue
// selector (type in the high byte, index in the low byte), the
// descriptor bytes, and the length reported to the host.
type Entry struct {
	Selector uint16
	Data     []byte
	Length   uint16
}

// Table is the ordered descriptor list consulted for GET_DESCRIPTOR,
// plus the WCID blob returned for the Microsoft OS vendor request.
type Table struct {
	entries []Entry

	// WCID is the Microsoft compatible-ID descriptor, or nil if the
	// vendor request should be refused.
	WCID []byte
}

// Add appends a descriptor with its reported length fixed to the data
// length.
func (t *Table) Add(selector uint16, data []byte) {
	t.entries = append(t.entries, Entry{Selector: selector, Data: data, Length: uint16(len(data))})
}

// AddString appends a pre-encoded string descriptor at the given
// index. String entries report data[0] as their length, allowing
// runtime-configured strings.
func (t *Table) AddString(index uint8, data []byte) {
	sel := uint16(DescriptorTypeString)<<8 | uint16(index)
	t.entries = append(t.entries, Entry{Selector: sel, Data: data, Length: uint16(len(data))})
}

// Lookup scans the table in order for the given selector and returns
// the descriptor bytes clipped to the reported length. String
// descriptors (selector 0x03xx) take their length from data[0].
func (t *Table) Lookup(selector uint16) ([]byte, error) {
	for i := range t.entries {
		e := &t.entries[i]
		if e.Selector != selector {
			continue
		}
		length := int(e.Length)
		if selector>>8 == DescriptorTypeString && len(e.Data) > 0 {
			length = int(e.Data[0])
		}
		if length > len(e.Data) {
			length = len(e.Data)
		}
		return e.Data[:length], nil
	}
	return nil, pkg.ErrNoDescriptor
}

// Len returns the number of table entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// DeviceDescriptor represents a USB device descriptor (18 bytes).
type DeviceDescriptor struct {
	USBVersion        uint16 // USB specification version (BCD)
	DeviceClass       uint8  // Class code
	DeviceSubClass    uint8  // Subclass code
	DeviceProtocol    uint8  // Protocol code
	MaxPacketSize0    uint8  // Max packet size for EP0
	VendorID          uint16 // Vendor ID
	ProductID         uint16 // Product ID
	DeviceVersion     uint16 // Device release number (BCD)
	ManufacturerIndex uint8  // Index of manufacturer string
	ProductIndex      uint8  // Index of product string
	SerialNumberIndex uint8  // Index of serial number string
	NumConfigurations uint8  // Number of configurations
}

// DeviceDescriptorSize is the size of a device descriptor in bytes.
const DeviceDescriptorSize = 18

// MarshalTo serializes the device descriptor to buf.
// Returns the number of bytes written (always 18 if buf is large enough).
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	buf[0] = DeviceDescriptorSize
	buf[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], d.DeviceVersion)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = d.NumConfigurations
	return DeviceDescriptorSize
}

// DFUFunctionalDescriptor represents a DFU functional descriptor
// (DFU 1.1 Spec 4.1.3, 9 bytes).
type DFUFunctionalDescriptor struct {
	Attributes    uint8  // bmAttributes: download/upload/manifestation bits
	DetachTimeout uint16 // wDetachTimeOut in milliseconds
	TransferSize  uint16 // wTransferSize: largest block the device accepts
	DFUVersion    uint16 // bcdDFUVersion
}

// DFU functional descriptor attribute bits.
const (
	DFUAttrCanDnload             = 0x01
	DFUAttrCanUpload             = 0x02
	DFUAttrManifestationTolerant = 0x04
	DFUAttrWillDetach            = 0x08
)

// DFUFunctionalDescriptorSize is the size of a DFU functional
// descriptor in bytes.
const DFUFunctionalDescriptorSize = 9

// MarshalTo serializes the DFU functional descriptor to buf.
// Returns the number of bytes written (always 9 if buf is large enough).
func (d *DFUFunctionalDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DFUFunctionalDescriptorSize {
		return 0
	}
	buf[0] = DFUFunctionalDescriptorSize
	buf[1] = DescriptorTypeDFUFunctional
	buf[2] = d.Attributes
	binary.LittleEndian.PutUint16(buf[3:5], d.DetachTimeout)
	binary.LittleEndian.PutUint16(buf[5:7], d.TransferSize)
	binary.LittleEndian.PutUint16(buf[7:9], d.DFUVersion)
	return DFUFunctionalDescriptorSize
}

// StringDescriptorTo writes a USB string descriptor to buf.
// Returns the number of bytes written. The descriptor encodes the string
// as UTF-16LE. If buf is too small, returns 0.
func StringDescriptorTo(buf []byte, s string) int {
	runes := []rune(s)
	length := 2 + len(runes)*2
	if length > 255 {
		length = 255
		runes = runes[:(length-2)/2]
	}
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, r := range runes {
		binary.LittleEndian.PutUint16(buf[2+i*2:], uint16(r))
	}
	return length
}

// LanguageDescriptorTo writes the language ID string descriptor to buf.
// Returns the number of bytes written. If buf is too small, returns 0.
func LanguageDescriptorTo(buf []byte, langIDs ...uint16) int {
	length := 2 + len(langIDs)*2
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, id := range langIDs {
		binary.LittleEndian.PutUint16(buf[2+i*2:], id)
	}
	return length
}

// LangIDUSEnglish is the language ID for US English.
const LangIDUSEnglish = 0x0409

// MicrosoftWCIDDescriptor returns the extended compat ID OS feature
// descriptor announcing a WinUSB-compatible function on the given
// interface. Windows hosts query it with [MSFTVendorCode] and
// wIndex = [MSFTWCIDIndex].
func MicrosoftWCIDDescriptor(firstInterface uint8) []byte {
	const length = 40
	buf := make([]byte, length)
	binary.LittleEndian.PutUint32(buf[0:4], length)
	binary.LittleEndian.PutUint16(buf[4:6], 0x0100) // bcdVersion
	binary.LittleEndian.PutUint16(buf[6:8], MSFTWCIDIndex)
	buf[8] = 1 // bCount: one function section
	// buf[9:16] reserved
	buf[16] = firstInterface
	buf[17] = 1 // reserved, must be 1
	copy(buf[18:26], "WINUSB")
	// sub-compatible ID and trailing reserved bytes stay zero
	return buf
}
