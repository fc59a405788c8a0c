// Package bootflash implements the host side of a framed serial bootloader protocol.
//
// A transfer has two phases. The handshake waits for the bootloader to announce
// itself at a steady rate, captures its identifier and version, and answers with
// a version acknowledgement. The transfer phase then writes the firmware image
// page by page, waiting for a matching acknowledgement after every page and
// resending the identical record on timeout, before finally rebooting the device.
//
// Every message travels in a frame:
//
//	offset  size  field
//	0       2     header marker (0xAB 0xCD on the wire)
//	2       2     body length N (little-endian)
//	4       N+2   obfuscated body || CRC16
//	4+N+2   2     tail marker (0xDC 0xBA on the wire)
//
// where body = type(2) || payload length(2) || payload || optional zero pad.
//
// The package does not open or configure ports itself beyond the serial and SSH
// adapters it ships; any Channel with a non-blocking Read can be flashed.
package bootflash

import "fmt"

// Frame markers, stored as the little-endian constants the wire carries.
const (
	// HeaderMarker starts every frame (bytes 0xAB 0xCD on the wire)
	HeaderMarker uint16 = 0xCDAB

	// TailMarker ends every frame (bytes 0xDC 0xBA on the wire)
	TailMarker uint16 = 0xBADC
)

// Frame size limits.
const (
	// MaxBodyLength is the largest body length a frame may declare
	MaxBodyLength = 1024

	// MinFrameSize is the size of a frame with an empty body:
	// header(2) + length(2) + checksum(2) + tail(2)
	MinFrameSize = 8

	// MaxPayloadSize is the largest payload that fits in MaxBodyLength
	MaxPayloadSize = MaxBodyLength - messageHeaderSize

	// messageHeaderSize is type(2) + declared length(2)
	messageHeaderSize = 4

	// checksumSize is the trailing CRC16 inside the obfuscated region
	checksumSize = 2
)

// Message types understood by the engine. Anything else is passed through as opaque.
const (
	// MsgDeviceInfo is the bootloader's periodic presence announcement
	MsgDeviceInfo uint16 = 0x0518

	// MsgBootloaderVersion acknowledges an announcement with the version prefix
	MsgBootloaderVersion uint16 = 0x0530

	// MsgProgramPage carries one firmware page record
	MsgProgramPage uint16 = 0x0519

	// MsgProgramPageResponse acknowledges a page record
	MsgProgramPageResponse uint16 = 0x051A

	// MsgReboot asks the bootloader to start the new image
	MsgReboot uint16 = 0x05DD
)

// Serial defaults used by the bootloader.
const (
	// DefaultBaudRate is the bootloader's fixed line speed
	DefaultBaudRate = 38400

	// USBVendorID and USBProductID identify the bootloader's USB serial bridge
	USBVendorID  = "36b7"
	USBProductID = "0001"
)

// obfuscationTable is XOR-ed over the body and checksum of every frame.
// It keeps payload bytes from looking like frame markers; it is not a secret.
var obfuscationTable = [16]byte{
	0x16, 0x6c, 0x14, 0xe6, 0x2e, 0x91, 0x0d, 0x40,
	0x21, 0x35, 0xd5, 0x40, 0x13, 0x03, 0xe9, 0x80,
}

// wire forms of the markers
var (
	headerBytes = []byte{0xAB, 0xCD}
	tailBytes   = []byte{0xDC, 0xBA}
)

var messageTypeNames = map[uint16]string{
	MsgDeviceInfo:          "DEVICE_INFO",
	MsgBootloaderVersion:   "BL_VERSION",
	MsgProgramPage:         "PROGRAM_PAGE",
	MsgProgramPageResponse: "PROGRAM_PAGE_RESP",
	MsgReboot:              "REBOOT",
}

// MessageTypeName returns the human-readable name for a message type.
// Unknown types are rendered as their hex value.
func MessageTypeName(msgType uint16) string {
	if name, ok := messageTypeNames[msgType]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%04X)", msgType)
}
