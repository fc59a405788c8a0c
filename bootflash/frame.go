package bootflash

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrPayloadTooLarge indicates a payload that cannot fit in MaxBodyLength
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrShortBody indicates a body too short to carry a message type
	ErrShortBody = errors.New("body too short")

	// ErrChecksumMismatch indicates the recomputed CRC16 differs from the transmitted one
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Message is the logical unit carried by a frame.
// Messages returned by this package own their payload and are never modified afterwards.
type Message struct {
	Type    uint16
	Payload []byte
}

func (m Message) String() string {
	return fmt.Sprintf("%s (%d bytes)", MessageTypeName(m.Type), len(m.Payload))
}

// Obfuscate XORs data in place with the repeating 16-byte table.
// The operation is its own inverse.
func Obfuscate(data []byte) {
	for i := range data {
		data[i] ^= obfuscationTable[i%len(obfuscationTable)]
	}
}

// EncodeFrame builds the wire frame for a message.
//
// Frame structure:
//
//	[AB CD][N(2)][obfuscated: TYPE(2) LEN(2) PAYLOAD... PAD? CRC(2)][DC BA]
//
// N counts TYPE through PAD; the payload is zero-padded so N is even.
func EncodeFrame(msgType uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes, maximum is %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	bodyLen := messageHeaderSize + len(payload)
	if bodyLen%2 != 0 {
		bodyLen++
	}

	frame := make([]byte, MinFrameSize+bodyLen)
	copy(frame[0:2], headerBytes)
	binary.LittleEndian.PutUint16(frame[2:4], uint16(bodyLen))

	body := frame[4 : 4+bodyLen]
	binary.LittleEndian.PutUint16(body[0:2], msgType)
	binary.LittleEndian.PutUint16(body[2:4], uint16(len(payload)))
	copy(body[messageHeaderSize:], payload)

	binary.LittleEndian.PutUint16(frame[4+bodyLen:], CRC16(body))
	Obfuscate(frame[4 : 4+bodyLen+checksumSize])

	copy(frame[len(frame)-2:], tailBytes)
	return frame, nil
}

// DecodeBody reverses the obfuscation of a frame body (checksum already
// stripped) and splits it into a message. obfuscated is not modified.
//
// The payload is bounded by the declared length, so a pad byte added by the
// encoder is not returned. A body of two or three bytes yields an empty payload.
func DecodeBody(obfuscated []byte) (Message, error) {
	body := make([]byte, len(obfuscated))
	copy(body, obfuscated)
	Obfuscate(body)
	return splitBody(body)
}

// splitBody decodes an already de-obfuscated body. The payload aliases body.
func splitBody(body []byte) (Message, error) {
	if len(body) < 2 {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrShortBody, len(body))
	}

	msg := Message{Type: binary.LittleEndian.Uint16(body[0:2])}
	if len(body) < messageHeaderSize {
		return msg, nil
	}

	declared := int(binary.LittleEndian.Uint16(body[2:4]))
	avail := body[messageHeaderSize:]
	if declared > len(avail) {
		declared = len(avail)
	}
	msg.Payload = avail[:declared:declared]
	return msg, nil
}

// decodeRegion de-obfuscates the region between length field and tail marker
// (body || checksum), verifies the checksum and decodes the message.
// The returned payload does not alias region.
func decodeRegion(region []byte) (Message, error) {
	if len(region) < messageHeaderSize {
		return Message{}, fmt.Errorf("%w: region of %d bytes", ErrShortBody, len(region))
	}

	plain := make([]byte, len(region))
	copy(plain, region)
	Obfuscate(plain)

	body := plain[:len(plain)-checksumSize]
	sent := binary.LittleEndian.Uint16(plain[len(plain)-checksumSize:])
	if calc := CRC16(body); calc != sent {
		return Message{}, fmt.Errorf("%w: got 0x%04X, expected 0x%04X", ErrChecksumMismatch, calc, sent)
	}

	return splitBody(body)
}
