package bootflash

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCRC16(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{
			name:     "empty data",
			data:     []byte{},
			expected: 0x0000,
		},
		{
			name:     "check string",
			data:     []byte("123456789"),
			expected: 0x31C3,
		},
		{
			name:     "single zero",
			data:     []byte{0x00},
			expected: 0x0000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CRC16(tt.data)
			if result != tt.expected {
				t.Errorf("CRC16() = 0x%04X, want 0x%04X", result, tt.expected)
			}
		})
	}
}

func TestCRC16MatchesBitwise(t *testing.T) {
	bitwise := func(data []byte) uint16 {
		var crc uint16
		for _, b := range data {
			crc ^= uint16(b) << 8
			for i := 0; i < 8; i++ {
				if crc&0x8000 != 0 {
					crc = crc<<1 ^ CRC16Polynomial
				} else {
					crc <<= 1
				}
			}
		}
		return crc
	}

	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	for n := 0; n <= len(data); n += 31 {
		if got, want := CRC16(data[:n]), bitwise(data[:n]); got != want {
			t.Fatalf("CRC16(%d bytes) = 0x%04X, bitwise = 0x%04X", n, got, want)
		}
	}
}

func TestObfuscateIsInvolution(t *testing.T) {
	orig := make([]byte, 70)
	for i := range orig {
		orig[i] = byte(i)
	}
	data := append([]byte(nil), orig...)

	Obfuscate(data)
	if bytes.Equal(data, orig) {
		t.Fatal("Obfuscate() left data unchanged")
	}
	if data[16] != orig[16]^0x16 || data[17] != orig[17]^0x6c {
		t.Errorf("table does not restart at index 16: got % X", data[16:18])
	}

	Obfuscate(data)
	if !bytes.Equal(data, orig) {
		t.Errorf("Obfuscate() twice = % X, want % X", data, orig)
	}
}

func TestEncodeFrameKnownVectors(t *testing.T) {
	tests := []struct {
		name     string
		msgType  uint16
		payload  []byte
		expected []byte
	}{
		{
			name:     "reboot without payload",
			msgType:  MsgReboot,
			expected: []byte{0xAB, 0xCD, 0x04, 0x00, 0xCB, 0x69, 0x14, 0xE6, 0x5B, 0xEB, 0xDC, 0xBA},
		},
		{
			name:     "version ack",
			msgType:  MsgBootloaderVersion,
			payload:  []byte("SIM-"),
			expected: []byte{0xAB, 0xCD, 0x08, 0x00, 0x26, 0x69, 0x10, 0xE6, 0x7D, 0xD8, 0x40, 0x6D, 0x7F, 0xEF, 0xDC, 0xBA},
		},
		{
			name:     "odd payload is padded",
			msgType:  MsgBootloaderVersion,
			payload:  []byte("abc"),
			expected: []byte{0xAB, 0xCD, 0x08, 0x00, 0x26, 0x69, 0x17, 0xE6, 0x4F, 0xF3, 0x6E, 0x40, 0xAE, 0x40, 0xDC, 0xBA},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeFrame(tt.msgType, tt.payload)
			if err != nil {
				t.Fatalf("EncodeFrame() error = %v", err)
			}
			if diff := cmp.Diff(tt.expected, frame); diff != "" {
				t.Errorf("EncodeFrame() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeFrameSizes(t *testing.T) {
	payload := make([]byte, MaxPayloadSize+1)
	for i := range payload {
		payload[i] = byte(i)
	}

	for n := 0; n <= MaxPayloadSize; n++ {
		frame, err := EncodeFrame(MsgProgramPage, payload[:n])
		if err != nil {
			t.Fatalf("EncodeFrame(%d bytes) error = %v", n, err)
		}

		bodyLen := int(frame[2]) | int(frame[3])<<8
		if bodyLen%2 != 0 || bodyLen > MaxBodyLength {
			t.Fatalf("EncodeFrame(%d bytes): body length %d", n, bodyLen)
		}
		if len(frame) != bodyLen+MinFrameSize {
			t.Fatalf("EncodeFrame(%d bytes): frame is %d bytes, want %d", n, len(frame), bodyLen+MinFrameSize)
		}

		r := NewReassembler(nil)
		r.Feed(frame)
		msg := r.Next()
		if msg == nil {
			t.Fatalf("Next() = nil for a %d-byte payload (stats %+v)", n, r.Stats())
		}
		if msg.Type != MsgProgramPage || !bytes.Equal(msg.Payload, payload[:n]) {
			t.Fatalf("round trip of %d bytes returned %v", n, msg)
		}
		if r.Buffered() != 0 {
			t.Fatalf("round trip of %d bytes left %d bytes buffered", n, r.Buffered())
		}
	}

	if _, err := EncodeFrame(MsgProgramPage, payload); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("EncodeFrame(%d bytes) error = %v, want ErrPayloadTooLarge", len(payload), err)
	}
}

func TestDecodeBody(t *testing.T) {
	tests := []struct {
		name    string
		body    []byte
		want    Message
		wantErr error
	}{
		{
			name:    "too short",
			body:    []byte{0x18},
			wantErr: ErrShortBody,
		},
		{
			name: "type only",
			body: []byte{0x18, 0x05},
			want: Message{Type: MsgDeviceInfo},
		},
		{
			name: "declared length strips padding",
			body: []byte{0x30, 0x05, 0x03, 0x00, 'a', 'b', 'c', 0x00},
			want: Message{Type: MsgBootloaderVersion, Payload: []byte("abc")},
		},
		{
			name: "declared length larger than body is clamped",
			body: []byte{0x30, 0x05, 0xFF, 0x00, 'a', 'b'},
			want: Message{Type: MsgBootloaderVersion, Payload: []byte("ab")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obf := append([]byte(nil), tt.body...)
			Obfuscate(obf)
			snapshot := append([]byte(nil), obf...)

			got, err := DecodeBody(obf)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeBody() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeBody() error = %v", err)
			}
			if !bytes.Equal(obf, snapshot) {
				t.Error("DecodeBody() modified its input")
			}
			if got.Type != tt.want.Type || !bytes.Equal(got.Payload, tt.want.Payload) {
				t.Errorf("DecodeBody() = %v %q, want %v %q", got, got.Payload, tt.want, tt.want.Payload)
			}
		})
	}
}

func TestDecodeRegionChecksum(t *testing.T) {
	frame, err := EncodeFrame(MsgDeviceInfo, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	region := frame[4 : len(frame)-2]
	region[5] ^= 0x01

	if _, err := decodeRegion(region); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("decodeRegion() error = %v, want ErrChecksumMismatch", err)
	}
}

func TestMessageTypeName(t *testing.T) {
	if got := MessageTypeName(MsgProgramPageResponse); got != "PROGRAM_PAGE_RESP" {
		t.Errorf("MessageTypeName(0x051A) = %q", got)
	}
	if got := MessageTypeName(0x1234); got != "UNKNOWN(0x1234)" {
		t.Errorf("MessageTypeName(0x1234) = %q", got)
	}
}
