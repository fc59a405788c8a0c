package bootflash

import (
	"encoding/binary"
	"fmt"
)

// Page record layout.
const (
	// PageSize is the amount of firmware carried per page
	PageSize = 256

	// PageRecordSize is the fixed size of a program-page payload:
	// TIMESTAMP(4) INDEX(2) TOTAL(2) RESERVED(4) DATA(256)
	PageRecordSize = 268

	// pageDataOffset is where firmware bytes start in a record
	pageDataOffset = 12

	// MaxPages is the most pages a 16-bit total can describe
	MaxPages = 0xFFFF
)

// Acknowledgement layout: HEADER(4) PAGE(2) ERROR(2)
const (
	ackFieldsOffset = 4
	ackMinSize      = 8
)

// Page is one transfer unit.
type Page struct {
	Index     int
	Total     int
	Timestamp uint32
	Data      []byte
}

// PageCount returns the number of pages needed for size bytes.
func PageCount(size int) int {
	return (size + PageSize - 1) / PageSize
}

// pageAt slices page index out of firmware.
func pageAt(firmware []byte, index, total int, ts uint32) Page {
	start := index * PageSize
	end := start + PageSize
	if end > len(firmware) {
		end = len(firmware)
	}
	return Page{
		Index:     index,
		Total:     total,
		Timestamp: ts,
		Data:      firmware[start:end],
	}
}

// Record builds the program-page payload. It is always PageRecordSize bytes;
// a short final page is zero-padded.
func (p Page) Record() []byte {
	rec := make([]byte, PageRecordSize)
	binary.LittleEndian.PutUint32(rec[0:4], p.Timestamp)
	binary.LittleEndian.PutUint16(rec[4:6], uint16(p.Index))
	binary.LittleEndian.PutUint16(rec[6:8], uint16(p.Total))
	copy(rec[pageDataOffset:], p.Data)
	return rec
}

// ParsePageRecord decodes a program-page payload. Data is the full
// PageSize region including any padding.
func ParsePageRecord(rec []byte) (Page, error) {
	if len(rec) != PageRecordSize {
		return Page{}, fmt.Errorf("invalid page record length: got %d bytes, expected %d", len(rec), PageRecordSize)
	}
	data := make([]byte, PageSize)
	copy(data, rec[pageDataOffset:])
	return Page{
		Index:     int(binary.LittleEndian.Uint16(rec[4:6])),
		Total:     int(binary.LittleEndian.Uint16(rec[6:8])),
		Timestamp: binary.LittleEndian.Uint32(rec[0:4]),
		Data:      data,
	}, nil
}

// PageAck is a decoded program-page response.
type PageAck struct {
	Page      uint16
	ErrorCode uint16
}

// ParsePageAck decodes a program-page response payload.
func ParsePageAck(payload []byte) (PageAck, error) {
	if len(payload) < ackMinSize {
		return PageAck{}, fmt.Errorf("invalid page ack length: got %d bytes, minimum is %d", len(payload), ackMinSize)
	}
	return PageAck{
		Page:      binary.LittleEndian.Uint16(payload[ackFieldsOffset:]),
		ErrorCode: binary.LittleEndian.Uint16(payload[ackFieldsOffset+2:]),
	}, nil
}

// BuildPageAck builds a program-page response payload. header is the
// 4-byte prefix the bootloader puts in front of the fields.
func BuildPageAck(header uint32, page, errorCode uint16) []byte {
	payload := make([]byte, ackMinSize)
	binary.LittleEndian.PutUint32(payload[0:4], header)
	binary.LittleEndian.PutUint16(payload[4:6], page)
	binary.LittleEndian.PutUint16(payload[6:8], errorCode)
	return payload
}
