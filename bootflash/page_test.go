package bootflash

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPageCount(t *testing.T) {
	tests := []struct {
		size     int
		expected int
	}{
		{0, 0},
		{1, 1},
		{256, 1},
		{257, 2},
		{600, 3},
		{512, 2},
	}

	for _, tt := range tests {
		if got := PageCount(tt.size); got != tt.expected {
			t.Errorf("PageCount(%d) = %d, want %d", tt.size, got, tt.expected)
		}
	}
}

func TestPageRecordLayout(t *testing.T) {
	firmware := make([]byte, 600)
	for i := range firmware {
		firmware[i] = byte(i%250 + 1)
	}
	const ts = 0x665A1B2C

	for index := 0; index < 3; index++ {
		page := pageAt(firmware, index, 3, ts)
		rec := page.Record()
		if len(rec) != PageRecordSize {
			t.Fatalf("page %d: record is %d bytes, want %d", index, len(rec), PageRecordSize)
		}

		want := []byte{0x2C, 0x1B, 0x5A, 0x66, byte(index), 0x00, 0x03, 0x00, 0, 0, 0, 0}
		if diff := cmp.Diff(want, rec[:pageDataOffset]); diff != "" {
			t.Errorf("page %d header mismatch (-want +got):\n%s", index, diff)
		}

		start := index * PageSize
		end := start + PageSize
		if end > len(firmware) {
			end = len(firmware)
		}
		if !bytes.Equal(rec[pageDataOffset:pageDataOffset+end-start], firmware[start:end]) {
			t.Errorf("page %d: data does not match firmware", index)
		}
	}

	// 600 = 2*256 + 88, so the last record is zero-padded after 88 bytes
	last := pageAt(firmware, 2, 3, ts).Record()
	if !bytes.Equal(last[pageDataOffset+88:], make([]byte, PageSize-88)) {
		t.Error("last page is not zero-padded")
	}
}

func TestParsePageRecord(t *testing.T) {
	data := bytes.Repeat([]byte{0x5A}, 100)
	rec := Page{Index: 4, Total: 9, Timestamp: 1700000000, Data: data}.Record()

	got, err := ParsePageRecord(rec)
	if err != nil {
		t.Fatalf("ParsePageRecord() error = %v", err)
	}
	if got.Index != 4 || got.Total != 9 || got.Timestamp != 1700000000 {
		t.Errorf("ParsePageRecord() = %+v", got)
	}
	if len(got.Data) != PageSize || !bytes.Equal(got.Data[:100], data) {
		t.Errorf("ParsePageRecord() data = %d bytes", len(got.Data))
	}

	if _, err := ParsePageRecord(rec[:100]); err == nil {
		t.Error("ParsePageRecord() accepted a short record")
	}
}

func TestParsePageAck(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    PageAck
		wantErr bool
	}{
		{
			name:    "success",
			payload: BuildPageAck(0xDEADBEEF, 12, 0),
			want:    PageAck{Page: 12},
		},
		{
			name:    "error code",
			payload: BuildPageAck(0, 3, 0x0102),
			want:    PageAck{Page: 3, ErrorCode: 0x0102},
		},
		{
			name:    "trailing bytes ignored",
			payload: append(BuildPageAck(0, 1, 0), 0xFF, 0xFF),
			want:    PageAck{Page: 1},
		},
		{
			name:    "too short",
			payload: []byte{0, 0, 0, 0, 1, 0, 0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePageAck(tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePageAck() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParsePageAck() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
