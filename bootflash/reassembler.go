package bootflash

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// ReassemblerStats counts what the reassembler has seen. Diagnostic only.
type ReassemblerStats struct {
	BytesReceived    int64 // bytes read from the channel or fed directly
	BytesDiscarded   int64 // noise and stale markers dropped during resynchronization
	Frames           int64 // frames decoded into messages
	OversizedLengths int64 // header markers dropped because the length field exceeded MaxBodyLength
	TailMismatches   int64 // header markers dropped because the tail marker was absent
	ChecksumErrors   int64 // framed regions dropped because the CRC16 did not match
	ShortFrames      int64 // well-formed frames too short to carry a message type
}

// malformed counts frames that were located but rejected.
func (s ReassemblerStats) malformed() int64 {
	return s.OversizedLengths + s.TailMismatches + s.ChecksumErrors + s.ShortFrames
}

// Reassembler turns a raw byte stream into messages.
//
// Consumed bytes are skipped with a cursor and the backing array is compacted
// lazily, so dropping a prefix does not shift the whole buffer. A Reassembler
// is owned by a single goroutine.
type Reassembler struct {
	buf     []byte
	off     int // start of unconsumed data in buf
	scratch []byte
	stats   ReassemblerStats
	logger  Logger
}

// NewReassembler creates an empty reassembler. A nil logger disables logging.
func NewReassembler(logger Logger) *Reassembler {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &Reassembler{
		scratch: make([]byte, readChunkSize),
		logger:  logger,
	}
}

// Poll reads whatever ch has pending without blocking and returns the next
// complete message, or nil if none is available yet.
//
// Malformed input is never reported as an error: it is dropped with the
// smallest discard that lets the next marker search succeed. Errors come only
// from the channel itself.
func (r *Reassembler) Poll(ch io.Reader) (*Message, error) {
	if _, err := drain(ch, r.scratch, r.Feed); err != nil {
		return nil, err
	}
	return r.Next(), nil
}

// Feed appends received bytes to the buffer.
func (r *Reassembler) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	r.stats.BytesReceived += int64(len(p))

	// Compact once the consumed prefix dominates the buffer
	if r.off > 0 && r.off >= len(r.buf)/2 {
		n := copy(r.buf, r.buf[r.off:])
		r.buf = r.buf[:n]
		r.off = 0
	}
	r.buf = append(r.buf, p...)
}

// Next performs one reassembly step on the buffered bytes.
// It returns a message when a complete, valid frame is at the head of the
// buffer after noise has been skipped, or nil otherwise.
func (r *Reassembler) Next() *Message {
	data := r.buf[r.off:]
	if len(data) < MinFrameSize {
		return nil
	}

	idx := bytes.Index(data, headerBytes)
	if idx < 0 {
		// The last byte may be the first half of a marker split across reads
		if data[len(data)-1] == headerBytes[0] {
			r.discard(len(data) - 1)
		} else {
			r.discard(len(data))
		}
		return nil
	}
	if idx > 0 {
		r.discard(idx)
		data = r.buf[r.off:]
	}

	if len(data) < 4 {
		return nil
	}

	bodyLen := int(binary.LittleEndian.Uint16(data[2:4]))
	if bodyLen > MaxBodyLength {
		r.stats.OversizedLengths++
		r.logger.Debug("reassembler: body length %d exceeds %d, dropping marker", bodyLen, MaxBodyLength)
		r.discard(len(headerBytes))
		return nil
	}

	size := bodyLen + MinFrameSize
	if len(data) < size {
		return nil
	}

	if !bytes.Equal(data[size-2:size], tailBytes) {
		r.stats.TailMismatches++
		r.logger.Debug("reassembler: tail marker mismatch (% X), dropping marker", data[size-2:size])
		r.discard(len(headerBytes))
		return nil
	}

	// Both markers matched, so the whole frame goes whether or not it decodes.
	msg, err := decodeRegion(data[4 : size-2])
	if errors.Is(err, ErrChecksumMismatch) {
		r.stats.ChecksumErrors++
		r.logger.Debug("reassembler: %v, dropping frame", err)
		r.discard(size)
		return nil
	}

	r.consume(size)
	if err != nil {
		r.stats.ShortFrames++
		r.logger.Debug("reassembler: %v", err)
		return nil
	}

	r.stats.Frames++
	return &msg
}

// Buffered returns the number of unconsumed bytes.
func (r *Reassembler) Buffered() int {
	return len(r.buf) - r.off
}

// Stats returns a snapshot of the reassembler counters.
func (r *Reassembler) Stats() ReassemblerStats {
	return r.stats
}

// Reset drops all buffered bytes. Counters are kept.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.off = 0
}

func (r *Reassembler) discard(n int) {
	r.stats.BytesDiscarded += int64(n)
	r.consume(n)
}

func (r *Reassembler) consume(n int) {
	r.off += n
	if r.off >= len(r.buf) {
		r.buf = r.buf[:0]
		r.off = 0
	}
}
