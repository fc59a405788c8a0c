package bootflash

import (
	"errors"
	"fmt"
	"io"
)

// Channel is the duplex byte link to the bootloader.
//
// Read must not block: when no bytes are pending it returns 0, nil.
// Write may block until the bytes have been handed to the link.
// io.EOF from Read means the link is gone.
type Channel interface {
	io.Reader
	io.Writer
}

// readChunkSize is the scratch size for draining a channel
const readChunkSize = 4096

// maxReadsPerPoll bounds a single drain so a flooding link cannot starve the caller
const maxReadsPerPoll = 64

// errChannelClosed is returned when Read reports io.EOF
var errChannelClosed = errors.New("channel closed")

// drain reads everything currently pending on r into sink.
// It returns the number of bytes read.
func drain(r io.Reader, scratch []byte, sink func([]byte)) (int, error) {
	total := 0
	for i := 0; i < maxReadsPerPoll; i++ {
		n, err := r.Read(scratch)
		if n > 0 {
			sink(scratch[:n])
			total += n
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, errChannelClosed
			}
			return total, fmt.Errorf("read: %w", err)
		}
		if n < len(scratch) {
			break
		}
	}
	return total, nil
}

// writeFull writes all of p, retrying short writes.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("write: %w", io.ErrShortWrite)
		}
		p = p[n:]
	}
	return nil
}
