package runner

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"unicode/utf8"
)

// invalidByteMarker replaces byte sequences that are not valid UTF-8 in
// captured output.
const invalidByteMarker = "�"

// cappedWriter writes a stream to a log file while enforcing a byte ceiling.
// The first half of the budget is written through immediately (line-buffered
// by the kernel, so partial output survives a kill); once the stream exceeds
// the budget, only the final half is retained in memory and flushed on Close
// together with a truncation marker.
type cappedWriter struct {
	mu        sync.Mutex
	file      *os.File
	limit     int64
	headLimit int64
	written   int64 // bytes written through to the file
	total     int64 // bytes seen overall
	tail      []byte
	tailMax   int64
	partial   []byte // trailing bytes of an incomplete rune between writes
}

func newCappedWriter(path string, limit int64) (*cappedWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &cappedWriter{
		file:      f,
		limit:     limit,
		headLimit: limit / 2,
		tailMax:   limit - limit/2,
	}, nil
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := p
	if len(w.partial) > 0 {
		data = append(w.partial, p...)
		w.partial = nil
	}
	// A multi-byte rune split across two writes must not be treated as
	// invalid, so an incomplete trailing sequence waits for the next write.
	data, w.partial = splitPartialRune(data)
	err := w.consume(bytes.ToValidUTF8(data, []byte(invalidByteMarker)))
	return len(p), err
}

// splitPartialRune separates a trailing incomplete UTF-8 sequence from data.
func splitPartialRune(data []byte) (complete, partial []byte) {
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		b := data[i]
		if b < utf8.RuneSelf {
			break
		}
		if utf8.RuneStart(b) {
			if !utf8.FullRune(data[i:]) {
				return data[:i], append([]byte(nil), data[i:]...)
			}
			break
		}
	}
	return data, nil
}

// consume accounts data against the byte budget: head written through, tail
// retained in memory. Callers hold the mutex.
func (w *cappedWriter) consume(data []byte) error {
	w.total += int64(len(data))

	if w.written < w.headLimit {
		n := int64(len(data))
		if room := w.headLimit - w.written; n > room {
			n = room
		}
		if _, err := w.file.Write(data[:n]); err != nil {
			return err
		}
		w.written += n
		data = data[n:]
	}
	if len(data) > 0 {
		w.tail = append(w.tail, data...)
		if int64(len(w.tail)) > w.tailMax {
			w.tail = w.tail[int64(len(w.tail))-w.tailMax:]
		}
	}
	return nil
}

// Truncated reports whether output was dropped from the middle of the stream.
func (w *cappedWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total > w.limit
}

// Close flushes the retained tail. When the stream exceeded the ceiling, the
// head and tail are separated by an explicit marker so readers know bytes
// are missing.
func (w *cappedWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if len(w.partial) > 0 {
		// The stream ended mid-rune; the leftover bytes are invalid.
		w.consume(bytes.ToValidUTF8(w.partial, []byte(invalidByteMarker)))
		w.partial = nil
	}
	if len(w.tail) > 0 {
		if w.total > w.limit {
			omitted := w.total - w.written - int64(len(w.tail))
			fmt.Fprintf(w.file, "\n*** output truncated: %d bytes omitted ***\n", omitted)
		}
		w.file.Write(w.tail)
	}
	err := w.file.Close()
	w.file = nil
	return err
}
