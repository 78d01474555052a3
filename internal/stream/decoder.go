package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/JakeFAU/bmie/internal/job"
)

// DefaultMaxRecordSize bounds a single record; larger records are reported
// and skipped.
const DefaultMaxRecordSize = 16 << 20

// RecordError reports one malformed record. Decoding continues after it.
type RecordError struct {
	Line int
	Raw  string
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Line, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// ErrRecordTooLarge is wrapped by RecordError when a record exceeds the limit.
var ErrRecordTooLarge = errors.New("record exceeds maximum size")

// Record is one decoded entry: an event, or the error for a malformed line.
type Record struct {
	Event job.Event
	Err   error
}

// Decoder parses a growing byte stream. Bytes after the last separator are
// buffered until the rest of the record arrives. It is not safe for
// concurrent use.
type Decoder struct {
	buf      []byte
	line     int
	maxSize  int
	skipping bool
}

// NewDecoder returns a Decoder with the default record size limit.
func NewDecoder() *Decoder {
	return &Decoder{maxSize: DefaultMaxRecordSize}
}

// WithMaxRecordSize overrides the record size limit.
func (d *Decoder) WithMaxRecordSize(n int) *Decoder {
	if n > 0 {
		d.maxSize = n
	}
	return d
}

// Feed appends chunk and returns every record it completed, in stream order.
func (d *Decoder) Feed(chunk []byte) []Record {
	var out []Record
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			out = d.buffer(chunk, out)
			break
		}
		part := chunk[:idx]
		chunk = chunk[idx+1:]
		if d.skipping {
			d.skipping = false
			d.buf = d.buf[:0]
			continue
		}
		if len(d.buf)+len(part) > d.maxSize {
			d.line++
			out = append(out, Record{Err: &RecordError{Line: d.line, Err: ErrRecordTooLarge}})
			d.buf = d.buf[:0]
			continue
		}
		var line []byte
		if len(d.buf) > 0 {
			d.buf = append(d.buf, part...)
			line = d.buf
		} else {
			line = part
		}
		if rec, ok := d.decodeLine(line); ok {
			out = append(out, rec)
		}
		d.buf = d.buf[:0]
	}
	return out
}

// Flush decodes a final record that was not followed by a separator. Call it
// once the underlying stream has ended.
func (d *Decoder) Flush() []Record {
	if d.skipping || len(d.buf) == 0 {
		d.skipping = false
		d.buf = d.buf[:0]
		return nil
	}
	rec, ok := d.decodeLine(d.buf)
	d.buf = d.buf[:0]
	if !ok {
		return nil
	}
	return []Record{rec}
}

// Pending reports how many bytes are buffered awaiting a separator.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

func (d *Decoder) buffer(chunk []byte, out []Record) []Record {
	if d.skipping {
		return out
	}
	if len(d.buf)+len(chunk) > d.maxSize {
		d.line++
		d.skipping = true
		d.buf = d.buf[:0]
		return append(out, Record{Err: &RecordError{Line: d.line, Err: ErrRecordTooLarge}})
	}
	d.buf = append(d.buf, chunk...)
	return out
}

func (d *Decoder) decodeLine(line []byte) (Record, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Record{}, false
	}
	d.line++
	evt, err := Unmarshal(line)
	if err != nil {
		return Record{Err: &RecordError{Line: d.line, Raw: preview(line), Err: err}}, true
	}
	return Record{Event: evt}, true
}

// Decode reads r until EOF and calls fn for every record in order. A non-nil
// error from fn stops decoding and is returned.
func Decode(r io.Reader, fn func(Record) error) error {
	dec := NewDecoder()
	buf := make([]byte, 32*1024)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			for _, rec := range dec.Feed(buf[:n]) {
				if err := fn(rec); err != nil {
					return err
				}
			}
		}
		if readErr != nil {
			for _, rec := range dec.Flush() {
				if err := fn(rec); err != nil {
					return err
				}
			}
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("read stream: %w", readErr)
		}
	}
}

func preview(line []byte) string {
	const limit = 200
	if len(line) > limit {
		return string(line[:limit]) + "..."
	}
	return string(line)
}
