// Package stream decodes the chat endpoint's event stream and drives a
// single request/response exchange.
package stream

import (
	"bytes"
	"iter"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

const (
	// DataPrefix marks a frame line.
	DataPrefix = "data:"
	// DoneSentinel is the payload of the terminating frame.
	DoneSentinel = "[DONE]"
	// DefaultMaxLineSize bounds a single line, terminator excluded.
	DefaultMaxLineSize = 1 << 20

	warningLinePreview = 64
)

// ErrLineTooLong is reported when a line exceeds the decoder's limit.
var ErrLineTooLong = errors.New("line exceeds maximum size")

var (
	errInvalidJSON = errors.New("payload is not valid JSON")
	errMissingText = errors.New("payload has no string text field")
)

// FrameKind distinguishes text deltas from the end-of-stream marker.
type FrameKind int

const (
	FrameDelta FrameKind = iota
	FrameTerminator
)

func (k FrameKind) String() string {
	switch k {
	case FrameDelta:
		return "delta"
	case FrameTerminator:
		return "terminator"
	default:
		return "unknown"
	}
}

// Frame is one decoded protocol unit.
type Frame struct {
	Kind FrameKind
	Text string
}

// Decoder turns arbitrarily split chunks into frames. Bytes that do not yet
// form a complete line are kept until the next Feed. A Decoder is owned by a
// single session and is not safe for concurrent use.
type Decoder struct {
	pending    []byte
	closed     bool
	maxLine    int
	discarding bool
}

// NewDecoder returns an empty decoder limited to DefaultMaxLineSize.
func NewDecoder() *Decoder {
	return &Decoder{maxLine: DefaultMaxLineSize}
}

// SetMaxLineSize changes the line limit. Non-positive values remove it.
func (d *Decoder) SetMaxLineSize(n int) {
	d.maxLine = n
}

// Feed buffers chunk and returns the frames it completes. Lines are scanned
// lazily while the caller ranges over the result; each element is either a
// frame with a nil error or a *DecodeWarning with a zero frame. Lines left
// unscanned when the caller stops early stay buffered.
//
// A terminator frame closes the decoder: the rest of the buffer is dropped
// and later feeds yield nothing until Reset.
//
// A line longer than the limit yields one *DecodeWarning wrapping
// ErrLineTooLong; its bytes are dropped up to and including the next
// newline, even when that newline arrives in a later chunk.
func (d *Decoder) Feed(chunk []byte) iter.Seq2[Frame, error] {
	if !d.closed && len(chunk) > 0 {
		d.pending = append(d.pending, chunk...)
	}

	return func(yield func(Frame, error) bool) {
		for !d.closed {
			idx := bytes.IndexByte(d.pending, '\n')
			if d.discarding {
				if idx < 0 {
					d.pending = nil
					return
				}
				d.pending = d.pending[idx+1:]
				d.discarding = false
				continue
			}
			if idx < 0 {
				if d.maxLine > 0 && len(d.pending) > d.maxLine {
					warn := oversized(d.pending)
					d.pending = nil
					d.discarding = true
					yield(Frame{}, warn)
				}
				return
			}
			if d.maxLine > 0 && idx > d.maxLine {
				warn := oversized(d.pending[:idx])
				d.pending = d.pending[idx+1:]
				if !yield(Frame{}, warn) {
					return
				}
				continue
			}
			line := bytes.TrimSuffix(d.pending[:idx], []byte{'\r'})
			d.pending = d.pending[idx+1:]

			frame, ok, err := classify(line)
			if err != nil {
				if !yield(Frame{}, err) {
					return
				}
				continue
			}
			if !ok {
				continue
			}
			if frame.Kind == FrameTerminator {
				d.closed = true
				d.pending = nil
			}
			if !yield(frame, nil) {
				return
			}
		}
	}
}

// Pending returns the number of buffered bytes not yet forming a line.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

// Closed reports whether a terminator has been decoded since the last Reset.
func (d *Decoder) Closed() bool {
	return d.closed
}

// Reset drops buffered bytes and reopens the decoder.
func (d *Decoder) Reset() {
	d.pending = nil
	d.closed = false
	d.discarding = false
}

func oversized(line []byte) *DecodeWarning {
	preview := line
	if len(preview) > warningLinePreview {
		preview = preview[:warningLinePreview]
	}
	return &DecodeWarning{
		Line: string(preview),
		Err:  errors.Wrapf(ErrLineTooLong, "%d bytes", len(line)),
	}
}

// classify maps a complete line to a frame. ok is false for lines that are
// not frames at all (blank separators, other SSE fields, comments).
func classify(line []byte) (Frame, bool, error) {
	if !bytes.HasPrefix(line, []byte(DataPrefix)) {
		return Frame{}, false, nil
	}
	payload := bytes.TrimSpace(line[len(DataPrefix):])

	if string(payload) == DoneSentinel {
		return Frame{Kind: FrameTerminator}, true, nil
	}

	if !gjson.ValidBytes(payload) {
		return Frame{}, false, &DecodeWarning{Line: string(line), Err: errInvalidJSON}
	}
	text := gjson.GetBytes(payload, "text")
	if text.Type != gjson.String {
		return Frame{}, false, &DecodeWarning{Line: string(line), Err: errMissingText}
	}
	return Frame{Kind: FrameDelta, Text: text.String()}, true, nil
}
