package trace

import "io"

// Writer is the append-only sibling of the reader types: it buffers typed
// records into a raw payload and compresses a full payload into the next
// frame once the buffer can hold no more (spec.md §4.2). Records never
// straddle a frame boundary: when the next record would not fit, the
// remainder of the buffer is padded with PlaceHolder and flushed.
type Writer struct {
	w       io.Writer
	payload []byte // always len == MaxPayloadSize
	used    int
	closed  bool
}

// NewWriter wraps w (typically an *os.File opened for append) as a trace
// event writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, payload: make([]byte, MaxPayloadSize)}
}

// Write appends one record, flushing the current frame first if it would
// not otherwise fit.
func (tw *Writer) Write(ev Event) error {
	if tw.closed {
		return io.ErrClosedPipe
	}

	rec := encodeRecord(ev)
	if tw.used+len(rec) > MaxPayloadSize {
		if err := tw.padAndFlush(); err != nil {
			return err
		}
	}

	copy(tw.payload[tw.used:], rec)
	tw.used += len(rec)
	return nil
}

func (tw *Writer) padAndFlush() error {
	for i := tw.used; i < MaxPayloadSize; i++ {
		tw.payload[i] = byte(LabelPlaceHolder)
	}
	if err := writeFrame(tw.w, tw.payload); err != nil {
		return err
	}
	tw.used = 0
	return nil
}

// Close appends the graceful End terminator, pads the remainder of the
// final frame with PlaceHolder, and flushes it. It does not close the
// underlying io.Writer.
func (tw *Writer) Close() error {
	if tw.closed {
		return nil
	}
	tw.closed = true

	if tw.used >= MaxPayloadSize {
		if err := tw.padAndFlush(); err != nil {
			return err
		}
	}
	tw.payload[tw.used] = byte(LabelEnd)
	tw.used++

	return tw.padAndFlush()
}
