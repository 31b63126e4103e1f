package trace

import "io"

// ForwardReader streams events in the order they were written, one frame's
// worth at a time.
type ForwardReader struct {
	mapped *mappedFile

	frameStart int64 // absolute file offset of the frame currently buffered
	payload    []byte
	cursor     int // read position within payload
	done       bool
}

// OpenForward opens path for forward streaming (spec.md §4.2's
// `forward(path) -> iterator<Event>`).
func OpenForward(path string) (*ForwardReader, error) {
	m, err := openMapped(path)
	if err != nil {
		return nil, err
	}
	r := &ForwardReader{mapped: m}
	if len(m.Data) == 0 {
		r.done = true
	}
	return r, nil
}

func (r *ForwardReader) Close() error { return r.mapped.Close() }

// loadNextFrame decompresses the next frame into r.payload, resetting the
// cursor. It returns io.EOF once the file is exhausted.
func (r *ForwardReader) loadNextFrame() error {
	if r.frameStart >= int64(len(r.mapped.Data)) {
		return io.EOF
	}
	payload, next, err := frameAtForward(r.mapped.Data, r.frameStart)
	if err != nil {
		return err
	}
	r.payload = payload
	r.cursor = 0
	r.frameStart = next
	return nil
}

// Next returns the next event, or io.EOF once the stream (and any trailing
// End marker's padding) is exhausted.
func (r *ForwardReader) Next() (Event, error) {
	for {
		if r.done {
			return nil, io.EOF
		}

		if r.payload == nil || r.cursor >= len(r.payload) {
			if err := r.loadNextFrame(); err != nil {
				if err == io.EOF {
					r.done = true
				}
				return nil, err
			}
		}

		ev, n, err := decodeRecordAt(r.payload[r.cursor:], r.frameStart-int64(len(r.payload))+int64(r.cursor))
		if err != nil {
			return nil, err
		}

		switch ev.(type) {
		case End:
			// Graceful terminator: the rest of this frame (and nothing else
			// in the stream) is PlaceHolder padding to skip.
			r.done = true
			return nil, io.EOF
		case PlaceHolder:
			// A mid-stream frame was padded out because the next record
			// didn't fit; skip to the next frame.
			r.cursor = len(r.payload)
			continue
		}

		r.cursor += n
		return ev, nil
	}
}

// BackwardReader streams events in reverse execution order, one frame's
// worth (decoded whole) at a time.
type BackwardReader struct {
	mapped *mappedFile

	frameEnd int64 // absolute file offset where the next frame-from-the-end ends
	payload  []byte
	cursor   int // exclusive end of the not-yet-yielded prefix of payload
	done     bool
}

// OpenBackward opens path for backward streaming (spec.md §4.2's
// `backward(path) -> iterator<Event>`).
func OpenBackward(path string) (*BackwardReader, error) {
	m, err := openMapped(path)
	if err != nil {
		return nil, err
	}
	r := &BackwardReader{mapped: m, frameEnd: int64(len(m.Data))}
	if len(m.Data) == 0 {
		r.done = true
	}
	return r, nil
}

func (r *BackwardReader) Close() error { return r.mapped.Close() }

func (r *BackwardReader) loadPrevFrame() error {
	if r.frameEnd <= 0 {
		return io.EOF
	}
	payload, prev, truncated, err := frameAtBackward(r.mapped.Data, r.frameEnd)
	if err != nil {
		return err
	}
	if truncated {
		// A truncated trailing frame (writer crash mid-flush) ends the
		// stream without being treated as corruption, per spec.md §5.
		return io.EOF
	}

	r.payload = payload
	r.frameEnd = prev

	// Skip the trailing run of PlaceHolder bytes, and the single End byte
	// that may precede them if this was the final frame written.
	end := len(payload)
	for end > 0 && Label(payload[end-1]) == LabelPlaceHolder {
		end--
	}
	if end > 0 && Label(payload[end-1]) == LabelEnd {
		end--
	}
	r.cursor = end
	return nil
}

// Next returns the previous event in execution order, or io.EOF once the
// beginning of the stream is reached.
func (r *BackwardReader) Next() (Event, error) {
	for {
		if r.done {
			return nil, io.EOF
		}

		if r.payload == nil || r.cursor <= 0 {
			if err := r.loadPrevFrame(); err != nil {
				if err == io.EOF {
					r.done = true
				}
				return nil, err
			}
			if r.cursor <= 0 {
				// An empty (fully-padding) frame; move on to the previous one.
				continue
			}
		}

		if r.cursor < 1 {
			return nil, &CorruptionError{Offset: r.frameEnd, Reason: "backward scan underran payload"}
		}

		label := Label(r.payload[r.cursor-1])
		size, ok := recordSize[label]
		if !ok {
			return nil, &CorruptionError{Offset: r.frameEnd, Reason: "unknown trailing record label"}
		}
		start := r.cursor - size
		if start < 0 {
			return nil, &CorruptionError{Offset: r.frameEnd, Reason: "record truncated at frame start"}
		}

		ev, _, err := decodeRecordAt(r.payload[start:r.cursor], r.frameEnd+int64(start))
		if err != nil {
			return nil, err
		}

		r.cursor = start
		return ev, nil
	}
}
