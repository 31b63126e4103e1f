package trace

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
)

// MaxPayloadSize is F from spec.md §4.2: the fixed maximum size of a single
// frame's decompressed payload.
const MaxPayloadSize = 32 << 20

// frameHeaderSize is the size of one of the two duplicated length fields
// bracketing a frame's compressed bytes.
const frameHeaderSize = 8

// decodeFrame decompresses a frame's compressed bytes, rejecting anything
// that would decode to a payload larger than MaxPayloadSize before doing
// the decompression itself. snappy.DecodedLen reports the decoded length
// straight from the block header, which is exactly the "decompressor
// reports the decoded length given a bound" contract spec.md §6 asks for.
func decodeFrame(compressed []byte, offset int64) ([]byte, error) {
	n, err := snappy.DecodedLen(compressed)
	if err != nil {
		return nil, &CorruptionError{Offset: offset, Reason: fmt.Sprintf("invalid compressed frame: %s", err)}
	}
	if n > MaxPayloadSize {
		return nil, &CorruptionError{Offset: offset, Reason: fmt.Sprintf("frame payload %d exceeds max %d", n, MaxPayloadSize)}
	}

	payload, err := snappy.Decode(make([]byte, 0, n), compressed)
	if err != nil {
		return nil, &CorruptionError{Offset: offset, Reason: fmt.Sprintf("decompress frame: %s", err)}
	}
	return payload, nil
}

// frameAtForward reads the frame whose compressed bytes begin at
// data[start+frameHeaderSize]. It returns the decompressed payload and the
// absolute offset at which the next frame begins.
func frameAtForward(data []byte, start int64) (payload []byte, next int64, err error) {
	if start+frameHeaderSize > int64(len(data)) {
		return nil, 0, &CorruptionError{Offset: start, Reason: "stream ends mid leading length field"}
	}
	length := binary.LittleEndian.Uint64(data[start : start+frameHeaderSize])

	compressedStart := start + frameHeaderSize
	compressedEnd := compressedStart + int64(length)
	trailerEnd := compressedEnd + frameHeaderSize
	if trailerEnd > int64(len(data)) {
		return nil, 0, &CorruptionError{Offset: start, Reason: "stream ends mid frame"}
	}

	trailerLength := binary.LittleEndian.Uint64(data[compressedEnd:trailerEnd])
	if trailerLength != length {
		return nil, 0, &CorruptionError{Offset: start, Reason: "leading/trailing frame length mismatch"}
	}

	payload, err = decodeFrame(data[compressedStart:compressedEnd], start)
	if err != nil {
		return nil, 0, err
	}
	return payload, trailerEnd, nil
}

// frameAtBackward reads the frame whose trailing length field ends at
// data[end]. It returns the decompressed payload and the absolute offset at
// which that frame begins (i.e. where the previous frame's trailer ends).
//
// If the trailing length sentinel is missing or inconsistent — the only
// shape a writer crash can leave behind, per spec.md §5 — truncated is true
// and err is nil: the backward iterator simply stops, it does not treat a
// partial final frame as corruption.
func frameAtBackward(data []byte, end int64) (payload []byte, prev int64, truncated bool, err error) {
	if end-frameHeaderSize < 0 {
		return nil, 0, true, nil
	}
	length := binary.LittleEndian.Uint64(data[end-frameHeaderSize : end])

	frameStart := end - frameHeaderSize - int64(length) - frameHeaderSize
	if frameStart < 0 {
		return nil, 0, true, nil
	}

	leadingLength := binary.LittleEndian.Uint64(data[frameStart : frameStart+frameHeaderSize])
	if leadingLength != length {
		return nil, 0, true, nil
	}

	compressedStart := frameStart + frameHeaderSize
	compressedEnd := compressedStart + int64(length)

	payload, err = decodeFrame(data[compressedStart:compressedEnd], frameStart)
	if err != nil {
		return nil, 0, false, err
	}
	return payload, frameStart, false, nil
}

// writeFrame compresses payload and appends a complete framed record
// (leading length, compressed bytes, trailing length) to w.
func writeFrame(w interface{ Write([]byte) (int, error) }, payload []byte) error {
	compressed := snappy.Encode(nil, payload)

	var lengthBuf [frameHeaderSize]byte
	binary.LittleEndian.PutUint64(lengthBuf[:], uint64(len(compressed)))

	if _, err := w.Write(lengthBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(compressed); err != nil {
		return err
	}
	if _, err := w.Write(lengthBuf[:]); err != nil {
		return err
	}
	return nil
}
