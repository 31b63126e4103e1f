package trace

import "encoding/binary"

// encodeRecord renders ev into a freshly allocated byte slice matching its
// on-wire size, with both the leading and trailing label bytes set.
func encodeRecord(ev Event) []byte {
	label := ev.Label()
	size := recordSize[label]
	buf := make([]byte, size)
	buf[0] = byte(label)
	buf[size-1] = byte(label)

	switch e := ev.(type) {
	case BasicBlock:
		binary.LittleEndian.PutUint64(buf[1:9], e.ThreadID)
		binary.LittleEndian.PutUint32(buf[9:13], e.InstID)
	case Memory:
		binary.LittleEndian.PutUint64(buf[1:9], e.ThreadID)
		binary.LittleEndian.PutUint32(buf[9:13], e.InstID)
		binary.LittleEndian.PutUint64(buf[13:21], e.Addr)
		binary.LittleEndian.PutUint64(buf[21:29], e.Length)
	case Call:
		binary.LittleEndian.PutUint64(buf[1:9], e.ThreadID)
		binary.LittleEndian.PutUint64(buf[9:17], e.CalleeAddr)
	case Return:
		binary.LittleEndian.PutUint64(buf[1:9], e.ThreadID)
		binary.LittleEndian.PutUint32(buf[9:13], e.InstID)
		binary.LittleEndian.PutUint64(buf[13:21], e.CalleeAddr)
	case Syscall:
		binary.LittleEndian.PutUint64(buf[1:9], e.ThreadID)
	case Argument:
		binary.LittleEndian.PutUint64(buf[1:9], e.ThreadID)
		binary.LittleEndian.PutUint64(buf[9:17], e.PointerValue)
	case Memset:
		binary.LittleEndian.PutUint64(buf[1:9], e.ThreadID)
		binary.LittleEndian.PutUint32(buf[9:13], e.InstID)
		binary.LittleEndian.PutUint64(buf[13:21], e.Addr)
		binary.LittleEndian.PutUint64(buf[21:29], e.Length)
	case Memmove:
		binary.LittleEndian.PutUint64(buf[1:9], e.ThreadID)
		binary.LittleEndian.PutUint32(buf[9:13], e.InstID)
		binary.LittleEndian.PutUint64(buf[13:21], e.Dest)
		binary.LittleEndian.PutUint64(buf[21:29], e.Src)
		binary.LittleEndian.PutUint64(buf[29:37], e.Length)
	case End, PlaceHolder:
		// label bytes already written, no payload
	}

	return buf
}

// decodeRecordAt decodes the record beginning at buf[0], returning the
// parsed event and the number of bytes consumed. offset is the absolute
// file offset of buf[0], used only to annotate corruption errors.
func decodeRecordAt(buf []byte, offset int64) (Event, int, error) {
	if len(buf) < 1 {
		return nil, 0, &CorruptionError{Offset: offset, Reason: "record truncated before label byte"}
	}

	label := Label(buf[0])
	size, ok := recordSize[label]
	if !ok {
		return nil, 0, &CorruptionError{Offset: offset, Reason: "unknown record label"}
	}
	if len(buf) < size {
		return nil, 0, &CorruptionError{Offset: offset, Reason: "record truncated mid-payload"}
	}
	if buf[size-1] != byte(label) {
		return nil, 0, &CorruptionError{Offset: offset, Reason: "trailing label byte mismatch"}
	}

	switch label {
	case LabelBasicBlock:
		return BasicBlock{
			ThreadID: binary.LittleEndian.Uint64(buf[1:9]),
			InstID:   binary.LittleEndian.Uint32(buf[9:13]),
		}, size, nil
	case LabelMemory:
		return Memory{
			ThreadID: binary.LittleEndian.Uint64(buf[1:9]),
			InstID:   binary.LittleEndian.Uint32(buf[9:13]),
			Addr:     binary.LittleEndian.Uint64(buf[13:21]),
			Length:   binary.LittleEndian.Uint64(buf[21:29]),
		}, size, nil
	case LabelCall:
		return Call{
			ThreadID:   binary.LittleEndian.Uint64(buf[1:9]),
			CalleeAddr: binary.LittleEndian.Uint64(buf[9:17]),
		}, size, nil
	case LabelReturn:
		return Return{
			ThreadID:   binary.LittleEndian.Uint64(buf[1:9]),
			InstID:     binary.LittleEndian.Uint32(buf[9:13]),
			CalleeAddr: binary.LittleEndian.Uint64(buf[13:21]),
		}, size, nil
	case LabelSyscall:
		return Syscall{ThreadID: binary.LittleEndian.Uint64(buf[1:9])}, size, nil
	case LabelArgument:
		return Argument{
			ThreadID:     binary.LittleEndian.Uint64(buf[1:9]),
			PointerValue: binary.LittleEndian.Uint64(buf[9:17]),
		}, size, nil
	case LabelMemset:
		return Memset{
			ThreadID: binary.LittleEndian.Uint64(buf[1:9]),
			InstID:   binary.LittleEndian.Uint32(buf[9:13]),
			Addr:     binary.LittleEndian.Uint64(buf[13:21]),
			Length:   binary.LittleEndian.Uint64(buf[21:29]),
		}, size, nil
	case LabelMemmove:
		return Memmove{
			ThreadID: binary.LittleEndian.Uint64(buf[1:9]),
			InstID:   binary.LittleEndian.Uint32(buf[9:13]),
			Dest:     binary.LittleEndian.Uint64(buf[13:21]),
			Src:      binary.LittleEndian.Uint64(buf[21:29]),
			Length:   binary.LittleEndian.Uint64(buf[29:37]),
		}, size, nil
	case LabelEnd:
		return End{}, size, nil
	case LabelPlaceHolder:
		return PlaceHolder{}, size, nil
	}

	// Unreachable: every branch of the switch above is covered by recordSize.
	return nil, 0, &CorruptionError{Offset: offset, Reason: "unhandled record label"}
}
