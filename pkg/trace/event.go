// Package trace implements the compressed, framed event-stream codec
// described in spec.md §4.2: a forward iterator, a backward iterator, and
// an append-only writer over the same on-disk format.
package trace

import "fmt"

// Label identifies the wire type of an event record. Every record is
// prefixed and suffixed with its Label byte so the backward iterator can
// discover a record's start by looking at its end.
type Label byte

const (
	LabelBasicBlock  Label = 0
	LabelMemory      Label = 1
	LabelCall        Label = 2
	LabelReturn      Label = 3
	LabelSyscall     Label = 4
	LabelArgument    Label = 5
	LabelMemset      Label = 6
	LabelMemmove     Label = 7
	LabelEnd         Label = 125
	LabelPlaceHolder Label = 126
)

// recordSize is the total on-wire size of a record (including both label
// bytes), indexed by Label.
var recordSize = map[Label]int{
	LabelBasicBlock:  14,
	LabelMemory:      30,
	LabelCall:        18,
	LabelReturn:      22,
	LabelSyscall:     10,
	LabelArgument:    18,
	LabelMemset:      30,
	LabelMemmove:     38,
	LabelEnd:         1,
	LabelPlaceHolder: 1,
}

// Event is implemented by every record type in spec.md §4.2's table.
type Event interface {
	Label() Label
}

// BasicBlock records entry into a basic block on a thread.
type BasicBlock struct {
	ThreadID uint64
	InstID   uint32
}

func (BasicBlock) Label() Label { return LabelBasicBlock }

// Memory records a single load, store, or atomic access.
type Memory struct {
	ThreadID uint64
	InstID   uint32
	Addr     uint64
	Length   uint64
}

func (Memory) Label() Label { return LabelMemory }

// Call records a call instruction (syscall-stream only: marks entry into a
// callee address for the impactful-call extractor's virtual call stack).
type Call struct {
	ThreadID   uint64
	CalleeAddr uint64
}

func (Call) Label() Label { return LabelCall }

// Return records an external call's return, carrying the callee address so
// the merger can classify it as Impactful or not.
type Return struct {
	ThreadID   uint64
	InstID     uint32
	CalleeAddr uint64
}

func (Return) Label() Label { return LabelReturn }

// Syscall records that a side-effecting syscall executed on a thread, used
// by the impactful-call extractor to mark the current call-stack top.
type Syscall struct {
	ThreadID uint64
}

func (Syscall) Label() Label { return LabelSyscall }

// Argument records a pointer value passed to an upcoming external call,
// collected by the merger into that call's ExternalCall/ImpactfulCall block.
type Argument struct {
	ThreadID     uint64
	PointerValue uint64
}

func (Argument) Label() Label { return LabelArgument }

// Memset records a memset-shaped write over [Addr, Addr+Length).
type Memset struct {
	ThreadID uint64
	InstID   uint32
	Addr     uint64
	Length   uint64
}

func (Memset) Label() Label { return LabelMemset }

// Memmove records a memmove-shaped copy from [Src, Src+Length) to
// [Dest, Dest+Length).
type Memmove struct {
	ThreadID uint64
	InstID   uint32
	Dest     uint64
	Src      uint64
	Length   uint64
}

func (Memmove) Label() Label { return LabelMemmove }

// End is the graceful terminator of the final frame's payload.
type End struct{}

func (End) Label() Label { return LabelEnd }

// PlaceHolder is padding filling the unused tail of a frame's payload.
type PlaceHolder struct{}

func (PlaceHolder) Label() Label { return LabelPlaceHolder }

// CorruptionError reports trace corruption (spec.md §7): a malformed
// frame, an unrecognized record label, or a label/trailing-label mismatch.
// It always names the byte offset at which the problem was detected.
type CorruptionError struct {
	Offset int64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("trace corruption at offset %d: %s", e.Offset, e.Reason)
}
