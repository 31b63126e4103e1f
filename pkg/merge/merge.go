package merge

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cilium/slimmer/pkg/impactcall"
	"github.com/cilium/slimmer/pkg/metadata"
	"github.com/cilium/slimmer/pkg/trace"
)

// EventSource is the subset of *trace.ForwardReader this package depends on.
type EventSource interface {
	Next() (trace.Event, error)
}

// Sink receives blocks in execution order as they're produced. Merge calls it
// synchronously; a nil error return continues merging, any other error
// aborts with that error.
type Sink func(Block) error

type stackFrame struct {
	bbID   int64
	cursor int
	// predBB is this activation's dynamic predecessor BB, fixed at the
	// moment control entered bbID (merge.Block.PredBB, spec.md §4.8 "phi
	// selected by predecessor BB").
	predBB int64
}

type threadState struct {
	stack            []stackFrame
	pendingFirst     First
	pendingCaller    int64
	argPointers      []uint64
	calleeInvocation map[uint64]uint64
	instInvocation   map[int64]uint64
	// prevBB is the last BB this thread was executing in, used to stamp the
	// next pushed frame's predBB. -1 until the thread's first BasicBlock.
	prevBB int64
}

func newThreadState() *threadState {
	return &threadState{
		calleeInvocation: make(map[uint64]uint64),
		instInvocation:   make(map[int64]uint64),
		prevBB:           -1,
	}
}

func (st *threadState) top() *stackFrame { return &st.stack[len(st.stack)-1] }

func (st *threadState) nextInvocation(instID int64) uint64 {
	n := st.instInvocation[instID]
	st.instInvocation[instID] = n + 1
	return n
}

// Merger runs the event-driven merge described in spec.md §4.4.
type Merger struct {
	meta      *metadata.Metadata
	impactful impactcall.Set
	emit      Sink

	threads map[uint64]*threadState
}

// New builds a Merger that will classify external-call returns as
// ImpactfulCall when their activation is present in impactful, and call emit
// for every block it produces, in execution order per thread (blocks from
// different threads may interleave in the order their driving events arrive).
func New(meta *metadata.Metadata, impactful impactcall.Set, emit Sink) *Merger {
	return &Merger{meta: meta, impactful: impactful, emit: emit, threads: make(map[uint64]*threadState)}
}

func (m *Merger) threadFor(tid uint64) *threadState {
	st, ok := m.threads[tid]
	if !ok {
		st = newThreadState()
		m.threads[tid] = st
	}
	return st
}

func (m *Merger) instsOf(bbID int64) []int64 { return m.meta.BB2Ins[bbID] }

func (m *Merger) classOf(instID int64) metadata.OpcodeClass { return m.meta.Insts[instID].Class }

// isIntrinsicCallee reports whether name is an LLVM intrinsic, which never
// has a matching callee BasicBlock event in the compiler trace.
func isIntrinsicCallee(name string) bool {
	return strings.HasPrefix(name, "llvm.")
}

// Run consumes every event from r and drives the merge to completion,
// calling the Merger's sink for each emitted block.
func (m *Merger) Run(r EventSource) error {
	for {
		ev, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return m.flush()
			}
			return err
		}
		if err := m.handle(ev); err != nil {
			return err
		}
	}
}

func (m *Merger) handle(ev trace.Event) error {
	switch e := ev.(type) {
	case trace.BasicBlock:
		if err := m.onBasicBlock(e.ThreadID, int64(e.InstID)); err != nil {
			return err
		}

	case trace.Memory:
		st := m.threadFor(e.ThreadID)
		if len(st.stack) == 0 {
			return fmt.Errorf("merge: thread %d: Memory event with no active frame", e.ThreadID)
		}
		st.top().cursor++
		if err := m.emitBlock(e.ThreadID, st, Block{
			Kind:   KindMemoryAccess,
			BBID:   st.top().bbID,
			PredBB: st.top().predBB,
			Inst:   DynamicInst{ThreadID: e.ThreadID, InstID: int64(e.InstID), Invocation: st.nextInvocation(int64(e.InstID))},
			Ranges: []AddrRange{{Lo: e.Addr, Hi: e.Addr + e.Length}},
		}); err != nil {
			return err
		}
		if err := m.drain(e.ThreadID, st); err != nil {
			return err
		}

	case trace.Return:
		st := m.threadFor(e.ThreadID)
		if len(st.stack) == 0 {
			return fmt.Errorf("merge: thread %d: Return event with no active frame", e.ThreadID)
		}
		st.top().cursor++
		invocation := st.calleeInvocation[e.CalleeAddr]
		st.calleeInvocation[e.CalleeAddr] = invocation + 1

		kind := KindExternalCall
		if m.impactful.Has(impactcall.Activation{ThreadID: e.ThreadID, CalleeAddr: e.CalleeAddr, Invocation: invocation}) {
			kind = KindImpactfulCall
		}
		args := st.argPointers
		st.argPointers = nil
		if err := m.emitBlock(e.ThreadID, st, Block{
			Kind:        kind,
			BBID:        st.top().bbID,
			PredBB:      st.top().predBB,
			Inst:        DynamicInst{ThreadID: e.ThreadID, InstID: int64(e.InstID), Invocation: st.nextInvocation(int64(e.InstID))},
			CalleeAddr:  e.CalleeAddr,
			ArgPointers: args,
		}); err != nil {
			return err
		}
		if err := m.drain(e.ThreadID, st); err != nil {
			return err
		}

	case trace.Argument:
		st := m.threadFor(e.ThreadID)
		st.argPointers = append(st.argPointers, e.PointerValue)

	case trace.Memset:
		st := m.threadFor(e.ThreadID)
		if len(st.stack) == 0 {
			return fmt.Errorf("merge: thread %d: Memset event with no active frame", e.ThreadID)
		}
		st.top().cursor++
		if err := m.emitBlock(e.ThreadID, st, Block{
			Kind:   KindMemset,
			BBID:   st.top().bbID,
			PredBB: st.top().predBB,
			Inst:   DynamicInst{ThreadID: e.ThreadID, InstID: int64(e.InstID), Invocation: st.nextInvocation(int64(e.InstID))},
			Ranges: []AddrRange{{Lo: e.Addr, Hi: e.Addr + e.Length}},
		}); err != nil {
			return err
		}
		if err := m.drain(e.ThreadID, st); err != nil {
			return err
		}

	case trace.Memmove:
		st := m.threadFor(e.ThreadID)
		if len(st.stack) == 0 {
			return fmt.Errorf("merge: thread %d: Memmove event with no active frame", e.ThreadID)
		}
		st.top().cursor++
		if err := m.emitBlock(e.ThreadID, st, Block{
			Kind:   KindMemmove,
			BBID:   st.top().bbID,
			PredBB: st.top().predBB,
			Inst:   DynamicInst{ThreadID: e.ThreadID, InstID: int64(e.InstID), Invocation: st.nextInvocation(int64(e.InstID))},
			Ranges: []AddrRange{
				{Lo: e.Dest, Hi: e.Dest + e.Length},
				{Lo: e.Src, Hi: e.Src + e.Length},
			},
		}); err != nil {
			return err
		}
		if err := m.drain(e.ThreadID, st); err != nil {
			return err
		}

	case trace.Syscall:
		// Consumed entirely by pkg/impactcall; carries no merge-time effect.
	}

	return nil
}

// onBasicBlock implements spec.md §4.4's BasicBlock handler.
func (m *Merger) onBasicBlock(tid uint64, bbID int64) error {
	st := m.threadFor(tid)
	predBB := st.prevBB

	switch {
	case len(st.stack) == 0:
		st.pendingFirst = FirstThreadEntry
		st.pendingCaller = 0

	case st.top().cursor >= len(m.instsOf(st.top().bbID)):
		st.stack = st.stack[:len(st.stack)-1]
		st.pendingFirst = FirstNone
		st.pendingCaller = 0

	default:
		top := st.top()
		insts := m.instsOf(top.bbID)
		callSite := insts[top.cursor-1]
		st.pendingFirst = FirstFunctionEntry
		st.pendingCaller = callSite
	}

	st.stack = append(st.stack, stackFrame{bbID: bbID, cursor: 0, predBB: predBB})
	st.prevBB = bbID
	return m.drain(tid, st)
}

// drain implements spec.md §4.4's "after each event, drain the current BB"
// step: it greedily emits Normal blocks until the top frame needs another
// driving event (a Load/Store/Atomic/ExternalCall boundary) or transfers
// control to a callee (a Call instruction, included in the emitted block).
func (m *Merger) drain(tid uint64, st *threadState) error {
	for len(st.stack) > 0 {
		top := st.top()
		insts := m.instsOf(top.bbID)
		if top.cursor >= len(insts) {
			return nil
		}

		start := top.cursor
		end := start
		stoppedAtCall := false
		for end < len(insts) {
			switch m.classOf(insts[end]) {
			case metadata.Call:
				// An intrinsic call (e.g. llvm.dbg.value, llvm.memcpy) never
				// shows up as a callee BasicBlock in the trace, so it doesn't
				// terminate the run the way a real call does.
				if isIntrinsicCallee(m.meta.Insts[insts[end]].CalleeName) {
					end++
					continue
				}
				end++
				stoppedAtCall = true
			case metadata.ExternalCall, metadata.Load, metadata.Store, metadata.Atomic:
				// Boundary instruction: needs its own driving event.
			default:
				end++
				continue
			}
			break
		}

		if end == start {
			return nil
		}
		top.cursor = end

		blk := Block{Kind: KindNormal, BBID: top.bbID, PredBB: top.predBB, Start: start, End: end}
		if m.classOf(insts[end-1]) == metadata.Return {
			st.stack = st.stack[:len(st.stack)-1]
			if len(st.stack) == 0 {
				blk.Last = LastThreadExit
			} else {
				blk.Last = LastFunctionExit
				blk.CallerBB = st.top().bbID
			}
		}

		if err := m.emitBlock(tid, st, blk); err != nil {
			return err
		}

		if stoppedAtCall {
			return nil
		}
	}
	return nil
}

func (m *Merger) emitBlock(tid uint64, st *threadState, blk Block) error {
	blk.ThreadID = tid
	blk.First = st.pendingFirst
	blk.Caller = st.pendingCaller
	st.pendingFirst = FirstNone
	st.pendingCaller = 0
	return m.emit(blk)
}

// flush runs one last drain pass per thread once the event stream ends, per
// spec.md §4.4's "at end of the compiler stream, flush remaining active
// frames analogously". Any frame still short of its BB's end at this point
// was mid-instruction when the trace stopped and is left unflushed; it did
// not complete, so no further smallest block can be formed for it.
func (m *Merger) flush() error {
	for tid, st := range m.threads {
		if err := m.drain(tid, st); err != nil {
			return err
		}
	}
	return nil
}
