// Package impactcall extracts the set of external-function activations that
// executed a side-effecting syscall (spec.md §4.3), by replaying the
// syscall-level trace's Call/Return/Syscall events against a per-thread call
// stack.
package impactcall

import (
	"errors"
	"fmt"
	"io"

	"github.com/cilium/slimmer/pkg/trace"
)

// Activation identifies one dynamic invocation of an external function: the
// thread it ran on, the address it was called at, and how many times that
// address had already been called on that thread.
type Activation struct {
	ThreadID   uint64
	CalleeAddr uint64
	Invocation uint64
}

// Set is the output of Extract: the activations during which a syscall ran.
type Set map[Activation]struct{}

// Has reports whether a is impactful.
func (s Set) Has(a Activation) bool {
	_, ok := s[a]
	return ok
}

// ImbalancedReturnError is returned when a Return event does not match the
// address on top of its thread's call stack, which spec.md §4.3 treats as a
// tracer error rather than something to tolerate.
type ImbalancedReturnError struct {
	ThreadID   uint64
	Got        uint64
	Want       uint64
	StackEmpty bool
}

func (e *ImbalancedReturnError) Error() string {
	if e.StackEmpty {
		return fmt.Sprintf("impactcall: thread %d returned from %#x with an empty call stack", e.ThreadID, e.Got)
	}
	return fmt.Sprintf("impactcall: thread %d returned from %#x, expected return from %#x", e.ThreadID, e.Got, e.Want)
}

// EventSource is the subset of *trace.ForwardReader this package depends on;
// satisfied directly by the trace package's forward reader.
type EventSource interface {
	Next() (trace.Event, error)
}

type frame struct {
	addr  uint64
	index uint64
}

type threadState struct {
	stack     []frame
	nextIndex map[uint64]uint64
}

// Extract replays the syscall-level stream in r, producing the set of
// external-call activations under which at least one Syscall event fired.
func Extract(r EventSource) (Set, error) {
	result := make(Set)
	threads := make(map[uint64]*threadState)

	threadFor := func(tid uint64) *threadState {
		st, ok := threads[tid]
		if !ok {
			st = &threadState{nextIndex: make(map[uint64]uint64)}
			threads[tid] = st
		}
		return st
	}

	for {
		ev, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return result, nil
			}
			return nil, err
		}

		switch e := ev.(type) {
		case trace.Call:
			st := threadFor(e.ThreadID)
			idx := st.nextIndex[e.CalleeAddr]
			st.nextIndex[e.CalleeAddr] = idx + 1
			st.stack = append(st.stack, frame{addr: e.CalleeAddr, index: idx})

		case trace.Return:
			st := threadFor(e.ThreadID)
			if len(st.stack) == 0 {
				return nil, &ImbalancedReturnError{ThreadID: e.ThreadID, Got: e.CalleeAddr, StackEmpty: true}
			}
			top := st.stack[len(st.stack)-1]
			if top.addr != e.CalleeAddr {
				return nil, &ImbalancedReturnError{ThreadID: e.ThreadID, Got: e.CalleeAddr, Want: top.addr}
			}
			st.stack = st.stack[:len(st.stack)-1]

		case trace.Syscall:
			st := threadFor(e.ThreadID)
			if len(st.stack) == 0 {
				// Happens before the tracee's first instrumented call.
				continue
			}
			top := st.stack[len(st.stack)-1]
			result[Activation{ThreadID: e.ThreadID, CalleeAddr: top.addr, Invocation: top.index}] = struct{}{}
		}
	}
}
