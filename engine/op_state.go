package engine

import "sync/atomic"

// OpState is the lifecycle state of an Engine.
type OpState uint32

const (
	ClosedState OpState = iota
	ClosingState
	OpeningState
	OpenedState
	// ShutdownState is terminal: the transport has been released.
	ShutdownState
)

func (s OpState) String() string {
	switch s {
	case ClosedState:
		return "Closed"
	case ClosingState:
		return "Closing"
	case OpeningState:
		return "Opening"
	case OpenedState:
		return "Opened"
	case ShutdownState:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

type atomicOpState struct {
	state atomic.Uint32
}

func (st *atomicOpState) Get() OpState {
	return OpState(st.state.Load())
}

func (st *atomicOpState) String() string {
	return st.Get().String()
}

// acceptsWork reports whether transactions may be submitted.
func (st *atomicOpState) acceptsWork() bool {
	s := st.Get()
	return s == OpeningState || s == OpenedState
}

func (st *atomicOpState) toOpening() bool {
	return st.state.CompareAndSwap(uint32(ClosedState), uint32(OpeningState))
}

func (st *atomicOpState) toOpened() bool {
	return st.state.CompareAndSwap(uint32(OpeningState), uint32(OpenedState))
}

func (st *atomicOpState) toClosing() bool {
	if st.state.CompareAndSwap(uint32(OpenedState), uint32(ClosingState)) {
		return true
	}

	return st.state.CompareAndSwap(uint32(OpeningState), uint32(ClosingState))
}

func (st *atomicOpState) toShutdown() {
	st.state.Store(uint32(ShutdownState))
}
