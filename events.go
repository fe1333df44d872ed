package batchcluster

import (
	"log"
	"sync"
)

// EventName identifies one of the Cluster's lifecycle events. Handlers
// subscribed via Cluster.On are invoked synchronously, in registration
// order, on whichever goroutine raised the event (almost always the
// scheduler's single run loop) — see dispatch below.
type EventName string

const (
	// EventChildStart fires once a spawned child passes its startup
	// probe and becomes idle. Payload: *ChildStartEvent.
	EventChildStart EventName = "childStart"
	// EventChildExit fires when a child's process has actually exited,
	// regardless of why. Payload: *ChildExitEvent.
	EventChildExit EventName = "childExit"
	// EventStartError fires when a spawned child fails its startup
	// probe (bad version command, spawn timeout, process died before
	// replying). Payload: *StartErrorEvent.
	EventStartError EventName = "startError"
	// EventEndError fires when the spawn-failure rate exceeds
	// MaxReasonableProcessFailuresPerMin and the cluster begins ending
	// itself. Payload: *EndErrorEvent.
	EventEndError EventName = "endError"
	// EventInternalError fires for conditions that indicate a bug in
	// this package rather than in a task or a child. Payload: error.
	EventInternalError EventName = "internalError"
	// EventTaskData fires once per task whose child emitted the pass
	// marker with no stderr output, after its parser has run; it fires
	// whether or not the parser rejected the output. Payload:
	// *TaskDataEvent.
	EventTaskData EventName = "taskData"
	// EventTaskError fires once per task rejected with a
	// StderrOutputError, FailMarkerError or TimeoutError. It does not
	// fire for ParserRejectError, ChildDiedError or ErrClusterEnded
	// rejections. Payload: *TaskErrorEvent.
	EventTaskError EventName = "taskError"
	// EventBeforeEnd fires once, synchronously, at the start of End,
	// before any child is sent its exit command.
	EventBeforeEnd EventName = "beforeEnd"
	// EventEnd fires once, after every child has reached stateDead and
	// the pending queue has been drained with ErrClusterEnded.
	EventEnd EventName = "end"
)

// ChildStartEvent is the EventChildStart payload.
type ChildStartEvent struct {
	Pid int
}

// ChildExitEvent is the EventChildExit payload.
type ChildExitEvent struct {
	Pid      int
	Graceful bool
	Err      error
}

// StartErrorEvent is the EventStartError payload.
type StartErrorEvent struct {
	Pid int
	Err error
}

// EndErrorEvent is the EventEndError payload.
type EndErrorEvent struct {
	Pid int
	Err error
}

// TaskDataEvent is the EventTaskData payload.
type TaskDataEvent struct {
	Command string
	Pid     int
}

// TaskErrorEvent is the EventTaskError payload.
type TaskErrorEvent struct {
	Command string
	Pid     int
	Err     error
}

// EventHandler receives an event's payload; the concrete type depends
// on the EventName the handler was registered under (see the *Event
// doc comments above).
type EventHandler func(payload any)

// emitter is a minimal synchronous pub/sub dispatcher, grounded on the
// dispatch loop in joeycumines-go-utilpkg/eventloop: handlers run
// in registration order, on the emitting goroutine, and a handler that
// panics is recovered rather than allowed to take down the scheduler
// loop — one misbehaving subscriber should not stop the cluster from
// processing tasks. The recovered value is forwarded to onPanic
// (wired up by the scheduler to its internalError path) without
// unregistering the handler.
type emitter struct {
	mu       sync.RWMutex
	handlers map[EventName][]EventHandler
	onPanic  func(name EventName, recovered any)
}

func newEmitter() *emitter {
	return &emitter{handlers: make(map[EventName][]EventHandler)}
}

// on registers handler for name and returns a function that removes it.
func (e *emitter) on(name EventName, handler EventHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = append(e.handlers[name], handler)
	idx := len(e.handlers[name]) - 1
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		hs := e.handlers[name]
		if idx < len(hs) {
			hs[idx] = nil
		}
	}
}

// emit dispatches payload to every handler registered for name.
func (e *emitter) emit(name EventName, payload any) {
	e.mu.RLock()
	hs := append([]EventHandler(nil), e.handlers[name]...)
	e.mu.RUnlock()

	for _, h := range hs {
		if h == nil {
			continue
		}
		e.dispatchOne(name, h, payload)
	}
}

func (e *emitter) dispatchOne(name EventName, h EventHandler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("batchcluster: %s handler panicked: %v", name, r)
			// A handler subscribed to EventInternalError itself panicking
			// must not re-enter this path, or a perpetually-panicking
			// subscriber would recurse forever.
			if name == EventInternalError || e.onPanic == nil {
				return
			}
			e.onPanic(name, r)
		}
	}()
	h(payload)
}
