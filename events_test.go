package batchcluster

import "testing"

func TestEmitterDispatchesInRegistrationOrder(t *testing.T) {
	e := newEmitter()
	var order []int
	e.on(EventTaskData, func(any) { order = append(order, 1) })
	e.on(EventTaskData, func(any) { order = append(order, 2) })
	e.on(EventTaskData, func(any) { order = append(order, 3) })

	e.emit(EventTaskData, nil)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("got %v, want [1 2 3]", order)
	}
}

func TestEmitterRecoversHandlerPanic(t *testing.T) {
	e := newEmitter()
	var secondRan bool
	e.on(EventTaskError, func(any) { panic("boom") })
	e.on(EventTaskError, func(any) { secondRan = true })

	e.emit(EventTaskError, nil) // must not panic

	if !secondRan {
		t.Fatal("second handler did not run after first panicked")
	}
}

func TestEmitterUnsubscribe(t *testing.T) {
	e := newEmitter()
	var calls int
	unsubscribe := e.on(EventChildStart, func(any) { calls++ })
	e.emit(EventChildStart, nil)
	unsubscribe()
	e.emit(EventChildStart, nil)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
