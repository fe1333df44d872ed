package batchcluster

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskParser turns a task's accumulated stdout and stderr into a typed
// result, or rejects the task with an error. A parser that returns an
// error rejects the task with a ParserRejectError; the child that ran it
// is not affected — it returns to idle.
type TaskParser[T any] func(stdout, stderr string) (T, error)

// Task is one request/response unit: a command string plus the parser
// that will interpret the child's response. A Task is immutable after
// construction except for its single-shot outcome.
type Task[T any] struct {
	id      uuid.UUID
	command string
	parser  TaskParser[T]

	// retryCount counts prior ChildDied/SpawnFailed attempts for this task.
	retryCount int

	// deadlineAt is set when the task is assigned to a child, not at
	// enqueue time; zero until then.
	deadlineAt time.Time

	result chan taskOutcome[T]
}

type taskOutcome[T any] struct {
	value T
	err   error
}

// NewTask constructs a Task for the given command and parser. The
// returned Task must be passed to EnqueueTask exactly once.
func NewTask[T any](command string, parser TaskParser[T]) *Task[T] {
	return &Task[T]{
		id:      uuid.New(),
		command: command,
		parser:  parser,
		result:  make(chan taskOutcome[T], 1),
	}
}

// ID returns the task's correlation id, stable for the task's lifetime.
func (t *Task[T]) ID() uuid.UUID { return t.id }

// Command returns the command string this task will send to a child.
func (t *Task[T]) Command() string { return t.command }

func (t *Task[T]) resolve(value T) {
	select {
	case t.result <- taskOutcome[T]{value: value}:
	default:
	}
}

func (t *Task[T]) reject(err error) {
	select {
	case t.result <- taskOutcome[T]{err: err}:
	default:
	}
}

// taskHandle is the type-erased view of a Task that the scheduler
// operates on. It lets the pool manage a FIFO of Task[T] for arbitrary T
// without the scheduler itself being generic.
type taskHandle interface {
	ID() uuid.UUID
	Command() string
	deadline() time.Time
	setDeadline(time.Time)
	retries() int
	incRetries()
	deliver(stdout, stderr string)
	rejectWith(err error)
}

func (t *Task[T]) deadline() time.Time     { return t.deadlineAt }
func (t *Task[T]) setDeadline(d time.Time) { t.deadlineAt = d }
func (t *Task[T]) retries() int            { return t.retryCount }
func (t *Task[T]) incRetries()             { t.retryCount++ }
func (t *Task[T]) rejectWith(err error)    { t.reject(err) }

// deliver runs the parser against accumulated stdout/stderr and resolves
// or rejects the task accordingly. A parser error becomes a
// ParserRejectError; the child is unaffected.
func (t *Task[T]) deliver(stdout, stderr string) {
	value, err := t.parser(stdout, stderr)
	if err != nil {
		t.reject(&ParserRejectError{Cause: err})
		return
	}
	t.resolve(value)
}

// Wait blocks until the task resolves (successfully or with an error),
// or until ctx is done, whichever comes first. Waiting does not consume
// the result — it may safely be called more than once, or concurrently.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case outcome := <-t.result:
		// put it back for any other waiters / a second Wait call
		t.result <- outcome
		return outcome.value, outcome.err
	}
}
