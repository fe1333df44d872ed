package batchcluster

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrClusterEnded is the error a task's Wait returns when the task was
// enqueued after the cluster began (or finished) ending, or was still
// pending when End was called.
var ErrClusterEnded = errors.New("batchcluster: cluster ended")

// InvalidOptionsError lists every validation failure found in a single
// call to validate. Its Error method always begins with the fixed
// phrase required by the options contract, followed by one violation per
// line in declaration order.
type InvalidOptionsError struct {
	Violations []string
}

func (e *InvalidOptionsError) Error() string {
	msg := "BatchCluster was given invalid options"
	for _, v := range e.Violations {
		msg += "\n  " + v
	}
	return msg
}

// SpawnFailedError wraps a failure to start a child process, or a
// failure of the child to answer the startup probe in time. Tasks that
// fail this way are retried at the head of the queue (see ChildDiedError).
type SpawnFailedError struct {
	Cause error
}

func (e *SpawnFailedError) Error() string { return "batchcluster: spawn failed: " + e.Cause.Error() }
func (e *SpawnFailedError) Unwrap() error { return e.Cause }

// TimeoutError reports that a task's deadline elapsed before the child
// emitted a terminal line. The child that owned the task is killed and
// never reused.
type TimeoutError struct {
	Command string
	After   fmt.Stringer
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("batchcluster: task %q timed out after %s", e.Command, e.After)
}

// FailMarkerError reports that the child emitted the configured fail
// marker for this task. Tail holds the captured stderr, or the stdout
// tail if stderr was empty.
type FailMarkerError struct {
	Tail string
}

func (e *FailMarkerError) Error() string {
	return "batchcluster: child reported failure: " + e.Tail
}

// ParserRejectError wraps an error returned by the caller-supplied
// TaskParser.
type ParserRejectError struct {
	Cause error
}

func (e *ParserRejectError) Error() string { return "batchcluster: parser rejected output: " + e.Cause.Error() }
func (e *ParserRejectError) Unwrap() error { return e.Cause }

// StderrOutputError reports that the child wrote to stderr before (or
// alongside) the terminal line. The child remains healthy and is
// returned to the idle pool; only the task is rejected.
type StderrOutputError struct {
	Stderr string
}

func (e *StderrOutputError) Error() string {
	return "batchcluster: child wrote to stderr: " + e.Stderr
}

// ChildDiedError reports that the child process exited while a task was
// assigned to it. The scheduler retries the task once, at the head of
// the queue; a second ChildDiedError for the same task is returned to
// the caller instead of retried again.
type ChildDiedError struct {
	Cause error
}

func (e *ChildDiedError) Error() string {
	if e.Cause == nil {
		return "batchcluster: child process died"
	}
	return "batchcluster: child process died: " + e.Cause.Error()
}
func (e *ChildDiedError) Unwrap() error { return e.Cause }

// internalErrorf builds an error for the internalError event channel,
// annotated with a stack trace. It is never returned to task callers;
// it is used for the Cluster's internalError event (counted in
// InternalErrorCount) and as the Err of startError and endError events.
func internalErrorf(format string, args ...any) error {
	return errors.WithStack(fmt.Errorf(format, args...))
}
