package batchcluster

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// childState is the lifecycle state of a ChildHandle. See spec §3/§4.2
// for the full transition table; childState's zero value is
// stateStarting, the state every handle is constructed in.
type childState int

const (
	stateStarting childState = iota
	stateIdle
	stateBusy
	stateEnding
	stateDead
)

func (s childState) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateIdle:
		return "idle"
	case stateBusy:
		return "busy"
	case stateEnding:
		return "ending"
	case stateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// childEventKind tags the payload of a childEvent.
type childEventKind int

const (
	evLine childEventKind = iota
	evExit
)

// childEvent is pushed onto the scheduler's single event channel by a
// ChildHandle's background IO goroutines. All mutation of ChildHandle
// and pool state happens when the scheduler's single run loop consumes
// one of these — see scheduler.go — which is what keeps the invariants
// in spec §3 true without locking.
type childEvent struct {
	child  *ChildHandle
	kind   childEventKind
	stream string // "stdout" or "stderr", set for evLine
	line   string // set for evLine
	err    error  // set for evExit
}

// ChildHandle owns one child process and its pipes. It is created and
// destroyed exclusively by the Scheduler; it never references the
// Scheduler back, only emits childEvents the scheduler consumes — this
// breaks the natural ownership cycle (spec §9).
type ChildHandle struct {
	id    uuid.UUID
	proc  ChildProcess
	pid   int
	state childState

	startedAt time.Time
	taskCount int
	current   taskHandle

	stdoutDelim *lineDelimiter
	stderrDelim *lineDelimiter
	stdoutAccum strings.Builder
	stderrAccum strings.Builder
	sawStderr   bool // stderr bytes observed since the current task was assigned

	startDeadline time.Time // valid only while state == stateStarting
	endDeadline   time.Time // valid only while state == stateEnding
	signaled      bool      // SIGTERM already sent during the ending escalation

	lastStats atomic.Value // holds procstatsSample, set opportunistically
}

// spawnChild invokes factory and, on success, starts the IO goroutines
// that will report lines and exit back to events. On failure it returns
// the factory's error directly — the caller (scheduler tick, step 4)
// treats this identically to a SpawnFailedError.
func spawnChild(factory ProcessFactory, events chan<- childEvent) (*ChildHandle, error) {
	proc, err := factory()
	if err != nil {
		return nil, err
	}

	c := &ChildHandle{
		id:          uuid.New(),
		proc:        proc,
		pid:         proc.Pid(),
		state:       stateStarting,
		startedAt:   time.Now(),
		stdoutDelim: newLineDelimiter(newlineLF),
		stderrDelim: newLineDelimiter(newlineLF),
	}

	go c.pump(proc.Stdout(), "stdout", events)
	go c.pump(proc.Stderr(), "stderr", events)
	go c.awaitExit(events)

	return c, nil
}

// setNewline lets the scheduler install the cluster's configured newline
// once, right after spawnChild (Options aren't known inside child.go).
func (c *ChildHandle) setNewline(nl newline) {
	c.stdoutDelim = newLineDelimiter(nl)
	c.stderrDelim = newLineDelimiter(nl)
}

func (c *ChildHandle) pump(r Reader, stream string, events chan<- childEvent) {
	buf := make([]byte, 4096)
	delim := c.stdoutDelim
	if stream == "stderr" {
		delim = c.stderrDelim
	}
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range delim.Feed(buf[:n]) {
				events <- childEvent{child: c, kind: evLine, stream: stream, line: line}
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *ChildHandle) awaitExit(events chan<- childEvent) {
	err := c.proc.Wait()
	events <- childEvent{child: c, kind: evExit, err: err}
}

// ---- accessors used by the scheduler (single-threaded access only) ----

func (c *ChildHandle) Pid() int         { return c.pid }
func (c *ChildHandle) State() childState { return c.state }
func (c *ChildHandle) Age() time.Duration { return time.Since(c.startedAt) }
func (c *ChildHandle) TaskCount() int    { return c.taskCount }

// assign transitions an idle child to busy, writes the task's command,
// and arms its deadline. Returns any write error, which the caller
// treats as a ChildDiedError for the task (the child will also soon
// report its own exit via awaitExit).
func (c *ChildHandle) assign(t taskHandle, taskTimeout time.Duration, nl newline) error {
	c.state = stateBusy
	c.current = t
	c.sawStderr = false
	c.stdoutAccum.Reset()
	c.stderrAccum.Reset()
	t.setDeadline(time.Now().Add(taskTimeout))
	_, err := c.proc.Stdin().Write([]byte(t.Command() + string(nl)))
	return err
}

// writeProbe sends the startup version probe. Called once, right after
// spawnChild, while the child is still stateStarting.
func (c *ChildHandle) writeProbe(versionCommand string, nl newline, timeout time.Duration) error {
	c.startDeadline = time.Now().Add(timeout)
	_, err := c.proc.Stdin().Write([]byte(versionCommand + string(nl)))
	return err
}

// retire transitions an idle child to ending because of the
// age/task-count policy, writing the configured exit command and
// arming the graceful-wait deadline.
func (c *ChildHandle) retire(exitCommand string, nl newline, gracefulWait time.Duration) {
	c.state = stateEnding
	c.endDeadline = time.Now().Add(gracefulWait)
	_, _ = c.proc.Stdin().Write([]byte(exitCommand + string(nl)))
}

// killNow moves the child directly to ending without attempting a
// graceful exit command — used on task timeout, where the child's
// state is unknown and not worth reasoning about further.
func (c *ChildHandle) killNow() {
	c.state = stateEnding
	c.endDeadline = time.Time{} // zero: ageOut never escalates; the child waits for its exit event
	_ = c.proc.Kill()
}

// escalate advances the ending->dead shutdown sequence one step: the
// first call sends a graceful signal and re-arms the deadline; the
// second sends SIGKILL. Called from the scheduler tick once endDeadline
// has passed for a child still in stateEnding.
func (c *ChildHandle) escalate(gracefulWait time.Duration) {
	if !c.signaled {
		_ = c.proc.Signal()
		c.signaled = true
		c.endDeadline = time.Now().Add(gracefulWait)
		return
	}
	_ = c.proc.Kill()
}

func (c *ChildHandle) stats() (procstatsSample, bool) {
	v := c.lastStats.Load()
	if v == nil {
		return procstatsSample{}, false
	}
	return v.(procstatsSample), true
}

// procstatsSample holds a copy of an internal/procstats.Sample;
// scheduler.go's sampleStats fills it in from procstats.Take.
type procstatsSample struct {
	RSSBytes   uint64
	CPUPercent float64
	SampledAt  time.Time
}
