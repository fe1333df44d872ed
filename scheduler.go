package batchcluster

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/procpool/batchcluster/internal/configwatch"
	"github.com/procpool/batchcluster/internal/procstats"
	"github.com/procpool/batchcluster/internal/ratelimit"
)

// ctrlKind tags a ctrlMsg sent to the scheduler's run loop.
type ctrlKind int

const (
	ctrlEnqueue ctrlKind = iota
	ctrlPids
	ctrlEnd
	ctrlMemoryPressure
	ctrlApplyLive
)

// ctrlMsg is the single channel type external callers use to talk to
// the scheduler's run loop — the only other input is childEvents,
// fed exclusively by ChildHandle's background goroutines. Funnelling
// everything through these two channels is what keeps all pool/queue
// mutation on one goroutine (spec §5).
type ctrlMsg struct {
	kind ctrlKind

	task taskHandle // ctrlEnqueue

	pidsReply chan<- []int // ctrlPids

	memReply chan<- uint64 // ctrlMemoryPressure

	endGraceful bool          // ctrlEnd
	endReply    chan struct{} // ctrlEnd

	live configwatch.LiveOptions // ctrlApplyLive
}

// Scheduler owns the pending queue and the pool of ChildHandles and
// runs the onIdle tick described in spec §4.1. It is not exported
// directly; Cluster is the public facade (cluster.go).
type Scheduler struct {
	opts   Options
	events *emitter

	ctrl        chan ctrlMsg
	childEvents chan childEvent
	ticker      *time.Ticker

	pending  []taskHandle
	children []*ChildHandle

	spawnedProcs       int64
	completedTasks     int64
	internalErrorCount int64

	breaker *ratelimit.FailureBreaker

	ending     bool
	endReplies []chan struct{}
	endedCh    chan struct{}
}

func newScheduler(opts Options, events *emitter) *Scheduler {
	interval := opts.onIdleInterval()
	if interval <= 0 {
		interval = time.Millisecond
	}
	s := &Scheduler{
		opts:        opts,
		events:      events,
		ctrl:        make(chan ctrlMsg, 64),
		childEvents: make(chan childEvent, 256),
		ticker:      time.NewTicker(interval),
		breaker:     ratelimit.NewFailureBreaker(opts.maxReasonableProcessFailuresPerMin(), time.Minute),
		endedCh:     make(chan struct{}),
	}
	events.onPanic = func(name EventName, recovered any) {
		s.internalError(internalErrorf("%s handler panicked: %v", name, recovered))
	}
	return s
}

// enqueue hands t to the run loop, or rejects it immediately if the
// loop has already finished ending.
func (s *Scheduler) enqueue(t taskHandle) {
	select {
	case <-s.endedCh:
		t.rejectWith(ErrClusterEnded)
	case s.ctrl <- ctrlMsg{kind: ctrlEnqueue, task: t}:
	}
}

func (s *Scheduler) pids() []int {
	reply := make(chan []int, 1)
	select {
	case <-s.endedCh:
		return nil
	case s.ctrl <- ctrlMsg{kind: ctrlPids, pidsReply: reply}:
	}
	select {
	case <-s.endedCh:
		return nil
	case pids := <-reply:
		return pids
	}
}

// end requests the cluster end (gracefully or not) and blocks until it
// has fully ended. Safe to call more than once, and concurrently.
func (s *Scheduler) end(graceful bool) {
	reply := make(chan struct{})
	select {
	case s.ctrl <- ctrlMsg{kind: ctrlEnd, endGraceful: graceful, endReply: reply}:
	case <-s.endedCh:
		return
	}
	select {
	case <-reply:
	case <-s.endedCh:
	}
}

func (s *Scheduler) ended() bool {
	select {
	case <-s.endedCh:
		return true
	default:
		return false
	}
}

// run is the scheduler's single logical task runner (spec §5). It must
// be started exactly once, in its own goroutine, by New.
func (s *Scheduler) run() {
	defer s.ticker.Stop()
	for {
		select {
		case msg := <-s.ctrl:
			s.handleCtrl(msg)
		case ev := <-s.childEvents:
			s.handleChildEvent(ev)
		case <-s.ticker.C:
			s.tick()
		}

		if s.ending && len(s.children) == 0 {
			s.finishEnding()
			return
		}
	}
}

func (s *Scheduler) handleCtrl(msg ctrlMsg) {
	switch msg.kind {
	case ctrlEnqueue:
		if s.ending {
			msg.task.rejectWith(ErrClusterEnded)
			return
		}
		s.pending = append(s.pending, msg.task)
		s.tick()

	case ctrlPids:
		s.tick() // reap first so the snapshot excludes dead children
		pids := make([]int, 0, len(s.children))
		for _, c := range s.children {
			pids = append(pids, c.Pid())
		}
		msg.pidsReply <- pids

	case ctrlEnd:
		s.beginEnding(msg.endGraceful)
		if msg.endReply != nil {
			s.endReplies = append(s.endReplies, msg.endReply)
		}
		s.tick()

	case ctrlMemoryPressure:
		msg.memReply <- s.memoryPressure()

	case ctrlApplyLive:
		s.applyLive(msg.live)
	}
}

// applyLiveAsync best-effort delivers live to the run loop; dropped
// silently if the cluster has already ended or the control channel is
// momentarily full, since a config reload is never load-bearing for
// correctness.
func (s *Scheduler) applyLiveAsync(live configwatch.LiveOptions) {
	select {
	case s.ctrl <- ctrlMsg{kind: ctrlApplyLive, live: live}:
	default:
	}
}

// applyLive updates the subset of Options safe to change on a running
// cluster (spec SPEC_FULL.md §4.6). Fields are applied only when
// positive in the incoming payload, so a reload file need only set the
// fields it wants to change.
func (s *Scheduler) applyLive(live configwatch.LiveOptions) {
	if live.MaxProcs > 0 {
		s.opts.MaxProcs = live.MaxProcs
	}
	if live.MaxTasksPerProcess > 0 {
		s.opts.MaxTasksPerProcess = live.MaxTasksPerProcess
	}
	if live.MaxProcAgeMillis > 0 {
		s.opts.MaxProcAgeMillis = live.MaxProcAgeMillis
	}
	if live.MaxReasonableProcessFailuresPerMin > 0 {
		s.opts.MaxReasonableProcessFailuresPerMin = intP(live.MaxReasonableProcessFailuresPerMin)
		s.breaker = ratelimit.NewFailureBreaker(live.MaxReasonableProcessFailuresPerMin, time.Minute)
	}
	if live.OnIdleIntervalMillis > 0 {
		s.opts.OnIdleIntervalMillis = int64P(live.OnIdleIntervalMillis)
		s.ticker.Reset(s.opts.onIdleInterval())
	}
}

func (s *Scheduler) memoryPressureQuery() uint64 {
	reply := make(chan uint64, 1)
	select {
	case <-s.endedCh:
		return 0
	case s.ctrl <- ctrlMsg{kind: ctrlMemoryPressure, memReply: reply}:
	}
	select {
	case <-s.endedCh:
		return 0
	case v := <-reply:
		return v
	}
}

func (s *Scheduler) handleChildEvent(ev childEvent) {
	switch ev.kind {
	case evLine:
		s.handleLine(ev.child, ev.stream, ev.line)
	case evExit:
		s.handleExit(ev.child, ev.err)
	}
	s.tick()
}

func (s *Scheduler) handleLine(c *ChildHandle, stream, line string) {
	trimmed := strings.TrimSpace(line)

	switch c.state {
	case stateStarting:
		if stream == "stdout" && trimmed == s.opts.Pass {
			s.events.emit(EventChildStart, &ChildStartEvent{Pid: c.Pid()})
			if s.ending {
				c.retire(s.opts.ExitCommand, s.opts.Newline, s.opts.endGracefulWait())
			} else {
				c.state = stateIdle
			}
		}
		// any other content before the pass marker is the version
		// string itself and carries no meaning beyond "child is alive".

	case stateBusy:
		if stream == "stderr" {
			c.sawStderr = true
			c.stderrAccum.WriteString(line)
			c.stderrAccum.WriteString("\n")
			return
		}
		switch trimmed {
		case s.opts.Pass:
			s.completeTask(c, true)
		case s.opts.Fail:
			s.completeTask(c, false)
		default:
			c.stdoutAccum.WriteString(line)
			c.stdoutAccum.WriteString("\n")
		}

	default:
		// starting/busy-only protocol; lines from an ending or dead
		// child (a straggler write that raced the exit command) are
		// expected and ignored.
	}
}

// completeTask resolves or rejects the child's current task per the
// terminal marker observed, honouring the stderr-poisons-task rule
// from spec §4.2 (stderr output, if any, always wins over the marker).
func (s *Scheduler) completeTask(c *ChildHandle, passed bool) {
	t := c.current
	c.current = nil
	c.taskCount++
	atomic.AddInt64(&s.completedTasks, 1)

	stdout := strings.TrimSuffix(c.stdoutAccum.String(), "\n")
	stderr := strings.TrimSuffix(c.stderrAccum.String(), "\n")
	sawStderr := c.sawStderr

	if s.ending {
		c.retire(s.opts.ExitCommand, s.opts.Newline, s.opts.endGracefulWait())
	} else {
		c.state = stateIdle
	}

	if t == nil {
		s.internalError(internalErrorf("terminal line observed on pid %d with no current task", c.Pid()))
		return
	}

	switch {
	case sawStderr:
		t.rejectWith(&StderrOutputError{Stderr: stderr})
		s.events.emit(EventTaskError, &TaskErrorEvent{Command: t.Command(), Pid: c.Pid(), Err: &StderrOutputError{Stderr: stderr}})
	case !passed:
		tail := stderr
		if tail == "" {
			tail = stdout
		}
		err := &FailMarkerError{Tail: tail}
		t.rejectWith(err)
		s.events.emit(EventTaskError, &TaskErrorEvent{Command: t.Command(), Pid: c.Pid(), Err: err})
	default:
		t.deliver(stdout, stderr)
		s.events.emit(EventTaskData, &TaskDataEvent{Command: t.Command(), Pid: c.Pid()})
	}
}

func (s *Scheduler) handleExit(c *ChildHandle, err error) {
	switch c.state {
	case stateStarting:
		c.state = stateDead
		s.events.emit(EventStartError, &StartErrorEvent{Pid: c.Pid(), Err: internalErrorf("exited during start")})
		s.recordSpawnFailure()

	case stateBusy:
		t := c.current
		c.current = nil
		c.state = stateDead
		if t != nil {
			if t.retries() == 0 {
				t.incRetries()
				s.pending = append([]taskHandle{t}, s.pending...)
			} else {
				t.rejectWith(&ChildDiedError{Cause: err})
			}
		}

	default:
		c.state = stateDead
	}
}

// tick runs the fixed-order reap/age-out/time-out/spawn/assign
// pipeline from spec §4.1. It is always safe to call redundantly.
func (s *Scheduler) tick() {
	s.reap()
	s.ageOut()
	s.timeOut()
	s.spawn()
	s.assign()
	s.sampleStats()
}

// sampleStats refreshes ChildHandle.lastStats for every live child,
// best-effort. A sampling failure (process gone, permissions) never
// affects scheduling — it just leaves the previous sample in place.
func (s *Scheduler) sampleStats() {
	for _, c := range s.children {
		switch c.State() {
		case stateIdle, stateBusy:
		default:
			continue
		}
		sample, err := procstats.Take(c.Pid())
		if err != nil {
			continue
		}
		c.lastStats.Store(procstatsSample{
			RSSBytes:   sample.RSSBytes,
			CPUPercent: sample.CPUPercent,
			SampledAt:  sample.SampledAt,
		})
	}
}

// memoryPressure sums the most recent RSS sample across all live
// children; children with no sample yet contribute 0.
func (s *Scheduler) memoryPressure() uint64 {
	var total uint64
	for _, c := range s.children {
		if sample, ok := c.stats(); ok {
			total += sample.RSSBytes
		}
	}
	return total
}

func (s *Scheduler) reap() {
	live := s.children[:0]
	for _, c := range s.children {
		if c.State() == stateDead {
			s.events.emit(EventChildExit, &ChildExitEvent{Pid: c.Pid()})
			continue
		}
		live = append(live, c)
	}
	s.children = live
}

func (s *Scheduler) ageOut() {
	now := time.Now()
	for _, c := range s.children {
		switch c.State() {
		case stateIdle:
			if c.TaskCount() >= s.opts.MaxTasksPerProcess || c.Age() >= s.opts.procAge() {
				c.retire(s.opts.ExitCommand, s.opts.Newline, s.opts.endGracefulWait())
			}
		case stateEnding:
			if !c.endDeadline.IsZero() && now.After(c.endDeadline) {
				c.escalate(s.opts.endGracefulWait())
			}
		case stateStarting:
			if now.After(c.startDeadline) {
				c.state = stateDead
				_ = c.proc.Kill()
				s.events.emit(EventStartError, &StartErrorEvent{Pid: c.Pid(), Err: internalErrorf("spawn timed out waiting for %q", s.opts.VersionCommand)})
				s.recordSpawnFailure()
			}
		}
	}
}

func (s *Scheduler) timeOut() {
	now := time.Now()
	for _, c := range s.children {
		if c.State() != stateBusy || c.current == nil {
			continue
		}
		if now.Before(c.current.deadline()) {
			continue
		}
		t := c.current
		c.current = nil
		t.rejectWith(&TimeoutError{Command: t.Command(), After: s.opts.taskTimeout()})
		s.events.emit(EventTaskError, &TaskErrorEvent{Command: t.Command(), Pid: c.Pid(), Err: &TimeoutError{Command: t.Command(), After: s.opts.taskTimeout()}})
		c.killNow()
	}
}

func (s *Scheduler) spawn() {
	if s.ending {
		return
	}
	for len(s.pending) > 0 && len(s.children) < s.opts.MaxProcs {
		c, err := spawnChild(s.opts.Factory, s.childEvents)
		if err != nil {
			s.events.emit(EventStartError, &StartErrorEvent{Pid: 0, Err: &SpawnFailedError{Cause: err}})
			if s.recordSpawnFailure() {
				return
			}
			break
		}
		c.setNewline(s.opts.Newline)
		atomic.AddInt64(&s.spawnedProcs, 1)
		s.children = append(s.children, c)
		if werr := c.writeProbe(s.opts.VersionCommand, s.opts.Newline, s.opts.spawnTimeout()); werr != nil {
			c.state = stateDead
			s.events.emit(EventStartError, &StartErrorEvent{Pid: c.Pid(), Err: &SpawnFailedError{Cause: werr}})
			s.recordSpawnFailure()
		}
	}
}

func (s *Scheduler) assign() {
	if s.ending {
		return
	}
	for _, c := range s.children {
		if len(s.pending) == 0 {
			return
		}
		if c.State() != stateIdle {
			continue
		}
		t := s.pending[0]
		s.pending = s.pending[1:]
		if err := c.assign(t, s.opts.taskTimeout(), s.opts.Newline); err != nil {
			c.state = stateDead
			if t.retries() == 0 {
				t.incRetries()
				s.pending = append([]taskHandle{t}, s.pending...)
			} else {
				t.rejectWith(&ChildDiedError{Cause: err})
			}
		}
	}
}

// recordSpawnFailure registers a spawn/start failure against the
// failure-rate breaker and, if the trailing-60s rate is now exceeded,
// begins an ungraceful end. Returns true if the breaker tripped.
func (s *Scheduler) recordSpawnFailure() bool {
	if !s.breaker.RecordFailure(context.Background()) {
		return false
	}
	if s.ending {
		return true
	}
	s.events.emit(EventEndError, &EndErrorEvent{Err: internalErrorf("spawn failure rate exceeded maxReasonableProcessFailuresPerMin")})
	s.beginEnding(false)
	return true
}

// beginEnding is the single entry point for transitioning the cluster
// into its ending state, whether requested explicitly via End or
// triggered by the failure-rate circuit breaker. Idempotent.
func (s *Scheduler) beginEnding(graceful bool) {
	if s.ending {
		return
	}
	s.ending = true
	s.events.emit(EventBeforeEnd, nil)

	for _, t := range s.pending {
		t.rejectWith(ErrClusterEnded)
	}
	s.pending = nil

	for _, c := range s.children {
		if !graceful {
			// force=true: don't wait for busy children to finish their
			// current task, don't send exitCommand to idle ones.
			c.killNow()
			continue
		}
		if c.State() == stateIdle {
			c.retire(s.opts.ExitCommand, s.opts.Newline, s.opts.endGracefulWait())
		}
		// a busy child is retired once its current task resolves, by
		// completeTask's s.ending check; a starting child is left to
		// finish its probe and is retired by handleLine as soon as its
		// pass marker arrives.
	}
}

func (s *Scheduler) finishEnding() {
	s.events.emit(EventEnd, nil)
	close(s.endedCh)
	for _, r := range s.endReplies {
		close(r)
	}
}

// internalError records a condition the scheduler judged to be its own
// bug rather than a task or child failure: counted and emitted on
// EventInternalError, never surfaced to a task's Wait.
func (s *Scheduler) internalError(err error) {
	atomic.AddInt64(&s.internalErrorCount, 1)
	s.events.emit(EventInternalError, err)
}

func (s *Scheduler) internalErrors() int64 { return atomic.LoadInt64(&s.internalErrorCount) }
func (s *Scheduler) spawned() int64        { return atomic.LoadInt64(&s.spawnedProcs) }
func (s *Scheduler) completed() int64      { return atomic.LoadInt64(&s.completedTasks) }
