package batchcluster

import (
	"fmt"
	"time"
)

// ProcessFactory spawns one child process and returns a handle to its
// pipes. It is the cluster's only collaborator for actually starting a
// process — the cluster never calls os/exec directly, so callers can
// substitute any conforming child (including, in tests, the self-exec
// mock child in internal/mockchild).
type ProcessFactory func() (ChildProcess, error)

// ChildProcess is the minimal surface the cluster needs from a spawned
// child. The *exec.Cmd wrapper returned by NewCommandFactory's factory
// satisfies it, as does any test double.
type ChildProcess interface {
	Pid() int
	Stdin() WriteCloser
	Stdout() Reader
	Stderr() Reader
	// Wait blocks until the process exits and returns its exit error
	// (nil on a zero exit code), mirroring (*exec.Cmd).Wait.
	Wait() error
	// Kill forcibly terminates the process (SIGKILL on unix).
	Kill() error
	// Signal sends a graceful termination request (SIGTERM on unix,
	// os.Interrupt on windows, see child_unix.go/child_windows.go).
	Signal() error
}

// WriteCloser and Reader narrow io.WriteCloser/io.Reader so this file
// doesn't need to import io just to name the ChildProcess contract.
type WriteCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

type Reader interface {
	Read(p []byte) (int, error)
}

// Options configures a Cluster. Construct with DefaultOptions and
// override only the fields that matter; validate (called by New) fills
// in remaining zero-value fields from the defaults and checks
// cross-field invariants.
type Options struct {
	// Factory spawns a new child process. Required.
	Factory ProcessFactory

	MaxProcs           int
	MaxTasksPerProcess int
	MaxProcAgeMillis   int64
	SpawnTimeoutMillis int64
	TaskTimeoutMillis  int64

	// OnIdleIntervalMillis, EndGracefulWaitTimeMillis,
	// MaxReasonableProcessFailuresPerMin, and StreamFlushMillis are
	// documented with a minimum of 0, which is a legitimate explicit
	// value (0 here means "never trips" for the failure breaker and "no
	// grace period" for the end wait; StreamFlushMillis is validated and
	// stored but not read by the scheduler, which waits for no stream
	// drain after a child exits). That makes the field's zero value
	// ambiguous with "not set", so these are pointers: nil means "apply
	// the default",
	// non-nil (including a pointer to 0) is taken verbatim.
	OnIdleIntervalMillis               *int64
	EndGracefulWaitTimeMillis          *int64
	MaxReasonableProcessFailuresPerMin *int
	StreamFlushMillis                  *int64

	VersionCommand string
	ExitCommand    string
	Pass           string
	Fail           string
	Newline        newline
}

// DefaultOptions returns an Options populated with the same defaults the
// validator would otherwise apply, for callers that want to start from a
// known-good baseline and override a handful of fields.
func DefaultOptions() Options {
	return Options{
		MaxProcs:                           1,
		MaxTasksPerProcess:                 Infinity,
		MaxProcAgeMillis:                   int64(Infinity),
		SpawnTimeoutMillis:                 15000,
		TaskTimeoutMillis:                  10000,
		OnIdleIntervalMillis:               int64P(2000),
		EndGracefulWaitTimeMillis:          int64P(500),
		MaxReasonableProcessFailuresPerMin: intP(10),
		StreamFlushMillis:                  int64P(10),
		VersionCommand:                     "version",
		ExitCommand:                        "exit",
		Pass:                               "PASS",
		Fail:                               "FAIL",
		Newline:                            newlineLF,
	}
}

func int64P(v int64) *int64 { return &v }
func intP(v int) *int       { return &v }

// Infinity stands in for "no bound" on MaxTasksPerProcess /
// MaxProcAgeMillis: a freshly constructed Options leaves these at their
// zero value, which validate() below treats as "use the default",
// itself unbounded.
const Infinity = 1<<31 - 1

// validate checks every cross-field invariant in spec order and, if any
// are violated, returns a single *InvalidOptionsError listing all of
// them. On success it returns a copy of o with defaults applied to any
// zero-value field.
func validate(o Options) (Options, error) {
	def := DefaultOptions()
	out := o

	if out.Factory == nil {
		// not defaulted — a nil factory is always a hard error, added below
	}
	if out.MaxProcs == 0 {
		out.MaxProcs = def.MaxProcs
	}
	if out.MaxTasksPerProcess == 0 {
		out.MaxTasksPerProcess = def.MaxTasksPerProcess
	}
	if out.MaxProcAgeMillis == 0 {
		out.MaxProcAgeMillis = def.MaxProcAgeMillis
	}
	if out.SpawnTimeoutMillis == 0 {
		out.SpawnTimeoutMillis = def.SpawnTimeoutMillis
	}
	if out.TaskTimeoutMillis == 0 {
		out.TaskTimeoutMillis = def.TaskTimeoutMillis
	}
	if out.OnIdleIntervalMillis == nil {
		out.OnIdleIntervalMillis = def.OnIdleIntervalMillis
	}
	if out.EndGracefulWaitTimeMillis == nil {
		out.EndGracefulWaitTimeMillis = def.EndGracefulWaitTimeMillis
	}
	if out.MaxReasonableProcessFailuresPerMin == nil {
		out.MaxReasonableProcessFailuresPerMin = def.MaxReasonableProcessFailuresPerMin
	}
	if out.StreamFlushMillis == nil {
		out.StreamFlushMillis = def.StreamFlushMillis
	}
	if out.VersionCommand == "" {
		out.VersionCommand = def.VersionCommand
	}
	if out.ExitCommand == "" {
		out.ExitCommand = def.ExitCommand
	}
	if out.Pass == "" {
		out.Pass = def.Pass
	}
	if out.Fail == "" {
		out.Fail = def.Fail
	}
	if out.Newline == "" {
		out.Newline = def.Newline
	}

	var violations []string

	if o.Factory == nil {
		violations = append(violations, "Factory must not be nil")
	}
	if out.MaxProcs < 1 {
		violations = append(violations, "maxProcs must be at least 1")
	}
	if out.MaxTasksPerProcess < 1 {
		violations = append(violations, "maxTasksPerProcess must be at least 1")
	}
	minAge := out.SpawnTimeoutMillis
	if out.TaskTimeoutMillis > minAge {
		minAge = out.TaskTimeoutMillis
	}
	if out.MaxProcAgeMillis < minAge {
		violations = append(violations, fmt.Sprintf("maxProcAgeMillis must be greater than or equal to %d", minAge))
	}
	if out.SpawnTimeoutMillis < 100 {
		violations = append(violations, "spawnTimeoutMillis must be at least 100")
	}
	if out.TaskTimeoutMillis < 10 {
		violations = append(violations, "taskTimeoutMillis must be at least 10")
	}
	if *out.OnIdleIntervalMillis < 0 {
		violations = append(violations, "onIdleIntervalMillis must be at least 0")
	}
	if *out.EndGracefulWaitTimeMillis < 0 {
		violations = append(violations, "endGracefulWaitTimeMillis must be at least 0")
	}
	if *out.MaxReasonableProcessFailuresPerMin < 0 {
		violations = append(violations, "maxReasonableProcessFailuresPerMinute must be at least 0")
	}
	if *out.StreamFlushMillis < 0 {
		violations = append(violations, "streamFlushMillis must be at least 0")
	}
	if blank(out.VersionCommand) {
		violations = append(violations, "versionCommand must not be blank")
	}
	if blank(out.ExitCommand) {
		violations = append(violations, "exitCommand must not be blank")
	}
	if blank(out.Pass) {
		violations = append(violations, "pass must not be blank")
	}
	if blank(out.Fail) {
		violations = append(violations, "fail must not be blank")
	}
	if out.Pass == out.Fail {
		violations = append(violations, "pass and fail must not be equal")
	}
	if out.Newline != newlineLF && out.Newline != newlineCRLF {
		violations = append(violations, `newline must be "\n" or "\r\n"`)
	}

	if len(violations) > 0 {
		return Options{}, &InvalidOptionsError{Violations: violations}
	}
	return out, nil
}

func blank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' {
			return false
		}
	}
	return true
}

func (o Options) spawnTimeout() time.Duration { return time.Duration(o.SpawnTimeoutMillis) * time.Millisecond }
func (o Options) taskTimeout() time.Duration  { return time.Duration(o.TaskTimeoutMillis) * time.Millisecond }
func (o Options) procAge() time.Duration      { return time.Duration(o.MaxProcAgeMillis) * time.Millisecond }

// onIdleInterval, endGracefulWait, streamFlush, and
// maxReasonableProcessFailuresPerMin assume validate has already run
// and replaced a nil pointer with the default — every Options value
// reachable from a live Cluster satisfies that.
func (o Options) onIdleInterval() time.Duration {
	return time.Duration(*o.OnIdleIntervalMillis) * time.Millisecond
}
func (o Options) endGracefulWait() time.Duration {
	return time.Duration(*o.EndGracefulWaitTimeMillis) * time.Millisecond
}
func (o Options) streamFlush() time.Duration {
	return time.Duration(*o.StreamFlushMillis) * time.Millisecond
}
func (o Options) maxReasonableProcessFailuresPerMin() int {
	return *o.MaxReasonableProcessFailuresPerMin
}
