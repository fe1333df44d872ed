package batchcluster

import (
	"strings"
	"testing"
)

func TestValidateAppliesDefaults(t *testing.T) {
	opts, err := validate(Options{Factory: func() (ChildProcess, error) { return nil, nil }})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.MaxProcs != 1 {
		t.Errorf("MaxProcs = %d, want 1", opts.MaxProcs)
	}
	if opts.Pass != "PASS" || opts.Fail != "FAIL" {
		t.Errorf("Pass/Fail = %q/%q, want PASS/FAIL", opts.Pass, opts.Fail)
	}
}

func TestValidateNilFactory(t *testing.T) {
	_, err := validate(Options{})
	var invalid *InvalidOptionsError
	if err == nil {
		t.Fatal("expected error")
	}
	if !asInvalidOptions(err, &invalid) {
		t.Fatalf("error is not *InvalidOptionsError: %v", err)
	}
	if !containsViolation(invalid.Violations, "Factory must not be nil") {
		t.Errorf("violations %v missing Factory rule", invalid.Violations)
	}
}

// TestValidateMaxProcAgeBelowTimeouts mirrors spec end-to-end scenario
// 5: spawnTimeoutMillis=X, maxProcAgeMillis=X-1 must fail with the
// exact message "maxProcAgeMillis must be greater than or equal to X".
// X is above the default taskTimeoutMillis (10000) so that the spawn
// timeout is the larger of the two bounds.
func TestValidateMaxProcAgeBelowTimeouts(t *testing.T) {
	const x = 20000
	_, err := validate(Options{
		Factory:            func() (ChildProcess, error) { return nil, nil },
		SpawnTimeoutMillis: x,
		MaxProcAgeMillis:   x - 1,
	})
	var invalid *InvalidOptionsError
	if !asInvalidOptions(err, &invalid) {
		t.Fatalf("expected *InvalidOptionsError, got %v", err)
	}
	want := "maxProcAgeMillis must be greater than or equal to 20000"
	if !containsViolation(invalid.Violations, want) {
		t.Errorf("violations %v missing %q", invalid.Violations, want)
	}
}

func TestValidateEveryRuleBroken(t *testing.T) {
	_, err := validate(Options{
		MaxProcs:                           -1,
		MaxTasksPerProcess:                 -1,
		SpawnTimeoutMillis:                 1,
		TaskTimeoutMillis:                  1,
		MaxProcAgeMillis:                   -1,
		OnIdleIntervalMillis:               int64P(-1),
		EndGracefulWaitTimeMillis:          int64P(-1),
		MaxReasonableProcessFailuresPerMin: intP(-1),
		StreamFlushMillis:                  int64P(-1),
		VersionCommand:                     " ",
		ExitCommand:                        " ",
		Pass:                               "same",
		Fail:                               "same",
		Newline:                            "bogus",
	})
	var invalid *InvalidOptionsError
	if !asInvalidOptions(err, &invalid) {
		t.Fatalf("expected *InvalidOptionsError, got %v", err)
	}
	if !strings.HasPrefix(invalid.Error(), "BatchCluster was given invalid options") {
		t.Errorf("Error() = %q, missing fixed prefix", invalid.Error())
	}
	// every distinct rule should appear exactly once
	seen := map[string]int{}
	for _, v := range invalid.Violations {
		seen[v]++
	}
	for v, n := range seen {
		if n != 1 {
			t.Errorf("violation %q appeared %d times, want 1", v, n)
		}
	}
	if len(invalid.Violations) < 10 {
		t.Errorf("expected most rules broken, got only %d violations: %v", len(invalid.Violations), invalid.Violations)
	}
}

// TestValidateExplicitZeroIsNotDefaulted covers the documented minimum
// of 0 on the four fields that use a pointer sentinel: an explicit 0
// must survive validate unchanged, not get silently replaced by the
// non-zero default the way a genuinely unset field would.
func TestValidateExplicitZeroIsNotDefaulted(t *testing.T) {
	opts, err := validate(Options{
		Factory:                            func() (ChildProcess, error) { return nil, nil },
		OnIdleIntervalMillis:               int64P(0),
		EndGracefulWaitTimeMillis:          int64P(0),
		MaxReasonableProcessFailuresPerMin: intP(0),
		StreamFlushMillis:                  int64P(0),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := *opts.OnIdleIntervalMillis; got != 0 {
		t.Errorf("OnIdleIntervalMillis = %d, want 0", got)
	}
	if got := *opts.EndGracefulWaitTimeMillis; got != 0 {
		t.Errorf("EndGracefulWaitTimeMillis = %d, want 0", got)
	}
	if got := *opts.MaxReasonableProcessFailuresPerMin; got != 0 {
		t.Errorf("MaxReasonableProcessFailuresPerMin = %d, want 0", got)
	}
	if got := *opts.StreamFlushMillis; got != 0 {
		t.Errorf("StreamFlushMillis = %d, want 0", got)
	}
}

func asInvalidOptions(err error, out **InvalidOptionsError) bool {
	ioe, ok := err.(*InvalidOptionsError)
	if !ok {
		return false
	}
	*out = ioe
	return true
}

func containsViolation(violations []string, want string) bool {
	for _, v := range violations {
		if v == want {
			return true
		}
	}
	return false
}
