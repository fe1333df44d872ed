package batchcluster

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestCluster(t *testing.T, configure func(*Options), mockArgs ...string) *Cluster {
	t.Helper()
	opts := DefaultOptions()
	opts.Factory = selfExecFactory(mockArgs...)
	opts.SpawnTimeoutMillis = 5000
	opts.TaskTimeoutMillis = 2000
	opts.OnIdleIntervalMillis = int64P(20)
	opts.EndGracefulWaitTimeMillis = int64P(200)
	if configure != nil {
		configure(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.End(true) })
	return c
}

func upcaseParser(stdout, stderr string) (string, error) { return stdout, nil }

// TestClusterScenario1 mirrors spec end-to-end scenario 1: a mixed
// batch of upcase/downcase/invalid/version commands on one child.
func TestClusterScenario1(t *testing.T) {
	c := newTestCluster(t, func(o *Options) { o.MaxProcs = 1 })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t1 := EnqueueTask(c, NewTask("upcase Hello", upcaseParser))
	t2 := EnqueueTask(c, NewTask("downcase World", upcaseParser))
	t3 := EnqueueTask(c, NewTask("invalid input", upcaseParser))
	t4 := EnqueueTask(c, NewTask("version", upcaseParser))

	if got, err := t1.Wait(ctx); err != nil || got != "HELLO" {
		t.Errorf("t1 = %q, %v, want HELLO, nil", got, err)
	}
	if got, err := t2.Wait(ctx); err != nil || got != "world" {
		t.Errorf("t2 = %q, %v, want world, nil", got, err)
	}
	if _, err := t3.Wait(ctx); err == nil {
		t.Error("t3: expected FailMarkerError, got nil")
	} else {
		var fm *FailMarkerError
		if !errors.As(err, &fm) {
			t.Errorf("t3 error = %v, want *FailMarkerError", err)
		}
	}
	if got, err := t4.Wait(ctx); err != nil || got != "v1.2.3" {
		t.Errorf("t4 = %q, %v, want v1.2.3, nil", got, err)
	}
}

// TestClusterScenario2 mirrors spec scenario 2: sequential sleeps on a
// single child produce ordered "slept N" results.
func TestClusterScenario2(t *testing.T) {
	c := newTestCluster(t, func(o *Options) { o.MaxProcs = 1 })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tasks := []*Task[string]{
		EnqueueTask(c, NewTask("sleep 20", upcaseParser)),
		EnqueueTask(c, NewTask("sleep 21", upcaseParser)),
		EnqueueTask(c, NewTask("sleep 22", upcaseParser)),
	}
	want := []string{"slept 20", "slept 21", "slept 22"}
	for i, task := range tasks {
		got, err := task.Wait(ctx)
		if err != nil {
			t.Fatalf("task %d: %v", i, err)
		}
		if got != want[i] {
			t.Errorf("task %d = %q, want %q", i, got, want[i])
		}
	}
}

// TestClusterStderrPoisonsTaskNotChild verifies that stderr output
// rejects only the task it accompanied, and the child stays usable.
func TestClusterStderrPoisonsTaskNotChild(t *testing.T) {
	c := newTestCluster(t, func(o *Options) { o.MaxProcs = 1 })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bad := EnqueueTask(c, NewTask("stderr oops", upcaseParser))
	_, err := bad.Wait(ctx)
	var serr *StderrOutputError
	if !errors.As(err, &serr) {
		t.Fatalf("got %v, want *StderrOutputError", err)
	}

	good := EnqueueTask(c, NewTask("upcase still-alive", upcaseParser))
	got, err := good.Wait(ctx)
	if err != nil || got != "STILL-ALIVE" {
		t.Fatalf("follow-up task = %q, %v, want STILL-ALIVE, nil", got, err)
	}
}

func TestClusterPidsEmptyAfterEnd(t *testing.T) {
	c := newTestCluster(t, func(o *Options) { o.MaxProcs = 2 })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task := EnqueueTask(c, NewTask("upcase hi", upcaseParser))
	if _, err := task.Wait(ctx); err != nil {
		t.Fatalf("task: %v", err)
	}
	if len(c.Pids()) == 0 {
		t.Fatal("expected at least one live pid before End")
	}

	c.End(true)
	if pids := c.Pids(); len(pids) != 0 {
		t.Errorf("Pids() after End = %v, want empty", pids)
	}
	if !c.Ended() {
		t.Error("Ended() = false after End")
	}
}

func TestClusterEndIsIdempotent(t *testing.T) {
	c := newTestCluster(t, nil)
	c.End(true)
	c.End(true) // must not block or panic
	if !c.Ended() {
		t.Fatal("expected Ended() == true")
	}
}

func TestClusterEnqueueAfterEndRejectsImmediately(t *testing.T) {
	c := newTestCluster(t, nil)
	c.End(true)

	task := EnqueueTask(c, NewTask("upcase too-late", upcaseParser))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := task.Wait(ctx)
	if !errors.Is(err, ErrClusterEnded) {
		t.Fatalf("got %v, want ErrClusterEnded", err)
	}
}

func TestClusterTaskTimeout(t *testing.T) {
	c := newTestCluster(t, func(o *Options) {
		o.MaxProcs = 1
		o.TaskTimeoutMillis = 50
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task := EnqueueTask(c, NewTask("sleep 5000", upcaseParser))
	_, err := task.Wait(ctx)
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("got %v, want *TimeoutError", err)
	}
}
