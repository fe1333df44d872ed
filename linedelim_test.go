package batchcluster

import (
	"reflect"
	"testing"
)

func TestLineDelimiterFeedSplitsCompleteLines(t *testing.T) {
	d := newLineDelimiter(newlineLF)
	lines := d.Feed([]byte("foo\nbar\nbaz"))
	if got, want := lines, []string{"foo", "bar"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := d.Pending(), "baz"; got != want {
		t.Fatalf("pending = %q, want %q", got, want)
	}
}

func TestLineDelimiterFeedAcrossChunks(t *testing.T) {
	d := newLineDelimiter(newlineLF)
	if lines := d.Feed([]byte("fo")); len(lines) != 0 {
		t.Fatalf("expected no lines yet, got %v", lines)
	}
	lines := d.Feed([]byte("o\n"))
	if got, want := lines, []string{"foo"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got := d.Pending(); got != "" {
		t.Fatalf("pending = %q, want empty", got)
	}
}

func TestLineDelimiterCRLF(t *testing.T) {
	d := newLineDelimiter(newlineCRLF)
	lines := d.Feed([]byte("one\r\ntwo\r\nthr"))
	if got, want := lines, []string{"one", "two"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := d.Pending(), "thr"; got != want {
		t.Fatalf("pending = %q, want %q", got, want)
	}
}
