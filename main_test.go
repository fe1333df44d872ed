package batchcluster

import (
	"os"
	"testing"

	"github.com/procpool/batchcluster/internal/mockchild"
)

// TestMain implements the self-re-exec helper-process idiom: the test
// binary re-execs itself with BATCHCLUSTER_HELPER_PROCESS=1 to act as a
// conforming mock child, so tests don't need a separately built
// fixture binary. Grounded on the same pattern used in
// aghassemi-go.ref/lib/modules/modules_test.go (there, a registered Go
// function plays the child; here, mockchild.Main does).
func TestMain(m *testing.M) {
	if os.Getenv("BATCHCLUSTER_HELPER_PROCESS") == "1" {
		args := os.Args
		for i, a := range args {
			if a == "--" {
				mockchild.Main(args[i+1:])
				os.Exit(0)
			}
		}
		os.Exit(2)
	}
	os.Exit(m.Run())
}
