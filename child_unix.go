//go:build !windows

package batchcluster

import (
	"os/exec"
	"syscall"
)

// applyOSSpecificSettings puts the child in its own process group so a
// graceful signal (or a forced kill) can be delivered to it without
// affecting the parent. Grounded on the teacher's worker_unix.go.
func applyOSSpecificSettings(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// Signal sends SIGTERM, the graceful-shutdown request used by the
// ending->dead escalation path (§4.2). Grounded on the teacher's
// sendGracefulSignal (worker_windows.go's unix counterpart is implicit
// there; here it is explicit per the worker_unix.go build tag split).
func (p *cmdChildProcess) Signal() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}
