package batchcluster

import (
	"os"
	"os/exec"
)

// selfExecFactory returns a ProcessFactory that re-execs the test
// binary as a mock child (see TestMain in main_test.go), passing
// mockArgs through to mockchild.ParseArgs (e.g. "rngseed=hello",
// "ignoreExit=1").
func selfExecFactory(mockArgs ...string) ProcessFactory {
	return func() (ChildProcess, error) {
		cmdArgs := append([]string{"-test.run=TestMain", "--"}, mockArgs...)
		cmd := exec.Command(os.Args[0], cmdArgs...)
		cmd.Env = append(os.Environ(), "BATCHCLUSTER_HELPER_PROCESS=1")
		applyOSSpecificSettings(cmd)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return &cmdChildProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
	}
}
