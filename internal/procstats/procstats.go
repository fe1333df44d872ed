// Package procstats samples per-process resource usage for advisory
// reporting only. It is grounded on the teacher's internal/sys package
// (which uses gopsutil to feed its IntelligenceManager's enforcement
// decisions); here sampling is deliberately read-only — nothing in this
// package ever signals or kills a process, since the scheduler alone
// owns child lifecycle decisions (see the ChildHandle doc in child.go).
package procstats

import (
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// Sample is a point-in-time resource reading for one child process.
type Sample struct {
	RSSBytes   uint64
	CPUPercent float64
	SampledAt  time.Time
}

// Take samples pid's current RSS and CPU usage. Errors are expected
// and routine if the process has just exited; callers should treat a
// failed sample as "no data yet" rather than surfacing it.
func Take(pid int) (Sample, error) {
	proc, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return Sample{}, err
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Sample{}, err
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		return Sample{}, err
	}
	return Sample{
		RSSBytes:   mem.RSS,
		CPUPercent: cpu,
		SampledAt:  time.Now(),
	}, nil
}
