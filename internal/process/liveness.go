package process

import (
	"syscall"

	gops "github.com/shirou/gopsutil/v3/process"
)

// Alive reports whether a process with the given pid exists. It uses
// signal 0, which probes existence without delivering a signal. EPERM
// means the pid exists but belongs to another user, which still counts
// as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// StartTime returns the kernel start time of the process in Unix
// milliseconds. Combined with the pid it forms a fingerprint that
// survives daemon restarts and detects pid reuse.
func StartTime(pid int) (int64, error) {
	p, err := gops.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	return p.CreateTime()
}

// SameProcess reports whether the pid still refers to the process that
// was fingerprinted with startUnix. A zero startUnix disables the
// fingerprint check and falls back to plain liveness.
func SameProcess(pid int, startUnix int64) bool {
	if !Alive(pid) {
		return false
	}
	if startUnix == 0 {
		return true
	}
	actual, err := StartTime(pid)
	if err != nil {
		// Process vanished between the liveness probe and the stat read.
		return false
	}
	return actual == startUnix
}
