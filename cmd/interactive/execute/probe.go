package execute

import (
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// hasTerminated checks without blocking and without reaping whether pid is
// no longer running. ECHILD means the reaper already collected it and its
// exit event is on its way.
func hasTerminated(pid int) (bool, error) {
	for {
		var info unix.Siginfo
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOHANG|unix.WNOWAIT, nil)
		switch {
		case err == nil:
			return info.Signo == int32(unix.SIGCHLD), nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return true, nil
		default:
			return false, fmt.Errorf("Error checking the state of %d: %w", pid, err)
		}
	}
}

// sampleCpuTime reads the user+system CPU time consumed so far by a live process.
func sampleCpuTime(pid int) (time.Duration, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, fmt.Errorf("Error inspecting process %d: %w", pid, err)
	}

	times, err := proc.Times()
	if err != nil {
		return 0, fmt.Errorf("Error reading the cpu times of process %d: %w", pid, err)
	}

	return time.Duration((times.User + times.System) * float64(time.Second)), nil
}
