package utils

import (
	"fmt"
	"os"
	"strconv"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sys/unix"
)

var InteractiveInstanceId = gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ", 12)

func DurationFromMs(ms uint64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func DurationFromRusage(rusage *unix.Rusage) time.Duration {
	if rusage == nil {
		return 0
	}
	return time.Duration(rusage.Utime.Nano() + rusage.Stime.Nano())
}

// SealInheritedFds marks every descriptor from 3 upwards close-on-exec, so
// that descriptors handed to us by the caller never leak into the children.
func SealInheritedFds() error {
	if err := unix.CloseRange(3, ^uint(0), unix.CLOSE_RANGE_CLOEXEC); err == nil {
		return nil
	}

	// close_range(2) is missing before Linux 5.11
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return fmt.Errorf("Error listing open descriptors: %w", err)
	}
	for _, entry := range entries {
		fd, err := strconv.Atoi(entry.Name())
		if err != nil || fd < 3 {
			continue
		}
		unix.CloseOnExec(fd)
	}

	return nil
}
