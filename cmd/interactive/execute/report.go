package execute

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/darkyzhou/seele/interactive/cmd/interactive/entities"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const reportWriteTimeout = 10 * time.Second

func encodeStatus(outcome entities.Outcome, encoding string) int {
	return lo.Ternary(encoding == entities.StatusEncodingExitCode, outcome.ExitCode(), outcome.WaitStatus())
}

// MakeReportLine renders
// "<validator-status> <validator-seconds> <submission-status> <submission-seconds> <first-role>".
func MakeReportLine(result *entities.RunResult, encoding string) string {
	return fmt.Sprintf(
		"%d %.6f %d %.6f %s\n",
		encodeStatus(result.ValidatorOutcome, encoding),
		result.ValidatorCpuTime.Seconds(),
		encodeStatus(result.SubmissionOutcome, encoding),
		result.SubmissionCpuTime.Seconds(),
		result.FirstRole,
	)
}

// WriteReport writes the report line to fd and closes it. Writes to a pipe
// or socket give up after a timeout instead of blocking forever. The file
// status flags are shared with the other holders of the file, so they are
// restored before closing.
func WriteReport(fd int, result *entities.RunResult, encoding string) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return fmt.Errorf("Invalid report fd %d: %w", fd, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("Error preparing the report fd %d: %w", fd, err)
	}

	file := os.NewFile(uintptr(fd), "report")
	if file == nil {
		return fmt.Errorf("Invalid report fd %d", fd)
	}
	defer file.Close()
	defer func() {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags); err != nil {
			logrus.WithError(err).Warn("Error restoring the flags of the report fd")
		}
	}()

	if err := file.SetWriteDeadline(time.Now().Add(reportWriteTimeout)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
		return fmt.Errorf("Error setting the write deadline of the report fd: %w", err)
	}

	if _, err := io.WriteString(file, MakeReportLine(result, encoding)); err != nil {
		return fmt.Errorf("Error writing the report: %w", err)
	}

	return nil
}
