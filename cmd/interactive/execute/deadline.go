package execute

import (
	"fmt"
	"sync"
	"time"

	"github.com/darkyzhou/seele/interactive/cmd/interactive/entities"
	"golang.org/x/sys/unix"
)

// DeadlineGovernor fires at most once, limit after it was armed. A zero limit
// disables it.
type DeadlineGovernor struct {
	limit   time.Duration
	expired chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func ArmDeadline(limit time.Duration) *DeadlineGovernor {
	governor := &DeadlineGovernor{
		limit: limit,
		stop:  make(chan struct{}),
	}
	if limit <= 0 {
		return governor
	}

	governor.expired = make(chan struct{}, 1)
	go func() {
		timer := time.NewTimer(limit)
		defer timer.Stop()

		select {
		case <-timer.C:
			governor.expired <- struct{}{}
		case <-governor.stop:
		}
	}()

	return governor
}

// Expired is nil for a disabled governor, so receiving from it blocks forever.
func (g *DeadlineGovernor) Expired() <-chan struct{} {
	return g.expired
}

func (g *DeadlineGovernor) Disarm() {
	g.once.Do(func() {
		close(g.stop)
	})
}

// expire runs the cancellation sequence once the wall time limit is exceeded.
// Processes that terminated before the deadline keep their real outcome,
// the others get a synthesized one.
func (c *Coordinator) expire() (*entities.RunResult, error) {
	c.Logger.Debug("Wall time limit exceeded")

	for _, handle := range []*entities.ProcessHandle{c.Validator, c.Submission} {
		if handle.Reaped {
			continue
		}
		terminated, err := hasTerminated(handle.Pid)
		if err != nil {
			c.abort()
			return nil, err
		}
		if terminated {
			if err := c.awaitReaped(handle); err != nil {
				c.abort()
				return nil, err
			}
		}
	}

	c.expired = true

	// The validator may want to clean up or write its feedback
	if !c.Validator.Reaped {
		if err := unix.Kill(c.Validator.Pid, unix.SIGTERM); err != nil {
			c.Logger.WithError(err).Warn("Error sending SIGTERM to the validator")
		}
	}

	var sampledCpuTime time.Duration
	if !c.Submission.Reaped {
		var err error
		if sampledCpuTime, err = sampleCpuTime(c.Submission.Pid); err != nil {
			c.Logger.WithError(err).Debug("Cannot sample the cpu time of the submission")
		}
		if err := unix.Kill(c.Submission.Pid, unix.SIGKILL); err != nil {
			c.Logger.WithError(err).Warn("Error sending SIGKILL to the submission")
		}
	}

	c.collect(c.KillGrace)
	if !c.Validator.Reaped {
		c.Logger.Warn("Validator ignored SIGTERM, sending SIGKILL")
		if err := unix.Kill(c.Validator.Pid, unix.SIGKILL); err != nil {
			c.Logger.WithError(err).Warn("Error sending SIGKILL to the validator")
		}
		c.collect(c.KillGrace)
	}

	if !c.Submission.Completed {
		if c.Validator.Completed && c.Validator.Outcome.IsRejected() {
			// The verdict is already wrong answer, there is no point in a timeout
			cpuTime := c.Submission.CpuTime
			if !c.Submission.Reaped {
				cpuTime = sampledCpuTime
			}
			c.Submission.Complete(entities.Exited(0), cpuTime)
		} else {
			c.Submission.Complete(entities.TimeoutOutcome, c.WallTimeLimit)
		}
	}

	if !c.Validator.Completed {
		c.Validator.Complete(entities.Exited(entities.ExitCodeRejected), c.Validator.CpuTime)
	}

	return c.result(), nil
}

// awaitReaped handles exit events until handle has been reaped. It is only
// called for processes that are known to have terminated.
func (c *Coordinator) awaitReaped(handle *entities.ProcessHandle) error {
	for !handle.Reaped {
		if err := c.handleExit(<-c.events); err != nil {
			return fmt.Errorf("Error waiting for the %s to be reaped: %w", handle.Role, err)
		}
	}
	return nil
}
