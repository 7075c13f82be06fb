package execute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/darkyzhou/seele/interactive/cmd/interactive/entities"
	"github.com/darkyzhou/seele/interactive/cmd/interactive/utils"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type exitEvent struct {
	pid    int
	status unix.WaitStatus
	rusage unix.Rusage
	err    error
}

// reap collects the children in pids in the order they terminate. Any other
// child of this process that happens to terminate meanwhile is collected too
// and dropped.
func reap(pids []int, events chan<- exitEvent, logger *logrus.Entry) {
	pending := lo.SliceToMap(pids, func(pid int) (int, bool) {
		return pid, true
	})

	for len(pending) > 0 {
		var (
			status unix.WaitStatus
			rusage unix.Rusage
		)
		pid, err := unix.Wait4(-1, &status, 0, &rusage)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			events <- exitEvent{err: err}
			return
		}
		if !pending[pid] {
			logger.Warnf("Reaped unknown child process %d", pid)
			continue
		}

		delete(pending, pid)
		events <- exitEvent{pid: pid, status: status, rusage: rusage}
	}
}

type CoordinatorProps struct {
	Logger         *logrus.Entry
	Validator      *entities.ProcessHandle
	Submission     *entities.ProcessHandle
	FromValidator  *Channel
	FromSubmission *Channel
	WallTimeLimit  time.Duration
	KillGrace      time.Duration
}

// Coordinator owns both process handles and the supervisor's ends of both
// channels. All of them are only ever touched from the goroutine running Wait.
type Coordinator struct {
	CoordinatorProps

	events    chan exitEvent
	remaining int

	firstObserved bool
	firstRole     entities.Role
	expired       bool
}

func NewCoordinator(props CoordinatorProps) *Coordinator {
	return &Coordinator{
		CoordinatorProps: props,
		events:           make(chan exitEvent, 3),
		remaining:        2,
	}
}

// Start begins reaping the children. It must be called after both have been
// launched and any launch failure has been handled.
func (c *Coordinator) Start() {
	pids := lo.FilterMap([]*entities.ProcessHandle{c.Validator, c.Submission}, func(handle *entities.ProcessHandle, _ int) (int, bool) {
		return handle.Pid, !handle.Reaped
	})
	if len(pids) == 0 {
		return
	}
	go reap(pids, c.events, c.Logger)
}

// HandleLaunchFailure settles a role whose command could not be executed, as
// if its process had exited with status 1 right away.
func (c *Coordinator) HandleLaunchFailure(handle *entities.ProcessHandle) {
	c.settle(handle, entities.Exited(1), 0)
}

// Wait blocks until both children have terminated, the deadline expires or ctx
// is cancelled, whichever happens first.
func (c *Coordinator) Wait(ctx context.Context, expired <-chan struct{}) (*entities.RunResult, error) {
	for c.remaining > 0 {
		select {
		case event := <-c.events:
			if err := c.handleExit(event); err != nil {
				c.abort()
				return nil, err
			}

		case <-expired:
			return c.expire()

		case <-ctx.Done():
			c.Logger.Warn("Killing the child processes due to the supervisor shutting down")
			c.abort()
			return nil, fmt.Errorf("Cancelled: %w", ctx.Err())
		}
	}

	return c.result(), nil
}

func (c *Coordinator) handleOf(pid int) *entities.ProcessHandle {
	switch pid {
	case c.Validator.Pid:
		return c.Validator
	case c.Submission.Pid:
		return c.Submission
	default:
		return nil
	}
}

// outputOf returns the channel the role writes into.
func (c *Coordinator) outputOf(role entities.Role) *Channel {
	return lo.Ternary(role == entities.RoleValidator, c.FromValidator, c.FromSubmission)
}

func (c *Coordinator) handleExit(event exitEvent) error {
	if event.err != nil {
		return fmt.Errorf("Error waiting for the child processes: %w", event.err)
	}

	handle := c.handleOf(event.pid)
	if handle == nil || handle.Reaped {
		c.Logger.Warnf("Ignoring unexpected exit event of %d", event.pid)
		return nil
	}

	outcome, err := entities.OutcomeFromWaitStatus(event.status)
	if err != nil {
		return fmt.Errorf("Error resolving the outcome of the %s: %w", handle.Role, err)
	}

	c.settle(handle, outcome, utils.DurationFromRusage(&event.rusage))
	return nil
}

// settle records the termination of handle and releases its output.
func (c *Coordinator) settle(handle *entities.ProcessHandle, outcome entities.Outcome, cpuTime time.Duration) {
	handle.Reaped = true
	c.remaining--
	if !c.firstObserved {
		c.firstObserved = true
		c.firstRole = handle.Role
	}

	// The validator hung up on the submission, which is not the submission's fault
	if handle.Role == entities.RoleSubmission && outcome.IsBrokenPipe() {
		c.Logger.Debug("Submission died of SIGPIPE, treating it as a normal exit")
		outcome = entities.Exited(0)
	}

	if c.expired {
		// Outcomes of processes killed on expiry are synthesized, only the cpu time is real
		handle.CpuTime = cpuTime
	} else {
		handle.Complete(outcome, cpuTime)
	}

	c.Logger.WithFields(logrus.Fields{
		"role":    handle.Role.String(),
		"pid":     handle.Pid,
		"outcome": outcome.String(),
		"cpu":     cpuTime,
	}).Debug("Child process terminated")

	// Nobody else can write into this channel now, let the reader see EOF
	if err := c.outputOf(handle.Role).ReleaseWriteEnd(); err != nil {
		c.Logger.WithError(err).Warnf("Error closing the write end of the %s output", handle.Role)
	}
}

// collect handles exit events until both children are reaped or the grace
// period is over. Failures only cost the cpu time of the missing process.
func (c *Coordinator) collect(grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	for c.remaining > 0 {
		select {
		case event := <-c.events:
			if err := c.handleExit(event); err != nil {
				c.Logger.WithError(err).Warn("Error collecting the child processes")
				return
			}
		case <-timer.C:
			return
		}
	}
}

func (c *Coordinator) abort() {
	for _, handle := range []*entities.ProcessHandle{c.Validator, c.Submission} {
		if handle.Reaped {
			continue
		}
		if err := unix.Kill(handle.Pid, unix.SIGKILL); err != nil {
			c.Logger.WithError(err).Warnf("Error sending SIGKILL to the %s", handle.Role)
		}
	}
	c.collect(c.KillGrace)
}

func (c *Coordinator) result() *entities.RunResult {
	return &entities.RunResult{
		ValidatorOutcome:  c.Validator.Outcome,
		ValidatorCpuTime:  c.Validator.CpuTime,
		SubmissionOutcome: c.Submission.Outcome,
		SubmissionCpuTime: c.Submission.CpuTime,
		FirstRole:         lo.Ternary(c.firstObserved, c.firstRole, entities.RoleSubmission),
		DeadlineExpired:   c.expired,
	}
}
