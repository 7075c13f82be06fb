package execute

import (
	"context"
	"testing"
	"time"

	"github.com/darkyzhou/seele/interactive/cmd/interactive/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const (
	fakeValidatorPid  = 1 << 22
	fakeSubmissionPid = 1<<22 + 1
)

func newTestCoordinator(t *testing.T) *Coordinator {
	fromValidator, err := NewChannel(entities.RoleValidator, entities.RoleSubmission, 0, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { fromValidator.Close() })

	fromSubmission, err := NewChannel(entities.RoleSubmission, entities.RoleValidator, 0, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { fromSubmission.Close() })

	return NewCoordinator(CoordinatorProps{
		Logger:         testLogger(),
		Validator:      entities.NewProcessHandle(entities.RoleValidator, fakeValidatorPid),
		Submission:     entities.NewProcessHandle(entities.RoleSubmission, fakeSubmissionPid),
		FromValidator:  fromValidator,
		FromSubmission: fromSubmission,
		WallTimeLimit:  time.Second,
		KillGrace:      100 * time.Millisecond,
	})
}

func exitedEvent(pid, code int, cpuTime time.Duration) exitEvent {
	return exitEvent{
		pid:    pid,
		status: unix.WaitStatus(code << 8),
		rusage: unix.Rusage{Utime: unix.NsecToTimeval(cpuTime.Nanoseconds())},
	}
}

func signaledEvent(pid int, signal unix.Signal) exitEvent {
	return exitEvent{pid: pid, status: unix.WaitStatus(signal)}
}

func TestCoordinatorReleasesWriteEndOfReapedProcess(t *testing.T) {
	c := newTestCoordinator(t)

	require.NoError(t, c.handleExit(exitedEvent(fakeSubmissionPid, 0, 10*time.Millisecond)))

	assert.False(t, c.FromSubmission.HoldsWriteEnd())
	assert.True(t, c.FromValidator.HoldsWriteEnd())
	// the spare reader of the validator output is never released
	assert.True(t, c.FromValidator.HoldsReadEnd())
	assert.Equal(t, 1, c.remaining)
	assert.True(t, c.Submission.Completed)
	assert.Equal(t, 10*time.Millisecond, c.Submission.CpuTime)

	require.NoError(t, c.handleExit(exitedEvent(fakeValidatorPid, 43, 0)))

	assert.False(t, c.FromValidator.HoldsWriteEnd())
	assert.True(t, c.FromValidator.HoldsReadEnd())
	assert.Equal(t, 0, c.remaining)
}

func TestCoordinatorRecordsFirstObservedRole(t *testing.T) {
	c := newTestCoordinator(t)
	c.events <- exitedEvent(fakeValidatorPid, 42, 0)
	c.events <- signaledEvent(fakeSubmissionPid, unix.SIGKILL)

	result, err := c.Wait(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, entities.RoleValidator, result.FirstRole)
	assert.Equal(t, entities.Exited(42), result.ValidatorOutcome)
	assert.Equal(t, entities.Signaled(unix.SIGKILL), result.SubmissionOutcome)
	assert.False(t, result.DeadlineExpired)
}

func TestCoordinatorNormalizesSubmissionBrokenPipe(t *testing.T) {
	c := newTestCoordinator(t)
	c.events <- exitedEvent(fakeValidatorPid, 42, 0)
	c.events <- signaledEvent(fakeSubmissionPid, unix.SIGPIPE)

	result, err := c.Wait(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, entities.Exited(0), result.SubmissionOutcome)
}

func TestCoordinatorKeepsValidatorBrokenPipe(t *testing.T) {
	c := newTestCoordinator(t)
	c.events <- exitedEvent(fakeSubmissionPid, 0, 0)
	c.events <- signaledEvent(fakeValidatorPid, unix.SIGPIPE)

	result, err := c.Wait(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, entities.RoleSubmission, result.FirstRole)
	assert.Equal(t, entities.Signaled(unix.SIGPIPE), result.ValidatorOutcome)
}

func TestCoordinatorIgnoresDuplicateAndUnknownEvents(t *testing.T) {
	c := newTestCoordinator(t)

	require.NoError(t, c.handleExit(exitedEvent(fakeValidatorPid, 42, 0)))
	require.NoError(t, c.handleExit(exitedEvent(fakeValidatorPid, 1, 0)))
	require.NoError(t, c.handleExit(exitedEvent(12345678, 1, 0)))

	assert.Equal(t, 1, c.remaining)
	assert.Equal(t, entities.Exited(42), c.Validator.Outcome)
}

func TestCoordinatorWaitFailure(t *testing.T) {
	c := newTestCoordinator(t)
	c.Validator.Reaped = true
	c.Submission.Reaped = true
	c.events <- exitEvent{err: unix.ECHILD}

	_, err := c.Wait(context.Background(), nil)
	assert.ErrorIs(t, err, unix.ECHILD)
}

func TestCoordinatorLaunchFailure(t *testing.T) {
	c := newTestCoordinator(t)

	c.HandleLaunchFailure(c.Submission)

	assert.True(t, c.Submission.Reaped)
	assert.Equal(t, 1, c.remaining)
	assert.False(t, c.FromSubmission.HoldsWriteEnd())
	assert.True(t, c.FromValidator.HoldsWriteEnd())

	c.events <- exitedEvent(fakeValidatorPid, 43, 0)
	result, err := c.Wait(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, entities.Exited(1), result.SubmissionOutcome)
	assert.Equal(t, time.Duration(0), result.SubmissionCpuTime)
	assert.Equal(t, entities.Exited(43), result.ValidatorOutcome)
	assert.Equal(t, entities.RoleSubmission, result.FirstRole)
}
