package execute

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/darkyzhou/seele/interactive/cmd/interactive/entities"
	"github.com/darkyzhou/seele/interactive/cmd/interactive/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Execute runs the validator and the submission against each other and
// returns once both outcomes are known. Every error is returned before a
// verdict could be assigned, so no report must be written for it.
func Execute(ctx context.Context, config *entities.InteractiveConfig) (*entities.RunResult, error) {
	logger := logrus.WithField("run", utils.InteractiveInstanceId)

	if _, err := unix.FcntlInt(uintptr(config.ReportFd), unix.F_GETFD, 0); err != nil {
		return nil, fmt.Errorf("Invalid report fd %d: %w", config.ReportFd, err)
	}

	if err := utils.SealInheritedFds(); err != nil {
		return nil, fmt.Errorf("Error sealing the inherited fds: %w", err)
	}
	unix.CloseOnExec(config.ReportFd)

	fromValidator, err := NewChannel(entities.RoleValidator, entities.RoleSubmission, config.PipeSize, logger)
	if err != nil {
		return nil, err
	}
	defer fromValidator.Close()

	fromSubmission, err := NewChannel(entities.RoleSubmission, entities.RoleValidator, config.PipeSize, logger)
	if err != nil {
		return nil, err
	}
	defer fromSubmission.Close()

	stderrFd := InheritFd
	if config.ReportFd == unix.Stderr {
		// The report fd must stay invisible to the children
		devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("Error opening %s: %w", os.DevNull, err)
		}
		defer devNull.Close()
		stderrFd = int(devNull.Fd())
	}

	validatorPid, validatorErr := Launch(&LaunchSpec{
		Args:   config.Validator,
		Stdin:  fromSubmission.ReadFd(),
		Stdout: fromValidator.WriteFd(),
		Stderr: stderrFd,
	})
	if validatorErr != nil && !IsExecError(validatorErr) {
		return nil, fmt.Errorf("Error launching the validator: %w", validatorErr)
	}

	submissionPid, submissionErr := Launch(&LaunchSpec{
		Args:   config.Submission,
		Stdin:  fromValidator.ReadFd(),
		Stdout: fromSubmission.WriteFd(),
		Stderr: stderrFd,
	})
	if submissionErr != nil && !IsExecError(submissionErr) {
		if validatorErr == nil {
			killAndReap(validatorPid, logger)
		}
		return nil, fmt.Errorf("Error launching the submission: %w", submissionErr)
	}

	governor := ArmDeadline(time.Duration(config.WallTimeLimitSec) * time.Second)
	defer governor.Disarm()

	logger.WithFields(logrus.Fields{
		"validator":  validatorPid,
		"submission": submissionPid,
	}).Debug("Launched the child processes")

	// Without a spare reader the submission gets EPIPE as soon as the
	// validator is gone, instead of blocking until the deadline
	if err := fromSubmission.ReleaseSpareReader(); err != nil {
		logger.WithError(err).Warn("Error closing the read end of the submission output")
	}

	coordinator := NewCoordinator(CoordinatorProps{
		Logger:         logger,
		Validator:      entities.NewProcessHandle(entities.RoleValidator, validatorPid),
		Submission:     entities.NewProcessHandle(entities.RoleSubmission, submissionPid),
		FromValidator:  fromValidator,
		FromSubmission: fromSubmission,
		WallTimeLimit:  time.Duration(config.WallTimeLimitSec) * time.Second,
		KillGrace:      utils.DurationFromMs(config.KillGraceMs),
	})
	// A command that cannot be executed fails like a child exiting with status 1
	if validatorErr != nil {
		logger.WithError(validatorErr).Error("The validator could not be executed")
		coordinator.HandleLaunchFailure(coordinator.Validator)
	}
	if submissionErr != nil {
		logger.WithError(submissionErr).Error("The submission could not be executed")
		coordinator.HandleLaunchFailure(coordinator.Submission)
	}
	coordinator.Start()

	result, err := coordinator.Wait(ctx, governor.Expired())
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"validator":  result.ValidatorOutcome.String(),
		"submission": result.SubmissionOutcome.String(),
		"first":      result.FirstRole.String(),
		"expired":    result.DeadlineExpired,
	}).Debug("Interactive session finished")

	return result, nil
}

func killAndReap(pid int, logger *logrus.Entry) {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		logger.WithError(err).Warnf("Error sending SIGKILL to %d", pid)
		return
	}

	for {
		_, err := unix.Wait4(pid, nil, 0, nil)
		if err != unix.EINTR {
			return
		}
	}
}
