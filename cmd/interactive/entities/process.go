package entities

import (
	"fmt"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sys/unix"
)

// Exit codes through which validators and submissions report their verdict.
const (
	ExitCodeAccepted = 42
	ExitCodeRejected = 43
)

type Role int

const (
	RoleValidator Role = iota
	RoleSubmission
)

func (r Role) String() string {
	switch r {
	case RoleValidator:
		return "validator"
	case RoleSubmission:
		return "submission"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

type OutcomeKind int

const (
	OutcomeExited OutcomeKind = iota + 1
	OutcomeSignaled
)

// Outcome is how a process terminated. Code is only meaningful for exited
// processes, Signal and CoreDumped only for signaled ones.
type Outcome struct {
	Kind       OutcomeKind
	Code       int
	Signal     unix.Signal
	CoreDumped bool
}

func Exited(code int) Outcome {
	return Outcome{Kind: OutcomeExited, Code: code}
}

func Signaled(signal unix.Signal) Outcome {
	return Outcome{Kind: OutcomeSignaled, Signal: signal}
}

// TimeoutOutcome is reported for a submission still running when the wall
// time limit expires.
var TimeoutOutcome = Signaled(unix.SIGUSR1)

func OutcomeFromWaitStatus(status unix.WaitStatus) (Outcome, error) {
	switch true {
	case status.Exited():
		return Exited(status.ExitStatus()), nil
	case status.Signaled():
		outcome := Signaled(status.Signal())
		outcome.CoreDumped = status.CoreDump()
		return outcome, nil
	default:
		return Outcome{}, fmt.Errorf("Unknown status: %v", status)
	}
}

// WaitStatus encodes the outcome the way wait(2) does, core dump flag included.
func (o Outcome) WaitStatus() int {
	if o.Kind == OutcomeSignaled {
		return int(o.Signal) | lo.Ternary(o.CoreDumped, 0x80, 0)
	}
	return (o.Code & 0xff) << 8
}

// ExitCode encodes the outcome the way a shell does, 128+signal for signals.
func (o Outcome) ExitCode() int {
	if o.Kind == OutcomeSignaled {
		return 128 + int(o.Signal)
	}
	return o.Code
}

func (o Outcome) IsAccepted() bool {
	return o.Kind == OutcomeExited && o.Code == ExitCodeAccepted
}

func (o Outcome) IsRejected() bool {
	return o.Kind == OutcomeExited && o.Code == ExitCodeRejected
}

func (o Outcome) IsBrokenPipe() bool {
	return o.Kind == OutcomeSignaled && o.Signal == unix.SIGPIPE
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeExited:
		return fmt.Sprintf("Exited(%d)", o.Code)
	case OutcomeSignaled:
		if o.CoreDumped {
			return fmt.Sprintf("Signaled(%s, core dumped)", unix.SignalName(o.Signal))
		}
		return fmt.Sprintf("Signaled(%s)", unix.SignalName(o.Signal))
	default:
		return "Unknown"
	}
}

type ProcessHandle struct {
	Role Role
	Pid  int

	// Completed is set once the outcome is known, either observed or synthesized.
	Completed bool
	Outcome   Outcome
	CpuTime   time.Duration

	// Reaped is set once the pid has been collected and must not be signalled again.
	Reaped bool
}

func NewProcessHandle(role Role, pid int) *ProcessHandle {
	return &ProcessHandle{Role: role, Pid: pid}
}

func (h *ProcessHandle) Complete(outcome Outcome, cpuTime time.Duration) {
	if h.Completed {
		return
	}
	h.Completed = true
	h.Outcome = outcome
	h.CpuTime = cpuTime
}

type RunResult struct {
	ValidatorOutcome  Outcome
	ValidatorCpuTime  time.Duration
	SubmissionOutcome Outcome
	SubmissionCpuTime time.Duration
	FirstRole         Role
	DeadlineExpired   bool
}
