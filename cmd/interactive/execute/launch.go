package execute

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/samber/lo"
	"golang.org/x/sys/unix"
)

// InheritFd binds the supervisor's own stdin or stdout.
const InheritFd = -1

type LaunchSpec struct {
	Args   []string
	Stdin  int
	Stdout int
	Stderr int
}

// childFiles returns the descriptor table of the child, where files[i]
// becomes descriptor i. The runtime moves every files[i] < i aside before
// binding, so an output descriptor that happens to be 0 survives the binding
// of stdin.
func childFiles(spec *LaunchSpec) []uintptr {
	return []uintptr{
		uintptr(lo.Ternary(spec.Stdin == InheritFd, unix.Stdin, spec.Stdin)),
		uintptr(lo.Ternary(spec.Stdout == InheritFd, unix.Stdout, spec.Stdout)),
		uintptr(lo.Ternary(spec.Stderr == InheritFd, unix.Stderr, spec.Stderr)),
	}
}

// Errnos of execve that blame the command rather than the supervisor.
var execErrnos = []unix.Errno{
	unix.ENOENT,
	unix.ENOEXEC,
	unix.EACCES,
	unix.EPERM,
	unix.ENOTDIR,
	unix.EISDIR,
	unix.ELOOP,
	unix.ENAMETOOLONG,
	unix.ETXTBSY,
	unix.E2BIG,
	unix.ELIBBAD,
}

// ExecError means the process could be created but the command could not be
// executed in it. The run goes on, the role counts as exited with status 1.
type ExecError struct {
	Command string
	Err     error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("Error executing %s: %v", e.Command, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

func IsExecError(err error) bool {
	var execErr *ExecError
	return errors.As(err, &execErr)
}

// Launch starts the command with the requested bindings and returns its pid.
// Only the three bound descriptors survive the exec, everything else the
// supervisor holds is close-on-exec. A failure inside the child is reported
// back here and the child never runs any of our code. Failures of the command
// itself come back as *ExecError.
func Launch(spec *LaunchSpec) (int, error) {
	if len(spec.Args) == 0 {
		return 0, fmt.Errorf("Empty argument list")
	}

	path, err := exec.LookPath(spec.Args[0])
	if err != nil {
		return 0, &ExecError{Command: spec.Args[0], Err: err}
	}

	pid, err := syscall.ForkExec(path, spec.Args, &syscall.ProcAttr{
		Env:   os.Environ(),
		Files: childFiles(spec),
	})
	if err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) && lo.Contains(execErrnos, errno) {
			return 0, &ExecError{Command: path, Err: err}
		}
		return 0, fmt.Errorf("Error starting %s: %w", path, err)
	}

	return pid, nil
}
