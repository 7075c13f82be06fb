package execute

import (
	"fmt"
	"os"

	"github.com/darkyzhou/seele/interactive/cmd/interactive/entities"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Channel is a pipe from the stdout of Writer to the stdin of Reader.
// The supervisor keeps its own copy of both ends: the reader sees EOF only
// after the writer and the supervisor have both dropped the write end, and a
// write fails with EPIPE only after the reader and the supervisor have both
// dropped the read end.
type Channel struct {
	Writer entities.Role
	Reader entities.Role

	r *os.File
	w *os.File
}

func NewChannel(writer, reader entities.Role, pipeSize int, logger *logrus.Entry) (*Channel, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("Error creating the %s->%s pipe: %w", writer, reader, err)
	}

	channel := &Channel{
		Writer: writer,
		Reader: reader,
		r:      os.NewFile(uintptr(fds[0]), fmt.Sprintf("%s->%s|r", writer, reader)),
		w:      os.NewFile(uintptr(fds[1]), fmt.Sprintf("%s->%s|w", writer, reader)),
	}

	if pipeSize > 0 {
		if _, err := unix.FcntlInt(uintptr(fds[0]), unix.F_SETPIPE_SZ, pipeSize); err != nil {
			logger.WithError(err).Warnf("Failed to set the size of the %s->%s pipe to %d", writer, reader, pipeSize)
		}
	}

	return channel, nil
}

// ReadFd is the descriptor to bind as the reader's stdin.
func (c *Channel) ReadFd() int {
	if c.r == nil {
		return -1
	}
	return int(c.r.Fd())
}

// WriteFd is the descriptor to bind as the writer's stdout.
func (c *Channel) WriteFd() int {
	if c.w == nil {
		return -1
	}
	return int(c.w.Fd())
}

func (c *Channel) HoldsReadEnd() bool {
	return c.r != nil
}

func (c *Channel) HoldsWriteEnd() bool {
	return c.w != nil
}

// ReleaseWriteEnd drops the supervisor's copy of the write end. It must only
// be called once the writer has been reaped, so that the reader's EOF can
// never be observed before the writer's termination.
func (c *Channel) ReleaseWriteEnd() error {
	if c.w == nil {
		return nil
	}
	err := c.w.Close()
	c.w = nil
	return err
}

// ReleaseSpareReader drops the supervisor's copy of the read end, after which
// the writer gets EPIPE as soon as the reader is gone.
func (c *Channel) ReleaseSpareReader() error {
	if c.r == nil {
		return nil
	}
	err := c.r.Close()
	c.r = nil
	return err
}

func (c *Channel) Close() error {
	errW := c.ReleaseWriteEnd()
	errR := c.ReleaseSpareReader()
	if errW != nil {
		return errW
	}
	return errR
}

func (c *Channel) String() string {
	return fmt.Sprintf("Channel[%s->%s r=%t w=%t]", c.Writer, c.Reader, c.r != nil, c.w != nil)
}
