// Package shell implements adapter.Shell with os/exec. Every command runs in
// its own process group so that cancellation can terminate everything it
// spawned.
package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/errs"
)

// WaitDelay bounds how long Wait blocks on output pipes after the process
// group has been killed.
const WaitDelay = 2 * time.Second

type Exec struct {
	log *zap.Logger
}

var _ adapter.Shell = (*Exec)(nil)

func New(log *zap.Logger) *Exec {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exec{log: log.Named("shell")}
}

// Run executes cmd to completion and returns its combined output. A non-zero
// exit is reported in the result, not as an error.
func (e *Exec) Run(ctx context.Context, cmd string, args []string, cwd string) (*adapter.CommandResult, error) {
	c := e.command(ctx, cmd, args, cwd)
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	start := time.Now()
	err := c.Run()
	res := &adapter.CommandResult{Output: out.String(), Duration: time.Since(start)}
	if err := ctx.Err(); err != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%s: %w", cmd, err)
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, errs.Wrap(fmt.Errorf("%w: %v", errs.ErrExecutionError, err), "run", cmd)
	}
	e.log.Debug("command finished",
		zap.String("cmd", cmd), zap.Strings("args", args),
		zap.Int("exit_code", res.ExitCode), zap.Duration("duration", res.Duration))
	return res, nil
}

// Stream starts cmd and delivers stdout and stderr lines as they arrive. The
// caller must drain Chunks before calling Wait.
func (e *Exec) Stream(ctx context.Context, cmd string, args []string, cwd string) (adapter.Stream, error) {
	c := e.command(ctx, cmd, args, cwd)
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(fmt.Errorf("%w: %v", errs.ErrExecutionError, err), "stream", cmd)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, errs.Wrap(fmt.Errorf("%w: %v", errs.ErrExecutionError, err), "stream", cmd)
	}

	start := time.Now()
	if err := c.Start(); err != nil {
		return nil, errs.Wrap(fmt.Errorf("%w: %v", errs.ErrExecutionError, err), "stream", cmd)
	}
	e.log.Debug("command started", zap.String("cmd", cmd), zap.Int("pid", c.Process.Pid))

	s := &stream{
		chunks: make(chan adapter.Chunk, 64),
		done:   make(chan struct{}),
	}
	go s.pump(ctx, c, cmd, start, stdout, stderr)
	return s, nil
}

func (e *Exec) command(ctx context.Context, cmd string, args []string, cwd string) *exec.Cmd {
	c := exec.CommandContext(ctx, cmd, args...)
	c.Dir = cwd
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return killGroup(c)
	}
	c.WaitDelay = WaitDelay
	return c
}

// killGroup kills the whole process group led by c.
func killGroup(c *exec.Cmd) error {
	if c.Process == nil {
		return nil
	}
	if err := syscall.Kill(-c.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return c.Process.Kill()
	}
	return nil
}

type stream struct {
	chunks chan adapter.Chunk
	done   chan struct{}

	mu  sync.Mutex
	out bytes.Buffer
	res *adapter.CommandResult
	err error
}

func (s *stream) pump(ctx context.Context, c *exec.Cmd, cmd string, start time.Time, stdout, stderr io.Reader) {
	defer close(s.done)

	var g errgroup.Group
	g.Go(func() error { return s.drain(ctx, "stdout", stdout) })
	g.Go(func() error { return s.drain(ctx, "stderr", stderr) })
	drainErr := g.Wait()
	close(s.chunks)

	waitErr := c.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.res = &adapter.CommandResult{Output: s.out.String(), Duration: time.Since(start)}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		s.res.ExitCode = -1
		s.err = fmt.Errorf("%s: %w", cmd, ctx.Err())
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		s.res.ExitCode = exitErr.ExitCode()
	default:
		s.err = errs.Wrap(fmt.Errorf("%w: %v", errs.ErrExecutionError, waitErr), "stream", cmd)
	}
	if s.err == nil && drainErr != nil {
		s.err = errs.Wrap(fmt.Errorf("%w: %v", errs.ErrExecutionError, drainErr), "stream", cmd)
	}
}

// chunkSize bounds a single chunk. Longer lines arrive as several chunks.
const chunkSize = 64 * 1024

// drain copies r into the captured output and the chunk channel until EOF.
// Once ctx is done chunks are dropped so an abandoned reader cannot wedge the
// process.
func (s *stream) drain(ctx context.Context, source string, r io.Reader) error {
	br := bufio.NewReaderSize(r, chunkSize)
	for {
		piece, err := br.ReadSlice('\n')
		if len(piece) > 0 {
			data := make([]byte, len(piece))
			copy(data, piece)

			s.mu.Lock()
			s.out.Write(data)
			s.mu.Unlock()

			select {
			case s.chunks <- adapter.Chunk{Source: source, Data: data}:
			case <-ctx.Done():
			}
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed),
			errors.Is(err, io.ErrClosedPipe), errors.Is(err, syscall.EBADF):
			return nil
		default:
			return err
		}
	}
}

func (s *stream) Chunks() <-chan adapter.Chunk { return s.chunks }

func (s *stream) Wait() (*adapter.CommandResult, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res, s.err
}
