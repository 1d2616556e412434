package fake

import (
	"context"
	"strings"
	"sync"

	"github.com/mpataki/mpca/internal/adapter"
)

// Shell is a scripted adapter.Shell. Results are consumed in order; once the
// queue is empty every command succeeds with no output.
type Shell struct {
	Recorder

	mu      sync.Mutex
	results []shellResult
	streams []*StreamScript
}

type shellResult struct {
	res *adapter.CommandResult
	err error
}

// StreamScript describes what one Stream call emits. With Hold set the
// command keeps running after its chunks until ctx is canceled.
type StreamScript struct {
	Chunks   []string
	ExitCode int
	Hold     bool

	mu     sync.Mutex
	killed bool
}

// Killed reports whether the stream was terminated by cancellation.
func (s *StreamScript) Killed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

var _ adapter.Shell = (*Shell)(nil)

func NewShell() *Shell {
	return &Shell{}
}

// Push queues the outcome of the next Run call.
func (s *Shell) Push(exitCode int, output string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res *adapter.CommandResult
	if err == nil {
		res = &adapter.CommandResult{ExitCode: exitCode, Output: output}
	}
	s.results = append(s.results, shellResult{res: res, err: err})
}

// PushStream queues the script of the next Stream call.
func (s *Shell) PushStream(script *StreamScript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = append(s.streams, script)
}

func (s *Shell) Run(ctx context.Context, cmd string, args []string, cwd string) (*adapter.CommandResult, error) {
	s.record("run", append([]string{cwd, cmd}, args...)...)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return &adapter.CommandResult{}, nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r.res, r.err
}

func (s *Shell) Stream(ctx context.Context, cmd string, args []string, cwd string) (adapter.Stream, error) {
	s.record("stream", append([]string{cwd, cmd}, args...)...)
	s.mu.Lock()
	script := &StreamScript{}
	if len(s.streams) > 0 {
		script = s.streams[0]
		s.streams = s.streams[1:]
	}
	s.mu.Unlock()

	st := &stream{chunks: make(chan adapter.Chunk), done: make(chan struct{})}
	go st.run(ctx, script)
	return st, nil
}

type stream struct {
	chunks chan adapter.Chunk
	done   chan struct{}
	res    *adapter.CommandResult
	err    error
}

func (st *stream) run(ctx context.Context, script *StreamScript) {
	defer close(st.done)
	var out strings.Builder
	finish := func(err error) {
		close(st.chunks)
		st.res = &adapter.CommandResult{ExitCode: script.ExitCode, Output: out.String()}
		st.err = err
		if err != nil {
			script.mu.Lock()
			script.killed = true
			script.mu.Unlock()
			st.res.ExitCode = -1
		}
	}
	for _, c := range script.Chunks {
		select {
		case st.chunks <- adapter.Chunk{Source: "stdout", Data: []byte(c)}:
			out.WriteString(c)
		case <-ctx.Done():
			finish(ctx.Err())
			return
		}
	}
	if script.Hold {
		<-ctx.Done()
		finish(ctx.Err())
		return
	}
	finish(nil)
}

func (st *stream) Chunks() <-chan adapter.Chunk { return st.chunks }

func (st *stream) Wait() (*adapter.CommandResult, error) {
	<-st.done
	return st.res, st.err
}
