// Package session runs the agent side of an interactive conversation on its
// own goroutine. The front-end talks to it over two bounded channels: Send
// enqueues user messages without ever blocking, and Events delivers what the
// agent produced.
package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/errs"
)

// Capacity bounds both channels.
const Capacity = 32

var (
	// ErrBusy means the inbound queue is full; the message was not accepted.
	ErrBusy = errors.New("agent is busy")
	// ErrClosed means the session has ended.
	ErrClosed = errors.New("session closed")
)

type EventKind int

const (
	// EventWorking is sent when an exchange starts.
	EventWorking EventKind = iota
	// EventReply carries a finished exchange.
	EventReply
	// EventError carries a failed exchange. Recoverable errors leave the
	// session running; others end it.
	EventError
)

type Event struct {
	Kind        EventKind
	Prompt      string
	Reply       *adapter.Reply
	Err         error
	Recoverable bool
	// Pending is the number of queued messages when the event was sent.
	Pending int
}

// Session is safe for concurrent use.
type Session struct {
	agent adapter.Agent
	base  adapter.Request
	log   *zap.Logger

	in     chan string
	out    chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	sessionID string
	last      *adapter.Reply
	turns     int
	cost      float64
}

// Start launches the agent goroutine. base supplies the mode, directory and
// session of every exchange; when opening is non-nil it is sent first.
func Start(ctx context.Context, agent adapter.Agent, base adapter.Request, opening *adapter.Request, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		agent:     agent,
		base:      base,
		log:       log.Named("session"),
		in:        make(chan string, Capacity),
		out:       make(chan Event, Capacity),
		cancel:    cancel,
		done:      make(chan struct{}),
		sessionID: base.SessionID,
	}
	go s.loop(ctx, opening)
	return s
}

// Send queues a user message. It never blocks: a full queue returns ErrBusy
// and an ended session ErrClosed.
func (s *Session) Send(msg string) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.in <- msg:
		return nil
	default:
		return ErrBusy
	}
}

// Events is closed when the session ends.
func (s *Session) Events() <-chan Event { return s.out }

// Done is closed when the agent goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close asks the goroutine to disconnect and waits until it has.
func (s *Session) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Last returns the most recent reply, or nil.
func (s *Session) Last() *adapter.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Usage returns the exchanges made and their total cost.
func (s *Session) Usage() (turns int, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns, s.cost
}

func (s *Session) loop(ctx context.Context, opening *adapter.Request) {
	defer close(s.done)
	defer close(s.out)

	if opening != nil {
		if !s.exchange(ctx, opening) {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("session disconnected")
			return
		case msg := <-s.in:
			req := s.base
			req.Prompt = msg
			if !s.exchange(ctx, &req) {
				return
			}
		}
	}
}

// exchange runs one request and reports whether the session continues.
func (s *Session) exchange(ctx context.Context, req *adapter.Request) bool {
	s.mu.Lock()
	if req.SessionID == "" {
		req.SessionID = s.sessionID
	}
	s.mu.Unlock()

	if !s.emit(ctx, Event{Kind: EventWorking, Prompt: req.Prompt, Pending: len(s.in)}) {
		return false
	}
	reply, err := s.agent.Send(ctx, req)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		recoverable := errs.Recoverable(err)
		s.log.Warn("exchange failed", zap.Error(err), zap.Bool("recoverable", recoverable))
		s.emit(ctx, Event{Kind: EventError, Prompt: req.Prompt, Err: err, Recoverable: recoverable, Pending: len(s.in)})
		return recoverable
	}

	s.mu.Lock()
	if reply.SessionID != "" {
		s.sessionID = reply.SessionID
	}
	s.last = reply
	s.turns++
	s.cost += reply.CostUSD
	s.mu.Unlock()
	return s.emit(ctx, Event{Kind: EventReply, Prompt: req.Prompt, Reply: reply, Pending: len(s.in)})
}

// emit waits for room on the outbound channel unless the session is closing.
func (s *Session) emit(ctx context.Context, ev Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
