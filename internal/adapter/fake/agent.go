package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mpataki/mpca/internal/adapter"
)

// Agent is a scripted adapter.Agent. Queued outcomes are consumed in order;
// afterwards every exchange returns an echo reply costing DefaultCost.
type Agent struct {
	Recorder

	mu          sync.Mutex
	queue       []agentResult
	requests    []adapter.Request
	delay       time.Duration
	DefaultCost float64
}

type agentResult struct {
	reply *adapter.Reply
	err   error
}

var _ adapter.Agent = (*Agent)(nil)

func NewAgent() *Agent {
	return &Agent{DefaultCost: 0.01}
}

// Reply queues a successful exchange.
func (a *Agent) Reply(text string, cost float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(a.queue, agentResult{reply: &adapter.Reply{Text: text, CostUSD: cost, Turns: 1}})
}

// Fail queues a failed exchange.
func (a *Agent) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(a.queue, agentResult{err: err})
}

// SetDelay makes every exchange take d, or until ctx is done.
func (a *Agent) SetDelay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
}

// Requests returns every request received.
func (a *Agent) Requests() []adapter.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]adapter.Request(nil), a.requests...)
}

func (a *Agent) Send(ctx context.Context, req *adapter.Request) (*adapter.Reply, error) {
	a.record("send", req.Prompt)
	a.mu.Lock()
	a.requests = append(a.requests, *req)
	delay := a.delay
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) > 0 {
		r := a.queue[0]
		a.queue = a.queue[1:]
		if r.reply != nil {
			reply := *r.reply
			if reply.SessionID == "" {
				reply.SessionID = "session-1"
			}
			return &reply, nil
		}
		return nil, r.err
	}
	return &adapter.Reply{
		Text:      fmt.Sprintf("ack: %s", req.Prompt),
		SessionID: "session-1",
		CostUSD:   a.DefaultCost,
		Turns:     1,
	}, nil
}
