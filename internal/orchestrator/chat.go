package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/models"
	"github.com/mpataki/mpca/internal/prompt"
)

// Chatter sends free-form messages about the repository. Chat is not tracked
// by any run-state record; the agent is still bound by the chat tool policy.
type Chatter struct {
	e *Executor
}

func NewChatter(deps Deps) *Chatter {
	return &Chatter{e: New(deps, models.WorkflowChat, "")}
}

// Request renders the chat prompt for message. A non-empty sessionID
// continues an earlier conversation.
func (c *Chatter) Request(message, sessionID string) (*adapter.Request, error) {
	data := c.e.promptContext()
	data.Message = message
	data.Resume = sessionID != ""
	req, err := c.e.request("chat", prompt.Chat, data, c.e.deps.Config.RepoRoot)
	if err != nil {
		return nil, err
	}
	req.SessionID = sessionID
	return req, nil
}

// Agent is the policy-checked agent chat exchanges go through.
func (c *Chatter) Agent() adapter.Agent { return c.e.agent }

// Send renders message and exchanges it with the agent.
func (c *Chatter) Send(ctx context.Context, message, sessionID string) (*adapter.Reply, error) {
	req, err := c.Request(message, sessionID)
	if err != nil {
		return nil, err
	}
	reply, err := c.e.agent.Send(ctx, req)
	if err != nil {
		c.e.log.Warn("chat exchange failed", zap.Error(err))
		return nil, &errs.Error{Op: "chat", Err: err}
	}
	return reply, nil
}
