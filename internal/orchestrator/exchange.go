package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/models"
	"github.com/mpataki/mpca/internal/prompt"
	"github.com/mpataki/mpca/internal/spec"
)

// promptContext returns the template data shared by every workflow.
func (e *Executor) promptContext() prompt.Context {
	cfg := e.deps.Config
	c := prompt.Context{
		RepoRoot:    cfg.RepoRoot,
		Project:     filepath.Base(cfg.RepoRoot),
		Feature:     e.feature,
		SpecsDir:    cfg.SpecsDir,
		TreesDir:    cfg.TreesDir,
		Description: e.description,
	}
	if e.feature != "" {
		dir := spec.Dir(cfg.SpecsDir, e.feature)
		for _, doc := range []string{models.ReadmeDoc, models.RequirementsDoc, models.DesignDoc, models.VerifyDoc} {
			if p := filepath.Join(dir, doc); e.storage.Exists(p) {
				c.SpecPaths = append(c.SpecPaths, p)
			}
		}
	}
	return c
}

// request renders the system prompt for role and the named prompt template
// into an agent request carrying the workflow's mode.
func (e *Executor) request(role, name string, data prompt.Context, dir string) (*adapter.Request, error) {
	data.Role = role
	system, err := e.deps.Renderer.Render(prompt.System, data)
	if err != nil {
		return nil, err
	}
	body, err := e.deps.Renderer.Render(name, data)
	if err != nil {
		return nil, err
	}
	mode := e.deps.Config.Mode(e.workflow)
	mode.System = strings.TrimSpace(system)
	return &adapter.Request{Prompt: strings.TrimSpace(body), Dir: dir, Mode: mode}, nil
}

// exchange sends req, or hands it to the conversation when one is set, and
// returns the final text with the accounting of every exchange made.
func (e *Executor) exchange(ctx context.Context, req *adapter.Request, interactive bool) (string, usage, error) {
	if interactive && e.converse != nil {
		m := &meter{inner: e.agent, mode: req.Mode, dir: req.Dir}
		text, err := e.converse(ctx, m, req)
		if err != nil {
			return "", m.usage(), err
		}
		u := m.usage()
		e.log.Info("conversation approved", zap.Int("exchanges", u.turns), zap.Float64("cost_usd", u.cost))
		return text, u, nil
	}

	reply, err := e.agent.Send(ctx, req)
	if err != nil {
		return "", usage{}, err
	}
	var u usage
	u.add(reply)
	return reply.Text, u, nil
}

// meter is the agent handed to a conversation. It fills in the workflow's
// mode and tallies every successful exchange.
type meter struct {
	inner adapter.Agent
	mode  adapter.Mode
	dir   string

	mu sync.Mutex
	u  usage
}

func (m *meter) Send(ctx context.Context, req *adapter.Request) (*adapter.Reply, error) {
	r := *req
	if r.Mode == (adapter.Mode{}) {
		r.Mode = m.mode
	}
	if r.Dir == "" {
		r.Dir = m.dir
	}
	reply, err := m.inner.Send(ctx, &r)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.u.add(reply)
	m.mu.Unlock()
	return reply, nil
}

func (m *meter) usage() usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.u
}
