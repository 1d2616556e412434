// Package agent implements adapter.Agent: the Claude Code CLI, the Messages
// API over HTTP, and a rate-limited wrapper for either.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/errs"
)

// CLI drives `claude -p` and reads its JSON result.
type CLI struct {
	Command string
	Timeout time.Duration
	log     *zap.Logger
}

var _ adapter.Agent = (*CLI)(nil)

func NewCLI(command string, timeout time.Duration, log *zap.Logger) *CLI {
	if log == nil {
		log = zap.NewNop()
	}
	return &CLI{Command: command, Timeout: timeout, log: log.Named("agent")}
}

type cliResult struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
}

func (c *CLI) Send(ctx context.Context, req *adapter.Request) (*adapter.Reply, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args := c.args(req)
	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Dir = req.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	c.log.Debug("agent exchange finished",
		zap.String("session", req.SessionID),
		zap.Duration("duration", time.Since(start)),
		zap.Error(runErr))

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, errs.Withf(errs.ErrAgentTimeout, "no reply after %s", c.Timeout)
	case errors.Is(ctx.Err(), context.Canceled):
		return nil, fmt.Errorf("agent exchange: %w", ctx.Err())
	case errors.Is(runErr, exec.ErrNotFound):
		return nil, errs.Withf(errs.ErrAgentFailed, "%s not found in PATH", c.Command)
	}

	var res cliResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if runErr != nil {
			return nil, classify(fmt.Sprintf("%v: %s", runErr, msg))
		}
		return nil, errs.Withf(errs.ErrAgentFailed, "unreadable reply: %v", err)
	}
	if res.IsError || runErr != nil {
		msg := res.Result
		if msg == "" {
			msg = strings.TrimSpace(stderr.String())
		}
		return nil, classify(msg)
	}

	return &adapter.Reply{
		Text:      res.Result,
		SessionID: res.SessionID,
		CostUSD:   res.TotalCostUSD,
		Turns:     res.NumTurns,
	}, nil
}

func (c *CLI) args(req *adapter.Request) []string {
	args := []string{"-p", req.Prompt, "--output-format", "json"}
	if req.Mode.Model != "" {
		args = append(args, "--model", req.Mode.Model)
	}
	if req.Mode.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.Mode.MaxTurns))
	}
	if req.Mode.PermissionMode != "" {
		args = append(args, "--permission-mode", req.Mode.PermissionMode)
	}
	if req.Mode.System != "" {
		args = append(args, "--append-system-prompt", req.Mode.System)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	return args
}

// classify maps an agent failure message onto the agent error kinds.
func classify(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "429"),
		strings.Contains(lower, "overloaded"), strings.Contains(lower, "usage limit"):
		return errs.Withf(errs.ErrRateLimited, "%s", msg)
	case strings.Contains(lower, "authentication"), strings.Contains(lower, "api key"),
		strings.Contains(lower, "401"), strings.Contains(lower, "/login"):
		return errs.Withf(errs.ErrAgentAuth, "%s", msg)
	case strings.Contains(lower, "timed out"), strings.Contains(lower, "timeout"):
		return errs.Withf(errs.ErrAgentTimeout, "%s", msg)
	default:
		return errs.Withf(errs.ErrAgentFailed, "%s", msg)
	}
}
