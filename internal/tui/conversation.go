package tui

import (
	"context"
	"errors"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/session"
)

// Options configures the terminal program. Nil Input and Output use the
// process terminal.
type Options struct {
	Title  string
	Input  io.Reader
	Output io.Writer
	Log    *zap.Logger
}

func (o Options) programOptions(ctx context.Context) []tea.ProgramOption {
	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if o.Input != nil {
		opts = append(opts, tea.WithInput(o.Input))
	}
	if o.Output != nil {
		opts = append(opts, tea.WithOutput(o.Output))
	} else {
		opts = append(opts, tea.WithAltScreen())
	}
	return opts
}

// Planner returns a conversation for the planning workflow: the user
// refines the design with the agent and approves the latest reply with
// ctrl+s. Quitting returns an error wrapping errs.ErrInterrupted.
func Planner(opts Options) func(ctx context.Context, agent adapter.Agent, opening *adapter.Request) (string, error) {
	return func(ctx context.Context, agent adapter.Agent, opening *adapter.Request) (string, error) {
		base := adapter.Request{Dir: opening.Dir, Mode: opening.Mode, SessionID: opening.SessionID}
		sess := session.Start(ctx, agent, base, opening, opts.Log)
		defer sess.Close()

		app, err := run(ctx, NewApp(sess, ModePlan, opts.Title), opts)
		if err != nil {
			return "", err
		}
		if !app.Approved() {
			return "", errs.Withf(errs.ErrInterrupted, "planning conversation closed without approval")
		}
		return sess.Last().Text, nil
	}
}

// Chat runs a free-form conversation until the user quits.
func Chat(ctx context.Context, agent adapter.Agent, base adapter.Request, opening string, opts Options) error {
	var first *adapter.Request
	if opening != "" {
		r := base
		r.Prompt = opening
		first = &r
	}
	sess := session.Start(ctx, agent, base, first, opts.Log)
	defer sess.Close()

	app := NewApp(sess, ModeChat, opts.Title)
	if first == nil {
		app.working = false
	}
	_, err := run(ctx, app, opts)
	return err
}

func run(ctx context.Context, app *App, opts Options) (*App, error) {
	p := tea.NewProgram(app, opts.programOptions(ctx)...)
	m, err := p.Run()
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, tea.ErrProgramKilled) {
			return nil, fmt.Errorf("%w: %v", errs.ErrInterrupted, err)
		}
		return nil, fmt.Errorf("terminal: %w", err)
	}
	final, ok := m.(*App)
	if !ok {
		return nil, fmt.Errorf("terminal: unexpected model %T", m)
	}
	return final, nil
}
