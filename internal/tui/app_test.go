package tui

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/mpca/internal/adapter"
	"github.com/mpataki/mpca/internal/adapter/fake"
	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/session"
)

// pump feeds the next session event into the model.
func pump(t *testing.T, a *App) {
	t.Helper()
	msg := waitForEvent(a.sess)()
	_, cmd := a.Update(msg)
	if _, closed := msg.(sessionClosedMsg); !closed {
		require.NotNil(t, cmd)
	}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "ctrl+s":
		return tea.KeyMsg{Type: tea.KeyCtrlS}
	case "ctrl+r":
		return tea.KeyMsg{Type: tea.KeyCtrlR}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func typeText(a *App, s string) {
	for _, r := range s {
		a.Update(key(string(r)))
	}
}

func TestApproveLatestReply(t *testing.T) {
	agent := fake.NewAgent()
	agent.Reply("draft one", 0.01)
	agent.Reply("draft two", 0.01)
	sess := session.Start(context.Background(), agent, adapter.Request{}, &adapter.Request{Prompt: "plan"}, nil)
	defer sess.Close()
	a := NewApp(sess, ModePlan, "plan add-caching")

	pump(t, a)
	pump(t, a)
	assert.False(t, a.working)
	assert.Contains(t, a.viewport.View(), "draft one")

	typeText(a, "shorter")
	a.Update(key("enter"))
	assert.Empty(t, a.input.Value())
	pump(t, a)
	pump(t, a)

	_, cmd := a.Update(key("ctrl+s"))
	require.NotNil(t, cmd)
	assert.True(t, a.Approved())
	assert.Equal(t, "draft two", sess.Last().Text)
}

func TestApproveNeedsAReply(t *testing.T) {
	agent := fake.NewAgent()
	agent.SetDelay(time.Hour)
	sess := session.Start(context.Background(), agent, adapter.Request{}, &adapter.Request{Prompt: "plan"}, nil)
	defer sess.Close()
	a := NewApp(sess, ModePlan, "plan")

	_, cmd := a.Update(key("ctrl+s"))
	assert.Nil(t, cmd)
	assert.False(t, a.Approved())

	_, cmd = a.Update(key("esc"))
	require.NotNil(t, cmd)
	assert.True(t, a.Quit())
}

func TestBusyKeepsInput(t *testing.T) {
	agent := fake.NewAgent()
	agent.SetDelay(time.Hour)
	sess := session.Start(context.Background(), agent, adapter.Request{}, nil, nil)
	defer sess.Close()
	a := NewApp(sess, ModeChat, "chat")

	for i := 0; i < session.Capacity+2; i++ {
		a.input.SetValue("hi")
		a.Update(key("enter"))
	}
	assert.True(t, a.busy)
	assert.Equal(t, "hi", a.input.Value())
	assert.Contains(t, a.View(), "busy")
}

func TestRecoverableErrorOffersResend(t *testing.T) {
	agent := fake.NewAgent()
	agent.Fail(errs.Withf(errs.ErrRateLimited, "429"))
	agent.Reply("answer", 0.01)
	sess := session.Start(context.Background(), agent, adapter.Request{}, &adapter.Request{Prompt: "question"}, nil)
	defer sess.Close()
	a := NewApp(sess, ModeChat, "chat")

	pump(t, a)
	pump(t, a)
	assert.Equal(t, "question", a.retry)
	assert.Contains(t, a.viewport.View(), "ctrl+r")

	a.Update(key("ctrl+r"))
	pump(t, a)
	pump(t, a)
	assert.Empty(t, a.retry)
	assert.Contains(t, a.viewport.View(), "answer")
}

func TestHelpToggle(t *testing.T) {
	sess := session.Start(context.Background(), fake.NewAgent(), adapter.Request{}, nil, nil)
	defer sess.Close()
	a := NewApp(sess, ModePlan, "plan")

	a.Update(key("?"))
	assert.Contains(t, a.View(), "approve the latest reply")
	a.Update(key("?"))
	assert.NotContains(t, a.View(), "press ? to return")

	typeText(a, "why")
	a.Update(key("?"))
	assert.Equal(t, "why?", a.input.Value())
	assert.False(t, a.showHelp)
}
