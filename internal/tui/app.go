// Package tui is the terminal front-end for interactive planning and chat.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/mpca/internal/session"
)

type Mode int

const (
	// ModePlan allows approving the latest reply as the design.
	ModePlan Mode = iota
	ModeChat
)

type role int

const (
	roleUser role = iota
	roleAgent
	roleNote
	roleError
)

type entry struct {
	role role
	text string
}

// App is the bubbletea model for one conversation.
type App struct {
	sess  *session.Session
	mode  Mode
	title string

	transcript []entry
	viewport   viewport.Model
	input      textinput.Model
	spinner    spinner.Model

	working  bool
	busy     bool
	closed   bool
	showHelp bool
	retry    string

	approved bool
	quit     bool

	width  int
	height int
}

func NewApp(sess *session.Session, mode Mode, title string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type a message, ? for help"
	ti.CharLimit = 4000
	ti.Width = 80
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusRunning

	return &App{
		sess:     sess,
		mode:     mode,
		title:    title,
		viewport: viewport.New(80, 20),
		input:    ti,
		spinner:  sp,
		working:  true,
	}
}

// Approved reports whether the user accepted the latest reply.
func (a *App) Approved() bool { return a.approved }

// Quit reports whether the user left without approving.
func (a *App) Quit() bool { return a.quit }

type eventMsg session.Event

type sessionClosedMsg struct{}

// waitForEvent delivers the next session event. It is re-armed after every
// event so replies are drained alongside input and redraws.
func waitForEvent(s *session.Session) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-s.Events()
		if !ok {
			return sessionClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, a.spinner.Tick, waitForEvent(a.sess))
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.viewport.Width = max(20, msg.Width-2)
		a.viewport.Height = max(3, msg.Height-6)
		a.input.Width = max(10, msg.Width-4)
		a.refresh()
		return a, nil

	case eventMsg:
		a.handleEvent(session.Event(msg))
		return a, waitForEvent(a.sess)

	case sessionClosedMsg:
		a.closed = true
		a.working = false
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventWorking:
		a.working = true
	case session.EventReply:
		a.working = ev.Pending > 0
		a.busy = false
		a.retry = ""
		a.append(roleAgent, ev.Reply.Text)
	case session.EventError:
		a.working = ev.Pending > 0
		if ev.Recoverable {
			a.retry = ev.Prompt
			a.append(roleError, fmt.Sprintf("%v (ctrl+r to resend)", ev.Err))
		} else {
			a.append(roleError, ev.Err.Error())
		}
	}
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		a.quit = true
		return a, tea.Quit

	case "ctrl+s":
		if a.mode != ModePlan {
			return a, nil
		}
		if a.sess.Last() == nil {
			a.append(roleNote, "Nothing to approve yet.")
			return a, nil
		}
		a.approved = true
		return a, tea.Quit

	case "ctrl+r":
		if a.retry != "" {
			a.send(a.retry)
		}
		return a, nil

	case "?":
		if a.input.Value() == "" {
			a.showHelp = !a.showHelp
			return a, nil
		}

	case "pgup", "pgdown":
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd

	case "enter":
		text := strings.TrimSpace(a.input.Value())
		if text == "" {
			return a, nil
		}
		if a.send(text) {
			a.input.SetValue("")
		}
		return a, nil
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

// send hands text to the session and reports whether it was accepted. A
// full queue leaves the text in the input and shows the busy state.
func (a *App) send(text string) bool {
	switch err := a.sess.Send(text); err {
	case nil:
		a.busy = false
		a.working = true
		a.append(roleUser, text)
		return true
	case session.ErrBusy:
		a.busy = true
		return false
	default:
		a.append(roleError, err.Error())
		return false
	}
}

func (a *App) append(r role, text string) {
	a.transcript = append(a.transcript, entry{role: r, text: text})
	a.refresh()
}

func (a *App) refresh() {
	var b strings.Builder
	for _, e := range a.transcript {
		switch e.role {
		case roleUser:
			b.WriteString(labelStyle.Render("you") + "\n" + e.text + "\n\n")
		case roleAgent:
			b.WriteString(titleStyle.Render("agent") + "\n" + e.text + "\n\n")
		case roleNote:
			b.WriteString(dimStyle.Render(e.text) + "\n\n")
		case roleError:
			b.WriteString(statusFailed.Render("error: "+e.text) + "\n\n")
		}
	}
	a.viewport.SetContent(lipgloss.NewStyle().Width(a.viewport.Width).Render(b.String()))
	a.viewport.GotoBottom()
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusBusy    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("75")).
			Bold(true)
)

func (a *App) View() string {
	s := titleStyle.Render(a.title) + "\n"
	if a.showHelp {
		return s + "\n" + a.viewHelp()
	}
	s += a.viewport.View() + "\n"
	s += a.viewStatus() + "\n"
	s += a.input.View() + "\n"
	s += helpStyle.Render(a.helpLine())
	return s
}

func (a *App) viewStatus() string {
	switch {
	case a.busy:
		return statusBusy.Render("busy: the agent queue is full, message not sent")
	case a.closed:
		return dimStyle.Render("session ended")
	case a.working:
		return a.spinner.View() + " " + statusRunning.Render("agent is working")
	}
	return ""
}

func (a *App) helpLine() string {
	if a.mode == ModePlan {
		return "enter: send • ctrl+s: approve design • esc: quit • ?: help"
	}
	return "enter: send • esc: quit • ?: help"
}

func (a *App) viewHelp() string {
	lines := []string{
		"enter       send the message",
		"ctrl+r      resend after a rate limit or timeout",
		"pgup/pgdown scroll the transcript",
		"esc, ctrl+c quit",
		"?           toggle this help",
	}
	if a.mode == ModePlan {
		lines = append(lines[:1], append([]string{"ctrl+s      approve the latest reply as the design"}, lines[1:]...)...)
	}
	return strings.Join(lines, "\n") + "\n\n" + helpStyle.Render("press ? to return")
}
