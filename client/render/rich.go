package render

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/cmdchat/cmdchat-go/protocol"
)

var (
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	senderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Bold(true)
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	fileStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
)

// Rich renders with lipgloss styling and keeps a bounded scrollback of
// rendered lines.
type Rich struct {
	mu    sync.Mutex
	out   io.Writer
	lines []string
	bound int
}

// NewRich writes styled lines to out, retaining at most bound lines of
// scrollback.
func NewRich(out io.Writer, bound int) *Rich {
	if bound <= 0 {
		bound = 200
	}
	return &Rich{out: out, bound: bound}
}

func (r *Rich) Render(env *protocol.Envelope) {
	var line string
	switch env.Type {
	case protocol.TypeChat:
		line = fmt.Sprintf("%s %s %s",
			timeStyle.Render(stamp(env.TS)),
			senderStyle.Render("<"+env.Sender+">"),
			env.Text)
	case protocol.TypeSystem:
		line = fmt.Sprintf("%s %s",
			timeStyle.Render(stamp(env.TS)),
			systemStyle.Render("* "+env.Text))
	case protocol.TypeError:
		line = fmt.Sprintf("%s %s",
			timeStyle.Render(stamp(env.TS)),
			errorStyle.Render(fmt.Sprintf("! error (%s): %s", env.Code, env.Text)))
	case protocol.TypeFileStart:
		line = fmt.Sprintf("%s %s",
			timeStyle.Render(stamp(env.TS)),
			fileStyle.Render(fmt.Sprintf("⇣ %s is sending %s (%d bytes)", env.Sender, env.Filename, env.Size)))
	case protocol.TypeFileEnd:
		line = fmt.Sprintf("%s %s",
			timeStyle.Render(stamp(env.TS)),
			fileStyle.Render(fmt.Sprintf("✓ received %s from %s", env.Filename, env.Sender)))
	default:
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.bound {
		r.lines = r.lines[len(r.lines)-r.bound:]
	}
	fmt.Fprintln(r.out, line)
}

func (r *Rich) Status(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, statusStyle.Render("-- "+text))
}

func (r *Rich) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = r.lines[:0]
	fmt.Fprint(r.out, "\x1b[2J\x1b[H")
}

// Lines returns a copy of the retained scrollback.
func (r *Rich) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}
