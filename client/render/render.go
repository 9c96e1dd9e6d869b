// Package render turns decrypted envelopes into terminal output. The
// client never formats messages itself; it hands every envelope to a
// Renderer.
package render

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cmdchat/cmdchat-go/protocol"
)

// Renderer consumes envelopes destined for the user.
type Renderer interface {
	// Render prints one envelope.
	Render(env *protocol.Envelope)
	// Status prints a client-side status line (connection state,
	// transfer progress). Renderers may drop these.
	Status(text string)
	// Clear resets the visible scrollback where the medium supports it.
	Clear()
}

func stamp(ts int64) string {
	if ts == 0 {
		return time.Now().Format("15:04:05")
	}
	return time.UnixMilli(ts).Format("15:04:05")
}

// Minimal is a plain-text renderer with no styling.
type Minimal struct {
	mu  sync.Mutex
	out io.Writer
}

// NewMinimal writes unstyled lines to out.
func NewMinimal(out io.Writer) *Minimal {
	return &Minimal{out: out}
}

func (m *Minimal) Render(env *protocol.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch env.Type {
	case protocol.TypeChat:
		fmt.Fprintf(m.out, "[%s] <%s> %s\n", stamp(env.TS), env.Sender, env.Text)
	case protocol.TypeSystem:
		fmt.Fprintf(m.out, "[%s] * %s\n", stamp(env.TS), env.Text)
	case protocol.TypeError:
		fmt.Fprintf(m.out, "[%s] ! error (%s): %s\n", stamp(env.TS), env.Code, env.Text)
	case protocol.TypeFileStart:
		fmt.Fprintf(m.out, "[%s] * %s is sending %s (%d bytes)\n", stamp(env.TS), env.Sender, env.Filename, env.Size)
	case protocol.TypeFileEnd:
		fmt.Fprintf(m.out, "[%s] * received %s from %s\n", stamp(env.TS), env.Filename, env.Sender)
	}
}

func (m *Minimal) Status(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(m.out, "-- %s\n", text)
}

func (m *Minimal) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprint(m.out, "\x1b[2J\x1b[H")
}
