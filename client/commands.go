package client

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/cmdchat/cmdchat-go/internal/sanitize"
	"github.com/cmdchat/cmdchat-go/protocol"
)

const helpText = `commands:
  /nick NAME   change display name
  /join ROOM   switch rooms
  /send PATH   send a file to the room (max 10 MiB)
  /clear       clear the screen
  /help        show this help
  /quit        disconnect and exit`

func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), sanitize.MaxMessageBytes+1024)
	return sc
}

// inputLoop translates terminal lines into envelopes. It returns errQuit
// on /quit or input EOF.
func (c *Client) inputLoop(ctx context.Context, sess *session, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				c.send(ctx, sess, &protocol.Envelope{Type: protocol.TypeCmdQuit})
				return errQuit
			}
			if err := c.handleLine(ctx, sess, line); err != nil {
				return err
			}
		}
	}
}

func (c *Client) handleLine(ctx context.Context, sess *session, line string) error {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		text, ok := sanitize.Message(line)
		if !ok {
			c.rend.Status("message rejected: invalid or too long")
			return nil
		}
		c.send(ctx, sess, &protocol.Envelope{Type: protocol.TypeChat, Text: text})
		return nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/nick":
		if arg == "" {
			c.rend.Status("usage: /nick NAME")
			return nil
		}
		name := sanitize.Name(arg)
		c.send(ctx, sess, &protocol.Envelope{Type: protocol.TypeCmdNick, Name: name})
		c.setName(name)
	case "/join":
		if arg == "" {
			c.rend.Status("usage: /join ROOM")
			return nil
		}
		room := sanitize.Room(arg)
		c.send(ctx, sess, &protocol.Envelope{Type: protocol.TypeCmdJoin, Room: room})
		c.setRoom(room)
	case "/send":
		if arg == "" {
			c.rend.Status("usage: /send PATH")
			return nil
		}
		c.sendFileAsync(ctx, sess, arg)
	case "/clear":
		c.rend.Clear()
	case "/help":
		c.rend.Status(helpText)
	case "/quit":
		c.send(ctx, sess, &protocol.Envelope{Type: protocol.TypeCmdQuit})
		return errQuit
	default:
		c.rend.Status("unknown command " + cmd + " (try /help)")
	}
	return nil
}
