// Package ws adapts websocket connections into the byte streams the chat
// protocol runs over. A websocket client speaks the same length-prefixed
// frames as a TCP client; each frame travels as one binary message.
package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNonBinaryMessage reports a text or control payload where a binary
// frame was expected.
var ErrNonBinaryMessage = errors.New("ws: non-binary message")

// Conn wraps a gorilla websocket connection.
type Conn struct {
	c *websocket.Conn
}

// UpgraderOptions exposes a small set of websocket upgrader controls.
type UpgraderOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// Upgrade upgrades an HTTP request to a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgraderOptions) (*Conn, error) {
	up := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// DialOptions provides optional headers for websocket dialing.
type DialOptions struct {
	Header http.Header
	Dialer *websocket.Dialer
}

// Dial opens a websocket connection with a deadline-aware handshake.
func Dial(ctx context.Context, urlStr string, opts DialOptions) (*Conn, *http.Response, error) {
	var d websocket.Dialer
	if opts.Dialer != nil {
		d = *opts.Dialer
	} else {
		d = websocket.Dialer{}
	}
	if deadline, ok := ctx.Deadline(); ok {
		dl := time.Until(deadline)
		if d.HandshakeTimeout == 0 || d.HandshakeTimeout > dl {
			d.HandshakeTimeout = dl
		}
	}
	c, resp, err := d.DialContext(ctx, urlStr, opts.Header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{c: c}, resp, nil
}

// Close closes the websocket connection.
func (c *Conn) Close() error {
	return c.c.Close()
}

// Stream presents a websocket connection as a net.Conn so the frame codec
// and session machinery treat websocket and TCP clients identically. Reads
// accept only binary messages; buffered remainders of a message are served
// by subsequent reads.
type Stream struct {
	conn *Conn

	rmu  sync.Mutex
	rbuf []byte

	wmu sync.Mutex
}

// NewStream wraps a websocket connection as a byte stream.
func NewStream(conn *Conn) *Stream {
	return &Stream{conn: conn}
}

func (s *Stream) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	for len(s.rbuf) == 0 {
		mt, b, err := s.conn.c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if mt != websocket.BinaryMessage {
			return 0, ErrNonBinaryMessage
		}
		s.rbuf = b
	}
	n := copy(p, s.rbuf)
	s.rbuf = s.rbuf[n:]
	return n, nil
}

// Write sends p as a single binary message. Callers write one frame per
// call, so frame boundaries map one-to-one onto websocket messages.
func (s *Stream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *Stream) Close() error {
	return s.conn.Close()
}

func (s *Stream) LocalAddr() net.Addr {
	return s.conn.c.LocalAddr()
}

func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.c.RemoteAddr()
}

func (s *Stream) SetDeadline(t time.Time) error {
	if err := s.conn.c.SetReadDeadline(t); err != nil {
		return err
	}
	return s.conn.c.SetWriteDeadline(t)
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.conn.c.SetReadDeadline(t)
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	return s.conn.c.SetWriteDeadline(t)
}

var _ net.Conn = (*Stream)(nil)
