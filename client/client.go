// Package client implements the interactive chat client: handshake,
// encrypted session loop, command handling, file transfer, and
// reconnect with backoff.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cmdchat/cmdchat-go/chaterrors"
	"github.com/cmdchat/cmdchat-go/client/history"
	"github.com/cmdchat/cmdchat-go/client/render"
	"github.com/cmdchat/cmdchat-go/crypto/seal"
	"github.com/cmdchat/cmdchat-go/internal/sanitize"
	"github.com/cmdchat/cmdchat-go/protocol"
	"github.com/cmdchat/cmdchat-go/realtime/ws"
)

// errQuit ends the Run loop cleanly (user /quit or input EOF).
var errQuit = errors.New("client quit")

// Config carries the client tunables.
type Config struct {
	Host string
	Port int
	// WSURL, when set, dials a websocket endpoint instead of TCP.
	WSURL string

	Name  string
	Room  string
	Token string

	TLS         bool
	TLSInsecure bool
	CAFile      string

	Renderer          render.Renderer
	HistoryPath       string
	HistoryPassphrase string
	QuietReconnect    bool
	DownloadDir       string

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	MaxFileBytes     int64
	ChunkBytes       int

	Logger *slog.Logger
}

// Client is one user's connection state machine. It survives
// disconnects; each reconnect performs a full handshake with a fresh
// keypair.
type Client struct {
	cfg  Config
	log  *slog.Logger
	rend render.Renderer
	hist *history.Writer

	mu   sync.Mutex
	name string
	room string

	sendBusy sync.Mutex // one outbound file transfer at a time
}

// session is the state of one live connection.
type session struct {
	conn     net.Conn
	cipher   *seal.Cipher
	clientID uint64
	outbound chan *protocol.Envelope
	inbound  map[string]*inboundTransfer
}

// New validates cfg and builds a client.
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 5050
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 10 << 20
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 32 << 10
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewMinimal(os.Stdout)
	}
	if cfg.DownloadDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, chaterrors.Wrap(chaterrors.ScopeClient, chaterrors.KindConfig, chaterrors.CodeBadOption, err)
		}
		cfg.DownloadDir = filepath.Join(home, "Downloads", "cmdchat")
	}
	c := &Client{
		cfg:  cfg,
		log:  cfg.Logger,
		rend: cfg.Renderer,
		name: sanitize.Name(cfg.Name),
		room: sanitize.Room(cfg.Room),
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if cfg.HistoryPath != "" {
		hist, err := history.Open(cfg.HistoryPath, cfg.HistoryPassphrase)
		if err != nil {
			return nil, chaterrors.Wrap(chaterrors.ScopeClient, chaterrors.KindConfig, chaterrors.CodeBadOption, err)
		}
		c.hist = hist
		c.replayHistory()
	}
	return c, nil
}

// replayHistory renders the persisted chat records into the message
// buffer so a restart picks up where the previous session left off.
func (c *Client) replayHistory() {
	records, err := history.Read(c.cfg.HistoryPath, c.cfg.HistoryPassphrase)
	if err != nil {
		c.log.Warn("history replay failed", "err", err)
		return
	}
	for i := range records {
		rec := &records[i]
		c.rend.Render(&protocol.Envelope{
			Type:   protocol.TypeChat,
			Sender: rec.Sender,
			Room:   rec.Room,
			Text:   rec.Text,
			TS:     rec.TS,
		})
	}
	if len(records) > 0 {
		c.rend.Status(fmt.Sprintf("replayed %d history lines", len(records)))
	}
}

// Close releases the history file.
func (c *Client) Close() error {
	if c.hist != nil {
		return c.hist.Close()
	}
	return nil
}

// Name returns the current display name.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Room returns the current room.
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) setName(name string) {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

func (c *Client) setRoom(room string) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

// Run connects and re-connects until ctx is canceled, the user quits,
// or a non-retryable error (bad auth) occurs. Lines are read from
// input; EOF behaves like /quit.
func (c *Client) Run(ctx context.Context, input io.Reader) error {
	lines := readLines(ctx, input)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		sess, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if chaterrors.KindOf(err) == chaterrors.KindAuth {
				c.rend.Status("authentication rejected")
				return err
			}
			delay := backoffDelay(attempt)
			attempt++
			if !c.cfg.QuietReconnect {
				c.rend.Status(fmt.Sprintf("connection failed (%v), retrying in %s", err, delay.Round(time.Millisecond)))
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		attempt = 0
		if !c.cfg.QuietReconnect {
			c.rend.Status(fmt.Sprintf("connected as %s in #%s", c.Name(), c.Room()))
		}
		err = c.runSession(ctx, sess, lines)
		sess.cipher.Zeroize()
		sess.conn.Close()
		if errors.Is(err, errQuit) || ctx.Err() != nil {
			return nil
		}
		if !c.cfg.QuietReconnect {
			c.rend.Status("disconnected")
		}
	}
}

// connect dials and performs the plaintext handshake.
func (c *Client) connect(ctx context.Context) (*session, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, chaterrors.Wrap(chaterrors.ScopeClient, chaterrors.KindIO, chaterrors.CodeReadFailed, err)
	}
	sess, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	if c.cfg.WSURL != "" {
		conn, _, err := ws.Dial(dctx, c.cfg.WSURL, ws.DialOptions{})
		if err != nil {
			return nil, err
		}
		return ws.NewStream(conn), nil
	}
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	if c.cfg.TLS {
		tlsCfg, err := c.tlsConfig()
		if err != nil {
			return nil, err
		}
		d := tls.Dialer{NetDialer: &net.Dialer{}, Config: tlsCfg}
		return d.DialContext(dctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(dctx, "tcp", addr)
}

func (c *Client) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.cfg.TLSInsecure,
	}
	if c.cfg.CAFile != "" {
		pem, err := os.ReadFile(c.cfg.CAFile)
		if err != nil {
			return nil, chaterrors.Wrap(chaterrors.ScopeClient, chaterrors.KindConfig, chaterrors.CodeTLSConfig, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, chaterrors.Wrap(chaterrors.ScopeClient, chaterrors.KindConfig, chaterrors.CodeTLSConfig,
				fmt.Errorf("no certificates in %s", c.cfg.CAFile))
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// handshake sends hello with a fresh public key and unwraps the session
// key from session-init.
func (c *Client) handshake(conn net.Conn) (*session, error) {
	_ = conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	priv, err := seal.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	pubPEM, err := seal.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	hello := &protocol.Envelope{
		Type:      protocol.TypeHello,
		PublicKey: string(pubPEM),
		Token:     c.cfg.Token,
		Name:      c.Name(),
		Room:      c.Room(),
	}
	b, err := protocol.Encode(hello)
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteFrame(conn, b); err != nil {
		return nil, chaterrors.Wrap(chaterrors.ScopeClient, chaterrors.KindIO, chaterrors.CodeWriteFailed, err)
	}

	payload, err := protocol.ReadFrame(conn)
	if err != nil {
		return nil, chaterrors.Wrap(chaterrors.ScopeClient, chaterrors.KindIO, chaterrors.CodeReadFailed, err)
	}
	env, err := protocol.Decode(payload)
	if err != nil {
		return nil, chaterrors.Wrap(chaterrors.ScopeClient, chaterrors.KindProtocol, chaterrors.CodeBadEnvelope, err)
	}
	switch env.Type {
	case protocol.TypeSessionInit:
	case protocol.TypeError:
		if env.Code == protocol.ErrCodeAuth {
			return nil, chaterrors.Wrap(chaterrors.ScopeClient, chaterrors.KindAuth, chaterrors.CodeBadToken,
				fmt.Errorf("server rejected token %s", sanitize.Token(c.cfg.Token)))
		}
		return nil, chaterrors.Wrap(chaterrors.ScopeClient, chaterrors.KindProtocol, chaterrors.CodeBadEnvelope,
			fmt.Errorf("handshake error from server: %s", sanitize.LogValue(env.Text)))
	default:
		return nil, chaterrors.Wrap(chaterrors.ScopeClient, chaterrors.KindProtocol, chaterrors.CodeBadEnvelope,
			fmt.Errorf("expected session-init, got %q", env.Type))
	}
	wrapped, err := base64.StdEncoding.DecodeString(env.WrappedKey)
	if err != nil {
		return nil, chaterrors.Wrap(chaterrors.ScopeClient, chaterrors.KindProtocol, chaterrors.CodeBadEnvelope, err)
	}
	key, err := seal.UnwrapKey(priv, wrapped)
	if err != nil {
		return nil, chaterrors.Wrap(chaterrors.ScopeClient, chaterrors.KindDecrypt, chaterrors.CodeSealOpenFailed, err)
	}
	cipher, err := seal.NewCipher(key)
	seal.Zeroize(key)
	if err != nil {
		return nil, err
	}
	return &session{
		conn:     conn,
		cipher:   cipher,
		clientID: env.ClientID,
		outbound: make(chan *protocol.Envelope, 64),
		inbound:  make(map[string]*inboundTransfer),
	}, nil
}

// runSession drives the read, write, and input tasks of one connection.
func (c *Client) runSession(ctx context.Context, sess *session, lines <-chan string) error {
	g, gctx := errgroup.WithContext(ctx)
	stopWake := context.AfterFunc(gctx, func() { _ = sess.conn.SetReadDeadline(time.Now()) })
	defer stopWake()

	g.Go(func() error { return c.readLoop(gctx, sess) })
	g.Go(func() error { return c.writeLoop(gctx, sess) })
	g.Go(func() error { return c.inputLoop(gctx, sess, lines) })

	err := g.Wait()
	c.abortInbound(sess)
	return err
}

func (c *Client) readLoop(ctx context.Context, sess *session) error {
	for {
		payload, err := protocol.ReadFrame(sess.conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return chaterrors.Wrap(chaterrors.ScopeClient, chaterrors.KindIO, chaterrors.CodeReadFailed, err)
		}
		plain, err := sess.cipher.Open(payload)
		if err != nil {
			return chaterrors.Wrap(chaterrors.ScopeClient, chaterrors.KindDecrypt, chaterrors.CodeSealOpenFailed, err)
		}
		env, err := protocol.Decode(plain)
		if err != nil {
			return chaterrors.Wrap(chaterrors.ScopeClient, chaterrors.KindProtocol, chaterrors.CodeBadEnvelope, err)
		}
		if err := c.handleInbound(ctx, sess, env); err != nil {
			return err
		}
	}
}

func (c *Client) handleInbound(ctx context.Context, sess *session, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypePing:
		c.send(ctx, sess, &protocol.Envelope{Type: protocol.TypePong, Nonce: env.Nonce})
	case protocol.TypePong:
		// Server answered one of our pings; nothing to do.
	case protocol.TypeChat:
		c.rend.Render(env)
		if c.hist != nil {
			if err := c.hist.Append(history.Record{TS: env.TS, Room: env.Room, Sender: env.Sender, Text: env.Text}); err != nil {
				c.log.Warn("history append failed", "err", err)
			}
		}
	case protocol.TypeSystem, protocol.TypeError:
		c.rend.Render(env)
	case protocol.TypeFileStart:
		c.startInbound(sess, env)
	case protocol.TypeFileChunk:
		c.appendInbound(sess, env)
	case protocol.TypeFileEnd:
		c.finishInbound(sess, env)
	default:
		if !env.Type.Known() {
			c.log.Debug("ignoring unknown envelope type", "type", sanitize.LogValue(string(env.Type)))
		}
	}
	return nil
}

func (c *Client) writeLoop(ctx context.Context, sess *session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-sess.outbound:
			b, err := protocol.Encode(env)
			if err != nil {
				return err
			}
			sealed, err := sess.cipher.Seal(b)
			if err != nil {
				return err
			}
			if err := protocol.WriteFrame(sess.conn, sealed); err != nil {
				return chaterrors.Wrap(chaterrors.ScopeClient, chaterrors.KindIO, chaterrors.CodeWriteFailed, err)
			}
		}
	}
}

// send enqueues an outbound envelope, giving up on cancellation.
func (c *Client) send(ctx context.Context, sess *session, env *protocol.Envelope) bool {
	select {
	case sess.outbound <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

// readLines pumps input lines into a channel; the channel closes on EOF.
func readLines(ctx context.Context, input io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := newLineScanner(input)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
