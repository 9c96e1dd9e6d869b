// Package server implements the chat relay: listener lifecycle, the
// per-connection handshake, and the encrypted envelope dispatcher.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cmdchat/cmdchat-go/chaterrors"
	"github.com/cmdchat/cmdchat-go/observability"
	"github.com/cmdchat/cmdchat-go/realtime/ws"
)

// Config carries every server tunable. Zero values are filled from
// DefaultConfig by New.
type Config struct {
	Host        string
	Port        int
	TLSCertFile string
	TLSKeyFile  string

	// WSListen enables an additional websocket listener when non-empty.
	WSListen         string
	WSAllowedOrigins []string
	WSAllowNoOrigin  bool

	// Tokens is the accepted auth token set; empty disables auth.
	Tokens []string

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	DrainTimeout     time.Duration

	QueueBound int
	RateLimit  int
	RateWindow time.Duration

	MaxFileBytes  int64
	MaxChunkBytes int
	MaxTransfers  int

	Logger   *slog.Logger
	Observer observability.ChatObserver
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Host:             "127.0.0.1",
		Port:             5050,
		WSAllowNoOrigin:  true,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     15 * time.Second,
		PongTimeout:      45 * time.Second,
		DrainTimeout:     2 * time.Second,
		QueueBound:       256,
		RateLimit:        12,
		RateWindow:       5 * time.Second,
		MaxFileBytes:     10 << 20,
		MaxChunkBytes:    32 << 10,
		MaxTransfers:     4,
	}
}

// Server owns the listeners, the registry, and all session tasks.
type Server struct {
	cfg      Config
	log      *slog.Logger
	obs      observability.ChatObserver
	registry *Registry
	tokens   map[string]struct{}
	tlsCert  *tls.Certificate

	nextID atomic.Uint64

	mu sync.Mutex
	ln net.Listener
}

// New validates cfg and builds a server. TLS material is loaded here so
// misconfiguration fails before any socket is opened.
func New(cfg Config) (*Server, error) {
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.QueueBound <= 0 {
		cfg.QueueBound = def.QueueBound
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = def.MaxFileBytes
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = def.MaxChunkBytes
	}
	if cfg.MaxTransfers <= 0 {
		cfg.MaxTransfers = def.MaxTransfers
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, chaterrors.Wrap(chaterrors.ScopeProcess, chaterrors.KindConfig, chaterrors.CodeBadOption,
			fmt.Errorf("port %d out of range", cfg.Port))
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return nil, chaterrors.Wrap(chaterrors.ScopeProcess, chaterrors.KindConfig, chaterrors.CodeTLSConfig,
			fmt.Errorf("certfile and keyfile must be set together"))
	}
	s := &Server{
		cfg:    cfg,
		log:    cfg.Logger,
		obs:    cfg.Observer,
		tokens: make(map[string]struct{}, len(cfg.Tokens)),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.obs == nil {
		s.obs = observability.NoopChatObserver
	}
	s.registry = NewRegistry(s.obs)
	for _, t := range cfg.Tokens {
		if t != "" {
			s.tokens[t] = struct{}{}
		}
	}
	if cfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, chaterrors.Wrap(chaterrors.ScopeProcess, chaterrors.KindConfig, chaterrors.CodeTLSConfig, err)
		}
		s.tlsCert = &cert
	}
	return s, nil
}

// Addr reports the bound listener address, useful with Port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stats reports live session and room counts.
func (s *Server) Stats() (sessions, rooms int) {
	return s.registry.Counts()
}

// Serve binds the listeners and accepts until ctx is canceled, then
// terminates every session and returns. It blocks for the lifetime of
// the server.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return chaterrors.Wrap(chaterrors.ScopeProcess, chaterrors.KindConfig, chaterrors.CodeBindFailed, err)
	}
	if s.tlsCert != nil {
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{*s.tlsCert},
			MinVersion:   tls.VersionTLS12,
		})
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("listening", "addr", ln.Addr().String(), "tls", s.tlsCert != nil, "auth", len(s.tokens) > 0)

	var sessions sync.WaitGroup
	g, gctx := errgroup.WithContext(ctx)

	stopAccept := context.AfterFunc(gctx, func() { _ = ln.Close() })
	defer stopAccept()

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return chaterrors.Wrap(chaterrors.ScopeProcess, chaterrors.KindIO, chaterrors.CodeReadFailed, err)
			}
			sessions.Add(1)
			go func() {
				defer sessions.Done()
				s.handleConn(gctx, conn)
			}()
		}
	})

	if s.cfg.WSListen != "" {
		wsLn, err := net.Listen("tcp", s.cfg.WSListen)
		if err != nil {
			_ = ln.Close()
			return chaterrors.Wrap(chaterrors.ScopeProcess, chaterrors.KindConfig, chaterrors.CodeBindFailed, err)
		}
		s.log.Info("websocket listening", "addr", wsLn.Addr().String())
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			conn, err := ws.Upgrade(w, r, ws.UpgraderOptions{
				CheckOrigin: ws.NewOriginChecker(s.cfg.WSAllowedOrigins, s.cfg.WSAllowNoOrigin),
			})
			if err != nil {
				s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
				return
			}
			sessions.Add(1)
			defer sessions.Done()
			s.handleConn(gctx, ws.NewStream(conn))
		})
		httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		if s.tlsCert != nil {
			httpSrv.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{*s.tlsCert},
				MinVersion:   tls.VersionTLS12,
			}
			wsLn = tls.NewListener(wsLn, httpSrv.TLSConfig)
		}
		stopWS := context.AfterFunc(gctx, func() {
			shctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
			defer cancel()
			_ = httpSrv.Shutdown(shctx)
		})
		defer stopWS()
		g.Go(func() error {
			err := httpSrv.Serve(wsLn)
			if err == http.ErrServerClosed || gctx.Err() != nil {
				return nil
			}
			return chaterrors.Wrap(chaterrors.ScopeProcess, chaterrors.KindIO, chaterrors.CodeReadFailed, err)
		})
	}

	err = g.Wait()
	sessions.Wait()
	s.log.Info("server stopped")
	return err
}
