// cmdchat-server is the encrypted chat relay daemon.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/cmdchat/cmdchat-go/chaterrors"
	"github.com/cmdchat/cmdchat-go/internal/cmdutil"
	"github.com/cmdchat/cmdchat-go/internal/version"
	"github.com/cmdchat/cmdchat-go/observability"
	"github.com/cmdchat/cmdchat-go/server"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func parseLogLevel(raw string, lv *slog.LevelVar) error {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		lv.Set(slog.LevelInfo)
	case "debug":
		lv.Set(slog.LevelDebug)
	case "warn", "warning":
		lv.Set(slog.LevelWarn)
	case "error":
		lv.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level %q", raw)
	}
	return nil
}

func validateTLSFiles(certFile, keyFile string) error {
	if certFile == "" && keyFile == "" {
		return nil
	}
	if certFile == "" || keyFile == "" {
		return errors.New("tls requires both --certfile and --keyfile")
	}
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg := server.DefaultConfig()

	host := cmdutil.EnvString("CMDCHAT_HOST", cfg.Host)
	port, err := cmdutil.EnvInt("CMDCHAT_PORT", cfg.Port)
	if err != nil {
		fmt.Fprintf(stderr, "invalid CMDCHAT_PORT: %v\n", err)
		return 2
	}
	certFile := cmdutil.EnvString("CMDCHAT_CERTFILE", "")
	keyFile := cmdutil.EnvString("CMDCHAT_KEYFILE", "")
	logLevel := cmdutil.EnvString("CMDCHAT_LOG_LEVEL", "info")
	metricsListen := cmdutil.EnvString("CMDCHAT_METRICS_LISTEN", "")
	wsListen := cmdutil.EnvString("CMDCHAT_WS_LISTEN", "")
	metricsInterval, err := cmdutil.EnvInt("CMDCHAT_METRICS_INTERVAL", 0)
	if err != nil {
		fmt.Fprintf(stderr, "invalid CMDCHAT_METRICS_INTERVAL: %v\n", err)
		return 2
	}
	allowedOrigins := stringSliceFlag(cmdutil.SplitCSVEnv("CMDCHAT_ALLOW_ORIGIN"))

	fs := flag.NewFlagSet("cmdchat-server", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&host, "host", host, "listen host (env: CMDCHAT_HOST)")
	fs.IntVar(&port, "port", port, "listen port (env: CMDCHAT_PORT)")
	fs.StringVar(&certFile, "certfile", certFile, "TLS certificate file; enables TLS with --keyfile (env: CMDCHAT_CERTFILE)")
	fs.StringVar(&keyFile, "keyfile", keyFile, "TLS private key file (env: CMDCHAT_KEYFILE)")
	fs.IntVar(&metricsInterval, "metrics-interval", metricsInterval, "seconds between metrics log lines, 0 disables (env: CMDCHAT_METRICS_INTERVAL)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for the Prometheus endpoint, empty disables (env: CMDCHAT_METRICS_LISTEN)")
	fs.StringVar(&wsListen, "ws-listen", wsListen, "listen address for websocket clients, empty disables (env: CMDCHAT_WS_LISTEN)")
	fs.Var(&allowedOrigins, "allow-origin", "allowed websocket Origin (repeatable) (env: CMDCHAT_ALLOW_ORIGIN)")
	fs.StringVar(&logLevel, "log-level", logLevel, "debug, info, warn, or error (env: CMDCHAT_LOG_LEVEL)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintln(stdout, version.String(buildVersion, buildCommit, buildDate))
		return 0
	}

	var level slog.LevelVar
	if err := parseLogLevel(logLevel, &level); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: &level}))

	if err := validateTLSFiles(certFile, keyFile); err != nil {
		fmt.Fprintln(stderr, err)
		return 3
	}

	metricsEnabled, err := cmdutil.EnvBool("CMDCHAT_METRICS", true)
	if err != nil {
		fmt.Fprintf(stderr, "invalid CMDCHAT_METRICS: %v\n", err)
		return 2
	}

	counting := observability.NewCountingChatObserver()
	atomicObs := observability.NewAtomicChatObserver()
	var obs observability.ChatObserver = teeObserver{a: counting, b: atomicObs}
	if !metricsEnabled {
		obs = observability.NoopChatObserver
		metricsInterval = 0
		metricsListen = ""
	}

	cfg.Host = host
	cfg.Port = port
	cfg.TLSCertFile = certFile
	cfg.TLSKeyFile = keyFile
	cfg.WSListen = wsListen
	cfg.WSAllowedOrigins = allowedOrigins
	cfg.Tokens = cmdutil.SplitCSVEnv("CMDCHAT_TOKENS")
	cfg.Logger = logger
	cfg.Observer = obs

	s, err := server.New(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		if chaterrors.KindOf(err) == chaterrors.KindConfig {
			return 3
		}
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metrics *metricsController
	var metricsSrv *http.Server
	if metricsListen != "" {
		handler := newSwitchHandler()
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		metrics = newMetricsController(handler, atomicObs)
		metrics.Enable()

		ln, err := net.Listen("tcp", metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		if certFile != "" {
			metricsSrv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		go func() {
			var err error
			if certFile != "" {
				err = metricsSrv.ServeTLS(ln, certFile, keyFile)
			} else {
				err = metricsSrv.Serve(ln)
			}
			if err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "err", err)
			}
		}()
		logger.Info("metrics listening", "addr", ln.Addr().String())
	}

	if metricsInterval > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(metricsInterval) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					snap := counting.Snapshot()
					logger.Info("metrics",
						"sessions", snap.Sessions,
						"rooms", snap.Rooms,
						"messages", snap.Messages,
						"broadcasts", snap.Broadcasts,
						"rate_limited", snap.RateLimited,
						"dropped", snap.QueueDropped,
						"transfers_ok", snap.TransfersOK,
						"transfers_bad", snap.TransfersBad,
						"relayed_bytes", snap.RelayedBytes,
					)
				}
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(ctx) }()

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, notifySignals()...)

	for {
		select {
		case err := <-serveErr:
			if err != nil && ctx.Err() == nil {
				fmt.Fprintln(stderr, err)
				if chaterrors.KindOf(err) == chaterrors.KindConfig {
					return 3
				}
				return 1
			}
			return 0
		case got := <-sig:
			if handleSignal(got, logger, metrics) {
				continue
			}
			logger.Info("shutting down", "signal", got.String())
			cancel()
			if metricsSrv != nil {
				shctx, shcancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = metricsSrv.Shutdown(shctx)
				shcancel()
			}
			<-serveErr
			return 0
		}
	}
}
