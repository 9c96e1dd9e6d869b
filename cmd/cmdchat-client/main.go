// cmdchat-client is the interactive terminal client for cmdchat.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cmdchat/cmdchat-go/chaterrors"
	"github.com/cmdchat/cmdchat-go/client"
	"github.com/cmdchat/cmdchat-go/client/render"
	"github.com/cmdchat/cmdchat-go/internal/cmdutil"
	"github.com/cmdchat/cmdchat-go/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

const (
	minBufferSize = 10
	maxBufferSize = 1000
)

func newRenderer(kind string, out io.Writer, bufferSize int) (render.Renderer, error) {
	switch kind {
	case "rich":
		return render.NewRich(out, bufferSize), nil
	case "minimal":
		return render.NewMinimal(out), nil
	case "json":
		return render.NewJSON(out), nil
	default:
		return nil, fmt.Errorf("unknown renderer %q (rich, minimal, json)", kind)
	}
}

func parseLogLevel(raw string, lv *slog.LevelVar) error {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "warn", "warning":
		lv.Set(slog.LevelWarn)
	case "debug":
		lv.Set(slog.LevelDebug)
	case "info":
		lv.Set(slog.LevelInfo)
	case "error":
		lv.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level %q", raw)
	}
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	host := cmdutil.EnvString("CMDCHAT_HOST", "127.0.0.1")
	port, err := cmdutil.EnvInt("CMDCHAT_PORT", 5050)
	if err != nil {
		fmt.Fprintf(stderr, "invalid CMDCHAT_PORT: %v\n", err)
		return 2
	}
	token := cmdutil.EnvString("CMDCHAT_TOKEN", "")
	logLevel := cmdutil.EnvString("CMDCHAT_LOG_LEVEL", "warn")
	historyPassphrase := cmdutil.EnvString("CMDCHAT_HISTORY_PASSPHRASE", "")

	fs := flag.NewFlagSet("cmdchat-client", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	name := "anonymous"
	room := "lobby"
	rendererKind := "rich"
	bufferSize := 200
	useTLS := false
	tlsInsecure := false
	caFile := ""
	historyFile := ""
	quietReconnect := false
	wsURL := ""
	downloadDir := ""

	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&host, "host", host, "server host (env: CMDCHAT_HOST)")
	fs.IntVar(&port, "port", port, "server port (env: CMDCHAT_PORT)")
	fs.StringVar(&name, "name", name, "display name")
	fs.StringVar(&room, "room", room, "initial room")
	fs.StringVar(&token, "token", token, "auth token (env: CMDCHAT_TOKEN)")
	fs.StringVar(&rendererKind, "renderer", rendererKind, "output renderer: rich, minimal, or json")
	fs.IntVar(&bufferSize, "buffer-size", bufferSize, "scrollback lines retained by the rich renderer (10..1000)")
	fs.BoolVar(&useTLS, "tls", useTLS, "connect with TLS")
	fs.BoolVar(&tlsInsecure, "tls-insecure", tlsInsecure, "skip TLS certificate verification")
	fs.StringVar(&caFile, "ca-file", caFile, "PEM file with trusted CA certificates")
	fs.StringVar(&historyFile, "history-file", historyFile, "append chats to this encrypted file")
	fs.StringVar(&historyPassphrase, "history-passphrase", historyPassphrase, "passphrase for --history-file (env: CMDCHAT_HISTORY_PASSPHRASE)")
	fs.BoolVar(&quietReconnect, "quiet-reconnect", quietReconnect, "suppress status output during reconnect backoff")
	fs.StringVar(&wsURL, "ws-url", wsURL, "connect to a websocket endpoint instead of TCP (ws:// or wss://)")
	fs.StringVar(&downloadDir, "download-dir", downloadDir, "directory for received files (default ~/Downloads/cmdchat)")
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

	if bufferSize < minBufferSize || bufferSize > maxBufferSize {
		fmt.Fprintf(stderr, "--buffer-size must be between %d and %d\n", minBufferSize, maxBufferSize)
		return 2
	}
	if historyFile != "" && historyPassphrase == "" {
		fmt.Fprintln(stderr, "--history-file requires --history-passphrase")
		return 2
	}

	var level slog.LevelVar
	if err := parseLogLevel(logLevel, &level); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: &level}))

	rend, err := newRenderer(rendererKind, stdout, bufferSize)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	c, err := client.New(client.Config{
		Host:              host,
		Port:              port,
		WSURL:             wsURL,
		Name:              name,
		Room:              room,
		Token:             token,
		TLS:               useTLS,
		TLSInsecure:       tlsInsecure,
		CAFile:            caFile,
		Renderer:          rend,
		HistoryPath:       historyFile,
		HistoryPassphrase: historyPassphrase,
		QuietReconnect:    quietReconnect,
		DownloadDir:       downloadDir,
		Logger:            logger,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		if chaterrors.KindOf(err) == chaterrors.KindConfig {
			return 3
		}
		return 1
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx, stdin); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}
