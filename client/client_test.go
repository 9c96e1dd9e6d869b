package client

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cmdchat/cmdchat-go/client/history"
	"github.com/cmdchat/cmdchat-go/client/render"
	"github.com/cmdchat/cmdchat-go/protocol"
)

// statusRecorder captures renderer calls for assertions.
type statusRecorder struct {
	mu       sync.Mutex
	rendered []*protocol.Envelope
	statuses []string
	cleared  int
}

func (r *statusRecorder) Render(env *protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rendered = append(r.rendered, env)
}

func (r *statusRecorder) Status(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, text)
}

func (r *statusRecorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared++
}

func (r *statusRecorder) lastStatus() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

var _ render.Renderer = (*statusRecorder)(nil)

func newTestClient(t *testing.T, rend render.Renderer) *Client {
	t.Helper()
	c, err := New(Config{
		Name:        "Alice",
		Room:        "Lobby",
		Renderer:    rend,
		DownloadDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func testSession() *session {
	return &session{
		outbound: make(chan *protocol.Envelope, 16),
		inbound:  make(map[string]*inboundTransfer),
	}
}

func TestHandleLineChat(t *testing.T) {
	rec := &statusRecorder{}
	c := newTestClient(t, rec)
	sess := testSession()
	if err := c.handleLine(context.Background(), sess, "hello there"); err != nil {
		t.Fatalf("handleLine: %v", err)
	}
	env := <-sess.outbound
	if env.Type != protocol.TypeChat || env.Text != "hello there" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestHandleLineCommands(t *testing.T) {
	rec := &statusRecorder{}
	c := newTestClient(t, rec)
	sess := testSession()
	ctx := context.Background()

	if err := c.handleLine(ctx, sess, "/nick Bob Smith"); err != nil {
		t.Fatalf("/nick: %v", err)
	}
	env := <-sess.outbound
	if env.Type != protocol.TypeCmdNick || env.Name != "bob smith" {
		t.Fatalf("nick envelope %+v", env)
	}
	if c.Name() != "bob smith" {
		t.Fatalf("client name %q", c.Name())
	}

	if err := c.handleLine(ctx, sess, "/join Dev Room"); err != nil {
		t.Fatalf("/join: %v", err)
	}
	env = <-sess.outbound
	if env.Type != protocol.TypeCmdJoin || env.Room != "devroom" {
		t.Fatalf("join envelope %+v", env)
	}
	if c.Room() != "devroom" {
		t.Fatalf("client room %q", c.Room())
	}

	if err := c.handleLine(ctx, sess, "/quit"); err != errQuit {
		t.Fatalf("/quit returned %v", err)
	}
	env = <-sess.outbound
	if env.Type != protocol.TypeCmdQuit {
		t.Fatalf("quit envelope %+v", env)
	}
}

func TestHandleLineLocalCommands(t *testing.T) {
	rec := &statusRecorder{}
	c := newTestClient(t, rec)
	sess := testSession()
	ctx := context.Background()

	c.handleLine(ctx, sess, "/clear")
	if rec.cleared != 1 {
		t.Fatal("clear not forwarded to renderer")
	}
	c.handleLine(ctx, sess, "/help")
	if !strings.Contains(rec.lastStatus(), "/nick") {
		t.Fatal("help text missing")
	}
	c.handleLine(ctx, sess, "/bogus")
	if !strings.Contains(rec.lastStatus(), "unknown command") {
		t.Fatalf("unexpected status %q", rec.lastStatus())
	}
	c.handleLine(ctx, sess, "   ")
	select {
	case env := <-sess.outbound:
		t.Fatalf("blank line produced envelope %+v", env)
	default:
	}
}

func TestSendFileRejectsMissingAndOversize(t *testing.T) {
	rec := &statusRecorder{}
	c := newTestClient(t, rec)
	sess := testSession()
	ctx := context.Background()

	if err := c.sendFile(ctx, sess, filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Fatal("expected error for missing file")
	}

	big := filepath.Join(t.TempDir(), "big.bin")
	f, err := os.Create(big)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(c.cfg.MaxFileBytes + 1); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()
	if err := c.sendFile(ctx, sess, big); err == nil || !strings.Contains(err.Error(), "limit") {
		t.Fatalf("expected size limit error, got %v", err)
	}
}

func TestSendFileChunksInOrder(t *testing.T) {
	rec := &statusRecorder{}
	c := newTestClient(t, rec)
	c.cfg.ChunkBytes = 4
	sess := &session{
		outbound: make(chan *protocol.Envelope, 64),
		inbound:  make(map[string]*inboundTransfer),
	}
	path := filepath.Join(t.TempDir(), "hello.txt")
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := c.sendFile(context.Background(), sess, path); err != nil {
		t.Fatalf("sendFile: %v", err)
	}
	close(sess.outbound)

	var envs []*protocol.Envelope
	for env := range sess.outbound {
		envs = append(envs, env)
	}
	if len(envs) != 4 {
		t.Fatalf("got %d envelopes, want file-start + 3 chunks", len(envs))
	}
	if envs[0].Type != protocol.TypeFileStart || envs[0].Size != 10 || envs[0].TotalChunks != 3 {
		t.Fatalf("file-start %+v", envs[0])
	}
	for i, env := range envs[1:] {
		if env.Type != protocol.TypeFileChunk || env.Index != i {
			t.Fatalf("chunk %d = %+v", i, env)
		}
	}
}

func TestNewReplaysHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.cch")
	w, err := history.Open(path, "pass")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i, text := range []string{"first", "second", "third"} {
		if err := w.Append(history.Record{TS: int64(i + 1), Room: "lobby", Sender: "alice", Text: text}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rec := &statusRecorder{}
	c, err := New(Config{
		Renderer:          rec,
		DownloadDir:       t.TempDir(),
		HistoryPath:       path,
		HistoryPassphrase: "pass",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if len(rec.rendered) != 3 {
		t.Fatalf("replayed %d envelopes, want 3", len(rec.rendered))
	}
	for i, want := range []string{"first", "second", "third"} {
		env := rec.rendered[i]
		if env.Type != protocol.TypeChat || env.Sender != "alice" || env.Text != want || env.TS != int64(i+1) {
			t.Fatalf("replayed envelope %d = %+v", i, env)
		}
	}
	if !strings.Contains(rec.lastStatus(), "replayed 3") {
		t.Fatalf("unexpected status %q", rec.lastStatus())
	}
}

func TestNewReplaysNothingFromFreshHistory(t *testing.T) {
	rec := &statusRecorder{}
	c, err := New(Config{
		Renderer:          rec,
		DownloadDir:       t.TempDir(),
		HistoryPath:       filepath.Join(t.TempDir(), "chat.cch"),
		HistoryPassphrase: "pass",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	if len(rec.rendered) != 0 || len(rec.statuses) != 0 {
		t.Fatalf("fresh history produced output: %d rendered, %d statuses", len(rec.rendered), len(rec.statuses))
	}
}

func TestAppendInboundProgress(t *testing.T) {
	rec := &statusRecorder{}
	c := newTestClient(t, rec)
	sess := testSession()

	c.startInbound(sess, &protocol.Envelope{
		Type:        protocol.TypeFileStart,
		TransferID:  "t1",
		Filename:    "blob.bin",
		Size:        25,
		TotalChunks: 25,
	})
	for i := 0; i < 25; i++ {
		c.appendInbound(sess, &protocol.Envelope{
			Type:       protocol.TypeFileChunk,
			TransferID: "t1",
			Index:      i,
			Data:       base64.StdEncoding.EncodeToString([]byte{byte(i)}),
		})
	}

	var progress []string
	for _, s := range rec.statuses {
		if strings.Contains(s, "receiving") {
			progress = append(progress, s)
		}
	}
	if len(progress) != 2 {
		t.Fatalf("got %d progress lines, want 2: %v", len(progress), progress)
	}
	if !strings.Contains(progress[0], "10/25") || !strings.Contains(progress[1], "20/25") {
		t.Fatalf("progress lines %v", progress)
	}
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()
	first := uniquePath(dir, "a.txt")
	if filepath.Base(first) != "a.txt" {
		t.Fatalf("first path %q", first)
	}
	if err := os.WriteFile(first, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	second := uniquePath(dir, "a.txt")
	if filepath.Base(second) != "a(1).txt" {
		t.Fatalf("second path %q", second)
	}
}

func TestBackoffDelaySchedule(t *testing.T) {
	for attempt, base := range []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second,
	} {
		for i := 0; i < 20; i++ {
			d := backoffDelay(attempt)
			lo := time.Duration(float64(base) * 0.8)
			hi := time.Duration(float64(base) * 1.2)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %s outside [%s, %s]", attempt, d, lo, hi)
			}
		}
	}
}
