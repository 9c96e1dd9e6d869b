package client

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cmdchat/cmdchat-go/internal/sanitize"
	"github.com/cmdchat/cmdchat-go/internal/securefile"
	"github.com/cmdchat/cmdchat-go/protocol"
)

// inboundTransfer reassembles a file being relayed to us. Chunks are
// written to a hidden partial file and renamed into place on file-end.
type inboundTransfer struct {
	filename  string
	tmp       *os.File
	tmpPath   string
	nextIndex int
	total     int
	received  int64
}

func (c *Client) startInbound(sess *session, env *protocol.Envelope) {
	c.rend.Render(env)
	if env.Size > c.cfg.MaxFileBytes || env.TotalChunks <= 0 {
		c.rend.Status("rejecting transfer " + sanitize.LogValue(env.TransferID) + ": bad declaration")
		return
	}
	if old, ok := sess.inbound[env.TransferID]; ok {
		c.dropInbound(old)
	}
	if err := securefile.MkdirAllOwnerOnly(c.cfg.DownloadDir); err != nil {
		c.rend.Status("cannot create download dir: " + err.Error())
		return
	}
	filename := sanitize.Filename(env.Filename)
	tmp, err := os.CreateTemp(c.cfg.DownloadDir, "."+filename+".partial.*")
	if err != nil {
		c.rend.Status("cannot create partial file: " + err.Error())
		return
	}
	sess.inbound[env.TransferID] = &inboundTransfer{
		filename: filename,
		tmp:      tmp,
		tmpPath:  tmp.Name(),
		total:    env.TotalChunks,
	}
}

func (c *Client) appendInbound(sess *session, env *protocol.Envelope) {
	tr, ok := sess.inbound[env.TransferID]
	if !ok {
		// Transfer started before we joined the room, or was dropped.
		return
	}
	raw, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil || env.Index != tr.nextIndex {
		c.rend.Status("transfer " + sanitize.LogValue(env.TransferID) + " corrupted, dropping")
		c.dropInbound(tr)
		delete(sess.inbound, env.TransferID)
		return
	}
	if _, err := tr.tmp.Write(raw); err != nil {
		c.rend.Status("cannot write partial file: " + err.Error())
		c.dropInbound(tr)
		delete(sess.inbound, env.TransferID)
		return
	}
	tr.nextIndex++
	tr.received += int64(len(raw))
	if tr.nextIndex%10 == 0 && tr.nextIndex < tr.total {
		c.rend.Status(fmt.Sprintf("receiving %s: %d/%d chunks", tr.filename, tr.nextIndex, tr.total))
	}
}

func (c *Client) finishInbound(sess *session, env *protocol.Envelope) {
	tr, ok := sess.inbound[env.TransferID]
	if !ok {
		return
	}
	delete(sess.inbound, env.TransferID)
	if err := tr.tmp.Close(); err != nil {
		c.rend.Status("cannot finalize transfer: " + err.Error())
		os.Remove(tr.tmpPath)
		return
	}
	dest := uniquePath(c.cfg.DownloadDir, tr.filename)
	if err := os.Rename(tr.tmpPath, dest); err != nil {
		c.rend.Status("cannot finalize transfer: " + err.Error())
		os.Remove(tr.tmpPath)
		return
	}
	c.rend.Render(env)
	c.rend.Status(fmt.Sprintf("saved %s (%d bytes)", dest, tr.received))
}

func (c *Client) dropInbound(tr *inboundTransfer) {
	_ = tr.tmp.Close()
	_ = os.Remove(tr.tmpPath)
}

// abortInbound discards every partial file on disconnect.
func (c *Client) abortInbound(sess *session) {
	for id, tr := range sess.inbound {
		c.dropInbound(tr)
		delete(sess.inbound, id)
	}
}

// uniquePath avoids clobbering an existing download: name.ext,
// name(1).ext, name(2).ext, ...
func uniquePath(dir, filename string) string {
	dest := filepath.Join(dir, filename)
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		return dest
	}
	ext := filepath.Ext(filename)
	stem := filename[:len(filename)-len(ext)]
	for i := 1; ; i++ {
		dest = filepath.Join(dir, fmt.Sprintf("%s(%d)%s", stem, i, ext))
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			return dest
		}
	}
}

// sendFileAsync streams a file to the room without blocking the input
// loop. Only one outbound transfer runs at a time.
func (c *Client) sendFileAsync(ctx context.Context, sess *session, path string) {
	if !c.sendBusy.TryLock() {
		c.rend.Status("a transfer is already in progress")
		return
	}
	go func() {
		defer c.sendBusy.Unlock()
		if err := c.sendFile(ctx, sess, path); err != nil {
			c.rend.Status("send failed: " + err.Error())
		}
	}()
}

func (c *Client) sendFile(ctx context.Context, sess *session, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	size := info.Size()
	if size > c.cfg.MaxFileBytes {
		return fmt.Errorf("%s is %d bytes, limit is %d", path, size, c.cfg.MaxFileBytes)
	}
	totalChunks := int((size + int64(c.cfg.ChunkBytes) - 1) / int64(c.cfg.ChunkBytes))
	if totalChunks == 0 {
		return fmt.Errorf("%s is empty", path)
	}

	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return err
	}
	transferID := hex.EncodeToString(idBytes)
	filename := sanitize.Filename(info.Name())

	if !c.send(ctx, sess, &protocol.Envelope{
		Type:        protocol.TypeFileStart,
		TransferID:  transferID,
		Filename:    filename,
		Size:        size,
		TotalChunks: totalChunks,
	}) {
		return ctx.Err()
	}
	c.rend.Status(fmt.Sprintf("sending %s (%d bytes, %d chunks)", filename, size, totalChunks))

	buf := make([]byte, c.cfg.ChunkBytes)
	for index := 0; index < totalChunks; index++ {
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return err
		}
		if !c.send(ctx, sess, &protocol.Envelope{
			Type:       protocol.TypeFileChunk,
			TransferID: transferID,
			Index:      index,
			Data:       base64.StdEncoding.EncodeToString(buf[:n]),
		}) {
			return ctx.Err()
		}
		if !c.cfg.QuietReconnect && totalChunks >= 4 && (index+1)%(totalChunks/4) == 0 {
			c.rend.Status(fmt.Sprintf("sent %d/%d chunks", index+1, totalChunks))
		}
	}
	c.rend.Status(fmt.Sprintf("sent %s", filename))
	return nil
}
