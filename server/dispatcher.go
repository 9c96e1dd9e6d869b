package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cmdchat/cmdchat-go/chaterrors"
	"github.com/cmdchat/cmdchat-go/crypto/seal"
	"github.com/cmdchat/cmdchat-go/internal/sanitize"
	"github.com/cmdchat/cmdchat-go/observability"
	"github.com/cmdchat/cmdchat-go/protocol"
)

// errSessionDone marks a clean, expected session end (client quit or
// peer close). It cancels the task group like any error but is not
// logged as a failure.
var errSessionDone = errors.New("session done")

func nowMillis() int64 { return time.Now().UnixMilli() }

// handleConn runs one connection end to end: handshake, session tasks,
// teardown. It owns the connection and always closes it.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	start := time.Now()
	sess, err := s.handshake(conn)
	if err != nil {
		s.obs.Handshake(observability.HandshakeResultFail, handshakeReason(err))
		s.log.Warn("handshake failed", "remote", conn.RemoteAddr().String(), "err", err)
		return
	}
	s.obs.Handshake(observability.HandshakeResultOK, observability.HandshakeReasonOK)
	s.obs.HandshakeLatency(time.Since(start))
	s.runSession(ctx, sess)
}

// handshake performs the plaintext phase: read hello, authenticate,
// wrap a fresh session key to the client's public key, send
// session-init. The whole exchange shares one deadline.
func (s *Server) handshake(conn net.Conn) (*Session, error) {
	_ = conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	payload, err := protocol.ReadFrame(conn)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindTimeout, chaterrors.CodeHandshakeTimeout, err)
		}
		return nil, chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindProtocol, frameCode(err), err)
	}
	env, err := protocol.Decode(payload)
	if err != nil {
		return nil, chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindProtocol, chaterrors.CodeBadEnvelope, err)
	}
	if env.Type != protocol.TypeHello {
		return nil, chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindProtocol, chaterrors.CodeExpectedHello,
			fmt.Errorf("got %q before hello", env.Type))
	}
	if len(s.tokens) > 0 {
		if _, ok := s.tokens[env.Token]; !ok {
			s.writePlain(conn, &protocol.Envelope{Type: protocol.TypeError, Code: protocol.ErrCodeAuth, Text: "invalid token"})
			return nil, chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindAuth, chaterrors.CodeBadToken,
				fmt.Errorf("token %s rejected", sanitize.Token(env.Token)))
		}
	}
	pub, err := seal.ParsePublicKey([]byte(env.PublicKey))
	if err != nil {
		s.writePlain(conn, &protocol.Envelope{Type: protocol.TypeError, Code: protocol.ErrCodeHandshake, Text: "bad public key"})
		return nil, chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindProtocol, chaterrors.CodeBadPublicKey, err)
	}
	key, err := seal.NewSessionKey()
	if err != nil {
		return nil, chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindIO, chaterrors.CodeWriteFailed, err)
	}
	cipher, err := seal.NewCipher(key)
	if err != nil {
		seal.Zeroize(key)
		return nil, err
	}
	wrapped, err := seal.WrapKey(pub, key)
	seal.Zeroize(key)
	if err != nil {
		cipher.Zeroize()
		return nil, chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindProtocol, chaterrors.CodeBadPublicKey, err)
	}

	id := s.nextID.Add(1)
	init := &protocol.Envelope{
		Type:       protocol.TypeSessionInit,
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		ClientID:   id,
		ServerTime: nowMillis(),
	}
	b, err := protocol.Encode(init)
	if err != nil {
		cipher.Zeroize()
		return nil, err
	}
	if err := protocol.WriteFrame(conn, b); err != nil {
		cipher.Zeroize()
		return nil, chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindIO, chaterrors.CodeWriteFailed, err)
	}

	sess := &Session{
		ID:        id,
		Remote:    conn.RemoteAddr().String(),
		conn:      conn,
		cipher:    cipher,
		queue:     newSendQueue(s.cfg.QueueBound),
		name:      sanitize.Name(env.Name),
		room:      sanitize.Room(env.Room),
		rate:      newSlidingWindow(s.cfg.RateLimit, s.cfg.RateWindow),
		transfers: newTransferTable(s.cfg.MaxFileBytes, s.cfg.MaxTransfers),
	}
	sess.touchPong(time.Now())
	return sess, nil
}

// runSession drives the reader, writer, and heartbeat tasks and tears
// the session down when the first of them fails.
func (s *Server) runSession(ctx context.Context, sess *Session) {
	room := sess.Room()
	s.registry.Insert(sess, room)
	s.log.Info("session open", "id", sess.ID, "name", sess.Name(), "room", room, "remote", sess.Remote)
	s.broadcast(room, sess, &protocol.Envelope{
		Type: protocol.TypeSystem,
		Room: room,
		Text: sess.Name() + " joined",
		TS:   nowMillis(),
	})

	g, gctx := errgroup.WithContext(ctx)
	stopWake := context.AfterFunc(gctx, func() { _ = sess.conn.SetReadDeadline(time.Now()) })
	g.Go(func() error { return s.readerTask(gctx, sess) })
	g.Go(func() error { return s.writerTask(gctx, sess) })
	g.Go(func() error { return s.heartbeatTask(gctx, sess) })
	err := g.Wait()
	stopWake()

	if ctx.Err() != nil {
		sess.fail(observability.CloseReasonServerShutdown, nil)
	}
	sess.fail(observability.CloseReasonPeerClosed, nil)

	sess.queue.Close()
	former, _ := s.registry.Remove(sess.ID)
	sess.cipher.Zeroize()
	s.obs.Close(sess.closeReason)

	if err != nil && !errors.Is(err, errSessionDone) && ctx.Err() == nil {
		s.log.Warn("session closed", "id", sess.ID, "name", sess.Name(), "reason", string(sess.closeReason), "err", err)
	} else {
		s.log.Info("session closed", "id", sess.ID, "name", sess.Name(), "reason", string(sess.closeReason))
	}
	if former != "" {
		s.broadcast(former, nil, &protocol.Envelope{
			Type: protocol.TypeSystem,
			Room: former,
			Text: sess.Name() + " left",
			TS:   nowMillis(),
		})
	}
}

// readerTask decrypts inbound frames and dispatches envelopes until a
// fatal error or cancellation.
func (s *Server) readerTask(ctx context.Context, sess *Session) error {
	for {
		payload, err := protocol.ReadFrame(sess.conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				sess.fail(observability.CloseReasonPeerClosed, nil)
				return errSessionDone
			}
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				sess.fail(observability.CloseReasonFrameOversize, err)
				return chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindProtocol, chaterrors.CodeFrameOversize, err)
			}
			if errors.Is(err, protocol.ErrFrameTruncated) || errors.Is(err, protocol.ErrFrameEmpty) {
				sess.fail(observability.CloseReasonProtocolError, err)
				return chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindProtocol, frameCode(err), err)
			}
			sess.fail(observability.CloseReasonReadError, err)
			return chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindIO, chaterrors.CodeReadFailed, err)
		}
		plain, err := sess.cipher.Open(payload)
		if err != nil {
			sess.fail(observability.CloseReasonDecryptFailed, err)
			return chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindDecrypt, chaterrors.CodeSealOpenFailed, err)
		}
		env, err := protocol.Decode(plain)
		if err != nil {
			sess.fail(observability.CloseReasonProtocolError, err)
			return chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindProtocol, chaterrors.CodeBadEnvelope, err)
		}
		if !env.Type.Known() {
			s.log.Debug("ignoring unknown envelope type", "id", sess.ID, "type", sanitize.LogValue(string(env.Type)))
			continue
		}
		if err := s.dispatch(sess, env); err != nil {
			if !chaterrors.FatalToSession(err) {
				continue
			}
			sess.fail(closeReasonFor(err), err)
			return err
		}
	}
}

// dispatch handles one decrypted envelope from the session's client.
func (s *Server) dispatch(sess *Session, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeChat:
		return s.handleChat(sess, env)
	case protocol.TypeCmdNick:
		s.obs.Message(observability.MessageNick)
		old := sess.Name()
		name := sanitize.Name(env.Name)
		sess.setName(name)
		s.log.Info("nick change", "id", sess.ID, "from", old, "to", name)
		s.broadcast(sess.Room(), nil, &protocol.Envelope{
			Type: protocol.TypeSystem,
			Room: sess.Room(),
			Text: old + " is now " + name,
			TS:   nowMillis(),
		})
		return nil
	case protocol.TypeCmdJoin:
		return s.handleJoin(sess, env)
	case protocol.TypeCmdQuit:
		sess.fail(observability.CloseReasonClientQuit, nil)
		return errSessionDone
	case protocol.TypeFileStart:
		return s.handleFileStart(sess, env)
	case protocol.TypeFileChunk:
		return s.handleFileChunk(sess, env)
	case protocol.TypeFileEnd:
		s.obs.Message(observability.MessageFileEnd)
		if err := sess.transfers.End(env.TransferID); err != nil {
			s.obs.Transfer(observability.TransferResultAborted)
			return err
		}
		return nil
	case protocol.TypePong:
		s.obs.Message(observability.MessagePong)
		sess.touchPong(time.Now())
		return nil
	case protocol.TypePing:
		s.obs.Message(observability.MessagePing)
		s.push(sess, &protocol.Envelope{Type: protocol.TypePong, Nonce: env.Nonce})
		return nil
	default:
		// Known but out of place here (hello, session-init, system,
		// error from a client). Log and move on.
		s.log.Debug("ignoring misplaced envelope", "id", sess.ID, "type", string(env.Type))
		return nil
	}
}

func (s *Server) handleChat(sess *Session, env *protocol.Envelope) error {
	s.obs.Message(observability.MessageChat)
	text, ok := sanitize.Message(env.Text)
	if !ok {
		return chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindProtocol, chaterrors.CodeBadEnvelope,
			errors.New("unrepairable chat message"))
	}
	if !sess.rate.Allow(time.Now()) {
		s.obs.RateLimited()
		s.push(sess, &protocol.Envelope{Type: protocol.TypeError, Code: protocol.ErrCodeRate, Text: "rate limit exceeded"})
		return chaterrors.New(chaterrors.ScopeSession, chaterrors.KindRate, chaterrors.CodeRateLimited)
	}
	room := sess.Room()
	out := &protocol.Envelope{
		Type:   protocol.TypeChat,
		Sender: sess.Name(),
		Room:   room,
		Text:   text,
		TS:     nowMillis(),
	}
	fanout := s.registry.BroadcastChat(room, out, func(m *Session) bool {
		return s.push(m, out)
	})
	if fanout > 0 {
		s.obs.Broadcast(fanout)
	}
	return nil
}

func (s *Server) handleJoin(sess *Session, env *protocol.Envelope) error {
	s.obs.Message(observability.MessageJoin)
	newRoom := sanitize.Room(env.Room)
	old := sess.Room()
	if newRoom == old {
		s.push(sess, &protocol.Envelope{Type: protocol.TypeSystem, Room: old, Text: "already in " + old, TS: nowMillis()})
		return nil
	}
	s.broadcast(old, sess, &protocol.Envelope{
		Type: protocol.TypeSystem,
		Room: old,
		Text: sess.Name() + " left",
		TS:   nowMillis(),
	})
	s.registry.RenameRoom(sess.ID, newRoom)
	sess.setRoom(newRoom)
	s.broadcast(newRoom, sess, &protocol.Envelope{
		Type: protocol.TypeSystem,
		Room: newRoom,
		Text: sess.Name() + " joined",
		TS:   nowMillis(),
	})
	s.push(sess, &protocol.Envelope{Type: protocol.TypeSystem, Room: newRoom, Text: "joined " + newRoom, TS: nowMillis()})
	s.log.Info("room change", "id", sess.ID, "name", sess.Name(), "from", old, "to", newRoom)
	return nil
}

func (s *Server) handleFileStart(sess *Session, env *protocol.Envelope) error {
	s.obs.Message(observability.MessageFileStart)
	if !sess.rate.Allow(time.Now()) {
		s.obs.RateLimited()
		s.push(sess, &protocol.Envelope{Type: protocol.TypeError, Code: protocol.ErrCodeRate, Text: "rate limit exceeded"})
		return chaterrors.New(chaterrors.ScopeSession, chaterrors.KindRate, chaterrors.CodeRateLimited)
	}
	filename := sanitize.Filename(env.Filename)
	if err := sess.transfers.Start(env.TransferID, filename, env.Size, env.TotalChunks); err != nil {
		s.obs.Transfer(observability.TransferResultOversize)
		return err
	}
	room := sess.Room()
	s.log.Info("transfer start", "id", sess.ID, "transfer", sanitize.LogValue(env.TransferID),
		"file", filename, "size", env.Size, "chunks", env.TotalChunks)
	s.broadcast(room, sess, &protocol.Envelope{
		Type:        protocol.TypeFileStart,
		Sender:      sess.Name(),
		Room:        room,
		TransferID:  env.TransferID,
		Filename:    filename,
		Size:        env.Size,
		TotalChunks: env.TotalChunks,
		TS:          nowMillis(),
	})
	return nil
}

func (s *Server) handleFileChunk(sess *Session, env *protocol.Envelope) error {
	s.obs.Message(observability.MessageFileChunk)
	raw, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindProtocol, chaterrors.CodeBadEnvelope, err)
	}
	if len(raw) > s.cfg.MaxChunkBytes {
		return chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindProtocol, chaterrors.CodeBadEnvelope,
			fmt.Errorf("chunk of %d bytes exceeds %d", len(raw), s.cfg.MaxChunkBytes))
	}
	tr, done, err := sess.transfers.Chunk(env.TransferID, env.Index, len(raw))
	if err != nil {
		switch chaterrors.CodeOf(err) {
		case chaterrors.CodeTransferOutOfOrder:
			s.obs.Transfer(observability.TransferResultOutOfOrder)
		default:
			s.obs.Transfer(observability.TransferResultOversize)
		}
		return err
	}
	s.obs.RelayedBytes(len(raw))
	room := sess.Room()
	s.broadcast(room, sess, &protocol.Envelope{
		Type:       protocol.TypeFileChunk,
		Sender:     sess.Name(),
		Room:       room,
		TransferID: env.TransferID,
		Index:      env.Index,
		Data:       env.Data,
		TS:         nowMillis(),
	})
	if done {
		s.obs.Transfer(observability.TransferResultOK)
		s.log.Info("transfer complete", "id", sess.ID, "transfer", sanitize.LogValue(env.TransferID),
			"file", tr.filename, "bytes", tr.received)
		s.broadcast(room, sess, &protocol.Envelope{
			Type:       protocol.TypeFileEnd,
			Sender:     sess.Name(),
			Room:       room,
			TransferID: env.TransferID,
			Filename:   tr.filename,
			Size:       tr.received,
			TS:         nowMillis(),
		})
	}
	return nil
}

// writerTask seals queued envelopes onto the wire. After cancellation it
// drains the remaining queue under the drain deadline.
func (s *Server) writerTask(ctx context.Context, sess *Session) error {
	for {
		env, err := sess.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, errQueueClosed) || ctx.Err() != nil {
				s.drain(sess)
				return nil
			}
			return err
		}
		if err := s.writeSealed(sess, env); err != nil {
			sess.fail(observability.CloseReasonWriteError, err)
			return chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindIO, chaterrors.CodeWriteFailed, err)
		}
	}
}

// drain flushes whatever is still queued, bounded by the drain deadline.
func (s *Server) drain(sess *Session) {
	_ = sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.DrainTimeout))
	for {
		env, ok := sess.queue.TryPop()
		if !ok {
			return
		}
		if err := s.writeSealed(sess, env); err != nil {
			return
		}
	}
}

func (s *Server) writeSealed(sess *Session, env *protocol.Envelope) error {
	b, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	sealed, err := sess.cipher.Seal(b)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(sess.conn, sealed)
}

// heartbeatTask pings on an interval and reaps the session when the
// client stops answering.
func (s *Server) heartbeatTask(ctx context.Context, sess *Session) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			if sess.sincePong(now) > s.cfg.PongTimeout {
				err := chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindTimeout, chaterrors.CodeHeartbeatTimeout,
					fmt.Errorf("no pong for %s", sess.sincePong(now).Round(time.Second)))
				sess.fail(observability.CloseReasonHeartbeatTimeout, err)
				return err
			}
			s.push(sess, &protocol.Envelope{Type: protocol.TypePing, Nonce: rand.Uint64()})
		}
	}
}

// broadcast snapshots the room and enqueues without blocking. exclude
// may be nil to reach every member. A member whose queue cannot accept
// even after eviction is cut loose. Chats do not pass through here;
// they fan out via Registry.BroadcastChat so seq assignment and
// delivery stay atomic.
func (s *Server) broadcast(room string, exclude *Session, env *protocol.Envelope) {
	members := s.registry.ByRoom(room)
	fanout := 0
	for _, m := range members {
		if exclude != nil && m.ID == exclude.ID {
			continue
		}
		if s.push(m, env) {
			fanout++
		}
	}
	if fanout > 0 {
		s.obs.Broadcast(fanout)
	}
}

// push enqueues one envelope, enforcing the overflow policy.
func (s *Server) push(sess *Session, env *protocol.Envelope) bool {
	ok, evicted := sess.queue.Push(env)
	if evicted {
		s.obs.QueueDropped()
	}
	if !ok {
		sess.fail(observability.CloseReasonQueueOverflow,
			chaterrors.New(chaterrors.ScopeSession, chaterrors.KindIO, chaterrors.CodeQueueOverflow))
		_ = sess.conn.Close()
		return false
	}
	return true
}

func frameCode(err error) chaterrors.Code {
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return chaterrors.CodeFrameOversize
	case errors.Is(err, protocol.ErrFrameEmpty):
		return chaterrors.CodeFrameEmpty
	default:
		return chaterrors.CodeFrameTruncated
	}
}

func closeReasonFor(err error) observability.CloseReason {
	switch chaterrors.KindOf(err) {
	case chaterrors.KindDecrypt:
		return observability.CloseReasonDecryptFailed
	case chaterrors.KindTimeout:
		return observability.CloseReasonHeartbeatTimeout
	case chaterrors.KindIO:
		return observability.CloseReasonWriteError
	case chaterrors.KindTransfer, chaterrors.KindProtocol:
		return observability.CloseReasonProtocolError
	default:
		return observability.CloseReasonPeerClosed
	}
}

func handshakeReason(err error) observability.HandshakeReason {
	switch chaterrors.CodeOf(err) {
	case chaterrors.CodeHandshakeTimeout:
		return observability.HandshakeReasonTimeout
	case chaterrors.CodeBadToken:
		return observability.HandshakeReasonBadToken
	case chaterrors.CodeBadPublicKey:
		return observability.HandshakeReasonBadPublicKey
	case chaterrors.CodeBadEnvelope, chaterrors.CodeExpectedHello:
		return observability.HandshakeReasonBadEnvelope
	case chaterrors.CodeWriteFailed:
		return observability.HandshakeReasonWriteError
	default:
		return observability.HandshakeReasonReadError
	}
}

// writePlain sends an unencrypted envelope during the handshake phase.
// Errors are ignored; the connection is about to close anyway.
func (s *Server) writePlain(conn net.Conn, env *protocol.Envelope) {
	b, err := protocol.Encode(env)
	if err != nil {
		return
	}
	_ = protocol.WriteFrame(conn, b)
}
