// Package protocol implements the chat wire format: 4-byte big-endian
// length-prefixed frames carrying JSON envelopes. JSON is the self-describing
// tagged encoding this implementation pins for envelopes; both sides agree on
// it as part of the hello/session-init exchange.
package protocol

import (
	"errors"
	"io"

	"github.com/cmdchat/cmdchat-go/internal/bin"
)

// MaxFrameBytes is the maximum payload size of a single frame. Oversize
// frames are a fatal protocol error for the session that sent them.
const MaxFrameBytes = 65536

// FrameHeaderLen is the size of the length prefix.
const FrameHeaderLen = 4

var (
	// ErrFrameTooLarge signals a declared payload length above MaxFrameBytes.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrFrameEmpty signals a zero-length frame, which the protocol forbids.
	ErrFrameEmpty = errors.New("frame empty")
	// ErrFrameTruncated signals EOF mid-length or mid-payload. A clean close
	// is only legal between frames and surfaces as io.EOF instead.
	ErrFrameTruncated = errors.New("frame truncated")
)

// ReadFrame reads one length-prefixed frame. It returns io.EOF only when the
// stream closes cleanly on a frame boundary.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, err
	}
	n := int(bin.U32BE(hdr[:]))
	if n == 0 {
		return nil, ErrFrameEmpty
	}
	if n > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame. The header and payload go out
// in a single Write so a frame is never interleaved mid-write by a second
// writer on a packet-oriented transport.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrFrameEmpty
	}
	if len(payload) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	buf := make([]byte, FrameHeaderLen+len(payload))
	bin.PutU32BE(buf[:FrameHeaderLen], uint32(len(payload)))
	copy(buf[FrameHeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}
