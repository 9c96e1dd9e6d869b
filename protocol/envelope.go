package protocol

import (
	"encoding/json"
	"errors"
)

// Type tags an envelope. The set is closed: senders reject unknown tags,
// receivers log and ignore them.
type Type string

const (
	TypeHello       Type = "hello"
	TypeSessionInit Type = "session-init"
	TypeChat        Type = "chat"
	TypeSystem      Type = "system"
	TypeCmdNick     Type = "cmd-nick"
	TypeCmdJoin     Type = "cmd-join"
	TypeCmdQuit     Type = "cmd-quit"
	TypeFileStart   Type = "file-start"
	TypeFileChunk   Type = "file-chunk"
	TypeFileEnd     Type = "file-end"
	TypePing        Type = "ping"
	TypePong        Type = "pong"
	TypeError       Type = "error"
)

// Known reports whether t belongs to the closed envelope type set.
func (t Type) Known() bool {
	switch t {
	case TypeHello, TypeSessionInit, TypeChat, TypeSystem,
		TypeCmdNick, TypeCmdJoin, TypeCmdQuit,
		TypeFileStart, TypeFileChunk, TypeFileEnd,
		TypePing, TypePong, TypeError:
		return true
	}
	return false
}

// Error codes carried by error envelopes.
const (
	ErrCodeAuth      = "auth"
	ErrCodeHandshake = "handshake"
	ErrCodeRate      = "rate"
	ErrCodeProtocol  = "protocol"
)

var (
	// ErrBadEnvelope signals an envelope that cannot be decoded or lacks a type tag.
	ErrBadEnvelope = errors.New("bad envelope")
	// ErrUnknownType signals an attempt to encode an envelope outside the closed set.
	ErrUnknownType = errors.New("unknown envelope type")
)

// Envelope is the unit of dispatch. One struct covers every type; unused
// fields stay at their zero value and are omitted on the wire where that is
// unambiguous. Seq is always serialized because a first chat in a room
// legitimately carries seq 0.
type Envelope struct {
	Type Type `json:"type"`

	// hello
	PublicKey string `json:"public_key,omitempty"` // PEM-encoded PKIX RSA-2048 public key.
	Token     string `json:"token,omitempty"`

	// session-init
	WrappedKey string `json:"wrapped_key,omitempty"` // Base64 RSA-OAEP ciphertext of the session key.
	ClientID   uint64 `json:"client_id,omitempty"`
	ServerTime int64  `json:"server_time,omitempty"` // Unix milliseconds.

	// chat / system / cmd-nick / cmd-join (Name and Room double as hello fields)
	Sender string `json:"sender,omitempty"`
	Name   string `json:"name,omitempty"`
	Room   string `json:"room,omitempty"`
	Text   string `json:"text,omitempty"`
	TS     int64  `json:"ts,omitempty"` // Unix milliseconds, server-assigned.
	Seq    uint64 `json:"seq"`

	// file-start / file-chunk / file-end
	TransferID  string `json:"transfer_id,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Size        int64  `json:"size,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
	Index       int    `json:"index"` // Chunk index; 0 is a legal value.
	Data        string `json:"data,omitempty"` // Base64 chunk bytes, ≤ 32 KiB raw.

	// ping / pong
	Nonce uint64 `json:"nonce,omitempty"`

	// error
	Code string `json:"code,omitempty"`
}

// Encode serializes an envelope. Envelopes outside the closed type set are
// rejected before they can reach the wire.
func Encode(env *Envelope) ([]byte, error) {
	if !env.Type.Known() {
		return nil, ErrUnknownType
	}
	return json.Marshal(env)
}

// Decode parses an envelope. A missing or empty type tag is a protocol
// error; an unknown tag decodes successfully so the receiver can log and
// ignore it per the closed-set policy.
func Decode(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, ErrBadEnvelope
	}
	if env.Type == "" {
		return nil, ErrBadEnvelope
	}
	return &env, nil
}
