package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeRejectsUnknownType(t *testing.T) {
	if _, err := Encode(&Envelope{Type: "bogus"}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if _, err := Encode(&Envelope{}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType for empty type, got %v", err)
	}
}

func TestDecodeToleratesUnknownType(t *testing.T) {
	env, err := Decode([]byte(`{"type":"future-thing","seq":0,"index":0}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Type.Known() {
		t.Fatal("future-thing must not be a known type")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("expected ErrBadEnvelope, got %v", err)
	}
	if _, err := Decode([]byte(`{"seq":0,"index":0}`)); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("expected ErrBadEnvelope for missing type, got %v", err)
	}
}

func TestChatSeqZeroSurvivesTheWire(t *testing.T) {
	b, err := Encode(&Envelope{Type: TypeChat, Sender: "alice", Room: "lobby", Text: "hello", TS: 1700000000000, Seq: 0})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if _, ok := raw["seq"]; !ok {
		t.Fatal("seq 0 must be serialized explicitly")
	}
	env, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Seq != 0 || env.Sender != "alice" || env.Text != "hello" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestFileChunkIndexZero(t *testing.T) {
	b, err := Encode(&Envelope{Type: TypeFileChunk, TransferID: "t1", Index: 0, Data: "aGk="})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Index != 0 || env.TransferID != "t1" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestKnownSetIsClosed(t *testing.T) {
	known := []Type{
		TypeHello, TypeSessionInit, TypeChat, TypeSystem,
		TypeCmdNick, TypeCmdJoin, TypeCmdQuit,
		TypeFileStart, TypeFileChunk, TypeFileEnd,
		TypePing, TypePong, TypeError,
	}
	for _, typ := range known {
		if !typ.Known() {
			t.Fatalf("%q must be known", typ)
		}
	}
	if Type("encrypted").Known() {
		t.Fatal("stray type must not be known")
	}
}
