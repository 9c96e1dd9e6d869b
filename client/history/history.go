// Package history persists chat messages to an encrypted append-only
// file. The key is derived from a passphrase; each record is a sealed
// length-prefixed frame, so a truncated tail only loses the last record.
package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cmdchat/cmdchat-go/crypto/passkey"
	"github.com/cmdchat/cmdchat-go/crypto/seal"
	"github.com/cmdchat/cmdchat-go/internal/securefile"
	"github.com/cmdchat/cmdchat-go/protocol"
)

// File layout: magic || salt(16) || sealed frames.
var magic = []byte("CCHIST01")

var (
	// ErrBadHeader reports a file that does not start with the history magic.
	ErrBadHeader = errors.New("history: bad file header")
	// ErrBadPassphrase reports a record that failed authentication, which
	// in practice means a wrong passphrase.
	ErrBadPassphrase = errors.New("history: wrong passphrase or corrupt file")
)

// Record is one persisted chat line.
type Record struct {
	TS     int64  `json:"ts"`
	Room   string `json:"room"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// Writer appends encrypted records to a history file.
type Writer struct {
	f      *os.File
	cipher *seal.Cipher
}

// Open opens or creates a history file for appending. A new file gets a
// fresh salt; an existing one has its salt read back so the same
// passphrase derives the same key.
func Open(path, passphrase string) (*Writer, error) {
	if err := securefile.MkdirAllOwnerOnly(filepath.Dir(path)); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	var salt []byte
	if info.Size() == 0 {
		salt, err = passkey.NewSalt()
		if err == nil {
			_, err = f.Write(append(append([]byte{}, magic...), salt...))
		}
		if err != nil {
			f.Close()
			return nil, err
		}
	} else {
		salt, err = readHeader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
	}
	key, err := passkey.Derive(passphrase, salt)
	if err != nil {
		f.Close()
		return nil, err
	}
	cipher, err := seal.NewCipher(key)
	seal.Zeroize(key)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{f: f, cipher: cipher}, nil
}

// Append seals and writes one record.
func (w *Writer) Append(rec Record) error {
	plain, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	sealed, err := w.cipher.Seal(plain)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(w.f, sealed)
}

// Close releases the file handle and wipes the derived key.
func (w *Writer) Close() error {
	w.cipher.Zeroize()
	return w.f.Close()
}

// Read decrypts every record in a history file.
func Read(path, passphrase string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	salt, err := readHeader(f)
	if err != nil {
		return nil, err
	}
	key, err := passkey.Derive(passphrase, salt)
	if err != nil {
		return nil, err
	}
	cipher, err := seal.NewCipher(key)
	seal.Zeroize(key)
	if err != nil {
		return nil, err
	}
	defer cipher.Zeroize()

	var out []Record
	for {
		sealed, err := protocol.ReadFrame(f)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			if errors.Is(err, protocol.ErrFrameTruncated) {
				// A crash mid-append loses only the tail record.
				return out, nil
			}
			return out, err
		}
		plain, err := cipher.Open(sealed)
		if err != nil {
			return out, ErrBadPassphrase
		}
		var rec Record
		if err := json.Unmarshal(plain, &rec); err != nil {
			return out, fmt.Errorf("history: bad record: %w", err)
		}
		out = append(out, rec)
	}
}

func readHeader(f *os.File) ([]byte, error) {
	header := make([]byte, len(magic)+passkey.SaltSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, ErrBadHeader
	}
	if !bytes.Equal(header[:len(magic)], magic) {
		return nil, ErrBadHeader
	}
	return header[len(magic):], nil
}
