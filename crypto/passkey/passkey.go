// Package passkey derives symmetric keys from user passphrases for the
// client's encrypted history file.
package passkey

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the random salt length stored in the history header.
	SaltSize = 16
	// Iterations is the PBKDF2-HMAC-SHA256 work factor.
	Iterations = 200_000
	// KeySize is the derived key length (AES-256).
	KeySize = 32
)

// ErrShortSalt rejects salts below the minimum useful length.
var ErrShortSalt = errors.New("salt too short")

// NewSalt generates a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// Derive stretches a passphrase into a 32-byte key.
func Derive(passphrase string, salt []byte) ([]byte, error) {
	if len(salt) < 8 {
		return nil, ErrShortSalt
	}
	return pbkdf2.Key([]byte(passphrase), salt, Iterations, KeySize, sha256.New), nil
}
