// Package seal provides the two cryptographic primitives of the chat
// protocol: RSA-2048-OAEP key wrap for handshake key delivery and
// AES-256-GCM sealed frames for everything after.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

const (
	// KeySize is the session key size (AES-256).
	KeySize = 32
	// NonceSize is the AES-GCM nonce size.
	NonceSize = 12
	// TagSize is the AES-GCM authentication tag size.
	TagSize = 16
	// RSABits is the required public key modulus size.
	RSABits = 2048
	// MaxPlaintextBytes is the largest plaintext whose sealed form still
	// fits a 65536-byte frame: frame - nonce(12) - tag(16).
	MaxPlaintextBytes = 65536 - NonceSize - TagSize
)

var (
	// ErrBadKeySize indicates a session key that is not 32 bytes.
	ErrBadKeySize = errors.New("bad session key size")
	// ErrBadPublicKey indicates a peer key that is not a 2048-bit RSA key.
	ErrBadPublicKey = errors.New("bad public key")
	// ErrOpenFailed indicates AEAD authentication failure. Fail closed:
	// the session carrying the frame must be terminated.
	ErrOpenFailed = errors.New("sealed frame open failed")
	// ErrSealedTooShort indicates a sealed frame shorter than nonce+tag.
	ErrSealedTooShort = errors.New("sealed frame too short")
	// ErrPlaintextTooLarge indicates a plaintext that cannot fit a frame.
	ErrPlaintextTooLarge = errors.New("plaintext too large")
)

// GenerateKeypair creates a fresh RSA-2048 keypair. Clients generate one per
// connection attempt; the private key never leaves the process.
func GenerateKeypair() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, RSABits)
}

// MarshalPublicKey encodes a public key as a PEM PKIX block for the hello
// envelope.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKey decodes a PEM PKIX public key and enforces RSA-2048.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrBadPublicKey
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, ErrBadPublicKey
	}
	if pub.N.BitLen() != RSABits {
		return nil, ErrBadPublicKey
	}
	return pub, nil
}

// NewSessionKey generates a fresh 256-bit session key.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// WrapKey encrypts a session key to the holder of pub using OAEP/SHA-256.
func WrapKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
}

// UnwrapKey recovers a wrapped session key with the matching private key.
func UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	return key, nil
}

// Cipher seals and opens frames with one session's key. Nonces are fresh
// 96-bit random values per seal; with the ≤2^32 frame bound of a chat
// session the collision risk is negligible.
type Cipher struct {
	aead cipher.AEAD
	key  []byte
}

// NewCipher builds the per-session AEAD from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if aead.NonceSize() != NonceSize {
		return nil, fmt.Errorf("unexpected gcm nonce size: %d", aead.NonceSize())
	}
	held := make([]byte, KeySize)
	copy(held, key)
	return &Cipher{aead: aead, key: held}, nil
}

// Seal encrypts plaintext into a frame payload: nonce(12) || ciphertext || tag(16).
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintextBytes {
		return nil, ErrPlaintextTooLarge
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := rand.Read(out[:NonceSize]); err != nil {
		return nil, err
	}
	return c.aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Open authenticates and decrypts a sealed frame payload. Any tag failure
// returns ErrOpenFailed and the caller must terminate the session.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize+TagSize {
		return nil, ErrSealedTooShort
	}
	plain, err := c.aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plain, nil
}

// Zeroize wipes the held key copy. The cipher must not be used afterwards.
func (c *Cipher) Zeroize() {
	Zeroize(c.key)
}

// Zeroize overwrites a key buffer in place.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
