package seal

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := NewSessionKey()
	if err != nil {
		t.Fatalf("NewSessionKey: %v", err)
	}
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	sizes := []int{0, 1, 16, 4096, MaxPlaintextBytes}
	for _, n := range sizes {
		plaintext := make([]byte, n)
		if _, err := rand.Read(plaintext); err != nil {
			t.Fatalf("rand: %v", err)
		}
		sealed, err := c.Seal(plaintext)
		if err != nil {
			t.Fatalf("Seal(%d bytes): %v", n, err)
		}
		if len(sealed) != NonceSize+n+TagSize {
			t.Fatalf("sealed length %d for %d-byte plaintext", len(sealed), n)
		}
		got, err := c.Open(sealed)
		if err != nil {
			t.Fatalf("Open(%d bytes): %v", n, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("round trip mismatch at %d bytes", n)
		}
	}
	if _, err := c.Seal(make([]byte, MaxPlaintextBytes+1)); !errors.Is(err, ErrPlaintextTooLarge) {
		t.Fatalf("expected ErrPlaintextTooLarge, got %v", err)
	}
}

func TestOpenFailsClosed(t *testing.T) {
	key, _ := NewSessionKey()
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	sealed, err := c.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Flipped ciphertext bit.
	tampered := append([]byte{}, sealed...)
	tampered[NonceSize] ^= 0x01
	if _, err := c.Open(tampered); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("expected ErrOpenFailed on tampered ciphertext, got %v", err)
	}

	// Flipped nonce bit.
	tampered = append([]byte{}, sealed...)
	tampered[0] ^= 0x01
	if _, err := c.Open(tampered); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("expected ErrOpenFailed on tampered nonce, got %v", err)
	}

	// Wrong key.
	otherKey, _ := NewSessionKey()
	other, _ := NewCipher(otherKey)
	if _, err := other.Open(sealed); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("expected ErrOpenFailed under wrong key, got %v", err)
	}

	// Truncated input.
	if _, err := c.Open(sealed[:NonceSize+TagSize-1]); !errors.Is(err, ErrSealedTooShort) {
		t.Fatalf("expected ErrSealedTooShort, got %v", err)
	}
}

func TestNonceFreshness(t *testing.T) {
	key, _ := NewSessionKey()
	c, _ := NewCipher(key)
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		sealed, err := c.Seal([]byte("same plaintext"))
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		nonce := string(sealed[:NonceSize])
		if _, dup := seen[nonce]; dup {
			t.Fatal("nonce reuse detected")
		}
		seen[nonce] = struct{}{}
	}
}

func TestWrapUnwrapKey(t *testing.T) {
	priv, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	pemBytes, err := MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPublicKey: %v", err)
	}
	pub, err := ParsePublicKey(pemBytes)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	key, _ := NewSessionKey()
	wrapped, err := WrapKey(pub, key)
	if err != nil {
		t.Fatalf("WrapKey: %v", err)
	}
	got, err := UnwrapKey(priv, wrapped)
	if err != nil {
		t.Fatalf("UnwrapKey: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Fatal("unwrapped key mismatch")
	}

	other, _ := GenerateKeypair()
	if _, err := UnwrapKey(other, wrapped); err == nil {
		t.Fatal("expected unwrap failure under wrong private key")
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKey([]byte("not pem")); !errors.Is(err, ErrBadPublicKey) {
		t.Fatalf("expected ErrBadPublicKey, got %v", err)
	}
}

func TestZeroize(t *testing.T) {
	key, _ := NewSessionKey()
	c, _ := NewCipher(key)
	c.Zeroize()
	for _, b := range c.key {
		if b != 0 {
			t.Fatal("key buffer not zeroized")
		}
	}
}
