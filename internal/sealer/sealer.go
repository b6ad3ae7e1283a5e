// Package sealer encrypts secret material before it is written to storage.
package sealer

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"

	"github.com/go-faster/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required length of a sealing key in bytes.
const KeySize = chacha20poly1305.KeySize

// ErrOpen is returned when a sealed value cannot be authenticated.
var ErrOpen = errors.New("sealed value is corrupt or bound to another record")

// Sealer seals and opens values with XChaCha20-Poly1305. The output of Seal
// is nonce || ciphertext.
type Sealer struct {
	aead cipher.AEAD
}

// New creates a Sealer from a KeySize byte key.
func New(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, errors.Errorf("sealing key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "create aead")
	}
	return &Sealer{aead: aead}, nil
}

// NewFromHex creates a Sealer from a hex encoded key.
func NewFromHex(s string) (*Sealer, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "decode sealing key")
	}
	return New(key)
}

// Seal encrypts plaintext. ad binds the ciphertext to its owner record so a
// sealed value copied onto another row fails to open.
func (s *Sealer) Seal(plaintext, ad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}
	return s.aead.Seal(nonce, nonce, plaintext, ad), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, ad []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, ErrOpen
	}
	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], ad)
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}
