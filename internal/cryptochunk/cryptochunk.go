// Package cryptochunk implements the per-chunk AEAD framing used when a
// transfer opts into end-to-end encryption: every binary data-channel chunk
// is IV(12) || AES-GCM(plaintext) || tag(16), under a single session-constant
// 256-bit key that never reaches the Room or Router.
package cryptochunk

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// IVSize is the length in bytes of the GCM nonce prefixed to each chunk.
const IVSize = 12

// KeySize is the required symmetric key length (256 bits).
const KeySize = 32

// ErrChunkTooShort is returned when a frame is shorter than an IV plus tag.
var ErrChunkTooShort = errors.New("cryptochunk: frame shorter than iv+tag")

// Sealer encrypts plaintext chunks under one fixed key.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext and returns iv || ciphertext || tag.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("cryptochunk: generate iv: %w", err)
	}
	out := make([]byte, 0, IVSize+len(plaintext)+s.aead.Overhead())
	out = append(out, iv...)
	out = s.aead.Seal(out, iv, plaintext, nil)
	return out, nil
}

// Opener decrypts chunks sealed by a Sealer holding the same key.
type Opener struct {
	aead cipher.AEAD
}

// NewOpener builds an Opener from a 32-byte key.
func NewOpener(key []byte) (*Opener, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return &Opener{aead: aead}, nil
}

// Open splits the leading IV off frame and decrypts the remainder. A
// corrupted IV or ciphertext fails the GCM tag check and returns an error;
// the answerer aborts the whole transfer on the first such error, since the
// reassembly buffer is no longer trustworthy once one chunk fails to open.
func (o *Opener) Open(frame []byte) ([]byte, error) {
	if len(frame) < IVSize+o.aead.Overhead() {
		return nil, ErrChunkTooShort
	}
	iv := frame[:IVSize]
	ciphertext := frame[IVSize:]
	return o.aead.Open(nil, iv, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cryptochunk: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptochunk: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
