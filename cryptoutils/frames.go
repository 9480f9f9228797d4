package cryptoutils

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const FrameKeySize = chacha20poly1305.KeySize

var (
	ErrFrameAuthentication = errors.New("frame authentication failed")
	ErrNonceExhausted      = errors.New("frame counter exhausted")
)

// FrameCipher protects one direction of a transport with a counter nonce.
// Frames must be opened in the order they were sealed.
type FrameCipher struct {
	mu      sync.Mutex
	aead    cipher.AEAD
	counter uint64
}

func NewFrameCipher(key []byte) (*FrameCipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyMaterial, err)
	}
	return &FrameCipher{aead: aead}, nil
}

func (c *FrameCipher) nonce() ([]byte, error) {
	if c.counter == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], c.counter)
	return nonce, nil
}

func (c *FrameCipher) Seal(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.nonce()
	if err != nil {
		return nil, err
	}
	c.counter++
	return c.aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts the next frame. The counter advances only
// on success.
func (c *FrameCipher) Open(ciphertext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.nonce()
	if err != nil {
		return nil, err
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrFrameAuthentication
	}
	c.counter++
	return plaintext, nil
}
