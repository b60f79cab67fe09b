package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	// KeySize is the AES-256 key length.
	KeySize   = 32
	NonceSize = 12
	SaltSize  = 32

	ScryptN = 32768
	ScryptR = 8
	ScryptP = 1
)

var ErrDecrypt = errors.New("failed to decrypt credential")

// Sealer encrypts secret bags with AES-256-GCM. Every sealed value gets a fresh salt and
// nonce, and its key is derived from the master key with scrypt.
type Sealer struct {
	masterKey []byte
	n         int
}

type SealerOption func(*Sealer)

// WithScryptCost overrides the scrypt N parameter. Low values are only meant for tests.
func WithScryptCost(n int) SealerOption {
	return func(s *Sealer) {
		s.n = n
	}
}

func NewSealer(masterKey []byte, opts ...SealerOption) (*Sealer, error) {
	if len(masterKey) == 0 {
		return nil, errors.New("master key cannot be empty")
	}

	s := &Sealer{masterKey: append([]byte(nil), masterKey...), n: ScryptN}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func (s *Sealer) Seal(plaintext []byte) (ciphertext, nonce, salt []byte, err error) {
	if len(plaintext) == 0 {
		return nil, nil, nil, errors.New("plaintext cannot be empty")
	}

	salt = make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := s.gcm(salt)
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, plaintext, nil), nonce, salt, nil
}

func (s *Sealer) Open(ciphertext, nonce, salt []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: invalid nonce size %d", ErrDecrypt, len(nonce))
	}

	gcm, err := s.gcm(salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// GCM fails closed on a wrong key or tampered data.
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}

	return plaintext, nil
}

func (s *Sealer) gcm(salt []byte) (cipher.AEAD, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("invalid salt size: expected %d bytes, got %d bytes", SaltSize, len(salt))
	}

	key, err := scrypt.Key(s.masterKey, salt, s.n, ScryptR, ScryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("scrypt key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	return cipher.NewGCM(block)
}
