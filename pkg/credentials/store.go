// Package credentials resolves credential references into decrypted secret bags.
package credentials

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("credential not found")
	ErrForbidden = errors.New("credential belongs to another user")
)

// Record is the sealed form of a credential. Plaintext secrets never live in a Record.
type Record struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"ownerId"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Ciphertext []byte    `json:"ciphertext"`
	Nonce      []byte    `json:"nonce"`
	Salt       []byte    `json:"salt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists sealed credential records.
type Store interface {
	Save(ctx context.Context, record *Record) error
	// Get returns ErrNotFound when no record has the id.
	Get(ctx context.Context, id string) (*Record, error)
	Close() error
}
