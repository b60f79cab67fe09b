package services

import (
	"context"
	"strings"
	"time"

	"github.com/dukex/conduit/pkg/credentials"
	"github.com/go-playground/validator/v10"
)

// Sealer stores a secret bag and returns its sealed record.
type Sealer interface {
	Create(ctx context.Context, cred credentials.NewCredential) (*credentials.Record, error)
}

// CredentialView is what callers see of a stored credential. It never carries the secret.
type CredentialView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type,omitempty"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

type Credential struct {
	sealer   Sealer
	validate *validator.Validate
}

func NewCredential(sealer Sealer) *Credential {
	return &Credential{
		sealer:   sealer,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Create seals a credential owned by ownerID.
func (c *Credential) Create(ctx context.Context, ownerID string, cred credentials.NewCredential) (*CredentialView, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrEmptyOwnerID
	}

	cred.OwnerID = ownerID

	if err := c.validate.Struct(cred); err != nil {
		return nil, NewValidationError("create_credential", "INVALID_CREDENTIAL", err.Error(), ErrInvalidRequest)
	}

	record, err := c.sealer.Create(ctx, cred)
	if err != nil {
		return nil, err
	}

	return &CredentialView{
		ID:        record.ID,
		Name:      record.Name,
		Type:      record.Type,
		OwnerID:   record.OwnerID,
		CreatedAt: record.CreatedAt,
	}, nil
}
