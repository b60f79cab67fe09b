package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Vault implements protocol.CredentialResolver on top of a Store. Decrypted bags are
// returned to the caller and never cached.
type Vault struct {
	store  Store
	sealer *Sealer
	logger *logrus.Entry
	now    func() time.Time
}

func NewVault(store Store, sealer *Sealer, logger *logrus.Entry) *Vault {
	return &Vault{
		store:  store,
		sealer: sealer,
		logger: logger,
		now:    time.Now,
	}
}

// NewCredential is the plaintext input of Create.
type NewCredential struct {
	Name    string         `json:"name"    validate:"required"`
	Type    string         `json:"type"`
	OwnerID string         `json:"-"`
	Secret  map[string]any `json:"secret"  validate:"required,min=1"`
}

// Create seals and stores a secret bag, returning the record without plaintext.
func (v *Vault) Create(ctx context.Context, cred NewCredential) (*Record, error) {
	plaintext, err := json.Marshal(cred.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encode secret: %w", err)
	}

	ciphertext, nonce, salt, err := v.sealer.Seal(plaintext)
	if err != nil {
		return nil, err
	}

	record := &Record{
		ID:         uuid.NewString(),
		OwnerID:    cred.OwnerID,
		Name:       cred.Name,
		Type:       cred.Type,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Salt:       salt,
		CreatedAt:  v.now().UTC(),
	}

	if err := v.store.Save(ctx, record); err != nil {
		return nil, err
	}

	v.logger.WithFields(logrus.Fields{"credential_id": record.ID, "owner_id": record.OwnerID}).Info("Credential stored")

	return record, nil
}

// Resolve decrypts the credential for actingUserID. It fails with ErrNotFound or
// ErrForbidden and never returns partial data.
func (v *Vault) Resolve(ctx context.Context, credentialID, actingUserID string) (map[string]any, error) {
	record, err := v.store.Get(ctx, credentialID)
	if err != nil {
		return nil, err
	}

	if record.OwnerID != actingUserID {
		v.logger.WithFields(logrus.Fields{
			"credential_id": credentialID,
			"user_id":       actingUserID,
		}).Warn("Credential access denied")

		return nil, ErrForbidden
	}

	plaintext, err := v.sealer.Open(record.Ciphertext, record.Nonce, record.Salt)
	if err != nil {
		return nil, err
	}

	var secret map[string]any
	if err := json.Unmarshal(plaintext, &secret); err != nil {
		return nil, fmt.Errorf("%w: malformed secret", ErrDecrypt)
	}

	return secret, nil
}
