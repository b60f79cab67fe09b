package cmd

import (
	"context"
	"errors"
	"strings"

	"github.com/dukex/conduit/pkg/credentials"
	"github.com/sirupsen/logrus"
)

// NewVault builds the credential resolver on the selected store: "memory" or a redis:// URL.
func NewVault(ctx context.Context, logger *logrus.Entry, storeURL, masterKey string) (*credentials.Vault, credentials.Store, error) {
	if masterKey == "" {
		return nil, nil, errors.New("credentials key is required")
	}

	sealer, err := credentials.NewSealer([]byte(masterKey))
	if err != nil {
		return nil, nil, err
	}

	store, err := NewCredentialStore(ctx, storeURL)
	if err != nil {
		return nil, nil, err
	}

	return credentials.NewVault(store, sealer, logger), store, nil
}

func NewCredentialStore(ctx context.Context, storeURL string) (credentials.Store, error) {
	if strings.HasPrefix(storeURL, "redis://") || strings.HasPrefix(storeURL, "rediss://") {
		return credentials.NewRedisStore(ctx, storeURL)
	}

	if storeURL != "" && storeURL != "memory" {
		return nil, errors.New("unsupported credentials store " + storeURL)
	}

	return credentials.NewMemoryStore(), nil
}
