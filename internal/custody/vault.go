// Package custody stores and retrieves wallet signing keys in Vault.
// Keys never leave this package except to the signer that requests
// them; nothing here logs key material.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	vault "github.com/hashicorp/vault/api"

	"github.com/kodax/koda-custody-engine/internal/metrics"
)

var (
	// ErrKeyNotFound means the key id has no secret in the mount.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrUnavailable wraps transport failures talking to the secret store.
	ErrUnavailable = errors.New("key custody unavailable")
)

const privateKeyField = "private_key"

//go:generate mockgen -source=vault.go -destination=mocks/mock_keystore.go -package=mocks

// KeyStore is the engine's view of the secret backend.
type KeyStore interface {
	// GetKey returns the hex-encoded private key stored under keyID.
	GetKey(ctx context.Context, keyID string) (string, error)

	// StoreKey writes the hex-encoded private key under keyID,
	// overwriting any previous version.
	StoreKey(ctx context.Context, keyID, privateKeyHex string) error
}

type Config struct {
	Address   string
	Token     string
	MountPath string
}

// VaultKeyStore keeps signing keys in a Vault KV v2 mount, one secret
// per wallet key id.
type VaultKeyStore struct {
	kv     *vault.KVv2
	logger *slog.Logger
}

var _ KeyStore = (*VaultKeyStore)(nil)

func NewVaultKeyStore(cfg Config, logger *slog.Logger) (*VaultKeyStore, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &VaultKeyStore{
		kv:     client.KVv2(cfg.MountPath),
		logger: logger.With("component", "custody"),
	}, nil
}

func (s *VaultKeyStore) GetKey(ctx context.Context, keyID string) (string, error) {
	secret, err := s.kv.Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			metrics.KeyCustodyOps.WithLabelValues("get", "not_found").Inc()
			return "", fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		}
		metrics.KeyCustodyOps.WithLabelValues("get", "error").Inc()
		return "", fmt.Errorf("%w: read %s: %v", ErrUnavailable, keyID, err)
	}

	raw, ok := secret.Data[privateKeyField]
	if !ok {
		metrics.KeyCustodyOps.WithLabelValues("get", "not_found").Inc()
		return "", fmt.Errorf("%w: %s has no %s field", ErrKeyNotFound, keyID, privateKeyField)
	}
	key, ok := raw.(string)
	if !ok || key == "" {
		metrics.KeyCustodyOps.WithLabelValues("get", "error").Inc()
		return "", fmt.Errorf("%w: %s holds a malformed key", ErrKeyNotFound, keyID)
	}

	metrics.KeyCustodyOps.WithLabelValues("get", "ok").Inc()
	return key, nil
}

func (s *VaultKeyStore) StoreKey(ctx context.Context, keyID, privateKeyHex string) error {
	_, err := s.kv.Put(ctx, keyID, map[string]any{privateKeyField: privateKeyHex})
	if err != nil {
		metrics.KeyCustodyOps.WithLabelValues("store", "error").Inc()
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, keyID, err)
	}

	metrics.KeyCustodyOps.WithLabelValues("store", "ok").Inc()
	s.logger.Info("stored signing key", "key_id", keyID)
	return nil
}
