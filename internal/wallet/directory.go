// Package wallet holds the custodied address directory and the bulk
// provisioning path that creates new signing keys.
package wallet

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kodax/koda-custody-engine/internal/domain/model"
	"github.com/kodax/koda-custody-engine/internal/store"
)

// Directory answers ownership questions about addresses. With an
// index it serves most lookups from memory; without one every lookup
// hits the database.
type Directory struct {
	wallets store.WalletRepository
	index   *OwnershipIndex
	logger  *slog.Logger
}

func NewDirectory(wallets store.WalletRepository, logger *slog.Logger) *Directory {
	return &Directory{
		wallets: wallets,
		logger:  logger.With("component", "wallet"),
	}
}

func NewIndexedDirectory(wallets store.WalletRepository, cfg IndexConfig, logger *slog.Logger) *Directory {
	d := NewDirectory(wallets, logger)
	d.index = NewOwnershipIndex(wallets, cfg)
	return d
}

// IsCustodied reports whether address belongs to a live custodied
// wallet. Matching ignores case; soft-deleted wallets do not count.
func (d *Directory) IsCustodied(ctx context.Context, address string) (bool, error) {
	if d.index != nil {
		return d.index.IsCustodied(ctx, address)
	}
	owned, err := d.wallets.ExistsByAddress(ctx, address)
	if err != nil {
		return false, fmt.Errorf("wallet lookup: %w", err)
	}
	return owned, nil
}

// Warm seeds the ownership index from the wallet table. A no-op for
// unindexed directories.
func (d *Directory) Warm(ctx context.Context) error {
	if d.index == nil {
		return nil
	}
	if err := d.index.Warm(ctx); err != nil {
		return err
	}
	d.logger.Info("ownership index warmed")
	return nil
}

// NoteCreated registers a freshly provisioned wallet with the index.
func (d *Directory) NoteCreated(address string) {
	if d.index != nil {
		d.index.Note(address)
	}
}

// ListWallets returns all live custodied wallets, oldest first.
func (d *Directory) ListWallets(ctx context.Context, limit, offset int) ([]*model.Wallet, error) {
	wallets, err := d.wallets.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("wallet list: %w", err)
	}
	return wallets, nil
}
