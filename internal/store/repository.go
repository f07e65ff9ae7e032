// Package store defines the persistence contracts the engine depends
// on. The postgres subpackage provides the production implementation.
package store

import (
	"context"
	"time"

	"github.com/kodax/koda-custody-engine/internal/domain/model"
)

//go:generate mockgen -source=repository.go -destination=mocks/mock_repository.go -package=mocks

// TransactionRepository persists custodied transactions keyed by hash.
type TransactionRepository interface {
	// InsertIfAbsent writes tx unless a row with the same hash already
	// exists. It reports whether a row was inserted; false means the
	// hash was a duplicate and the stored row is untouched.
	InsertIfAbsent(ctx context.Context, tx *model.Transaction) (bool, error)

	// GetByHash returns nil, nil when no live row has the hash.
	GetByHash(ctx context.Context, hash string) (*model.Transaction, error)

	// UpdateStatus moves the row's status and reports whether a row
	// changed. Updating an absent hash is not an error.
	UpdateStatus(ctx context.Context, hash string, status model.TxStatus) (bool, error)

	// ListPending returns pending rows no older than maxAge, oldest
	// first, so long-waiting transactions are re-checked before fresh
	// ones.
	ListPending(ctx context.Context, maxAge time.Duration, limit int) ([]*model.Transaction, error)

	// List returns live rows newest first.
	List(ctx context.Context, limit, offset int) ([]*model.Transaction, error)
}

// WalletRepository persists the custodied address directory.
type WalletRepository interface {
	// ExistsByAddress reports whether address is a live custodied
	// wallet. Matching is case-insensitive.
	ExistsByAddress(ctx context.Context, address string) (bool, error)

	Insert(ctx context.Context, wallet *model.Wallet) error

	// List returns live wallets oldest first.
	List(ctx context.Context, limit, offset int) ([]*model.Wallet, error)
}
