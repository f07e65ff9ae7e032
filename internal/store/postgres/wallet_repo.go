package postgres

import (
	"context"
	"fmt"

	"github.com/kodax/koda-custody-engine/internal/domain/model"
	"github.com/kodax/koda-custody-engine/internal/store"
)

// WalletRepo implements store.WalletRepository on PostgreSQL.
type WalletRepo struct {
	db *DB
}

var _ store.WalletRepository = (*WalletRepo)(nil)

func NewWalletRepo(db *DB) *WalletRepo {
	return &WalletRepo{db: db}
}

func (r *WalletRepo) ExistsByAddress(ctx context.Context, address string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM wallets
			WHERE LOWER(address) = LOWER($1) AND deleted_at IS NULL
		)
	`, address).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("wallet exists: %w", err)
	}
	return exists, nil
}

func (r *WalletRepo) Insert(ctx context.Context, wallet *model.Wallet) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wallets (address) VALUES ($1)
	`, wallet.Address)
	if err != nil {
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

func (r *WalletRepo) List(ctx context.Context, limit, offset int) ([]*model.Wallet, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT address, created_at, updated_at, deleted_at
		FROM wallets
		WHERE deleted_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []*model.Wallet
	for rows.Next() {
		var w model.Wallet
		if err := rows.Scan(&w.Address, &w.CreatedAt, &w.UpdatedAt, &w.DeletedAt); err != nil {
			return nil, err
		}
		wallets = append(wallets, &w)
	}
	return wallets, rows.Err()
}
