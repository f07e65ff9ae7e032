package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/kodax/koda-custody-engine/internal/domain/model"
	"github.com/kodax/koda-custody-engine/internal/store"
)

// TransactionRepo implements store.TransactionRepository on PostgreSQL.
// Wei amounts are stored as NUMERIC(78,0) and travel as decimal
// strings.
type TransactionRepo struct {
	db *DB
}

var _ store.TransactionRepository = (*TransactionRepo)(nil)

func NewTransactionRepo(db *DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

const transactionColumns = `hash, asset, address_from, address_to, value, is_token, type, status,
		effective_fee, contract_address, created_at, updated_at, deleted_at`

func (r *TransactionRepo) InsertIfAbsent(ctx context.Context, tx *model.Transaction) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions (hash, asset, address_from, address_to, value, is_token, type, status, effective_fee, contract_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (hash) DO NOTHING
	`, tx.Hash, tx.Asset, tx.AddressFrom, tx.AddressTo, bigString(tx.Value),
		tx.IsToken, string(tx.Type), string(tx.Status), bigString(tx.EffectiveFee), tx.ContractAddress,
	)
	if err != nil {
		return false, fmt.Errorf("insert transaction: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert transaction rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *TransactionRepo) GetByHash(ctx context.Context, hash string) (*model.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE hash = $1 AND deleted_at IS NULL
	`, hash)

	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", hash, err)
	}
	return tx, nil
}

func (r *TransactionRepo) UpdateStatus(ctx context.Context, hash string, status model.TxStatus) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, updated_at = now()
		WHERE hash = $1 AND deleted_at IS NULL
	`, hash, string(status))
	if err != nil {
		return false, fmt.Errorf("update transaction %s status: %w", hash, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update transaction rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *TransactionRepo) ListPending(ctx context.Context, maxAge time.Duration, limit int) ([]*model.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = $1 AND deleted_at IS NULL AND created_at >= now() - $2::interval
		ORDER BY created_at ASC
		LIMIT $3
	`, string(model.TxStatusPending), maxAge.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

func (r *TransactionRepo) List(ctx context.Context, limit, offset int) ([]*model.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var (
		tx           model.Transaction
		value        string
		effectiveFee sql.NullString
		txType       string
		status       string
	)
	if err := row.Scan(
		&tx.Hash, &tx.Asset, &tx.AddressFrom, &tx.AddressTo, &value, &tx.IsToken,
		&txType, &status, &effectiveFee, &tx.ContractAddress,
		&tx.CreatedAt, &tx.UpdatedAt, &tx.DeletedAt,
	); err != nil {
		return nil, err
	}

	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("malformed stored value %q", value)
	}
	tx.Value = parsed

	if effectiveFee.Valid {
		fee, ok := new(big.Int).SetString(effectiveFee.String, 10)
		if !ok {
			return nil, fmt.Errorf("malformed stored fee %q", effectiveFee.String)
		}
		tx.EffectiveFee = fee
	}

	tx.Type = model.TxType(txType)
	tx.Status = model.TxStatus(status)
	return &tx, nil
}

func collectTransactions(rows *sql.Rows) ([]*model.Transaction, error) {
	var txs []*model.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// bigString renders v for a NUMERIC column; nil maps to SQL NULL.
func bigString(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}
