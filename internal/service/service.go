// Package service is the facade the transport layer talks to: lookup,
// origination, listing, and reconciliation lifecycle, with correlation
// IDs and tracing wrapped around every operation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kodax/koda-custody-engine/internal/classifier"
	"github.com/kodax/koda-custody-engine/internal/domain/model"
	"github.com/kodax/koda-custody-engine/internal/ledger"
	"github.com/kodax/koda-custody-engine/internal/metrics"
	"github.com/kodax/koda-custody-engine/internal/originator"
	"github.com/kodax/koda-custody-engine/internal/store"
	"github.com/kodax/koda-custody-engine/internal/tracing"
	"github.com/kodax/koda-custody-engine/internal/wallet"
)

// ErrNotFound marks a hash the ledger has never seen.
var ErrNotFound = errors.New("transaction not found")

const defaultListLimit = 50

// Reconciler is the lifecycle surface of the monitor manager.
type Reconciler interface {
	StartAll(ctx context.Context)
	StopAll()
	Health() (total, running int)
}

// Health is the reconciliation health snapshot exposed to callers.
type Health struct {
	TiersTotal   int `json:"tiers_total"`
	TiersRunning int `json:"tiers_running"`
}

// LookupResult pairs a stored row with its live confirmation view.
type LookupResult struct {
	Transaction   *model.Transaction
	Confirmations int64
	Confirmed     bool
	Persisted     bool
}

type Service struct {
	client      ledger.Client
	classifier  *classifier.Classifier
	txs         store.TransactionRepository
	origin      *originator.Originator
	directory   *wallet.Directory
	provisioner *wallet.Provisioner
	reconciler  Reconciler
	tracer      trace.Tracer
	logger      *slog.Logger
}

func New(
	client ledger.Client,
	clf *classifier.Classifier,
	txs store.TransactionRepository,
	origin *originator.Originator,
	directory *wallet.Directory,
	provisioner *wallet.Provisioner,
	reconciler Reconciler,
	logger *slog.Logger,
) *Service {
	return &Service{
		client:      client,
		classifier:  clf,
		txs:         txs,
		origin:      origin,
		directory:   directory,
		provisioner: provisioner,
		reconciler:  reconciler,
		tracer:      tracing.Tracer("custody-service"),
		logger:      logger.With("component", "service"),
	}
}

// LookupTransaction fetches hash from the ledger, classifies it, and
// persists it when either side is custodied. Unknown hashes yield
// ErrNotFound; duplicate hashes are returned without a second insert.
func (s *Service) LookupTransaction(ctx context.Context, hash string) (*LookupResult, error) {
	ctx, span := s.tracer.Start(ctx, "LookupTransaction",
		trace.WithAttributes(attribute.String("tx.hash", hash)))
	defer span.End()

	logger := s.opLogger("lookup", "hash", hash)

	raw, err := s.client.GetTransaction(ctx, hash)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}

	result, err := s.classifier.Classify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("classify %s: %w", hash, err)
	}

	lookup := &LookupResult{
		Transaction:   result.Transaction,
		Confirmations: result.Confirmations,
		Confirmed:     result.Confirmed,
	}

	if !result.Owned() {
		logger.Info("transaction does not touch custody, not persisting", "type", result.Transaction.Type)
		return lookup, nil
	}

	existing, err := s.txs.GetByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("duplicate check %s: %w", hash, err)
	}
	if existing != nil {
		logger.Info("transaction already recorded", "status", existing.Status)
		metrics.TransactionsDuplicate.Inc()
		lookup.Transaction = existing
		lookup.Persisted = true
		return lookup, nil
	}

	inserted, err := s.txs.InsertIfAbsent(ctx, result.Transaction)
	if err != nil {
		return nil, fmt.Errorf("persist %s: %w", hash, err)
	}
	if inserted {
		metrics.TransactionsPersisted.WithLabelValues(string(result.Transaction.Type)).Inc()
		logger.Info("transaction recorded",
			"type", result.Transaction.Type,
			"asset", result.Transaction.Asset,
			"confirmations", result.Confirmations,
		)
	} else {
		// A concurrent lookup won the insert race.
		metrics.TransactionsDuplicate.Inc()
	}
	lookup.Persisted = true
	return lookup, nil
}

// CreateTransaction originates a withdrawal and returns its hash.
func (s *Service) CreateTransaction(ctx context.Context, req originator.Request) (string, error) {
	ctx, span := s.tracer.Start(ctx, "CreateTransaction",
		trace.WithAttributes(attribute.String("tx.asset", req.Asset)))
	defer span.End()

	return s.origin.Originate(ctx, req)
}

// GetTransaction returns the stored row for hash together with its
// current confirmation count. The confirmation read degrades to zero
// rather than failing the call.
func (s *Service) GetTransaction(ctx context.Context, hash string) (*LookupResult, error) {
	ctx, span := s.tracer.Start(ctx, "GetTransaction",
		trace.WithAttributes(attribute.String("tx.hash", hash)))
	defer span.End()

	tx, err := s.txs.GetByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}

	confirmations, _ := s.client.GetConfirmations(ctx, hash)
	return &LookupResult{
		Transaction:   tx,
		Confirmations: confirmations,
		Confirmed:     tx.Status == model.TxStatusConfirmed,
		Persisted:     true,
	}, nil
}

// ListTransactions returns stored rows newest first.
func (s *Service) ListTransactions(ctx context.Context, limit, offset int) ([]*model.Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "ListTransactions")
	defer span.End()

	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.txs.List(ctx, limit, offset)
}

// CreateWallets provisions n wallets and registers them with the
// ownership index. When provisioning fails partway the addresses that
// made it are returned alongside the error.
func (s *Service) CreateWallets(ctx context.Context, n int) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "CreateWallets",
		trace.WithAttributes(attribute.Int("wallet.count", n)))
	defer span.End()

	addresses, err := s.provisioner.CreateWallets(ctx, n)
	for _, addr := range addresses {
		s.directory.NoteCreated(addr)
	}
	if err != nil {
		return addresses, err
	}

	s.opLogger("create_wallets").Info("wallets provisioned", "count", len(addresses))
	return addresses, nil
}

// ListWallets returns custodied wallets, oldest first.
func (s *Service) ListWallets(ctx context.Context, limit, offset int) ([]*model.Wallet, error) {
	ctx, span := s.tracer.Start(ctx, "ListWallets")
	defer span.End()

	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.directory.ListWallets(ctx, limit, offset)
}

// StartReconciliation launches the confirmation tiers. Idempotent.
func (s *Service) StartReconciliation(ctx context.Context) {
	s.reconciler.StartAll(ctx)
}

// StopReconciliation stops the tiers and waits for them. Idempotent.
func (s *Service) StopReconciliation() {
	s.reconciler.StopAll()
}

func (s *Service) HealthStatus() Health {
	total, running := s.reconciler.Health()
	return Health{TiersTotal: total, TiersRunning: running}
}

// opLogger tags one operation's log lines with a fresh correlation ID.
func (s *Service) opLogger(op string, args ...any) *slog.Logger {
	logger := s.logger.With("operation", op, "correlation_id", uuid.NewString())
	return logger.With(args...)
}
