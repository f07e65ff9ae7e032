// Package monitor runs the confirmation reconciliation loops: one
// long-lived Monitor per tier, advancing pending transactions to
// confirmed once the ledger reports enough confirmations.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kodax/koda-custody-engine/internal/alert"
	"github.com/kodax/koda-custody-engine/internal/domain/model"
	"github.com/kodax/koda-custody-engine/internal/ledger"
	"github.com/kodax/koda-custody-engine/internal/metrics"
	"github.com/kodax/koda-custody-engine/internal/store"
)

// Tier is one reconciliation policy: how many confirmations count as
// final, how often to poll, and how old a pending row may be before
// the tier stops re-checking it.
type Tier struct {
	Name             string
	MinConfirmations int64
	PollInterval     time.Duration
	MaxAge           time.Duration
}

func (t Tier) String() string {
	return fmt.Sprintf("%s(min=%d poll=%s age=%s)", t.Name, t.MinConfirmations, t.PollInterval, t.MaxAge)
}

const (
	// perCheckDelay paces per-transaction confirmation lookups so a
	// large pending set cannot hammer the node.
	perCheckDelay = 100 * time.Millisecond

	pendingBatchLimit = 500
)

// Monitor reconciles one tier. Start is idempotent; Stop waits for the
// loop to exit.
type Monitor struct {
	tier   Tier
	txs    store.TransactionRepository
	client ledger.Client
	alerts alert.Alerter
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	// unhealthy is only touched from the loop goroutine.
	unhealthy bool
}

func New(tier Tier, txs store.TransactionRepository, client ledger.Client, alerts alert.Alerter, logger *slog.Logger) *Monitor {
	return &Monitor{
		tier:   tier,
		txs:    txs,
		client: client,
		alerts: alerts,
		logger: logger.With("component", "monitor", "tier", tier.Name),
	}
}

func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.run(loopCtx)
	m.logger.Info("reconciliation started", "tier", m.tier.String())
}

// Stop cancels the loop and waits for it to drain. Stopping a monitor
// that never started is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	m.running = false
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("reconciliation stopped")
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.tier.PollInterval)
	defer ticker.Stop()

	for {
		m.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick processes one reconciliation pass. Errors are logged and the
// pass moves on; only cancellation ends a pass early.
func (m *Monitor) tick(ctx context.Context) {
	start := time.Now()
	metrics.MonitorTicksTotal.WithLabelValues(m.tier.Name).Inc()
	defer func() {
		metrics.MonitorTickLatency.WithLabelValues(m.tier.Name).Observe(time.Since(start).Seconds())
	}()

	pending, err := m.txs.ListPending(ctx, m.tier.MaxAge, pendingBatchLimit)
	if err != nil {
		metrics.MonitorErrors.WithLabelValues(m.tier.Name).Inc()
		m.logger.Error("list pending failed", "error", err)
		m.notifyUnhealthy(ctx, "pending query failed", map[string]string{"error": err.Error()})
		return
	}
	if len(pending) == 0 {
		m.notifyRecovered(ctx)
		return
	}

	m.logger.Debug("checking pending transactions", "count", len(pending))

	degradedCount := 0
	staleCount := 0
	for i, tx := range pending {
		if ctx.Err() != nil {
			return
		}
		if m.check(ctx, tx) {
			degradedCount++
		}
		if time.Since(tx.CreatedAt) > m.tier.MaxAge/2 {
			staleCount++
		}

		// Pace between checks, but never at the end of the batch.
		if i < len(pending)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(perCheckDelay):
			}
		}
	}

	if degradedCount == len(pending) {
		m.notifyUnhealthy(ctx, "every confirmation read degraded", map[string]string{
			"pending": fmt.Sprintf("%d", len(pending)),
		})
		return
	}
	m.notifyRecovered(ctx)

	if staleCount > 0 {
		m.notify(ctx, alert.Alert{
			Type:    alert.TypeStalePending,
			Tier:    m.tier.Name,
			Title:   "Pending transactions ageing out",
			Message: "transactions sitting unconfirmed past half the tier's age window",
			Fields: map[string]string{
				"stale":   fmt.Sprintf("%d", staleCount),
				"pending": fmt.Sprintf("%d", len(pending)),
				"max_age": m.tier.MaxAge.String(),
			},
		})
	}
}

// check reconciles one transaction and reports whether the
// confirmation read degraded.
func (m *Monitor) check(ctx context.Context, tx *model.Transaction) bool {
	confirmations, degraded := m.client.GetConfirmations(ctx, tx.Hash)
	if degraded {
		// Degraded reads count as zero; the next pass retries.
		return true
	}
	if confirmations < m.tier.MinConfirmations {
		return false
	}

	updated, err := m.txs.UpdateStatus(ctx, tx.Hash, model.TxStatusConfirmed)
	if err != nil {
		metrics.MonitorErrors.WithLabelValues(m.tier.Name).Inc()
		m.logger.Error("status update failed", "hash", tx.Hash, "error", err)
		return false
	}
	if updated {
		metrics.MonitorTransactionsConfirmed.WithLabelValues(m.tier.Name).Inc()
		m.logger.Info("transaction confirmed",
			"hash", tx.Hash,
			"confirmations", confirmations,
			"required", m.tier.MinConfirmations,
		)
	}
	return false
}

func (m *Monitor) notifyUnhealthy(ctx context.Context, reason string, fields map[string]string) {
	m.unhealthy = true
	m.notify(ctx, alert.Alert{
		Type:    alert.TypeUnhealthy,
		Tier:    m.tier.Name,
		Title:   "Reconciliation tier unhealthy",
		Message: reason,
		Fields:  fields,
	})
}

// notifyRecovered sends a recovery alert after the first clean sweep
// following an unhealthy one.
func (m *Monitor) notifyRecovered(ctx context.Context) {
	if !m.unhealthy {
		return
	}
	m.unhealthy = false
	m.notify(ctx, alert.Alert{
		Type:    alert.TypeRecovery,
		Tier:    m.tier.Name,
		Title:   "Reconciliation tier recovered",
		Message: "sweep completed without degraded reads",
	})
}

func (m *Monitor) notify(ctx context.Context, a alert.Alert) {
	if m.alerts == nil {
		return
	}
	if err := m.alerts.Send(ctx, a); err != nil {
		m.logger.Warn("alert delivery failed", "type", a.Type, "error", err)
	}
}
