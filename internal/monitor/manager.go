package monitor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kodax/koda-custody-engine/internal/alert"
	"github.com/kodax/koda-custody-engine/internal/ledger"
	"github.com/kodax/koda-custody-engine/internal/store"
)

// Manager owns the full set of tier monitors and starts and stops
// them as a unit.
type Manager struct {
	monitors []*Monitor
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
}

func NewManager(tiers []Tier, txs store.TransactionRepository, client ledger.Client, alerts alert.Alerter, logger *slog.Logger) *Manager {
	monitors := make([]*Monitor, 0, len(tiers))
	for _, tier := range tiers {
		monitors = append(monitors, New(tier, txs, client, alerts, logger))
	}
	return &Manager{
		monitors: monitors,
		logger:   logger.With("component", "monitor_manager"),
	}
}

// StartAll launches every tier. Calling it again while running is a
// no-op.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	for _, monitor := range m.monitors {
		monitor.Start(ctx)
	}
	m.logger.Info("all reconciliation tiers started", "tiers", len(m.monitors))
}

// StopAll stops every tier and waits for their loops to drain. Safe to
// call without a prior StartAll and safe to call twice.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	for _, monitor := range m.monitors {
		monitor.Stop()
	}
	m.logger.Info("all reconciliation tiers stopped")
}

// Health reports the total and currently-running tier counts.
func (m *Manager) Health() (total, running int) {
	total = len(m.monitors)
	for _, monitor := range m.monitors {
		if monitor.Running() {
			running++
		}
	}
	return total, running
}
