package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine-wide counters and histograms. Everything is registered on the
// default registry and served from /metrics in cmd/custodyd.

var (
	// Classification / persistence read path
	TransactionsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "classifier",
		Name:      "transactions_classified_total",
		Help:      "Transactions classified by resulting type",
	}, []string{"type", "asset"})

	TransactionsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "store",
		Name:      "transactions_persisted_total",
		Help:      "Transaction rows inserted (duplicates excluded)",
	}, []string{"type"})

	TransactionsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "store",
		Name:      "transactions_duplicate_total",
		Help:      "Persistence attempts skipped because the hash already existed",
	})

	// Ledger RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "ledger",
		Name:      "rpc_calls_total",
		Help:      "Ledger RPC calls by method and outcome",
	}, []string{"method", "status"})

	RPCRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "ledger",
		Name:      "rpc_rate_limit_waits_total",
		Help:      "RPC calls delayed by the client-side rate limiter",
	})

	ConfirmationFetchDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "ledger",
		Name:      "confirmation_fetch_degraded_total",
		Help:      "Confirmation lookups that degraded to zero on failure",
	})

	// Reconciliation tiers
	MonitorTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "monitor",
		Name:      "ticks_total",
		Help:      "Reconciliation loop iterations per tier",
	}, []string{"tier"})

	MonitorTransactionsConfirmed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "monitor",
		Name:      "transactions_confirmed_total",
		Help:      "Pending transactions advanced to confirmed per tier",
	}, []string{"tier"})

	MonitorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "monitor",
		Name:      "errors_total",
		Help:      "Non-fatal errors inside the reconciliation loop",
	}, []string{"tier"})

	MonitorTickLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "custody",
		Subsystem: "monitor",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one pending-set sweep",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"tier"})

	// Origination
	TransactionsOriginated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "originator",
		Name:      "transactions_originated_total",
		Help:      "Origination attempts by asset and outcome",
	}, []string{"asset", "status"})

	OriginationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "custody",
		Subsystem: "originator",
		Name:      "duration_seconds",
		Help:      "End-to-end origination duration (build, sign, broadcast, record)",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// Key custody
	KeyCustodyOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "keystore",
		Name:      "operations_total",
		Help:      "Key custody operations by kind and outcome",
	}, []string{"operation", "status"})

	// Wallet ownership index
	WalletIndexBloomRejects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "wallet_index",
		Name:      "bloom_rejects_total",
		Help:      "Ownership lookups answered negatively by the bloom tier",
	})

	WalletIndexCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "wallet_index",
		Name:      "cache_hits_total",
		Help:      "Ownership lookups served from the LRU tier",
	})

	WalletIndexCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "wallet_index",
		Name:      "cache_misses_total",
		Help:      "Ownership lookups that missed the LRU tier",
	})

	WalletIndexDBLookups = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "wallet_index",
		Name:      "db_lookups_total",
		Help:      "Ownership lookups that fell through to the database",
	})

	// Alerting
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alerts delivered by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by the cooldown window",
	}, []string{"channel", "type"})
)
