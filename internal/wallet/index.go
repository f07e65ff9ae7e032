package wallet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kodax/koda-custody-engine/internal/cache"
	"github.com/kodax/koda-custody-engine/internal/metrics"
	"github.com/kodax/koda-custody-engine/internal/store"
)

// IndexConfig sizes the tiered ownership index.
type IndexConfig struct {
	BloomExpectedItems int
	BloomFPR           float64
	CacheCapacity      int
	CacheTTL           time.Duration
}

// OwnershipIndex answers IsCustodied through three tiers:
//
//	tier 1: bloom filter — definite negative, only once warmed
//	tier 2: LRU cache — positive and negative hits with a TTL
//	tier 3: database — authoritative, result cached
//
// The classifier probes ownership for every transfer endpoint it sees,
// almost all of which are external addresses; the cheap tiers keep
// that traffic off the database.
type OwnershipIndex struct {
	bloom   *bloomFilter
	lru     *cache.LRU[string, bool]
	wallets store.WalletRepository

	mu     sync.RWMutex
	warmed bool
}

func NewOwnershipIndex(wallets store.WalletRepository, cfg IndexConfig) *OwnershipIndex {
	if cfg.BloomExpectedItems <= 0 {
		cfg.BloomExpectedItems = 1_000_000
	}
	if cfg.BloomFPR <= 0 {
		cfg.BloomFPR = 0.001
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 100_000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}

	return &OwnershipIndex{
		bloom:   newBloomFilter(cfg.BloomExpectedItems, cfg.BloomFPR),
		lru:     cache.NewLRU[string, bool](cfg.CacheCapacity, cfg.CacheTTL),
		wallets: wallets,
	}
}

// IsCustodied resolves ownership through the tiers. Database errors
// propagate; the bloom tier is consulted only after Warm has seeded it.
func (ix *OwnershipIndex) IsCustodied(ctx context.Context, address string) (bool, error) {
	key := strings.ToLower(strings.TrimSpace(address))

	ix.mu.RLock()
	warmed := ix.warmed
	ix.mu.RUnlock()
	if warmed && !ix.bloom.MayContain(key) {
		metrics.WalletIndexBloomRejects.Inc()
		return false, nil
	}

	if owned, ok := ix.lru.Get(key); ok {
		metrics.WalletIndexCacheHits.Inc()
		return owned, nil
	}
	metrics.WalletIndexCacheMisses.Inc()

	metrics.WalletIndexDBLookups.Inc()
	owned, err := ix.wallets.ExistsByAddress(ctx, address)
	if err != nil {
		return false, err
	}

	// Negative results are cached too; the TTL bounds how long a
	// bloom false positive keeps hitting the database.
	ix.lru.Put(key, owned)
	return owned, nil
}

// Warm rebuilds the bloom filter and seeds the cache from the wallet
// table. Called at startup and safe to call again later.
func (ix *OwnershipIndex) Warm(ctx context.Context) error {
	const pageSize = 1000

	ix.bloom.Reset()
	total := 0
	for offset := 0; ; offset += pageSize {
		page, err := ix.wallets.List(ctx, pageSize, offset)
		if err != nil {
			return fmt.Errorf("warm ownership index: %w", err)
		}
		for _, w := range page {
			key := strings.ToLower(w.Address)
			ix.bloom.Add(key)
			ix.lru.Put(key, true)
		}
		total += len(page)
		if len(page) < pageSize {
			break
		}
	}

	ix.mu.Lock()
	ix.warmed = true
	ix.mu.Unlock()
	return nil
}

// Note registers a freshly provisioned wallet so lookups see it
// without waiting for the next Warm.
func (ix *OwnershipIndex) Note(address string) {
	key := strings.ToLower(strings.TrimSpace(address))
	ix.bloom.Add(key)
	ix.lru.Put(key, true)
}
