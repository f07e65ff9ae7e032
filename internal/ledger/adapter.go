// Package ledger adapts a remote EVM-style node to the engine's needs:
// transaction lookup, confirmation counting, transfer-event decoding,
// token metadata, and the account/fee/broadcast calls used by
// origination.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/kodax/koda-custody-engine/internal/cache"
	"github.com/kodax/koda-custody-engine/internal/circuitbreaker"
	"github.com/kodax/koda-custody-engine/internal/domain/model"
	"github.com/kodax/koda-custody-engine/internal/ledger/ratelimit"
	"github.com/kodax/koda-custody-engine/internal/ledger/rpc"
	"github.com/kodax/koda-custody-engine/internal/metrics"
)

// ErrUnavailable wraps transport-level failures talking to the node.
var ErrUnavailable = errors.New("ledger unavailable")

const (
	// transferEventTopic is keccak256("Transfer(address,address,uint256)").
	transferEventTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

	// symbolSelector is the 4-byte selector of the ERC20 symbol() accessor.
	symbolSelector = "0x95d89b41"

	// UnknownSymbol is the sentinel asset symbol when resolution fails.
	UnknownSymbol = "UNKNOWN"

	symbolCacheSize = 512
	symbolCacheTTL  = time.Hour
)

//go:generate mockgen -source=adapter.go -destination=mocks/mock_client.go -package=mocks

// Client is the engine's view of the ledger node.
type Client interface {
	// GetTransaction returns nil, nil when the ledger has no such hash.
	GetTransaction(ctx context.Context, hash string) (*rpc.Transaction, error)

	// GetConfirmations returns the confirmation count for hash and a
	// degraded flag. Unmined transactions and any lookup failure yield
	// (0, true); the caller decides whether degraded matters.
	GetConfirmations(ctx context.Context, hash string) (int64, bool)

	// GetTransferEvents decodes the value movements of an already-fetched
	// transaction: the native transfer when value > 0 plus every
	// well-formed token Transfer log in its receipt. Receipt failures
	// degrade to the native-only view.
	GetTransferEvents(ctx context.Context, tx *rpc.Transaction) ([]model.Transfer, error)

	// GetTokenSymbol resolves the upper-cased symbol of a token contract,
	// or UnknownSymbol when the contract does not answer.
	GetTokenSymbol(ctx context.Context, contractAddress string) string

	GetBalance(ctx context.Context, address string) (*big.Int, error)
	GetNonce(ctx context.Context, address string) (uint64, error)
	GetGasPrice(ctx context.Context) (*big.Int, error)
	GetMaxPriorityFee(ctx context.Context) (*big.Int, error)
	GetChainID(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg rpc.CallMsg) (uint64, error)
	SendRawTransaction(ctx context.Context, signedHex string) (string, error)
}

// IsTokenTransaction reports whether tx carries call data beyond the
// empty sentinel, which marks it as a contract interaction.
func IsTokenTransaction(tx *rpc.Transaction) bool {
	return tx != nil && tx.Input != "" && tx.Input != "0x" && len(tx.Input) > 2
}

// Adapter implements Client on top of the JSON-RPC client, with a
// client-side rate limiter, a circuit breaker, and a token-symbol cache.
type Adapter struct {
	client      rpc.NodeClient
	limiter     *ratelimit.Limiter
	breaker     *circuitbreaker.Breaker
	symbolCache *cache.LRU[string, string]
	logger      *slog.Logger
}

var (
	_ Client         = (*Adapter)(nil)
	_ rpc.NodeClient = (*rpc.Client)(nil)
)

type AdapterConfig struct {
	RPCURL  string
	RPS     float64
	Burst   int
	Breaker circuitbreaker.Config
}

func NewAdapter(cfg AdapterConfig, logger *slog.Logger) *Adapter {
	if cfg.RPS <= 0 {
		cfg.RPS = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	return &Adapter{
		client:      rpc.NewClient(cfg.RPCURL, logger),
		limiter:     ratelimit.NewLimiter(cfg.RPS, cfg.Burst),
		breaker:     circuitbreaker.New(cfg.Breaker),
		symbolCache: cache.NewLRU[string, string](symbolCacheSize, symbolCacheTTL),
		logger:      logger.With("component", "ledger"),
	}
}

// guard applies the rate limiter and circuit breaker around one RPC
// call and records the call metric.
func (a *Adapter) guard(ctx context.Context, method string, fn func() error) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	err := a.breaker.Do(fn)
	ratelimit.RecordRPCCall(method, err)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	return nil
}

func (a *Adapter) GetTransaction(ctx context.Context, hash string) (*rpc.Transaction, error) {
	var tx *rpc.Transaction
	err := a.guard(ctx, "eth_getTransactionByHash", func() error {
		var callErr error
		tx, callErr = a.client.GetTransactionByHash(ctx, hash)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (a *Adapter) GetConfirmations(ctx context.Context, hash string) (int64, bool) {
	var tx *rpc.Transaction
	err := a.guard(ctx, "eth_getTransactionByHash", func() error {
		var callErr error
		tx, callErr = a.client.GetTransactionByHash(ctx, hash)
		return callErr
	})
	if err != nil || tx == nil {
		a.degradedConfirmations(hash, err)
		return 0, true
	}
	if tx.BlockNumber == "" {
		// Known to the node but not yet mined.
		return 0, false
	}

	txBlock, parseErr := rpc.ParseHexInt64(tx.BlockNumber)
	if parseErr != nil {
		a.degradedConfirmations(hash, parseErr)
		return 0, true
	}

	var head int64
	err = a.guard(ctx, "eth_blockNumber", func() error {
		var callErr error
		head, callErr = a.client.GetBlockNumber(ctx)
		return callErr
	})
	if err != nil {
		a.degradedConfirmations(hash, err)
		return 0, true
	}

	confirmations := head - txBlock + 1
	if confirmations < 0 {
		confirmations = 0
	}
	return confirmations, false
}

func (a *Adapter) degradedConfirmations(hash string, err error) {
	metrics.ConfirmationFetchDegraded.Inc()
	a.logger.Warn("confirmation lookup degraded to zero", "hash", hash, "error", err)
}

func (a *Adapter) GetTransferEvents(ctx context.Context, tx *rpc.Transaction) ([]model.Transfer, error) {
	if tx == nil {
		return nil, fmt.Errorf("nil transaction")
	}

	transfers := make([]model.Transfer, 0, 1)

	if value, err := rpc.ParseHexBig(tx.Value); err == nil && value.Sign() > 0 {
		transfers = append(transfers, model.Transfer{
			Asset: model.AssetNative,
			From:  tx.From,
			To:    tx.To,
			Value: value,
		})
	}

	var receipt *rpc.TransactionReceipt
	err := a.guard(ctx, "eth_getTransactionReceipt", func() error {
		var callErr error
		receipt, callErr = a.client.GetTransactionReceipt(ctx, tx.Hash)
		return callErr
	})
	if err != nil || receipt == nil {
		// No receipt is not fatal: the native view already stands.
		a.logger.Warn("receipt unavailable, skipping token transfers", "hash", tx.Hash, "error", err)
		return transfers, nil
	}

	for _, log := range receipt.Logs {
		transfer, ok := decodeTransferLog(log)
		if !ok {
			continue
		}
		transfers = append(transfers, transfer)
	}
	return transfers, nil
}

// decodeTransferLog decodes one receipt log into a token transfer.
// Logs that are not Transfer events, have fewer than three topics, or
// carry undecodable data are skipped.
func decodeTransferLog(log *rpc.Log) (model.Transfer, bool) {
	if log == nil || len(log.Topics) < 3 {
		return model.Transfer{}, false
	}
	if !strings.EqualFold(log.Topics[0], transferEventTopic) {
		return model.Transfer{}, false
	}

	from, ok := addressFromTopic(log.Topics[1])
	if !ok {
		return model.Transfer{}, false
	}
	to, ok := addressFromTopic(log.Topics[2])
	if !ok {
		return model.Transfer{}, false
	}

	data := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(log.Data)), "0x")
	value := new(big.Int)
	if data != "" {
		parsed, ok := value.SetString(data, 16)
		if !ok {
			return model.Transfer{}, false
		}
		value = parsed
	}

	return model.Transfer{
		Asset: model.AssetToken,
		From:  from,
		To:    to,
		Value: value,
	}, true
}

// addressFromTopic extracts the low-order 20 bytes of a 32-byte topic.
func addressFromTopic(topic string) (string, bool) {
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(topic)), "0x")
	if len(raw) < 40 {
		return "", false
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", false
	}
	return "0x" + raw[len(raw)-40:], true
}

func (a *Adapter) GetTokenSymbol(ctx context.Context, contractAddress string) string {
	key := strings.ToLower(contractAddress)
	if symbol, ok := a.symbolCache.Get(key); ok {
		return symbol
	}

	var result string
	err := a.guard(ctx, "eth_call", func() error {
		var callErr error
		result, callErr = a.client.Call(ctx, rpc.CallMsg{To: contractAddress, Data: symbolSelector})
		return callErr
	})
	if err != nil {
		a.logger.Warn("token symbol lookup failed", "contract", contractAddress, "error", err)
		return UnknownSymbol
	}

	symbol, decodeErr := decodeABIString(result)
	if decodeErr != nil || symbol == "" {
		a.logger.Warn("token symbol undecodable", "contract", contractAddress, "error", decodeErr)
		return UnknownSymbol
	}

	symbol = strings.ToUpper(symbol)
	a.symbolCache.Put(key, symbol)
	return symbol
}

// decodeABIString decodes the ABI encoding of a single dynamic string
// return value: 32-byte offset, 32-byte length, then the bytes.
func decodeABIString(result string) (string, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(result), "0x")
	data, err := hex.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("decode hex: %w", err)
	}
	if len(data) < 64 {
		return "", fmt.Errorf("result too short: %d bytes", len(data))
	}

	// Bound offset and length against len(data) before any addition; a
	// near-MaxInt64 word from a broken node must not overflow the check.
	offset := new(big.Int).SetBytes(data[:32])
	if !offset.IsInt64() || offset.Int64() > int64(len(data))-32 {
		return "", fmt.Errorf("offset out of range")
	}
	start := offset.Int64()

	length := new(big.Int).SetBytes(data[start : start+32])
	if !length.IsInt64() || length.Int64() > int64(len(data))-start-32 {
		return "", fmt.Errorf("length out of range")
	}

	return string(data[start+32 : start+32+length.Int64()]), nil
}

func (a *Adapter) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	var balance *big.Int
	err := a.guard(ctx, "eth_getBalance", func() error {
		var callErr error
		balance, callErr = a.client.GetBalance(ctx, address)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

func (a *Adapter) GetNonce(ctx context.Context, address string) (uint64, error) {
	var nonce uint64
	err := a.guard(ctx, "eth_getTransactionCount", func() error {
		var callErr error
		nonce, callErr = a.client.GetTransactionCount(ctx, address)
		return callErr
	})
	return nonce, err
}

func (a *Adapter) GetGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := a.guard(ctx, "eth_gasPrice", func() error {
		var callErr error
		price, callErr = a.client.GetGasPrice(ctx)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return price, nil
}

func (a *Adapter) GetMaxPriorityFee(ctx context.Context) (*big.Int, error) {
	var fee *big.Int
	err := a.guard(ctx, "eth_maxPriorityFeePerGas", func() error {
		var callErr error
		fee, callErr = a.client.GetMaxPriorityFee(ctx)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return fee, nil
}

func (a *Adapter) GetChainID(ctx context.Context) (*big.Int, error) {
	var chainID *big.Int
	err := a.guard(ctx, "eth_chainId", func() error {
		var callErr error
		chainID, callErr = a.client.GetChainID(ctx)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return chainID, nil
}

func (a *Adapter) EstimateGas(ctx context.Context, msg rpc.CallMsg) (uint64, error) {
	var gas uint64
	err := a.guard(ctx, "eth_estimateGas", func() error {
		var callErr error
		gas, callErr = a.client.EstimateGas(ctx, msg)
		return callErr
	})
	return gas, err
}

func (a *Adapter) SendRawTransaction(ctx context.Context, signedHex string) (string, error) {
	var hash string
	err := a.guard(ctx, "eth_sendRawTransaction", func() error {
		var callErr error
		hash, callErr = a.client.SendRawTransaction(ctx, signedHex)
		return callErr
	})
	if err != nil {
		return "", err
	}
	return hash, nil
}
