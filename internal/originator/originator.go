// Package originator builds, funds-checks, signs, and broadcasts
// withdrawals from custodied wallets, then records them for the
// reconciliation loops to confirm.
package originator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/kodax/koda-custody-engine/internal/custody"
	"github.com/kodax/koda-custody-engine/internal/domain/model"
	"github.com/kodax/koda-custody-engine/internal/ledger"
	"github.com/kodax/koda-custody-engine/internal/ledger/rpc"
	"github.com/kodax/koda-custody-engine/internal/metrics"
	"github.com/kodax/koda-custody-engine/internal/store"
	"github.com/kodax/koda-custody-engine/internal/wei"
)

var (
	// ErrInvalidRequest marks a request missing or malforming a
	// required field.
	ErrInvalidRequest = errors.New("invalid origination request")

	// ErrInsufficientBalance means the wallet cannot cover value plus
	// the worst-case fee.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

const (
	// nativeTransferGas is the fixed cost of a plain value transfer.
	nativeTransferGas = uint64(21000)

	// fallbackPriorityFeeWei is used when the node does not expose
	// eth_maxPriorityFeePerGas. 2 gwei.
	fallbackPriorityFeeWei = 2_000_000_000

	// transferSelector is the 4-byte selector of transfer(address,uint256).
	transferSelector = "a9059cbb"
)

// Request describes a withdrawal to originate. Value is a decimal
// string in the asset's human unit.
type Request struct {
	From            string
	To              string
	Asset           string
	Value           string
	ContractAddress string
}

// Originator is the custodial write path.
type Originator struct {
	client       ledger.Client
	keys         custody.KeyStore
	txs          store.TransactionRepository
	nativeSymbol string
	logger       *slog.Logger
}

func New(client ledger.Client, keys custody.KeyStore, txs store.TransactionRepository, nativeSymbol string, logger *slog.Logger) *Originator {
	if nativeSymbol == "" {
		nativeSymbol = "ETH"
	}
	return &Originator{
		client:       client,
		keys:         keys,
		txs:          txs,
		nativeSymbol: strings.ToUpper(nativeSymbol),
		logger:       logger.With("component", "originator"),
	}
}

// Originate validates, builds, signs, and broadcasts req, then records
// the pending withdrawal. It returns the broadcast hash. No partial
// broadcast happens: every precondition is checked before the key is
// ever touched.
func (o *Originator) Originate(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	correlationID := uuid.NewString()
	logger := o.logger.With("correlation_id", correlationID, "from", req.From, "asset", req.Asset)

	hash, err := o.originate(ctx, req, logger)

	asset := strings.ToUpper(req.Asset)
	if err != nil {
		metrics.TransactionsOriginated.WithLabelValues(asset, "error").Inc()
		return "", err
	}
	metrics.TransactionsOriginated.WithLabelValues(asset, "ok").Inc()
	metrics.OriginationLatency.Observe(time.Since(start).Seconds())

	logger.Info("transaction originated", "hash", hash, "elapsed", time.Since(start).String())
	return hash, nil
}

func (o *Originator) originate(ctx context.Context, req Request, logger *slog.Logger) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}
	isNative := strings.EqualFold(req.Asset, o.nativeSymbol)
	if !isNative && req.ContractAddress == "" {
		return "", fmt.Errorf("%w: contract address required for token asset %s", ErrInvalidRequest, req.Asset)
	}

	value, err := wei.ToWei(req.Value)
	if err != nil {
		return "", err
	}

	nonce, err := o.client.GetNonce(ctx, req.From)
	if err != nil {
		return "", err
	}
	chainID, err := o.client.GetChainID(ctx)
	if err != nil {
		return "", err
	}
	balance, err := o.client.GetBalance(ctx, req.From)
	if err != nil {
		return "", err
	}
	if balance.Sign() == 0 {
		return "", fmt.Errorf("%w: %s holds no native balance to pay fees", ErrInsufficientBalance, req.From)
	}

	maxFeePerGas, priorityFee, err := o.feeCeiling(ctx)
	if err != nil {
		return "", err
	}

	var (
		gasLimit uint64
		txTo     string
		txValue  *big.Int
		calldata []byte
	)
	if isNative {
		gasLimit = nativeTransferGas
		txTo = req.To
		txValue = value

		// value + gas * maxFee must fit in the balance.
		cost := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), maxFeePerGas)
		cost.Add(cost, value)
		if balance.Cmp(cost) < 0 {
			return "", fmt.Errorf("%w: need %s wei, have %s", ErrInsufficientBalance, cost, balance)
		}
	} else {
		calldata = packTransfer(req.To, value)
		txTo = req.ContractAddress
		txValue = big.NewInt(0)

		gasLimit, err = o.client.EstimateGas(ctx, rpc.CallMsg{
			From: req.From,
			To:   req.ContractAddress,
			Data: "0x" + common.Bytes2Hex(calldata),
		})
		if err != nil {
			return "", err
		}

		feeCost := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), maxFeePerGas)
		if balance.Cmp(feeCost) < 0 {
			return "", fmt.Errorf("%w: need %s wei for fees, have %s", ErrInsufficientBalance, feeCost, balance)
		}
	}

	key, err := o.keys.GetKey(ctx, model.KeyID(req.From))
	if err != nil {
		return "", err
	}

	signedHex, err := signTransaction(key, chainID, &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: priorityFee,
		GasFeeCap: maxFeePerGas,
		Gas:       gasLimit,
		To:        addressPtr(txTo),
		Value:     txValue,
		Data:      calldata,
	})
	if err != nil {
		return "", err
	}

	hash, err := o.client.SendRawTransaction(ctx, signedHex)
	if err != nil {
		return "", err
	}

	effectiveFee := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), maxFeePerGas)
	record := &model.Transaction{
		Hash:         hash,
		Asset:        strings.ToUpper(req.Asset),
		AddressFrom:  req.From,
		AddressTo:    req.To,
		Value:        value,
		IsToken:      !isNative,
		Type:         model.TxTypeWithdraw,
		Status:       model.TxStatusPending,
		EffectiveFee: effectiveFee,
	}
	if !isNative {
		contract := req.ContractAddress
		record.ContractAddress = &contract
	}

	inserted, err := o.txs.InsertIfAbsent(ctx, record)
	if err != nil {
		// The broadcast already happened; surface the hash so the
		// caller is not left believing nothing was sent.
		logger.Error("broadcast succeeded but recording failed", "hash", hash, "error", err)
		return hash, fmt.Errorf("record originated transaction %s: %w", hash, err)
	}
	if inserted {
		metrics.TransactionsPersisted.WithLabelValues(string(model.TxTypeWithdraw)).Inc()
	}
	return hash, nil
}

func validate(req Request) error {
	missing := make([]string, 0, 4)
	if strings.TrimSpace(req.From) == "" {
		missing = append(missing, "from")
	}
	if strings.TrimSpace(req.To) == "" {
		missing = append(missing, "to")
	}
	if strings.TrimSpace(req.Asset) == "" {
		missing = append(missing, "asset")
	}
	if strings.TrimSpace(req.Value) == "" {
		missing = append(missing, "value")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// feeCeiling computes maxFeePerGas = gasPrice * 1.2 + priorityFee,
// with a fixed priority-fee fallback when the node does not expose
// one.
func (o *Originator) feeCeiling(ctx context.Context) (maxFee, priority *big.Int, err error) {
	gasPrice, err := o.client.GetGasPrice(ctx)
	if err != nil {
		return nil, nil, err
	}

	priority, priorityErr := o.client.GetMaxPriorityFee(ctx)
	if priorityErr != nil || priority == nil || priority.Sign() <= 0 {
		priority = big.NewInt(fallbackPriorityFeeWei)
	}

	// gasPrice * 1.2 in integer arithmetic.
	maxFee = new(big.Int).Mul(gasPrice, big.NewInt(12))
	maxFee.Div(maxFee, big.NewInt(10))
	maxFee.Add(maxFee, priority)
	return maxFee, priority, nil
}

// packTransfer ABI-encodes transfer(to, value).
func packTransfer(to string, value *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, common.Hex2Bytes(transferSelector)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(to).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(value.Bytes(), 32)...)
	return data
}

func signTransaction(privateKeyHex string, chainID *big.Int, txData *types.DynamicFeeTx) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("parse signing key: %w", err)
	}

	signed, err := types.SignTx(types.NewTx(txData), types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encode signed transaction: %w", err)
	}
	return "0x" + common.Bytes2Hex(raw), nil
}

func addressPtr(addr string) *common.Address {
	a := common.HexToAddress(addr)
	return &a
}
