// Package classifier resolves a raw ledger transaction into a
// custodied transaction record: asset, economic endpoints, ownership,
// direction, and confirmation state.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/kodax/koda-custody-engine/internal/domain/model"
	"github.com/kodax/koda-custody-engine/internal/ledger"
	"github.com/kodax/koda-custody-engine/internal/ledger/rpc"
	"github.com/kodax/koda-custody-engine/internal/metrics"
)

// DefaultMinConfirmations is the read-path confirmation policy; the
// reconciliation tiers carry their own thresholds.
const DefaultMinConfirmations = 12

// Directory is the ownership lookup the classifier needs.
type Directory interface {
	IsCustodied(ctx context.Context, address string) (bool, error)
}

// Result is the classified view of one raw transaction.
type Result struct {
	Transaction      *model.Transaction
	Transfers        []model.Transfer
	SourceOwned      bool
	DestinationOwned bool
	Confirmations    int64
	Confirmed        bool
}

// Owned reports whether either economic endpoint is custodied. Only
// owned results are worth persisting.
func (r *Result) Owned() bool {
	return r.SourceOwned || r.DestinationOwned
}

type Classifier struct {
	client           ledger.Client
	directory        Directory
	nativeSymbol     string
	minConfirmations int64
	logger           *slog.Logger
}

type Config struct {
	NativeSymbol     string
	MinConfirmations int64
}

func New(client ledger.Client, directory Directory, cfg Config, logger *slog.Logger) *Classifier {
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "ETH"
	}
	if cfg.MinConfirmations <= 0 {
		cfg.MinConfirmations = DefaultMinConfirmations
	}
	return &Classifier{
		client:           client,
		directory:        directory,
		nativeSymbol:     strings.ToUpper(cfg.NativeSymbol),
		minConfirmations: cfg.MinConfirmations,
		logger:           logger.With("component", "classifier"),
	}
}

// Classify resolves tx into a Result. Confirmation-fetch failures
// degrade to zero confirmations; directory failures propagate because
// ownership decides whether money moved through custody.
func (c *Classifier) Classify(ctx context.Context, tx *rpc.Transaction) (*Result, error) {
	if tx == nil {
		return nil, fmt.Errorf("nil transaction")
	}

	isToken := ledger.IsTokenTransaction(tx)

	var (
		asset     string
		transfers []model.Transfer
		err       error
	)
	if isToken {
		if tx.To == "" {
			asset = ledger.UnknownSymbol
		} else {
			asset = c.client.GetTokenSymbol(ctx, tx.To)
		}
		transfers, err = c.client.GetTransferEvents(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("transfer events for %s: %w", tx.Hash, err)
		}
	} else {
		asset = c.nativeSymbol
		if value, parseErr := rpc.ParseHexBig(tx.Value); parseErr == nil && value.Sign() > 0 {
			transfers = []model.Transfer{{
				Asset: model.AssetNative,
				From:  tx.From,
				To:    tx.To,
				Value: value,
			}}
		}
	}

	addressTo := tx.To
	destinationOwned := false
	if isToken {
		// The transaction-level "to" is the contract; the economic
		// destination is the first owned transfer recipient.
		for _, transfer := range transfers {
			owned, dirErr := c.directory.IsCustodied(ctx, transfer.To)
			if dirErr != nil {
				return nil, fmt.Errorf("destination ownership for %s: %w", tx.Hash, dirErr)
			}
			if owned {
				addressTo = transfer.To
				destinationOwned = true
				break
			}
		}
	} else if tx.To != "" {
		owned, dirErr := c.directory.IsCustodied(ctx, tx.To)
		if dirErr != nil {
			return nil, fmt.Errorf("destination ownership for %s: %w", tx.Hash, dirErr)
		}
		destinationOwned = owned
	}

	addressFrom := tx.From
	sourceOwned, err := c.directory.IsCustodied(ctx, tx.From)
	if err != nil {
		return nil, fmt.Errorf("source ownership for %s: %w", tx.Hash, err)
	}
	if !sourceOwned && isToken {
		for _, transfer := range transfers {
			owned, dirErr := c.directory.IsCustodied(ctx, transfer.From)
			if dirErr != nil {
				return nil, fmt.Errorf("source ownership for %s: %w", tx.Hash, dirErr)
			}
			if owned {
				addressFrom = transfer.From
				sourceOwned = true
				break
			}
		}
	}

	txType := decideType(sourceOwned, destinationOwned)
	value := c.selectValue(tx, transfers, isToken, sourceOwned, addressFrom, addressTo)

	var contractAddress *string
	if isToken && tx.To != "" {
		contract := tx.To
		contractAddress = &contract
	}

	confirmations, degraded := c.client.GetConfirmations(ctx, tx.Hash)
	if degraded {
		c.logger.Warn("confirmations degraded to zero", "hash", tx.Hash)
	}
	confirmed := confirmations >= c.minConfirmations

	// A transaction already past the threshold at classify time is
	// persisted confirmed; the tiers only ever move pending forward.
	status := model.TxStatusPending
	if confirmed {
		status = model.TxStatusConfirmed
	}

	record := &model.Transaction{
		Hash:            tx.Hash,
		Asset:           asset,
		AddressFrom:     addressFrom,
		AddressTo:       addressTo,
		Value:           value,
		IsToken:         isToken,
		Type:            txType,
		Status:          status,
		ContractAddress: contractAddress,
	}

	metrics.TransactionsClassified.WithLabelValues(string(txType), asset).Inc()

	return &Result{
		Transaction:      record,
		Transfers:        transfers,
		SourceOwned:      sourceOwned,
		DestinationOwned: destinationOwned,
		Confirmations:    confirmations,
		Confirmed:        confirmed,
	}, nil
}

// decideType maps the ownership pair to a direction. A transfer owned
// on both ends is recorded as a withdraw; see the repository design
// notes for the rationale.
func decideType(sourceOwned, destinationOwned bool) model.TxType {
	switch {
	case sourceOwned:
		return model.TxTypeWithdraw
	case destinationOwned:
		return model.TxTypeDeposit
	default:
		return model.TxTypeUnknown
	}
}

// selectValue picks the persisted amount: the owned-side transfer
// value on the token path, the transaction's own value on the native
// path.
func (c *Classifier) selectValue(tx *rpc.Transaction, transfers []model.Transfer, isToken, sourceOwned bool, addressFrom, addressTo string) *big.Int {
	if !isToken {
		value, err := rpc.ParseHexBig(tx.Value)
		if err != nil {
			c.logger.Warn("unparseable native value, recording zero", "hash", tx.Hash, "value", tx.Value)
			return big.NewInt(0)
		}
		return value
	}

	if sourceOwned {
		for _, transfer := range transfers {
			if transfer.Asset == model.AssetToken && strings.EqualFold(transfer.From, addressFrom) {
				return transfer.Value
			}
		}
	}
	for _, transfer := range transfers {
		if transfer.Asset == model.AssetToken && strings.EqualFold(transfer.To, addressTo) {
			return transfer.Value
		}
	}
	return big.NewInt(0)
}
