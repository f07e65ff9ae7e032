package model

import "math/big"

// Asset distinguishes the ledger's native unit from token transfers.
type Asset string

const (
	AssetNative Asset = "native"
	AssetToken  Asset = "token"
)

// Transfer is a single value movement decoded from a raw transaction:
// the native transfer (when the transaction value is positive) or one
// decoded token-transfer event from the receipt logs. Transfers are
// transient; they are never persisted as their own entity.
type Transfer struct {
	Asset Asset
	From  string
	To    string
	Value *big.Int
}
