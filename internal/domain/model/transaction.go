package model

import (
	"math/big"
	"time"
)

// TxType classifies a transaction from the custody perspective.
type TxType string

const (
	TxTypeDeposit  TxType = "deposit"
	TxTypeWithdraw TxType = "withdraw"
	TxTypeUnknown  TxType = "unknown"
)

// TxStatus is the confirmation lifecycle state of a stored transaction.
// The only transition is pending -> confirmed.
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
)

// Transaction is a custodied transaction row, keyed by hash.
// A row is inserted at most once per hash; only Status and UpdatedAt
// mutate afterwards.
type Transaction struct {
	Hash            string     `db:"hash"`
	Asset           string     `db:"asset"`
	AddressFrom     string     `db:"address_from"`
	AddressTo       string     `db:"address_to"`
	Value           *big.Int   `db:"value"`
	IsToken         bool       `db:"is_token"`
	Type            TxType     `db:"type"`
	Status          TxStatus   `db:"status"`
	EffectiveFee    *big.Int   `db:"effective_fee"`
	ContractAddress *string    `db:"contract_address"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	DeletedAt       *time.Time `db:"deleted_at"`
}
