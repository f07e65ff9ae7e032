package model

import (
	"strings"
	"time"
)

// Wallet is a custodied address. The private key lives in the key
// custody service under KeyID(address); the row itself carries no key
// material.
type Wallet struct {
	Address   string     `db:"address"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at"`
}

// KeyID derives the deterministic key-custody identifier for a wallet
// address. Addresses are case-folded so the same wallet always maps to
// the same secret regardless of checksum casing.
func KeyID(address string) string {
	return "wallet_" + strings.ToLower(strings.TrimSpace(address))
}
