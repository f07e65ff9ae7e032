package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/kodax/koda-custody-engine/internal/custody"
	"github.com/kodax/koda-custody-engine/internal/domain/model"
	"github.com/kodax/koda-custody-engine/internal/store"
)

// Provisioner creates custodied wallets: a fresh secp256k1 key per
// wallet, the key stored in custody, the address recorded in the
// directory. The key is written before the row so a crash never leaves
// a wallet the engine cannot sign for.
type Provisioner struct {
	wallets store.WalletRepository
	keys    custody.KeyStore
	logger  *slog.Logger
}

func NewProvisioner(wallets store.WalletRepository, keys custody.KeyStore, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		wallets: wallets,
		keys:    keys,
		logger:  logger.With("component", "wallet_provisioner"),
	}
}

// CreateWallets provisions n wallets and returns their addresses in
// creation order. On failure the wallets created so far stay valid and
// the error reports how far provisioning got.
func (p *Provisioner) CreateWallets(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("wallet count must be positive, got %d", n)
	}

	addresses := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return addresses, fmt.Errorf("provisioning cancelled after %d wallets: %w", len(addresses), err)
		}

		address, err := p.createWallet(ctx)
		if err != nil {
			return addresses, fmt.Errorf("create wallet %d of %d: %w", i+1, n, err)
		}
		addresses = append(addresses, address)
	}

	p.logger.Info("provisioned wallets", "count", len(addresses))
	return addresses, nil
}

func (p *Provisioner) createWallet(ctx context.Context) (string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}

	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	privateKeyHex := hex.EncodeToString(crypto.FromECDSA(key))

	if err := p.keys.StoreKey(ctx, model.KeyID(address), privateKeyHex); err != nil {
		return "", fmt.Errorf("store key for %s: %w", address, err)
	}

	if err := p.wallets.Insert(ctx, &model.Wallet{Address: address}); err != nil {
		return "", fmt.Errorf("record wallet %s: %w", address, err)
	}

	p.logger.Info("created wallet", "address", address)
	return address, nil
}
