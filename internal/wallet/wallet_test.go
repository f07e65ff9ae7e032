package wallet

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	custodymocks "github.com/kodax/koda-custody-engine/internal/custody/mocks"
	"github.com/kodax/koda-custody-engine/internal/domain/model"
	storemocks "github.com/kodax/koda-custody-engine/internal/store/mocks"
)

func TestDirectory_IsCustodied(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := storemocks.NewMockWalletRepository(ctrl)
	dir := NewDirectory(repo, slog.Default())

	repo.EXPECT().ExistsByAddress(gomock.Any(), "0xAbC").Return(true, nil)

	owned, err := dir.IsCustodied(context.Background(), "0xAbC")

	require.NoError(t, err)
	assert.True(t, owned)
}

func TestDirectory_IsCustodied_RepoError(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := storemocks.NewMockWalletRepository(ctrl)
	dir := NewDirectory(repo, slog.Default())

	repo.EXPECT().ExistsByAddress(gomock.Any(), gomock.Any()).Return(false, errors.New("db down"))

	_, err := dir.IsCustodied(context.Background(), "0xabc")

	assert.Error(t, err)
}

func TestDirectory_ListWallets(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := storemocks.NewMockWalletRepository(ctrl)
	dir := NewDirectory(repo, slog.Default())

	repo.EXPECT().List(gomock.Any(), 10, 0).Return([]*model.Wallet{
		{Address: "0xaaa"},
		{Address: "0xbbb"},
	}, nil)

	wallets, err := dir.ListWallets(context.Background(), 10, 0)

	require.NoError(t, err)
	require.Len(t, wallets, 2)
	assert.Equal(t, "0xaaa", wallets[0].Address)
}

func TestProvisioner_CreateWallets(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := storemocks.NewMockWalletRepository(ctrl)
	keys := custodymocks.NewMockKeyStore(ctrl)
	prov := NewProvisioner(repo, keys, slog.Default())

	var storedKeyIDs []string
	keys.EXPECT().
		StoreKey(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, keyID, privateKeyHex string) error {
			assert.True(t, strings.HasPrefix(keyID, "wallet_0x"))
			assert.Len(t, privateKeyHex, 64)
			storedKeyIDs = append(storedKeyIDs, keyID)
			return nil
		}).
		Times(3)

	var insertedAddrs []string
	repo.EXPECT().
		Insert(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, w *model.Wallet) error {
			insertedAddrs = append(insertedAddrs, w.Address)
			return nil
		}).
		Times(3)

	addresses, err := prov.CreateWallets(context.Background(), 3)

	require.NoError(t, err)
	require.Len(t, addresses, 3)
	assert.Equal(t, insertedAddrs, addresses)

	// Every stored key id matches its wallet address.
	for i, addr := range addresses {
		assert.Equal(t, model.KeyID(addr), storedKeyIDs[i])
	}
}

func TestProvisioner_CreateWallets_InvalidCount(t *testing.T) {
	ctrl := gomock.NewController(t)
	prov := NewProvisioner(storemocks.NewMockWalletRepository(ctrl), custodymocks.NewMockKeyStore(ctrl), slog.Default())

	_, err := prov.CreateWallets(context.Background(), 0)

	assert.Error(t, err)
}

func TestProvisioner_CreateWallets_KeyStoreFailureStopsEarly(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := storemocks.NewMockWalletRepository(ctrl)
	keys := custodymocks.NewMockKeyStore(ctrl)
	prov := NewProvisioner(repo, keys, slog.Default())

	first := keys.EXPECT().StoreKey(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	keys.EXPECT().StoreKey(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("vault sealed")).After(first)
	repo.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(nil)

	addresses, err := prov.CreateWallets(context.Background(), 3)

	require.Error(t, err)
	// The wallet created before the failure is still reported.
	assert.Len(t, addresses, 1)
}

func TestProvisioner_NoRowWithoutKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := storemocks.NewMockWalletRepository(ctrl)
	keys := custodymocks.NewMockKeyStore(ctrl)
	prov := NewProvisioner(repo, keys, slog.Default())

	// StoreKey fails; Insert must never be called.
	keys.EXPECT().StoreKey(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("vault sealed"))

	_, err := prov.CreateWallets(context.Background(), 1)

	assert.Error(t, err)
}
