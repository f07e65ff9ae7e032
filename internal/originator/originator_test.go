package originator

import (
	"context"
	"encoding/hex"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/kodax/koda-custody-engine/internal/custody"
	custodymocks "github.com/kodax/koda-custody-engine/internal/custody/mocks"
	"github.com/kodax/koda-custody-engine/internal/domain/model"
	ledgermocks "github.com/kodax/koda-custody-engine/internal/ledger/mocks"
	"github.com/kodax/koda-custody-engine/internal/ledger/rpc"
	storemocks "github.com/kodax/koda-custody-engine/internal/store/mocks"
	"github.com/kodax/koda-custody-engine/internal/wei"
)

const (
	fromAddr     = "0xaaaa000000000000000000000000000000000001"
	toAddr       = "0xbbbb000000000000000000000000000000000002"
	contractAddr = "0xcccc000000000000000000000000000000000003"
)

// testKey returns a deterministic private key hex for signing tests.
func testKey(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(crypto.FromECDSA(key))
}

type fixture struct {
	client *ledgermocks.MockClient
	keys   *custodymocks.MockKeyStore
	txs    *storemocks.MockTransactionRepository
	orig   *Originator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		client: ledgermocks.NewMockClient(ctrl),
		keys:   custodymocks.NewMockKeyStore(ctrl),
		txs:    storemocks.NewMockTransactionRepository(ctrl),
	}
	f.orig = New(f.client, f.keys, f.txs, "ETH", slog.Default())
	return f
}

func (f *fixture) expectChainReads(balance *big.Int) {
	f.client.EXPECT().GetNonce(gomock.Any(), fromAddr).Return(uint64(7), nil)
	f.client.EXPECT().GetChainID(gomock.Any()).Return(big.NewInt(1), nil)
	f.client.EXPECT().GetBalance(gomock.Any(), fromAddr).Return(balance, nil)
	f.client.EXPECT().GetGasPrice(gomock.Any()).Return(big.NewInt(10_000_000_000), nil) // 10 gwei
	f.client.EXPECT().GetMaxPriorityFee(gomock.Any()).Return(big.NewInt(1_000_000_000), nil)
}

func TestOriginate_Native(t *testing.T) {
	f := newFixture(t)

	// 10 ETH covers 0.1 ETH plus any fee.
	balance, _ := new(big.Int).SetString("10000000000000000000", 10)
	f.expectChainReads(balance)
	f.keys.EXPECT().GetKey(gomock.Any(), model.KeyID(fromAddr)).Return(testKey(t), nil)
	f.client.EXPECT().SendRawTransaction(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, signedHex string) (string, error) {
			assert.True(t, len(signedHex) > 2)
			return "0xbroadcast", nil
		})

	var recorded *model.Transaction
	f.txs.EXPECT().InsertIfAbsent(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, tx *model.Transaction) (bool, error) {
			recorded = tx
			return true, nil
		})

	hash, err := f.orig.Originate(context.Background(), Request{
		From:  fromAddr,
		To:    toAddr,
		Asset: "ETH",
		Value: "0.1",
	})

	require.NoError(t, err)
	assert.Equal(t, "0xbroadcast", hash)

	require.NotNil(t, recorded)
	assert.Equal(t, model.TxTypeWithdraw, recorded.Type)
	assert.Equal(t, model.TxStatusPending, recorded.Status)
	assert.Equal(t, "100000000000000000", recorded.Value.String())
	assert.False(t, recorded.IsToken)

	// effective_fee = 21000 * (10 gwei * 1.2 + 1 gwei) = 21000 * 13 gwei.
	wantFee := new(big.Int).Mul(big.NewInt(21000), big.NewInt(13_000_000_000))
	require.NotNil(t, recorded.EffectiveFee)
	assert.Equal(t, wantFee.String(), recorded.EffectiveFee.String())
}

func TestOriginate_Token(t *testing.T) {
	f := newFixture(t)

	balance, _ := new(big.Int).SetString("1000000000000000000", 10)
	f.expectChainReads(balance)
	f.client.EXPECT().EstimateGas(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg rpc.CallMsg) (uint64, error) {
			assert.Equal(t, fromAddr, msg.From)
			assert.Equal(t, contractAddr, msg.To)
			// transfer selector + two 32-byte words.
			assert.Equal(t, 2+8+64+64, len(msg.Data))
			assert.Equal(t, "0xa9059cbb", msg.Data[:10])
			return 60000, nil
		})
	f.keys.EXPECT().GetKey(gomock.Any(), model.KeyID(fromAddr)).Return(testKey(t), nil)
	f.client.EXPECT().SendRawTransaction(gomock.Any(), gomock.Any()).Return("0xtokentx", nil)

	var recorded *model.Transaction
	f.txs.EXPECT().InsertIfAbsent(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, tx *model.Transaction) (bool, error) {
			recorded = tx
			return true, nil
		})

	hash, err := f.orig.Originate(context.Background(), Request{
		From:            fromAddr,
		To:              toAddr,
		Asset:           "USDC",
		Value:           "25",
		ContractAddress: contractAddr,
	})

	require.NoError(t, err)
	assert.Equal(t, "0xtokentx", hash)

	require.NotNil(t, recorded)
	assert.True(t, recorded.IsToken)
	assert.Equal(t, "USDC", recorded.Asset)
	require.NotNil(t, recorded.ContractAddress)
	assert.Equal(t, contractAddr, *recorded.ContractAddress)
	// The recorded destination is the economic recipient, not the contract.
	assert.Equal(t, toAddr, recorded.AddressTo)
}

func TestOriginate_MissingFields(t *testing.T) {
	f := newFixture(t)

	_, err := f.orig.Originate(context.Background(), Request{From: fromAddr})

	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestOriginate_TokenWithoutContract(t *testing.T) {
	f := newFixture(t)

	_, err := f.orig.Originate(context.Background(), Request{
		From:  fromAddr,
		To:    toAddr,
		Asset: "USDC",
		Value: "1",
	})

	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestOriginate_InvalidAmount(t *testing.T) {
	f := newFixture(t)

	for _, value := range []string{"0", "-1", "abc"} {
		_, err := f.orig.Originate(context.Background(), Request{
			From:  fromAddr,
			To:    toAddr,
			Asset: "ETH",
			Value: value,
		})
		assert.ErrorIs(t, err, wei.ErrInvalidAmount, "value %q", value)
	}
}

func TestOriginate_ZeroBalance(t *testing.T) {
	f := newFixture(t)

	f.client.EXPECT().GetNonce(gomock.Any(), fromAddr).Return(uint64(0), nil)
	f.client.EXPECT().GetChainID(gomock.Any()).Return(big.NewInt(1), nil)
	f.client.EXPECT().GetBalance(gomock.Any(), fromAddr).Return(big.NewInt(0), nil)

	_, err := f.orig.Originate(context.Background(), Request{
		From:  fromAddr,
		To:    toAddr,
		Asset: "ETH",
		Value: "0.1",
	})

	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestOriginate_BalanceBelowValuePlusFee(t *testing.T) {
	f := newFixture(t)

	// Exactly the value but nothing for fees.
	balance, _ := new(big.Int).SetString("100000000000000000", 10)
	f.expectChainReads(balance)

	_, err := f.orig.Originate(context.Background(), Request{
		From:  fromAddr,
		To:    toAddr,
		Asset: "ETH",
		Value: "0.1",
	})

	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestOriginate_KeyNotFound(t *testing.T) {
	f := newFixture(t)

	balance, _ := new(big.Int).SetString("10000000000000000000", 10)
	f.expectChainReads(balance)
	f.keys.EXPECT().GetKey(gomock.Any(), model.KeyID(fromAddr)).
		Return("", custody.ErrKeyNotFound)

	_, err := f.orig.Originate(context.Background(), Request{
		From:  fromAddr,
		To:    toAddr,
		Asset: "ETH",
		Value: "0.1",
	})

	assert.ErrorIs(t, err, custody.ErrKeyNotFound)
}

func TestOriginate_PriorityFeeFallback(t *testing.T) {
	f := newFixture(t)

	balance, _ := new(big.Int).SetString("10000000000000000000", 10)
	f.client.EXPECT().GetNonce(gomock.Any(), fromAddr).Return(uint64(0), nil)
	f.client.EXPECT().GetChainID(gomock.Any()).Return(big.NewInt(1), nil)
	f.client.EXPECT().GetBalance(gomock.Any(), fromAddr).Return(balance, nil)
	f.client.EXPECT().GetGasPrice(gomock.Any()).Return(big.NewInt(10_000_000_000), nil)
	// Node does not expose a priority fee.
	f.client.EXPECT().GetMaxPriorityFee(gomock.Any()).Return(nil, assert.AnError)
	f.keys.EXPECT().GetKey(gomock.Any(), gomock.Any()).Return(testKey(t), nil)
	f.client.EXPECT().SendRawTransaction(gomock.Any(), gomock.Any()).Return("0xfallback", nil)

	var recorded *model.Transaction
	f.txs.EXPECT().InsertIfAbsent(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, tx *model.Transaction) (bool, error) {
			recorded = tx
			return true, nil
		})

	_, err := f.orig.Originate(context.Background(), Request{
		From:  fromAddr,
		To:    toAddr,
		Asset: "ETH",
		Value: "0.1",
	})

	require.NoError(t, err)
	// effective_fee = 21000 * (12 gwei + 2 gwei fallback).
	wantFee := new(big.Int).Mul(big.NewInt(21000), big.NewInt(14_000_000_000))
	assert.Equal(t, wantFee.String(), recorded.EffectiveFee.String())
}

func TestOriginate_BroadcastFailureRecordsNothing(t *testing.T) {
	f := newFixture(t)

	balance, _ := new(big.Int).SetString("10000000000000000000", 10)
	f.expectChainReads(balance)
	f.keys.EXPECT().GetKey(gomock.Any(), gomock.Any()).Return(testKey(t), nil)
	f.client.EXPECT().SendRawTransaction(gomock.Any(), gomock.Any()).Return("", assert.AnError)

	_, err := f.orig.Originate(context.Background(), Request{
		From:  fromAddr,
		To:    toAddr,
		Asset: "ETH",
		Value: "0.1",
	})

	assert.Error(t, err)
}
