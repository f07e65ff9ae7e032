package monitor

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"

	"github.com/kodax/koda-custody-engine/internal/alert"
	"github.com/kodax/koda-custody-engine/internal/domain/model"
	ledgermocks "github.com/kodax/koda-custody-engine/internal/ledger/mocks"
	storemocks "github.com/kodax/koda-custody-engine/internal/store/mocks"
)

func fastTier() Tier {
	return Tier{
		Name:             "fast",
		MinConfirmations: 6,
		PollInterval:     10 * time.Millisecond,
		MaxAge:           2 * time.Hour,
	}
}

func pendingTx(hash string) *model.Transaction {
	return &model.Transaction{Hash: hash, Status: model.TxStatusPending}
}

func TestTick_ConfirmsAtThreshold(t *testing.T) {
	ctrl := gomock.NewController(t)
	txs := storemocks.NewMockTransactionRepository(ctrl)
	client := ledgermocks.NewMockClient(ctrl)

	txs.EXPECT().ListPending(gomock.Any(), 2*time.Hour, pendingBatchLimit).
		Return([]*model.Transaction{pendingTx("0xripe")}, nil)
	client.EXPECT().GetConfirmations(gomock.Any(), "0xripe").Return(int64(6), false)
	txs.EXPECT().UpdateStatus(gomock.Any(), "0xripe", model.TxStatusConfirmed).Return(true, nil)

	m := New(fastTier(), txs, client, nil, slog.Default())
	m.tick(context.Background())
}

func TestTick_LeavesPendingBelowThreshold(t *testing.T) {
	ctrl := gomock.NewController(t)
	txs := storemocks.NewMockTransactionRepository(ctrl)
	client := ledgermocks.NewMockClient(ctrl)

	txs.EXPECT().ListPending(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]*model.Transaction{pendingTx("0xyoung")}, nil)
	// 5 confirmations against a 6-confirmation tier: no update call.
	client.EXPECT().GetConfirmations(gomock.Any(), "0xyoung").Return(int64(5), false)

	m := New(fastTier(), txs, client, nil, slog.Default())
	m.tick(context.Background())
}

func TestTick_DegradedReadIsRetriedLater(t *testing.T) {
	ctrl := gomock.NewController(t)
	txs := storemocks.NewMockTransactionRepository(ctrl)
	client := ledgermocks.NewMockClient(ctrl)

	txs.EXPECT().ListPending(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]*model.Transaction{pendingTx("0xflaky")}, nil)
	client.EXPECT().GetConfirmations(gomock.Any(), "0xflaky").Return(int64(0), true)

	m := New(fastTier(), txs, client, nil, slog.Default())
	m.tick(context.Background())
}

func TestTick_ListFailureDoesNotPanic(t *testing.T) {
	ctrl := gomock.NewController(t)
	txs := storemocks.NewMockTransactionRepository(ctrl)
	client := ledgermocks.NewMockClient(ctrl)

	txs.EXPECT().ListPending(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, errors.New("db down"))

	m := New(fastTier(), txs, client, nil, slog.Default())
	m.tick(context.Background())
}

func TestTick_UpdateFailureContinues(t *testing.T) {
	ctrl := gomock.NewController(t)
	txs := storemocks.NewMockTransactionRepository(ctrl)
	client := ledgermocks.NewMockClient(ctrl)

	txs.EXPECT().ListPending(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]*model.Transaction{pendingTx("0xa"), pendingTx("0xb")}, nil)
	client.EXPECT().GetConfirmations(gomock.Any(), "0xa").Return(int64(10), false)
	txs.EXPECT().UpdateStatus(gomock.Any(), "0xa", model.TxStatusConfirmed).
		Return(false, errors.New("db down"))
	// The second transaction is still checked.
	client.EXPECT().GetConfirmations(gomock.Any(), "0xb").Return(int64(10), false)
	txs.EXPECT().UpdateStatus(gomock.Any(), "0xb", model.TxStatusConfirmed).Return(true, nil)

	m := New(fastTier(), txs, client, nil, slog.Default())
	m.tick(context.Background())
}

type recordingAlerter struct {
	sent []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.sent = append(r.sent, a)
	return nil
}

func TestTick_AlertsWhenAllReadsDegrade(t *testing.T) {
	ctrl := gomock.NewController(t)
	txs := storemocks.NewMockTransactionRepository(ctrl)
	client := ledgermocks.NewMockClient(ctrl)
	alerts := &recordingAlerter{}

	txs.EXPECT().ListPending(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]*model.Transaction{pendingTx("0xa"), pendingTx("0xb")}, nil)
	client.EXPECT().GetConfirmations(gomock.Any(), gomock.Any()).Return(int64(0), true).Times(2)

	m := New(fastTier(), txs, client, alerts, slog.Default())
	m.tick(context.Background())

	if assert.Len(t, alerts.sent, 1) {
		assert.Equal(t, alert.TypeUnhealthy, alerts.sent[0].Type)
		assert.Equal(t, "fast", alerts.sent[0].Tier)
	}
}

func TestTick_RecoveryAfterUnhealthySweep(t *testing.T) {
	ctrl := gomock.NewController(t)
	txs := storemocks.NewMockTransactionRepository(ctrl)
	client := ledgermocks.NewMockClient(ctrl)
	alerts := &recordingAlerter{}

	txs.EXPECT().ListPending(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, errors.New("db down"))
	txs.EXPECT().ListPending(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, nil)

	m := New(fastTier(), txs, client, alerts, slog.Default())
	m.tick(context.Background())
	m.tick(context.Background())

	if assert.Len(t, alerts.sent, 2) {
		assert.Equal(t, alert.TypeUnhealthy, alerts.sent[0].Type)
		assert.Equal(t, alert.TypeRecovery, alerts.sent[1].Type)
	}
}

func TestTick_StalePendingAlert(t *testing.T) {
	ctrl := gomock.NewController(t)
	txs := storemocks.NewMockTransactionRepository(ctrl)
	client := ledgermocks.NewMockClient(ctrl)
	alerts := &recordingAlerter{}

	// Created 90 minutes ago against a 2-hour age window: past the
	// halfway mark but still inside the tier's sweep.
	stale := pendingTx("0xold")
	stale.CreatedAt = time.Now().Add(-90 * time.Minute)

	txs.EXPECT().ListPending(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]*model.Transaction{stale}, nil)
	client.EXPECT().GetConfirmations(gomock.Any(), "0xold").Return(int64(2), false)

	m := New(fastTier(), txs, client, alerts, slog.Default())
	m.tick(context.Background())

	if assert.Len(t, alerts.sent, 1) {
		assert.Equal(t, alert.TypeStalePending, alerts.sent[0].Type)
		assert.Equal(t, "1", alerts.sent[0].Fields["stale"])
	}
}

func TestMonitor_StartStopIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	txs := storemocks.NewMockTransactionRepository(ctrl)
	client := ledgermocks.NewMockClient(ctrl)

	txs.EXPECT().ListPending(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, nil).AnyTimes()

	m := New(fastTier(), txs, client, nil, slog.Default())

	// Stop before start is a no-op.
	m.Stop()
	assert.False(t, m.Running())

	m.Start(context.Background())
	m.Start(context.Background())
	assert.True(t, m.Running())

	m.Stop()
	m.Stop()
	assert.False(t, m.Running())
}

func TestManager_Health(t *testing.T) {
	ctrl := gomock.NewController(t)
	txs := storemocks.NewMockTransactionRepository(ctrl)
	client := ledgermocks.NewMockClient(ctrl)

	txs.EXPECT().ListPending(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, nil).AnyTimes()

	tiers := []Tier{
		fastTier(),
		{Name: "secure", MinConfirmations: 12, PollInterval: 20 * time.Millisecond, MaxAge: 24 * time.Hour},
	}
	manager := NewManager(tiers, txs, client, nil, slog.Default())

	total, running := manager.Health()
	assert.Equal(t, 2, total)
	assert.Equal(t, 0, running)

	manager.StartAll(context.Background())
	total, running = manager.Health()
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, running)

	manager.StopAll()
	manager.StopAll()
	_, running = manager.Health()
	assert.Equal(t, 0, running)
}

func TestMonitor_LoopConfirmsOverTime(t *testing.T) {
	ctrl := gomock.NewController(t)
	txs := storemocks.NewMockTransactionRepository(ctrl)
	client := ledgermocks.NewMockClient(ctrl)

	confirmed := make(chan string, 1)
	txs.EXPECT().ListPending(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]*model.Transaction{pendingTx("0xripe")}, nil).AnyTimes()
	client.EXPECT().GetConfirmations(gomock.Any(), "0xripe").Return(int64(9), false).AnyTimes()
	txs.EXPECT().UpdateStatus(gomock.Any(), "0xripe", model.TxStatusConfirmed).
		DoAndReturn(func(_ context.Context, hash string, _ model.TxStatus) (bool, error) {
			select {
			case confirmed <- hash:
			default:
			}
			return true, nil
		}).AnyTimes()

	m := New(fastTier(), txs, client, nil, slog.Default())
	m.Start(context.Background())
	defer m.Stop()

	select {
	case hash := <-confirmed:
		assert.Equal(t, "0xripe", hash)
	case <-time.After(2 * time.Second):
		t.Fatal("transaction was never confirmed")
	}
}
