package batch

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/Fi44er/custody_ledger/internal/models"
	"github.com/Fi44er/custody_ledger/internal/repository"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) QueuedBTCRequests(ctx context.Context, limit int) ([]models.QueuedRequest, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]models.QueuedRequest), args.Error(1)
}

func (m *mockStore) ReserveBatch(ctx context.Context, batchID string, candidates []models.QueuedRequest, build repository.BuildFunc) error {
	args := m.Called(ctx, batchID, candidates, build)
	return args.Error(0)
}

func (m *mockStore) ReleaseBatch(ctx context.Context, batchID string) error {
	return m.Called(ctx, batchID).Error(0)
}

func (m *mockStore) FinalizeBatch(ctx context.Context, rec repository.BatchRecord) (models.Outcome, error) {
	args := m.Called(ctx, rec)
	return args.Get(0).(models.Outcome), args.Error(1)
}

func (m *mockStore) ReleaseStaleReservations(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) AbandonBatch(ctx context.Context, txid string) (models.Outcome, error) {
	args := m.Called(ctx, txid)
	return args.Get(0).(models.Outcome), args.Error(1)
}

func (m *mockStore) GetAddressByScript(ctx context.Context, script string) (*models.WalletAddress, error) {
	args := m.Called(ctx, script)
	addr, _ := args.Get(0).(*models.WalletAddress)
	return addr, args.Error(1)
}

func (m *mockStore) PendingPayments(ctx context.Context, target int) ([]models.BtcPayment, error) {
	args := m.Called(ctx, target)
	return args.Get(0).([]models.BtcPayment), args.Error(1)
}

func (m *mockStore) UpdateConfirmations(ctx context.Context, txid string, confirmations, target int) error {
	return m.Called(ctx, txid, confirmations, target).Error(0)
}

func (m *mockStore) ConfirmBatch(ctx context.Context, txid string, confirmations, target int) (models.Outcome, []models.WdOut, error) {
	args := m.Called(ctx, txid, confirmations, target)
	return args.Get(0).(models.Outcome), args.Get(1).([]models.WdOut), args.Error(2)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) ChangeAddresses(ctx context.Context, n int) ([]models.WalletAddress, error) {
	args := m.Called(ctx, n)
	return args.Get(0).([]models.WalletAddress), args.Error(1)
}

func (m *mockLedger) MarkFailed(ctx context.Context, k1, reason string) (models.Outcome, error) {
	args := m.Called(ctx, k1, reason)
	return args.Get(0).(models.Outcome), args.Error(1)
}

type mockCosigner struct {
	mock.Mock
}

func (m *mockCosigner) Sign(ctx context.Context, psbt string) (string, error) {
	args := m.Called(ctx, psbt)
	return args.String(0), args.Error(1)
}

type mockChain struct {
	mock.Mock
}

func (m *mockChain) Broadcast(ctx context.Context, raw string) (string, error) {
	args := m.Called(ctx, raw)
	return args.String(0), args.Error(1)
}

func (m *mockChain) Confirmations(ctx context.Context, txid string) (int, error) {
	args := m.Called(ctx, txid)
	return args.Int(0), args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) BatchBroadcast(txid string, payouts int, amount, fee int64) {
	m.Called(txid, payouts, amount, fee)
}

func (m *mockNotifier) BatchConfirmed(txid string, confirmations int) {
	m.Called(txid, confirmations)
}

func (m *mockNotifier) PaymentFailed(k1, paymentHash, reason string) {
	m.Called(k1, paymentHash, reason)
}

func (m *mockNotifier) TaskFailed(task string, err error) {
	m.Called(task, err)
}
