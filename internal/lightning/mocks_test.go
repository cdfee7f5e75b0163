package lightning

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

func (m *mockStore) GetUserByK1(ctx context.Context, k1 string) (*models.User, error) {
	args := m.Called(ctx, k1)
	u, _ := args.Get(0).(*models.User)
	return u, args.Error(1)
}

func (m *mockStore) GetWithdrawRequest(ctx context.Context, k1 string) (*models.WithdrawRequest, error) {
	args := m.Called(ctx, k1)
	r, _ := args.Get(0).(*models.WithdrawRequest)
	return r, args.Error(1)
}

func (m *mockStore) VerifyWithdrawRequest(ctx context.Context, k1 string) (*models.WithdrawRequest, error) {
	args := m.Called(ctx, k1)
	r, _ := args.Get(0).(*models.WithdrawRequest)
	return r, args.Error(1)
}

func (m *mockStore) RedeemLN(ctx context.Context, red repository.LnRedemption) (*models.WithdrawRequest, error) {
	args := m.Called(ctx, red)
	r, _ := args.Get(0).(*models.WithdrawRequest)
	return r, args.Error(1)
}

func (m *mockStore) FinalizePayment(ctx context.Context, paymentHash, preimage string, feeSat int64) (models.Outcome, *repository.LnSettlement, error) {
	args := m.Called(ctx, paymentHash, preimage, feeSat)
	s, _ := args.Get(1).(*repository.LnSettlement)
	return args.Get(0).(models.Outcome), s, args.Error(2)
}

func (m *mockStore) FailPayment(ctx context.Context, paymentHash, reason string) (models.Outcome, *repository.LnSettlement, error) {
	args := m.Called(ctx, paymentHash, reason)
	s, _ := args.Get(1).(*repository.LnSettlement)
	return args.Get(0).(models.Outcome), s, args.Error(2)
}

func (m *mockStore) OldestInFlightPayment(ctx context.Context) (time.Time, error) {
	args := m.Called(ctx)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *mockStore) ListInFlightPayments(ctx context.Context) ([]models.LnPayment, error) {
	args := m.Called(ctx)
	p, _ := args.Get(0).([]models.LnPayment)
	return p, args.Error(1)
}

func (m *mockStore) InsertDepositInvoice(ctx context.Context, inv *models.DepositInvoice) error {
	return m.Called(ctx, inv).Error(0)
}

func (m *mockStore) SettleDepositInvoice(ctx context.Context, paymentHash string, amtPaidSat int64, settleIndex uint64) (models.Outcome, string, error) {
	args := m.Called(ctx, paymentHash, amtPaidSat, settleIndex)
	return args.Get(0).(models.Outcome), args.String(1), args.Error(2)
}

func (m *mockStore) MaxSettleIndex(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockStore) MinOpenAddIndex(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

type mockNode struct {
	mock.Mock
}

func (m *mockNode) CreateInvoice(ctx context.Context, amountSat int64, memo string, expiry int64) (*Invoice, error) {
	args := m.Called(ctx, amountSat, memo, expiry)
	inv, _ := args.Get(0).(*Invoice)
	return inv, args.Error(1)
}

func (m *mockNode) DecodeInvoice(ctx context.Context, bolt11 string) (*PayReq, error) {
	args := m.Called(ctx, bolt11)
	p, _ := args.Get(0).(*PayReq)
	return p, args.Error(1)
}

func (m *mockNode) PayInvoice(ctx context.Context, bolt11 string, feeLimitSat int64, timeout time.Duration) error {
	return m.Called(ctx, bolt11, feeLimitSat, timeout).Error(0)
}

func (m *mockNode) TrackPayments(ctx context.Context, fn func(Payment) error) error {
	args := m.Called(ctx)
	if ps, ok := args.Get(0).([]Payment); ok {
		for _, p := range ps {
			if err := fn(p); err != nil {
				return err
			}
		}
	}
	return args.Error(1)
}

func (m *mockNode) ListPayments(ctx context.Context, since time.Time) ([]Payment, error) {
	args := m.Called(ctx, since)
	p, _ := args.Get(0).([]Payment)
	return p, args.Error(1)
}

func (m *mockNode) SubscribeInvoices(ctx context.Context, addIndex, settleIndex uint64, fn func(Invoice) error) error {
	args := m.Called(ctx, addIndex, settleIndex)
	if invs, ok := args.Get(0).([]Invoice); ok {
		for _, inv := range invs {
			if err := fn(inv); err != nil {
				return err
			}
		}
	}
	return args.Error(1)
}

func (m *mockNode) ListInvoices(ctx context.Context, fromAddIndex uint64) ([]Invoice, error) {
	args := m.Called(ctx, fromAddIndex)
	i, _ := args.Get(0).([]Invoice)
	return i, args.Error(1)
}

type mockCache struct {
	mock.Mock
}

func (m *mockCache) Get(ctx context.Context, userID string) (int64, bool, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *mockCache) Set(ctx context.Context, userID string, amount int64) error {
	return m.Called(ctx, userID, amount).Error(0)
}

func (m *mockCache) Adjust(ctx context.Context, userID string, delta int64) error {
	return m.Called(ctx, userID, delta).Error(0)
}

func (m *mockCache) Invalidate(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
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
