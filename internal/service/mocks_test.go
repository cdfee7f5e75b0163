package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/Fi44er/custody_ledger/internal/chain"
	"github.com/Fi44er/custody_ledger/internal/models"
	"github.com/Fi44er/custody_ledger/internal/repository"
)

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) GetOrCreateUser(ctx context.Context, userID string) (*models.User, error) {
	args := m.Called(ctx, userID)
	u, _ := args.Get(0).(*models.User)
	return u, args.Error(1)
}

func (m *mockRepo) GetFeeRate(ctx context.Context, userID string, network models.Network) (*models.FeeRate, error) {
	args := m.Called(ctx, userID, network)
	r, _ := args.Get(0).(*models.FeeRate)
	return r, args.Error(1)
}

func (m *mockRepo) UpsertFeeRate(ctx context.Context, rate *models.FeeRate) error {
	return m.Called(ctx, rate).Error(0)
}

func (m *mockRepo) GetUnusedAddress(ctx context.Context, userID string, change uint32) (*models.WalletAddress, error) {
	args := m.Called(ctx, userID, change)
	a, _ := args.Get(0).(*models.WalletAddress)
	return a, args.Error(1)
}

func (m *mockRepo) ListUnusedAddresses(ctx context.Context, userID string, change uint32, limit int) ([]models.WalletAddress, error) {
	args := m.Called(ctx, userID, change, limit)
	a, _ := args.Get(0).([]models.WalletAddress)
	return a, args.Error(1)
}

func (m *mockRepo) NextAddressPath(ctx context.Context, userID string, change uint32) (uint32, uint32, error) {
	args := m.Called(ctx, userID, change)
	return args.Get(0).(uint32), args.Get(1).(uint32), args.Error(2)
}

func (m *mockRepo) InsertAddress(ctx context.Context, addr *models.WalletAddress) (models.Outcome, error) {
	args := m.Called(ctx, addr)
	return args.Get(0).(models.Outcome), args.Error(1)
}

func (m *mockRepo) GetAddress(ctx context.Context, p2wsh string) (*models.WalletAddress, error) {
	args := m.Called(ctx, p2wsh)
	a, _ := args.Get(0).(*models.WalletAddress)
	return a, args.Error(1)
}

func (m *mockRepo) ListAddresses(ctx context.Context) ([]models.WalletAddress, error) {
	args := m.Called(ctx)
	a, _ := args.Get(0).([]models.WalletAddress)
	return a, args.Error(1)
}

func (m *mockRepo) RegisterUTXO(ctx context.Context, scriptPubKey, txid string, vout uint32, amount int64) (models.Outcome, *models.WalletAddress, error) {
	args := m.Called(ctx, scriptPubKey, txid, vout, amount)
	a, _ := args.Get(1).(*models.WalletAddress)
	return args.Get(0).(models.Outcome), a, args.Error(2)
}

func (m *mockRepo) GetBalance(ctx context.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockRepo) GetLockedTotal(ctx context.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockRepo) CreateWithdrawRequest(ctx context.Context, req *models.WithdrawRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockRepo) GetWithdrawRequest(ctx context.Context, k1 string) (*models.WithdrawRequest, error) {
	args := m.Called(ctx, k1)
	r, _ := args.Get(0).(*models.WithdrawRequest)
	return r, args.Error(1)
}

func (m *mockRepo) ExpireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockRepo) CountPending(ctx context.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockRepo) VerifyWithdrawRequest(ctx context.Context, k1 string) (*models.WithdrawRequest, error) {
	args := m.Called(ctx, k1)
	r, _ := args.Get(0).(*models.WithdrawRequest)
	return r, args.Error(1)
}

func (m *mockRepo) RedeemBTC(ctx context.Context, k1 string) (*models.WithdrawRequest, error) {
	args := m.Called(ctx, k1)
	r, _ := args.Get(0).(*models.WithdrawRequest)
	return r, args.Error(1)
}

func (m *mockRepo) CancelWithdrawRequest(ctx context.Context, userID, k1 string) (*models.WithdrawRequest, repository.Refund, error) {
	args := m.Called(ctx, userID, k1)
	r, _ := args.Get(0).(*models.WithdrawRequest)
	return r, args.Get(1).(repository.Refund), args.Error(2)
}

func (m *mockRepo) FailWithdrawRequest(ctx context.Context, k1, reason string) (repository.Refund, models.Outcome, error) {
	args := m.Called(ctx, k1, reason)
	return args.Get(0).(repository.Refund), args.Get(1).(models.Outcome), args.Error(2)
}

func (m *mockRepo) ListActiveRequests(ctx context.Context, userID string) ([]models.WithdrawRequest, error) {
	args := m.Called(ctx, userID)
	r, _ := args.Get(0).([]models.WithdrawRequest)
	return r, args.Error(1)
}

func (m *mockRepo) ListRequestHistory(ctx context.Context, userID string, limit int) ([]models.WithdrawRequest, error) {
	args := m.Called(ctx, userID, limit)
	r, _ := args.Get(0).([]models.WithdrawRequest)
	return r, args.Error(1)
}

func (m *mockRepo) ListTransfers(ctx context.Context, userID string, limit int) ([]models.Transfer, error) {
	args := m.Called(ctx, userID, limit)
	r, _ := args.Get(0).([]models.Transfer)
	return r, args.Error(1)
}

type mockDeriver struct {
	mock.Mock
}

func (m *mockDeriver) Derive(userID string, userIndex, change, addressIndex uint32) (*models.WalletAddress, error) {
	args := m.Called(userID, userIndex, change, addressIndex)
	a, _ := args.Get(0).(*models.WalletAddress)
	return a, args.Error(1)
}

type mockChain struct {
	mock.Mock
}

func (m *mockChain) AddressUTXOs(ctx context.Context, address string) ([]chain.UTXO, error) {
	args := m.Called(ctx, address)
	u, _ := args.Get(0).([]chain.UTXO)
	return u, args.Error(1)
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
