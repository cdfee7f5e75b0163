package service

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"

	"github.com/Fi44er/custody_ledger/internal/cache"
	"github.com/Fi44er/custody_ledger/internal/chain"
	"github.com/Fi44er/custody_ledger/internal/models"
	"github.com/Fi44er/custody_ledger/internal/repository"
	"github.com/Fi44er/custody_ledger/utils"
)

type Repository interface {
	GetOrCreateUser(ctx context.Context, userID string) (*models.User, error)
	GetFeeRate(ctx context.Context, userID string, network models.Network) (*models.FeeRate, error)
	UpsertFeeRate(ctx context.Context, rate *models.FeeRate) error

	GetUnusedAddress(ctx context.Context, userID string, change uint32) (*models.WalletAddress, error)
	ListUnusedAddresses(ctx context.Context, userID string, change uint32, limit int) ([]models.WalletAddress, error)
	NextAddressPath(ctx context.Context, userID string, change uint32) (uint32, uint32, error)
	InsertAddress(ctx context.Context, addr *models.WalletAddress) (models.Outcome, error)
	GetAddress(ctx context.Context, p2wsh string) (*models.WalletAddress, error)
	ListAddresses(ctx context.Context) ([]models.WalletAddress, error)
	RegisterUTXO(ctx context.Context, scriptPubKey, txid string, vout uint32, amount int64) (models.Outcome, *models.WalletAddress, error)

	GetBalance(ctx context.Context, userID string) (int64, error)
	GetLockedTotal(ctx context.Context, userID string) (int64, error)

	CreateWithdrawRequest(ctx context.Context, req *models.WithdrawRequest) error
	GetWithdrawRequest(ctx context.Context, k1 string) (*models.WithdrawRequest, error)
	ExpireStale(ctx context.Context, cutoff time.Time) (int64, error)
	CountPending(ctx context.Context, userID string) (int64, error)
	VerifyWithdrawRequest(ctx context.Context, k1 string) (*models.WithdrawRequest, error)
	RedeemBTC(ctx context.Context, k1 string) (*models.WithdrawRequest, error)
	CancelWithdrawRequest(ctx context.Context, userID, k1 string) (*models.WithdrawRequest, repository.Refund, error)
	FailWithdrawRequest(ctx context.Context, k1, reason string) (repository.Refund, models.Outcome, error)
	ListActiveRequests(ctx context.Context, userID string) ([]models.WithdrawRequest, error)
	ListRequestHistory(ctx context.Context, userID string, limit int) ([]models.WithdrawRequest, error)
	ListTransfers(ctx context.Context, userID string, limit int) ([]models.Transfer, error)
}

// Deriver derives custody addresses.
type Deriver interface {
	Derive(userID string, userIndex, change, addressIndex uint32) (*models.WalletAddress, error)
}

// ChainSource lists the unspent outputs of an address.
type ChainSource interface {
	AddressUTXOs(ctx context.Context, address string) ([]chain.UTXO, error)
}

type Config struct {
	RequestExpiry    time.Duration
	SkipVerification bool
	BtcMinAvail      int64
	LnMinAvail       int64
	LnFeeLimitSat    int64
	LnFeeLimitPPM    int64
	HistoryLimit     int
	CustodyUserID    string
	Params           *chaincfg.Params
}

type Service struct {
	repo    Repository
	deriver Deriver
	chain   ChainSource
	cache   cache.BalanceCache
	limiter *RateLimiter
	clock   clock.Clock
	logger  *utils.Logger
	cfg     Config
}

func NewService(repo Repository, deriver Deriver, chain ChainSource, balances cache.BalanceCache,
	limiter *RateLimiter, clk clock.Clock, cfg Config, logger *utils.Logger) *Service {

	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return &Service{
		repo:    repo,
		deriver: deriver,
		chain:   chain,
		cache:   balances,
		limiter: limiter,
		clock:   clk,
		logger:  logger,
		cfg:     cfg,
	}
}

// BalanceSummary is the available and locked amount of a user.
type BalanceSummary struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
}

// GetAvailable reads the available balance through the cache.
func (s *Service) GetAvailable(ctx context.Context, userID string) (int64, error) {
	if v, ok, err := s.cache.Get(ctx, userID); err != nil {
		s.logger.Warnf("balance cache read failed for %s: %v", userID, err)
	} else if ok {
		return v, nil
	}

	amount, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := s.cache.Set(ctx, userID, amount); err != nil {
		s.logger.Warnf("balance cache write failed for %s: %v", userID, err)
	}
	return amount, nil
}

func (s *Service) GetBalance(ctx context.Context, userID string) (*BalanceSummary, error) {
	available, err := s.GetAvailable(ctx, userID)
	if err != nil {
		return nil, err
	}
	locked, err := s.repo.GetLockedTotal(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &BalanceSummary{Available: available, Locked: locked}, nil
}

// SetFeePolicy stores how a user pays on-chain withdrawal fees.
func (s *Service) SetFeePolicy(ctx context.Context, userID string, rate int64, policy models.FeePolicy) error {
	if policy != models.FeePolicyDefault && policy != models.FeePolicyCovered {
		return models.ErrInvalidRequest
	}
	return s.repo.UpsertFeeRate(ctx, &models.FeeRate{
		UserID:  userID,
		Network: models.NetworkBTC,
		Rate:    decimal.NewFromInt(rate),
		Policy:  policy,
	})
}

func (s *Service) adjustCache(ctx context.Context, userID string, delta int64) {
	if err := s.cache.Adjust(ctx, userID, delta); err != nil {
		s.logger.Warnf("balance cache adjust failed for %s: %v", userID, err)
	}
}

// EnsureUser registers userID on first sight.
func (s *Service) EnsureUser(ctx context.Context, userID string) (*models.User, error) {
	return s.repo.GetOrCreateUser(ctx, userID)
}
