package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/sirupsen/logrus"

	"github.com/Fi44er/custody_ledger/internal/derive"
	"github.com/Fi44er/custody_ledger/internal/models"
	"github.com/Fi44er/custody_ledger/utils"
)

// CreateWithdrawRequest opens a withdraw request of amount sats. BTC requests
// carry the destination address; LN requests get theirs at redeem time.
func (s *Service) CreateWithdrawRequest(ctx context.Context, userID string, network models.Network, amount int64, destination string) (*models.WithdrawRequest, error) {
	if err := s.validateRequest(network, amount, destination); err != nil {
		return nil, err
	}

	if !s.limiter.Allow(userID) {
		return nil, models.ErrRateLimited
	}

	if _, err := s.expireStale(ctx); err != nil {
		return nil, err
	}

	pending, err := s.repo.CountPending(ctx, userID)
	if err != nil {
		return nil, err
	}
	if pending > 0 {
		return nil, models.ErrPendingRequestExists
	}

	available, err := s.GetAvailable(ctx, userID)
	if err != nil {
		return nil, err
	}
	// Lightning redemption locks the routing fee reserve on top.
	need := amount
	if network == models.NetworkLN {
		need += utils.FeeReserve(amount, s.cfg.LnFeeLimitSat, s.cfg.LnFeeLimitPPM)
	}
	if need > available {
		return nil, models.ErrInsufficientFunds
	}

	k1, err := utils.NewK1()
	if err != nil {
		return nil, fmt.Errorf("failed to generate k1: %w", err)
	}

	req := &models.WithdrawRequest{
		K1:          k1,
		UserID:      userID,
		Network:     network,
		Amount:      amount,
		Destination: destination,
	}
	if err := s.repo.CreateWithdrawRequest(ctx, req); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"k1":      k1,
		"user_id": userID,
		"network": network,
		"amount":  amount,
	}).Info("withdraw request created")

	if network == models.NetworkBTC && s.cfg.SkipVerification {
		if _, err := s.repo.VerifyWithdrawRequest(ctx, k1); err != nil {
			return nil, err
		}
		return s.RedeemBTC(ctx, userID, k1)
	}

	return req, nil
}

func (s *Service) validateRequest(network models.Network, amount int64, destination string) error {
	switch network {
	case models.NetworkBTC:
		if amount < s.cfg.BtcMinAvail || amount <= 0 {
			return fmt.Errorf("%w: amount below minimum %d", models.ErrInvalidRequest, s.cfg.BtcMinAvail)
		}
		if _, err := derive.ScriptPubKey(destination, s.cfg.Params); err != nil {
			return err
		}
	case models.NetworkLN:
		if amount < s.cfg.LnMinAvail || amount <= 0 {
			return fmt.Errorf("%w: amount below minimum %d", models.ErrInvalidRequest, s.cfg.LnMinAvail)
		}
	default:
		return fmt.Errorf("%w: unknown network %q", models.ErrInvalidRequest, network)
	}
	return nil
}

// VerifyWithdrawRequest moves a CREATED request of userID to VERIFIED.
func (s *Service) VerifyWithdrawRequest(ctx context.Context, userID, k1 string) (*models.WithdrawRequest, error) {
	if _, err := s.ownedRequest(ctx, userID, k1); err != nil {
		return nil, err
	}
	return s.repo.VerifyWithdrawRequest(ctx, k1)
}

// RedeemBTC queues a VERIFIED BTC request and locks its amount.
func (s *Service) RedeemBTC(ctx context.Context, userID, k1 string) (*models.WithdrawRequest, error) {
	if _, err := s.ownedRequest(ctx, userID, k1); err != nil {
		return nil, err
	}

	req, err := s.repo.RedeemBTC(ctx, k1)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientFunds) {
			if cerr := s.cache.Invalidate(ctx, userID); cerr != nil {
				s.logger.Warnf("balance cache invalidate failed for %s: %v", userID, cerr)
			}
		}
		return nil, err
	}

	s.adjustCache(ctx, userID, -req.Amount)
	s.logger.WithFields(logrus.Fields{"k1": k1, "user_id": userID, "amount": req.Amount}).Info("withdraw request queued")
	return req, nil
}

// CancelWithdrawRequest rejects an active request and refunds its lock.
func (s *Service) CancelWithdrawRequest(ctx context.Context, userID, k1 string) (*models.WithdrawRequest, error) {
	req, refund, err := s.repo.CancelWithdrawRequest(ctx, userID, k1)
	if err != nil {
		return nil, err
	}
	if refund.Amount > 0 {
		s.adjustCache(ctx, refund.UserID, refund.Amount)
	}
	s.logger.WithFields(logrus.Fields{"k1": k1, "user_id": userID, "refund": refund.Amount}).Info("withdraw request canceled")
	return req, nil
}

// MarkFailed moves a request the rail could not dispatch to PAYMENT_FAILED
// and refunds its lock.
func (s *Service) MarkFailed(ctx context.Context, k1, reason string) (models.Outcome, error) {
	refund, outcome, err := s.repo.FailWithdrawRequest(ctx, k1, reason)
	if err != nil {
		return outcome, err
	}
	if outcome == models.Applied && refund.Amount > 0 {
		s.adjustCache(ctx, refund.UserID, refund.Amount)
	}
	return outcome, nil
}

func (s *Service) ListActiveRequests(ctx context.Context, userID string) ([]models.WithdrawRequest, error) {
	if _, err := s.expireStale(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListActiveRequests(ctx, userID)
}

func (s *Service) ListRequestHistory(ctx context.Context, userID string, limit int) ([]models.WithdrawRequest, error) {
	return s.repo.ListRequestHistory(ctx, userID, s.limit(limit))
}

func (s *Service) ListTransfers(ctx context.Context, userID string, limit int) ([]models.Transfer, error) {
	return s.repo.ListTransfers(ctx, userID, s.limit(limit))
}

func (s *Service) limit(n int) int {
	if n <= 0 || n > s.cfg.HistoryLimit {
		return s.cfg.HistoryLimit
	}
	return n
}

func (s *Service) ownedRequest(ctx context.Context, userID, k1 string) (*models.WithdrawRequest, error) {
	req, err := s.repo.GetWithdrawRequest(ctx, k1)
	if err != nil {
		return nil, err
	}
	if req == nil || req.UserID != userID {
		return nil, models.ErrRequestNotFound
	}
	return req, nil
}

func (s *Service) expireStale(ctx context.Context) (int64, error) {
	if s.cfg.RequestExpiry <= 0 {
		return 0, nil
	}
	n, err := s.repo.ExpireStale(ctx, s.clock.Now().Add(-s.cfg.RequestExpiry))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Infof("expired %d withdraw requests", n)
	}
	return n, nil
}

// RunExpirySweep expires stale requests every half expiry window.
func (s *Service) RunExpirySweep(ctx context.Context) error {
	every := s.cfg.RequestExpiry / 2
	if every <= 0 {
		every = time.Minute
	}
	t := ticker.New(every)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.Ticks():
			if _, err := s.expireStale(ctx); err != nil {
				s.logger.Errorf("expiry sweep failed: %v", err)
			}
		}
	}
}
