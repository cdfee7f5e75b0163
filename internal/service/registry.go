package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Fi44er/custody_ledger/internal/models"
)

const deriveAttempts = 5

// GetDepositAddress returns an unused receive address of userID.
func (s *Service) GetDepositAddress(ctx context.Context, userID string) (*models.WalletAddress, error) {
	if _, err := s.repo.GetOrCreateUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.GetOrCreateUnusedAddress(ctx, userID, 0)
}

// GetOrCreateUnusedAddress returns a stored address with used = 0, deriving
// the next one when none is left. Inserts never overwrite, so two callers
// racing on the same path both end up reading the stored row.
func (s *Service) GetOrCreateUnusedAddress(ctx context.Context, userID string, change uint32) (*models.WalletAddress, error) {
	for attempt := 0; attempt < deriveAttempts; attempt++ {
		addr, err := s.repo.GetUnusedAddress(ctx, userID, change)
		if err != nil {
			return nil, err
		}
		if addr != nil {
			return addr, nil
		}

		if _, err := s.deriveNext(ctx, userID, change); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no unused address for %s after %d attempts", userID, deriveAttempts)
}

func (s *Service) deriveNext(ctx context.Context, userID string, change uint32) (models.Outcome, error) {
	userIndex, addressIndex, err := s.repo.NextAddressPath(ctx, userID, change)
	if err != nil {
		return models.AlreadyApplied, err
	}

	addr, err := s.deriver.Derive(userID, userIndex, change, addressIndex)
	if err != nil {
		return models.AlreadyApplied, fmt.Errorf("failed to derive address: %w", err)
	}

	outcome, err := s.repo.InsertAddress(ctx, addr)
	if err != nil {
		return outcome, err
	}
	s.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"path":    addr.Path,
		"outcome": outcome.String(),
	}).Debug("derived address")
	return outcome, nil
}

// ChangeAddresses returns n unused custody change addresses, deriving
// missing ones.
func (s *Service) ChangeAddresses(ctx context.Context, n int) ([]models.WalletAddress, error) {
	if n <= 0 {
		n = 1
	}
	if _, err := s.repo.GetOrCreateUser(ctx, s.cfg.CustodyUserID); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < deriveAttempts; attempt++ {
		addrs, err := s.repo.ListUnusedAddresses(ctx, s.cfg.CustodyUserID, 1, n)
		if err != nil {
			return nil, err
		}
		if len(addrs) >= n {
			return addrs, nil
		}

		for i := len(addrs); i < n; i++ {
			if _, err := s.deriveNext(ctx, s.cfg.CustodyUserID, 1); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("no %d unused change addresses after %d attempts", n, deriveAttempts)
}
