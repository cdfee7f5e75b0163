package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/sirupsen/logrus"

	"github.com/Fi44er/custody_ledger/internal/models"
)

// ScanAddress registers the confirmed outputs of an address owned by userID
// and returns the amount newly credited.
func (s *Service) ScanAddress(ctx context.Context, userID, address string) (int64, error) {
	addr, err := s.repo.GetAddress(ctx, address)
	if err != nil {
		return 0, err
	}
	if addr == nil || addr.UserID != userID || addr.Change != 0 {
		return 0, models.ErrUnknownAddress
	}
	return s.scanAddress(ctx, addr)
}

// ScanAll scans every receive address. Change addresses are skipped, their
// outputs enter the registry when the spending batch confirms. An address
// that fails to scan does not stop the others; failures are returned joined
// with the total credited.
func (s *Service) ScanAll(ctx context.Context) (int64, error) {
	addrs, err := s.repo.ListAddresses(ctx)
	if err != nil {
		return 0, err
	}

	var (
		total int64
		errs  []error
	)
	for i := range addrs {
		if addrs[i].Change != 0 {
			continue
		}
		credited, err := s.scanAddress(ctx, &addrs[i])
		total += credited
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (s *Service) scanAddress(ctx context.Context, addr *models.WalletAddress) (int64, error) {
	utxos, err := s.chain.AddressUTXOs(ctx, addr.P2WSH)
	if err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", addr.P2WSH, err)
	}

	var credited int64
	for _, u := range utxos {
		if !u.Status.Confirmed {
			continue
		}

		outcome, owner, err := s.repo.RegisterUTXO(ctx, addr.ScriptPubKey, u.TxID, u.Vout, u.Value)
		if err != nil {
			return credited, err
		}
		if outcome != models.Applied {
			continue
		}

		credited += u.Value
		s.adjustCache(ctx, owner.UserID, u.Value)
		s.logger.WithFields(logrus.Fields{
			"user_id": owner.UserID,
			"txid":    u.TxID,
			"vout":    u.Vout,
			"amount":  u.Value,
		}).Info("deposit registered")
	}
	return credited, nil
}

// RunDepositScanner scans all addresses every interval. Chain errors are
// logged and the scan is repeated on the next tick.
func (s *Service) RunDepositScanner(ctx context.Context, interval time.Duration) error {
	t := ticker.New(interval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.Ticks():
			credited, err := s.ScanAll(ctx)
			if err != nil {
				s.logger.Warnf("deposit scan failed: %v", err)
				continue
			}
			if credited > 0 {
				s.logger.Infof("deposit scan credited %d sats", credited)
			}
		}
	}
}
