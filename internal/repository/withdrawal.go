package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Fi44er/custody_ledger/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateWithdrawRequest inserts req. The store allows one pending request per
// user, so a conflicting insert reports ErrPendingRequestExists.
func (r *Repository) CreateWithdrawRequest(ctx context.Context, req *models.WithdrawRequest) error {
	now := r.now()
	req.Status = models.StatusCreated
	req.CreatedAt = now
	req.UpdatedAt = now

	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(req)
	if res.Error != nil {
		return fmt.Errorf("failed to create withdraw request: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrPendingRequestExists
	}
	return nil
}

func (r *Repository) GetWithdrawRequest(ctx context.Context, k1 string) (*models.WithdrawRequest, error) {
	var req models.WithdrawRequest
	err := r.db.WithContext(ctx).First(&req, "k1 = ?", k1).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get withdraw request: %w", err)
	}
	return &req, nil
}

// ExpireStale moves CREATED requests created before cutoff to EXPIRED.
func (r *Repository) ExpireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	from, err := models.Sources(models.StatusExpired, models.StatusCreated)
	if err != nil {
		return 0, err
	}
	res := r.db.WithContext(ctx).
		Model(&models.WithdrawRequest{}).
		Where("status IN ? AND created_at < ?", from, cutoff).
		Updates(map[string]interface{}{
			"status":     models.StatusExpired,
			"reason":     models.ReasonExpired,
			"updated_at": r.now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to expire requests: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *Repository) CountPending(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.WithdrawRequest{}).
		Where("user_id = ? AND status IN ?", userID, models.StatusStrings(models.PendingStatuses)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count pending requests: %w", err)
	}
	return n, nil
}

// VerifyWithdrawRequest is the CREATED -> VERIFIED transition.
func (r *Repository) VerifyWithdrawRequest(ctx context.Context, k1 string) (*models.WithdrawRequest, error) {
	var reqs []models.WithdrawRequest
	err := r.db.WithContext(ctx).Raw(`UPDATE withdraw_requests
		SET status = ?, updated_at = ?
		WHERE k1 = ? AND status = ?
		RETURNING *`,
		models.StatusVerified, r.now(), k1, models.StatusCreated).Scan(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to verify request: %w", err)
	}
	if len(reqs) == 0 {
		return nil, models.ErrRequestNotFound
	}
	return &reqs[0], nil
}

// RedeemBTC is the VERIFIED -> QUEUED transition. It flips the redeemed latch
// and locks the request amount in the same transaction, so it fires at most
// once per k1.
func (r *Repository) RedeemBTC(ctx context.Context, k1 string) (*models.WithdrawRequest, error) {
	var req models.WithdrawRequest

	err := r.inTx(ctx, func(tx *gorm.DB) error {
		var reqs []models.WithdrawRequest
		err := tx.Raw(`UPDATE withdraw_requests
			SET status = ?, redeemed = TRUE, updated_at = ?
			WHERE k1 = ? AND network = ? AND status = ? AND redeemed = FALSE
			RETURNING *`,
			models.StatusQueued, r.now(), k1, models.NetworkBTC, models.StatusVerified).Scan(&reqs).Error
		if err != nil {
			return fmt.Errorf("failed to redeem request: %w", err)
		}
		if len(reqs) == 0 {
			return models.ErrRequestNotFound
		}
		req = reqs[0]

		return r.lockTx(tx, req.UserID, req.Amount, req.K1)
	})
	if err != nil {
		if errors.Is(err, models.ErrInsufficientFunds) {
			if rejErr := r.RejectVerified(ctx, k1, models.ReasonInsufficientFunds); rejErr != nil {
				r.logger.Errorf("failed to reject request %s: %v", k1, rejErr)
			}
		}
		return nil, err
	}

	return &req, nil
}

// RejectVerified rejects a request that never got funds locked.
func (r *Repository) RejectVerified(ctx context.Context, k1, reason string) error {
	return r.db.WithContext(ctx).
		Model(&models.WithdrawRequest{}).
		Where("k1 = ? AND status = ? AND redeemed = FALSE", k1, models.StatusVerified).
		Updates(map[string]interface{}{
			"status":     models.StatusRejected,
			"reason":     reason,
			"updated_at": r.now(),
		}).Error
}

// CancelWithdrawRequest rejects an active request of userID and refunds any
// locked funds in one transaction. Requests already claimed by a batch
// cannot be canceled.
func (r *Repository) CancelWithdrawRequest(ctx context.Context, userID, k1 string) (*models.WithdrawRequest, Refund, error) {
	var (
		req    models.WithdrawRequest
		refund Refund
	)

	from, err := models.Sources(models.StatusRejected, models.ActiveStatuses...)
	if err != nil {
		return nil, Refund{}, err
	}

	err = r.inTx(ctx, func(tx *gorm.DB) error {
		var reqs []models.WithdrawRequest
		err := tx.Raw(`UPDATE withdraw_requests
			SET status = ?, reason = ?, updated_at = ?
			WHERE k1 = ? AND user_id = ? AND status IN ? AND batch_id IS NULL
			RETURNING *`,
			models.StatusRejected, models.ReasonUserCanceled, r.now(),
			k1, userID, from).Scan(&reqs).Error
		if err != nil {
			return fmt.Errorf("failed to cancel request: %w", err)
		}
		if len(reqs) == 0 {
			return models.ErrRequestNotFound
		}
		req = reqs[0]

		refund, _, err = r.refundTx(tx, k1)
		return err
	})
	if err != nil {
		return nil, Refund{}, err
	}

	return &req, refund, nil
}

// FailWithdrawRequest moves a VERIFIED or QUEUED request to PAYMENT_FAILED
// and refunds it. A request held by a batch is left alone: its funds may
// already be on their way.
func (r *Repository) FailWithdrawRequest(ctx context.Context, k1, reason string) (Refund, models.Outcome, error) {
	var (
		refund  Refund
		outcome = models.AlreadyApplied
	)

	from, err := models.Sources(models.StatusPaymentFailed, models.StatusVerified, models.StatusQueued)
	if err != nil {
		return Refund{}, outcome, err
	}

	err = r.inTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.WithdrawRequest{}).
			Where("k1 = ? AND status IN ? AND batch_id IS NULL", k1, from).
			Updates(map[string]interface{}{
				"status":     models.StatusPaymentFailed,
				"reason":     reason,
				"updated_at": r.now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to mark request failed: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var err error
		refund, _, err = r.refundTx(tx, k1)
		outcome = models.Applied
		return err
	})

	return refund, outcome, err
}

func (r *Repository) ListActiveRequests(ctx context.Context, userID string) ([]models.WithdrawRequest, error) {
	var reqs []models.WithdrawRequest
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, models.StatusStrings(models.ActiveStatuses)).
		Order("created_at DESC").
		Find(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active requests: %w", err)
	}
	return reqs, nil
}

func (r *Repository) ListRequestHistory(ctx context.Context, userID string, limit int) ([]models.WithdrawRequest, error) {
	var reqs []models.WithdrawRequest
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list request history: %w", err)
	}
	return reqs, nil
}

// ListTransfers merges deposits and withdrawals of userID, newest first.
func (r *Repository) ListTransfers(ctx context.Context, userID string, limit int) ([]models.Transfer, error) {
	var transfers []models.Transfer
	err := r.db.WithContext(ctx).Raw(`
		SELECT tx_id, vout, 'deposit' AS direction, network, amount, 0 AS fee, created_at
			FROM deposit_transactions WHERE user_id = ?
		UNION ALL
		SELECT tx_id, vout, 'withdraw' AS direction, network, amount, fee, created_at
			FROM withdraw_transactions WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, userID, userID, limit).Scan(&transfers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return transfers, nil
}
