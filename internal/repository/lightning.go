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

// LnRedemption is a decoded invoice bound to a VERIFIED LN request.
type LnRedemption struct {
	K1          string
	PaymentHash string
	Bolt11      string
	Amount      int64
	FeeReserve  int64
	Destination string
	Expiry      int64
	Description string
}

// LnSettlement is what finalizing an outbound payment did to the ledger.
type LnSettlement struct {
	K1       string
	UserID   string
	ValueSat int64
	FeeSat   int64
	Refund   int64
}

// RedeemLN is the VERIFIED -> IN_FLIGHT transition of a Lightning request: it
// latches redeemed, locks amount plus fee reserve, and records the invoice and
// payment keyed by payment hash. A payment hash seen before rejects the
// request.
func (r *Repository) RedeemLN(ctx context.Context, red LnRedemption) (*models.WithdrawRequest, error) {
	var req models.WithdrawRequest

	err := r.inTx(ctx, func(tx *gorm.DB) error {
		var reqs []models.WithdrawRequest
		err := tx.Raw(`UPDATE withdraw_requests
			SET status = ?, redeemed = TRUE, amount = ?, destination = ?, updated_at = ?
			WHERE k1 = ? AND network = ? AND status = ? AND redeemed = FALSE
			RETURNING *`,
			models.StatusInFlight, red.Amount, red.Bolt11, r.now(),
			red.K1, models.NetworkLN, models.StatusVerified).Scan(&reqs).Error
		if err != nil {
			return fmt.Errorf("failed to redeem request: %w", err)
		}
		if len(reqs) == 0 {
			return models.ErrRequestNotFound
		}
		req = reqs[0]

		now := r.now()
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.WithdrawInvoice{
			PaymentHash: red.PaymentHash,
			K1:          red.K1,
			Bolt11:      red.Bolt11,
			State:       models.PaymentInFlight,
			Destination: red.Destination,
			NumSatoshis: red.Amount,
			Expiry:      red.Expiry,
			Description: red.Description,
			CreatedAt:   now,
		})
		if res.Error != nil {
			return fmt.Errorf("failed to insert withdraw invoice: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return models.ErrDuplicateRequest
		}

		if err := r.lockTx(tx, req.UserID, red.Amount+red.FeeReserve, red.K1); err != nil {
			return err
		}

		err = tx.Create(&models.LnPayment{
			PaymentHash: red.PaymentHash,
			K1:          red.K1,
			UserID:      req.UserID,
			ValueSat:    red.Amount,
			Status:      models.PaymentInFlight,
			CreatedAt:   now,
			UpdatedAt:   now,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to insert ln payment: %w", err)
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrDuplicateRequest):
			if rejErr := r.RejectVerified(ctx, red.K1, models.ReasonDuplicateInvoice); rejErr != nil {
				r.logger.Errorf("failed to reject request %s: %v", red.K1, rejErr)
			}
		case errors.Is(err, models.ErrInsufficientFunds):
			if rejErr := r.RejectVerified(ctx, red.K1, models.ReasonInsufficientFunds); rejErr != nil {
				r.logger.Errorf("failed to reject request %s: %v", red.K1, rejErr)
			}
		}
		return nil, err
	}

	return &req, nil
}

// FinalizePayment applies a SUCCEEDED payment once. The unused part of the
// fee reserve goes back to the user.
func (r *Repository) FinalizePayment(ctx context.Context, paymentHash, preimage string, feeSat int64) (models.Outcome, *LnSettlement, error) {
	var (
		outcome    = models.AlreadyApplied
		settlement *LnSettlement
	)

	err := r.inTx(ctx, func(tx *gorm.DB) error {
		var pays []models.LnPayment
		err := tx.Raw(`UPDATE ln_payments SET status = ?, fee_sat = ?, updated_at = ?
			WHERE payment_hash = ? AND status = ?
			RETURNING *`,
			models.PaymentSucceeded, feeSat, r.now(), paymentHash, models.PaymentInFlight).Scan(&pays).Error
		if err != nil {
			return fmt.Errorf("failed to finalize payment: %w", err)
		}
		if len(pays) == 0 {
			return nil
		}
		pay := pays[0]

		locked, _, err := r.settleTx(tx, pay.K1)
		if err != nil {
			return err
		}
		refund := locked.Amount - pay.ValueSat - feeSat
		if refund > 0 {
			if err := r.creditTx(tx, pay.UserID, refund); err != nil {
				return err
			}
		} else {
			refund = 0
		}

		now := r.now()
		err = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.WithdrawTransaction{
			TxID:      paymentHash,
			K1:        pay.K1,
			UserID:    pay.UserID,
			Network:   models.NetworkLN,
			Amount:    pay.ValueSat,
			Fee:       feeSat,
			CreatedAt: now,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to insert withdraw transaction: %w", err)
		}

		err = tx.Model(&models.WithdrawInvoice{}).
			Where("payment_hash = ?", paymentHash).
			Updates(map[string]interface{}{"state": models.PaymentSucceeded, "preimage": preimage}).Error
		if err != nil {
			return fmt.Errorf("failed to update withdraw invoice: %w", err)
		}

		err = tx.Model(&models.WithdrawRequest{}).
			Where("k1 = ? AND status = ?", pay.K1, models.StatusInFlight).
			Updates(map[string]interface{}{"status": models.StatusPaid, "updated_at": now}).Error
		if err != nil {
			return fmt.Errorf("failed to mark request paid: %w", err)
		}

		settlement = &LnSettlement{
			K1:       pay.K1,
			UserID:   pay.UserID,
			ValueSat: pay.ValueSat,
			FeeSat:   feeSat,
			Refund:   refund,
		}
		outcome = models.Applied
		return nil
	})
	if err != nil {
		return models.AlreadyApplied, nil, err
	}

	return outcome, settlement, nil
}

// FailPayment applies a FAILED payment once, refunding the whole lock.
func (r *Repository) FailPayment(ctx context.Context, paymentHash, reason string) (models.Outcome, *LnSettlement, error) {
	var (
		outcome    = models.AlreadyApplied
		settlement *LnSettlement
	)

	err := r.inTx(ctx, func(tx *gorm.DB) error {
		var pays []models.LnPayment
		err := tx.Raw(`UPDATE ln_payments SET status = ?, failure_reason = ?, updated_at = ?
			WHERE payment_hash = ? AND status = ?
			RETURNING *`,
			models.PaymentFailed, reason, r.now(), paymentHash, models.PaymentInFlight).Scan(&pays).Error
		if err != nil {
			return fmt.Errorf("failed to fail payment: %w", err)
		}
		if len(pays) == 0 {
			return nil
		}
		pay := pays[0]

		refund, _, err := r.refundTx(tx, pay.K1)
		if err != nil {
			return err
		}

		err = tx.Model(&models.WithdrawInvoice{}).
			Where("payment_hash = ?", paymentHash).
			Update("state", models.PaymentFailed).Error
		if err != nil {
			return fmt.Errorf("failed to update withdraw invoice: %w", err)
		}

		err = tx.Model(&models.WithdrawRequest{}).
			Where("k1 = ? AND status = ?", pay.K1, models.StatusInFlight).
			Updates(map[string]interface{}{
				"status":     models.StatusPaymentFailed,
				"reason":     reason,
				"updated_at": r.now(),
			}).Error
		if err != nil {
			return fmt.Errorf("failed to mark request failed: %w", err)
		}

		settlement = &LnSettlement{K1: pay.K1, UserID: pay.UserID, ValueSat: pay.ValueSat, Refund: refund.Amount}
		outcome = models.Applied
		return nil
	})
	if err != nil {
		return models.AlreadyApplied, nil, err
	}

	return outcome, settlement, nil
}

// OldestInFlightPayment is where a payment catch-up scan starts. Zero time
// means nothing is in flight.
func (r *Repository) OldestInFlightPayment(ctx context.Context) (time.Time, error) {
	var pay models.LnPayment
	err := r.db.WithContext(ctx).
		Where("status = ?", models.PaymentInFlight).
		Order("created_at ASC").
		First(&pay).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get oldest in-flight payment: %w", err)
	}
	return pay.CreatedAt, nil
}

func (r *Repository) InsertDepositInvoice(ctx context.Context, inv *models.DepositInvoice) error {
	inv.CreatedAt = r.now()
	if err := r.db.WithContext(ctx).Create(inv).Error; err != nil {
		return fmt.Errorf("failed to insert deposit invoice: %w", err)
	}
	return nil
}

// SettleDepositInvoice credits a settled deposit invoice exactly once per
// payment hash. Unknown hashes are AlreadyApplied.
func (r *Repository) SettleDepositInvoice(ctx context.Context, paymentHash string, amtPaidSat int64, settleIndex uint64) (models.Outcome, string, error) {
	var (
		outcome = models.AlreadyApplied
		userID  string
	)

	err := r.inTx(ctx, func(tx *gorm.DB) error {
		var invs []models.DepositInvoice
		err := tx.Raw(`UPDATE deposit_invoices
			SET state = ?, amt_paid_sat = ?, settle_index = ?
			WHERE payment_hash = ? AND state <> ?
			RETURNING *`,
			models.InvoiceSettled, amtPaidSat, settleIndex, paymentHash, models.InvoiceSettled).Scan(&invs).Error
		if err != nil {
			return fmt.Errorf("failed to settle deposit invoice: %w", err)
		}
		if len(invs) == 0 {
			return nil
		}
		userID = invs[0].UserID

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.DepositTransaction{
			TxID:      paymentHash,
			UserID:    userID,
			Network:   models.NetworkLN,
			Amount:    amtPaidSat,
			CreatedAt: r.now(),
		})
		if res.Error != nil {
			return fmt.Errorf("failed to insert deposit transaction: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if err := r.creditTx(tx, userID, amtPaidSat); err != nil {
			return err
		}

		outcome = models.Applied
		return nil
	})
	if err != nil {
		return models.AlreadyApplied, "", err
	}

	return outcome, userID, nil
}

// MaxSettleIndex is the highest settle index already credited.
func (r *Repository) MaxSettleIndex(ctx context.Context) (uint64, error) {
	var idx uint64
	err := r.db.WithContext(ctx).
		Model(&models.DepositInvoice{}).
		Where("state = ?", models.InvoiceSettled).
		Select("COALESCE(MAX(settle_index), 0)").
		Scan(&idx).Error
	if err != nil {
		return 0, fmt.Errorf("failed to get max settle index: %w", err)
	}
	return idx, nil
}

// MinOpenAddIndex is the add index before the oldest invoice still open, or
// the highest index seen when none is open.
func (r *Repository) MinOpenAddIndex(ctx context.Context) (uint64, error) {
	var idx uint64
	err := r.db.WithContext(ctx).Raw(`SELECT COALESCE(
			(SELECT MIN(add_index) - 1 FROM deposit_invoices WHERE state = ?),
			(SELECT MAX(add_index) FROM deposit_invoices),
			0)`, models.InvoiceOpen).Scan(&idx).Error
	if err != nil {
		return 0, fmt.Errorf("failed to get min open add index: %w", err)
	}
	return idx, nil
}

func (r *Repository) ListInFlightPayments(ctx context.Context) ([]models.LnPayment, error) {
	var pays []models.LnPayment
	err := r.db.WithContext(ctx).
		Where("status = ?", models.PaymentInFlight).
		Order("created_at ASC").
		Find(&pays).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight payments: %w", err)
	}
	return pays, nil
}
