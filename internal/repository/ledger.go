package repository

import (
	"context"
	"fmt"

	"github.com/Fi44er/custody_ledger/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Refund describes funds returned from a locked balance.
type Refund struct {
	UserID string
	Amount int64
}

func (r *Repository) GetBalance(ctx context.Context, userID string) (int64, error) {
	var amount int64
	err := r.db.WithContext(ctx).
		Model(&models.Balance{}).
		Where("user_id = ? AND market = ?", userID, models.MarketBTC).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&amount).Error
	if err != nil {
		return 0, fmt.Errorf("failed to get balance for %s: %w", userID, err)
	}
	return amount, nil
}

func (r *Repository) GetLockedTotal(ctx context.Context, userID string) (int64, error) {
	var amount int64
	err := r.db.WithContext(ctx).
		Model(&models.LockedBalance{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&amount).Error
	if err != nil {
		return 0, fmt.Errorf("failed to get locked total for %s: %w", userID, err)
	}
	return amount, nil
}

func (r *Repository) Lock(ctx context.Context, userID string, amount int64, k1 string) error {
	return r.inTx(ctx, func(tx *gorm.DB) error {
		return r.lockTx(tx, userID, amount, k1)
	})
}

func (r *Repository) UnlockRefund(ctx context.Context, k1 string) (Refund, models.Outcome, error) {
	var (
		refund  Refund
		outcome models.Outcome
	)
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		var err error
		refund, outcome, err = r.refundTx(tx, k1)
		return err
	})
	return refund, outcome, err
}

func (r *Repository) Settle(ctx context.Context, k1 string) (models.Outcome, error) {
	var outcome models.Outcome
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		var err error
		_, outcome, err = r.settleTx(tx, k1)
		return err
	})
	return outcome, err
}

func (r *Repository) lockTx(tx *gorm.DB, userID string, amount int64, k1 string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: lock amount must be positive", models.ErrInvalidRequest)
	}

	res := tx.Exec(`UPDATE balances SET amount = amount - ?
		WHERE user_id = ? AND market = ? AND amount >= ?`,
		amount, userID, models.MarketBTC, amount)
	if res.Error != nil {
		return fmt.Errorf("failed to debit balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrInsufficientFunds
	}

	res = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.LockedBalance{
		K1:        k1,
		UserID:    userID,
		Amount:    amount,
		CreatedAt: r.now(),
	})
	if res.Error != nil {
		return fmt.Errorf("failed to insert locked balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrDuplicateLedgerEntry
	}

	return nil
}

func (r *Repository) refundTx(tx *gorm.DB, k1 string) (Refund, models.Outcome, error) {
	refund, outcome, err := r.settleTx(tx, k1)
	if err != nil || outcome == models.AlreadyApplied {
		return refund, outcome, err
	}

	if err := r.creditTx(tx, refund.UserID, refund.Amount); err != nil {
		return Refund{}, outcome, err
	}
	return refund, models.Applied, nil
}

// settleTx removes the lock for k1 and returns what it held.
func (r *Repository) settleTx(tx *gorm.DB, k1 string) (Refund, models.Outcome, error) {
	var rows []Refund
	res := tx.Raw(`DELETE FROM locked_balances WHERE k1 = ?
		RETURNING user_id, amount`, k1).Scan(&rows)
	if res.Error != nil {
		return Refund{}, models.AlreadyApplied, fmt.Errorf("failed to delete locked balance: %w", res.Error)
	}
	if len(rows) == 0 {
		return Refund{}, models.AlreadyApplied, nil
	}
	return rows[0], models.Applied, nil
}

func (r *Repository) creditTx(tx *gorm.DB, userID string, amount int64) error {
	if amount == 0 {
		return nil
	}
	err := tx.Exec(`INSERT INTO balances (user_id, market, amount) VALUES (?, ?, ?)
		ON CONFLICT (user_id, market) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		userID, models.MarketBTC, amount).Error
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	return nil
}
