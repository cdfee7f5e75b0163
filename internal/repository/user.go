package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Fi44er/custody_ledger/internal/models"
	"github.com/Fi44er/custody_ledger/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *Repository) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).First(&user, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	return &user, nil
}

func (r *Repository) GetUserByK1(ctx context.Context, k1 string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).First(&user, "k1 = ?", k1).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user by k1: %w", err)
	}
	return &user, nil
}

// GetOrCreateUser registers userID with a fresh deposit correlation key if it
// is not known yet.
func (r *Repository) GetOrCreateUser(ctx context.Context, userID string) (*models.User, error) {
	k1, err := utils.NewK1()
	if err != nil {
		return nil, err
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.User{UserID: userID, K1: k1, CreatedAt: r.now()}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create user %s: %w", userID, err)
	}

	return r.GetUser(ctx, userID)
}

func (r *Repository) GetFeeRate(ctx context.Context, userID string, network models.Network) (*models.FeeRate, error) {
	var rate models.FeeRate
	err := r.db.WithContext(ctx).
		First(&rate, "user_id = ? AND network = ?", userID, network).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get fee rate: %w", err)
	}
	return &rate, nil
}

func (r *Repository) UpsertFeeRate(ctx context.Context, rate *models.FeeRate) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rate).Error
	if err != nil {
		return fmt.Errorf("failed to save fee rate: %w", err)
	}
	return nil
}
