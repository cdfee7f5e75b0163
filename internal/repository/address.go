package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Fi44er/custody_ledger/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FirstUserIndex is assigned to the first user that receives an address.
const FirstUserIndex = 1000

func (r *Repository) GetUnusedAddress(ctx context.Context, userID string, change uint32) (*models.WalletAddress, error) {
	var addr models.WalletAddress
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND change = ? AND used = 0", userID, change).
		Order("address_index ASC").
		First(&addr).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get unused address for %s: %w", userID, err)
	}
	return &addr, nil
}

// NextAddressPath returns the user_index of userID (allocating the next global
// one if the user has none) and the next address_index in its change group.
func (r *Repository) NextAddressPath(ctx context.Context, userID string, change uint32) (uint32, uint32, error) {
	var path struct {
		UserIndex    uint32
		AddressIndex uint32
	}
	err := r.db.WithContext(ctx).Raw(`SELECT
		COALESCE(
			(SELECT user_index FROM wallet_addresses WHERE user_id = ? LIMIT 1),
			(SELECT COALESCE(MAX(user_index) + 1, ?) FROM wallet_addresses)
		) AS user_index,
		(SELECT COALESCE(MAX(address_index) + 1, 0) FROM wallet_addresses
			WHERE user_id = ? AND change = ?) AS address_index`,
		userID, FirstUserIndex, userID, change).Scan(&path).Error
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute derivation path: %w", err)
	}
	return path.UserIndex, path.AddressIndex, nil
}

// InsertAddress is a no-op when the key or path is already taken.
func (r *Repository) InsertAddress(ctx context.Context, addr *models.WalletAddress) (models.Outcome, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(addr)
	if res.Error != nil {
		return models.AlreadyApplied, fmt.Errorf("failed to insert address: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.AlreadyApplied, nil
	}
	return models.Applied, nil
}

func (r *Repository) GetAddressByScript(ctx context.Context, scriptPubKey string) (*models.WalletAddress, error) {
	return r.findAddress(r.db.WithContext(ctx), "script_pubkey = ?", scriptPubKey)
}

func (r *Repository) GetAddress(ctx context.Context, p2wsh string) (*models.WalletAddress, error) {
	return r.findAddress(r.db.WithContext(ctx), "p2wsh = ?", p2wsh)
}

func (r *Repository) ListAddresses(ctx context.Context) ([]models.WalletAddress, error) {
	var addrs []models.WalletAddress
	if err := r.db.WithContext(ctx).Order("user_index, change, address_index").Find(&addrs).Error; err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	return addrs, nil
}

func (r *Repository) findAddress(db *gorm.DB, query string, arg string) (*models.WalletAddress, error) {
	var addr models.WalletAddress
	err := db.Where(query, arg).First(&addr).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find address: %w", err)
	}
	return &addr, nil
}

func (r *Repository) ListUnusedAddresses(ctx context.Context, userID string, change uint32, limit int) ([]models.WalletAddress, error) {
	var addrs []models.WalletAddress
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND change = ? AND used = 0", userID, change).
		Order("address_index ASC").
		Limit(limit).
		Find(&addrs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unused addresses: %w", err)
	}
	return addrs, nil
}
