package repository

import (
	"context"
	"fmt"

	"github.com/Fi44er/custody_ledger/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RegisterUTXO records a confirmed deposit output and credits its owner. The
// deposit_transactions row is the permanent record of the credit, so an
// outpoint seen before is AlreadyApplied even after its utxo row was spent
// and deleted.
func (r *Repository) RegisterUTXO(ctx context.Context, scriptPubKey, txid string, vout uint32, amount int64) (models.Outcome, *models.WalletAddress, error) {
	var (
		outcome = models.AlreadyApplied
		owner   *models.WalletAddress
	)

	err := r.inTx(ctx, func(tx *gorm.DB) error {
		addr, err := r.findAddress(tx, "script_pubkey = ?", scriptPubKey)
		if err != nil {
			return err
		}
		if addr == nil {
			return models.ErrUnknownAddress
		}
		owner = addr

		now := r.now()
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.DepositTransaction{
			TxID:      txid,
			Vout:      vout,
			UserID:    addr.UserID,
			Network:   models.NetworkBTC,
			Amount:    amount,
			CreatedAt: now,
		})
		if res.Error != nil {
			return fmt.Errorf("failed to insert deposit transaction: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		err = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Utxo{
			TxID:         txid,
			Vout:         vout,
			UserID:       addr.UserID,
			ScriptPubKey: scriptPubKey,
			Amount:       amount,
			CreatedAt:    now,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to insert utxo: %w", err)
		}

		if err := r.creditTx(tx, addr.UserID, amount); err != nil {
			return err
		}

		err = tx.Model(&models.WalletAddress{}).
			Where("script_pubkey = ?", scriptPubKey).
			UpdateColumn("used", gorm.Expr("used + 1")).Error
		if err != nil {
			return fmt.Errorf("failed to mark address used: %w", err)
		}

		outcome = models.Applied
		return nil
	})
	if err != nil {
		return models.AlreadyApplied, nil, err
	}

	return outcome, owner, nil
}
