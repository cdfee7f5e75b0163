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

// ErrNothingToBatch is returned by a BuildFunc when no claimed request can be
// covered by the available inputs.
var ErrNothingToBatch = errors.New("nothing to batch")

// BuildFunc picks the requests and inputs of one batch out of the claimed
// requests and unlocked utxos. It runs inside the reservation transaction.
type BuildFunc func(requests []models.QueuedRequest, utxos []models.Utxo) (selected []string, inputs []models.Utxo, err error)

// BatchRecord is the persisted residue of a signed batch.
type BatchRecord struct {
	BatchID    string
	Payment    models.BtcPayment
	ChangeOuts []models.ChangeOut
	WdOuts     []models.WdOut
	WdIns      []models.WdIn
}

// QueuedBTCRequests returns up to limit unclaimed QUEUED BTC requests, oldest
// first, joined with each owner's fee settings.
func (r *Repository) QueuedBTCRequests(ctx context.Context, limit int) ([]models.QueuedRequest, error) {
	var reqs []models.QueuedRequest
	err := r.db.WithContext(ctx).Raw(`SELECT r.*,
			COALESCE(f.rate, 0) AS rate,
			COALESCE(f.policy, ?) AS policy
		FROM withdraw_requests r
		LEFT JOIN fee_rates f ON f.user_id = r.user_id AND f.network = r.network
		WHERE r.network = ? AND r.status = ? AND r.batch_id IS NULL
		ORDER BY r.created_at ASC
		LIMIT ?`,
		models.FeePolicyDefault, models.NetworkBTC, models.StatusQueued, limit).Scan(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get queued requests: %w", err)
	}
	return reqs, nil
}

// ReserveBatch claims candidates and the inputs chosen by build for batchID in
// a single transaction. Utxos held by other batches are never offered to
// build.
func (r *Repository) ReserveBatch(ctx context.Context, batchID string, candidates []models.QueuedRequest, build BuildFunc) error {
	if len(candidates) == 0 {
		return ErrNothingToBatch
	}

	k1s := make([]string, len(candidates))
	for i, c := range candidates {
		k1s[i] = c.K1
	}

	return r.inTx(ctx, func(tx *gorm.DB) error {
		var claimedK1s []string
		err := tx.Raw(`UPDATE withdraw_requests SET batch_id = ?
			WHERE k1 IN ? AND status = ? AND batch_id IS NULL
			RETURNING k1`, batchID, k1s, models.StatusQueued).Scan(&claimedK1s).Error
		if err != nil {
			return fmt.Errorf("failed to claim requests: %w", err)
		}

		claimedSet := make(map[string]struct{}, len(claimedK1s))
		for _, k1 := range claimedK1s {
			claimedSet[k1] = struct{}{}
		}
		claimed := make([]models.QueuedRequest, 0, len(claimedK1s))
		for _, c := range candidates {
			if _, ok := claimedSet[c.K1]; ok {
				claimed = append(claimed, c)
			}
		}
		if len(claimed) == 0 {
			return ErrNothingToBatch
		}

		var utxos []models.Utxo
		err = tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("locked = ?", false).
			Order("amount DESC").
			Find(&utxos).Error
		if err != nil {
			return fmt.Errorf("failed to load utxos: %w", err)
		}

		selected, inputs, err := build(claimed, utxos)
		if err != nil {
			return err
		}
		if len(selected) == 0 || len(inputs) == 0 {
			return ErrNothingToBatch
		}

		outpoints := make([][]interface{}, len(inputs))
		for i, in := range inputs {
			outpoints[i] = []interface{}{in.TxID, in.Vout}
		}
		res := tx.Model(&models.Utxo{}).
			Where("(tx_id, vout) IN ? AND locked = ?", outpoints, false).
			Updates(map[string]interface{}{
				"locked":    true,
				"batch_id":  batchID,
				"locked_at": r.now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to lock utxos: %w", res.Error)
		}
		if res.RowsAffected != int64(len(inputs)) {
			return fmt.Errorf("locked %d of %d inputs", res.RowsAffected, len(inputs))
		}

		// Claimed requests the builder could not cover go back to the queue.
		err = tx.Model(&models.WithdrawRequest{}).
			Where("batch_id = ? AND k1 NOT IN ?", batchID, selected).
			Update("batch_id", nil).Error
		if err != nil {
			return fmt.Errorf("failed to release skipped requests: %w", err)
		}

		return nil
	})
}

// ReleaseBatch returns the inputs and requests of a batch that was never
// persisted. Once FinalizeBatch has recorded the batch it may be on the
// network, and the release is a no-op.
func (r *Repository) ReleaseBatch(ctx context.Context, batchID string) error {
	return r.inTx(ctx, func(tx *gorm.DB) error {
		return r.releaseTx(tx, batchID)
	})
}

func (r *Repository) releaseTx(tx *gorm.DB, batchID string) error {
	var persisted int64
	err := tx.Model(&models.BtcPayment{}).Where("batch_id = ?", batchID).Count(&persisted).Error
	if err != nil {
		return fmt.Errorf("failed to check batch %s: %w", batchID, err)
	}
	if persisted > 0 {
		r.logger.Warnf("batch %s is persisted, not releasing", batchID)
		return nil
	}

	err = tx.Model(&models.Utxo{}).
		Where("batch_id = ?", batchID).
		Updates(map[string]interface{}{
			"locked":    false,
			"batch_id":  nil,
			"locked_at": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to unlock utxos: %w", err)
	}

	err = tx.Model(&models.WithdrawRequest{}).
		Where("batch_id = ? AND status = ?", batchID, models.StatusQueued).
		Update("batch_id", nil).Error
	if err != nil {
		return fmt.Errorf("failed to release requests: %w", err)
	}
	return nil
}

// ReleaseStaleReservations releases batches reserved before cutoff that were
// never persisted, such as those left behind by a crash between reservation
// and FinalizeBatch. It returns how many batches were released.
func (r *Repository) ReleaseStaleReservations(ctx context.Context, cutoff time.Time) (int64, error) {
	var batchIDs []string
	err := r.db.WithContext(ctx).Raw(`SELECT DISTINCT u.batch_id FROM utxos u
		WHERE u.locked AND u.batch_id IS NOT NULL AND u.locked_at < ?
		AND NOT EXISTS (SELECT 1 FROM btc_payments p WHERE p.batch_id = u.batch_id)`,
		cutoff).Scan(&batchIDs).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find stale reservations: %w", err)
	}

	var released int64
	for _, batchID := range batchIDs {
		if err := r.ReleaseBatch(ctx, batchID); err != nil {
			return released, err
		}
		r.logger.Warnf("released stale batch reservation %s", batchID)
		released++
	}
	return released, nil
}

// AbandonBatch undoes FinalizeBatch for a transaction the network refused:
// its records are removed, requests go back to the queue with their funds
// still locked, and inputs are unlocked. A batch with confirmations, or one
// already abandoned, is AlreadyApplied.
func (r *Repository) AbandonBatch(ctx context.Context, txid string) (models.Outcome, error) {
	from, err := models.Sources(models.StatusQueued, models.StatusInFlight)
	if err != nil {
		return models.AlreadyApplied, err
	}

	outcome := models.AlreadyApplied
	err = r.inTx(ctx, func(tx *gorm.DB) error {
		var payments []models.BtcPayment
		err := tx.Raw(`DELETE FROM btc_payments WHERE tx_id = ? AND confirmations = 0 RETURNING *`,
			txid).Scan(&payments).Error
		if err != nil {
			return fmt.Errorf("failed to delete btc payment: %w", err)
		}
		if len(payments) == 0 {
			return nil
		}
		batchID := payments[0].BatchID

		for _, table := range []string{"wd_outs", "change_outs", "wd_ins"} {
			if err := tx.Exec("DELETE FROM "+table+" WHERE tx_id = ?", txid).Error; err != nil {
				return fmt.Errorf("failed to delete %s of %s: %w", table, txid, err)
			}
		}

		err = tx.Model(&models.WithdrawRequest{}).
			Where("batch_id = ? AND status IN ?", batchID, from).
			Updates(map[string]interface{}{
				"status":     models.StatusQueued,
				"batch_id":   nil,
				"updated_at": r.now(),
			}).Error
		if err != nil {
			return fmt.Errorf("failed to requeue requests: %w", err)
		}

		err = tx.Model(&models.Utxo{}).
			Where("batch_id = ?", batchID).
			Updates(map[string]interface{}{
				"locked":    false,
				"batch_id":  nil,
				"locked_at": nil,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to unlock utxos: %w", err)
		}

		outcome = models.Applied
		return nil
	})

	return outcome, err
}

// FinalizeBatch persists a signed batch, raw transaction included, and moves
// its requests to IN_FLIGHT. It runs before the broadcast so a batch that may
// be on the network is never released.
func (r *Repository) FinalizeBatch(ctx context.Context, rec BatchRecord) (models.Outcome, error) {
	outcome := models.AlreadyApplied

	from, err := models.Sources(models.StatusInFlight, models.StatusQueued)
	if err != nil {
		return outcome, err
	}

	err = r.inTx(ctx, func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec.Payment)
		if res.Error != nil {
			return fmt.Errorf("failed to insert btc payment: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if len(rec.ChangeOuts) > 0 {
			if err := tx.Create(&rec.ChangeOuts).Error; err != nil {
				return fmt.Errorf("failed to insert change outputs: %w", err)
			}
		}
		if len(rec.WdOuts) > 0 {
			if err := tx.Create(&rec.WdOuts).Error; err != nil {
				return fmt.Errorf("failed to insert payout outputs: %w", err)
			}
		}
		if len(rec.WdIns) > 0 {
			if err := tx.Create(&rec.WdIns).Error; err != nil {
				return fmt.Errorf("failed to insert inputs: %w", err)
			}
		}

		res = tx.Model(&models.WithdrawRequest{}).
			Where("batch_id = ? AND status IN ?", rec.BatchID, from).
			Updates(map[string]interface{}{
				"status":     models.StatusInFlight,
				"updated_at": r.now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to mark requests in flight: %w", res.Error)
		}
		if res.RowsAffected != int64(len(rec.WdOuts)) {
			r.logger.Warnf("batch %s: %d requests moved in flight, %d payouts",
				rec.BatchID, res.RowsAffected, len(rec.WdOuts))
		}

		outcome = models.Applied
		return nil
	})

	return outcome, err
}

// PendingPayments lists persisted batches below the confirmation target.
func (r *Repository) PendingPayments(ctx context.Context, target int) ([]models.BtcPayment, error) {
	var payments []models.BtcPayment
	err := r.db.WithContext(ctx).
		Where("confirmations < ?", target).
		Order("created_at ASC").
		Find(&payments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payments: %w", err)
	}
	return payments, nil
}

// UpdateConfirmations records progress below the target. It never lowers the
// stored count.
func (r *Repository) UpdateConfirmations(ctx context.Context, txid string, confirmations, target int) error {
	if confirmations >= target {
		return fmt.Errorf("%d confirmations reach target, use ConfirmBatch", confirmations)
	}
	return r.db.WithContext(ctx).
		Model(&models.BtcPayment{}).
		Where("tx_id = ? AND confirmations < ?", txid, confirmations).
		Update("confirmations", confirmations).Error
}

// ConfirmBatch applies the on-chain confirmation of txid exactly once: spent
// inputs are removed, change returns to the registry, payouts are recorded,
// locks are settled and requests become PAID.
func (r *Repository) ConfirmBatch(ctx context.Context, txid string, confirmations, target int) (models.Outcome, []models.WdOut, error) {
	var (
		outcome = models.AlreadyApplied
		payouts []models.WdOut
	)

	err := r.inTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.BtcPayment{}).
			Where("tx_id = ? AND confirmations < ?", txid, target).
			Update("confirmations", confirmations)
		if res.Error != nil {
			return fmt.Errorf("failed to update confirmations: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		now := r.now()
		steps := []struct {
			name string
			sql  string
			args []interface{}
		}{
			{"delete spent utxos", `DELETE FROM utxos WHERE (tx_id, vout) IN
				(SELECT prev_tx_id, prev_vout FROM wd_ins WHERE tx_id = ?)`, []interface{}{txid}},
			{"insert change utxos", `INSERT INTO utxos (tx_id, vout, user_id, script_pubkey, amount, locked, created_at)
				SELECT tx_id, vout, user_id, script_pubkey, amount, FALSE, ? FROM change_outs WHERE tx_id = ?
				ON CONFLICT DO NOTHING`, []interface{}{now, txid}},
			{"mark change addresses used", `UPDATE wallet_addresses SET used = used + 1
				WHERE script_pubkey IN (SELECT script_pubkey FROM change_outs WHERE tx_id = ?)`, []interface{}{txid}},
			{"insert withdraw transactions", `INSERT INTO withdraw_transactions (tx_id, vout, k1, user_id, network, amount, fee, created_at)
				SELECT tx_id, vout, k1, user_id, ?, amount, fee, ? FROM wd_outs WHERE tx_id = ?
				ON CONFLICT DO NOTHING`, []interface{}{models.NetworkBTC, now, txid}},
			{"settle locked balances", `DELETE FROM locked_balances
				WHERE k1 IN (SELECT k1 FROM wd_outs WHERE tx_id = ?)`, []interface{}{txid}},
			{"mark requests paid", `UPDATE withdraw_requests SET status = ?, updated_at = ?
				WHERE k1 IN (SELECT k1 FROM wd_outs WHERE tx_id = ?) AND status = ?`,
				[]interface{}{models.StatusPaid, now, txid, models.StatusInFlight}},
		}
		for _, step := range steps {
			if err := tx.Exec(step.sql, step.args...).Error; err != nil {
				return fmt.Errorf("failed to %s: %w", step.name, err)
			}
		}

		if err := tx.Where("tx_id = ?", txid).Find(&payouts).Error; err != nil {
			return fmt.Errorf("failed to load payouts: %w", err)
		}

		outcome = models.Applied
		return nil
	})
	if err != nil {
		return models.AlreadyApplied, nil, err
	}

	return outcome, payouts, nil
}
