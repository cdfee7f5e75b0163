package batch

import (
	"context"
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/Fi44er/custody_ledger/internal/models"
	"github.com/Fi44er/custody_ledger/internal/notify"
	"github.com/Fi44er/custody_ledger/utils"
)

// Tracker follows persisted batches until they reach the confirmation
// target. All of its state lives in the store, so a restart loses nothing.
// An unconfirmed batch is rebroadcast from its stored raw transaction on
// every check.
type Tracker struct {
	store      Store
	chain      Chain
	notifier   notify.Notifier
	clock      clock.Clock
	logger     *utils.Logger
	target     int
	interval   time.Duration
	retryDelay time.Duration
}

func NewTracker(store Store, chain Chain, notifier notify.Notifier, clk clock.Clock, logger *utils.Logger,
	target int, interval, retryDelay time.Duration) *Tracker {

	return &Tracker{
		store:      store,
		chain:      chain,
		notifier:   notifier,
		clock:      clk,
		logger:     logger,
		target:     target,
		interval:   interval,
		retryDelay: retryDelay,
	}
}

// Run polls until ctx is done. Chain errors wait retryDelay and try again.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		wait := t.interval
		if err := t.RunOnce(ctx); err != nil {
			t.logger.Warnf("confirmation check failed, retrying in %v: %v", t.retryDelay, err)
			wait = t.retryDelay
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.clock.TickAfter(wait):
		}
	}
}

// RunOnce checks every unconfirmed batch once. A failure on one batch does
// not stop the others; all failures are returned joined.
func (t *Tracker) RunOnce(ctx context.Context) error {
	payments, err := t.store.PendingPayments(ctx, t.target)
	if err != nil {
		return err
	}

	var errs []error
	for _, p := range payments {
		if err := t.check(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (t *Tracker) check(ctx context.Context, p models.BtcPayment) error {
	log := t.logger.WithField("txid", p.TxID)

	confs, err := t.chain.Confirmations(ctx, p.TxID)
	if err != nil {
		return err
	}

	if confs == 0 && p.RawTx != "" {
		_, err := t.chain.Broadcast(ctx, p.RawTx)
		switch {
		case errors.Is(err, models.ErrTxRejected):
			log.Errorf("rebroadcast rejected, batch needs attention: %v", err)
		case err != nil:
			return err
		}
	}

	if confs < t.target {
		if confs > p.Confirmations {
			if err := t.store.UpdateConfirmations(ctx, p.TxID, confs, t.target); err != nil {
				return err
			}
			log.Debugf("%d/%d confirmations", confs, t.target)
		}
		return nil
	}

	outcome, payouts, err := t.store.ConfirmBatch(ctx, p.TxID, confs, t.target)
	if err != nil {
		return err
	}
	if outcome == models.AlreadyApplied {
		log.Info("batch already confirmed")
		return nil
	}

	log.Infof("batch confirmed with %d confirmations, %d requests paid", confs, len(payouts))
	t.notifier.BatchConfirmed(p.TxID, confs)
	return nil
}
