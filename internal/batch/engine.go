package batch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/Fi44er/custody_ledger/internal/derive"
	"github.com/Fi44er/custody_ledger/internal/models"
	"github.com/Fi44er/custody_ledger/internal/notify"
	"github.com/Fi44er/custody_ledger/internal/repository"
	"github.com/Fi44er/custody_ledger/utils"
)

const (
	defaultReservationTimeout = 30 * time.Minute

	// cleanupTimeout bounds store writes that must outlive a canceled cycle.
	cleanupTimeout = 30 * time.Second
)

// Store is the persistence the engine and tracker need.
type Store interface {
	QueuedBTCRequests(ctx context.Context, limit int) ([]models.QueuedRequest, error)
	ReserveBatch(ctx context.Context, batchID string, candidates []models.QueuedRequest, build repository.BuildFunc) error
	ReleaseBatch(ctx context.Context, batchID string) error
	ReleaseStaleReservations(ctx context.Context, cutoff time.Time) (int64, error)
	FinalizeBatch(ctx context.Context, rec repository.BatchRecord) (models.Outcome, error)
	AbandonBatch(ctx context.Context, txid string) (models.Outcome, error)
	GetAddressByScript(ctx context.Context, scriptPubKey string) (*models.WalletAddress, error)

	PendingPayments(ctx context.Context, target int) ([]models.BtcPayment, error)
	UpdateConfirmations(ctx context.Context, txid string, confirmations, target int) error
	ConfirmBatch(ctx context.Context, txid string, confirmations, target int) (models.Outcome, []models.WdOut, error)
}

// Ledger hands out custody change addresses and fails requests that cannot
// be paid, refunding the owner.
type Ledger interface {
	ChangeAddresses(ctx context.Context, n int) ([]models.WalletAddress, error)
	MarkFailed(ctx context.Context, k1, reason string) (models.Outcome, error)
}

// Cosigner signs a PSBT and returns the final transaction as hex.
type Cosigner interface {
	Sign(ctx context.Context, psbt string) (string, error)
}

// Chain is the broadcast and confirmation side of the chain source.
// Broadcast returns models.ErrTxRejected only when the network definitely
// refused the transaction.
type Chain interface {
	Broadcast(ctx context.Context, rawTxHex string) (string, error)
	Confirmations(ctx context.Context, txid string) (int, error)
}

type Config struct {
	BatchSize        int
	Interval         time.Duration
	MinFeeRate       int64
	MaxChangeOutput  int64
	MaxChangeOutputs int
	RequiredSigs     int
	TotalKeys        int
	CustodyUserID    string
	Params           *chaincfg.Params

	// ReservationTimeout is how long a reservation may stay unpersisted
	// before the engine releases it.
	ReservationTimeout time.Duration
}

type Engine struct {
	cfg      Config
	store    Store
	ledger   Ledger
	cosigner Cosigner
	chain    Chain
	notifier notify.Notifier
	clock    clock.Clock
	logger   *utils.Logger
}

func NewEngine(cfg Config, store Store, ledger Ledger, cosigner Cosigner, chain Chain,
	notifier notify.Notifier, clk clock.Clock, logger *utils.Logger) *Engine {

	if cfg.MaxChangeOutputs < 1 {
		cfg.MaxChangeOutputs = 1
	}
	if cfg.ReservationTimeout <= 0 {
		cfg.ReservationTimeout = defaultReservationTimeout
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		ledger:   ledger,
		cosigner: cosigner,
		chain:    chain,
		notifier: notifier,
		clock:    clk,
		logger:   logger,
	}
}

// Run builds a batch every interval until ctx is done. Each cycle first
// releases reservations older than ReservationTimeout that never got
// persisted.
func (e *Engine) Run(ctx context.Context) error {
	t := ticker.New(e.cfg.Interval)
	t.Resume()
	defer t.Stop()

	for {
		if _, err := e.ReleaseStale(ctx); err != nil {
			e.logger.Errorf("failed to release stale reservations: %v", err)
		}
		if _, err := e.RunOnce(ctx); err != nil {
			e.logger.Errorf("batch cycle failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.Ticks():
		}
	}
}

// ReleaseStale releases reservations left behind by an interrupted cycle.
func (e *Engine) ReleaseStale(ctx context.Context) (int64, error) {
	return e.store.ReleaseStaleReservations(ctx, e.clock.Now().Add(-e.cfg.ReservationTimeout))
}

// RunOnce builds, signs, records and broadcasts one batch. It returns nil
// when there is nothing to do.
//
// The signed transaction is persisted before it is broadcast. From then on
// the reservation is only undone when the network rejects the transaction;
// any other broadcast failure leaves the batch to the tracker, which
// rebroadcasts the stored raw transaction.
func (e *Engine) RunOnce(ctx context.Context) (*Batch, error) {
	queued, err := e.store.QueuedBTCRequests(ctx, e.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		return nil, nil
	}

	reqs := make(map[string]Request, len(queued))
	candidates := make([]models.QueuedRequest, 0, len(queued))
	feeRate := e.cfg.MinFeeRate
	for _, q := range queued {
		script, err := derive.ScriptPubKey(q.Destination, e.cfg.Params)
		if err != nil {
			e.logger.Warnf("request %s has a bad destination, failing it: %v", q.K1, err)
			if _, ferr := e.ledger.MarkFailed(ctx, q.K1, "Invalid destination"); ferr != nil {
				e.logger.Errorf("failed to fail request %s: %v", q.K1, ferr)
			}
			continue
		}

		reqs[q.K1] = Request{K1: q.K1, UserID: q.UserID, Amount: q.Amount, Script: script, Policy: q.Policy}
		candidates = append(candidates, q)
		if r := q.Rate.Ceil().IntPart(); r > feeRate {
			feeRate = r
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	changeAddrs, err := e.ledger.ChangeAddresses(ctx, e.cfg.MaxChangeOutputs)
	if err != nil {
		return nil, fmt.Errorf("failed to get change addresses: %w", err)
	}
	changeUsers := make(map[string]string, len(changeAddrs))
	params := Params{
		FeeRate:         FeeRateFromSatPerVByte(feeRate),
		RequiredSigs:    e.cfg.RequiredSigs,
		TotalKeys:       e.cfg.TotalKeys,
		MaxChangeOutput: e.cfg.MaxChangeOutput,
	}
	for _, a := range changeAddrs {
		script, err := hex.DecodeString(a.ScriptPubKey)
		if err != nil {
			return nil, fmt.Errorf("bad change script: %w", err)
		}
		params.ChangeScripts = append(params.ChangeScripts, script)
		changeUsers[a.ScriptPubKey] = a.UserID
	}

	batchID := uuid.NewString()
	var built *Batch

	err = e.store.ReserveBatch(ctx, batchID, candidates, func(claimed []models.QueuedRequest, utxos []models.Utxo) ([]string, []models.Utxo, error) {
		var claimedReqs []Request
		for _, c := range claimed {
			claimedReqs = append(claimedReqs, reqs[c.K1])
		}

		inputs := make([]Input, 0, len(utxos))
		byOutpoint := make(map[string]models.Utxo, len(utxos))
		for _, u := range utxos {
			script, err := hex.DecodeString(u.ScriptPubKey)
			if err != nil {
				return nil, nil, fmt.Errorf("bad utxo script %s:%d: %w", u.TxID, u.Vout, err)
			}
			inputs = append(inputs, Input{TxID: u.TxID, Vout: u.Vout, Amount: u.Amount, ScriptPubKey: script})
			byOutpoint[outpoint(u.TxID, u.Vout)] = u
		}

		b, err := Build(claimedReqs, inputs, params)
		if errors.Is(err, ErrNoCoverableRequests) {
			return nil, nil, repository.ErrNothingToBatch
		}
		if err != nil {
			return nil, nil, err
		}

		selected := make([]models.Utxo, len(b.Inputs))
		for i, in := range b.Inputs {
			selected[i] = byOutpoint[outpoint(in.TxID, in.Vout)]
		}
		built = b
		return b.K1s(), selected, nil
	})
	if errors.Is(err, repository.ErrNothingToBatch) {
		e.logger.Infof("%d queued requests, none coverable by available utxos", len(candidates))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve batch: %w", err)
	}
	built.ID = batchID

	log := e.logger.WithField("batch_id", batchID)

	raw, err := e.sign(ctx, built)
	if err != nil {
		e.release(ctx, batchID)
		return nil, err
	}

	rec := e.record(built, raw, changeUsers)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	persist := func() error {
		outcome, err := e.store.FinalizeBatch(ctx, rec)
		if err != nil {
			log.Errorf("failed to record batch %s: %v", built.TxID, err)
			return err
		}
		if outcome == models.AlreadyApplied {
			log.Infof("batch %s already recorded", built.TxID)
		}
		return nil
	}
	if err := backoff.Retry(persist, backoff.WithContext(bo, ctx)); err != nil {
		e.release(ctx, batchID)
		return nil, fmt.Errorf("failed to record batch %s: %w", built.TxID, err)
	}

	log = log.WithField("txid", built.TxID)

	txid, err := e.chain.Broadcast(ctx, raw)
	switch {
	case errors.Is(err, models.ErrTxRejected):
		log.Errorf("batch rejected by the network, requeueing: %v", err)
		e.abandon(ctx, built.TxID)
		return nil, fmt.Errorf("failed to broadcast batch: %w", err)

	case err != nil:
		log.Warnf("broadcast failed, tracker will rebroadcast: %v", err)
		return built, nil
	}
	if txid != "" && txid != built.TxID {
		log.Warnf("broadcast returned txid %s, expected %s", txid, built.TxID)
	}

	log.Infof("batch broadcast: %d payouts, %d inputs, fee %d (covered %d)",
		len(rec.WdOuts), len(rec.WdIns), built.Fee, built.FeeCovered)
	e.notifier.BatchBroadcast(built.TxID, len(rec.WdOuts), built.OutputAmount-built.ChangeAmount, built.Fee)

	return built, nil
}

func (e *Engine) sign(ctx context.Context, b *Batch) (string, error) {
	for i := range b.Inputs {
		addr, err := e.store.GetAddressByScript(ctx, hex.EncodeToString(b.Inputs[i].ScriptPubKey))
		if err != nil {
			return "", err
		}
		if addr == nil {
			return "", fmt.Errorf("%w: input %s:%d", models.ErrUnknownAddress, b.Inputs[i].TxID, b.Inputs[i].Vout)
		}
		ws, err := hex.DecodeString(addr.WitnessScript)
		if err != nil {
			return "", fmt.Errorf("bad witness script for %s: %w", addr.P2WSH, err)
		}
		b.Inputs[i].WitnessScript = ws
	}
	if err := b.buildTx(); err != nil {
		return "", err
	}

	raw, err := e.cosigner.Sign(ctx, b.PSBT)
	if err != nil {
		return "", fmt.Errorf("failed to cosign batch: %w", err)
	}
	return raw, nil
}

// detached keeps cleanup writes alive after the cycle context is canceled.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

func (e *Engine) release(ctx context.Context, batchID string) {
	ctx, cancel := detached(ctx)
	defer cancel()

	if err := e.store.ReleaseBatch(ctx, batchID); err != nil {
		e.logger.Errorf("failed to release batch %s: %v", batchID, err)
	}
}

func (e *Engine) abandon(ctx context.Context, txid string) {
	ctx, cancel := detached(ctx)
	defer cancel()

	if _, err := e.store.AbandonBatch(ctx, txid); err != nil {
		e.logger.Errorf("failed to abandon batch %s: %v", txid, err)
	}
}

func (e *Engine) record(b *Batch, raw string, changeUsers map[string]string) repository.BatchRecord {
	now := e.clock.Now()
	rec := repository.BatchRecord{
		BatchID: b.ID,
		Payment: models.BtcPayment{
			TxID:       b.TxID,
			BatchID:    b.ID,
			Amount:     b.OutputAmount - b.ChangeAmount,
			Fee:        b.Fee,
			FeeCovered: b.FeeCovered,
			FeeRate:    int64(b.FeeRate),
			Weight:     int64(b.Weight),
			RawTx:      raw,
			CreatedAt:  now,
		},
	}

	for vout, o := range b.Outputs {
		script := hex.EncodeToString(o.Script)
		if o.Change {
			user := changeUsers[script]
			if user == "" {
				user = e.cfg.CustodyUserID
			}
			rec.ChangeOuts = append(rec.ChangeOuts, models.ChangeOut{
				TxID: b.TxID, Vout: uint32(vout), UserID: user, ScriptPubKey: script, Amount: o.Amount,
			})
			continue
		}
		rec.WdOuts = append(rec.WdOuts, models.WdOut{
			K1: o.K1, TxID: b.TxID, Vout: uint32(vout), UserID: o.UserID,
			Amount: o.Amount, Fee: o.Fee, ScriptPubKey: script,
		})
	}

	for _, in := range b.Inputs {
		rec.WdIns = append(rec.WdIns, models.WdIn{
			PrevTxID: in.TxID, PrevVout: in.Vout, TxID: b.TxID,
			Amount: in.Amount, ScriptPubKey: hex.EncodeToString(in.ScriptPubKey),
		})
	}

	return rec
}

func outpoint(txid string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}
