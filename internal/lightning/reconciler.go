package lightning

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/multimutex"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/sirupsen/logrus"

	"github.com/Fi44er/custody_ledger/internal/cache"
	"github.com/Fi44er/custody_ledger/internal/models"
	"github.com/Fi44er/custody_ledger/internal/notify"
	"github.com/Fi44er/custody_ledger/internal/repository"
	"github.com/Fi44er/custody_ledger/utils"
)

type Store interface {
	GetUserByK1(ctx context.Context, k1 string) (*models.User, error)
	GetWithdrawRequest(ctx context.Context, k1 string) (*models.WithdrawRequest, error)
	VerifyWithdrawRequest(ctx context.Context, k1 string) (*models.WithdrawRequest, error)
	RedeemLN(ctx context.Context, red repository.LnRedemption) (*models.WithdrawRequest, error)

	FinalizePayment(ctx context.Context, paymentHash, preimage string, feeSat int64) (models.Outcome, *repository.LnSettlement, error)
	FailPayment(ctx context.Context, paymentHash, reason string) (models.Outcome, *repository.LnSettlement, error)
	OldestInFlightPayment(ctx context.Context) (time.Time, error)
	ListInFlightPayments(ctx context.Context) ([]models.LnPayment, error)

	InsertDepositInvoice(ctx context.Context, inv *models.DepositInvoice) error
	SettleDepositInvoice(ctx context.Context, paymentHash string, amtPaidSat int64, settleIndex uint64) (models.Outcome, string, error)
	MaxSettleIndex(ctx context.Context) (uint64, error)
	MinOpenAddIndex(ctx context.Context) (uint64, error)
}

type Config struct {
	Params         *chaincfg.Params
	FeeLimitSat    int64
	FeeLimitPPM    int64
	MinSendable    int64
	MaxSendable    int64
	PaymentTimeout time.Duration
	InvoiceExpiry  int64
	PublicURL      string
}

// WithdrawParams is the LNURL-withdraw answer given to a wallet. Amounts are
// in millisatoshi.
type WithdrawParams struct {
	Tag                string `json:"tag"`
	Callback           string `json:"callback"`
	K1                 string `json:"k1"`
	DefaultDescription string `json:"defaultDescription"`
	MinWithdrawable    int64  `json:"minWithdrawable"`
	MaxWithdrawable    int64  `json:"maxWithdrawable"`
}

// Reconciler drives outbound Lightning withdrawals and inbound deposits and
// applies node notifications to the ledger.
type Reconciler struct {
	cfg      Config
	store    Store
	node     Node
	cache    cache.BalanceCache
	notifier notify.Notifier
	clock    clock.Clock
	logger   *utils.Logger

	locks *multimutex.Mutex[lntypes.Hash]

	// dispatch runs outbound payments. Tests replace it to run inline.
	dispatch func(func())
}

func NewReconciler(cfg Config, store Store, node Node, balances cache.BalanceCache,
	notifier notify.Notifier, clk clock.Clock, logger *utils.Logger) *Reconciler {

	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = time.Minute
	}
	if cfg.InvoiceExpiry <= 0 {
		cfg.InvoiceExpiry = 3600
	}
	return &Reconciler{
		cfg:      cfg,
		store:    store,
		node:     node,
		cache:    balances,
		notifier: notifier,
		clock:    clk,
		logger:   logger,
		locks:    multimutex.NewMutex[lntypes.Hash](),
		dispatch: func(fn func()) { go fn() },
	}
}

// CallbackURL is where a wallet fetches the withdraw parameters of k1.
func (r *Reconciler) CallbackURL(k1 string) string {
	return r.cfg.PublicURL + "/withdraw/ln/cb?k1=" + url.QueryEscape(k1)
}

// FeeReserve is the routing fee locked on top of a payment.
func (r *Reconciler) FeeReserve(amount int64) int64 {
	return utils.FeeReserve(amount, r.cfg.FeeLimitSat, r.cfg.FeeLimitPPM)
}

// Verify answers the LNURL-withdraw callback and moves a CREATED request to
// VERIFIED. A wallet fetching the parameters again gets the same answer.
func (r *Reconciler) Verify(ctx context.Context, k1 string) (*WithdrawParams, error) {
	req, err := r.store.GetWithdrawRequest(ctx, k1)
	if err != nil {
		return nil, err
	}
	if req == nil || req.Network != models.NetworkLN {
		return nil, models.ErrRequestNotFound
	}

	switch req.Status {
	case models.StatusCreated:
		if req, err = r.store.VerifyWithdrawRequest(ctx, k1); err != nil {
			return nil, err
		}
	case models.StatusVerified:
	default:
		return nil, models.ErrRequestNotFound
	}

	maxSat := req.Amount
	if r.cfg.MaxSendable > 0 && maxSat > r.cfg.MaxSendable {
		maxSat = r.cfg.MaxSendable
	}
	return &WithdrawParams{
		Tag:                "withdrawRequest",
		Callback:           r.cfg.PublicURL + "/withdraw/ln/pay",
		K1:                 k1,
		DefaultDescription: "Withdrawal",
		MinWithdrawable:    r.cfg.MinSendable * 1000,
		MaxWithdrawable:    maxSat * 1000,
	}, nil
}

// Redeem binds bolt11 to the VERIFIED request k1, locks amount plus fee
// reserve and dispatches the payment. Calls for the same k1 are serialized.
func (r *Reconciler) Redeem(ctx context.Context, k1, bolt11 string) (*models.WithdrawRequest, error) {
	key, err := lntypes.MakeHashFromStr(k1)
	if err != nil {
		return nil, models.ErrRequestNotFound
	}
	r.locks.Lock(key)
	defer r.locks.Unlock(key)

	inv, err := zpay32.Decode(bolt11, r.cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: bad invoice: %v", models.ErrInvalidRequest, err)
	}
	if inv.MilliSat == nil || *inv.MilliSat == 0 {
		return nil, fmt.Errorf("%w: invoice has no amount", models.ErrInvalidRequest)
	}
	if inv.Timestamp.Add(inv.Expiry()).Before(r.clock.Now()) {
		return nil, fmt.Errorf("%w: invoice expired", models.ErrInvalidRequest)
	}

	req, err := r.store.GetWithdrawRequest(ctx, k1)
	if err != nil {
		return nil, err
	}
	if req == nil || req.Network != models.NetworkLN || req.Status != models.StatusVerified || req.Redeemed {
		return nil, models.ErrRequestNotFound
	}

	payReq, err := r.node.DecodeInvoice(ctx, bolt11)
	if err != nil {
		return nil, err
	}

	amount := payReq.NumSatoshis
	if amount != int64(inv.MilliSat.ToSatoshis()) {
		return nil, fmt.Errorf("%w: invoice amount mismatch", models.ErrInvalidRequest)
	}
	if amount > req.Amount {
		return nil, fmt.Errorf("%w: amount %d exceeds request %d", models.ErrInvalidRequest, amount, req.Amount)
	}
	if amount < r.cfg.MinSendable || (r.cfg.MaxSendable > 0 && amount > r.cfg.MaxSendable) {
		return nil, fmt.Errorf("%w: amount %d out of bounds", models.ErrInvalidRequest, amount)
	}

	reserve := r.FeeReserve(amount)
	redeemed, err := r.store.RedeemLN(ctx, repository.LnRedemption{
		K1:          k1,
		PaymentHash: payReq.PaymentHash,
		Bolt11:      bolt11,
		Amount:      amount,
		FeeReserve:  reserve,
		Destination: payReq.Destination,
		Expiry:      payReq.Expiry,
		Description: payReq.Description,
	})
	if err != nil {
		if errors.Is(err, models.ErrInsufficientFunds) {
			r.invalidate(ctx, req.UserID)
		}
		return nil, err
	}

	r.adjust(ctx, req.UserID, -(amount + reserve))
	r.logger.WithFields(logrus.Fields{
		"k1":           k1,
		"payment_hash": payReq.PaymentHash,
		"amount":       amount,
		"fee_reserve":  reserve,
	}).Info("lightning withdrawal dispatched")

	hash := payReq.PaymentHash
	r.dispatch(func() { r.safePay(hash, bolt11, reserve) })

	return redeemed, nil
}

// safePay runs pay on a dispatch goroutine. A panic is logged and the payment
// stays in flight for the stream and the catch-up scan.
func (r *Reconciler) safePay(paymentHash, bolt11 string, feeLimit int64) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Errorf("payment %s dispatch panicked: %v", paymentHash, p)
		}
	}()
	r.pay(paymentHash, bolt11, feeLimit)
}

// pay hands the invoice to the node. A payment the node refuses outright is
// failed at once; transport errors leave it to the payment stream and the
// catch-up scan.
func (r *Reconciler) pay(paymentHash, bolt11 string, feeLimit int64) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PaymentTimeout+30*time.Second)
	defer cancel()

	err := r.node.PayInvoice(ctx, bolt11, feeLimit, r.cfg.PaymentTimeout)
	if err == nil {
		return
	}

	if errors.Is(err, models.ErrExternalUnavailable) {
		r.logger.Warnf("payment %s dispatch uncertain: %v", paymentHash, err)
		return
	}

	r.logger.Errorf("payment %s refused: %v", paymentHash, err)
	if ferr := r.fail(ctx, paymentHash, err.Error()); ferr != nil {
		r.logger.Errorf("failed to fail payment %s: %v", paymentHash, ferr)
	}
}

// HandlePayment applies one payment update. Terminal updates for a hash
// already applied are no-ops.
func (r *Reconciler) HandlePayment(ctx context.Context, p Payment) error {
	switch p.Status {
	case models.PaymentSucceeded:
		outcome, s, err := r.store.FinalizePayment(ctx, p.PaymentHash, p.Preimage, p.FeeSat)
		if err != nil {
			return err
		}
		if outcome != models.Applied {
			return nil
		}
		if s.Refund > 0 {
			r.adjust(ctx, s.UserID, s.Refund)
		}
		r.logger.WithFields(logrus.Fields{
			"k1":           s.K1,
			"payment_hash": p.PaymentHash,
			"fee":          s.FeeSat,
			"refund":       s.Refund,
		}).Info("lightning withdrawal paid")
		return nil

	case models.PaymentFailed:
		return r.fail(ctx, p.PaymentHash, p.FailureReason)
	}
	return nil
}

func (r *Reconciler) fail(ctx context.Context, paymentHash, reason string) error {
	outcome, s, err := r.store.FailPayment(ctx, paymentHash, reason)
	if err != nil {
		return err
	}
	if outcome != models.Applied {
		return nil
	}
	if s.Refund > 0 {
		r.adjust(ctx, s.UserID, s.Refund)
	}
	r.logger.WithFields(logrus.Fields{
		"k1":           s.K1,
		"payment_hash": paymentHash,
		"reason":       reason,
	}).Warn("lightning withdrawal failed")
	r.notifier.PaymentFailed(s.K1, paymentHash, reason)
	return nil
}

// CatchUpPayments applies every payment the node finished while no stream
// was open. In-flight payments the node never heard of are failed once their
// timeout has passed.
func (r *Reconciler) CatchUpPayments(ctx context.Context) error {
	since, err := r.store.OldestInFlightPayment(ctx)
	if err != nil {
		return err
	}
	if since.IsZero() {
		return nil
	}

	payments, err := r.node.ListPayments(ctx, since.Add(-time.Minute))
	if err != nil {
		return err
	}

	known := make(map[string]struct{}, len(payments))
	for _, p := range payments {
		known[p.PaymentHash] = struct{}{}
		if err := r.HandlePayment(ctx, p); err != nil {
			return err
		}
	}

	pending, err := r.store.ListInFlightPayments(ctx)
	if err != nil {
		return err
	}
	deadline := r.clock.Now().Add(-2 * r.cfg.PaymentTimeout)
	for _, p := range pending {
		if _, ok := known[p.PaymentHash]; ok || p.CreatedAt.After(deadline) {
			continue
		}
		if err := r.fail(ctx, p.PaymentHash, "payment unknown to node"); err != nil {
			return err
		}
	}
	return nil
}

// RunPayments catches up and then follows the payment stream until it
// breaks.
func (r *Reconciler) RunPayments(ctx context.Context) error {
	if err := r.CatchUpPayments(ctx); err != nil {
		return fmt.Errorf("payment catch-up failed: %w", err)
	}
	r.logger.Info("🚀 Payment stream started")
	return r.node.TrackPayments(ctx, func(p Payment) error {
		return r.HandlePayment(ctx, p)
	})
}

// CreateDepositInvoice issues an invoice crediting the user with deposit key
// userK1 once settled.
func (r *Reconciler) CreateDepositInvoice(ctx context.Context, userK1 string, amountSat int64) (*models.DepositInvoice, error) {
	if amountSat <= 0 || amountSat < r.cfg.MinSendable || (r.cfg.MaxSendable > 0 && amountSat > r.cfg.MaxSendable) {
		return nil, fmt.Errorf("%w: amount %d out of bounds", models.ErrInvalidRequest, amountSat)
	}

	user, err := r.store.GetUserByK1(ctx, userK1)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("%w: unknown deposit key", models.ErrInvalidRequest)
	}

	memo := fmt.Sprintf("Deposit %d sat", amountSat)
	inv, err := r.node.CreateInvoice(ctx, amountSat, memo, r.cfg.InvoiceExpiry)
	if err != nil {
		return nil, err
	}

	dep := &models.DepositInvoice{
		PaymentHash: inv.PaymentHash,
		K1:          userK1,
		UserID:      user.UserID,
		Bolt11:      inv.Bolt11,
		State:       models.InvoiceOpen,
		NumSatoshis: amountSat,
		AddIndex:    inv.AddIndex,
		Expiry:      inv.Expiry,
		Description: memo,
	}
	if err := r.store.InsertDepositInvoice(ctx, dep); err != nil {
		return nil, err
	}
	return dep, nil
}

// HandleInvoice credits a settled deposit invoice once.
func (r *Reconciler) HandleInvoice(ctx context.Context, inv Invoice) error {
	if inv.State != models.InvoiceSettled {
		return nil
	}

	outcome, userID, err := r.store.SettleDepositInvoice(ctx, inv.PaymentHash, inv.AmtPaidSat, inv.SettleIndex)
	if err != nil {
		return err
	}
	if outcome != models.Applied {
		return nil
	}

	r.adjust(ctx, userID, inv.AmtPaidSat)
	r.logger.WithFields(logrus.Fields{
		"user_id":      userID,
		"payment_hash": inv.PaymentHash,
		"amount":       inv.AmtPaidSat,
	}).Info("lightning deposit settled")
	return nil
}

// CatchUpInvoices applies invoices settled while no stream was open.
func (r *Reconciler) CatchUpInvoices(ctx context.Context) error {
	from, err := r.store.MinOpenAddIndex(ctx)
	if err != nil {
		return err
	}
	invoices, err := r.node.ListInvoices(ctx, from)
	if err != nil {
		return err
	}
	for _, inv := range invoices {
		if err := r.HandleInvoice(ctx, inv); err != nil {
			return err
		}
	}
	return nil
}

// RunInvoices catches up and then follows settlements after the highest
// settle index already credited.
func (r *Reconciler) RunInvoices(ctx context.Context) error {
	if err := r.CatchUpInvoices(ctx); err != nil {
		return fmt.Errorf("invoice catch-up failed: %w", err)
	}

	settleIndex, err := r.store.MaxSettleIndex(ctx)
	if err != nil {
		return err
	}

	r.logger.Infof("🚀 Invoice stream started from settle index %d", settleIndex)
	return r.node.SubscribeInvoices(ctx, 0, settleIndex, func(inv Invoice) error {
		return r.HandleInvoice(ctx, inv)
	})
}

func (r *Reconciler) adjust(ctx context.Context, userID string, delta int64) {
	if err := r.cache.Adjust(ctx, userID, delta); err != nil {
		r.logger.Warnf("balance cache adjust failed for %s: %v", userID, err)
	}
}

func (r *Reconciler) invalidate(ctx context.Context, userID string) {
	if err := r.cache.Invalidate(ctx, userID); err != nil {
		r.logger.Warnf("balance cache invalidate failed for %s: %v", userID, err)
	}
}
