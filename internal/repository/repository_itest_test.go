//go:build itest

package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Fi44er/custody_ledger/db"
	"github.com/Fi44er/custody_ledger/internal/models"
	"github.com/Fi44er/custody_ledger/utils"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const pgInitTimeout = time.Minute

func newPostgresRepo(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("ledger"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategyAndDeadline(
			pgInitTimeout, wait.ForListeningPort("5432/tcp"),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := &utils.Logger{Logger: logrus.New()}
	logger.SetLevel(logrus.WarnLevel)

	conn, err := db.ConnectDb(dsn, logger)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn, true, logger))

	return NewRepository(conn, logger)
}

func fund(t *testing.T, repo *Repository, userID string, amount int64) {
	t.Helper()
	ctx := context.Background()

	_, err := repo.GetOrCreateUser(ctx, userID)
	require.NoError(t, err)

	script := fmt.Sprintf("0020%s", userID)
	_, err = repo.InsertAddress(ctx, &models.WalletAddress{
		PublicKey:    "pk-" + userID,
		UserID:       userID,
		ScriptPubKey: script,
		P2WSH:        "addr-" + userID,
	})
	require.NoError(t, err)

	outcome, _, err := repo.RegisterUTXO(ctx, script, "tx-"+userID, 0, amount)
	require.NoError(t, err)
	require.Equal(t, models.Applied, outcome)
}

func verifiedRequest(t *testing.T, repo *Repository, k1, userID string, network models.Network, amount int64) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, repo.CreateWithdrawRequest(ctx, &models.WithdrawRequest{
		K1:          k1,
		UserID:      userID,
		Network:     network,
		Amount:      amount,
		Destination: "dest",
	}))
	_, err := repo.VerifyWithdrawRequest(ctx, k1)
	require.NoError(t, err)
}

func TestDepositRegisteredOnce(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	fund(t, repo, "alice", 10_000)

	outcome, _, err := repo.RegisterUTXO(ctx, "0020alice", "tx-alice", 0, 10_000)
	require.NoError(t, err)
	assert.Equal(t, models.AlreadyApplied, outcome)

	balance, err := repo.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 10_000, balance)
}

func TestOnePendingRequestPerUser(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	fund(t, repo, "alice", 10_000)
	verifiedRequest(t, repo, "k1-a", "alice", models.NetworkBTC, 1_000)

	err := repo.CreateWithdrawRequest(ctx, &models.WithdrawRequest{
		K1: "k1-b", UserID: "alice", Network: models.NetworkBTC, Amount: 1_000, Destination: "dest",
	})
	assert.ErrorIs(t, err, models.ErrPendingRequestExists)
}

func TestConcurrentRedeemLocksOnce(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	fund(t, repo, "alice", 10_000)
	verifiedRequest(t, repo, "k1", "alice", models.NetworkBTC, 4_000)

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.RedeemBTC(ctx, "k1")
			switch {
			case err == nil:
				applied.Add(1)
			case !errors.Is(err, models.ErrRequestNotFound):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, applied.Load())

	balance, err := repo.GetBalance(ctx, "alice")
	require.NoError(t, err)
	locked, err := repo.GetLockedTotal(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 6_000, balance)
	assert.EqualValues(t, 4_000, locked)
}

func TestRedeemInsufficientFundsRejects(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	fund(t, repo, "alice", 1_000)
	verifiedRequest(t, repo, "k1", "alice", models.NetworkBTC, 5_000)

	_, err := repo.RedeemBTC(ctx, "k1")
	require.ErrorIs(t, err, models.ErrInsufficientFunds)

	req, err := repo.GetWithdrawRequest(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, req.Status)
	assert.Equal(t, models.ReasonInsufficientFunds, req.Reason)
}

func TestCancelRefundsOnce(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	fund(t, repo, "alice", 10_000)
	verifiedRequest(t, repo, "k1", "alice", models.NetworkBTC, 3_000)
	_, err := repo.RedeemBTC(ctx, "k1")
	require.NoError(t, err)

	_, refund, err := repo.CancelWithdrawRequest(ctx, "alice", "k1")
	require.NoError(t, err)
	assert.EqualValues(t, 3_000, refund.Amount)

	_, _, err = repo.CancelWithdrawRequest(ctx, "alice", "k1")
	assert.ErrorIs(t, err, models.ErrRequestNotFound)

	balance, err := repo.GetBalance(ctx, "alice")
	require.NoError(t, err)
	locked, err := repo.GetLockedTotal(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 10_000, balance)
	assert.Zero(t, locked)
}

func TestCancelRejectsOtherUser(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	fund(t, repo, "alice", 10_000)
	verifiedRequest(t, repo, "k1", "alice", models.NetworkBTC, 3_000)

	_, _, err := repo.CancelWithdrawRequest(ctx, "mallory", "k1")
	assert.ErrorIs(t, err, models.ErrRequestNotFound)
}

func TestLightningPaymentSettlesOnce(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	fund(t, repo, "alice", 50_000)
	verifiedRequest(t, repo, "k1", "alice", models.NetworkLN, 20_000)

	_, err := repo.RedeemLN(ctx, LnRedemption{
		K1:          "k1",
		PaymentHash: "hash",
		Bolt11:      "lnbcrt1",
		Amount:      20_000,
		FeeReserve:  100,
	})
	require.NoError(t, err)

	balance, err := repo.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 29_900, balance)

	outcome, settlement, err := repo.FinalizePayment(ctx, "hash", "preimage", 30)
	require.NoError(t, err)
	assert.Equal(t, models.Applied, outcome)
	require.NotNil(t, settlement)
	assert.EqualValues(t, 70, settlement.Refund)

	outcome, _, err = repo.FinalizePayment(ctx, "hash", "preimage", 30)
	require.NoError(t, err)
	assert.Equal(t, models.AlreadyApplied, outcome)

	outcome, _, err = repo.FailPayment(ctx, "hash", "late failure")
	require.NoError(t, err)
	assert.Equal(t, models.AlreadyApplied, outcome)

	balance, err = repo.GetBalance(ctx, "alice")
	require.NoError(t, err)
	locked, err := repo.GetLockedTotal(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 29_970, balance)
	assert.Zero(t, locked)

	req, err := repo.GetWithdrawRequest(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, req.Status)
}

func TestLightningDuplicateInvoiceRejects(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	fund(t, repo, "alice", 50_000)
	fund(t, repo, "bob", 50_000)
	verifiedRequest(t, repo, "k1-a", "alice", models.NetworkLN, 1_000)
	verifiedRequest(t, repo, "k1-b", "bob", models.NetworkLN, 1_000)

	_, err := repo.RedeemLN(ctx, LnRedemption{K1: "k1-a", PaymentHash: "hash", Bolt11: "ln1", Amount: 1_000})
	require.NoError(t, err)

	_, err = repo.RedeemLN(ctx, LnRedemption{K1: "k1-b", PaymentHash: "hash", Bolt11: "ln1", Amount: 1_000})
	assert.ErrorIs(t, err, models.ErrDuplicateRequest)

	req, err := repo.GetWithdrawRequest(ctx, "k1-b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, req.Status)

	balance, err := repo.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 50_000, balance)
}

func TestDepositNotCreditedAfterSpend(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	fund(t, repo, "alice", 10_000)

	// A confirmed batch deletes the spent utxo row.
	require.NoError(t, repo.db.Exec(`DELETE FROM utxos WHERE tx_id = ?`, "tx-alice").Error)

	outcome, _, err := repo.RegisterUTXO(ctx, "0020alice", "tx-alice", 0, 10_000)
	require.NoError(t, err)
	assert.Equal(t, models.AlreadyApplied, outcome)

	balance, err := repo.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 10_000, balance)
}

func queuedBTC(t *testing.T, repo *Repository, k1, userID string, amount int64) models.QueuedRequest {
	t.Helper()
	ctx := context.Background()

	verifiedRequest(t, repo, k1, userID, models.NetworkBTC, amount)
	_, err := repo.RedeemBTC(ctx, k1)
	require.NoError(t, err)

	queued, err := repo.QueuedBTCRequests(ctx, 100)
	require.NoError(t, err)
	for _, q := range queued {
		if q.K1 == k1 {
			return q
		}
	}
	t.Fatalf("request %s not queued", k1)
	return models.QueuedRequest{}
}

// takeFirst builds a batch paying the first claimed request from the first
// offered utxo.
func takeFirst(claimed []models.QueuedRequest, utxos []models.Utxo) ([]string, []models.Utxo, error) {
	if len(claimed) == 0 || len(utxos) == 0 {
		return nil, nil, ErrNothingToBatch
	}
	return []string{claimed[0].K1}, utxos[:1], nil
}

func utxoBatch(t *testing.T, repo *Repository, txid string) string {
	t.Helper()
	var u models.Utxo
	require.NoError(t, repo.db.First(&u, "tx_id = ?", txid).Error)
	if u.BatchID == nil {
		return ""
	}
	return *u.BatchID
}

func batchRecord(batchID, txid string, q models.QueuedRequest, input string, inputAmount int64) BatchRecord {
	return BatchRecord{
		BatchID: batchID,
		Payment: models.BtcPayment{TxID: txid, BatchID: batchID, Amount: q.Amount, Fee: 200, RawTx: "0200"},
		WdOuts: []models.WdOut{{
			K1: q.K1, TxID: txid, Vout: 0, UserID: q.UserID, Amount: q.Amount - 200, Fee: 200, ScriptPubKey: "0014dest",
		}},
		WdIns: []models.WdIn{{PrevTxID: input, PrevVout: 0, TxID: txid, Amount: inputAmount, ScriptPubKey: "0020" + q.UserID}},
		ChangeOuts: []models.ChangeOut{{
			TxID: txid, Vout: 1, UserID: "custody", ScriptPubKey: "0020custody", Amount: inputAmount - q.Amount,
		}},
	}
}

func TestConcurrentReserveSharesNoUTXO(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	fund(t, repo, "alice", 10_000)
	fund(t, repo, "bob", 10_000)
	qa := queuedBTC(t, repo, "k1-a", "alice", 3_000)
	qb := queuedBTC(t, repo, "k1-b", "bob", 3_000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, q := range []models.QueuedRequest{qa, qb} {
		wg.Add(1)
		go func(i int, q models.QueuedRequest) {
			defer wg.Done()
			errs[i] = repo.ReserveBatch(ctx, fmt.Sprintf("batch-%d", i), []models.QueuedRequest{q}, takeFirst)
		}(i, q)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	a, b := utxoBatch(t, repo, "tx-alice"), utxoBatch(t, repo, "tx-bob")
	assert.NotEmpty(t, a)
	assert.NotEmpty(t, b)
	assert.NotEqual(t, a, b)
}

func TestConfirmBatchAppliesOnce(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	fund(t, repo, "alice", 10_000)
	q := queuedBTC(t, repo, "k1", "alice", 3_000)
	require.NoError(t, repo.ReserveBatch(ctx, "batch-1", []models.QueuedRequest{q}, takeFirst))

	outcome, err := repo.FinalizeBatch(ctx, batchRecord("batch-1", "btx", q, "tx-alice", 10_000))
	require.NoError(t, err)
	require.Equal(t, models.Applied, outcome)

	outcome, payouts, err := repo.ConfirmBatch(ctx, "btx", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, models.Applied, outcome)
	assert.Len(t, payouts, 1)

	outcome, _, err = repo.ConfirmBatch(ctx, "btx", 3, 2)
	require.NoError(t, err)
	assert.Equal(t, models.AlreadyApplied, outcome)

	var withdrawals int64
	require.NoError(t, repo.db.Model(&models.WithdrawTransaction{}).Where("tx_id = ?", "btx").Count(&withdrawals).Error)
	assert.EqualValues(t, 1, withdrawals)

	var change int64
	require.NoError(t, repo.db.Model(&models.Utxo{}).Where("tx_id = ?", "btx").Count(&change).Error)
	assert.EqualValues(t, 1, change)

	balance, err := repo.GetBalance(ctx, "alice")
	require.NoError(t, err)
	locked, err := repo.GetLockedTotal(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 7_000, balance)
	assert.Zero(t, locked)

	req, err := repo.GetWithdrawRequest(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, req.Status)
}

func TestCancelAfterBatchClaimRejected(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	fund(t, repo, "alice", 10_000)
	q := queuedBTC(t, repo, "k1", "alice", 3_000)
	require.NoError(t, repo.ReserveBatch(ctx, "batch-1", []models.QueuedRequest{q}, takeFirst))

	_, _, err := repo.CancelWithdrawRequest(ctx, "alice", "k1")
	assert.ErrorIs(t, err, models.ErrRequestNotFound)

	locked, err := repo.GetLockedTotal(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 3_000, locked)

	// Nor can a payment failure refund it.
	_, outcome, err := repo.FailWithdrawRequest(ctx, "k1", "Invalid destination")
	require.NoError(t, err)
	assert.Equal(t, models.AlreadyApplied, outcome)
}

func TestReleaseSkipsPersistedBatch(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	fund(t, repo, "alice", 10_000)
	q := queuedBTC(t, repo, "k1", "alice", 3_000)
	require.NoError(t, repo.ReserveBatch(ctx, "batch-1", []models.QueuedRequest{q}, takeFirst))
	_, err := repo.FinalizeBatch(ctx, batchRecord("batch-1", "btx", q, "tx-alice", 10_000))
	require.NoError(t, err)

	require.NoError(t, repo.ReleaseBatch(ctx, "batch-1"))
	assert.Equal(t, "batch-1", utxoBatch(t, repo, "tx-alice"))

	released, err := repo.ReleaseStaleReservations(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, released)
	assert.Equal(t, "batch-1", utxoBatch(t, repo, "tx-alice"))
}

func TestReleaseStaleReservations(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	fund(t, repo, "alice", 10_000)
	q := queuedBTC(t, repo, "k1", "alice", 3_000)
	require.NoError(t, repo.ReserveBatch(ctx, "batch-1", []models.QueuedRequest{q}, takeFirst))

	released, err := repo.ReleaseStaleReservations(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, released)

	released, err = repo.ReleaseStaleReservations(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, released)
	assert.Empty(t, utxoBatch(t, repo, "tx-alice"))

	queued, err := repo.QueuedBTCRequests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "k1", queued[0].K1)
}

func TestAbandonBatchRequeues(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	fund(t, repo, "alice", 10_000)
	q := queuedBTC(t, repo, "k1", "alice", 3_000)
	require.NoError(t, repo.ReserveBatch(ctx, "batch-1", []models.QueuedRequest{q}, takeFirst))
	_, err := repo.FinalizeBatch(ctx, batchRecord("batch-1", "btx", q, "tx-alice", 10_000))
	require.NoError(t, err)

	outcome, err := repo.AbandonBatch(ctx, "btx")
	require.NoError(t, err)
	assert.Equal(t, models.Applied, outcome)

	outcome, err = repo.AbandonBatch(ctx, "btx")
	require.NoError(t, err)
	assert.Equal(t, models.AlreadyApplied, outcome)

	req, err := repo.GetWithdrawRequest(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, req.Status)
	assert.Nil(t, req.BatchID)
	assert.Empty(t, utxoBatch(t, repo, "tx-alice"))

	locked, err := repo.GetLockedTotal(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 3_000, locked)

	pending, err := repo.PendingPayments(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
