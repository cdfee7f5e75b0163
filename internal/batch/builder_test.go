package batch

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fi44er/custody_ledger/internal/models"
)

func p2wpkh(b byte) []byte {
	return append([]byte{0x00, 0x14}, bytes.Repeat([]byte{b}, 20)...)
}

func p2wsh(b byte) []byte {
	return append([]byte{0x00, 0x20}, bytes.Repeat([]byte{b}, 32)...)
}

func utxo(n int, amount int64) Input {
	return Input{
		TxID:          strings.Repeat(fmt.Sprintf("%02x", n), 32),
		Vout:          0,
		Amount:        amount,
		ScriptPubKey:  p2wsh(0xaa),
		WitnessScript: []byte{0x52, 0xae},
	}
}

func request(k1, user string, amount int64, policy models.FeePolicy) Request {
	return Request{K1: k1, UserID: user, Amount: amount, Script: p2wpkh(k1[0]), Policy: policy}
}

func testParams() Params {
	return Params{
		FeeRate:       FeeRateFromSatPerVByte(2),
		RequiredSigs:  2,
		TotalKeys:     3,
		ChangeScripts: [][]byte{p2wsh(0xc1), p2wsh(0xc2), p2wsh(0xc3)},
	}
}

func assertBalanced(t *testing.T, b *Batch) {
	t.Helper()
	var in, out int64
	for _, i := range b.Inputs {
		in += i.Amount
	}
	for _, o := range b.Outputs {
		out += o.Amount
	}
	assert.Equal(t, in, out+b.Fee, "inputs must equal outputs plus fee")
	assert.GreaterOrEqual(t, b.Fee, int64(0))
	assert.Equal(t, in, b.InputAmount)
	assert.Equal(t, out, b.OutputAmount)
	require.NotNil(t, b.Tx)
	assert.Len(t, b.Tx.TxIn, len(b.Inputs))
	assert.Len(t, b.Tx.TxOut, len(b.Outputs))
}

func TestBuildCoveredFee(t *testing.T) {
	p := testParams()
	p.AbsoluteFee = 500

	b, err := Build([]Request{
		request("a1", "alice", 3000, models.FeePolicyCovered),
		request("b1", "bob", 4000, models.FeePolicyCovered),
	}, []Input{utxo(1, 10000)}, p)
	require.NoError(t, err)

	assertBalanced(t, b)
	assert.Equal(t, int64(500), b.Fee)
	assert.Equal(t, int64(500), b.FeeCovered)
	assert.Equal(t, int64(2500), b.ChangeAmount)
	assert.Equal(t, int64(7000), b.Requested)

	payouts := b.Payouts()
	require.Len(t, payouts, 2)
	assert.Equal(t, int64(3000), payouts[0].Amount)
	assert.Equal(t, int64(4000), payouts[1].Amount)
	assert.Zero(t, payouts[0].Fee)
	assert.ElementsMatch(t, []string{"a1", "b1"}, b.K1s())
	assert.Empty(t, b.Skipped)
}

func TestBuildDeductedFee(t *testing.T) {
	p := testParams()
	p.AbsoluteFee = 500

	b, err := Build([]Request{
		request("a1", "alice", 3000, models.FeePolicyDefault),
		request("b1", "bob", 4000, models.FeePolicyDefault),
	}, []Input{utxo(1, 10000)}, p)
	require.NoError(t, err)

	assertBalanced(t, b)
	payouts := b.Payouts()
	require.Len(t, payouts, 2)
	assert.Equal(t, int64(2750), payouts[0].Amount)
	assert.Equal(t, int64(250), payouts[0].Fee)
	assert.Equal(t, int64(3750), payouts[1].Amount)
	assert.Equal(t, int64(250), payouts[1].Fee)
	assert.Equal(t, int64(3000), b.ChangeAmount)
	assert.Zero(t, b.FeeCovered)

	// Realized per-user fee is requested minus paid out.
	for _, o := range payouts {
		req := map[string]int64{"a1": 3000, "b1": 4000}[o.K1]
		assert.Equal(t, o.Fee, req-o.Amount)
	}
}

func TestBuildSkipsUncoverableRequest(t *testing.T) {
	p := testParams()

	b, err := Build([]Request{
		request("big", "alice", 50000, models.FeePolicyDefault),
		request("small", "bob", 3000, models.FeePolicyDefault),
	}, []Input{utxo(1, 10000), utxo(2, 5000)}, p)
	require.NoError(t, err)

	assertBalanced(t, b)
	assert.Equal(t, []string{"small"}, b.K1s())
	assert.Equal(t, []string{"big"}, b.Skipped)
	assert.Len(t, b.Inputs, 1, "only the largest input is needed")
}

func TestBuildNothingCoverable(t *testing.T) {
	_, err := Build([]Request{
		request("big", "alice", 50000, models.FeePolicyDefault),
	}, []Input{utxo(1, 10000)}, testParams())
	assert.ErrorIs(t, err, ErrNoCoverableRequests)

	_, err = Build(nil, []Input{utxo(1, 10000)}, testParams())
	assert.ErrorIs(t, err, ErrNoCoverableRequests)
}

func TestBuildFeeRate(t *testing.T) {
	p := testParams()

	b, err := Build([]Request{
		request("a1", "alice", 6000, models.FeePolicyDefault),
		request("b1", "bob", 7000, models.FeePolicyCovered),
	}, []Input{utxo(1, 9000), utxo(2, 8000), utxo(3, 1000)}, p)
	require.NoError(t, err)

	assertBalanced(t, b)
	assert.Len(t, b.Inputs, 2)
	assert.Equal(t, int64(p.FeeRate.FeeForWeight(b.Weight)), b.Fee)
	assert.Greater(t, b.Weight, lntypes.WeightUnit(0))
}

func TestBuildSplitsChange(t *testing.T) {
	p := testParams()
	p.AbsoluteFee = 500
	p.MaxChangeOutput = 1000

	b, err := Build([]Request{
		request("a1", "alice", 3000, models.FeePolicyCovered),
	}, []Input{utxo(1, 6000)}, p)
	require.NoError(t, err)

	assertBalanced(t, b)
	var changes []Output
	for _, o := range b.Outputs {
		if o.Change {
			changes = append(changes, o)
		}
	}
	// 2,500 of change over at most three scripts.
	require.Len(t, changes, 3)
	assert.Equal(t, int64(2500), changes[0].Amount+changes[1].Amount+changes[2].Amount)
}

func TestBuildAbsorbsDustChange(t *testing.T) {
	p := testParams()
	p.AbsoluteFee = 500

	b, err := Build([]Request{
		request("a1", "alice", 3000, models.FeePolicyCovered),
		request("b1", "bob", 4000, models.FeePolicyCovered),
	}, []Input{utxo(1, 7600)}, p)
	require.NoError(t, err)

	assertBalanced(t, b)
	assert.Zero(t, b.ChangeAmount)
	assert.Equal(t, int64(600), b.Fee)
	assert.Equal(t, int64(600), b.FeeCovered)
	assert.Len(t, b.Outputs, 2)
}

func TestBuildPSBT(t *testing.T) {
	p := testParams()
	p.AbsoluteFee = 500

	b, err := Build([]Request{
		request("a1", "alice", 3000, models.FeePolicyDefault),
	}, []Input{utxo(1, 10000)}, p)
	require.NoError(t, err)

	pkt, err := psbt.NewFromRawBytes(strings.NewReader(b.PSBT), true)
	require.NoError(t, err)
	assert.Equal(t, b.TxID, pkt.UnsignedTx.TxHash().String())
	require.Len(t, pkt.Inputs, 1)
	assert.Equal(t, int64(10000), pkt.Inputs[0].WitnessUtxo.Value)
	assert.Equal(t, []byte{0x52, 0xae}, pkt.Inputs[0].WitnessScript)

	raw, err := SerializeTx(b.Tx)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}

func TestMultisigWitnessSize(t *testing.T) {
	assert.Equal(t, lntypes.WeightUnit(256), MultisigWitnessSize(2, 3))
}

func TestBuildRequiresChangeScript(t *testing.T) {
	p := testParams()
	p.ChangeScripts = nil
	_, err := Build([]Request{request("a1", "alice", 3000, models.FeePolicyDefault)}, []Input{utxo(1, 10000)}, p)
	assert.Error(t, err)
}
