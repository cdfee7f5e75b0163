package batch

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"

	"github.com/Fi44er/custody_ledger/internal/models"
)

var (
	// ErrNoCoverableRequests means no request fits the available inputs.
	ErrNoCoverableRequests = errors.New("no request can be covered by available inputs")

	errNoChangeScript = errors.New("no change script")
)

// Request is one payout of a batch.
type Request struct {
	K1     string
	UserID string
	Amount int64
	Script []byte
	Policy models.FeePolicy
}

// Input is a custody utxo that can be spent by the batch.
type Input struct {
	TxID          string
	Vout          uint32
	Amount        int64
	ScriptPubKey  []byte
	WitnessScript []byte
}

// Output is a payout (Change false) or a change output.
type Output struct {
	Script []byte
	Amount int64
	Change bool
	K1     string
	UserID string
	// Fee is the part of the batch fee deducted from this payout.
	Fee int64
}

// Params tune one build.
type Params struct {
	FeeRate chainfee.SatPerKWeight
	// AbsoluteFee overrides FeeRate when positive.
	AbsoluteFee int64

	RequiredSigs int
	TotalKeys    int

	// ChangeScripts are custody change outputs, used in order.
	ChangeScripts [][]byte
	// MaxChangeOutput splits change larger than this into several outputs.
	MaxChangeOutput int64
}

// Batch is the result of one build cycle.
type Batch struct {
	ID string

	Requested    int64
	InputAmount  int64
	OutputAmount int64
	ChangeAmount int64
	Fee          int64
	FeeCovered   int64
	FeeRate      chainfee.SatPerKWeight
	Weight       lntypes.WeightUnit

	// UserRequests maps a user to the k1s paid in this batch.
	UserRequests map[string][]string
	Skipped      []string

	Inputs  []Input
	Outputs []Output

	Tx   *wire.MsgTx
	PSBT string
	TxID string
}

// Payouts returns the non change outputs.
func (b *Batch) Payouts() []Output {
	var out []Output
	for _, o := range b.Outputs {
		if !o.Change {
			out = append(out, o)
		}
	}
	return out
}

// K1s lists the requests paid by the batch.
func (b *Batch) K1s() []string {
	var k1s []string
	for _, o := range b.Payouts() {
		k1s = append(k1s, o.K1)
	}
	return k1s
}

// MultisigWitnessSize is the witness weight of spending an m-of-n P2WSH
// output.
func MultisigWitnessSize(m, n int) lntypes.WeightUnit {
	script := 1 + n*(1+33) + 1 + 1
	size := 1 + // number of witness elements
		1 + // empty element for CHECKMULTISIG
		m*(1+73) +
		wire.VarIntSerializeSize(uint64(script)) + script
	return lntypes.WeightUnit(size)
}

// Build selects requests and inputs greedily, oldest request first. A
// request the remaining inputs cannot cover is skipped and left for a later
// cycle. Inputs must be sorted by amount, largest first.
//
// The fee is split evenly over the selected requests. Users on the default
// policy have their share deducted from the payout, custody covers the rest.
// By construction sum(inputs) == sum(outputs) + fee.
func Build(reqs []Request, inputs []Input, p Params) (*Batch, error) {
	if len(p.ChangeScripts) == 0 {
		return nil, errNoChangeScript
	}

	accepted, selected, skipped := selectCoverage(reqs, inputs, p)

	for len(accepted) > 0 {
		b, dust, err := assemble(accepted, selected, p)
		if err != nil {
			return nil, err
		}
		if dust == "" {
			b.Skipped = skipped
			return b, nil
		}

		// A payout that turns into dust after its fee share leaves the batch.
		var kept []Request
		for _, r := range accepted {
			if r.K1 == dust {
				skipped = append(skipped, r.K1)
				continue
			}
			kept = append(kept, r)
		}
		accepted = kept
	}

	return nil, ErrNoCoverableRequests
}

func selectCoverage(reqs []Request, inputs []Input, p Params) ([]Request, []Input, []string) {
	var (
		accepted []Request
		selected []Input
		skipped  []string
		next     int
		have     int64
		want     int64
	)

	for _, r := range reqs {
		markSel, markNext, markHave := len(selected), next, have
		accepted = append(accepted, r)
		want += r.Amount

		for have < want+estimateFee(len(selected), accepted, 1, p) && next < len(inputs) {
			selected = append(selected, inputs[next])
			have += inputs[next].Amount
			next++
		}

		if have < want+estimateFee(len(selected), accepted, 1, p) {
			accepted = accepted[:len(accepted)-1]
			want -= r.Amount
			selected, next, have = selected[:markSel], markNext, markHave
			skipped = append(skipped, r.K1)
		}
	}

	return accepted, selected, skipped
}

func estimateWeight(nIn int, reqs []Request, nChange int, p Params) lntypes.WeightUnit {
	var est input.TxWeightEstimator
	witness := MultisigWitnessSize(p.RequiredSigs, p.TotalKeys)
	for i := 0; i < nIn; i++ {
		est.AddWitnessInput(witness)
	}
	for _, r := range reqs {
		est.AddOutput(r.Script)
	}
	for i := 0; i < nChange; i++ {
		est.AddOutput(p.ChangeScripts[i%len(p.ChangeScripts)])
	}
	return est.Weight()
}

func estimateFee(nIn int, reqs []Request, nChange int, p Params) int64 {
	if p.AbsoluteFee > 0 {
		return p.AbsoluteFee
	}
	return int64(p.FeeRate.FeeForWeight(estimateWeight(nIn, reqs, nChange, p)))
}

func isDust(amount int64, script []byte) bool {
	return txrules.IsDustOutput(wire.NewTxOut(amount, script), txrules.DefaultRelayFeePerKb)
}

// assemble computes the outputs and transaction for a fixed selection. It
// returns the k1 of a payout that would be dust, if any.
func assemble(reqs []Request, inputs []Input, p Params) (*Batch, string, error) {
	var inputAmount, requested int64
	for _, in := range inputs {
		inputAmount += in.Amount
	}
	for _, r := range reqs {
		requested += r.Amount
	}

	nChange := 1
	var (
		fee, feeCovered, payoutTotal int64
		payouts                      []Output
	)
	for attempt := 0; attempt < 3; attempt++ {
		fee = estimateFee(len(inputs), reqs, nChange, p)
		payouts, payoutTotal, feeCovered = splitFee(reqs, fee)

		want := changeOutputs(inputAmount-payoutTotal-fee, p)
		if want == nChange || want == 0 {
			break
		}
		nChange = want
	}
	if inputAmount-payoutTotal-fee < 0 && nChange > 1 {
		nChange = 1
		fee = estimateFee(len(inputs), reqs, nChange, p)
		payouts, payoutTotal, feeCovered = splitFee(reqs, fee)
	}

	for _, o := range payouts {
		if isDust(o.Amount, o.Script) {
			return nil, o.K1, nil
		}
	}

	change := inputAmount - payoutTotal - fee
	if change < 0 {
		return nil, "", fmt.Errorf("inputs %d do not cover payouts %d and fee %d", inputAmount, payoutTotal, fee)
	}

	changeOuts := splitChange(change, nChange, p)
	if len(changeOuts) == 0 && change > 0 {
		// Dust change is left to miners and paid by custody.
		fee += change
		feeCovered += change
		change = 0
	}

	b := &Batch{
		Requested:    requested,
		InputAmount:  inputAmount,
		OutputAmount: payoutTotal + change,
		ChangeAmount: change,
		Fee:          fee,
		FeeCovered:   feeCovered,
		FeeRate:      p.FeeRate,
		UserRequests: make(map[string][]string),
		Inputs:       inputs,
		Outputs:      append(payouts, changeOuts...),
	}
	for _, r := range reqs {
		b.UserRequests[r.UserID] = append(b.UserRequests[r.UserID], r.K1)
	}

	if err := b.buildTx(); err != nil {
		return nil, "", err
	}
	b.Weight = estimateWeight(len(inputs), reqs, len(changeOuts), p)

	return b, "", nil
}

// splitFee spreads fee evenly over reqs. The remainder and the shares of
// covered users are paid by custody.
func splitFee(reqs []Request, fee int64) ([]Output, int64, int64) {
	share := fee / int64(len(reqs))
	covered := fee - share*int64(len(reqs))

	outs := make([]Output, 0, len(reqs))
	var total int64
	for _, r := range reqs {
		o := Output{Script: r.Script, Amount: r.Amount, K1: r.K1, UserID: r.UserID}
		if r.Policy == models.FeePolicyCovered {
			covered += share
		} else {
			o.Amount -= share
			o.Fee = share
		}
		total += o.Amount
		outs = append(outs, o)
	}
	return outs, total, covered
}

func changeOutputs(change int64, p Params) int {
	if change <= 0 {
		return 0
	}
	n := 1
	if p.MaxChangeOutput > 0 {
		n = int((change + p.MaxChangeOutput - 1) / p.MaxChangeOutput)
	}
	if n > len(p.ChangeScripts) {
		n = len(p.ChangeScripts)
	}
	return n
}

func splitChange(change int64, n int, p Params) []Output {
	if change <= 0 || n == 0 {
		return nil
	}
	for n > 1 && isDust(change/int64(n), p.ChangeScripts[0]) {
		n--
	}
	if isDust(change, p.ChangeScripts[0]) {
		return nil
	}

	outs := make([]Output, n)
	part := change / int64(n)
	for i := range outs {
		outs[i] = Output{Script: p.ChangeScripts[i], Amount: part, Change: true}
	}
	outs[n-1].Amount += change - part*int64(n)
	return outs
}

func (b *Batch) buildTx() error {
	tx := wire.NewMsgTx(2)
	for _, in := range b.Inputs {
		hash, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return fmt.Errorf("bad input txid %s: %w", in.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, in.Vout), nil, nil))
	}
	for _, o := range b.Outputs {
		tx.AddTxOut(wire.NewTxOut(o.Amount, o.Script))
	}

	pkt, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return fmt.Errorf("failed to create psbt: %w", err)
	}
	for i, in := range b.Inputs {
		pkt.Inputs[i].WitnessUtxo = wire.NewTxOut(in.Amount, in.ScriptPubKey)
		pkt.Inputs[i].WitnessScript = in.WitnessScript
	}
	encoded, err := pkt.B64Encode()
	if err != nil {
		return fmt.Errorf("failed to encode psbt: %w", err)
	}

	b.Tx = tx
	b.PSBT = encoded
	// Segwit: the unsigned hash is the final txid.
	b.TxID = tx.TxHash().String()
	return nil
}

// SerializeTx returns tx as hex.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// FeeRateFromSatPerVByte converts a user facing sat/vB rate.
func FeeRateFromSatPerVByte(satPerVByte int64) chainfee.SatPerKWeight {
	return chainfee.SatPerKVByte(btcutil.Amount(satPerVByte * 1000)).FeePerKWeight()
}
