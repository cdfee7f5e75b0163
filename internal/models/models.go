package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const MarketBTC = "BTC"

type Network string

const (
	NetworkBTC Network = "BTC"
	NetworkLN  Network = "LN"
)

type FeePolicy string

const (
	// FeePolicyDefault deducts the user's share of the batch fee from the payout.
	FeePolicyDefault FeePolicy = "default"
	// FeePolicyCovered makes custody pay the user's share.
	FeePolicyCovered FeePolicy = "covered"
)

type User struct {
	UserID    string    `gorm:"primaryKey" json:"user_id"`
	K1        string    `gorm:"uniqueIndex" json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

type WalletAddress struct {
	PublicKey     string `gorm:"primaryKey" json:"public_key"`
	ChainCode     string `json:"-"`
	UserID        string `gorm:"uniqueIndex:idx_wallet_path" json:"user_id"`
	UserIndex     uint32 `gorm:"index" json:"user_index"`
	Change        uint32 `gorm:"uniqueIndex:idx_wallet_path" json:"change"`
	AddressIndex  uint32 `gorm:"uniqueIndex:idx_wallet_path" json:"address_index"`
	Path          string `json:"path"`
	WitnessScript string `json:"-"`
	ScriptPubKey  string `gorm:"uniqueIndex" json:"script_pubkey"`
	P2WSH         string `gorm:"column:p2wsh;uniqueIndex" json:"address"`
	Used          int    `gorm:"default:0" json:"used"`
}

type Utxo struct {
	TxID         string     `gorm:"primaryKey" json:"txid"`
	Vout         uint32     `gorm:"primaryKey" json:"vout"`
	UserID       string     `gorm:"index" json:"user_id"`
	ScriptPubKey string     `gorm:"index" json:"script_pubkey"`
	Amount       int64      `json:"amount"`
	Locked       bool       `gorm:"default:false" json:"locked"`
	BatchID      *string    `json:"batch_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LockedAt     *time.Time `json:"-"`
}

type Balance struct {
	UserID string `gorm:"primaryKey" json:"user_id"`
	Market string `gorm:"primaryKey" json:"market"`
	Amount int64  `gorm:"check:amount >= 0" json:"amount"`
}

type LockedBalance struct {
	K1        string    `gorm:"primaryKey" json:"k1"`
	UserID    string    `gorm:"index" json:"user_id"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

type WithdrawRequest struct {
	K1          string    `gorm:"primaryKey" json:"k1"`
	UserID      string    `gorm:"index" json:"user_id"`
	Network     Network   `json:"network"`
	Status      Status    `gorm:"index" json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Amount      int64     `json:"amount"`
	Destination string    `json:"destination"`
	Redeemed    bool      `gorm:"default:false" json:"redeemed"`
	BatchID     *string   `gorm:"index" json:"batch_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type FeeRate struct {
	UserID  string          `gorm:"primaryKey" json:"user_id"`
	Network Network         `gorm:"primaryKey" json:"network"`
	Rate    decimal.Decimal `gorm:"type:numeric" json:"rate"`
	Policy  FeePolicy       `gorm:"default:default" json:"policy"`
}

// QueuedRequest is a QUEUED BTC request joined with the owner's fee settings.
type QueuedRequest struct {
	WithdrawRequest
	Rate   decimal.Decimal
	Policy FeePolicy
}

type DepositTransaction struct {
	TxID      string    `gorm:"primaryKey" json:"txid"`
	Vout      uint32    `gorm:"primaryKey" json:"vout"`
	UserID    string    `gorm:"index" json:"user_id"`
	Network   Network   `json:"network"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

type WithdrawTransaction struct {
	TxID      string    `gorm:"primaryKey" json:"txid"`
	Vout      uint32    `gorm:"primaryKey" json:"vout"`
	K1        string    `gorm:"index" json:"k1"`
	UserID    string    `gorm:"index" json:"user_id"`
	Network   Network   `json:"network"`
	Amount    int64     `json:"amount"`
	Fee       int64     `json:"fee"`
	CreatedAt time.Time `json:"created_at"`
}

type BtcPayment struct {
	TxID          string    `gorm:"primaryKey" json:"txid"`
	BatchID       string    `json:"batch_id"`
	Amount        int64     `json:"amount"`
	Fee           int64     `json:"fee"`
	FeeCovered    int64     `json:"fee_covered"`
	FeeRate       int64     `json:"fee_rate"`
	Weight        int64     `json:"weight"`
	Confirmations int       `gorm:"default:0" json:"confirmations"`
	RawTx         string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

type ChangeOut struct {
	TxID         string `gorm:"primaryKey" json:"txid"`
	Vout         uint32 `gorm:"primaryKey" json:"vout"`
	UserID       string `json:"user_id"`
	ScriptPubKey string `json:"script_pubkey"`
	Amount       int64  `json:"amount"`
}

type WdOut struct {
	K1           string `gorm:"primaryKey" json:"k1"`
	TxID         string `gorm:"index" json:"txid"`
	Vout         uint32 `json:"vout"`
	UserID       string `json:"user_id"`
	Amount       int64  `json:"amount"`
	Fee          int64  `json:"fee"`
	ScriptPubKey string `json:"script_pubkey"`
}

type WdIn struct {
	PrevTxID     string `gorm:"primaryKey" json:"prev_txid"`
	PrevVout     uint32 `gorm:"primaryKey" json:"prev_vout"`
	TxID         string `gorm:"index" json:"txid"`
	Amount       int64  `json:"amount"`
	ScriptPubKey string `json:"script_pubkey"`
}

type WithdrawInvoice struct {
	PaymentHash string    `gorm:"primaryKey" json:"payment_hash"`
	K1          string    `gorm:"index" json:"k1"`
	Bolt11      string    `json:"bolt11"`
	State       string    `json:"state"`
	Preimage    string    `json:"preimage,omitempty"`
	Destination string    `json:"destination"`
	NumSatoshis int64     `json:"num_satoshis"`
	Expiry      int64     `json:"expiry"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type LnPayment struct {
	PaymentHash   string    `gorm:"primaryKey" json:"payment_hash"`
	K1            string    `gorm:"index" json:"k1"`
	UserID        string    `gorm:"index" json:"user_id"`
	ValueSat      int64     `json:"value_sat"`
	Status        string    `json:"status"`
	FeeSat        int64     `json:"fee_sat"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type DepositInvoice struct {
	PaymentHash string    `gorm:"primaryKey" json:"payment_hash"`
	K1          string    `gorm:"index" json:"-"`
	UserID      string    `gorm:"index" json:"user_id"`
	Bolt11      string    `json:"bolt11"`
	State       string    `json:"state"`
	NumSatoshis int64     `json:"num_satoshis"`
	AmtPaidSat  int64     `json:"amt_paid_sat"`
	AddIndex    uint64    `gorm:"index" json:"add_index"`
	SettleIndex uint64    `json:"settle_index"`
	Expiry      int64     `json:"expiry"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Transfer is a single row of a user's combined deposit/withdraw history.
type Transfer struct {
	TxID      string    `json:"txid"`
	Vout      uint32    `json:"vout"`
	Direction string    `json:"direction"`
	Network   Network   `json:"network"`
	Amount    int64     `json:"amount"`
	Fee       int64     `json:"fee"`
	CreatedAt time.Time `json:"created_at"`
}

// AllModels lists every table for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&WalletAddress{},
		&Utxo{},
		&Balance{},
		&LockedBalance{},
		&WithdrawRequest{},
		&FeeRate{},
		&DepositTransaction{},
		&WithdrawTransaction{},
		&BtcPayment{},
		&ChangeOut{},
		&WdOut{},
		&WdIn{},
		&WithdrawInvoice{},
		&LnPayment{},
		&DepositInvoice{},
	}
}
