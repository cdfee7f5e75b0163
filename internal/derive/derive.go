package derive

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/Fi44er/custody_ledger/internal/models"
)

// ParamsForNetwork maps a NETWORK setting to chain parameters.
func ParamsForNetwork(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "mainnet", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", network)
}

// Deriver derives m-of-n P2WSH custody addresses from the cosigners' account
// xpubs along m/user_index/change/address_index.
type Deriver struct {
	masters  []*hdkeychain.ExtendedKey
	required int
	params   *chaincfg.Params
}

// NewDeriver parses a comma separated list of xpubs.
func NewDeriver(xpubs string, required int, params *chaincfg.Params) (*Deriver, error) {
	var masters []*hdkeychain.ExtendedKey
	for _, s := range strings.Split(xpubs, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key, err := hdkeychain.NewKeyFromString(s)
		if err != nil {
			return nil, fmt.Errorf("failed to decode master key: %w", err)
		}
		if key.IsPrivate() {
			return nil, fmt.Errorf("master key must be public")
		}
		masters = append(masters, key)
	}

	if len(masters) == 0 {
		return nil, fmt.Errorf("no master keys configured")
	}
	if required < 1 || required > len(masters) {
		return nil, fmt.Errorf("required signatures %d out of range 1..%d", required, len(masters))
	}

	return &Deriver{masters: masters, required: required, params: params}, nil
}

func (d *Deriver) Params() *chaincfg.Params { return d.params }

// Required and Total describe the multisig policy, m of n.
func (d *Deriver) Required() int { return d.required }
func (d *Deriver) Total() int    { return len(d.masters) }

// Derive builds the address at m/userIndex/change/addressIndex for userID.
func (d *Deriver) Derive(userID string, userIndex, change, addressIndex uint32) (*models.WalletAddress, error) {
	pubKeys := make([][]byte, 0, len(d.masters))
	var chainCode []byte

	for _, master := range d.masters {
		child := master
		for _, idx := range []uint32{userIndex, change, addressIndex} {
			var err error
			child, err = child.Derive(idx)
			if err != nil {
				return nil, fmt.Errorf("failed to derive child %d: %w", idx, err)
			}
		}

		pub, err := child.ECPubKey()
		if err != nil {
			return nil, fmt.Errorf("failed to get public key: %w", err)
		}
		pubKeys = append(pubKeys, pub.SerializeCompressed())
		if chainCode == nil {
			chainCode = child.ChainCode()
		}
	}

	// Sorted keys make the script independent of xpub order.
	sort.Slice(pubKeys, func(i, j int) bool {
		return bytes.Compare(pubKeys[i], pubKeys[j]) < 0
	})

	addrPubKeys := make([]*btcutil.AddressPubKey, len(pubKeys))
	for i, pk := range pubKeys {
		a, err := btcutil.NewAddressPubKey(pk, d.params)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		addrPubKeys[i] = a
	}

	witnessScript, err := txscript.MultiSigScript(addrPubKeys, d.required)
	if err != nil {
		return nil, fmt.Errorf("failed to build multisig script: %w", err)
	}

	scriptHash := sha256.Sum256(witnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], d.params)
	if err != nil {
		return nil, fmt.Errorf("failed to build p2wsh address: %w", err)
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to build script pubkey: %w", err)
	}

	return &models.WalletAddress{
		PublicKey:     hex.EncodeToString(pubKeys[0]),
		ChainCode:     hex.EncodeToString(chainCode),
		UserID:        userID,
		UserIndex:     userIndex,
		Change:        change,
		AddressIndex:  addressIndex,
		Path:          fmt.Sprintf("m/%d/%d/%d", userIndex, change, addressIndex),
		WitnessScript: hex.EncodeToString(witnessScript),
		ScriptPubKey:  hex.EncodeToString(pkScript),
		P2WSH:         addr.EncodeAddress(),
	}, nil
}

// ScriptPubKey decodes addr into its output script.
func ScriptPubKey(addr string, params *chaincfg.Params) ([]byte, error) {
	a, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("%w: bad address: %v", models.ErrInvalidRequest, err)
	}
	if !a.IsForNet(params) {
		return nil, fmt.Errorf("%w: address is for another network", models.ErrInvalidRequest)
	}
	return txscript.PayToAddrScript(a)
}
