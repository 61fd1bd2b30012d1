// Package btcwallet is the intermediary's on-chain Bitcoin hot wallet: BIP84
// key derivation, fresh deposit addresses, coin selection, and transaction
// building for swap payouts.
package btcwallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/tyler-smith/go-bip39"

	"github.com/crossport-exchange/crossport/internal/btc"
	"github.com/crossport-exchange/crossport/pkg/logging"
)

// BIP84 derivation constants: m/84'/coin'/0'/change/index.
const (
	purposeBIP84    = 84
	coinTypeBitcoin = 0
	coinTypeTestnet = 1

	externalBranch = 0
	changeBranch   = 1
)

// Wallet is a BIP84 (native SegWit) HD wallet backed by a chain Rpc for UTXO
// discovery and broadcast.
type Wallet struct {
	rpc    btc.Rpc
	params *chaincfg.Params
	log    *logging.Logger

	accountKey *hdkeychain.ExtendedKey

	mu            sync.Mutex
	nextExternal  uint32
	nextChange    uint32
	keysByAddress map[string]*btcec.PrivateKey
	addresses     []string
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic with an optional
// passphrase.
func NewFromMnemonic(mnemonic, passphrase string, params *chaincfg.Params, rpc btc.Rpc, log *logging.Logger) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)

	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	coinType := uint32(coinTypeBitcoin)
	if params.Net != chaincfg.MainNetParams.Net {
		coinType = coinTypeTestnet
	}

	// m/84'/coin'/0'
	accountKey := masterKey
	for _, child := range []uint32{
		hdkeychain.HardenedKeyStart + purposeBIP84,
		hdkeychain.HardenedKeyStart + coinType,
		hdkeychain.HardenedKeyStart,
	} {
		accountKey, err = accountKey.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive account key: %w", err)
		}
	}

	return &Wallet{
		rpc:           rpc,
		params:        params,
		log:           log,
		accountKey:    accountKey,
		keysByAddress: make(map[string]*btcec.PrivateKey),
	}, nil
}

// deriveAddress derives the P2WPKH address at branch/index and registers its
// key for signing. Caller holds w.mu.
func (w *Wallet) deriveAddress(branch, index uint32) (string, error) {
	branchKey, err := w.accountKey.Derive(branch)
	if err != nil {
		return "", fmt.Errorf("failed to derive branch %d: %w", branch, err)
	}
	addressKey, err := branchKey.Derive(index)
	if err != nil {
		return "", fmt.Errorf("failed to derive index %d: %w", index, err)
	}

	privKey, err := addressKey.ECPrivKey()
	if err != nil {
		return "", fmt.Errorf("failed to extract private key: %w", err)
	}

	pubKeyHash := btcutil.Hash160(privKey.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, w.params)
	if err != nil {
		return "", fmt.Errorf("failed to build address: %w", err)
	}

	encoded := addr.EncodeAddress()
	if _, ok := w.keysByAddress[encoded]; !ok {
		w.keysByAddress[encoded] = privKey
		w.addresses = append(w.addresses, encoded)
	}
	return encoded, nil
}

// GetFreshAddress returns a previously unused external P2WPKH address.
func (w *Wallet) GetFreshAddress() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	addr, err := w.deriveAddress(externalBranch, w.nextExternal)
	if err != nil {
		return "", err
	}
	w.nextExternal++
	return addr, nil
}

// getChangeAddress returns a change-branch address. Caller holds w.mu.
func (w *Wallet) getChangeAddress() (string, error) {
	addr, err := w.deriveAddress(changeBranch, w.nextChange)
	if err != nil {
		return "", err
	}
	w.nextChange++
	return addr, nil
}

// RestoreAddresses re-derives the first n external and change addresses,
// used after restart so previously issued deposit addresses keep their keys.
func (w *Wallet) RestoreAddresses(external, change uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := uint32(0); i < external; i++ {
		if _, err := w.deriveAddress(externalBranch, i); err != nil {
			return err
		}
	}
	for i := uint32(0); i < change; i++ {
		if _, err := w.deriveAddress(changeBranch, i); err != nil {
			return err
		}
	}
	if external > w.nextExternal {
		w.nextExternal = external
	}
	if change > w.nextChange {
		w.nextChange = change
	}
	return nil
}

// GetSpendableUTXOs collects confirmed UTXOs across all derived addresses.
func (w *Wallet) GetSpendableUTXOs(ctx context.Context, minConfirmations int32) ([]btc.UTXO, error) {
	w.mu.Lock()
	addresses := make([]string, len(w.addresses))
	copy(addresses, w.addresses)
	w.mu.Unlock()

	var utxos []btc.UTXO
	for _, addr := range addresses {
		found, err := w.rpc.GetAddressUTXOs(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("utxo lookup for %s: %w", addr, err)
		}
		for _, u := range found {
			if u.Confirmations >= minConfirmations {
				utxos = append(utxos, u)
			}
		}
	}
	return utxos, nil
}

// GetBalance returns the confirmed spendable balance in satoshi.
func (w *Wallet) GetBalance(ctx context.Context) (uint64, error) {
	utxos, err := w.GetSpendableUTXOs(ctx, 1)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, u := range utxos {
		total += u.Value
	}
	return total, nil
}

// privateKeyFor returns the signing key of one of our addresses.
func (w *Wallet) privateKeyFor(address string) (*btcec.PrivateKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key, ok := w.keysByAddress[address]
	if !ok {
		return nil, fmt.Errorf("address %s is not part of this wallet", address)
	}
	return key, nil
}

// scriptFor returns the output script of one of our addresses.
func (w *Wallet) scriptFor(address string) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(address, w.params)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet address %s: %w", address, err)
	}
	return txscript.PayToAddrScript(decoded)
}

// AddressToScript parses a destination address into its output script.
func (w *Wallet) AddressToScript(address string) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(address, w.params)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	return txscript.PayToAddrScript(decoded)
}
