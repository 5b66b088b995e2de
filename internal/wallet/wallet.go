// Package wallet derives the swap keys from a BIP39 seed: the EVM account
// that signs escrow transactions and the Bitcoin address that receives
// on-chain payouts.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// Derivation purposes and coin types.
const (
	PurposeBIP44 uint32 = 44
	PurposeBIP84 uint32 = 84

	CoinTypeBitcoin     uint32 = 0
	CoinTypeBitcoinTest uint32 = 1
	CoinTypeEVM         uint32 = 60
)

// Wallet manages HD keys derived from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	params    *chaincfg.Params
	mu        sync.Mutex

	// Derived keys keyed by derivation path.
	cache map[string]*hdkeychain.ExtendedKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic. The passphrase is
// optional. params selects the Bitcoin network for addresses.
func NewFromMnemonic(mnemonic, passphrase string, params *chaincfg.Params) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return NewFromSeed(seed, params)
}

// NewFromSeed creates a wallet from a raw seed.
func NewFromSeed(seed []byte, params *chaincfg.Params) (*Wallet, error) {
	if params == nil {
		params = &chaincfg.MainNetParams
	}

	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		params:    params,
		cache:     make(map[string]*hdkeychain.ExtendedKey),
	}, nil
}

// Network returns the Bitcoin network parameters.
func (w *Wallet) Network() *chaincfg.Params {
	return w.params
}

// DeriveKey derives m/purpose'/coin'/account'/change/index.
func (w *Wallet) DeriveKey(purpose, coinType, account, change, index uint32) (*hdkeychain.ExtendedKey, error) {
	path := DerivationPath(purpose, coinType, account, change, index)

	w.mu.Lock()
	defer w.mu.Unlock()

	if key, ok := w.cache[path]; ok {
		return key, nil
	}

	key := w.masterKey
	for i, child := range []uint32{
		hdkeychain.HardenedKeyStart + purpose,
		hdkeychain.HardenedKeyStart + coinType,
		hdkeychain.HardenedKeyStart + account,
		change,
		index,
	} {
		next, err := key.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive level %d of %s: %w", i+1, path, err)
		}
		key = next
	}

	w.cache[path] = key
	return key, nil
}

// EVMKey returns the escrow signing key at m/44'/60'/0'/0/index.
func (w *Wallet) EVMKey(index uint32) (*ecdsa.PrivateKey, error) {
	priv, err := w.privateKey(PurposeBIP44, CoinTypeEVM, index)
	if err != nil {
		return nil, err
	}
	return priv.ToECDSA(), nil
}

// EVMAddress returns the account address of EVMKey(index).
func (w *Wallet) EVMAddress(index uint32) (common.Address, error) {
	key, err := w.EVMKey(index)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// BitcoinAddress returns the native SegWit (BIP84) receive address at
// index, used as the payout destination of on-chain swaps.
func (w *Wallet) BitcoinAddress(index uint32) (btcutil.Address, error) {
	coinType := CoinTypeBitcoin
	if w.params.Net != chaincfg.MainNetParams.Net {
		coinType = CoinTypeBitcoinTest
	}

	key, err := w.DeriveKey(PurposeBIP84, coinType, 0, 0, index)
	if err != nil {
		return nil, err
	}
	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}

	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), w.params)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return addr, nil
}

func (w *Wallet) privateKey(purpose, coinType, index uint32) (*btcec.PrivateKey, error) {
	key, err := w.DeriveKey(purpose, coinType, 0, 0, index)
	if err != nil {
		return nil, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return priv, nil
}

// DerivationPath formats a BIP44-style path.
func DerivationPath(purpose, coinType, account, change, index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", purpose, coinType, account, change, index)
}
