// Package keyvault derives per-owner signing keys from a BIP39 mnemonic.
// Keys are re-derived on every request and never cached; callers must not
// hold a Signer beyond a single operation.
package keyvault

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// IndexStore maps an owner key to a stable wallet derivation index,
// allocating one on first use.
type IndexStore interface {
	WalletIndex(ctx context.Context, ownerKey string) (uint32, error)
}

// Signer holds an owner's address and signing key for the duration of one
// call.
type Signer struct {
	Address common.Address
	Key     *ecdsa.PrivateKey
}

type Vault struct {
	mnemonic string
	indexes  IndexStore
}

func New(mnemonic string, indexes IndexStore) (*Vault, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid BIP39 mnemonic")
	}
	return &Vault{
		mnemonic: mnemonic,
		indexes:  indexes,
	}, nil
}

// SignerFor derives the signing key for the given owner.
func (v *Vault) SignerFor(ctx context.Context, ownerKey string) (Signer, error) {
	index, err := v.indexes.WalletIndex(ctx, ownerKey)
	if err != nil {
		return Signer{}, fmt.Errorf("resolving wallet index: %w", err)
	}

	key, err := DeriveKey(v.mnemonic, index)
	if err != nil {
		return Signer{}, err
	}

	return Signer{
		Address: crypto.PubkeyToAddress(key.PublicKey),
		Key:     key,
	}, nil
}

// AddressFor derives only the owner's address; the key is discarded.
func (v *Vault) AddressFor(ctx context.Context, ownerKey string) (common.Address, error) {
	signer, err := v.SignerFor(ctx, ownerKey)
	if err != nil {
		return common.Address{}, err
	}
	return signer.Address, nil
}

// DeriveKey derives an ECDSA private key from a mnemonic at the given account index.
// Path: m/44'/60'/0'/0/{index}
func DeriveKey(mnemonic string, index uint32) (*ecdsa.PrivateKey, error) {
	seed := bip39.NewSeed(mnemonic, "")

	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("creating master key: %w", err)
	}

	// m/44'
	purpose, err := masterKey.NewChildKey(bip32.FirstHardenedChild + 44)
	if err != nil {
		return nil, fmt.Errorf("deriving purpose: %w", err)
	}

	// m/44'/60'
	coinType, err := purpose.NewChildKey(bip32.FirstHardenedChild + 60)
	if err != nil {
		return nil, fmt.Errorf("deriving coin type: %w", err)
	}

	// m/44'/60'/0'
	account, err := coinType.NewChildKey(bip32.FirstHardenedChild + 0)
	if err != nil {
		return nil, fmt.Errorf("deriving account: %w", err)
	}

	// m/44'/60'/0'/0
	change, err := account.NewChildKey(0)
	if err != nil {
		return nil, fmt.Errorf("deriving change: %w", err)
	}

	// m/44'/60'/0'/0/{index}
	child, err := change.NewChildKey(index)
	if err != nil {
		return nil, fmt.Errorf("deriving child %d: %w", index, err)
	}

	privateKey, err := crypto.ToECDSA(child.Key)
	if err != nil {
		return nil, fmt.Errorf("converting to ECDSA: %w", err)
	}

	return privateKey, nil
}
