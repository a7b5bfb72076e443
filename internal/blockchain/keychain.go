package blockchain

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// IndexAllocator hands out unused derivation indexes.
type IndexAllocator interface {
	NextAddressIndex(chain string) (uint32, error)
}

// childDeriver derives non-hardened children of the external chain.
type childDeriver interface {
	Derive(i uint32) (*hdkeychain.ExtendedKey, error)
}

// Keychain derives receive addresses m/0/i from an account-level watching key.
type Keychain struct {
	external  childDeriver
	params    *chaincfg.Params
	allocator IndexAllocator
	chain     string
}

// NewKeychain parses an extended key. Private keys are neutered; only the
// public half is kept.
func NewKeychain(watchingKey string, params *chaincfg.Params, allocator IndexAllocator) (*Keychain, error) {
	key, err := hdkeychain.NewKeyFromString(watchingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse watching key: %w", err)
	}
	if !key.IsForNet(params) {
		return nil, fmt.Errorf("watching key is not for network %s", params.Name)
	}
	if key.IsPrivate() {
		if key, err = key.Neuter(); err != nil {
			return nil, fmt.Errorf("failed to neuter watching key: %w", err)
		}
	}

	external, err := key.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("failed to derive external chain: %w", err)
	}

	pub, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to read watching key: %w", err)
	}
	// cursor name is stable per key and network
	chain := fmt.Sprintf("%s/%s", params.Name, hex.EncodeToString(btcutil.Hash160(pub.SerializeCompressed())[:8]))

	return &Keychain{external: external, params: params, allocator: allocator, chain: chain}, nil
}

// Address derives the receive address at index.
func (k *Keychain) Address(index uint32) (string, error) {
	child, err := k.external.Derive(index)
	if err != nil {
		return "", fmt.Errorf("failed to derive address %d: %w", index, err)
	}
	addr, err := child.Address(k.params)
	if err != nil {
		return "", fmt.Errorf("failed to encode address %d: %w", index, err)
	}
	return addr.EncodeAddress(), nil
}

// NextAddress derives the address at the next unused index. Indexes without a
// valid child key are skipped.
func (k *Keychain) NextAddress() (string, error) {
	for {
		index, err := k.allocator.NextAddressIndex(k.chain)
		if err != nil {
			return "", err
		}
		address, err := k.Address(index)
		if errors.Is(err, hdkeychain.ErrInvalidChild) {
			continue
		}
		return address, err
	}
}
