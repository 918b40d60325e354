package hd

import (
	"crypto/ed25519"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

// Chain names a network family the allocator can derive addresses for.
type Chain string

const (
	ChainEVM    Chain = "evm"
	ChainSolana Chain = "solana"
)

// BIP44 coin types.
const (
	coinTypeEVM    = 60
	coinTypeSolana = 501
)

// DeriveAddress is a pure function of the master seed and index, so any
// issued address can be re-derived for auditing without per-payment key
// material. Only the index is persisted.
func DeriveAddress(seed []byte, chain Chain, index int64) (string, error) {
	if len(seed) == 0 {
		return "", ErrNotConfigured
	}
	if index < 0 {
		return "", fmt.Errorf("negative derivation index %d", index)
	}

	switch chain {
	case ChainEVM:
		return deriveEVMAddress(seed, uint32(index))
	case ChainSolana:
		return deriveSolanaAddress(seed, uint32(index))
	default:
		return "", fmt.Errorf("unsupported chain %q", chain)
	}
}

// deriveEVMAddress walks m/44'/60'/0'/0/index and hashes the secp256k1
// public key into a checksummed address.
func deriveEVMAddress(seed []byte, index uint32) (string, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return "", fmt.Errorf("derive master key: %w", err)
	}

	key := master
	for _, element := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + coinTypeEVM,
		hdkeychain.HardenedKeyStart,
		0,
		index,
	} {
		key, err = key.Derive(element)
		if err != nil {
			return "", fmt.Errorf("derive path element %d: %w", element, err)
		}
	}

	pub, err := key.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub.ToECDSA()).Hex(), nil
}

// DeriveEVMKey exposes the private key for a derived deposit address.
// Used only by the sweep path; never persisted.
func DeriveEVMKey(seed []byte, index int64) ([]byte, error) {
	if len(seed) == 0 {
		return nil, ErrNotConfigured
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	key := master
	for _, element := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + coinTypeEVM,
		hdkeychain.HardenedKeyStart,
		0,
		uint32(index),
	} {
		key, err = key.Derive(element)
		if err != nil {
			return nil, err
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return priv.Serialize(), nil
}

// deriveSolanaAddress walks m/44'/501'/index'/0' per SLIP-0010 and
// base58-encodes the ed25519 public key.
func deriveSolanaAddress(seed []byte, index uint32) (string, error) {
	key, err := deriveEd25519Seed(seed, []uint32{
		hardenedOffset + 44,
		hardenedOffset + coinTypeSolana,
		hardenedOffset + index,
		hardenedOffset,
	})
	if err != nil {
		return "", err
	}
	pub := ed25519.NewKeyFromSeed(key).Public().(ed25519.PublicKey)
	return base58.Encode(pub), nil
}
