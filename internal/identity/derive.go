package identity

import (
	"crypto/sha256"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSecp256k1 = "icid/identity/secp256k1/v1"
	hkdfInfoEd25519   = "icid/identity/ed25519/v1"

	maxDeriveAttempts = 8
)

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// NewMnemonic returns a fresh 24 word BIP-39 phrase.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(strings.TrimSpace(mnemonic))
}

// Secp256k1IdentityFromMnemonic deterministically derives a secp256k1 key
// from a BIP-39 phrase and optional passphrase.
func Secp256k1IdentityFromMnemonic(mnemonic, passphrase string) (*Secp256k1Identity, error) {
	seed, err := mnemonicSeed(mnemonic, passphrase)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(seed)
	// Retry with a counter suffix while the scalar falls outside [1, n).
	for attempt := 0; attempt < maxDeriveAttempts; attempt++ {
		info := hkdfInfoSecp256k1
		if attempt > 0 {
			info += "/" + strconv.Itoa(attempt)
		}
		scalar, err := hkdfExpand(seed, info, coordinateSize)
		if err != nil {
			return nil, err
		}
		priv, err := privateKeyFromScalar(scalar)
		zeroBytes(scalar)
		if err != nil {
			continue
		}
		return newSecp256k1Identity(priv)
	}
	return nil, ErrInvalidKey
}

func Ed25519IdentityFromMnemonic(mnemonic, passphrase string) (*Ed25519Identity, error) {
	seed, err := mnemonicSeed(mnemonic, passphrase)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(seed)
	keySeed, err := hkdfExpand(seed, hkdfInfoEd25519, 32)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(keySeed)
	return NewEd25519IdentityFromSeed(keySeed)
}

func mnemonicSeed(mnemonic, passphrase string) ([]byte, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return bip39.NewSeed(mnemonic, passphrase), nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
