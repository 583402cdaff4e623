package keystore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	envelopeVersion = 1
	kdfArgon2id     = "argon2id"
	saltSize        = 16
	filePrefix      = "ICIDKS1\n"

	kdfTime     = 2
	kdfMemoryKB = 64 * 1024
	kdfThreads  = 1
	// Upper bounds for parameters read back from disk.
	maxKDFTime     = 16
	maxKDFMemoryKB = 1024 * 1024
)

var (
	ErrAuthFailed = errors.New("keystore authentication failed")
	ErrInvalid    = errors.New("keystore envelope is invalid")
	ErrNotSealed  = errors.New("keystore data is not a sealed envelope")
)

// Envelope is the on-disk form of one sealed entry. The entry name is bound
// as associated data, so a file renamed to another entry fails to open.
type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Seal encrypts plaintext for entry name and returns the file contents.
func Seal(passphrase, name string, plaintext []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	env := &Envelope{
		Version:     envelopeVersion,
		KDF:         kdfArgon2id,
		KDFTime:     kdfTime,
		KDFMemoryKB: kdfMemoryKB,
		KDFThreads:  kdfThreads,
		Salt:        salt,
	}
	key := env.deriveKey(passphrase)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	env.Nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(env.Nonce); err != nil {
		return nil, err
	}
	env.Ciphertext = aead.Seal(nil, env.Nonce, plaintext, []byte(name))

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

// Open reverses Seal.
func Open(passphrase, name string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		return nil, ErrNotSealed
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	key := env.deriveKey(passphrase)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(name))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (e *Envelope) validate() error {
	switch {
	case e.Version != envelopeVersion:
		return fmt.Errorf("%w: version %d", ErrInvalid, e.Version)
	case e.KDF != kdfArgon2id:
		return fmt.Errorf("%w: kdf %q", ErrInvalid, e.KDF)
	case e.KDFTime == 0 || e.KDFTime > maxKDFTime:
		return fmt.Errorf("%w: kdf time %d", ErrInvalid, e.KDFTime)
	case e.KDFMemoryKB == 0 || e.KDFMemoryKB > maxKDFMemoryKB:
		return fmt.Errorf("%w: kdf memory %d", ErrInvalid, e.KDFMemoryKB)
	case e.KDFThreads == 0:
		return fmt.Errorf("%w: kdf threads", ErrInvalid)
	case len(e.Salt) != saltSize:
		return fmt.Errorf("%w: salt size %d", ErrInvalid, len(e.Salt))
	case len(e.Nonce) != chacha20poly1305.NonceSizeX:
		return fmt.Errorf("%w: nonce size %d", ErrInvalid, len(e.Nonce))
	}
	return nil
}

func (e *Envelope) deriveKey(passphrase string) []byte {
	return argon2.IDKey([]byte(passphrase), e.Salt, e.KDFTime, e.KDFMemoryKB, e.KDFThreads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
