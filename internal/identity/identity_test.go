package identity

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"

	"icagent/go-identity/internal/principal"
)

func mustSecp256k1(t *testing.T) *Secp256k1Identity {
	t.Helper()
	id, err := GenerateSecp256k1Identity()
	if err != nil {
		t.Fatalf("generate secp256k1 identity: %v", err)
	}
	return id
}

func TestSecp256k1PrincipalIsStable(t *testing.T) {
	key, err := ParseJwk(jwkText(map[string]string{
		"kty": "EC", "crv": "secp256k1", "x": generatorX, "y": generatorY, "d": scalarOne,
	}))
	if err != nil {
		t.Fatalf("parse jwk: %v", err)
	}
	first, err := GetSecp256k1Identity(key)
	if err != nil {
		t.Fatalf("identity 1: %v", err)
	}
	second, err := GetSecp256k1Identity(key)
	if err != nil {
		t.Fatalf("identity 2: %v", err)
	}
	if first.Principal() != second.Principal() {
		t.Fatal("principal must be stable across derivations")
	}
	if first.Principal() != principal.SelfAuthenticating(first.PublicKey()) {
		t.Fatal("principal must be derived from the DER public key")
	}
}

func TestSecp256k1SignaturesVerify(t *testing.T) {
	id := mustSecp256k1(t)
	payload := []byte("payload to sign")
	for i := 0; i < 2; i++ {
		sig, err := id.Sign(payload)
		if err != nil {
			t.Fatalf("sign %d: %v", i, err)
		}
		if len(sig.Signature) != 64 {
			t.Fatalf("unexpected signature size: %d", len(sig.Signature))
		}
		if !bytes.Equal(sig.PublicKey, id.PublicKey()) {
			t.Fatal("signature must carry the signer's public key")
		}
		if err := VerifySignature(id.PublicKey(), payload, sig.Signature); err != nil {
			t.Fatalf("verify %d: %v", i, err)
		}
	}
	sig, _ := id.Sign(payload)
	if err := VerifySignature(id.PublicKey(), []byte("other payload"), sig.Signature); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for other payload, got %v", err)
	}
}

func TestSecp256k1ConcurrentSigning(t *testing.T) {
	id := mustSecp256k1(t)
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n byte) {
			defer wg.Done()
			msg := []byte{n}
			sig, err := id.Sign(msg)
			if err != nil {
				errs <- err
				return
			}
			errs <- VerifySignature(id.PublicKey(), msg, sig.Signature)
		}(byte(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent sign/verify failed: %v", err)
		}
	}
}

func TestZeroedKeyFailsFast(t *testing.T) {
	id := mustSecp256k1(t)
	id.Zero()
	sig, err := id.Sign([]byte("x"))
	if !errors.Is(err, ErrNoSigningKey) {
		t.Fatalf("expected ErrNoSigningKey, got %v", err)
	}
	if len(sig.Signature) != 0 {
		t.Fatal("failed sign must not return signature bytes")
	}
	var missing *Secp256k1Identity
	if _, err := missing.Sign([]byte("x")); !errors.Is(err, ErrNoSigningKey) {
		t.Fatalf("expected ErrNoSigningKey for nil identity, got %v", err)
	}
	if missing.PublicKey() != nil || missing.JWK() != nil {
		t.Fatal("nil identity must expose no key material")
	}
	if missing.Principal().Len() != 0 {
		t.Fatalf("nil identity principal = %s", missing.Principal())
	}
}

func TestZeroedEd25519Identity(t *testing.T) {
	id, err := GenerateEd25519Identity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(id.Seed()) != 32 {
		t.Fatalf("seed length = %d", len(id.Seed()))
	}
	id.Zero()
	if id.Seed() != nil {
		t.Fatal("zeroed identity must not return a seed")
	}
	if _, err := id.Sign([]byte("x")); !errors.Is(err, ErrNoSigningKey) {
		t.Fatalf("expected ErrNoSigningKey, got %v", err)
	}
	var missing *Ed25519Identity
	if missing.Seed() != nil || missing.PublicKey() != nil {
		t.Fatal("nil identity must expose no key material")
	}
}

func TestNewSecp256k1IdentityRejectsBadScalar(t *testing.T) {
	if _, err := NewSecp256k1Identity(make([]byte, 32)); !errors.Is(err, ErrKeyParse) {
		t.Fatalf("expected ErrKeyParse for zero scalar, got %v", err)
	}
	if _, err := NewSecp256k1Identity(bytes.Repeat([]byte{0xff}, 32)); !errors.Is(err, ErrKeyParse) {
		t.Fatalf("expected ErrKeyParse for overflowing scalar, got %v", err)
	}
	if _, err := NewSecp256k1Identity([]byte{1}); !errors.Is(err, ErrKeyParse) {
		t.Fatalf("expected ErrKeyParse for short scalar, got %v", err)
	}
}

func TestEd25519IdentitySignsAndVerifies(t *testing.T) {
	id, err := GenerateEd25519Identity()
	if err != nil {
		t.Fatalf("generate ed25519: %v", err)
	}
	sig, err := id.Sign([]byte("hello"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifySignature(id.PublicKey(), []byte("hello"), sig.Signature); err != nil {
		t.Fatalf("verify: %v", err)
	}
	restored, err := NewEd25519IdentityFromSeed(id.Seed())
	if err != nil {
		t.Fatalf("restore from seed: %v", err)
	}
	if restored.Principal() != id.Principal() {
		t.Fatal("seed restore must reproduce principal")
	}
	id.Zero()
	if _, err := id.Sign([]byte("hello")); !errors.Is(err, ErrNoSigningKey) {
		t.Fatalf("expected ErrNoSigningKey after zero, got %v", err)
	}
}

func TestVerifyP256Signature(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate p256: %v", err)
	}
	point, err := priv.PublicKey.Bytes()
	if err != nil {
		t.Fatalf("encode p256 point: %v", err)
	}
	der, err := MarshalPublicKeyDER(KeyAlgorithmP256, point)
	if err != nil {
		t.Fatalf("marshal der: %v", err)
	}
	msg := []byte("p256 message")
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("sign p256: %v", err)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	if err := VerifySignature(der, msg, sig); err != nil {
		t.Fatalf("verify p256: %v", err)
	}
}

func TestPublicKeyDERRoundtrip(t *testing.T) {
	secp := mustSecp256k1(t)
	info, err := ParsePublicKeyDER(secp.PublicKey())
	if err != nil {
		t.Fatalf("parse secp256k1 der: %v", err)
	}
	if info.Algorithm != KeyAlgorithmSecp256k1 || len(info.Key) != 65 {
		t.Fatalf("unexpected secp256k1 info: %v len=%d", info.Algorithm, len(info.Key))
	}
	ed, err := GenerateEd25519Identity()
	if err != nil {
		t.Fatalf("generate ed25519: %v", err)
	}
	der := ed.PublicKey()
	if !bytes.HasPrefix(der, []byte{0x30, 0x2a, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65, 0x70, 0x03, 0x21, 0x00}) {
		t.Fatalf("unexpected ed25519 der prefix: %x", der[:12])
	}
	if _, err := ParsePublicKeyDER(append(der, 0x00)); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for trailing data, got %v", err)
	}
	canister, err := MarshalPublicKeyDER(KeyAlgorithmCanisterSig, []byte{0x0a, 1, 2, 3})
	if err != nil {
		t.Fatalf("marshal canister key: %v", err)
	}
	if err := VerifySignature(canister, []byte("m"), []byte("s")); !errors.Is(err, ErrUnsupportedKey) {
		t.Fatalf("expected ErrUnsupportedKey for canister signature key, got %v", err)
	}
}

func TestMnemonicDerivationIsDeterministic(t *testing.T) {
	mnemonic, err := NewMnemonic()
	if err != nil {
		t.Fatalf("new mnemonic: %v", err)
	}
	if !ValidateMnemonic(mnemonic) {
		t.Fatal("generated mnemonic must validate")
	}
	a, err := Secp256k1IdentityFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("derive 1: %v", err)
	}
	b, err := Secp256k1IdentityFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("derive 2: %v", err)
	}
	if a.Principal() != b.Principal() {
		t.Fatal("same mnemonic must derive same principal")
	}
	c, err := Secp256k1IdentityFromMnemonic(mnemonic, "extra")
	if err != nil {
		t.Fatalf("derive with passphrase: %v", err)
	}
	if c.Principal() == a.Principal() {
		t.Fatal("passphrase must change the derived key")
	}
	ed, err := Ed25519IdentityFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("derive ed25519: %v", err)
	}
	if ed.Principal() == a.Principal() {
		t.Fatal("curves must derive distinct keys")
	}
	if _, err := Secp256k1IdentityFromMnemonic("not a mnemonic", ""); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
}

func TestAnonymousIdentityRefusesToSign(t *testing.T) {
	var id SigningIdentity = AnonymousIdentity{}
	if !id.Principal().IsAnonymous() {
		t.Fatal("anonymous identity must use the anonymous principal")
	}
	if id.PublicKey() != nil {
		t.Fatal("anonymous identity has no public key")
	}
	if _, err := id.Sign([]byte("x")); !errors.Is(err, ErrNoSigningKey) {
		t.Fatalf("expected ErrNoSigningKey, got %v", err)
	}
}
