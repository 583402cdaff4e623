package identity

import (
	"errors"
	"strings"
	"testing"
)

const (
	generatorX = "eb5mfvncu6xVoGKVzocLBwKb_NstzijZWfKBWxb4F5g"
	generatorY = "SDradyajxGVdpPv8DhEIqP0XtEimhVQZnEfQj_sQ1Lg"
	scalarOne  = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAE"
)

func jwkText(fields map[string]string) string {
	raw, _ := json.Marshal(fields)
	return string(raw)
}

func TestParseJwkAcceptsPrivateKey(t *testing.T) {
	key, err := ParseJwk(jwkText(map[string]string{
		"kty": "EC", "crv": "secp256k1", "x": generatorX, "y": generatorY, "d": scalarOne,
	}))
	if err != nil {
		t.Fatalf("parse jwk: %v", err)
	}
	if key.PublicOnly() {
		t.Fatal("expected private key")
	}
	if _, err := GetSecp256k1Identity(key); err != nil {
		t.Fatalf("get identity: %v", err)
	}
}

func TestParseJwkDerivesMissingY(t *testing.T) {
	key, err := ParseJwk(jwkText(map[string]string{
		"kty": "EC", "crv": "secp256k1", "x": generatorX, "d": scalarOne,
	}))
	if err != nil {
		t.Fatalf("parse jwk without y: %v", err)
	}
	full, err := ParseJwk(jwkText(map[string]string{
		"kty": "EC", "crv": "secp256k1", "x": generatorX, "y": generatorY,
	}))
	if err != nil {
		t.Fatalf("parse public jwk: %v", err)
	}
	if string(key.Y) != string(full.Y) {
		t.Fatal("derived y must match the curve point")
	}
}

func TestParseJwkRejectsInvalidInput(t *testing.T) {
	cases := map[string]string{
		"malformed json":  `{"kty":`,
		"wrong curve":     jwkText(map[string]string{"kty": "EC", "crv": "P-256", "x": generatorX, "y": generatorY}),
		"wrong kty":       jwkText(map[string]string{"kty": "OKP", "crv": "secp256k1", "x": generatorX, "y": generatorY}),
		"missing crv":     jwkText(map[string]string{"kty": "EC", "x": generatorX, "y": generatorY}),
		"missing x":       jwkText(map[string]string{"kty": "EC", "crv": "secp256k1", "y": generatorY}),
		"missing y and d": jwkText(map[string]string{"kty": "EC", "crv": "secp256k1", "x": generatorX}),
		"short x":         jwkText(map[string]string{"kty": "EC", "crv": "secp256k1", "x": "AAEC", "y": generatorY}),
		"bad base64":      jwkText(map[string]string{"kty": "EC", "crv": "secp256k1", "x": "!!!", "y": generatorY}),
		"off curve":       jwkText(map[string]string{"kty": "EC", "crv": "secp256k1", "x": generatorX, "y": generatorX}),
		"d mismatch":      jwkText(map[string]string{"kty": "EC", "crv": "secp256k1", "x": generatorY, "d": scalarOne}),
		"zero d":          jwkText(map[string]string{"kty": "EC", "crv": "secp256k1", "x": generatorX, "d": strings.Repeat("A", 43)}),
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseJwk(text); !errors.Is(err, ErrKeyParse) {
				t.Fatalf("expected ErrKeyParse, got %v", err)
			}
			if ParseJwkOptional(text) != nil {
				t.Fatal("optional parse must return nil")
			}
		})
	}
}

func TestGetIdentityRejectsPublicOnlyKey(t *testing.T) {
	key, err := ParseJwk(jwkText(map[string]string{
		"kty": "EC", "crv": "secp256k1", "x": generatorX, "y": generatorY,
	}))
	if err != nil {
		t.Fatalf("parse jwk: %v", err)
	}
	if _, err := GetSecp256k1Identity(key); !errors.Is(err, ErrPublicOnlyKey) {
		t.Fatalf("expected ErrPublicOnlyKey, got %v", err)
	}
	if _, err := GetSecp256k1Identity(nil); !errors.Is(err, ErrKeyParse) {
		t.Fatalf("expected ErrKeyParse for nil jwk, got %v", err)
	}
}

func TestJwkJSONRoundtrip(t *testing.T) {
	id, err := GenerateSecp256k1Identity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	raw, err := json.Marshal(id.JWK())
	if err != nil {
		t.Fatalf("marshal jwk: %v", err)
	}
	var parsed JwkEcKey
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("unmarshal jwk: %v", err)
	}
	again, err := GetSecp256k1Identity(&parsed)
	if err != nil {
		t.Fatalf("identity from roundtrip jwk: %v", err)
	}
	if again.Principal() != id.Principal() {
		t.Fatal("principal changed across jwk roundtrip")
	}
	public, err := json.Marshal(parsed.PublicJWK())
	if err != nil {
		t.Fatalf("marshal public jwk: %v", err)
	}
	if strings.Contains(string(public), `"d"`) {
		t.Fatalf("public jwk leaked private scalar: %s", public)
	}
}
