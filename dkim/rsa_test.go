package dkim

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
)

func genTestKey(t *testing.T, bits int) (*rsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	b, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: b})
	return priv, pemBytes
}

func TestRSASignVerifyRoundTrip(t *testing.T) {
	priv, _ := genTestKey(t, 2048)

	for _, h := range []crypto.Hash{crypto.SHA1, crypto.SHA256} {
		digest := hashSum(h, []byte("the quick brown fox"))

		sig, err := rsaSign(priv, h, digest)
		if err != nil {
			t.Fatalf("rsaSign(%v): %v", h, err)
		}

		if err := rsaVerify(&priv.PublicKey, h, digest, sig); err != nil {
			t.Errorf("rsaVerify(%v): %v", h, err)
		}

		// A different digest must not verify.
		other := hashSum(h, []byte("a different message"))
		if err := rsaVerify(&priv.PublicKey, h, other, sig); err == nil {
			t.Errorf("rsaVerify(%v) succeeded against the wrong digest", h)
		}
	}
}

func TestParseRSAPrivateKeyPKCS1AndPKCS8(t *testing.T) {
	priv, pkcs8PEM := genTestKey(t, 2048)

	got, err := parseRSAPrivateKey(pkcs8PEM)
	if err != nil {
		t.Fatalf("parseRSAPrivateKey (pkcs8): %v", err)
	}
	if got.D.Cmp(priv.D) != 0 {
		t.Errorf("parseRSAPrivateKey (pkcs8) returned a different key")
	}

	pkcs1PEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	got, err = parseRSAPrivateKey(pkcs1PEM)
	if err != nil {
		t.Fatalf("parseRSAPrivateKey (pkcs1): %v", err)
	}
	if got.D.Cmp(priv.D) != 0 {
		t.Errorf("parseRSAPrivateKey (pkcs1) returned a different key")
	}
}

func TestParseRSAPublicKeyBothForms(t *testing.T) {
	priv, _ := genTestKey(t, 2048)

	pkix, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	got, err := parseRSAPublicKey(pkix)
	if err != nil {
		t.Fatalf("parseRSAPublicKey (pkix): %v", err)
	}
	if got.N.Cmp(priv.PublicKey.N) != 0 {
		t.Errorf("parseRSAPublicKey (pkix) returned a different key")
	}

	pkcs1 := x509.MarshalPKCS1PublicKey(&priv.PublicKey)
	got, err = parseRSAPublicKey(pkcs1)
	if err != nil {
		t.Fatalf("parseRSAPublicKey (pkcs1): %v", err)
	}
	if got.N.Cmp(priv.PublicKey.N) != 0 {
		t.Errorf("parseRSAPublicKey (pkcs1) returned a different key")
	}
}

func TestEMSAPKCS1v15PaddingTooSmall(t *testing.T) {
	digest := hashSum(crypto.SHA256, []byte("x"))
	// A tiny emLen leaves no room for the mandatory 8+ bytes of 0xFF
	// padding.
	if _, err := emsaPKCS1v15(crypto.SHA256, digest, 40); err != errPaddingTooSmall {
		t.Errorf("emsaPKCS1v15 with tiny emLen: err = %v, want %v", err, errPaddingTooSmall)
	}
}
