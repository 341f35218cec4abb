package dkim

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"testing"
)

func genTestPublicKeyRecordText(t *testing.T, extra string) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	pub := x509.MarshalPKCS1PublicKey(&priv.PublicKey)
	txt := "v=DKIM1; k=rsa; p=" + encodeBase64Tag(pub)
	if extra != "" {
		txt += "; " + extra
	}
	return priv, txt
}

func TestParseKeyRecordDefaults(t *testing.T) {
	_, txt := genTestPublicKeyRecordText(t, "")
	k, err := parseKeyRecord(txt)
	if err != nil {
		t.Fatalf("parseKeyRecord: %v", err)
	}
	if k.Version != "DKIM1" || k.KeyType != "rsa" {
		t.Errorf("v/k defaults = %q/%q", k.Version, k.KeyType)
	}
	if !k.AllowedHashes[crypto.SHA1] || !k.AllowedHashes[crypto.SHA256] {
		t.Errorf("AllowedHashes default should include sha1 and sha256: %v", k.AllowedHashes)
	}
	if !k.AllowsEmail() {
		t.Errorf("default s= should allow email")
	}
	if k.Revoked() {
		t.Errorf("key with p= set should not be revoked")
	}
}

func TestParseKeyRecordRevoked(t *testing.T) {
	k, err := parseKeyRecord("v=DKIM1; k=rsa; p=")
	if err != nil {
		t.Fatalf("parseKeyRecord: %v", err)
	}
	if !k.Revoked() {
		t.Errorf("empty p= should mark the key revoked")
	}
}

func TestParseKeyRecordRestrictedHashes(t *testing.T) {
	_, txt := genTestPublicKeyRecordText(t, "h=sha256")
	k, err := parseKeyRecord(txt)
	if err != nil {
		t.Fatalf("parseKeyRecord: %v", err)
	}
	if k.AllowedHashes[crypto.SHA1] {
		t.Errorf("h=sha256 should not allow sha1")
	}
	if !k.AllowedHashes[crypto.SHA256] {
		t.Errorf("h=sha256 should allow sha256")
	}
}

func TestParseKeyRecordNotEmailService(t *testing.T) {
	_, txt := genTestPublicKeyRecordText(t, "s=web")
	if _, err := parseKeyRecord(txt); err == nil {
		t.Errorf("expected errNotEmailService for s=web")
	}
}

func TestParseKeyRecordFlags(t *testing.T) {
	_, txt := genTestPublicKeyRecordText(t, "t=y:s")
	k, err := parseKeyRecord(txt)
	if err != nil {
		t.Fatalf("parseKeyRecord: %v", err)
	}
	if !k.Testing() {
		t.Errorf("t=y should set Testing()")
	}
	if !k.StrictSubdomains() {
		t.Errorf("t=s should set StrictSubdomains()")
	}
}

func TestParseKeyRecordGTagDropped(t *testing.T) {
	_, txt := genTestPublicKeyRecordText(t, "g=somebody")
	k, err := parseKeyRecord(txt)
	if err != nil {
		t.Fatalf("parseKeyRecord: %v", err)
	}
	if _, ok := k.Unknown["g"]; ok {
		t.Errorf("g= should be dropped, not preserved in Unknown")
	}
}

func TestParseKeyRecordWrongKeyType(t *testing.T) {
	if _, err := parseKeyRecord("v=DKIM1; k=ed25519; p=AAAA"); err == nil {
		t.Errorf("expected error for unsupported k=")
	}
}

func TestParseKeyRecordBadPublicKey(t *testing.T) {
	if _, err := parseKeyRecord("v=DKIM1; k=rsa; p=not-valid-base64!!"); err == nil {
		t.Errorf("expected error for malformed p=")
	}
}
