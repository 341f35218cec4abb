package dkim

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParseSignatureValid(t *testing.T) {
	value := " v=1; a=rsa-sha256; c=relaxed/simple; d=example.com; " +
		"s=sel; h=from:to:subject; bh=AAAA; b=BBBB"
	h := header{Name: "DKIM-Signature", Value: value, Source: "DKIM-Signature:" + value}

	sig, err := parseSignature(value, h)
	if err != nil {
		t.Fatalf("parseSignature: %v", err)
	}

	if sig.Domain != "example.com" {
		t.Errorf("Domain = %q, want example.com", sig.Domain)
	}
	if sig.Selector != "sel" {
		t.Errorf("Selector = %q, want sel", sig.Selector)
	}
	if sig.HeaderC != CanonRelaxed || sig.BodyC != CanonSimple {
		t.Errorf("c= = %v/%v, want relaxed/simple", sig.HeaderC, sig.BodyC)
	}
	if diff := cmp.Diff([]string{"from", "to", "subject"}, sig.HeaderList); diff != "" {
		t.Errorf("HeaderList diff (-want +got): %s", diff)
	}
	if sig.Identity != "@example.com" {
		t.Errorf("Identity defaulted to %q, want @example.com", sig.Identity)
	}
	if diff := cmp.Diff([]string{"dns/txt"}, sig.Query); diff != "" {
		t.Errorf("Query defaulted wrong, diff (-want +got): %s", diff)
	}
}

func TestParseSignatureMissingRequiredTags(t *testing.T) {
	cases := []struct {
		name  string
		value string
	}{
		{"missing d=", "v=1; a=rsa-sha256; s=sel; h=from; bh=AAAA; b=BBBB"},
		{"missing h=", "v=1; a=rsa-sha256; d=example.com; s=sel; bh=AAAA; b=BBBB"},
		{"missing s=", "v=1; a=rsa-sha256; d=example.com; h=from; bh=AAAA; b=BBBB"},
		{"missing b=", "v=1; a=rsa-sha256; d=example.com; s=sel; h=from; bh=AAAA"},
		{"missing bh=", "v=1; a=rsa-sha256; d=example.com; s=sel; h=from; b=BBBB"},
	}
	for _, c := range cases {
		if _, err := parseSignature(c.value, header{}); err == nil {
			t.Errorf("%s: expected error, got nil", c.name)
		}
	}
}

func TestParseSignaturePresentButEmptyBIsNotMissing(t *testing.T) {
	// b= present with an empty value is a (weird but) distinct case from
	// b= absent entirely: only the latter is a missing required tag.
	value := "v=1; a=rsa-sha256; d=example.com; s=sel; h=from; bh=AAAA; b="
	sig, err := parseSignature(value, header{})
	if err != nil {
		t.Fatalf("parseSignature: %v", err)
	}
	if len(sig.SigValue) != 0 {
		t.Errorf("SigValue = %v, want empty", sig.SigValue)
	}
}

func TestParseSignatureWrongVersion(t *testing.T) {
	if _, err := parseSignature("v=2; a=rsa-sha256; d=x; s=y; h=from; bh=A; b=B", header{}); err == nil {
		t.Errorf("expected error for v=2")
	}
}

func TestParseSignatureUnsupportedAlgo(t *testing.T) {
	if _, err := parseSignature("v=1; a=ed25519-sha256; d=x; s=y; h=from; bh=A; b=B", header{}); err == nil {
		t.Errorf("expected error for non-rsa algorithm")
	}
}

func TestParseSignatureIdentityMismatch(t *testing.T) {
	value := "v=1; a=rsa-sha256; d=example.com; s=sel; h=from; i=@evil.com; bh=AAAA; b=BBBB"
	if _, err := parseSignature(value, header{}); err == nil {
		t.Errorf("expected identity/domain mismatch error")
	}
}

func TestParseSignatureIdentitySubdomainAllowed(t *testing.T) {
	value := "v=1; a=rsa-sha256; d=example.com; s=sel; h=from; i=@mail.example.com; bh=AAAA; b=BBBB"
	sig, err := parseSignature(value, header{})
	if err != nil {
		t.Fatalf("parseSignature: %v", err)
	}
	if sig.IdentityDomain != "mail.example.com" {
		t.Errorf("IdentityDomain = %q, want mail.example.com", sig.IdentityDomain)
	}
}

func TestParseSignatureExpireBeforeSign(t *testing.T) {
	value := "v=1; a=rsa-sha256; d=x; s=y; h=from; bh=AAAA; b=BBBB; t=2000000000; x=1000000000"
	_, err := parseSignature(value, header{})
	if diff := cmp.Diff(errBadTimestamps, err, cmpopts.EquateErrors()); diff != "" {
		t.Errorf("err diff (-want +got): %s", diff)
	}
}

func TestParseSignatureUnknownTagsPreserved(t *testing.T) {
	value := "v=1; a=rsa-sha256; d=x; s=y; h=from; bh=AAAA; b=BBBB; zz=custom"
	sig, err := parseSignature(value, header{})
	if err != nil {
		t.Fatalf("parseSignature: %v", err)
	}
	want := map[string]string{"zz": "custom"}
	if diff := cmp.Diff(want, sig.Unknown); diff != "" {
		t.Errorf("Unknown diff (-want +got): %s", diff)
	}
}

func TestParseCanonPairDefaults(t *testing.T) {
	cases := []struct {
		in       string
		wantH    Canon
		wantB    Canon
		wantErr  bool
	}{
		{"", CanonSimple, CanonSimple, false},
		{"relaxed", CanonRelaxed, CanonSimple, false},
		{"relaxed/relaxed", CanonRelaxed, CanonRelaxed, false},
		{"simple/relaxed", CanonSimple, CanonRelaxed, false},
		{"bogus/simple", "", "", true},
	}
	for _, c := range cases {
		h, b, err := parseCanonPair(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("parseCanonPair(%q) err = %v, wantErr %v", c.in, err, c.wantErr)
			continue
		}
		if err == nil && (h != c.wantH || b != c.wantB) {
			t.Errorf("parseCanonPair(%q) = %v/%v, want %v/%v", c.in, h, b, c.wantH, c.wantB)
		}
	}
}

func TestNormalizeHeaderListDedupesPreservesOrder(t *testing.T) {
	got := normalizeHeaderList("From:To:from:Subject")
	want := []string{"from", "to", "subject"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("normalizeHeaderList diff (-want +got): %s", diff)
	}
}

func TestParseTimestamp(t *testing.T) {
	ts, err := parseTimestamp("1000000000")
	if err != nil {
		t.Fatalf("parseTimestamp: %v", err)
	}
	want := time.Unix(1000000000, 0).UTC()
	if !ts.Equal(want) {
		t.Errorf("parseTimestamp = %v, want %v", ts, want)
	}

	if _, err := parseTimestamp("-5"); err == nil {
		t.Errorf("expected error for negative timestamp")
	}
	if _, err := parseTimestamp("1234567890123"); err == nil {
		t.Errorf("expected error for too many digits")
	}
}
