package dkim

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestEncodeDecodeQP(t *testing.T) {
	cases := []struct {
		raw     string
		encoded string
	}{
		{"", ""},
		{"simple", "simple"},
		{"a@b.com", "a@b.com"},
		{"a;b", "a=3Bb"},
		{"a=b", "a=3Db"},
		{"space here", "space=20here"},
	}

	for _, c := range cases {
		if got := encodeQP(c.raw); got != c.encoded {
			t.Errorf("encodeQP(%q) = %q, want %q", c.raw, got, c.encoded)
		}

		got, err := decodeQP(c.encoded)
		if err != nil {
			t.Errorf("decodeQP(%q): %v", c.encoded, err)
			continue
		}
		if got != c.raw {
			t.Errorf("decodeQP(%q) = %q, want %q", c.encoded, got, c.raw)
		}
	}
}

func TestDecodeQPWithFWS(t *testing.T) {
	got, err := decodeQP("a=3B\r\n b")
	if err != nil {
		t.Fatalf("decodeQP: %v", err)
	}
	if got != "a;b" {
		t.Errorf("decodeQP with FWS = %q, want %q", got, "a;b")
	}
}

func TestDecodeQPErrors(t *testing.T) {
	cases := []string{"a=", "a=G0", "a=0"}
	for _, c := range cases {
		if _, err := decodeQP(c); err == nil {
			t.Errorf("decodeQP(%q): expected error, got nil", c)
		}
	}
}

func TestBase64Tag(t *testing.T) {
	raw := []byte("hello, dkim")
	encoded := encodeBase64Tag(raw)

	got, err := decodeBase64Tag(encoded)
	if err != nil {
		t.Fatalf("decodeBase64Tag: %v", err)
	}
	if diff := cmp.Diff(raw, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("decodeBase64Tag round-trip diff (-want +got): %s", diff)
	}

	// FWS inside the value must be tolerated.
	folded := encoded[:len(encoded)/2] + "\r\n " + encoded[len(encoded)/2:]
	got, err = decodeBase64Tag(folded)
	if err != nil {
		t.Fatalf("decodeBase64Tag folded: %v", err)
	}
	if diff := cmp.Diff(raw, got); diff != "" {
		t.Errorf("decodeBase64Tag folded diff (-want +got): %s", diff)
	}
}
