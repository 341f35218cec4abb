package dkim

import (
	"crypto"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signature is a parsed (or in-progress, for signing) DKIM-Signature
// field. Tag names from RFC 6376 6376 Section 3.5 are kept as named
// fields (rather than a generic map) per the engine's design: unknown
// tags are preserved separately, in Unknown, so they round-trip through
// signing without the engine having to understand them.
type Signature struct {
	Version    string // v=, must be "1"
	Algo       string // a=, e.g. "rsa-sha256"
	HashAlg    crypto.Hash
	HeaderC    Canon      // c=, header half
	BodyC      Canon      // c=, body half
	Domain     string     // d=
	HeaderList []string   // h=, lowercased, deduplicated, order preserved
	Identity   string     // i=, decoded from QP; defaults to "@"+Domain
	IdentityLocalPart string
	IdentityDomain    string     // domain half of i=
	BodyLimit         *uint64    // l=
	Query             []string   // q=
	Selector          string     // s=
	SignTime          *time.Time // t=
	ExpireTime        *time.Time // x=
	CopiedHeaders     string     // z=, decoded from QP; semantically ignored

	SigValue     []byte // b=, decoded
	RawSigField  string // the b= tag's original (possibly folded) text; hashing erases b= from Source instead
	BodyHash     []byte // bh=, decoded from the header as received
	ComputedHash []byte // bh computed by the engine from the actual body

	// HeaderHashSum is the header hash (C5+C7), computed once by the
	// engine: at the header/body boundary for a discovered (verify-path)
	// signature, or after the body hash is known for a sign-template
	// (its bh= tag, part of the hashed text, isn't known any earlier).
	HeaderHashSum []byte

	Unknown map[string]string // any tags not named above, preserved for re-serialization

	// Source is the exact original "DKIM-Signature:" field text, as it
	// appeared in the message. Empty for signatures created from a
	// sign-template (nothing to preserve yet).
	Source header

	// ParseError is set when this Signature is an error sentinel: the
	// field's syntax was rejected before any cryptography was attempted.
	// The Signature still occupies its slot in the result list.
	ParseError error
}

// knownTags lists the RFC-defined tag names, used to decide which parsed
// tags go into Unknown.
var knownTags = map[string]bool{
	"v": true, "a": true, "b": true, "bh": true, "c": true, "d": true,
	"h": true, "i": true, "l": true, "q": true, "s": true, "t": true,
	"x": true, "z": true,
}

// parseSignature interprets a raw DKIM-Signature field value (the part
// after "DKIM-Signature:") as a signature record, per RFC 6376 3.5/6.1.1.
// sigH is the full header field (used later to erase this signature's own
// b= during hashing); it may be the zero value when parsing a sign
// template (no Source to preserve).
func parseSignature(value string, sigH header) (*Signature, error) {
	tags, err := parseTagList(value)
	if err != nil {
		return nil, err
	}

	sig := &Signature{Source: sigH, Unknown: map[string]string{}}

	sig.Version = tags["v"]
	if sig.Version != "1" {
		return nil, fmt.Errorf("%w: v=%q", errInvalidTag, sig.Version)
	}

	sig.Algo = tags["a"]
	if sig.Algo == "" {
		sig.Algo = "rsa-sha256"
	}
	kt, hs, found := strings.Cut(sig.Algo, "-")
	if !found || kt != "rsa" {
		return nil, fmt.Errorf("%w: a=%q (only rsa-* supported)", errUnsupportedAlg, sig.Algo)
	}
	sig.HashAlg, err = hashFromString(hs)
	if err != nil {
		return nil, fmt.Errorf("%w: a=%q", err, sig.Algo)
	}

	if _, ok := tags["b"]; !ok {
		return nil, fmt.Errorf("%w: b=", errMissingTag)
	}
	sig.RawSigField = tags["b"]
	sig.SigValue, err = decodeBase64Tag(tags["b"])
	if err != nil {
		return nil, fmt.Errorf("%w: bad b=: %w", errInvalidTag, err)
	}

	if _, ok := tags["bh"]; !ok {
		return nil, fmt.Errorf("%w: bh=", errMissingTag)
	}
	sig.BodyHash, err = decodeBase64Tag(tags["bh"])
	if err != nil {
		return nil, fmt.Errorf("%w: bad bh=: %w", errInvalidTag, err)
	}

	sig.HeaderC, sig.BodyC, err = parseCanonPair(tags["c"])
	if err != nil {
		return nil, fmt.Errorf("%w: c=: %w", errInvalidTag, err)
	}

	sig.Domain = tags["d"]
	if sig.Domain == "" {
		return nil, fmt.Errorf("%w: d=", errMissingTag)
	}

	if tags["h"] == "" {
		return nil, fmt.Errorf("%w: h=", errMissingTag)
	}
	sig.HeaderList = normalizeHeaderList(tags["h"])

	sig.Selector = tags["s"]
	if sig.Selector == "" {
		return nil, fmt.Errorf("%w: s=", errMissingTag)
	}

	if tags["i"] != "" {
		sig.Identity, err = decodeQP(tags["i"])
		if err != nil {
			return nil, fmt.Errorf("%w: bad i=: %w", errInvalidTag, err)
		}
	} else {
		sig.Identity = "@" + sig.Domain
	}
	sig.IdentityLocalPart, sig.IdentityDomain, _ = strings.Cut(sig.Identity, "@")
	if sig.IdentityDomain != sig.Domain && !strings.HasSuffix(sig.IdentityDomain, "."+sig.Domain) {
		return nil, fmt.Errorf("%w: i=%q vs d=%q", errBadIdentity, sig.Identity, sig.Domain)
	}

	if tags["l"] != "" {
		l, err := strconv.ParseUint(tags["l"], 10, 64)
		if err != nil || len(tags["l"]) > 76 {
			return nil, fmt.Errorf("%w: bad l=: %v", errInvalidTag, err)
		}
		sig.BodyLimit = &l
	}

	if tags["q"] != "" {
		sig.Query = strings.Split(eatWhitespace.Replace(tags["q"]), ":")
		found := false
		for _, q := range sig.Query {
			if q == "dns/txt" {
				found = true
			}
		}
		if !found {
			return nil, errNoQueryMethod
		}
	} else {
		sig.Query = []string{"dns/txt"}
	}

	if tags["t"] != "" {
		t, err := parseTimestamp(tags["t"])
		if err != nil {
			return nil, fmt.Errorf("%w: bad t=: %w", errInvalidTag, err)
		}
		sig.SignTime = &t
	}
	if tags["x"] != "" {
		x, err := parseTimestamp(tags["x"])
		if err != nil {
			return nil, fmt.Errorf("%w: bad x=: %w", errInvalidTag, err)
		}
		sig.ExpireTime = &x
	}
	if sig.SignTime != nil && sig.ExpireTime != nil && sig.ExpireTime.Before(*sig.SignTime) {
		return nil, errBadTimestamps
	}

	if tags["z"] != "" {
		sig.CopiedHeaders, err = decodeQP(tags["z"])
		if err != nil {
			return nil, fmt.Errorf("%w: bad z=: %w", errInvalidTag, err)
		}
	}

	for k, v := range tags {
		if !knownTags[k] {
			sig.Unknown[k] = v
		}
	}

	return sig, nil
}

func parseCanonPair(s string) (Canon, Canon, error) {
	if s == "" {
		return CanonSimple, CanonSimple, nil
	}
	hs, bs, found := strings.Cut(s, "/")
	if !found || bs == "" {
		// "c=relaxed" (no body half) or "c=relaxed/" both default the
		// body half to simple.
		bs = "simple"
	}
	h, err := canonFromString(hs)
	if err != nil {
		return "", "", fmt.Errorf("header: %w", err)
	}
	b, err := canonFromString(bs)
	if err != nil {
		return "", "", fmt.Errorf("body: %w", err)
	}
	return h, b, nil
}

// normalizeHeaderList lowercases and deduplicates a colon-separated h=
// list, preserving the first-seen order.
func normalizeHeaderList(s string) []string {
	raw := strings.Split(s, ":")
	seen := map[string]bool{}
	var out []string
	for _, h := range raw {
		h = strings.ToLower(strings.TrimSpace(eatWhitespace.Replace(h)))
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

func parseTimestamp(s string) (time.Time, error) {
	if len(s) > 12 {
		return time.Time{}, fmt.Errorf("too many digits: %q", s)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if n < 0 {
		return time.Time{}, fmt.Errorf("negative timestamp: %q", s)
	}
	return time.Unix(n, 0).UTC(), nil
}
