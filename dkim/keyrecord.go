package dkim

import (
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
)

var (
	errInvalidKeyRecord = errors.New("invalid or empty DKIM record")
	errNotEmailService  = errors.New("key record does not allow email service")
)

// KeyRecord is a parsed published DKIM key, the TXT record found at
// "<selector>._domainkey.<domain>" (RFC 6376 Section 3.6.1).
type KeyRecord struct {
	Version   string // v=, default "DKIM1"
	KeyType   string // k=, default "rsa"
	RawPublic []byte // p=, decoded; empty means the key is revoked
	Public    *rsa.PublicKey

	AllowedHashes map[crypto.Hash]bool // h=, default {sha1, sha256}
	ServiceTypes  []string             // s=, default {"*"}
	Flags         map[byte]bool        // t=, as a set of flag letters

	Unknown map[string]string
}

// AllowsEmail reports whether this key record's service-type set permits
// email (the "s=" tag: "*" or "email").
func (k *KeyRecord) AllowsEmail() bool {
	for _, s := range k.ServiceTypes {
		if s == "*" || s == "email" {
			return true
		}
	}
	return false
}

// Testing reports whether the "y" flag (testing mode) is set: a failure
// against this key should be downgraded from perm-fail to soft-fail.
func (k *KeyRecord) Testing() bool { return k.Flags['y'] }

// StrictSubdomains reports whether the "s" flag is set: the identity (i=)
// domain must equal d= exactly, subdomains are not allowed.
func (k *KeyRecord) StrictSubdomains() bool { return k.Flags['s'] }

// Revoked reports whether the key has been revoked (empty p=).
func (k *KeyRecord) Revoked() bool { return len(k.RawPublic) == 0 }

// parseKeyRecord parses one candidate TXT record string as a published
// DKIM key. The deprecated g= tag is accepted but dropped unconditionally
// (matching existing implementations' behavior, since nothing in RFC
// 6376 depends on it anymore).
func parseKeyRecord(txt string) (*KeyRecord, error) {
	tags, err := parseTagList(txt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidKeyRecord, err)
	}

	k := &KeyRecord{
		Version: "DKIM1",
		KeyType: "rsa",
		Unknown: map[string]string{},
	}

	if v, ok := tags["v"]; ok {
		if v != "DKIM1" {
			return nil, fmt.Errorf("%w: v=%q", errInvalidKeyRecord, v)
		}
		k.Version = v
	}

	if kt, ok := tags["k"]; ok && kt != "" {
		if kt != "rsa" {
			return nil, fmt.Errorf("%w: k=%q (only rsa supported)", errInvalidKeyRecord, kt)
		}
		k.KeyType = kt
	}

	if h := tags["h"]; h != "" {
		k.AllowedHashes = map[crypto.Hash]bool{}
		for _, hs := range strings.Split(eatWhitespace.Replace(h), ":") {
			if ha, err := hashFromString(hs); err == nil {
				k.AllowedHashes[ha] = true
			}
			// Unrecognized hash algorithm names are ignored, per RFC.
		}
	} else {
		k.AllowedHashes = map[crypto.Hash]bool{crypto.SHA1: true, crypto.SHA256: true}
	}

	p, err := decodeBase64Tag(tags["p"])
	if err != nil {
		return nil, fmt.Errorf("%w: bad p=: %w", errInvalidKeyRecord, err)
	}
	k.RawPublic = p
	if len(p) > 0 {
		k.Public, err = parseRSAPublicKey(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errInvalidKeyRecord, err)
		}
	}

	if s := tags["s"]; s != "" {
		k.ServiceTypes = strings.Split(eatWhitespace.Replace(s), ":")
	} else {
		k.ServiceTypes = []string{"*"}
	}
	if !k.AllowsEmail() {
		return nil, errNotEmailService
	}

	k.Flags = map[byte]bool{}
	if t := eatWhitespace.Replace(tags["t"]); t != "" {
		for _, f := range strings.Split(t, ":") {
			f = strings.ToLower(f)
			if f != "" {
				k.Flags[f[0]] = true
			}
		}
	}

	for key, v := range tags {
		switch key {
		case "v", "k", "h", "p", "s", "t", "g":
			// g= is recognized but intentionally dropped.
		default:
			k.Unknown[key] = v
		}
	}

	return k, nil
}
