package dkim

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	"errors"
)

var errUnsupportedHash = errors.New("unsupported hash algorithm")

// hashFromString maps the second half of an a= tag ("sha1", "sha256") to
// a crypto.Hash. Unlike some modern DKIM implementations we keep sha1,
// since RFC 6376 still requires verifiers to support it and the spec for
// this engine calls for both.
func hashFromString(s string) (crypto.Hash, error) {
	switch s {
	case "sha1":
		return crypto.SHA1, nil
	case "sha256":
		return crypto.SHA256, nil
	default:
		return 0, errUnsupportedHash
	}
}

func hashToString(h crypto.Hash) (string, error) {
	switch h {
	case crypto.SHA1:
		return "sha1", nil
	case crypto.SHA256:
		return "sha256", nil
	default:
		return "", errUnsupportedHash
	}
}

// digestInfoPrefix holds the fixed ASN.1 DigestInfo prefix for a hash
// algorithm, per RFC 3447 / RFC 8017 Section 9.2's table of supported
// hashes. These bytes are part of the wire protocol: a verifier that
// builds the padded block itself (rather than trusting a library's
// internal table) must match them exactly.
var digestInfoPrefix = map[crypto.Hash][]byte{
	crypto.SHA1: {
		0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2B, 0x0E, 0x03, 0x02, 0x1A,
		0x05, 0x00, 0x04, 0x14,
	},
	crypto.SHA256: {
		0x30, 0x31, 0x30, 0x0D, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65,
		0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20,
	},
}

// hashSum runs the given hash over data and returns the digest.
func hashSum(h crypto.Hash, data []byte) []byte {
	hh := h.New()
	hh.Write(data)
	return hh.Sum(nil)
}
