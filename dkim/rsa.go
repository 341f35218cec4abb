package dkim

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

var (
	errBadPrivateKey   = errors.New("invalid RSA private key")
	errBadPublicKey    = errors.New("invalid RSA public key")
	errPaddingTooSmall = errors.New("key too small for EMSA-PKCS1-v1_5 padding")
)

// emsaPKCS1v15 builds the EMSA-PKCS1-v1_5 encoded message (RFC 8017
// Section 9.2) by hand: 0x00 0x01 0xFF...0xFF 0x00 || DigestInfo || hash.
// Building it ourselves, instead of trusting a library's internal table of
// DigestInfo prefixes, guarantees the bytes match spec exactly - some
// libraries are lax about accepting non-standard prefixes on verify.
func emsaPKCS1v15(h crypto.Hash, digest []byte, emLen int) ([]byte, error) {
	prefix, ok := digestInfoPrefix[h]
	if !ok {
		return nil, errUnsupportedHash
	}
	tLen := len(prefix) + len(digest)

	// PS must be at least 8 octets of 0xFF.
	psLen := emLen - tLen - 3
	if psLen < 8 {
		return nil, errPaddingTooSmall
	}

	em := make([]byte, 0, emLen)
	em = append(em, 0x00, 0x01)
	for i := 0; i < psLen; i++ {
		em = append(em, 0xFF)
	}
	em = append(em, 0x00)
	em = append(em, prefix...)
	em = append(em, digest...)
	return em, nil
}

// parseRSAPrivateKey parses a PEM-encoded PKCS#1 or PKCS#8 RSA private key,
// the form the engine's sign-templates carry as their ":key" side channel.
func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: not PEM", errBadPrivateKey)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadPrivateKey, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", errBadPrivateKey)
	}
	return rsaKey, nil
}

// parseRSAPublicKey parses the base64-decoded p= tag: either a bare
// PKCS#1 public key or a SubjectPublicKeyInfo wrapper (both are seen in
// the wild, see https://www.rfc-editor.org/errata/eid3017).
func parseRSAPublicKey(p []byte) (*rsa.PublicKey, error) {
	if pub, err := x509.ParsePKIXPublicKey(p); err == nil {
		if rsaPub, ok := pub.(*rsa.PublicKey); ok {
			return rsaPub, nil
		}
		return nil, fmt.Errorf("%w: not an RSA key", errBadPublicKey)
	}

	pub, err := x509.ParsePKCS1PublicKey(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadPublicKey, err)
	}
	return pub, nil
}

// digestInfoAndDigest slices the "T" field (DigestInfo prefix || digest)
// back out of a full EMSA-PKCS1-v1_5 block built by emsaPKCS1v15: T is
// always the trailing len(prefix)+len(digest) bytes, after the 0x00 0x01,
// the 0xFF padding, and the 0x00 separator.
func digestInfoAndDigest(h crypto.Hash, digest, em []byte) []byte {
	tLen := len(digestInfoPrefix[h]) + len(digest)
	return em[len(em)-tLen:]
}

// rsaSign signs digest (the already-computed header hash) with priv. It
// builds the full EMSA-PKCS1-v1_5 block itself (emsaPKCS1v15, using our own
// DigestInfo prefix table rather than trusting a library's), but only
// hands rsa.SignPKCS1v15 the DigestInfo||digest suffix ("T") with hash=0:
// passing the full block instead would make SignPKCS1v15 treat the whole
// thing as T and add a second, redundant layer of padding on top, which
// always exceeds the modulus size and fails. Passing T alone lets
// SignPKCS1v15 build the surrounding 0x00 0x01 0xFF..0xFF 0x00 padding
// exactly once, around the exact bytes we computed.
func rsaSign(priv *rsa.PrivateKey, h crypto.Hash, digest []byte) ([]byte, error) {
	em, err := emsaPKCS1v15(h, digest, priv.Size())
	if err != nil {
		return nil, err
	}
	t := digestInfoAndDigest(h, digest, em)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.Hash(0), t)
}

// rsaVerify checks that sig is the RSA signature of digest under pub, the
// mirror image of rsaSign: it hands rsa.VerifyPKCS1v15 the same T slice,
// not the full padded block, for the same reason.
func rsaVerify(pub *rsa.PublicKey, h crypto.Hash, digest, sig []byte) error {
	em, err := emsaPKCS1v15(h, digest, pub.Size())
	if err != nil {
		return err
	}
	t := digestInfoAndDigest(h, digest, em)
	return rsa.VerifyPKCS1v15(pub, crypto.Hash(0), t, sig)
}
