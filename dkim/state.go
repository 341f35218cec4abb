package dkim

import (
	"bytes"
	"fmt"
	"time"

	"golang.org/x/net/idna"
)

// Status is the outcome of one signature's evaluation, carrying both the
// RFC 6376 Section 3.9-style numeric code and a name, per the "dual-value
// status codes" design note: model as an enumeration, keep a stable
// numeric and string mapping for the external interface.
type Status int

const (
	// StatusUndefined means the signature hasn't resolved yet: either its
	// header/body hashes aren't computed (more bytes needed) or its DNS
	// key hasn't arrived.
	StatusUndefined     Status = 0
	StatusInvalidHeader Status = -3
	StatusSoftFail      Status = -2
	StatusTempFail      Status = -1
	StatusPermFail      Status = 100 // see note below; never collides with the signed +1/"valid" code externally
	StatusValid         Status = 1
)

// These are the external numeric codes returned by Status.Code (the string
// form comes from Status.String); the spec's numeric codes are -3,-2,-1,0,+1 for
// invalid-header/soft-fail/temp-fail/perm-fail/valid. perm-fail's
// "0" collides with the internal "undefined" sentinel we need for
// "nothing decided yet", so StatusPermFail is kept numerically distinct
// internally and translated to 0 only at the external boundary; see
// Status.Code.
const (
	codeInvalidHeader = -3
	codeSoftFail      = -2
	codeTempFail      = -1
	codePermFail      = 0
	codeValid         = 1
)

func (s Status) String() string {
	switch s {
	case StatusUndefined:
		return "undefined"
	case StatusInvalidHeader:
		return "invalid-header"
	case StatusSoftFail:
		return "soft-fail"
	case StatusTempFail:
		return "temp-fail"
	case StatusPermFail:
		return "perm-fail"
	case StatusValid:
		return "valid"
	default:
		return "unknown"
	}
}

// Code returns the spec's external numeric status code
// (-3/-2/-1/0/+1), distinct from the internal Status values above.
func (s Status) Code() int {
	switch s {
	case StatusInvalidHeader:
		return codeInvalidHeader
	case StatusSoftFail:
		return codeSoftFail
	case StatusTempFail:
		return codeTempFail
	case StatusPermFail:
		return codePermFail
	case StatusValid:
		return codeValid
	default:
		return codePermFail
	}
}

// DNSValue is the tagged variant a DNS cache entry can hold: a name that
// hasn't been looked up yet is simply absent from the map.
type DNSValue struct {
	// Parsed holds a successfully parsed key record, once known.
	Parsed *KeyRecord

	// Unresolved holds one or more raw TXT strings still needing a C4
	// parse attempt.
	Unresolved []string

	// LookupFailed marks a name whose DNS lookup itself failed (the
	// source's "undef" sentinel): a temp-fail, since the problem is
	// presumed transient.
	LookupFailed bool

	// PermFailReason is set once every candidate in Unresolved has failed
	// to parse as a key record; the reason is memoized so repeated
	// Result calls don't reparse.
	PermFailReason string
}

// DNSRecord constructs a DNSValue from a successfully parsed key.
func DNSRecord(k *KeyRecord) *DNSValue { return &DNSValue{Parsed: k} }

// DNSText constructs a DNSValue from one or more raw TXT record strings,
// not yet parsed.
func DNSText(txt ...string) *DNSValue { return &DNSValue{Unresolved: txt} }

// DNSFailed constructs a DNSValue representing a failed lookup.
func DNSFailed() *DNSValue { return &DNSValue{LookupFailed: true} }

// resolve turns Unresolved candidates into Parsed or PermFailReason,
// memoizing the result in place so repeat calls are free.
func (v *DNSValue) resolve() {
	if v.Parsed != nil || v.PermFailReason != "" || len(v.Unresolved) == 0 {
		return
	}
	var lastErr error
	for _, txt := range v.Unresolved {
		k, err := parseKeyRecord(txt)
		if err == nil {
			v.Parsed = k
			v.Unresolved = nil
			return
		}
		lastErr = err
	}
	v.PermFailReason = lastErr.Error()
	v.Unresolved = nil
}

// DNSMap is the (optionally caller-shared) cache of DNS names to their
// looked-up value, keyed by lowercase "<selector>._domainkey.<domain>".
type DNSMap map[string]*DNSValue

// Result is the outcome of evaluating one signature: either a
// DKIM-Signature field found in the message (verify path) or a
// sign-template supplied at construction (sign path).
type Result struct {
	// Signature is nil only if parsing failed so early that no partial
	// record could be built at all (never happens in practice: a parse
	// failure always at least gets an empty/partial Signature with
	// ParseError set).
	Signature *Signature

	// DNSName is the name looked up (or to be looked up) for this
	// signature: "<selector>._domainkey.<domain>". Empty for sign-results.
	DNSName string

	Status Status
	Error  string

	// SignedHeader holds the finished field, "DKIM-Signature:" name
	// included and no trailing CRLF, set only when Status == StatusValid
	// on the sign path.
	SignedHeader string
}

func failResult(sig *Signature, name string, status Status, format string, args ...interface{}) *Result {
	return &Result{
		Signature: sig,
		DNSName:   name,
		Status:    status,
		Error:     fmt.Sprintf(format, args...),
	}
}

// evaluateVerify runs the per-signature state machine (spec Section 4.10) for
// one verify-path signature entry, given the engine-computed body hash
// and the current DNS cache.
func evaluateVerify(sig *Signature, now time.Time, dns DNSMap) *Result {
	name := dnsName(sig.Selector, sig.Domain)

	if sig.ParseError != nil {
		return failResult(sig, name, StatusInvalidHeader, "%v", sig.ParseError)
	}

	if sig.ExpireTime != nil && sig.ExpireTime.Before(now) {
		return failResult(sig, name, StatusSoftFail, "signature expired")
	}

	val, ok := dns[name]
	if !ok {
		return &Result{Signature: sig, DNSName: name, Status: StatusUndefined}
	}

	val.resolve()

	switch {
	case val.LookupFailed:
		return failResult(sig, name, StatusTempFail, "dns lookup failed")
	case val.PermFailReason != "":
		return failResult(sig, name, StatusPermFail, "%s", val.PermFailReason)
	case val.Parsed != nil:
		return verifyAgainstKey(sig, name, val.Parsed)
	default:
		// Shouldn't happen: resolve() always leaves one of the above set
		// once Unresolved was non-empty, and an absent value already
		// returned above.
		return &Result{Signature: sig, DNSName: name, Status: StatusUndefined}
	}
}

func verifyAgainstKey(sig *Signature, name string, key *KeyRecord) *Result {
	fail := func(format string, args ...interface{}) *Result {
		status := StatusPermFail
		if key.Testing() {
			status = StatusSoftFail
		}
		return failResult(sig, name, status, format, args...)
	}

	if key.Revoked() {
		return fail("key revoked")
	}
	if !key.AllowedHashes[sig.HashAlg] {
		return fail("hash algorithm not allowed")
	}
	if key.StrictSubdomains() && sig.IdentityDomain != sig.Domain {
		return fail("identity does not match domain")
	}
	if !bytes.Equal(sig.ComputedHash, sig.BodyHash) {
		return fail("body hash mismatch")
	}
	if key.Public == nil {
		return fail("key has no usable public key material")
	}

	if err := rsaVerify(key.Public, sig.HashAlg, sig.HeaderHashSum, sig.SigValue); err != nil {
		return fail("header sig mismatch")
	}

	return &Result{Signature: sig, DNSName: name, Status: StatusValid}
}

// dnsName builds the DNS name a selector/domain pair is published under,
// ASCII-izing an internationalized domain the way a real resolver query
// requires (RFC 6376 doesn't itself say this, but d= is a domain name and
// DNS only ever sees A-labels).
func dnsName(selector, domain string) string {
	if ascii, err := idna.Lookup.ToASCII(domain); err == nil {
		domain = ascii
	}
	return selector + "._domainkey." + domain
}
