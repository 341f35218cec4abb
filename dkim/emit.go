package dkim

import (
	"crypto"
	"crypto/rsa"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// newSignSignature builds a Signature (and parses the accompanying private
// key) from a sign-template, applying the same defaults a bare verify-path
// signature gets when a tag is omitted. It forces v=1 and leaves b=/bh=
// empty: those are only known once the body and header hashes are
// computed, later in the entry's lifecycle.
func newSignSignature(t SignTemplate, now time.Time) (*Signature, *rsa.PrivateKey, error) {
	if t.Domain == "" {
		return nil, nil, fmt.Errorf("%w: sign-template missing domain", errMissingTag)
	}
	if t.Selector == "" {
		return nil, nil, fmt.Errorf("%w: sign-template missing selector", errMissingTag)
	}
	if len(t.HeaderList) == 0 {
		return nil, nil, fmt.Errorf("%w: sign-template missing header list", errMissingTag)
	}
	if len(t.PrivateKeyPEM) == 0 {
		return nil, nil, fmt.Errorf("%w: sign-template missing private key", errMissingTag)
	}

	priv, err := parseRSAPrivateKey(t.PrivateKeyPEM)
	if err != nil {
		return nil, nil, err
	}

	hashAlg := t.Hash
	if hashAlg == 0 {
		hashAlg = defaultHash
	}
	algo, err := hashToString(hashAlg)
	if err != nil {
		return nil, nil, err
	}

	headerC := t.HeaderCanon
	if headerC == "" {
		headerC = CanonSimple
	}
	bodyC := t.BodyCanon
	if bodyC == "" {
		bodyC = CanonSimple
	}

	identity := t.Identity
	if identity == "" {
		identity = "@" + t.Domain
	}
	local, domain, _ := strings.Cut(identity, "@")
	if domain != t.Domain && !strings.HasSuffix(domain, "."+t.Domain) {
		return nil, nil, fmt.Errorf("%w: i=%q vs d=%q", errBadIdentity, identity, t.Domain)
	}

	var signTime, expireTime *time.Time
	switch {
	case t.SignTime != nil:
		st := *t.SignTime
		signTime = &st
	case t.SignTimeNow:
		st := now
		signTime = &st
	}
	if t.ExpireAfter != nil {
		base := now
		if signTime != nil {
			base = *signTime
		}
		xt := base.Add(*t.ExpireAfter)
		expireTime = &xt
	}
	if signTime != nil && expireTime != nil && expireTime.Before(*signTime) {
		return nil, nil, errBadTimestamps
	}

	unknown := map[string]string{}
	for k, v := range t.Extra {
		unknown[k] = v
	}

	sig := &Signature{
		Version:           "1",
		Algo:              "rsa-" + algo,
		HashAlg:           hashAlg,
		HeaderC:           headerC,
		BodyC:             bodyC,
		Domain:            t.Domain,
		HeaderList:        normalizeHeaderList(strings.Join(t.HeaderList, ":")),
		Identity:          identity,
		IdentityLocalPart: local,
		IdentityDomain:    domain,
		BodyLimit:         t.BodyLimit,
		Query:             []string{"dns/txt"},
		Selector:          t.Selector,
		SignTime:          signTime,
		ExpireTime:        expireTime,
		CopiedHeaders:     t.CopiedHeaders,
		Unknown:           unknown,
	}
	return sig, priv, nil
}

const defaultHash = crypto.SHA256

// signResult produces the Result for one sign-path entry, signing and
// caching the finished header the first time all its prerequisites
// (private key parsed, body hash computed) are in place.
func (e *Engine) signResult(ent *sigEntry) *Result {
	if ent.sig.ParseError != nil {
		return failResult(ent.sig, "", StatusPermFail, "%v", ent.sig.ParseError)
	}
	if !e.bodyDone {
		return &Result{Signature: ent.sig, Status: StatusUndefined}
	}
	if ent.signed {
		if ent.signErr != nil {
			return failResult(ent.sig, "", StatusPermFail, "%v", ent.signErr)
		}
		return &Result{Signature: ent.sig, Status: StatusValid, SignedHeader: ent.signedHeader}
	}

	header, err := e.buildSignedHeader(ent)
	ent.signed = true
	if err != nil {
		ent.signErr = err
		return failResult(ent.sig, "", StatusPermFail, "%v", err)
	}
	ent.signedHeader = header
	return &Result{Signature: ent.sig, Status: StatusValid, SignedHeader: header}
}

// buildSignedHeader implements the signing side of the engine (the
// distilled spec's six emission steps): assemble the tag list in canonical
// order with b= left empty, canonicalize and hash that draft exactly as a
// verifier would hash the eventual real field (headerHash erases whatever
// follows "b=" regardless), sign the digest, then splice the folded
// base64 signature into the same draft text to produce the final field.
func (e *Engine) buildSignedHeader(ent *sigEntry) (string, error) {
	sig := ent.sig

	pairs := []string{
		"v=1",
		"a=" + sig.Algo,
		"c=" + string(sig.HeaderC) + "/" + string(sig.BodyC),
		"d=" + sig.Domain,
		"q=dns/txt",
		"s=" + sig.Selector,
	}
	if sig.SignTime != nil {
		pairs = append(pairs, "t="+strconv.FormatInt(sig.SignTime.Unix(), 10))
	}
	if sig.ExpireTime != nil {
		pairs = append(pairs, "x="+strconv.FormatInt(sig.ExpireTime.Unix(), 10))
	}
	pairs = append(pairs, "h="+strings.Join(sig.HeaderList, ":"))
	if sig.BodyLimit != nil {
		pairs = append(pairs, "l="+strconv.FormatUint(*sig.BodyLimit, 10))
	}
	if ent.template.Identity != "" {
		pairs = append(pairs, "i="+encodeQP(sig.Identity))
	}
	if sig.CopiedHeaders != "" {
		pairs = append(pairs, "z="+encodeQP(sig.CopiedHeaders))
	}
	if len(sig.Unknown) > 0 {
		names := make([]string, 0, len(sig.Unknown))
		for name := range sig.Unknown {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			pairs = append(pairs, name+"="+sig.Unknown[name])
		}
	}
	pairs = append(pairs, "bh="+encodeBase64Tag(sig.BodyHash))

	draftValue := " " + foldAtSemicolons(strings.Join(pairs, "; "), foldWidth) + "; b="
	draftHeader := header{
		Name:   "DKIM-Signature",
		Value:  draftValue,
		Source: "DKIM-Signature:" + draftValue,
	}

	sig.HeaderHashSum = headerHash(sig.HashAlg, sig.HeaderC, draftHeader, sig.HeaderList, e.allHeaders)

	sigBytes, err := rsaSign(ent.privateKey, sig.HashAlg, sig.HeaderHashSum)
	if err != nil {
		return "", err
	}
	sig.SigValue = sigBytes

	finalValue := draftValue + foldBase64(encodeBase64Tag(sigBytes))
	return "DKIM-Signature:" + finalValue, nil
}

// foldWidth is the target length for each line of a signature's folded tag
// list. It counts only the tag text: the "DKIM-Signature:" field name on
// the first line is not included, a single tag longer than the width is
// not broken, and the b= value starts on the tag list's last line, so
// emitted lines can exceed this width.
const foldWidth = 70

// foldAtSemicolons wraps a "tag1=v1; tag2=v2; ..." string at "; "
// boundaries once a line would exceed width, per RFC 6376 3.2's allowance
// for FWS immediately after each ';'.
func foldAtSemicolons(s string, width int) string {
	parts := strings.Split(s, "; ")
	var b strings.Builder
	lineLen := 0
	for i, p := range parts {
		if i == 0 {
			b.WriteString(p)
			lineLen = len(p)
			continue
		}
		if lineLen+2+len(p) > width {
			b.WriteString(";\r\n ")
			b.WriteString(p)
			lineLen = 1 + len(p)
			continue
		}
		b.WriteString("; ")
		b.WriteString(p)
		lineLen += 2 + len(p)
	}
	return b.String()
}

// foldBase64 wraps a base64 blob (the b= tag's value) every 64 characters,
// which RFC 6376 explicitly allows FWS within for exactly this purpose.
func foldBase64(s string) string {
	var b strings.Builder
	for len(s) > 64 {
		b.WriteString(s[:64])
		b.WriteString("\r\n ")
		s = s[64:]
	}
	b.WriteString(s)
	return b.String()
}
