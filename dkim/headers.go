package dkim

import (
	"crypto"
	"fmt"
	"regexp"
	"strings"
)

// Canon names a canonicalization algorithm, applied independently to the
// header and the body (RFC 6376 Section 3.4).
type Canon string

const (
	CanonSimple  Canon = "simple"
	CanonRelaxed Canon = "relaxed"
)

func canonFromString(s string) (Canon, error) {
	switch s {
	case "simple":
		return CanonSimple, nil
	case "relaxed":
		return CanonRelaxed, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownCanon, s)
	}
}

// header is a single RFC 5322 header field, preserved byte for byte as it
// appeared in the message (including any folded continuation lines).
type header struct {
	Name   string
	Value  string
	Source string
}

type headers []header

// findAll returns every header with the given name (case-insensitive), in
// the order they appeared.
func (hs headers) findAll(name string) headers {
	var out headers
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	return out
}

// parseHeaderBlock parses a block of CRLF-terminated header lines (no
// trailing blank line, no body) into individual fields, tolerating
// continuation lines that start with SP or TAB.
func parseHeaderBlock(block string) (headers, error) {
	var hs headers
	for _, line := range strings.Split(block, "\r\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if len(hs) == 0 {
				return nil, fmt.Errorf("%w: bad continuation", errInvalidHeader)
			}
			hs[len(hs)-1].Value += "\r\n" + line
			hs[len(hs)-1].Source += "\r\n" + line
			continue
		}

		name, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("%w: no colon", errInvalidHeader)
		}
		hs = append(hs, header{Name: name, Value: value, Source: line})
	}
	return hs, nil
}

// --- Canonicalization, RFC 6376 Section 3.4. ---

var (
	// WSP immediately after a CRLF continuation.
	continuedHeader = regexp.MustCompile(`\r\n[ \t]+`)
	// Runs of WSP.
	repeatedWSP = regexp.MustCompile(`[ \t]+`)
)

// canonHeader canonicalizes a single header field.
func canonHeader(c Canon, h header) header {
	switch c {
	case CanonSimple:
		// Pass through unchanged; bare LF normalization already happened
		// while the engine split the message into lines.
		return h
	case CanonRelaxed:
		return relaxHeader(h)
	default:
		panic("dkim: unknown header canonicalization " + string(c))
	}
}

func relaxHeader(h header) header {
	name := strings.ToLower(strings.TrimRight(h.Name, " \t"))

	value := continuedHeader.ReplaceAllString(h.Value, " ")
	value = repeatedWSP.ReplaceAllLiteralString(value, " ")
	value = strings.TrimRight(value, " \t")
	value = strings.TrimLeft(value, " \t")

	return header{
		Name:   name,
		Value:  value,
		Source: name + ":" + value,
	}
}

// bTag matches a (possibly folded) "b=" tag and everything up to the next
// ';' or the end of the field. The first capture group is "b=" itself
// (including any interior whitespace before the '='); used to erase the
// signature value when hashing a signature's own DKIM-Signature field.
var bTag = regexp.MustCompile(`(b[ \t\r\n]*=)[^;]*`)

// headersToInclude returns, in h= order, the actual header fields to hash,
// implementing RFC 6376 5.4.2's "use the bottom-most unused instance"
// rule, and skipping the DKIM-Signature field being computed (sigH) if it
// is selected.
func headersToInclude(sigH header, hList []string, all headers) []header {
	seen := map[string]int{}
	var include []header
	for _, name := range hList {
		lname := strings.ToLower(name)
		occurrences := all.findAll(name)
		reverseHeaders(occurrences)

		i := seen[lname]
		if i >= len(occurrences) {
			continue
		}
		seen[lname]++

		selected := occurrences[i]
		if selected == sigH {
			continue
		}
		include = append(include, selected)
	}
	return include
}

func reverseHeaders(hs headers) {
	for i, j := 0, len(hs)-1; i < j; i, j = i+1, j-1 {
		hs[i], hs[j] = hs[j], hs[i]
	}
}

// headerHash computes the header hash for a signature: the canonicalized
// form of the selected fields (in h= order) followed by the
// canonicalized DKIM-Signature field itself, with its b= value erased and
// no trailing CRLF (RFC 6376 Section 3.7, and the explicit call-out in
// Section 5.4 that this final field gets no terminator).
func headerHash(hashAlg crypto.Hash, c Canon, sigH header, hList []string, all headers) []byte {
	hh := hashAlg.New()
	for _, h := range headersToInclude(sigH, hList, all) {
		src := canonHeader(c, h).Source + "\r\n"
		hh.Write([]byte(src))
	}

	canonSig := canonHeader(c, sigH)
	erased := bTag.ReplaceAllString(canonSig.Source, "$1")
	erased = strings.TrimRight(erased, "\r\n")
	hh.Write([]byte(erased))

	return hh.Sum(nil)
}
