package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"time"
)

// TraceFunc receives free-form progress messages from an Engine, mirroring
// the hook the teacher codebase uses for its own (blocking) DKIM package:
// the engine itself takes no logging dependency, so embedders can wire
// this into whatever logger they already use.
type TraceFunc func(format string, args ...interface{})

// Options configures a new Engine.
type Options struct {
	// DNS is the shared cache of DNS names to looked-up key records. It
	// may be nil, in which case the engine allocates its own. Passing the
	// same map to multiple engines lets them share lookups; the engine
	// treats it as a memoizing lookup table (see DNSValue.resolve) and
	// assumes the caller serializes writes if shared across goroutines.
	DNS DNSMap

	// Sign holds zero or more sign-templates. A non-empty Sign puts the
	// engine on the signing path; see SignAndVerify for what happens to
	// pre-existing DKIM-Signature fields in that case.
	Sign []SignTemplate

	// SignAndVerify, when Sign is non-empty, additionally discovers and
	// verifies any DKIM-Signature fields already present in the message.
	// When Sign is empty, existing signatures are always discovered and
	// verified regardless of this flag.
	SignAndVerify bool

	// MaxHeaders caps the number of DKIM-Signature fields discovered in
	// the message, to bound the work a hostile message can demand (RFC
	// 6376 Section 8.4). Defaults to 5.
	MaxHeaders int

	// Now, if set, is used instead of time.Now for signing timestamps and
	// expiry checks (for deterministic tests).
	Now func() time.Time

	// Trace, if set, receives progress messages.
	Trace TraceFunc
}

// SignTemplate describes one signature to produce. It corresponds to the
// source implementation's flat tag-map sign-template, with the
// engine-private "side channel" fields (":key", ":i", ":z" in the spec)
// promoted to named struct fields, per the "dynamic tag-mapping" design
// note: they are consumed during emission and never themselves appear in
// the produced header.
type SignTemplate struct {
	Domain     string   // d=, required
	Selector   string   // s=, required
	HeaderList []string // h=, required (at least one field)

	HeaderCanon Canon       // c=, header half; defaults to simple
	BodyCanon   Canon       // c=, body half; defaults to simple
	Hash        crypto.Hash // a=, hash half; defaults to SHA-256

	Identity      string  // i= side channel (":i"): raw "local@domain"; defaults to "@"+Domain
	CopiedHeaders string  // z= side channel (":z"): raw text, QP-encoded at emission
	BodyLimit     *uint64 // l=

	// Extra carries any caller-supplied tags beyond the named ones above,
	// serialized sorted by name between l=/i=/z= and bh=/b= (RFC 6376 3.5's
	// tag-list grammar allows, and this engine's own verify path preserves,
	// arbitrary unknown tags).
	Extra map[string]string

	// SignTime sets t=. If nil and SignTimeNow is true, t= is set to the
	// time the header is emitted ("t= present but empty" in the source's
	// tag-map sign-template, per spec.md's open question: we take that to
	// mean "fill in now").
	SignTime    *time.Time
	SignTimeNow bool

	// ExpireAfter sets x= as an offset: "+N" from SignTime (or from now,
	// if SignTime/SignTimeNow are unset).
	ExpireAfter *time.Duration

	// PrivateKeyPEM is the ":key" side channel: a PEM-encoded PKCS#1 or
	// PKCS#8 RSA private key.
	PrivateKeyPEM []byte
}

// sigEntry tracks one signature (verify-path or sign-path) across the
// engine's lifetime: its record, its private streaming body canonicalizer,
// and (sign-path only) the key material needed to finish it.
type sigEntry struct {
	sig      *Signature
	pipeline *bodyPipeline
	finished bool

	isSign     bool
	privateKey *rsa.PrivateKey
	template   SignTemplate

	signed       bool
	signErr      error
	signedHeader string
}

// Engine is a non-blocking, streaming DKIM verifier/signer. It performs no
// I/O of its own: message bytes are pushed in via Append, and DNS lookups
// are injected by the caller into the shared DNSMap. This mirrors the
// "engine never blocks" design note; the teacher's own internal/dkim
// package instead calls net.LookupTXT synchronously, which this engine
// deliberately does not do.
type Engine struct {
	opts Options
	dns  DNSMap

	lastWasCR bool

	headerAcc     []byte
	headerScanned int
	boundaryFound bool
	rawHeader     []byte
	allHeaders    headers

	entries []*sigEntry

	bodyDone bool
	eof      bool
}

// NewEngine creates an Engine ready to accept message bytes via Append.
func NewEngine(opts Options) *Engine {
	if opts.MaxHeaders <= 0 {
		opts.MaxHeaders = 5
	}
	dns := opts.DNS
	if dns == nil {
		dns = DNSMap{}
	}
	return &Engine{opts: opts, dns: dns}
}

func (e *Engine) trace(format string, args ...interface{}) {
	if e.opts.Trace != nil {
		e.opts.Trace(format, args...)
	}
}

func (e *Engine) now() time.Time {
	if e.opts.Now != nil {
		return e.opts.Now()
	}
	return time.Now()
}

// normalize leaves b untouched and returns a fresh slice with every bare
// '\n' turned into "\r\n", carrying the "was the previous byte a
// CR" state across calls so a "\r" / "\n" split across two Append calls is
// not double-converted (spec Section 6: bare LF is tolerated and
// normalized on input).
func (e *Engine) normalize(b []byte) []byte {
	out := make([]byte, 0, len(b)+len(b)/8+2)
	for _, c := range b {
		switch c {
		case '\n':
			if !e.lastWasCR {
				out = append(out, '\r')
			}
			out = append(out, '\n')
			e.lastWasCR = false
		case '\r':
			out = append(out, '\r')
			e.lastWasCR = true
		default:
			out = append(out, c)
			e.lastWasCR = false
		}
	}
	return out
}

// Append feeds the next chunk of raw message bytes to the engine. A call
// with a zero-length (but non-nil, or nil) slice signals end-of-body.
// Append returns the current Result for every signature once the message
// body has been fully consumed; it returns nil while still waiting for
// more bytes.
func (e *Engine) Append(b []byte) []*Result {
	eof := len(b) == 0

	if len(b) > 0 {
		nb := e.normalize(b)
		if !e.boundaryFound {
			e.headerAcc = append(e.headerAcc, nb...)
			if hdr, body, found := splitHeaderBoundary(e.headerAcc, e.headerScanned); found {
				e.rawHeader = hdr
				e.boundaryFound = true
				e.onHeaderComplete()
				e.feedBody(body)
			} else {
				// Remember how much of headerAcc has already been
				// scanned with no blank line found, so the next call
				// doesn't rescan it from byte zero.
				e.headerScanned = lastScanPoint(e.headerAcc)
			}
		} else {
			e.feedBody(nb)
		}
	}

	if eof {
		if !e.boundaryFound {
			// No blank-line boundary ever appeared in the whole
			// message: treat everything buffered as the header, with
			// an empty body.
			e.rawHeader = e.headerAcc
			e.boundaryFound = true
			e.onHeaderComplete()
		}
		e.finishBody()
		e.eof = true
	}

	if !e.bodyDone {
		return nil
	}
	return e.computeResults()
}

// splitHeaderBoundary looks for the first blank line (a line whose content,
// ignoring a trailing '\r', is empty) in buf, starting the scan at
// scanFrom. It returns the header block (everything before that blank
// line) and the remainder (everything after the blank line's own
// terminator), tolerating mixed "\r\n" and bare "\n" line endings -
// though by the time Append calls this, normalize has already turned bare
// "\n" into "\r\n", so in practice only "\r\n\r\n" is matched.
func splitHeaderBoundary(buf []byte, scanFrom int) (hdr, body []byte, found bool) {
	pos := scanFrom
	for {
		nl := bytes.IndexByte(buf[pos:], '\n')
		if nl < 0 {
			return nil, nil, false
		}
		abs := pos + nl
		lineStart := pos
		lineEnd := abs
		if lineEnd > lineStart && buf[lineEnd-1] == '\r' {
			lineEnd--
		}
		if lineEnd == lineStart {
			return buf[:lineStart], buf[abs+1:], true
		}
		pos = abs + 1
	}
}

// lastScanPoint returns how far into buf it's safe to resume a
// splitHeaderBoundary scan from: the position right after the last '\n'
// seen (or 0, if none).
func lastScanPoint(buf []byte) int {
	if i := bytes.LastIndexByte(buf, '\n'); i >= 0 {
		return i + 1
	}
	return 0
}

// onHeaderComplete runs once the header/body boundary has been found: it
// parses the header block, discovers DKIM-Signature fields (subject to
// SignAndVerify), builds the sign-template entries, and creates one
// bodyPipeline per entry.
func (e *Engine) onHeaderComplete() {
	hs, err := parseHeaderBlock(string(e.rawHeader))
	if err != nil {
		e.trace("dkim: header block did not parse cleanly: %v", err)
	}
	e.allHeaders = hs

	discoverExisting := len(e.opts.Sign) == 0 || e.opts.SignAndVerify
	if discoverExisting {
		found := hs.findAll("DKIM-Signature")
		for i, h := range found {
			if i >= e.opts.MaxHeaders {
				e.trace("dkim: ignoring DKIM-Signature field %d past MaxHeaders=%d", i, e.opts.MaxHeaders)
				break
			}
			e.entries = append(e.entries, e.newVerifyEntry(h))
		}
	}

	for _, t := range e.opts.Sign {
		e.entries = append(e.entries, e.newSignEntry(t))
	}
}

func (e *Engine) newVerifyEntry(h header) *sigEntry {
	sig, err := parseSignature(h.Value, h)
	if err != nil {
		sig = &Signature{Source: h, ParseError: err}
		return &sigEntry{sig: sig}
	}

	sig.HeaderHashSum = headerHash(sig.HashAlg, sig.HeaderC, h, sig.HeaderList, e.allHeaders)

	ent := &sigEntry{sig: sig}
	ent.pipeline = newBodyPipeline(sig.BodyC, sig.HashAlg.New(), sig.BodyLimit)
	return ent
}

func (e *Engine) newSignEntry(t SignTemplate) *sigEntry {
	sig, priv, err := newSignSignature(t, e.now())
	if err != nil {
		return &sigEntry{
			sig:      &Signature{ParseError: err},
			isSign:   true,
			template: t,
		}
	}

	ent := &sigEntry{sig: sig, isSign: true, privateKey: priv, template: t}
	ent.pipeline = newBodyPipeline(sig.BodyC, sig.HashAlg.New(), sig.BodyLimit)
	return ent
}

func (e *Engine) feedBody(b []byte) {
	if len(b) == 0 {
		return
	}
	for _, ent := range e.entries {
		if ent.pipeline != nil {
			ent.pipeline.write(b)
		}
	}
}

func (e *Engine) finishBody() {
	if e.bodyDone {
		return
	}
	for _, ent := range e.entries {
		if ent.pipeline != nil && !ent.finished {
			sum := ent.pipeline.finish()
			ent.finished = true
			if ent.isSign {
				ent.sig.BodyHash = sum
				ent.sig.ComputedHash = sum
			} else {
				ent.sig.ComputedHash = sum
			}
		}
	}
	e.bodyDone = true
}

// computeResults evaluates every entry's current state. It's cheap to call
// repeatedly: verify-path entries just re-run the (pure) state machine
// against whatever DNS data is available now, and sign-path entries that
// already succeeded return their cached SignedHeader.
func (e *Engine) computeResults() []*Result {
	now := e.now()
	out := make([]*Result, 0, len(e.entries))
	for _, ent := range e.entries {
		if ent.isSign {
			out = append(out, e.signResult(ent))
		} else {
			out = append(out, evaluateVerify(ent.sig, now, e.dns))
		}
	}
	return out
}

// Pending returns the DNS names this engine is still waiting on: verify-path
// signatures whose current evaluation is StatusUndefined.
func (e *Engine) Pending() []string {
	if !e.bodyDone {
		return nil
	}
	var out []string
	now := e.now()
	for _, ent := range e.entries {
		if ent.isSign || ent.sig.ParseError != nil {
			continue
		}
		r := evaluateVerify(ent.sig, now, e.dns)
		if r.Status == StatusUndefined {
			out = append(out, r.DNSName)
		}
	}
	return out
}
