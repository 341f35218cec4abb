package dkim

import (
	"bytes"
	"hash"
)

// bodyPipeline is a streaming body canonicalizer feeding straight into a
// digest, implementing RFC 6376 Section 3.4.3/3.4.4. It is fed arbitrary
// byte chunks via write and finalized once with finish.
//
// Because chunk boundaries are arbitrary, it keeps two buffers:
//   - buf: bytes seen since the last '\n' (a line in progress).
//   - pendingEmpty: a count of canonical empty lines seen so far that
//     have not yet been released, because a run of empty lines at the end
//     of the body must be elided rather than hashed.
//
// Both canonicalizations reduce an empty line to the same two bytes
// ("\r\n"), so pendingEmpty only needs to be a counter, not a buffer.
type bodyPipeline struct {
	canon Canon
	h     hash.Hash

	buf          []byte
	pendingEmpty int
	emittedAny   bool

	limit     uint64
	hasLimit  bool
	remaining uint64
	done      bool
}

func newBodyPipeline(c Canon, h hash.Hash, limit *uint64) *bodyPipeline {
	p := &bodyPipeline{canon: c, h: h}
	if limit != nil {
		p.hasLimit = true
		p.limit = *limit
		p.remaining = *limit
	}
	return p
}

// write feeds another chunk of raw (post-header) message bytes in.
func (p *bodyPipeline) write(b []byte) {
	if p.done {
		return
	}
	p.buf = append(p.buf, b...)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(p.buf[:i], []byte("\r"))
		p.buf = p.buf[i+1:]
		p.emitLine(line)
	}
}

// finish flushes any trailing partial line (one with no terminating '\n'
// anywhere in the input), discards buffered trailing empty lines, and
// returns the final digest.
func (p *bodyPipeline) finish() []byte {
	if !p.done && len(p.buf) > 0 {
		p.emitLine(p.buf)
		p.buf = nil
	}
	if !p.emittedAny {
		// Empty body, or a body consisting only of empty lines: the
		// canonical form is a single CRLF.
		p.output([]byte("\r\n"))
	}
	return p.h.Sum(nil)
}

// emitLine canonicalizes one line's content (no terminator) and either
// buffers it (if empty) or releases it (and any buffered empty lines
// before it).
func (p *bodyPipeline) emitLine(line []byte) {
	if p.canon == CanonRelaxed {
		line = relaxBodyLine(line)
	}

	if len(line) == 0 {
		p.pendingEmpty++
		return
	}

	if p.pendingEmpty > 0 {
		for i := 0; i < p.pendingEmpty; i++ {
			p.output([]byte("\r\n"))
		}
		p.pendingEmpty = 0
	}
	p.output(line)
	p.output([]byte("\r\n"))
}

// output feeds canonicalized bytes to the digest, honoring the l= byte
// budget: once the budget is exhausted, further bytes are silently
// dropped and the pipeline is marked done.
func (p *bodyPipeline) output(b []byte) {
	p.emittedAny = true
	if p.done {
		return
	}
	if p.hasLimit {
		if p.remaining == 0 {
			p.done = true
			return
		}
		if uint64(len(b)) > p.remaining {
			b = b[:p.remaining]
		}
		p.remaining -= uint64(len(b))
	}
	p.h.Write(b)
}

// relaxBodyLine applies the relaxed body canonicalization to a single
// line's content: collapse runs of SP/TAB to one SP, then strip trailing
// SP/TAB.
func relaxBodyLine(line []byte) []byte {
	out := make([]byte, 0, len(line))
	inWSP := false
	for _, b := range line {
		if b == ' ' || b == '\t' {
			inWSP = true
			continue
		}
		if inWSP {
			out = append(out, ' ')
			inWSP = false
		}
		out = append(out, b)
	}
	// Trailing WSP is simply dropped (inWSP left true, never flushed).
	return out
}
