package dkim

import "errors"

// Sentinel errors used across the engine. Per-signature failures are
// always returned as data (see Status/Result in state.go); these are
// wrapped into the "error" string callers see, never panicked.
var (
	errInvalidHeader  = errors.New("invalid header")
	errUnknownCanon   = errors.New("unknown canonicalization")
	errUnsupportedAlg = errors.New("unsupported signing algorithm")
	errMissingTag     = errors.New("missing required tag")
	errBadTimestamps  = errors.New("expiration before signing time")
	errBadIdentity    = errors.New("identity does not match domain")
	errNoQueryMethod  = errors.New("no dns/txt query method in q=")
)
