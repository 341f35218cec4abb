package dkim

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DKIM tag=value lists, as defined in RFC 6376, Section 3.2.
// https://datatracker.ietf.org/doc/html/rfc6376#section-3.2
type tagList map[string]string

var (
	errInvalidTag = errors.New("invalid tag")
	errEmptyInput = errors.New("empty tag list")
)

var tagName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// parseTagList parses the "tag-list" grammar from RFC 6376 3.2: optional
// FWS, then "name = value" pairs separated by ';', with an optional
// trailing ';'. Values keep their original bytes (including any interior
// FWS); callers that need FWS collapsed do that themselves.
func parseTagList(s string) (tagList, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errEmptyInput
	}
	s = strings.TrimSuffix(strings.TrimRight(s, " \t\r\n"), ";")

	tags := make(tagList)
	for _, tv := range splitTagList(s) {
		tv = strings.TrimSpace(tv)
		if tv == "" {
			// Only legal for a trailing ';', which we already stripped;
			// an empty entry here means two ';' in a row, or leading
			// garbage, either of which is invalid.
			return nil, fmt.Errorf("%w: empty tag-spec", errInvalidTag)
		}

		name, value, found := strings.Cut(tv, "=")
		if !found {
			return nil, fmt.Errorf("%w: missing '='", errInvalidTag)
		}

		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)

		if !tagName.MatchString(name) {
			return nil, fmt.Errorf("%w: bad tag name %q", errInvalidTag, name)
		}

		if _, dup := tags[name]; dup {
			return nil, fmt.Errorf("%w: duplicate tag %q", errInvalidTag, name)
		}

		tags[name] = value
	}

	return tags, nil
}

// splitTagList splits on ';' that are not inside the value's allowed byte
// range check; the grammar has no quoting, so a plain split is correct -
// ';' can never legally appear inside a value (it falls outside the
// tag-value charset, 0x21-0x3A / 0x3C-0x7E).
func splitTagList(s string) []string {
	return strings.Split(s, ";")
}

// eatWhitespace removes all FWS from a tag value; used for tags whose
// grammar requires it (colon-separated lists, base64 blobs).
var eatWhitespace = strings.NewReplacer(" ", "", "\t", "", "\r", "", "\n", "")

// ParseConfigLine exposes the tag-list grammar (RFC 6376 Section 3.2) for
// reuse outside the package: a "name1 = value1; name2 = value2" string,
// FWS-tolerant, with an optional trailing ';'. A daemon embedding this
// engine can use it for its own configuration file instead of pulling in a
// second parser for the same shape of data.
func ParseConfigLine(s string) (map[string]string, error) {
	tags, err := parseTagList(s)
	if err != nil {
		return nil, err
	}
	return map[string]string(tags), nil
}
