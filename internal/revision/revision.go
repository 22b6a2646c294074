package revision

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoCandidate indicates that no branch name matched the revision pattern
var ErrNoCandidate = errors.New("no candidate revision found")

// ErrAmbiguousRevision indicates that two branch names claim the same
// highest numeric suffix (e.g. "w1-7" and "w1-07")
var ErrAmbiguousRevision = errors.New("ambiguous revision")

// ID identifies a source revision branch of the form <prefix><integer>,
// e.g. "w1-26". IDs are ordered by the integer suffix. The original
// spelling is retained so the ID can address the branch and appear in
// commit messages unchanged.
type ID struct {
	Raw    string
	Number int
}

// None is the sentinel ID for a target that has never been synced.
var None = ID{}

// IsNone reports whether the ID is the never-synced sentinel.
func (id ID) IsNone() bool {
	return id.Raw == ""
}

// String returns the original branch spelling, or "none" for the sentinel.
func (id ID) String() string {
	if id.IsNone() {
		return "none"
	}
	return id.Raw
}

// Equal reports whether two IDs denote the same revision. Spelling
// differences ("w1-07" vs "w1-7") do not matter; the sentinel equals
// nothing, including itself.
func (id ID) Equal(other ID) bool {
	return !id.IsNone() && !other.IsNone() && id.Number == other.Number
}

// Compare orders IDs by numeric suffix, returning -1, 0 or 1.
func (id ID) Compare(other ID) int {
	switch {
	case id.Number < other.Number:
		return -1
	case id.Number > other.Number:
		return 1
	}
	return 0
}

// Parse parses s as <prefix><integer>. The entire string must match: the
// prefix verbatim, then one or more decimal digits and nothing else.
func Parse(prefix, s string) (ID, error) {
	digits, ok := strings.CutPrefix(s, prefix)
	if !ok || digits == "" {
		return None, fmt.Errorf("revision %q does not match %s<integer>", s, prefix)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return None, fmt.Errorf("revision %q has a non-numeric suffix", s)
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return None, fmt.Errorf("revision %q suffix out of range: %w", s, err)
	}
	return ID{Raw: s, Number: n}, nil
}

// Latest returns the branch with the highest numeric suffix among the names
// matching <prefix><integer>. Names that do not parse are ignored. The
// result does not depend on input order.
//
// An empty candidate set yields ErrNoCandidate. Two candidates tied for the
// maximum yield ErrAmbiguousRevision rather than an arbitrary pick: a tie
// means the upstream branch set is inconsistent, and guessing here would
// make the sync target depend on listing order.
func Latest(prefix string, branches []string) (ID, error) {
	best := None
	tiedWith := ""
	for _, name := range branches {
		id, err := Parse(prefix, name)
		if err != nil {
			continue
		}
		switch {
		case best.IsNone() || id.Number > best.Number:
			best = id
			tiedWith = ""
		case id.Number == best.Number:
			tiedWith = id.Raw
		}
	}
	if best.IsNone() {
		return None, fmt.Errorf("%w: no branch matches %s<integer>", ErrNoCandidate, prefix)
	}
	if tiedWith != "" {
		return None, fmt.Errorf("%w: %q and %q share suffix %d", ErrAmbiguousRevision, best.Raw, tiedWith, best.Number)
	}
	return best, nil
}

// FromMessage extracts the first <prefix><integer> mention from a commit
// message, returning None when the message carries no marker.
func FromMessage(prefix, msg string) ID {
	re := regexp.MustCompile(regexp.QuoteMeta(prefix) + `[0-9]+`)
	match := re.FindString(msg)
	if match == "" {
		return None
	}
	id, err := Parse(prefix, match)
	if err != nil {
		return None
	}
	return id
}
