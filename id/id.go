// Package id generates and checks the identifiers used by herald.
//
// Generated ids have the form "prefix_suffix" where the suffix is a
// UUIDv7 without dashes, so ids of one kind sort by creation time.
// Job ids may also be supplied by callers for deduplication; Check
// enforces the character set those must use.
package id

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Prefix identifies the kind of entity an id names.
type Prefix string

// Prefix constants for herald entities.
const (
	PrefixJob        Prefix = "job"
	PrefixDeadLetter Prefix = "dlq"
	PrefixLease      Prefix = "lease"
	PrefixNode       Prefix = "node"
	PrefixConn       Prefix = "conn"
	PrefixFrame      Prefix = "frm"
	PrefixEvent      Prefix = "evt"
)

// MaxLen is the longest id accepted by Check.
const MaxLen = 128

// New returns a new unique id with the given prefix.
func New(prefix Prefix) string {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails.
		u = uuid.New()
	}
	return string(prefix) + "_" + strings.ReplaceAll(u.String(), "-", "")
}

// NewJob returns a new job id.
func NewJob() string { return New(PrefixJob) }

// NewDeadLetter returns a new dead-letter entry id.
func NewDeadLetter() string { return New(PrefixDeadLetter) }

// NewLease returns a new lease token.
func NewLease() string { return New(PrefixLease) }

// NewNode returns a new process id.
func NewNode() string { return New(PrefixNode) }

// NewConn returns a new connection id.
func NewConn() string { return New(PrefixConn) }

// HasPrefix reports whether s was generated with prefix p.
func HasPrefix(s string, p Prefix) bool {
	return strings.HasPrefix(s, string(p)+"_")
}

// Check validates a caller-supplied id. Ids must be non-empty, at most
// MaxLen bytes, and contain only letters, digits, '-', '_' and '.'.
func Check(s string) error {
	if s == "" {
		return fmt.Errorf("id: empty")
	}
	if len(s) > MaxLen {
		return fmt.Errorf("id: %d bytes exceeds %d", len(s), MaxLen)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return fmt.Errorf("id: invalid character %q at %d", c, i)
		}
	}
	return nil
}
