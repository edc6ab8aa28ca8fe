// Package idgen provides prefixed random identifiers for domain entities.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Entity prefixes. A prefix makes an ID self-describing in logs and URLs.
const (
	Invitation  = "inv_"
	PreOrder    = "pre_"
	Proposal    = "prop_"
	Order       = "ord_"
	Transaction = "txn_"
	History     = "hist_"
	Event       = "evt_"
)

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates prefix + 32 hex chars of a random UUID.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id was generated for the given entity prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && len(id) == len(prefix)+32
}
