// Package vmodel parses and validates the virtual model identifiers the
// sidecar accepts at its public surface (e.g. "slimclaw/auto").
package vmodel

import (
	"fmt"
	"strings"
)

// virtualProvider is the only provider prefix recognized as "virtual" —
// any model id with this prefix never reaches an upstream provider directly;
// it is resolved by the routing pipeline instead.
const virtualProvider = "slimclaw"

// AutoModel is the only virtual model id phase-1 routing understands.
const AutoModel = virtualProvider + "/auto"

// ID is a parsed "<provider>/<name>" model identifier.
type ID struct {
	Provider string
	Name     string
}

// Parse splits a model id on its first "/" into provider and name. It fails
// on malformed ids: no separator, empty provider, or empty name.
func Parse(raw string) (ID, error) {
	idx := strings.IndexByte(raw, '/')
	if idx <= 0 || idx == len(raw)-1 {
		return ID{}, fmt.Errorf("Invalid model ID format: %s", raw)
	}
	provider, name := raw[:idx], raw[idx+1:]
	if provider == "" || name == "" {
		return ID{}, fmt.Errorf("Invalid model ID format: %s", raw)
	}
	return ID{Provider: provider, Name: name}, nil
}

// IsVirtual reports whether raw parses to a slimclaw/* model id.
func IsVirtual(raw string) bool {
	id, err := Parse(raw)
	if err != nil {
		return false
	}
	return id.Provider == virtualProvider
}

// String reassembles the id as "<provider>/<name>".
func (id ID) String() string {
	return id.Provider + "/" + id.Name
}
