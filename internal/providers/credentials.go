package providers

import (
	"fmt"
	"strings"
)

// Credentials is one provider's upstream endpoint and API key, as configured
// in the credentials file.
type Credentials struct {
	BaseURL string
	APIKey  string
}

// CredentialsMap resolves a provider id to its Credentials.
type CredentialsMap map[string]Credentials

// ErrProviderUnknown is returned when no credentials are configured for a
// resolved provider id.
type ErrProviderUnknown struct {
	Provider string
}

func (e *ErrProviderUnknown) Error() string {
	return fmt.Sprintf("unknown provider: %s", e.Provider)
}

// Lookup returns the credentials for provider, or ErrProviderUnknown.
func (m CredentialsMap) Lookup(provider string) (Credentials, error) {
	c, ok := m[provider]
	if !ok {
		return Credentials{}, &ErrProviderUnknown{Provider: provider}
	}
	return c, nil
}

// ResolveProvider picks the provider for a model: a tierProviders pattern
// that matches (exact match or "prefix/*" glob) supplies it. tierProviders is
// a map, so when several patterns match, which one is used is not defined.
// With no match, the provider is inferred from the model's own
// "<provider>/<name>" prefix.
func ResolveProvider(model string, tierProviders map[string]string) string {
	for pattern, provider := range tierProviders {
		if matchPattern(pattern, model) {
			return provider
		}
	}
	if idx := strings.IndexByte(model, '/'); idx > 0 {
		return model[:idx]
	}
	return model
}

// MatchesAnyPattern reports whether model matches any of patterns (exact or
// "prefix/*" glob). Used for pinned-model matching; ResolveProvider applies
// the same pattern rules to tier-provider patterns.
func MatchesAnyPattern(patterns []string, model string) bool {
	for _, p := range patterns {
		if matchPattern(p, model) {
			return true
		}
	}
	return false
}

// matchPattern supports an exact string match or a "prefix/*" suffix glob,
// e.g. "openrouter/*" matches any model beginning with "openrouter/".
func matchPattern(pattern, model string) bool {
	if pattern == model {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(model, prefix)
	}
	return false
}
