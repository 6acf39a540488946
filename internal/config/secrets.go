package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/claude-session-broker/broker/internal/secrets"
)

// secretFields lists the Config fields allowed to hold a secret
// reference (env(...)/vault(...)) instead of a literal value, and how
// to read/write them.
func (c *Config) secretFields() []*string {
	return []*string{
		&c.AnthropicAPIKey,
		&c.AnthropicAuthToken,
		&c.PGPassword,
		&c.APIKey,
	}
}

// isSecretRef reports whether v is a "scheme(...)" reference rather
// than a literal value.
func isSecretRef(v string) bool {
	return strings.Contains(v, "(") && strings.HasSuffix(v, ")")
}

// ResolveSecrets replaces every secret-capable field that holds a
// "env(VAR)" or "vault(path#key)" reference with its resolved value,
// using resolver. Literal values are left untouched, so operators can
// mix plaintext YAML values (for local dev) with references (for
// production) freely.
func (c *Config) ResolveSecrets(ctx context.Context, resolver secrets.Resolver) error {
	for _, field := range c.secretFields() {
		if *field == "" || !isSecretRef(*field) {
			continue
		}
		value, err := resolver.Resolve(ctx, *field)
		if err != nil {
			return fmt.Errorf("resolve secret %q: %w", *field, err)
		}
		*field = value
	}
	return nil
}

// ChainResolver tries each resolver in order and returns the first
// successful resolution, so "env(...)" and "vault(...)" refs can be
// mixed in the same config without the caller picking a scheme ahead
// of time.
type ChainResolver struct {
	Resolvers []secrets.Resolver
}

func (c ChainResolver) Resolve(ctx context.Context, ref string) (string, error) {
	var lastErr error
	for _, r := range c.Resolvers {
		value, err := r.Resolve(ctx, ref)
		if err == nil {
			return value, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no resolver configured for ref %q", ref)
	}
	return "", lastErr
}
