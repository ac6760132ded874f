// Package secrets abstracts credential lookup so adapters never read the
// environment or credential files directly.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotFound reports an absent secret. Adapters translate it into their
// unavailable state rather than failing the process.
var ErrNotFound = errors.New("secrets: not found")

// Provider resolves named secrets.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// EnvProvider resolves secrets from environment variables. A key is upper-
// cased and prefixed, so Get(ctx, "api_key") with prefix "BROKERAGE" reads
// BROKERAGE_API_KEY.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment-backed provider with the given
// variable prefix.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: strings.ToUpper(strings.TrimSuffix(prefix, "_"))}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	name := strings.ToUpper(key)
	if p.prefix != "" {
		name = p.prefix + "_" + name
	}
	val, ok := os.LookupEnv(name)
	if !ok || val == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return val, nil
}

// StaticProvider serves secrets from a fixed map. Intended for tests.
type StaticProvider map[string]string

func (p StaticProvider) Get(_ context.Context, key string) (string, error) {
	if val, ok := p[key]; ok && val != "" {
		return val, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}
