package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("BROKERAGE_API_KEY", "k123")

	p := NewEnvProvider("BROKERAGE")

	val, err := p.Get(context.Background(), "api_key")
	require.NoError(t, err)
	assert.Equal(t, "k123", val)
}

func TestEnvProviderMissing(t *testing.T) {
	p := NewEnvProvider("NOPE")

	_, err := p.Get(context.Background(), "api_key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnvProviderNoPrefix(t *testing.T) {
	t.Setenv("ACCESS_TOKEN", "t456")

	p := NewEnvProvider("")

	val, err := p.Get(context.Background(), "access_token")
	require.NoError(t, err)
	assert.Equal(t, "t456", val)
}

func TestEnvProviderTrailingUnderscore(t *testing.T) {
	t.Setenv("BROKERAGE_API_KEY", "k123")

	p := NewEnvProvider("brokerage_")

	val, err := p.Get(context.Background(), "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "k123", val)
}

func TestStaticProvider(t *testing.T) {
	p := StaticProvider{"api_key": "abc"}

	val, err := p.Get(context.Background(), "api_key")
	require.NoError(t, err)
	assert.Equal(t, "abc", val)

	_, err = p.Get(context.Background(), "other")
	assert.ErrorIs(t, err, ErrNotFound)
}
