package botconfig

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/shotqueue/internal/errors"
)

const registryYAML = `
bots:
  - slug: shop
    token: "111:inline"
  - slug: vip
    token: "222:inline"
    token_env: VIP_BOT_TOKEN
  - slug: empty
`

func writeRegistry(t *testing.T) *FileRegistry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bots.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o600))
	return NewFileRegistry(path)
}

func TestFileRegistry_CredentialFor(t *testing.T) {
	r := writeRegistry(t)
	t.Setenv("VIP_BOT_TOKEN", "222:from-env")
	ctx := context.Background()

	cred, err := r.CredentialFor(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, "111:inline", cred.Token)
	assert.Equal(t, "shop", cred.BotSlug)

	cred, err = r.CredentialFor(ctx, "vip")
	require.NoError(t, err)
	assert.Equal(t, "222:from-env", cred.Token)

	_, err = r.CredentialFor(ctx, "empty")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))

	_, err = r.CredentialFor(ctx, "ghost")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestFileRegistry_Slugs(t *testing.T) {
	slugs, err := writeRegistry(t).Slugs()
	require.NoError(t, err)
	assert.Equal(t, []string{"empty", "shop", "vip"}, slugs)
}

func TestFileRegistry_MissingFile(t *testing.T) {
	r := NewFileRegistry(filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := r.CredentialFor(context.Background(), "shop")
	require.Error(t, err)
	assert.False(t, errors.Is(err, appErrors.ErrNotFound))
}
