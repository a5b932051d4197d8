package settings_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thinkhq/think/pkg/settings"
	"github.com/thinkhq/think/pkg/store"
)

func newTestRegistry(t *testing.T) (*settings.Registry, context.Context) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.Config{Path: filepath.Join(t.TempDir(), "think.db")})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Reset()) })
	require.NoError(t, store.NewMigrator(store.Steps()).Migrate(ctx, s))

	r, err := settings.NewRegistry(ctx, s)
	require.NoError(t, err)
	return r, ctx
}

func TestDefaultsApplyBeforeAnyOverride(t *testing.T) {
	r, _ := newTestRegistry(t)
	snap := r.Get()
	require.Equal(t, "local", snap.AIProvider)
	require.Equal(t, 8000, snap.ContextCharBudget)
}

func TestSetBumpsVersionAndOverridesDefault(t *testing.T) {
	r, ctx := newTestRegistry(t)
	before := r.Get().Version

	require.NoError(t, r.Set(ctx, "ai_provider", "openai_cloud"))

	after := r.Get()
	require.Greater(t, after.Version, before)
	require.Equal(t, "openai_cloud", after.AIProvider)
}

func TestSecretsRoundTripAndDelete(t *testing.T) {
	r, ctx := newTestRegistry(t)

	_, ok, err := r.GetSecret(ctx, "openai_cloud")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, r.SetSecret(ctx, "openai_cloud", "sk-test-key"))
	value, ok, err := r.GetSecret(ctx, "openai_cloud")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sk-test-key", value)

	require.NoError(t, r.DeleteSecret(ctx, "openai_cloud"))
	_, ok, err = r.GetSecret(ctx, "openai_cloud")
	require.NoError(t, err)
	require.False(t, ok)
}
