// Package settings exposes a versioned, hot-reloadable configuration
// snapshot layered from process defaults, environment variables, and
// database-persisted overrides, plus a secrets table for provider API keys.
// Both live in pkg/store's settings table; Registry rebuilds its
// snapshot from there on demand rather than on every read.
package settings

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/thinkhq/think/pkg/store"
)

// Snapshot is an immutable, versioned view of current settings. Callers
// that cache derived state (e.g. an LLMGateway provider client) compare
// Version to know when to rebuild.
type Snapshot struct {
	Version           uint64
	AIProvider        string
	AIModel           string
	AIEmbeddingModel  string
	AIBaseURL         string
	WhisperModel      string
	ContextCharBudget int
}

func defaults() Snapshot {
	return Snapshot{
		AIProvider:        "local",
		AIModel:           "llama3",
		AIEmbeddingModel:  "nomic-embed-text",
		AIBaseURL:         "http://localhost:11434/v1",
		WhisperModel:      "small",
		ContextCharBudget: 8000,
	}
}

// Registry holds the current Snapshot behind a sync.RWMutex (which is not
// re-entrant) and rebuilds it from process defaults, environment overrides
// (via viper), and the database's settings table, in that
// ascending-precedence order.
type Registry struct {
	mu      sync.RWMutex
	current Snapshot
	version atomic.Uint64

	v *viper.Viper
	s *store.Store
}

// NewRegistry builds a Registry bound to s and loads the initial snapshot.
func NewRegistry(ctx context.Context, s *store.Store) (*Registry, error) {
	v := viper.New()
	v.SetEnvPrefix("THINK")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	d := defaults()
	v.SetDefault("ai_provider", d.AIProvider)
	v.SetDefault("ai_model", d.AIModel)
	v.SetDefault("ai_embedding_model", d.AIEmbeddingModel)
	v.SetDefault("ai_base_url", d.AIBaseURL)
	v.SetDefault("whisper_model", d.WhisperModel)
	v.SetDefault("context_char_budget", d.ContextCharBudget)

	r := &Registry{v: v, s: s}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload takes the registry's write lock, rebuilds the snapshot from
// defaults + env + the database's settings table, and bumps Version so
// dependents relying on GetWithVersion know to invalidate derived caches.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.s.DB().QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return fmt.Errorf("settings: load overrides: %w", err)
	}
	defer rows.Close()

	overrides := map[string]string{}
	for rows.Next() {
		var k, val string
		if err := rows.Scan(&k, &val); err != nil {
			return fmt.Errorf("settings: scan override: %w", err)
		}
		overrides[k] = val
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for k, val := range overrides {
		r.v.Set(k, val)
	}

	snap := Snapshot{
		Version:           r.version.Add(1),
		AIProvider:        r.v.GetString("ai_provider"),
		AIModel:           r.v.GetString("ai_model"),
		AIEmbeddingModel:  r.v.GetString("ai_embedding_model"),
		AIBaseURL:         r.v.GetString("ai_base_url"),
		WhisperModel:      r.v.GetString("whisper_model"),
		ContextCharBudget: r.v.GetInt("context_char_budget"),
	}
	r.current = snap
	return nil
}

// Get returns the current snapshot.
func (r *Registry) Get() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// GetWithVersion is an alias of Get kept to mirror the spec's
// get_settings_with_version naming for callers that care about the
// versioning contract explicitly.
func (r *Registry) GetWithVersion() Snapshot { return r.Get() }

// Set persists a single setting override to the database and reloads the
// snapshot so the change takes effect immediately.
func (r *Registry) Set(ctx context.Context, key, value string) error {
	err := r.s.RunBlocking(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value)
		return err
	})
	if err != nil {
		return fmt.Errorf("settings: persist %q: %w", key, err)
	}
	return r.Reload(ctx)
}

// secretKey is the settings-table key convention for a provider's API key.
func secretKey(provider string) string {
	return "api_key_" + provider
}

// SetSecret stores provider's API key. Secrets share the settings table
// (the spec keys them as api_key_<provider>) rather than a separate table,
// since both are small, encrypted-at-rest (the whole database is
// SQLCipher-encrypted) key/value pairs.
func (r *Registry) SetSecret(ctx context.Context, provider, apiKey string) error {
	return r.s.RunBlocking(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			secretKey(provider), apiKey)
		return err
	})
}

// GetSecret returns provider's API key, or ("", false) if unset.
func (r *Registry) GetSecret(ctx context.Context, provider string) (string, bool, error) {
	var value string
	err := r.s.DB().QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, secretKey(provider)).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("settings: read secret for %q: %w", provider, err)
	}
	return value, true, nil
}

// DeleteSecret removes provider's stored API key, if any.
func (r *Registry) DeleteSecret(ctx context.Context, provider string) error {
	return r.s.RunBlocking(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, secretKey(provider))
		return err
	})
}
