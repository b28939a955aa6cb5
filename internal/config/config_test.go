package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
sync:
  tables:
    - name: clients
      natural_key: name
remote:
  host: db.example.com
  database: books
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "local-wins", cfg.Sync.ConflictPolicy)
	assert.Equal(t, 3, cfg.Sync.RetryCeiling)
	assert.Equal(t, 60*time.Second, cfg.Sync.GetConflictSkew())
	assert.Equal(t, 500*time.Millisecond, cfg.Realtime.GetDebounceWindow())
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 5, cfg.Backup.Retention)
	assert.Equal(t, 8744, cfg.Server.Port)
	assert.Equal(t, "db.example.com", cfg.Remote.Host)
}

func TestLoadConfigParsesTables(t *testing.T) {
	path := writeConfig(t, `
sync:
  conflict_policy: merge
  tables:
    - name: clients
      natural_key: name
      dependency_rank: 0
      significant_fields: [name, email]
    - name: invoices
      dependency_rank: 2
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Sync.Tables, 2)
	assert.Equal(t, "name", cfg.Sync.Tables[0].NaturalKey)
	assert.Equal(t, []string{"name", "email"}, cfg.Sync.Tables[0].SignificantFields)
	assert.Equal(t, 2, cfg.Sync.Tables[1].DependencyRank)
	assert.Equal(t, "merge", cfg.Sync.ConflictPolicy)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no tables", `sync: {conflict_policy: local-wins}`},
		{"duplicate table", `
sync:
  tables:
    - name: clients
    - name: clients
`},
		{"bad policy", `
sync:
  conflict_policy: newest-wins
  tables:
    - name: clients
`},
		{"zero retry ceiling", `
sync:
  retry_ceiling: 0
  tables:
    - name: clients
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestDurationFallbacks(t *testing.T) {
	s := SyncConfig{ConflictSkew: "not-a-duration"}
	assert.Equal(t, 60*time.Second, s.GetConflictSkew())

	r := RemoteConfig{PingTimeout: "2s"}
	assert.Equal(t, 2*time.Second, r.GetPingTimeout())
}
