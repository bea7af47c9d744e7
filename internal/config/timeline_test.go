package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTimelineConfigDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	holder, err := NewTimelineConfigHolder(Config{}, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, DefaultTimelineConfig().PageSize, cfg.PageSize)
	assert.Contains(t, cfg.SystemActors, "system")
	assert.Equal(t, 5*time.Second, cfg.ConfirmRetryDelay)
}

func TestTimelineConfigReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "timeline.yml")
	body := []byte(`timeline:
  pageSize: 25
  systemActors: ["robot"]
  notePlaceholders: ["placeholder"]
  documentPrefixes: ["file attached:"]
  confirmRetryDelay: 2s
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	holder, err := NewTimelineConfigHolder(Config{TimelineConfig: path}, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 25, cfg.PageSize)
	assert.Equal(t, []string{"robot"}, cfg.SystemActors)
	assert.Equal(t, []string{"placeholder"}, cfg.NotePlaceholders)
	assert.Equal(t, []string{"file attached:"}, cfg.DocumentPrefixes)
	assert.Equal(t, 2*time.Second, cfg.ConfirmRetryDelay)
}

func TestTimelineConfigRejectsInvalidPageSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "timeline.yml")
	require.NoError(t, os.WriteFile(path, []byte("timeline:\n  pageSize: 0\n"), 0o600))

	_, err := NewTimelineConfigHolder(Config{TimelineConfig: path}, zap.NewNop())
	assert.Error(t, err)
}

func TestLoadNormalizesBackend(t *testing.T) {
	t.Setenv("RECORD_STORE_BACKEND", " HTTP ")
	t.Setenv("RECORD_STORE_URL", "https://records.example.com/")
	t.Setenv("MUTATION_LOCK_TTL", "not-a-duration")

	cfg := Load()
	if cfg.RecordStore.Backend != RecordStoreHTTP {
		t.Fatalf("expected backend %q, got %q", RecordStoreHTTP, cfg.RecordStore.Backend)
	}
	if cfg.RecordStore.BaseURL != "https://records.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.RecordStore.BaseURL)
	}
	if cfg.Redis.LockTTL != 30*time.Second {
		t.Fatalf("expected default lock ttl, got %s", cfg.Redis.LockTTL)
	}
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := Config{ViewerTimezone: "Not/AZone"}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC fallback")
	}
}
