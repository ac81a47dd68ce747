package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfigFile(t *testing.T, doc map[string]interface{}) string {
	t.Helper()

	data, err := yaml.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "driftfs.yaml")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func minimalDoc() map[string]interface{} {
	return map[string]interface{}{
		"mount": map[string]interface{}{
			"path":    "/mnt/drift",
			"storage": "/var/lib/driftfs",
		},
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, minimalDoc()))
	require.NoError(t, err)

	assert.Equal(t, "/mnt/drift", cfg.Mount.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 256, cfg.Cache.MaxSizeMB)
	assert.Equal(t, 4096, cfg.Cache.MaxEntries)
	assert.False(t, cfg.Sync.Enabled)
	assert.Equal(t, "none", cfg.Cloud.Backend)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.RetryInterval)
	assert.Equal(t, "last_writer_wins", cfg.Sync.ConflictPolicy)
	assert.Equal(t, "badger", cfg.Metadata.Backend)
	assert.Equal(t, "filesystem", cfg.Content.Backend)
	assert.Equal(t, 10*time.Minute, cfg.GC.Interval)
}

func TestLoadFullFile(t *testing.T) {
	doc := minimalDoc()
	doc["logging"] = map[string]interface{}{"level": "debug", "output": "stdout"}
	doc["cache"] = map[string]interface{}{"enabled": false}
	doc["sync"] = map[string]interface{}{
		"enabled":         true,
		"workers":         8,
		"max_retries":     3,
		"retry_interval":  "2s",
		"conflict_policy": "manual",
	}
	doc["cloud"] = map[string]interface{}{
		"backend": "s3",
		"options": map[string]interface{}{
			"bucket": "drift-backups",
			"region": "eu-west-1",
		},
	}
	doc["content"] = map[string]interface{}{
		"backend": "filesystem",
		"encryption": map[string]interface{}{
			"enabled":    true,
			"passphrase": "hunter2",
		},
	}

	cfg, err := Load(writeConfigFile(t, doc))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Cache.Enabled)
	assert.True(t, cfg.Sync.Enabled)
	assert.Equal(t, 8, cfg.Sync.Workers)
	assert.Equal(t, 2*time.Second, cfg.Sync.RetryInterval)
	assert.Equal(t, "manual", cfg.Sync.ConflictPolicy)
	assert.Equal(t, "s3", cfg.Cloud.Backend)
	assert.Equal(t, "drift-backups", cfg.Cloud.Options["bucket"])
	assert.True(t, cfg.Content.Encryption.Enabled)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("DRIFTFS_LOGGING_LEVEL", "error")
	t.Setenv("DRIFTFS_SYNC_WORKERS", "16")

	cfg, err := Load(writeConfigFile(t, minimalDoc()))
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, 16, cfg.Sync.Workers)
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(doc map[string]interface{})
		wantMsg string
	}{
		{
			name: "missing mount path",
			mutate: func(doc map[string]interface{}) {
				doc["mount"] = map[string]interface{}{"storage": "/var/lib/driftfs"}
			},
			wantMsg: "mount.path is required",
		},
		{
			name: "bad log level",
			mutate: func(doc map[string]interface{}) {
				doc["logging"] = map[string]interface{}{"level": "verbose", "output": "stderr"}
			},
			wantMsg: "logging.level must be one of",
		},
		{
			name: "bad conflict policy",
			mutate: func(doc map[string]interface{}) {
				doc["sync"] = map[string]interface{}{"conflict_policy": "coin_flip"}
			},
			wantMsg: "conflict_policy must be one of",
		},
		{
			name: "too many workers",
			mutate: func(doc map[string]interface{}) {
				doc["sync"] = map[string]interface{}{"workers": 500}
			},
			wantMsg: "workers must be at most",
		},
		{
			name: "sync without remote",
			mutate: func(doc map[string]interface{}) {
				doc["sync"] = map[string]interface{}{"enabled": true}
			},
			wantMsg: "requires a cloud backend",
		},
		{
			name: "encryption without passphrase",
			mutate: func(doc map[string]interface{}) {
				doc["content"] = map[string]interface{}{
					"backend":    "filesystem",
					"encryption": map[string]interface{}{"enabled": true},
				}
			},
			wantMsg: "passphrase",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := minimalDoc()
			tt.mutate(doc)
			_, err := Load(writeConfigFile(t, doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestConfigureLogging(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		require.NoError(t, ConfigureLogging(LoggingConfig{Level: level, Output: "stderr"}))
	}

	logFile := filepath.Join(t.TempDir(), "driftfs.log")
	require.NoError(t, ConfigureLogging(LoggingConfig{Level: "debug", Output: logFile}))
	_, err := os.Stat(logFile)
	assert.NoError(t, err)

	// Put the process logger back where the other tests expect it.
	require.NoError(t, ConfigureLogging(LoggingConfig{Level: "info", Output: "stderr"}))
}

func TestFactoriesMemoryBackends(t *testing.T) {
	doc := minimalDoc()
	doc["metadata"] = map[string]interface{}{"backend": "memory"}
	doc["content"] = map[string]interface{}{"backend": "memory"}
	doc["cloud"] = map[string]interface{}{"backend": "memory"}

	cfg, err := Load(writeConfigFile(t, doc))
	require.NoError(t, err)

	meta, err := NewMetadataStore(t.Context(), cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, meta.Close()) }()

	blobs, err := NewBlobStore(cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, blobs.Close()) }()

	remote, err := NewCloudClient(t.Context(), cfg)
	require.NoError(t, err)
	require.NotNil(t, remote)

	c := NewCache(cfg)
	require.NotNil(t, c)

	coord := NewSyncCoordinator(cfg, meta, blobs, remote)
	assert.Nil(t, coord, "sync disabled by default")

	collector := NewCollector(cfg, meta, blobs)
	require.NotNil(t, collector)
}

func TestCacheDisabledFactory(t *testing.T) {
	doc := minimalDoc()
	doc["cache"] = map[string]interface{}{"enabled": false}

	cfg, err := Load(writeConfigFile(t, doc))
	require.NoError(t, err)
	assert.Nil(t, NewCache(cfg))
}
