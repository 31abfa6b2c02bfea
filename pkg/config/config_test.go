package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *LoaderConfig)
		wantError bool
	}{
		{name: "defaults", mutate: func(c *LoaderConfig) {}},
		{name: "missing name", mutate: func(c *LoaderConfig) { c.Name = "" }, wantError: true},
		{name: "zero part workers", mutate: func(c *LoaderConfig) { c.Pipeline.NumPartWorkers = 0 }, wantError: true},
		{name: "object smaller than part", mutate: func(c *LoaderConfig) { c.Pipeline.MaxObjectSizeBytes = 1 }, wantError: true},
		{name: "s3 without bucket", mutate: func(c *LoaderConfig) { c.Storage.Type = StorageS3 }, wantError: true},
		{name: "blob without url", mutate: func(c *LoaderConfig) { c.Storage.Type = StorageBlob }, wantError: true},
		{name: "unknown storage", mutate: func(c *LoaderConfig) { c.Storage.Type = "ftp" }, wantError: true},
		{name: "unknown format", mutate: func(c *LoaderConfig) { c.Format.Type = "xml" }, wantError: true},
		{name: "queue ratios too large", mutate: func(c *LoaderConfig) { c.Memory.PartQueueRatio = 0.9 }, wantError: true},
		{name: "explicit budget skips system ratio", mutate: func(c *LoaderConfig) {
			c.Memory.TotalBytes = 1 << 30
			c.Memory.SystemMemoryRatio = 0
		}},
		{name: "postgres dlq without dsn", mutate: func(c *LoaderConfig) {
			c.DLQ.Enabled = true
			c.DLQ.Type = "postgres"
		}, wantError: true},
		{name: "validating dlq", mutate: func(c *LoaderConfig) { c.DLQ.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewLoaderConfig("test")
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad_SubstitutesEnvironment(t *testing.T) {
	t.Setenv("LOADER_TEST_BUCKET", "landing")

	path := filepath.Join(t.TempDir(), "loader.yaml")
	content := `
name: users
storage:
  type: s3
  bucket: ${LOADER_TEST_BUCKET}
  region: ${LOADER_TEST_REGION:-eu-west-1}
pipeline:
  max_object_age: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "users", cfg.Name)
	assert.Equal(t, "landing", cfg.Storage.Bucket)
	assert.Equal(t, "eu-west-1", cfg.Storage.Region)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.MaxObjectAge)
	// Untouched sections keep their defaults
	assert.Equal(t, int64(10*1024*1024), cfg.Pipeline.PartSizeBytes)
	assert.NoError(t, cfg.Validate())
}
