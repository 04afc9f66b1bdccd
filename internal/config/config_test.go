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

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.True(t, cfg.Server.PublicReads)
	assert.Equal(t, "Asia/Yekaterinburg", cfg.Location().String())
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Store.Path, cfg.Store.Path)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("sync:\n  interval: 1m\nmapping:\n  status_codes:\n    331: Down\n"))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, "Down", cfg.Mapping.StatusCodes[331])
	assert.Equal(t, "sqlserver", cfg.Source.Driver)
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad timezone", "site:\n  timezone: Mars/Olympus\n", "config.site.timezone"},
		{"zero interval", "sync:\n  interval: 0s\n", "config.sync.interval failed gt validation"},
		{"unknown status", "mapping:\n  status_codes:\n    7: Broken\n", `unknown status "Broken"`},
		{"base path", "server:\n  base_path: v1\n", "config.server.base_path must start with /"},
		{"lock ttl", "sync:\n  lock:\n    redis_addr: 127.0.0.1:6379\n    ttl: 0s\n", "config.sync.lock.ttl"},
		{"charset", "source:\n  legacy_charset: koi8-r\n", "config.source.legacy_charset failed oneof validation"},
		{"webhook url", "webhooks:\n  - url: not a url\n", "config.webhooks[0].url failed url validation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestToYAMLMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Source.DSN = "sqlserver://sa:hunter2@db"
	cfg.Auth.JWTSecret = "jwt-secret"
	cfg.Webhooks = []WebhookConfig{{URL: "https://hooks.example/fw", Secret: "hook-secret"}}

	data, err := cfg.ToYAML()
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "jwt-secret")
	assert.NotContains(t, out, "hook-secret")
	assert.Equal(t, "hook-secret", cfg.Webhooks[0].Secret, "original is untouched")

	var back Config
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, "***", back.Source.DSN)
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetwatch.yml")
	require.NoError(t, os.WriteFile(path, []byte("site:\n  name: north-pit\n  timezone: UTC\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "north-pit", cfg.Site.Name)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestYAMLPath(t *testing.T) {
	assert.Equal(t, "sync.lock.redis_addr", yamlPath("Config.Sync.Lock.RedisAddr"))
	assert.Equal(t, "source.dsn", yamlPath("Config.Source.DSN"))
	assert.Equal(t, "webhooks[0].url", yamlPath("Config.Webhooks[0].URL"))
}
