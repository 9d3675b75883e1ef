package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Type)
	assert.Equal(t, 5, cfg.Signing.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Reconstruction.SigningSecretTTL)
	assert.Equal(t, 30*time.Minute, cfg.Reconstruction.DefaultSecretTTL)
	assert.Equal(t, 0.5, cfg.Resilience.WarningFraction)
	assert.Equal(t, 0.75, cfg.Resilience.EmergencyFraction)
	assert.Equal(t, 72*time.Hour, cfg.Resilience.EmergencyDelay)
	assert.Equal(t, 1, cfg.Resilience.MinimumQuorum)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardian.yaml")
	body := `
database:
  type: badger
  badger_path: /var/lib/guardian
signing:
  session_ttl: 10m
guardians:
  alice: 10.0.0.1:7070
  bob: 10.0.0.2:7070
publication:
  endpoints: ["relay-1:7000"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("GUARDIAN_LOGGER_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Database.Type)
	assert.Equal(t, "/var/lib/guardian", cfg.Database.BadgerPath)
	assert.Equal(t, 10*time.Minute, cfg.Signing.SessionTTL)
	assert.Equal(t, "10.0.0.2:7070", cfg.Guardians["bob"])
	assert.Equal(t, []string{"relay-1:7000"}, cfg.Publication.Endpoints)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestValidate(t *testing.T) {
	base, err := LoadConfig("")
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"unknown database":      func(c *Config) { c.Database.Type = "sqlite" },
		"warning after emerg":   func(c *Config) { c.Resilience.WarningFraction = 0.8 },
		"fraction out of range": func(c *Config) { c.Resilience.EmergencyFraction = 1 },
		"zero attempts":         func(c *Config) { c.Signing.MaxAttempts = 0 },
		"zero session ttl":      func(c *Config) { c.Signing.SessionTTL = 0 },
		"zero quorum":           func(c *Config) { c.Resilience.MinimumQuorum = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
