package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEnv(t *testing.T) {
	tests := []struct {
		in   string
		want Environment
	}{
		{"prod", EnvProduction},
		{"production", EnvProduction},
		{"PROD", EnvProduction},
		{"test", EnvTest},
		{"dev", EnvDevelopment},
		{"", EnvDevelopment},
		{"whatever", EnvDevelopment},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseEnv(tt.in), "parseEnv(%q)", tt.in)
	}
}

func TestGetEnvFallback(t *testing.T) {
	t.Setenv("RENTALPS_TEST_KEY", "set")
	assert.Equal(t, "set", getEnv("RENTALPS_TEST_KEY", "fallback"))
	assert.Equal(t, "fallback", getEnv("RENTALPS_TEST_KEY_MISSING", "fallback"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := loadYAMLConfig(EnvDevelopment)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.NotEmpty(t, cfg.Server.Port)
	assert.False(t, cfg.Redis.Enabled)
}
