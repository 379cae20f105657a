package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 0.85, cfg.SimilarityThreshold)
	assert.Equal(t, 0.70, cfg.LowConfidenceThreshold)
	assert.Equal(t, 5, cfg.TopK)
	assert.Equal(t, 3, cfg.RecurringThreshold)
	assert.Equal(t, 384, cfg.VectorDimension)
	assert.Equal(t, 50, cfg.MinDescriptionLength)
	assert.True(t, cfg.RequireReproSteps)
	assert.False(t, cfg.RequireLogs)
	assert.True(t, cfg.CrossRegionEnabled)
	assert.Equal(t, []string{"US", "EU", "APAC"}, cfg.SupportedRegions)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BUGSIFT_PORT", "9191")
	t.Setenv("SIMILARITY_THRESHOLD", "0.9")
	t.Setenv("LOW_CONFIDENCE_THRESHOLD", "0.6")
	t.Setenv("SUPPORTED_REGIONS", "US, EU")
	t.Setenv("BUGSIFT_JWT_EXPIRATION", "1h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Port)
	assert.Equal(t, 0.9, cfg.SimilarityThreshold)
	assert.Equal(t, 0.6, cfg.LowConfidenceThreshold)
	assert.Equal(t, []string{"US", "EU"}, cfg.SupportedRegions)
	assert.Equal(t, time.Hour, cfg.JWTExpiration)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("BUGSIFT_PORT", "not-a-port")
	t.Setenv("SIMILARITY_THRESHOLD", "ninety percent")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 0.85, cfg.SimilarityThreshold)
}

func TestValidate(t *testing.T) {
	valid := Config{
		DatabaseURL:            "postgres://localhost/bugsift",
		VectorDimension:        384,
		SimilarityThreshold:    0.85,
		LowConfidenceThreshold: 0.70,
		TopK:                   5,
		RecurringThreshold:     3,
		MaxRequestBodyBytes:    1 << 20,
		IndexPath:              "data/bugsift",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }},
		{"zero dimension", func(c *Config) { c.VectorDimension = 0 }},
		{"threshold above one", func(c *Config) { c.SimilarityThreshold = 1.5 }},
		{"low threshold above high", func(c *Config) { c.LowConfidenceThreshold = 0.9 }},
		{"zero topk", func(c *Config) { c.TopK = 0 }},
		{"zero recurring threshold", func(c *Config) { c.RecurringThreshold = 0 }},
		{"zero body limit", func(c *Config) { c.MaxRequestBodyBytes = 0 }},
		{"missing index path", func(c *Config) { c.IndexPath = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvListTrimsAndFallsBack(t *testing.T) {
	t.Setenv("TEST_REGIONS", " US , , EU ")
	assert.Equal(t, []string{"US", "EU"}, envList("TEST_REGIONS", nil))

	t.Setenv("TEST_REGIONS_EMPTY", " , ,")
	assert.Equal(t, []string{"APAC"}, envList("TEST_REGIONS_EMPTY", []string{"APAC"}))
}
