package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		DB:      DB{DatabaseURL: "postgres://localhost/test"},
		Payment: Payment{ReceivingAccountNumber: "09171234567", OrderTTLMinutes: 30},
		Verification: Verification{
			Workers:            2,
			MaxAttempts:        3,
			BackoffBaseSeconds: 10,
			BackoffMaxSeconds:  60,
			StepTimeoutSeconds: 30,
			ClaimLeaseSeconds:  300,
		},
		Fraud: Fraud{
			HighWeight:            40,
			MediumWeight:          20,
			TimestampWeight:       15,
			LowWeight:             10,
			ReviewThreshold:       30,
			RejectThreshold:       70,
			ConfidenceFloor:       60,
			ReceiverMinSimilarity: 80,
			VelocityLimit:         5,
			VelocityWindowMinutes: 60,
			MinWidth:              320,
			MaxWidth:              2160,
			MinHeight:             480,
			MaxHeight:             4096,
		},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing database url", func(c *Config) { c.DB.DatabaseURL = "" }},
		{"inverted bands", func(c *Config) { c.Fraud.ReviewThreshold = 80 }},
		{"zero weight", func(c *Config) { c.Fraud.LowWeight = 0 }},
		{"no attempts", func(c *Config) { c.Verification.MaxAttempts = 0 }},
		{"confidence floor out of range", func(c *Config) { c.Fraud.ConfidenceFloor = 101 }},
		{"backoff max below base", func(c *Config) { c.Verification.BackoffMaxSeconds = 5 }},
		{"inverted dimensions", func(c *Config) { c.Fraud.MinWidth = 5000 }},
		{"zero step timeout", func(c *Config) { c.Verification.StepTimeoutSeconds = 0 }},
		{"lease shorter than a run", func(c *Config) { c.Verification.ClaimLeaseSeconds = 60 }},
		{"lease equal to two steps plus slack", func(c *Config) { c.Verification.ClaimLeaseSeconds = 90 }},
		{"step timeout outgrows lease", func(c *Config) { c.Verification.StepTimeoutSeconds = 150 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
