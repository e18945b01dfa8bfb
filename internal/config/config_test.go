package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)
	assert.Equal(t, 150*time.Millisecond, cfg.MaintenanceInterval)
	assert.Equal(t, 600*time.Millisecond, cfg.RPCTimeout)
	assert.Equal(t, FingerReplyFinger, cfg.FingerReplyMode)
	assert.Equal(t, 10*1024, cfg.SmallMessageSize)
	assert.Equal(t, "127.0.0.1:8000", cfg.Address())
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "empty host",
			mutate:  func(c *Config) { c.Host = "" },
			wantErr: "host cannot be empty",
		},
		{
			name:    "invalid port (negative)",
			mutate:  func(c *Config) { c.Port = -1 },
			wantErr: "invalid port",
		},
		{
			name:    "invalid port (too large)",
			mutate:  func(c *Config) { c.Port = 70000 },
			wantErr: "invalid port",
		},
		{
			name:    "invalid HTTP port",
			mutate:  func(c *Config) { c.HTTPPort = -1 },
			wantErr: "invalid HTTP port",
		},
		{
			name:    "invalid admin port",
			mutate:  func(c *Config) { c.AdminPort = 65536 },
			wantErr: "invalid admin port",
		},
		{
			name:    "local peers overflow port range",
			mutate:  func(c *Config) { c.Port = 65535; c.LocalPeers = 2 },
			wantErr: "invalid local peer count",
		},
		{
			name:    "zero local peers",
			mutate:  func(c *Config) { c.LocalPeers = 0 },
			wantErr: "invalid local peer count",
		},
		{
			name:    "seed without port",
			mutate:  func(c *Config) { c.Seed = "127.0.0.1" },
			wantErr: "invalid seed address",
		},
		{
			name:   "seed with port",
			mutate: func(c *Config) { c.Seed = "127.0.0.1:8001" },
		},
		{
			name:    "zero maintenance interval",
			mutate:  func(c *Config) { c.MaintenanceInterval = 0 },
			wantErr: "maintenance interval",
		},
		{
			name:    "zero RPC timeout",
			mutate:  func(c *Config) { c.RPCTimeout = 0 },
			wantErr: "RPC timeout",
		},
		{
			name:    "unknown finger reply mode",
			mutate:  func(c *Config) { c.FingerReplyMode = "random" },
			wantErr: "unknown finger reply mode",
		},
		{
			name:   "successor finger reply mode",
			mutate: func(c *Config) { c.FingerReplyMode = FingerReplySuccessor },
		},
		{
			name:    "zero accept multiplier",
			mutate:  func(c *Config) { c.AcceptMultiplier = 0 },
			wantErr: "accept multiplier",
		},
		{
			name:    "small message size beyond frame limit",
			mutate:  func(c *Config) { c.SmallMessageSize = 70000 },
			wantErr: "small message size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ForPeer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalPeers = 5

	peer := cfg.ForPeer(3)
	assert.Equal(t, 8003, peer.Port)
	assert.Equal(t, 1, peer.LocalPeers)
	assert.Equal(t, 5, cfg.LocalPeers, "original must be untouched")
	assert.NoError(t, peer.Validate())
}
