package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// FingerReplyMode selects what fix-fingers does with a resolved finger.
type FingerReplyMode string

const (
	// FingerReplyFinger stores the result in the probed slot (slot 63 is left to the predecessor).
	FingerReplyFinger FingerReplyMode = "finger"

	// FingerReplySuccessor delivers the result as a FindSuccessorReply, which overwrites the successor.
	FingerReplySuccessor FingerReplyMode = "successor"

	// FingerReplyDiscard only logs the result.
	FingerReplyDiscard FingerReplyMode = "discard"
)

// DefaultMaintenanceInterval is the period of the stabilize/fix-fingers/check-predecessor cycle.
const DefaultMaintenanceInterval = 150 * time.Millisecond

// Config holds all configuration for a Chord peer
type Config struct {
	// Peer identification
	Host string
	Port int

	// Status surfaces (0 disables)
	HTTPPort  int
	AdminPort int

	// Seed peer (host:port) to join; empty starts a new ring
	Seed string

	// LocalPeers > 1 runs that many peers on consecutive ports in one process
	LocalPeers int

	// Chord parameters
	MaintenanceInterval time.Duration   // How often to run the maintenance cycle
	RPCTimeout          time.Duration   // Timeout for each dial/send/receive exchange
	FingerReplyMode     FingerReplyMode // What fix-fingers does with its result

	// Transport tuning
	AcceptMultiplier int // Outstanding accept loops per CPU
	SmallMessageSize int // Frames up to this size use pooled buffers

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
	LogFile   string // optional rotating log file
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:                "127.0.0.1",
		Port:                8000,
		HTTPPort:            0,
		AdminPort:           0,
		LocalPeers:          1,
		MaintenanceInterval: DefaultMaintenanceInterval,
		RPCTimeout:          4 * DefaultMaintenanceInterval,
		FingerReplyMode:     FingerReplyFinger,
		AcceptMultiplier:    2,
		SmallMessageSize:    10 * 1024,
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

// Address returns the peer's "host:port".
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		return fmt.Errorf("invalid admin port: %d", c.AdminPort)
	}
	if c.LocalPeers < 1 || c.Port+c.LocalPeers-1 > 65535 {
		return fmt.Errorf("invalid local peer count %d for base port %d", c.LocalPeers, c.Port)
	}
	if c.Seed != "" {
		if _, _, err := net.SplitHostPort(c.Seed); err != nil {
			return fmt.Errorf("invalid seed address %q: %w", c.Seed, err)
		}
	}
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("maintenance interval must be positive, got %s", c.MaintenanceInterval)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive, got %s", c.RPCTimeout)
	}
	switch c.FingerReplyMode {
	case FingerReplyFinger, FingerReplySuccessor, FingerReplyDiscard:
	default:
		return fmt.Errorf("unknown finger reply mode %q", c.FingerReplyMode)
	}
	if c.AcceptMultiplier < 1 {
		return fmt.Errorf("accept multiplier must be at least 1, got %d", c.AcceptMultiplier)
	}
	// the length prefix plus at least one body byte must fit
	if c.SmallMessageSize < 3 || c.SmallMessageSize > 2+65535 {
		return fmt.Errorf("small message size must be between 3 and %d, got %d", 2+65535, c.SmallMessageSize)
	}
	return nil
}

// ForPeer returns a copy of c for the i-th local peer (port offset i, no seed).
func (c *Config) ForPeer(i int) *Config {
	cp := *c
	cp.Port = c.Port + i
	cp.LocalPeers = 1
	return &cp
}
