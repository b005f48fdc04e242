// Package circuitbreaker tracks the health of downstream services and gates
// whether calls to them are attempted. It implements a three-state breaker
// (Closed, Open, HalfOpen) per service, kept in a shared registry.
package circuitbreaker

import (
	"time"
)

// Config holds configuration shared by all breakers in a registry.
type Config struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold uint32

	// OpenDuration is how long the circuit stays open before probe calls
	// are admitted again.
	OpenDuration time.Duration

	// HalfOpenSuccesses is the number of consecutive successful probes
	// needed to close the circuit from half-open.
	HalfOpenSuccesses uint32
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		OpenDuration:      30 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// Validate normalizes out-of-range values back to defaults.
func (c *Config) Validate() error {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.OpenDuration < time.Millisecond {
		c.OpenDuration = 30 * time.Second
	}
	if c.HalfOpenSuccesses < 1 {
		c.HalfOpenSuccesses = 2
	}
	return nil
}

// WithFailureThreshold sets the failure threshold.
func (c Config) WithFailureThreshold(n uint32) Config {
	c.FailureThreshold = n
	return c
}

// WithOpenDuration sets the open duration.
func (c Config) WithOpenDuration(d time.Duration) Config {
	c.OpenDuration = d
	return c
}

// WithHalfOpenSuccesses sets the half-open success requirement.
func (c Config) WithHalfOpenSuccesses(n uint32) Config {
	c.HalfOpenSuccesses = n
	return c
}
