package remediation

import (
	"fmt"
	"time"
)

// Config is the remediation part of a pass configuration snapshot.
type Config struct {
	// AutoRemediationEnabled is the global kill-switch. When false no action
	// is planned and no notification is sent.
	AutoRemediationEnabled bool

	// MaxRetries caps the number of apply attempts per action.
	MaxRetries int

	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration

	// ApplyRatePerSecond throttles adapter calls per provider. Zero disables
	// throttling.
	ApplyRatePerSecond float64

	// ApplyBurst is the limiter burst size.
	ApplyBurst int

	// FlapThreshold is the number of prior successful applications of the
	// same action at which the engine stops acting and asks for a human.
	FlapThreshold int

	// MaxConcurrentActions bounds parallel actions within one execution.
	MaxConcurrentActions int
}

// DefaultConfig returns the default remediation configuration.
func DefaultConfig() Config {
	return Config{
		AutoRemediationEnabled: true,
		MaxRetries:             5,
		InitialBackoff:         500 * time.Millisecond,
		MaxBackoff:             30 * time.Second,
		ApplyRatePerSecond:     5,
		ApplyBurst:             5,
		FlapThreshold:          3,
		MaxConcurrentActions:   4,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("backoff intervals must not be negative")
	}
	if c.MaxBackoff > 0 && c.InitialBackoff > c.MaxBackoff {
		return fmt.Errorf("initial backoff %s exceeds max backoff %s", c.InitialBackoff, c.MaxBackoff)
	}
	if c.ApplyRatePerSecond < 0 {
		return fmt.Errorf("apply rate must not be negative")
	}
	if c.FlapThreshold < 1 {
		return fmt.Errorf("flap threshold must be at least 1, got %d", c.FlapThreshold)
	}
	return nil
}

func (c Config) concurrency() int {
	if c.MaxConcurrentActions < 1 {
		return 1
	}
	return c.MaxConcurrentActions
}
