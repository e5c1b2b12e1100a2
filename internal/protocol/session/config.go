package session

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Backoff spaces out controller reconnect attempts.
type Backoff struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Delay returns the wait before attempt (1-based). With jitter the delay is
// scaled into [0.5, 1.5) of the nominal value; a nil rng scales by 0.5.
func (b Backoff) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := math.Max(b.Multiplier, 1)
	delay := float64(b.InitialDelay)
	if attempt > 1 {
		delay *= math.Pow(mult, float64(attempt-1))
	}
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	if b.Jitter && attempt > 1 {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// Config holds the node<->controller link timings.
type Config struct {
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	SessionDeadAfter  time.Duration
	// AckTimeout bounds how long a notice waits for its ack before resend.
	AckTimeout time.Duration
	Backoff    Backoff
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		SessionDeadAfter:  15 * time.Second,
		AckTimeout:        20 * time.Second,
		Backoff: Backoff{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// Validate rejects timings under which a healthy link would be torn down.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("session: heartbeat interval must be positive")
	}
	if c.ReadTimeout > 0 && c.HeartbeatInterval >= c.ReadTimeout {
		return fmt.Errorf("session: heartbeat interval %s must be below read timeout %s", c.HeartbeatInterval, c.ReadTimeout)
	}
	if c.SessionDeadAfter > 0 && c.HeartbeatInterval >= c.SessionDeadAfter {
		return fmt.Errorf("session: heartbeat interval %s must be below dead-after %s", c.HeartbeatInterval, c.SessionDeadAfter)
	}
	if c.Backoff.MaxDelay > 0 && c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return fmt.Errorf("session: backoff max %s below initial %s", c.Backoff.MaxDelay, c.Backoff.InitialDelay)
	}
	return nil
}
