package lib

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Pseudo-Socket/link"
)

// RedialConfig controls ConnectWithRetry.
type RedialConfig struct {
	MaxRetries        int           // Maximum additional attempts (-1 for infinite)
	InitialBackoff    time.Duration // Delay before the first retry
	MaxBackoff        time.Duration // Backoff cap
	BackoffMultiplier float64       // Exponential backoff multiplier (e.g., 2.0)
	OnRetry           func(attempt int, err error)
}

// DefaultRedialConfig returns a conservative retry policy.
func DefaultRedialConfig() *RedialConfig {
	return &RedialConfig{
		MaxRetries:        5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// BackoffDuration calculates the delay before retry number retryCount (0-based).
func BackoffDuration(retryCount int, initialBackoff, maxBackoff time.Duration, multiplier float64) time.Duration {
	backoff := time.Duration(float64(initialBackoff) * math.Pow(multiplier, float64(retryCount)))
	if backoff > maxBackoff || backoff < 0 {
		backoff = maxBackoff
	}
	return backoff
}

// ConnectWithRetry calls ConnectContext until it succeeds, the retry budget
// runs out, or ctx ends. Only failed handshakes are retried.
func (c *Core) ConnectWithRetry(ctx context.Context, remote link.Addr, cfg *ConnectionConfig, rcfg *RedialConfig) (*Connection, error) {
	if rcfg == nil {
		rcfg = DefaultRedialConfig()
	}
	for attempt := 0; ; attempt++ {
		conn, err := c.ConnectContext(ctx, remote, cfg)
		if err == nil {
			return conn, nil
		}
		if !errors.Is(err, ErrConnectTimeout) {
			return nil, err
		}
		if rcfg.MaxRetries != -1 && attempt >= rcfg.MaxRetries {
			return nil, errors.Wrapf(err, "giving up after %d attempts", attempt+1)
		}
		if rcfg.OnRetry != nil {
			rcfg.OnRetry(attempt+1, err)
		}

		backoff := BackoffDuration(attempt, rcfg.InitialBackoff, rcfg.MaxBackoff, rcfg.BackoffMultiplier)
		log.WithField("remote", remote.String()).Infof("Reconnection attempt %d: waiting %v before retry", attempt+1, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "connect retry")
		case <-c.closeSignal:
			return nil, ErrCoreClosed
		}
	}
}
