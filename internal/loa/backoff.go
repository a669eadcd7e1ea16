package loa

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// BackoffConfig configures the sleep between retries of one route.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

// DefaultBackoffConfig keeps jitter off for determinism; the seed-based
// jitter stays reproducible per (route, attempt) when enabled.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelayMS: 200,
		BackoffFactor:  2.0,
		MaxDelayMS:     60_000,
		Jitter:         false,
	}
}

// DelayForAttempt computes the backoff before retry `attempt` (1-indexed).
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	factor := cfg.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}

	baseMS := float64(cfg.InitialDelayMS) * math.Pow(factor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}

	// Jitter applies after capping so the cap stays a hard ceiling on the
	// un-jittered schedule.
	if cfg.Jitter {
		m := 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5]
		baseMS *= m
	}

	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	const max = float64(^uint64(0))
	return float64(u) / max
}

func backoffSeed(docID string, routeIndex, attempt int) string {
	return fmt.Sprintf("%s:%d:%d", docID, routeIndex, attempt)
}
