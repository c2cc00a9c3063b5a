package session

import (
	"math"
	"math/rand"
	"time"

	"gatewayd/internal/infra/config"
)

// nextBackoffDelay returns the wait before reconnect attempt n (1-based):
// initial * multiplier^(n-1), capped at max, scaled into [0.5, 1.5) when
// jitter is on.
func nextBackoffDelay(cfg config.ReconnectConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	mult := cfg.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}
