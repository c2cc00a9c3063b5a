package session

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"gatewayd/internal/infra/config"
)

func TestNextBackoffDelay(t *testing.T) {
	cfg := config.ReconnectConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}

	assert.Equal(t, time.Second, nextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 2*time.Second, nextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, 8*time.Second, nextBackoffDelay(cfg, 4, nil))
	assert.Equal(t, 10*time.Second, nextBackoffDelay(cfg, 10, nil), "capped at max")
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	cfg := config.ReconnectConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute, Jitter: true}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d := nextBackoffDelay(cfg, 3, rng)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 6*time.Second)
	}
	assert.Equal(t, 2*time.Second, nextBackoffDelay(cfg, 3, nil), "nil rng uses the lower bound")
}

func TestNextBackoffDelayDegenerate(t *testing.T) {
	assert.Zero(t, nextBackoffDelay(config.ReconnectConfig{}, 5, nil))
	cfg := config.ReconnectConfig{InitialDelay: time.Second, Multiplier: 0.5}
	assert.Equal(t, time.Second, nextBackoffDelay(cfg, 4, nil), "multiplier below 1 is clamped")
}
