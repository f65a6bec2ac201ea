package device

import (
	"math/rand"
	"time"

	"iot_auth/internal/config"
)

// Backoff computes reconnect delays: exponential growth with jitter, capped.
// Only the agent loop uses it, so it carries no lock.
type Backoff struct {
	current    time.Duration
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
	rng        *rand.Rand
}

func NewBackoff(cfg config.ReconnectConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = time.Second
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	return &Backoff{
		current:    cfg.Initial,
		initial:    cfg.Initial,
		max:        cfg.Max,
		multiplier: cfg.Multiplier,
		jitter:     cfg.Jitter,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next attempt and advances the base delay.
func (b *Backoff) Next() time.Duration {
	delay := b.current

	if b.jitter > 0 {
		span := float64(delay) * b.jitter
		delay += time.Duration((b.rng.Float64()*2 - 1) * span)
	}

	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next

	if delay < 0 {
		delay = 0
	}
	return delay
}

func (b *Backoff) Reset() {
	b.current = b.initial
}
