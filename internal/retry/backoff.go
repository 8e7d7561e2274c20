package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Default backoff intervals: 250ms, 500ms, 1s, 2s, 4s, 8s, 10s (max).
const (
	DefaultInitialDelay = 250 * time.Millisecond
	DefaultMaxDelay     = 10 * time.Second
	DefaultJitter       = 0.1
)

// Config controls the backoff sequence.
type Config struct {
	// InitialDelay is the delay returned by the first call to Next.
	InitialDelay time.Duration

	// MaxDelay caps every delay before jitter is applied.
	MaxDelay time.Duration

	// Jitter is the fraction of the delay that is randomized (0.1 = ±10%).
	// Zero disables jitter.
	Jitter float64
}

// DefaultConfig returns the default backoff configuration.
func DefaultConfig() Config {
	return Config{
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Jitter:       DefaultJitter,
	}
}

// Backoff implements exponential backoff with jitter. It is safe for
// concurrent use.
type Backoff struct {
	mu      sync.Mutex
	cfg     Config
	attempt int
	rng     *rand.Rand
}

// NewBackoff creates a Backoff. Zero fields in cfg fall back to the defaults.
func NewBackoff(cfg Config) *Backoff {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Backoff{
		cfg: cfg,
		// #nosec G404 -- math/rand is appropriate for backoff jitter
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next delay and advances the attempt counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.cfg.MaxDelay
	if f := float64(b.cfg.InitialDelay) * math.Pow(2, float64(b.attempt)); f < float64(b.cfg.MaxDelay) {
		delay = time.Duration(f)
	}

	if b.cfg.Jitter > 0 {
		maxJitter := float64(delay) * b.cfg.Jitter
		delay += time.Duration((b.rng.Float64()*2 - 1) * maxJitter)
	}

	b.attempt++
	return delay
}

// Reset returns the backoff to its initial state.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Attempt returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
