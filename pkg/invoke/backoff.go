package invoke

import (
	"math/rand/v2"
	"time"

	"github.com/odvcencio/hypogate/pkg/config"
)

// Backoff computes retry delays: Initial * Multiplier^(retry-1), capped at
// Max, then scaled by a symmetric jitter factor in [1-Jitter, 1+Jitter].
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
	// Deterministic fixes the random draw at 0.5, which cancels jitter.
	Deterministic bool
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// NewBackoff builds a Backoff from the invocation config.
func NewBackoff(cfg config.InvocationConfig) Backoff {
	return Backoff{
		Initial:       cfg.Backoff.Initial,
		Max:           cfg.Backoff.Max,
		Multiplier:    cfg.Backoff.Multiplier,
		Jitter:        cfg.Backoff.Jitter,
		Deterministic: cfg.Deterministic,
	}
}

// Delay returns the wait before retry number retry (1-based). A positive
// serverHint, such as a Retry-After value, raises the delay up to Max.
func (b Backoff) Delay(retry int, serverHint time.Duration) time.Duration {
	if retry < 1 {
		retry = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(b.Initial)
	for i := 1; i < retry; i++ {
		delay *= mult
		if b.Max > 0 && delay >= float64(b.Max) {
			break
		}
	}
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	u := 0.5
	if !b.Deterministic {
		if b.Rand != nil {
			u = b.Rand()
		} else {
			u = rand.Float64()
		}
	}
	jitter := b.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	delay *= 1 + jitter*(2*u-1)

	if hint := float64(serverHint); hint > delay {
		delay = hint
	}
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
