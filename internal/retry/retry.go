// Package retry computes when a failed delivery is attempted again.
package retry

import (
	"time"

	"github.com/SirClappington/notiq/internal/config"
)

// DefaultSteps is the delay before retry n (1-based), clamped to the last
// entry for later retries.
var DefaultSteps = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	4 * time.Hour,
}

// Policy maps an attempt count to the delay before the next attempt.
// Delays never decrease with the attempt count and never exceed Max.
type Policy struct {
	Steps   []time.Duration
	Initial time.Duration
	Max     time.Duration
}

func FromConfig(cfg config.Config) Policy {
	p := Policy{Initial: cfg.RetryInitial, Max: cfg.RetryMax}
	if !cfg.RetryExponential {
		p.Steps = cfg.RetrySchedule
	}
	return p
}

// Delay returns the wait after the attempt-th failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	if len(p.Steps) > 0 {
		i := attempt - 1
		if i >= len(p.Steps) {
			i = len(p.Steps) - 1
		}
		d = p.Steps[i]
		// keep a hand-written table monotonic
		for _, s := range p.Steps[:i] {
			if s > d {
				d = s
			}
		}
	} else {
		d = p.Initial
		for n := 1; n < attempt; n++ {
			if p.Max > 0 && d >= p.Max {
				break
			}
			d *= 2
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}
