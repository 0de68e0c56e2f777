package worker

import (
	"math/rand/v2"
	"time"
)

// Backoff walks a doubling delay table from base to max. Each delay is
// jittered into [d/2, d]. Reset returns to the first entry.
type Backoff struct {
	table   []time.Duration
	attempt int
	rand    func() float64
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}
	var table []time.Duration
	for d := base; ; d *= 2 {
		if d >= max {
			table = append(table, max)
			break
		}
		table = append(table, d)
	}
	return &Backoff{table: table, rand: rand.Float64}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	d := b.table[min(b.attempt, len(b.table)-1)]
	b.attempt++
	half := d / 2
	return half + time.Duration(b.rand()*float64(d-half))
}

func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt is the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
