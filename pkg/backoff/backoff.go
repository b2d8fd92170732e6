// Package backoff implements the exponential backoff with jitter that paces
// stream (re)starts.
//
// The first wait after construction or Reset is immediate. Every subsequent
// wait grows the base delay by Factor, clamped between InitialDelay and
// 1.5 times MaxDelay, and randomizes it by +/- JitterFactor/2 of the base.
// After MaxRetries waits without a Reset, Wait fails with ErrRetriesExhausted.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

var (
	ErrInProgress       = errors.New("a backoff operation is already in progress")
	ErrRetriesExhausted = errors.New("exceeded maximum number of retries allowed")
)

const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 60 * time.Second
	DefaultFactor       = 1.5
	DefaultJitterFactor = 1.0
	DefaultMaxRetries   = 10

	randMidpoint = 0.5
)

// Backoff is safe for concurrent use, although only one Wait may be
// outstanding at a time.
type Backoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	factor       float64
	jitterFactor float64
	maxRetries   int

	rand     func() float64
	after    func(time.Duration) <-chan time.Time
	observer func(delay time.Duration, attempt int)

	mu         sync.Mutex
	base       float64 // nanoseconds
	retryCount int
	waiting    bool
	// epoch changes on Reset so an abandoned wait does not clear the guard
	// of a wait started after it.
	epoch uint64
}

type Option func(*Backoff)

func WithInitialDelay(d time.Duration) Option {
	return func(b *Backoff) { b.initialDelay = d }
}

func WithMaxDelay(d time.Duration) Option {
	return func(b *Backoff) { b.maxDelay = d }
}

func WithFactor(f float64) Option {
	return func(b *Backoff) { b.factor = f }
}

// WithJitter sets the jitter factor: 0 disables randomization, 1.0 spreads
// delays by +/-50% around the base.
func WithJitter(f float64) Option {
	return func(b *Backoff) { b.jitterFactor = f }
}

func WithMaxRetries(n int) Option {
	return func(b *Backoff) { b.maxRetries = n }
}

// WithRand replaces the uniform [0,1) source used for jitter.
func WithRand(fn func() float64) Option {
	return func(b *Backoff) { b.rand = fn }
}

// WithAfterFunc replaces time.After, mostly for tests.
func WithAfterFunc(fn func(time.Duration) <-chan time.Time) Option {
	return func(b *Backoff) { b.after = fn }
}

// WithObserver registers a callback invoked with every scheduled delay.
func WithObserver(fn func(delay time.Duration, attempt int)) Option {
	return func(b *Backoff) { b.observer = fn }
}

func New(opts ...Option) *Backoff {
	b := &Backoff{
		initialDelay: DefaultInitialDelay,
		maxDelay:     DefaultMaxDelay,
		factor:       DefaultFactor,
		jitterFactor: DefaultJitterFactor,
		maxRetries:   DefaultMaxRetries,
		//nolint:gosec // jitter is not security sensitive
		rand:  rand.Float64,
		after: time.After,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// next reserves the next attempt and returns its delay without sleeping.
// The caller owns the in-progress guard until it calls done.
func (b *Backoff) next() (delay time.Duration, done func(), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.waiting {
		return 0, nil, ErrInProgress
	}
	if b.retryCount >= b.maxRetries {
		return 0, nil, ErrRetriesExhausted
	}

	jittered := b.base + (b.rand()-randMidpoint)*b.jitterFactor*b.base
	if jittered < 0 {
		jittered = 0
	}

	ceiling := float64(b.maxDelay) + float64(b.maxDelay)*randMidpoint
	b.base = math.Min(math.Max(b.base*b.factor, float64(b.initialDelay)), ceiling)
	b.retryCount++
	b.waiting = true

	epoch := b.epoch
	done = func() {
		b.mu.Lock()
		if b.epoch == epoch {
			b.waiting = false
		}
		b.mu.Unlock()
	}

	return time.Duration(jittered), done, nil
}

// Wait blocks for the current delay and advances the schedule. It returns
// ErrInProgress when another Wait has not completed yet, ErrRetriesExhausted
// once MaxRetries attempts were made since the last Reset, or ctx.Err() when
// ctx is done first.
func (b *Backoff) Wait(ctx context.Context) error {
	delay, done, err := b.next()
	if err != nil {
		return err
	}
	defer done()

	if b.observer != nil {
		b.observer(delay, b.RetryCount())
	}

	if delay <= 0 {
		return ctx.Err()
	}

	select {
	case <-b.after(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset zeroes the delay base and the retry counter. The next Wait is
// immediate. A wait still in flight keeps running but no longer blocks new
// waits.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.base = 0
	b.retryCount = 0
	b.waiting = false
	b.epoch++
}

func (b *Backoff) RetryCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retryCount
}

// Waiting reports whether a Wait is outstanding.
func (b *Backoff) Waiting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiting
}
