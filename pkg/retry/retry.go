package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Common errors
var (
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrContextCanceled    = errors.New("context canceled during retry")
)

// Config contains retry configuration
type Config struct {
	// MaxRetries is the number of retries after the first attempt (0 = single attempt)
	MaxRetries int
	// InitialInterval is the wait before the first retry; 0 retries immediately
	InitialInterval time.Duration
	// MaxInterval caps the backoff interval
	MaxInterval time.Duration
	// Multiplier grows the interval after each retry
	Multiplier float64
	// JitterFactor is the ± random share applied to each interval (0-1)
	JitterFactor float64
	// RetryIf decides whether an error is worth another attempt.
	// nil retries every error that is not marked Permanent.
	RetryIf func(error) bool
}

// DefaultConfig returns exponential backoff 1s, 2s, 4s... capped at 30s
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:      5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		JitterFactor:    0.1,
	}
}

// Immediate returns a config that retries without waiting, only for errors matching retryIf
func Immediate(maxRetries int, retryIf func(error) bool) *Config {
	return &Config{
		MaxRetries: maxRetries,
		Multiplier: 1.0,
		RetryIf:    retryIf,
	}
}

// Operation is the function to be retried. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// PermanentError wraps an error that must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks an error as permanent (not retryable)
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Result contains the outcome of a retried operation
type Result struct {
	// Err is nil on success. On exhaustion it wraps both ErrMaxRetriesExceeded and the last error.
	Err error
	// Attempts is the total number of attempts made (including the first)
	Attempts int
	// TotalDuration includes the time spent waiting between attempts
	TotalDuration time.Duration
	// LastError is the error returned by the last attempt
	LastError error
}

// Retrier runs operations with backoff
type Retrier struct {
	config *Config
}

// New creates a Retrier; zero values fall back to sane defaults
func New(config *Config) *Retrier {
	if config == nil {
		config = DefaultConfig()
	}

	cfg := *config
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval < 0 {
		cfg.InitialInterval = 0
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFactor < 0 {
		cfg.JitterFactor = 0
	}
	if cfg.JitterFactor > 1 {
		cfg.JitterFactor = 1
	}

	return &Retrier{config: &cfg}
}

// RetryCallback is called before each retry
type RetryCallback func(attempt int, err error, nextInterval time.Duration)

// Do executes op until it succeeds, fails permanently or runs out of retries
func (r *Retrier) Do(ctx context.Context, op Operation) *Result {
	return r.DoWithCallback(ctx, op, nil)
}

// DoWithCallback is Do with a hook invoked before every retry
func (r *Retrier) DoWithCallback(ctx context.Context, op Operation, callback RetryCallback) *Result {
	start := time.Now()
	result := &Result{}

	finish := func(err error) *Result {
		result.Err = err
		result.TotalDuration = time.Since(start)
		return result
	}

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return finish(fmt.Errorf("%w: %w", ErrContextCanceled, err))
		}

		result.Attempts = attempt + 1
		err := op(ctx, attempt+1)
		if err == nil {
			return finish(nil)
		}
		result.LastError = err

		var permErr *PermanentError
		if errors.As(err, &permErr) {
			result.LastError = permErr.Err
			return finish(permErr.Err)
		}

		if r.config.RetryIf != nil && !r.config.RetryIf(err) {
			return finish(err)
		}

		if attempt == r.config.MaxRetries {
			break
		}

		interval := r.interval(attempt)
		if callback != nil {
			callback(attempt+1, err, interval)
		}

		if interval <= 0 {
			continue
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return finish(fmt.Errorf("%w: %w", ErrContextCanceled, ctx.Err()))
		case <-timer.C:
		}
	}

	return finish(fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, result.LastError))
}

// interval returns initial * multiplier^attempt with jitter, capped at MaxInterval
func (r *Retrier) interval(attempt int) time.Duration {
	if r.config.InitialInterval == 0 {
		return 0
	}

	interval := float64(r.config.InitialInterval) * math.Pow(r.config.Multiplier, float64(attempt))

	if r.config.JitterFactor > 0 {
		jitter := interval * r.config.JitterFactor
		interval += (rand.Float64()*2 - 1) * jitter
	}

	if interval > float64(r.config.MaxInterval) {
		interval = float64(r.config.MaxInterval)
	}
	if interval < 0 {
		interval = float64(r.config.InitialInterval)
	}

	return time.Duration(interval)
}

// Do is a convenience wrapper around New(config).Do
func Do(ctx context.Context, config *Config, op Operation) *Result {
	return New(config).Do(ctx, op)
}
