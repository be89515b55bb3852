package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 3
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay caps every delay, jitter included.
	// Default: 30 seconds
	MaxDelay time.Duration

	// Multiplier is the exponential backoff factor.
	// Default: 2
	Multiplier float64

	// Jitter randomizes each delay within [delay/2, delay].
	Jitter bool

	// RetryableCategories lists the error categories that are retried.
	// Default: TransientCategories()
	RetryableCategories []Category
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:         3,
		BaseDelay:           time.Second,
		MaxDelay:            30 * time.Second,
		Multiplier:          2.0,
		RetryableCategories: TransientCategories(),
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaults.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaults.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = defaults.Multiplier
	}
	if c.RetryableCategories == nil {
		c.RetryableCategories = defaults.RetryableCategories
	}
}

// Delay returns the un-jittered wait before retry n (n >= 1):
// min(MaxDelay, BaseDelay * Multiplier^(n-1)).
func (c RetryConfig) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(n-1))
	if d > float64(c.MaxDelay) || math.IsInf(d, 0) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

func (c RetryConfig) retryable(cat Category) bool {
	for _, r := range c.RetryableCategories {
		if r == cat {
			return true
		}
	}
	return false
}

func (c RetryConfig) wait(n int) time.Duration {
	d := c.Delay(n)
	if c.Jitter && d > 1 {
		half := int64(d) / 2
		d = time.Duration(half + rand.Int64N(half+1))
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Sleeper waits between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep implements Sleeper.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Result is the outcome of RetryWithResult.
type Result[T any] struct {
	Value    T
	Err      error
	Attempts int
	Elapsed  time.Duration
}

// Option configures a retry run.
type Option func(*retryOptions)

type retryOptions struct {
	sleeper Sleeper
	now     func() time.Time
	logger  *zap.Logger
	name    string
}

// WithSleeper replaces the timer-based wait.
func WithSleeper(s Sleeper) Option {
	return func(o *retryOptions) { o.sleeper = s }
}

// WithClock replaces time.Now for elapsed time measurement.
func WithClock(now func() time.Time) Option {
	return func(o *retryOptions) { o.now = now }
}

// WithLogger logs retry attempts.
func WithLogger(logger *zap.Logger, operation string) Option {
	return func(o *retryOptions) {
		o.logger = logger
		o.name = operation
	}
}

// Retry runs op until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. On exhaustion the last error is returned as is.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error, opts ...Option) error {
	res := RetryWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return res.Err
}

// RetryWithResult is Retry for operations producing a value. The result
// carries the attempt count and elapsed time.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error), opts ...Option) Result[T] {
	cfg.ApplyDefaults()
	o := retryOptions{sleeper: timerSleeper{}, now: time.Now, logger: zap.NewNop(), name: "operation"}
	for _, opt := range opts {
		opt(&o)
	}

	start := o.now()
	var res Result[T]
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		value, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				o.logger.Info("operation recovered after retries",
					zap.String("operation", o.name),
					zap.Int("attempts", attempt),
					zap.Duration("total_time", o.now().Sub(start)),
				)
			}
			retryAttemptsTotal.WithLabelValues(o.name, "success").Inc()
			res.Value = value
			res.Err = nil
			res.Elapsed = o.now().Sub(start)
			return res
		}
		res.Err = err

		cat := Categorize(err)
		if !cfg.retryable(cat) || markedPermanent(err) {
			o.logger.Debug("error is not retryable",
				zap.String("operation", o.name),
				zap.String("category", string(cat)),
				zap.Error(err),
			)
			retryAttemptsTotal.WithLabelValues(o.name, "permanent").Inc()
			break
		}
		if attempt == cfg.MaxAttempts {
			retryAttemptsTotal.WithLabelValues(o.name, "exhausted").Inc()
			break
		}

		delay := cfg.wait(attempt)
		o.logger.Info("retrying operation after transient error",
			zap.String("operation", o.name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.MaxAttempts),
			zap.String("category", string(cat)),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		retryAttemptsTotal.WithLabelValues(o.name, "retry").Inc()

		if serr := o.sleeper.Sleep(ctx, delay); serr != nil {
			res.Err = fmt.Errorf("operation canceled after %d attempts: %w", attempt, serr)
			break
		}
	}
	res.Elapsed = o.now().Sub(start)
	return res
}
