package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/platform/metrics"
)

// Breaker guards a Runner with a circuit breaker. Only transient runner
// errors count as failures; an open breaker reports ErrTransientRunner.
type Breaker struct {
	next    Runner
	cb      *gobreaker.CircuitBreaker
	retries int
	backoff time.Duration
	sleep   func(context.Context, time.Duration) error
}

type BreakerOptions struct {
	Name        string
	MaxFailures uint32
	OpenTimeout time.Duration
	// StatusRetries bounds extra attempts for idempotent status queries.
	StatusRetries int
	RetryBackoff  time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Registry
}

func NewBreaker(next Runner, opts BreakerOptions) *Breaker {
	if opts.Name == "" {
		opts.Name = "job-runner"
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 250 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	reg := opts.Metrics
	settings := gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrTransientRunner)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("job runner breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			reg.BreakerState(name, float64(to))
		},
	}
	return &Breaker{
		next:    next,
		cb:      gobreaker.NewCircuitBreaker(settings),
		retries: opts.StatusRetries,
		backoff: opts.RetryBackoff,
		sleep:   sleepCtx,
	}
}

func (b *Breaker) Submit(ctx context.Context, spec domain.JobSpec) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Submit(ctx, spec)
	})
	if err != nil {
		return "", mapBreakerErr(err)
	}
	return out.(string), nil
}

func (b *Breaker) Status(ctx context.Context, jobName string) (domain.JobRun, error) {
	var lastErr error
	for attempt := 0; attempt <= b.retries; attempt++ {
		if attempt > 0 {
			if err := b.sleep(ctx, b.backoff*time.Duration(attempt)); err != nil {
				return domain.JobRun{}, err
			}
		}
		out, err := b.cb.Execute(func() (interface{}, error) {
			return b.next.Status(ctx, jobName)
		})
		if err == nil {
			return out.(domain.JobRun), nil
		}
		lastErr = mapBreakerErr(err)
		if !errors.Is(lastErr, domain.ErrTransientRunner) || isOpen(err) {
			return domain.JobRun{}, lastErr
		}
	}
	return domain.JobRun{}, lastErr
}

func isOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func mapBreakerErr(err error) error {
	if isOpen(err) {
		return fmt.Errorf("job runner unavailable: %v: %w", err, domain.ErrTransientRunner)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
