package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures the circuit breaker placed in front of an adapter
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// DefaultBreakerSettings returns the settings used when none are configured
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:         3,
		Interval:            5 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

type breakerAdapter struct {
	next Adapter
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps an adapter so repeated provider outages stop reaching the
// remote side. Submit and Poll go through the breaker; Cancel is best effort
// and always reaches the provider.
func WithBreaker(next Adapter, s BreakerSettings) Adapter {
	threshold := s.ConsecutiveFailures
	if threshold == 0 {
		threshold = DefaultBreakerSettings().ConsecutiveFailures
	}
	settings := gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// rejected input says nothing about provider health
		IsSuccessful: func(err error) bool {
			return err == nil || !Retryable(err)
		},
	}
	return &breakerAdapter{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *breakerAdapter) Name() string {
	return b.next.Name()
}

func (b *breakerAdapter) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Submit(ctx, req)
	})
	if err != nil {
		return SubmitResult{}, b.translate(err)
	}
	return res.(SubmitResult), nil
}

func (b *breakerAdapter) Poll(ctx context.Context, ref string) (PollResult, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Poll(ctx, ref)
	})
	if err != nil {
		return PollResult{}, b.translate(err)
	}
	return res.(PollResult), nil
}

func (b *breakerAdapter) Cancel(ctx context.Context, ref string) error {
	return b.next.Cancel(ctx, ref)
}

func (b *breakerAdapter) translate(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{Kind: ErrUnavailable, Provider: b.next.Name(), Message: err.Error()}
	}
	return err
}
