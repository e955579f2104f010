package ml_client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrUnavailable is returned without calling the service while the breaker
// is open.
var ErrUnavailable = errors.New("classification service unavailable")

const (
	defaultMaxFailures uint32 = 5
	defaultOpenTimeout        = 30 * time.Second
	defaultResetInterval      = 60 * time.Second
)

// BreakerClient guards Classify with a circuit breaker so a dead service
// fails fast instead of holding every webhook for the full timeout.
type BreakerClient struct {
	*Client
	breaker *gobreaker.CircuitBreaker[[]Prediction]
}

// NewBreakerClient wraps c. Zero values select the defaults.
func NewBreakerClient(c *Client, maxFailures uint32, openTimeout time.Duration, logger *zap.Logger) *BreakerClient {
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	if openTimeout <= 0 {
		openTimeout = defaultOpenTimeout
	}

	cb := gobreaker.NewCircuitBreaker[[]Prediction](gobreaker.Settings{
		Name:        "ml_service",
		MaxRequests: 1,
		Interval:    defaultResetInterval,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// a cancelled caller says nothing about the service
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &BreakerClient{Client: c, breaker: cb}
}

// Classify routes the call through the breaker.
func (b *BreakerClient) Classify(ctx context.Context, imageData []byte, threshold float64) ([]Prediction, error) {
	preds, err := b.breaker.Execute(func() ([]Prediction, error) {
		return b.Client.Classify(ctx, imageData, threshold)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return preds, err
}

// State reports the breaker state for health output.
func (b *BreakerClient) State() string {
	return b.breaker.State().String()
}
