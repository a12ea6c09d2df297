package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/medcode/medcode/internal/platform/telemetry"
)

// ErrBreakerOpen is returned while the breaker is rejecting publishes.
var ErrBreakerOpen = errors.New("publish: circuit breaker open")

// BreakerConfig configures a BreakerPublisher.
type BreakerConfig struct {
	Name        string
	MaxFailures uint32
	OpenTimeout time.Duration
}

// BreakerPublisher guards a Publisher with a circuit breaker. After
// MaxFailures consecutive failures it rejects publishes for OpenTimeout
// before letting a single trial through.
type BreakerPublisher struct {
	next    Publisher
	cb      *gobreaker.CircuitBreaker
	name    string
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// NewBreakerPublisher wraps next. metrics may be nil.
func NewBreakerPublisher(next Publisher, cfg BreakerConfig, logger zerolog.Logger, metrics *telemetry.Metrics) *BreakerPublisher {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	p := &BreakerPublisher{
		next:    next,
		name:    cfg.Name,
		logger:  logger.With().Str("breaker", cfg.Name).Logger(),
		metrics: metrics,
	}
	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			p.onStateChange(from, to)
		},
	})
	if metrics != nil {
		metrics.SetBreakerState(cfg.Name, telemetry.BreakerClosed)
	}
	return p
}

// Publish forwards env unless the breaker is open.
func (p *BreakerPublisher) Publish(ctx context.Context, env *Envelope) error {
	_, err := p.cb.Execute(func() (interface{}, error) {
		return nil, p.next.Publish(ctx, env)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrBreakerOpen, p.name)
	}
	return err
}

// State returns the current breaker state.
func (p *BreakerPublisher) State() gobreaker.State {
	return p.cb.State()
}

// Close closes the wrapped publisher.
func (p *BreakerPublisher) Close() error {
	return p.next.Close()
}

func (p *BreakerPublisher) onStateChange(from, to gobreaker.State) {
	p.logger.Warn().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state changed")

	if p.metrics != nil {
		p.metrics.SetBreakerState(p.name, breakerGauge(to))
	}
}

func breakerGauge(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return telemetry.BreakerOpen
	case gobreaker.StateHalfOpen:
		return telemetry.BreakerHalfOpen
	default:
		return telemetry.BreakerClosed
	}
}
