package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/valinor-ai/moderator/internal/moderation"
	"golang.org/x/sync/errgroup"
)

// IndeterminateService is the ServiceName of the signal returned when no
// provider produced a classification.
const IndeterminateService = "none"

// ClientConfig tunes the fallback chain.
type ClientConfig struct {
	AttemptTimeout  time.Duration
	RetryTimeout    time.Duration
	RetryDelay      time.Duration
	BreakerFailures uint32
	BreakerOpen     time.Duration
}

// DefaultClientConfig returns the production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		AttemptTimeout:  10 * time.Second,
		RetryTimeout:    5 * time.Second,
		RetryDelay:      200 * time.Millisecond,
		BreakerFailures: 5,
		BreakerOpen:     30 * time.Second,
	}
}

// CallObserver records the outcome of each provider attempt.
type CallObserver interface {
	ObserveProviderCall(provider, outcome string)
}

// ProviderHealth is one provider's entry in the health report.
type ProviderHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
	Breaker string `json:"breaker"`
}

// Client consults providers in order and returns the first valid signal.
type Client struct {
	providers []Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	limiter   *Limiter
	cfg       ClientConfig
	observer  CallObserver
	logger    *slog.Logger
}

// NewClient builds a fallback chain over providers in the given order.
// limiter, observer and logger may be nil.
func NewClient(providers []Provider, limiter *Limiter, cfg ClientConfig, observer CallObserver, logger *slog.Logger) *Client {
	def := DefaultClientConfig()
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = def.RetryTimeout
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerOpen <= 0 {
		cfg.BreakerOpen = def.BreakerOpen
	}
	if limiter == nil {
		limiter = NewLimiter(0, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		providers: providers,
		breakers:  make(map[string]*gobreaker.CircuitBreaker, len(providers)),
		limiter:   limiter,
		cfg:       cfg,
		observer:  observer,
		logger:    logger,
	}
	for _, p := range providers {
		c.breakers[p.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 1,
			Timeout:     cfg.BreakerOpen,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			IsSuccessful: func(err error) bool {
				// The caller giving up says nothing about the provider.
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("provider circuit breaker state change",
					"provider", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return c
}

// Classify never fails: when every provider fails, or ctx ends first, it
// returns the indeterminate signal.
func (c *Client) Classify(ctx context.Context, content moderation.Content) moderation.Signal {
	var failures []string
	authOnly := len(c.providers) > 0

	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			failures = append(failures, fmt.Sprintf("deadline: %v", err))
			authOnly = false
			break
		}
		if !p.Supports(content.Type) {
			failures = append(failures, fmt.Sprintf("%s: content type %s not supported", p.Name(), content.Type))
			authOnly = false
			continue
		}

		signal, err := c.classifyWithRetry(ctx, p, content)
		if err == nil {
			return signal
		}
		c.logger.Warn("provider classification failed",
			"provider", p.Name(), "kind", KindOf(err).String(), "error", err)
		failures = append(failures, err.Error())
		if KindOf(err) != KindAuth {
			authOnly = false
		}
	}

	if len(failures) == 0 {
		failures = append(failures, "no providers configured")
	}
	if authOnly {
		c.logger.Error("all providers rejected credentials", "failures", failures)
	} else {
		c.logger.Warn("no provider produced a classification", "failures", failures)
	}
	return Indeterminate(failures)
}

// Indeterminate builds the sentinel signal for a failed classification.
func Indeterminate(failures []string) moderation.Signal {
	return moderation.Signal{
		SafeConfidence: 0,
		CategoryScores: map[string]float64{},
		Explanation:    "all providers failed: " + strings.Join(failures, "; "),
		ModelUsed:      IndeterminateService,
		ServiceName:    IndeterminateService,
		Indeterminate:  true,
		Failures:       append([]string(nil), failures...),
	}
}

// classifyWithRetry makes one attempt, plus one retry with the shorter
// deadline when the first attempt timed out.
func (c *Client) classifyWithRetry(ctx context.Context, p Provider, content moderation.Content) (moderation.Signal, error) {
	var (
		signal  moderation.Signal
		attempt int
	)
	op := func() error {
		timeout := c.cfg.AttemptTimeout
		if attempt > 0 {
			timeout = c.cfg.RetryTimeout
		}
		attempt++

		s, err := c.attempt(ctx, p, content, timeout)
		if err != nil {
			if KindOf(err) != KindTimeout {
				return backoff.Permanent(err)
			}
			return err
		}
		signal = s
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryDelay), 1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		var pe *Error
		if !errors.As(err, &pe) {
			err = NewError(KindOf(err), p.Name(), err)
		}
		return moderation.Signal{}, err
	}
	return signal, nil
}

func (c *Client) attempt(ctx context.Context, p Provider, content moderation.Content, timeout time.Duration) (moderation.Signal, error) {
	release, err := c.limiter.Acquire(ctx)
	defer release()
	if err != nil {
		err = NewError(KindOf(err), p.Name(), fmt.Errorf("waiting for provider quota: %w", err))
		c.observe(p.Name(), err)
		return moderation.Signal{}, err
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := c.breakers[p.Name()].Execute(func() (interface{}, error) {
		s, err := p.Classify(actx, content)
		if err != nil {
			return nil, err
		}
		if err := validateSignal(s); err != nil {
			return nil, NewError(KindMalformed, p.Name(), err)
		}
		return s, nil
	})
	if err != nil {
		var pe *Error
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			err = NewError(KindUnavailable, p.Name(), fmt.Errorf("circuit breaker: %w", err))
		case !errors.As(err, &pe):
			err = NewError(KindOf(err), p.Name(), err)
		}
		c.observe(p.Name(), err)
		return moderation.Signal{}, err
	}

	signal := out.(moderation.Signal)
	if signal.CategoryScores == nil {
		signal.CategoryScores = map[string]float64{}
	}
	if signal.ServiceName == "" {
		signal.ServiceName = p.Name()
	}
	if signal.ModelUsed == "" {
		signal.ModelUsed = p.Name()
	}
	c.observe(p.Name(), nil)
	return signal, nil
}

func validateSignal(s moderation.Signal) error {
	if !inUnit(s.SafeConfidence) {
		return fmt.Errorf("%w: safe_confidence %v out of range", ErrMalformed, s.SafeConfidence)
	}
	for name, score := range s.CategoryScores {
		if !inUnit(score) {
			return fmt.Errorf("%w: category %q score %v out of range", ErrMalformed, name, score)
		}
	}
	return nil
}

func (c *Client) observe(provider string, err error) {
	if c.observer == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = KindOf(err).String()
	}
	c.observer.ObserveProviderCall(provider, outcome)
}

// Health probes every provider concurrently.
func (c *Client) Health(ctx context.Context) map[string]ProviderHealth {
	var (
		mu  sync.Mutex
		out = make(map[string]ProviderHealth, len(c.providers))
		g   errgroup.Group
	)
	for _, p := range c.providers {
		g.Go(func() error {
			h := ProviderHealth{Healthy: true, Breaker: c.breakers[p.Name()].State().String()}
			if err := p.Health(ctx); err != nil {
				h.Healthy = false
				h.Error = err.Error()
			}
			mu.Lock()
			out[p.Name()] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Limiter returns the shared quota counter.
func (c *Client) Limiter() *Limiter { return c.limiter }
