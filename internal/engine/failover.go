package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NamedChat pairs a ChatClient with a provider name for breaker tracking
// and logging.
type NamedChat struct {
	Name   string
	Client ChatClient
}

// CircuitBreaker tracks failure counts and trip state for a single provider.
type CircuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// FailoverConfig configures a FailoverChat.
type FailoverConfig struct {
	Threshold int           // failures before tripping (default 5)
	Cooldown  time.Duration // time before resetting (default 5min)
	// Retries is how often a rate limited or timed out call is retried on
	// the same provider before moving on. Default 2.
	Retries        int
	InitialBackoff time.Duration // default 500ms
	Logger         *slog.Logger
	Now            func() time.Time
}

// FailoverChat tries providers in order with per-provider circuit breakers.
type FailoverChat struct {
	providers []NamedChat
	cfg       FailoverConfig
	logger    *slog.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewFailoverChat returns a client that tries providers[0] first, then each
// following provider in order.
func NewFailoverChat(providers []NamedChat, cfg FailoverConfig) (*FailoverChat, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("failover: at least one provider is required")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	breakers := make(map[string]*CircuitBreaker, len(providers))
	for _, p := range providers {
		breakers[p.Name] = &CircuitBreaker{}
	}
	return &FailoverChat{providers: providers, cfg: cfg, logger: cfg.Logger, breakers: breakers}, nil
}

// Chat returns the first successful response. Context overflow and caller
// cancellation stop the failover since no other provider can do better.
func (fc *FailoverChat) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var lastErr error
	for _, p := range fc.providers {
		if fc.isTripped(p.Name) {
			fc.logger.Info("failover: skipping tripped provider", "provider", p.Name)
			continue
		}

		resp, err := fc.try(ctx, p, req)
		if err == nil {
			fc.recordSuccess(p.Name)
			return resp, nil
		}
		if ctx.Err() != nil {
			return ChatResponse{}, err
		}

		lastErr = err
		fc.recordFailure(p.Name)
		ec := ClassifyError(err)
		fc.logger.Warn("failover: provider failed",
			"provider", p.Name,
			"error_class", string(ec),
			"error", err,
		)
		if ec == ErrorClassContextOverflow {
			return ChatResponse{}, fmt.Errorf("failover: context overflow from %s: %w", p.Name, err)
		}
	}
	if lastErr == nil {
		return ChatResponse{}, errors.New("failover: all providers are tripped")
	}
	return ChatResponse{}, fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

// try calls one provider, retrying transient failures with exponential
// backoff.
func (fc *FailoverChat) try(ctx context.Context, p NamedChat, req ChatRequest) (ChatResponse, error) {
	var resp ChatResponse
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = fc.cfg.InitialBackoff
	bo.MaxElapsedTime = 0
	op := func() error {
		var err error
		resp, err = p.Client.Chat(ctx, req)
		if err == nil {
			return nil
		}
		switch ClassifyError(err) {
		case ErrorClassRateLimit, ErrorClassTimeout:
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(fc.cfg.Retries)), ctx)
	return resp, backoff.Retry(op, b)
}

// isTripped reports whether the provider's breaker is open. An elapsed
// cooldown resets it.
func (fc *FailoverChat) isTripped(name string) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	cb, ok := fc.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if fc.cfg.Now().Sub(cb.lastFailure) >= fc.cfg.Cooldown {
		cb.tripped = false
		cb.failures = 0
		fc.logger.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (fc *FailoverChat) recordFailure(name string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	cb := fc.breakers[name]
	cb.failures++
	cb.lastFailure = fc.cfg.Now()
	if cb.failures >= fc.cfg.Threshold && !cb.tripped {
		cb.tripped = true
		fc.logger.Warn("failover: circuit breaker tripped", "provider", name, "failures", cb.failures)
	}
}

func (fc *FailoverChat) recordSuccess(name string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	cb := fc.breakers[name]
	cb.failures = 0
	cb.tripped = false
}

// Tripped lists the providers whose breaker is currently open.
func (fc *FailoverChat) Tripped() []string {
	var out []string
	for _, p := range fc.providers {
		if fc.isTripped(p.Name) {
			out = append(out, p.Name)
		}
	}
	return out
}
