package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cfotel "github.com/Strob0t/agentdesk/internal/adapter/otel"
	"github.com/Strob0t/agentdesk/internal/domain"
	"github.com/Strob0t/agentdesk/internal/domain/control"
	"github.com/Strob0t/agentdesk/internal/port/aiconnector"
	"github.com/Strob0t/agentdesk/internal/resilience"
)

// Decider returns the next action for a session.
type Decider interface {
	Decide(ctx context.Context, dc control.DecisionContext) (control.Action, error)
}

// DeciderConfig bounds a connector call.
type DeciderConfig struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	CallTimeout    time.Duration
}

// ResilientConnector wraps a connector with a circuit breaker, bounded
// exponential retry and an overall per-call timeout. It only reports
// failure; what happens to the session is up to the caller.
type ResilientConnector struct {
	inner   aiconnector.Connector
	breaker *resilience.Breaker
	cfg     DeciderConfig
	metrics *cfotel.Metrics
}

// NewResilientConnector creates a ResilientConnector. breaker may be nil.
func NewResilientConnector(inner aiconnector.Connector, breaker *resilience.Breaker, cfg DeciderConfig) *ResilientConnector {
	return &ResilientConnector{inner: inner, breaker: breaker, cfg: cfg}
}

// SetMetrics attaches a metrics recorder.
func (c *ResilientConnector) SetMetrics(m *cfotel.Metrics) { c.metrics = m }

// Name returns the wrapped connector's name.
func (c *ResilientConnector) Name() string { return c.inner.Name() }

// BreakerState reports the circuit state for health checks.
func (c *ResilientConnector) BreakerState() string {
	if c.breaker == nil {
		return resilience.StateClosed.String()
	}
	return c.breaker.State().String()
}

// Decide calls the connector until it succeeds or the retry budget is spent.
// Exhaustion yields an error wrapping domain.ErrAIConnector.
func (c *ResilientConnector) Decide(ctx context.Context, dc control.DecisionContext) (control.Action, error) {
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	policy := resilience.RetryPolicy{
		MaxAttempts: c.cfg.MaxAttempts,
		BaseDelay:   c.cfg.BaseBackoff,
		MaxDelay:    c.cfg.MaxBackoff,
		Jitter:      0.2,
	}

	ctx, span := cfotel.StartDecisionSpan(ctx, dc.SessionID, c.inner.Name())
	start := time.Now()
	attempts := 0
	action, err := resilience.Retry(ctx, policy, func(ctx context.Context) (control.Action, error) {
		attempts++
		return c.attempt(ctx, dc)
	}, func(attempt int, err error, wait time.Duration) {
		slog.WarnContext(ctx, "ai connector attempt failed",
			"connector", c.inner.Name(), "session_id", dc.SessionID,
			"attempt", attempt, "retry_in", wait, "error", err)
	})
	c.metrics.RecordDecision(ctx, c.inner.Name(), time.Since(start), attempts, err)
	if err != nil {
		err = fmt.Errorf("%w: %s after %d attempt(s): %w", domain.ErrAIConnector, c.inner.Name(), attempts, err)
		cfotel.EndSpan(span, err)
		return control.Action{}, err
	}
	cfotel.EndSpan(span, nil)
	return action, nil
}

func (c *ResilientConnector) attempt(ctx context.Context, dc control.DecisionContext) (control.Action, error) {
	if c.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
	}

	var action control.Action
	call := func() error {
		var err error
		action, err = c.inner.Decide(ctx, dc)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return action, resilience.Permanent(err)
	}
	return action, err
}
