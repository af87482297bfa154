package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentdesk"

// Metrics holds all agentdesk metric instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	SessionsCreated    metric.Int64Counter
	SessionsRejected   metric.Int64Counter
	SessionsFailed     metric.Int64Counter
	SessionsTerminated metric.Int64Counter
	ActionsApplied     metric.Int64Counter
	ConnectorFailures  metric.Int64Counter
	ProvisionDuration  metric.Float64Histogram
	DecisionDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.SessionsCreated, err = meter.Int64Counter("agentdesk.sessions.created",
		metric.WithDescription("Sessions that reached running")); err != nil {
		return nil, err
	}
	if m.SessionsRejected, err = meter.Int64Counter("agentdesk.sessions.rejected",
		metric.WithDescription("Create requests rejected before provisioning")); err != nil {
		return nil, err
	}
	if m.SessionsFailed, err = meter.Int64Counter("agentdesk.sessions.failed",
		metric.WithDescription("Sessions that ended in failed")); err != nil {
		return nil, err
	}
	if m.SessionsTerminated, err = meter.Int64Counter("agentdesk.sessions.terminated",
		metric.WithDescription("Sessions terminated on request")); err != nil {
		return nil, err
	}
	if m.ActionsApplied, err = meter.Int64Counter("agentdesk.actions.applied",
		metric.WithDescription("Browser actions applied by control loops")); err != nil {
		return nil, err
	}
	if m.ConnectorFailures, err = meter.Int64Counter("agentdesk.connector.failures",
		metric.WithDescription("AI connector calls that exhausted their retries")); err != nil {
		return nil, err
	}
	if m.ProvisionDuration, err = meter.Float64Histogram("agentdesk.provision.duration_seconds",
		metric.WithDescription("Container provisioning duration in seconds")); err != nil {
		return nil, err
	}
	if m.DecisionDuration, err = meter.Float64Histogram("agentdesk.decision.duration_seconds",
		metric.WithDescription("AI decision duration in seconds, retries included")); err != nil {
		return nil, err
	}
	return m, nil
}

func outcome(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("outcome", "error")
	}
	return attribute.String("outcome", "ok")
}

// RecordProvision records one provisioning call.
func (m *Metrics) RecordProvision(ctx context.Context, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ProvisionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(outcome(err)))
}

// RecordDecision records one connector call including retries.
func (m *Metrics) RecordDecision(ctx context.Context, connector string, d time.Duration, attempts int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("connector", connector), outcome(err))
	m.DecisionDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.ConnectorFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("connector", connector),
			attribute.Int("attempts", attempts),
		))
	}
}

// RecordAction records one applied browser action.
func (m *Metrics) RecordAction(ctx context.Context, action string, err error) {
	if m == nil {
		return
	}
	m.ActionsApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action), outcome(err)))
}

// RecordSession counts a session lifecycle outcome: "created", "rejected",
// "failed" or "terminated". reason is an optional low-cardinality label.
func (m *Metrics) RecordSession(ctx context.Context, event, reason string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	switch event {
	case "created":
		m.SessionsCreated.Add(ctx, 1)
	case "rejected":
		m.SessionsRejected.Add(ctx, 1, attrs)
	case "failed":
		m.SessionsFailed.Add(ctx, 1, attrs)
	case "terminated":
		m.SessionsTerminated.Add(ctx, 1)
	}
}
