package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the instruments recorded by the data-access layer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	meter          metric.Meter
	cacheLookups   metric.Int64Counter
	remoteRequests metric.Int64Counter
	reconnects     metric.Int64Counter
	transitions    metric.Int64Counter
	notifications  metric.Int64Counter
	reconnectDelay metric.Float64Histogram
}

// NewMetrics creates instruments on the supplied meter. A nil meter falls back to the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("livequery")
	}
	m := &Metrics{meter: meter}
	var err error
	if m.cacheLookups, err = meter.Int64Counter("livequery_cache_lookups_total",
		metric.WithDescription("Cache lookups by result"),
		metric.WithUnit("{lookup}")); err != nil {
		return nil, err
	}
	if m.remoteRequests, err = meter.Int64Counter("livequery_remote_requests_total",
		metric.WithDescription("Requests issued to the remote document store"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.reconnects, err = meter.Int64Counter("livequery_reconnects_total",
		metric.WithDescription("Subscription reconnect attempts scheduled"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("livequery_subscription_transitions_total",
		metric.WithDescription("Subscription handle state transitions"),
		metric.WithUnit("{transition}")); err != nil {
		return nil, err
	}
	if m.notifications, err = meter.Int64Counter("livequery_notifications_total",
		metric.WithDescription("Error notifications emitted or suppressed by cooldown"),
		metric.WithUnit("{notification}")); err != nil {
		return nil, err
	}
	if m.reconnectDelay, err = meter.Float64Histogram("livequery_reconnect_delay_seconds",
		metric.WithDescription("Backoff delay applied before a reconnect"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordCacheLookup counts a cache lookup outcome.
func (m *Metrics) RecordCacheLookup(ctx context.Context, collection, result string) {
	if m == nil {
		return
	}
	attrs := append(CollectionAttributes(collection), AttrResult.String(result))
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRemoteRequest counts a remote-store request outcome.
func (m *Metrics) RecordRemoteRequest(ctx context.Context, collection, operation, result string) {
	if m == nil {
		return
	}
	attrs := append(CollectionAttributes(collection), AttrOperation.String(operation), AttrResult.String(result))
	m.remoteRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconnect counts a scheduled reconnect and its delay.
func (m *Metrics) RecordReconnect(ctx context.Context, collection string, delay time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(CollectionAttributes(collection)...)
	m.reconnects.Add(ctx, 1, attrs)
	m.reconnectDelay.Record(ctx, delay.Seconds(), attrs)
}

// RecordTransition counts a subscription state transition.
func (m *Metrics) RecordTransition(ctx context.Context, collection, state string) {
	if m == nil {
		return
	}
	attrs := append(CollectionAttributes(collection), AttrConnectionState.String(state))
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordNotification counts an error notification decision.
func (m *Metrics) RecordNotification(ctx context.Context, collection, class, result string) {
	if m == nil {
		return
	}
	attrs := append(CollectionAttributes(collection), AttrErrorClass.String(class), AttrResult.String(result))
	m.notifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}
