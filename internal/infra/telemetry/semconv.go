package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for livequery telemetry.
const (
	// AttrCollection identifies the remote collection a signal refers to.
	AttrCollection = attribute.Key("collection")
	// AttrOperation differentiates remote-store operations (query, subscribe).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (hit, miss, success, error class, ...).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorClass categorizes failures by retry classification.
	AttrErrorClass = attribute.Key("error.class")
	// AttrConnectionState labels subscription lifecycle signals (connecting, streaming, ...).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrPool names the database pool behind a persistence backend.
	AttrPool = attribute.Key("db.pool")
)

// Result values shared across instruments.
const (
	ResultHit        = "hit"
	ResultMiss       = "miss"
	ResultStale      = "stale"
	ResultSuccess    = "success"
	ResultError      = "error"
	ResultEmitted    = "emitted"
	ResultSuppressed = "suppressed"
)

// Connection states reported for database pools.
const (
	PoolTotal        = "total"
	PoolIdle         = "idle"
	PoolAcquired     = "acquired"
	PoolConstructing = "constructing"
)

// Operation values for remote-store requests.
const (
	OperationQuery     = "query"
	OperationSubscribe = "subscribe"
)

// CollectionAttributes returns the base attribute set for collection-scoped metrics.
func CollectionAttributes(collection string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrCollection.String(collection),
	}
}

// PoolAttributes returns the attribute set for one connection state of a named pool.
func PoolAttributes(pool, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrPool.String(pool),
		AttrConnectionState.String(state),
	}
}
