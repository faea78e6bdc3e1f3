package runtime

import (
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultMaxBatchRecords bounds the record count accepted from one batch header.
const DefaultMaxBatchRecords = 1 << 16

// DispatchPolicy decides how a failing callback affects the rest of its batch.
type DispatchPolicy int

const (
	// DispatchIsolate delivers every record and returns all failures together.
	DispatchIsolate DispatchPolicy = iota
	// DispatchAbort stops delivering at the first failure.
	DispatchAbort
)

func (p DispatchPolicy) String() string {
	switch p {
	case DispatchIsolate:
		return "isolate"
	case DispatchAbort:
		return "abort"
	default:
		return "unknown"
	}
}

type config struct {
	logger          *zap.Logger
	tracerProvider  trace.TracerProvider
	policy          DispatchPolicy
	maxBatchRecords uint32
}

func defaultConfig() config {
	return config{
		policy:          DispatchIsolate,
		maxBatchRecords: DefaultMaxBatchRecords,
	}
}

// Option configures a Runtime.
type Option func(*config)

// WithLogger sets the runtime's logger. Defaults to the package Logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithTracerProvider sets the provider used for submit, poll and session spans.
// Defaults to the global otel provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		c.tracerProvider = tp
	}
}

// WithDispatchPolicy sets the callback failure policy.
func WithDispatchPolicy(p DispatchPolicy) Option {
	return func(c *config) {
		c.policy = p
	}
}

// WithMaxBatchRecords bounds the record count of a single batch. A header
// claiming more records is a decode error.
func WithMaxBatchRecords(n uint32) Option {
	return func(c *config) {
		c.maxBatchRecords = n
	}
}
