package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Domain semantic convention attributes.
var (
	// Job attributes
	AttrJobID      = attribute.Key("forzeo.job.id")
	AttrJobType    = attribute.Key("forzeo.job.type")
	AttrJobBatchID = attribute.Key("forzeo.job.batch_id")
	AttrJobRetries = attribute.Key("forzeo.job.retry_count")

	// Engine authority attributes
	AttrEngineID     = attribute.Key("forzeo.engine.id")
	AttrEngineStatus = attribute.Key("forzeo.engine.status")
	AttrEngineWeight = attribute.Key("forzeo.engine.weight")

	// Consensus attributes
	AttrPromptID    = attribute.Key("forzeo.prompt.id")
	AttrConvergence = attribute.Key("forzeo.consensus.convergence")
	AttrConfidence  = attribute.Key("forzeo.consensus.confidence")

	// SLA attributes
	AttrInsightID = attribute.Key("forzeo.sla.insight_id")
	AttrOverdue   = attribute.Key("forzeo.sla.overdue_count")
)

// JobOperation creates attributes for work item execution.
func JobOperation(jobID, jobType, batchID string, retryCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrJobID.String(jobID),
		AttrJobType.String(jobType),
		AttrJobBatchID.String(batchID),
		AttrJobRetries.Int(retryCount),
	}
}

// EngineOperation creates attributes for authority tracking operations.
func EngineOperation(engineID, status string, weight float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEngineID.String(engineID),
		AttrEngineStatus.String(status),
		AttrEngineWeight.Float64(weight),
	}
}

// ConsensusOperation creates attributes for resolution and scoring.
func ConsensusOperation(promptID, confidence string, convergence float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPromptID.String(promptID),
		AttrConfidence.String(confidence),
		AttrConvergence.Float64(convergence),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
