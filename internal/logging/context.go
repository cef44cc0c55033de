package logging

import (
	"context"
	"log/slog"

	"feedloom/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldSourceID is the standardized structured logging key for feed source identifiers.
	FieldSourceID = "source_id"
	// FieldRuleID is the standardized structured logging key for rule identifiers.
	FieldRuleID = "rule_id"
	// FieldItemID is the standardized structured logging key for download item identifiers.
	FieldItemID = "item_id"
	// FieldFetchLogID is the standardized structured logging key for fetch log rows.
	FieldFetchLogID = "fetch_log_id"
	// FieldBackend is the standardized structured logging key for the download backend name.
	FieldBackend = "backend"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies a log line for filtering (e.g. "fetch_failed").
	FieldEventType = "event_type"
	// FieldErrorHint suggests the next step an operator should take.
	FieldErrorHint = "error_hint"
	// FieldImpact states what a warning means for the user.
	FieldImpact = "impact"
	// FieldDecisionType names the decision being logged.
	FieldDecisionType   = "decision_type"
	FieldDecisionResult = "decision_result"
	FieldDecisionReason = "decision_reason"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := services.SourceIDFromContext(ctx); ok {
		fields = append(fields, slog.Int64(FieldSourceID, id))
	}
	if id, ok := services.RuleIDFromContext(ctx); ok {
		fields = append(fields, slog.Int64(FieldRuleID, id))
	}
	if id, ok := services.ItemIDFromContext(ctx); ok {
		fields = append(fields, slog.Int64(FieldItemID, id))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
