package services

import "context"

type ctxKey int

const (
	sourceIDKey ctxKey = iota
	ruleIDKey
	itemIDKey
	requestIDKey
)

// WithSourceID tags ctx with the feed source being processed.
func WithSourceID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, sourceIDKey, id)
}

// SourceIDFromContext returns the source id set by WithSourceID.
func SourceIDFromContext(ctx context.Context) (int64, bool) {
	return lookup[int64](ctx, sourceIDKey)
}

// WithRuleID tags ctx with the rule being evaluated.
func WithRuleID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, ruleIDKey, id)
}

// RuleIDFromContext returns the rule id set by WithRuleID.
func RuleIDFromContext(ctx context.Context) (int64, bool) {
	return lookup[int64](ctx, ruleIDKey)
}

// WithItemID tags ctx with the download item being handled.
func WithItemID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, itemIDKey, id)
}

// ItemIDFromContext returns the download item id set by WithItemID.
func ItemIDFromContext(ctx context.Context) (int64, bool) {
	return lookup[int64](ctx, itemIDKey)
}

// WithRequestID tags ctx with a correlation id. Empty ids are ignored.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the correlation id set by WithRequestID.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return lookup[string](ctx, requestIDKey)
}

func lookup[T comparable](ctx context.Context, key ctxKey) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(key).(T)
	if !ok || v == zero {
		return zero, false
	}
	return v, true
}
