package logging

import (
	"context"
	"time"
)

// TraceOperation wraps a unit of client work with correlation-ID propagation
// and start/finish logging, the way the teacher's HTTP middleware wrapped a
// handler — here the "handler" is a single Execute/ExecuteBatch call instead
// of an HTTP request.
func TraceOperation(ctx context.Context, component, action, message string, fn func(ctx context.Context) error) error {
	correlationID := GetCorrelationID(ctx)
	if correlationID == "" {
		correlationID = NewCorrelationID()
		ctx = WithCorrelationID(ctx, correlationID)
	}

	start := time.Now()
	Debug(ctx, component, action, message+" started")

	err := fn(ctx)

	duration := time.Since(start)
	level := INFO
	if err != nil {
		level = WARN
	}
	if logger := GetGlobalLogger(); logger != nil {
		fields := map[string]interface{}{}
		if err != nil {
			fields["error"] = err.Error()
		}
		logger.WithDuration(ctx, level, component, action, message+" finished", duration, fields)
	}

	return err
}
