package engine

import (
	"context"
	"time"
)

type triggeredAtKey struct{}

// WithTriggeredAt records when the trigger that produced a task fired.
func WithTriggeredAt(ctx context.Context, t time.Time) context.Context {
	if t.IsZero() {
		return ctx
	}
	return context.WithValue(ctx, triggeredAtKey{}, t)
}

// TriggeredAt returns the trigger time carried by ctx, or time.Now() when
// the task was not started by a trigger. Tasks that care about "which minute
// was this" must use it instead of time.Now(), since queueing adds delay.
func TriggeredAt(ctx context.Context) time.Time {
	if ctx != nil {
		if t, ok := ctx.Value(triggeredAtKey{}).(time.Time); ok {
			return t
		}
	}
	return time.Now()
}
