package internal

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// falls back to sentry.CurrentHub if the context has no hub attached.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// ReportPanicsToSentry must be deferred directly. It reports the panic, flushes,
// then re-panics so the process still fails loudly.
func ReportPanicsToSentry() {
	panicData := recover()
	if panicData == nil {
		return
	}
	sentry.CurrentHub().Recover(panicData)
	sentry.Flush(5 * time.Second)
	panic(panicData)
}

// CaptureError reports err against the request's hub, tagged with the request id if any.
func CaptureError(ctx context.Context, err error) {
	hub := GetSentryHubFromContextOrDefault(ctx)
	hub.WithScope(func(scope *sentry.Scope) {
		if rid := RequestIDFromContext(ctx); rid != "" {
			scope.SetTag("request_id", rid)
		}
		hub.CaptureException(err)
	})
}
