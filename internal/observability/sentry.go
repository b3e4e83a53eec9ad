package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

var sentryEnabled bool

// InitSentry configures error reporting. An empty DSN leaves reporting disabled.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          ServiceName + "@" + ServiceVersion,
		AttachStacktrace: true,
	})
	if err != nil {
		return fmt.Errorf("failed to init sentry: %w", err)
	}
	sentryEnabled = true
	return nil
}

// FlushSentry drains buffered events before shutdown.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled {
		sentry.Flush(timeout)
	}
}

// CaptureError reports err with the given tags. It is a no-op when Sentry is
// not configured.
func CaptureError(ctx context.Context, err error, tags map[string]string) {
	if !sentryEnabled || err == nil {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		hub.CaptureException(err)
	})
}

// RecoverMiddleware reports handler panics and answers 500.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger := GetLogger()
				logger.Error().Interface("panic", rec).Str("path", req.URL.Path).Msg("Recovered handler panic")
				if sentryEnabled {
					hub := sentry.CurrentHub().Clone()
					hub.Scope().SetRequest(req)
					hub.RecoverWithContext(req.Context(), rec)
					hub.Flush(2 * time.Second)
				}
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}
