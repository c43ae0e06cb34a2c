package observability

import (
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

const sentryFlushTimeout = 2 * time.Second

// SentryConfig holds error reporting configuration.
type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
}

// InitSentry initializes the Sentry client. It returns a flush function that should be
// deferred by the caller. Without a DSN reporting stays disabled.
func InitSentry(cfg SentryConfig) (flush func(), err error) {
	if cfg.DSN == "" {
		log.Info().Msg("Sentry disabled (no DSN)")
		return func() {}, nil
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		EnableTracing:    cfg.SampleRate > 0,
		TracesSampleRate: cfg.SampleRate,
	})
	if err != nil {
		return func() {}, err
	}

	log.Info().Str("environment", cfg.Environment).Msg("Sentry initialized")
	return func() { sentry.Flush(sentryFlushTimeout) }, nil
}

// ReportError sends err to Sentry with the given tags. It is a no-op when Sentry is not
// initialized.
func ReportError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// RecoverMiddleware reports handler panics to Sentry and answers 500.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(r)
				hub.RecoverWithContext(r.Context(), rec)
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("Handler panic")
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
