package observability

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/pcmstream/internal/conf"
	"github.com/tphakala/pcmstream/internal/errors"
	"github.com/tphakala/pcmstream/internal/logger"
)

const sentryFlushTimeout = 2 * time.Second

// InitSentry installs the Sentry error reporter when enabled. The returned
// function flushes pending events and is safe to call when disabled.
func InitSentry(settings conf.SentrySettings, release string) (func(), error) {
	if !settings.Enabled {
		return func() {}, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.DSN,
		Release:          release,
		AttachStacktrace: true,
		SendDefaultPII:   false,
	})
	if err != nil {
		return func() {}, errors.New(err).
			Component("observability").
			Category(errors.CategoryConfiguration).
			Context("operation", "sentry_init").
			Build()
	}

	errors.SetPrivacyScrubber(logger.RedactSensitiveData)
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	log.Info("error telemetry enabled", logger.String("release", release))

	return func() {
		errors.SetTelemetryReporter(nil)
		sentry.Flush(sentryFlushTimeout)
	}, nil
}
