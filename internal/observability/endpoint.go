package observability

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/pcmstream/internal/conf"
	"github.com/tphakala/pcmstream/internal/errors"
	"github.com/tphakala/pcmstream/internal/logger"
	"github.com/tphakala/pcmstream/internal/observability/metrics"
)

// Endpoint serves /metrics and the stream status API.
type Endpoint struct {
	echo          *echo.Echo
	listenAddress string
	metrics       *Metrics
	streams       *Streams
}

// NewEndpoint creates the HTTP endpoint. It fails when metrics are disabled
// in settings.
func NewEndpoint(settings *conf.Settings, m *Metrics, streams *Streams) (*Endpoint, error) {
	if !settings.Metrics.Enabled {
		return nil, errors.Newf("metrics endpoint not enabled in settings").
			Component("observability").
			Category(errors.CategoryConfiguration).
			Build()
	}

	e := &Endpoint{
		echo:          echo.New(),
		listenAddress: settings.Metrics.Listen,
		metrics:       m,
		streams:       streams,
	}
	e.echo.HideBanner = true
	e.echo.HidePort = true
	routeEchoLog(e.echo, log.Module("echo"), settings.Debug)
	e.registerRoutes()
	return e, nil
}

func (e *Endpoint) registerRoutes() {
	e.echo.Use(e.requestMetrics)

	e.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(e.metrics.Registry(), promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})))
	e.echo.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	api := e.echo.Group("/api/v1")
	api.GET("/streams", e.listStreams)
	api.GET("/streams/:id", e.getStream)
}

// requestMetrics records every request under its route pattern.
func (e *Endpoint) requestMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}
		e.metrics.HTTP.RecordHTTPRequest(c.Request().Method, c.Path(), c.Response().Status, time.Since(start).Seconds())
		return nil
	}
}

func (e *Endpoint) listStreams(c echo.Context) error {
	return c.JSON(http.StatusOK, e.streams.Snapshot())
}

func (e *Endpoint) getStream(c echo.Context) error {
	entry, ok := e.streams.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "stream not found")
	}
	return c.JSON(http.StatusOK, entry)
}

// Handler exposes the router, mainly for tests.
func (e *Endpoint) Handler() http.Handler {
	return e.echo
}

// Run listens on the configured address until ctx ends, then shuts the
// server down gracefully.
func (e *Endpoint) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.listenAddress)
	if err != nil {
		return errors.New(err).
			Component("observability").
			Category(errors.CategoryNetwork).
			Context("listen", e.listenAddress).
			Build()
	}
	return e.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (e *Endpoint) Serve(ctx context.Context, ln net.Listener) error {
	e.echo.Listener = ln
	serveErr := make(chan error, 1)
	go func() {
		log.Info("metrics endpoint starting", logger.String("address", ln.Addr().String()))
		serveErr <- e.echo.Start("")
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("stopping metrics endpoint")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), metrics.ShutdownTimeout)
	defer cancel()
	started := time.Now()
	if err := e.echo.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics endpoint shutdown error", logger.Error(err))
		return errors.New(err).
			Component("observability").
			Category(errors.CategoryNetwork).
			Timing("shutdown", time.Since(started)).
			Build()
	}
	<-serveErr
	return nil
}
