package observability

import (
	"bytes"

	"github.com/labstack/echo/v4"
	gommonlog "github.com/labstack/gommon/log"

	"github.com/tphakala/pcmstream/internal/logger"
)

// echoLogWriter forwards lines from echo's own logger to a module logger.
type echoLogWriter struct {
	log logger.Logger
}

func (w echoLogWriter) Write(p []byte) (int, error) {
	if line := bytes.TrimSpace(p); len(line) > 0 {
		w.log.Warn("echo", logger.String("line", string(line)))
	}
	return len(p), nil
}

// routeEchoLog points echo's internal logger at l. Outside debug mode only
// warnings and errors get through.
func routeEchoLog(e *echo.Echo, l logger.Logger, debug bool) {
	level := gommonlog.WARN
	if debug {
		level = gommonlog.DEBUG
	}
	e.Logger.SetLevel(level)
	e.Logger.SetOutput(echoLogWriter{log: l})
}
