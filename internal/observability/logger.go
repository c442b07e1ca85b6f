// Package observability serves engine metrics and stream status over HTTP
// and wires error telemetry.
package observability

import "github.com/tphakala/pcmstream/internal/logger"

// Package-level cached logger instance for efficiency.
var log = logger.Global().Module("observability")
