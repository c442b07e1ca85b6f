package metrics

import "time"

// Label values shared across collectors.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Histogram bucket configuration.
const (
	// BucketStart500us is the starting bucket for write wait histograms (0.5ms to ~1s).
	BucketStart500us = 0.0005
	// BucketStart100us is the starting bucket for HTTP handler histograms (0.1ms to ~400ms).
	BucketStart100us = 0.0001

	BucketFactor2 = 2
	BucketCount12 = 12
)

// ShutdownTimeout is the timeout for graceful shutdown operations.
const ShutdownTimeout = 5 * time.Second
