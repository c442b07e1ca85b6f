// Package capture records PCM from a backend into a ring that application
// goroutines read from.
//
// The backend delivers audio on its own goroutine through a callback. The
// callback copies each block into a Ring and hands the scratch buffer back to
// the backend. When the application falls behind, the callback blocks until
// the reader makes room; a block is only dropped when the stream is stopped
// or the optional overrun timeout expires, and every drop is counted.
package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tphakala/pcmstream/internal/backend"
	"github.com/tphakala/pcmstream/internal/errors"
	"github.com/tphakala/pcmstream/internal/logger"
	"github.com/tphakala/pcmstream/internal/observability/metrics"
)

const (
	componentCapture = "capture"

	// ScratchBuffers is the number of blocks lent to the backend at a time.
	ScratchBuffers = 3

	// DefaultOversize is the ring size in scratch-buffer multiples.
	DefaultOversize = 4

	// Capture is 16-bit mono.
	captureChannels = 1
)

// Drop reasons, used as metric labels and log fields.
const (
	dropStopped = "stopped"
	dropTimeout = "timeout"
	dropClosed  = "closed"
)

// Config describes the device and latency of a capture stream.
type Config struct {
	Device      string
	SampleRate  int
	LatencyMs   int
	Nonblocking bool
}

type options struct {
	log            logger.Logger
	metrics        *metrics.EngineMetrics
	oversize       int
	overrunTimeout time.Duration
	id             string
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the stream logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics records stream activity into m.
func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithOversize sets the ring size as a multiple of one scratch buffer. It
// must be a power of two.
func WithOversize(factor int) Option {
	return func(o *options) { o.oversize = factor }
}

// WithOverrunTimeout bounds how long the backend callback waits for ring
// space before dropping the block. Zero waits until the stream stops.
func WithOverrunTimeout(d time.Duration) Option {
	return func(o *options) { o.overrunTimeout = d }
}

// WithStreamID overrides the generated stream ID.
func WithStreamID(id string) Option {
	return func(o *options) { o.id = id }
}

// Status is a point-in-time view of a capture stream.
type Status struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Format         string `json:"format"`
	Running        bool   `json:"running"`
	Nonblocking    bool   `json:"nonblocking"`
	Available      int    `json:"available"`
	Capacity       int    `json:"capacity"`
	FramesPerBlock int    `json:"framesPerBlock"`
	CapturedBytes  uint64 `json:"capturedBytes"`
	DroppedBlocks  uint64 `json:"droppedBlocks"`
	DroppedBytes   uint64 `json:"droppedBytes"`
}

// Stream is an open capture device feeding a Ring.
type Stream struct {
	id     string
	format backend.Format
	frames int
	log    logger.Logger
	m      *metrics.EngineMetrics

	ring    *Ring
	device  backend.CaptureDevice
	scratch []backend.BufferID

	overrunTimeout time.Duration
	// producerCtx ends on Close so a callback blocked on ring space returns.
	producerCtx    context.Context
	cancelProducer context.CancelFunc

	dropLimiter *rate.Limiter
	suppressed  atomic.Uint64

	mu          sync.Mutex
	running     atomic.Bool
	closed      bool
	nonblocking atomic.Bool

	captured     atomic.Uint64
	dropped      atomic.Uint64
	droppedBytes atomic.Uint64
}

// Open opens a 16-bit mono capture stream on drv. The block size is the
// number of frames in LatencyMs rounded up to a power of two. Open either
// returns a ready stream or releases everything it acquired and returns an
// error matching backend.ErrInitializationFailed. The stream is not started.
func Open(drv backend.Driver, cfg Config, opts ...Option) (*Stream, error) {
	o := options{oversize: DefaultOversize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Global().Module(componentCapture)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	s, err := open(drv, cfg, o)
	o.metrics.RecordOpen(metrics.KindCapture, err)
	if err != nil {
		o.log.Error("capture stream open failed",
			logger.String("stream_id", o.id),
			logger.String("device", cfg.Device),
			logger.Error(err))
		return nil, err
	}

	s.log.Info("capture stream opened",
		logger.String("format", s.format.String()),
		logger.Int("frames_per_block", s.frames),
		logger.Int("ring_bytes", s.ring.Capacity()))
	return s, nil
}

func open(drv backend.Driver, cfg Config, o options) (*Stream, error) {
	if drv == nil {
		return nil, backend.InitError(componentCapture, "open", errors.NewStd("no backend driver"))
	}
	if cfg.SampleRate <= 0 || cfg.LatencyMs <= 0 {
		return nil, backend.InitError(componentCapture, "validate",
			errors.Newf("sample rate %d and latency %dms must be positive", cfg.SampleRate, cfg.LatencyMs).
				Component(componentCapture).
				Category(errors.CategoryValidation).
				Build())
	}
	if o.oversize <= 0 || o.oversize&(o.oversize-1) != 0 {
		return nil, backend.InitError(componentCapture, "validate",
			errors.Newf("oversize factor %d is not a power of two", o.oversize).
				Component(componentCapture).
				Category(errors.CategoryValidation).
				Build())
	}

	format := backend.Format{
		SampleRate: cfg.SampleRate,
		Channels:   captureChannels,
		Encoding:   backend.EncodingInt16,
	}
	frames := nextPowerOfTwo(cfg.SampleRate * cfg.LatencyMs / 1000)
	blockBytes := frames * format.BytesPerFrame()

	ring, err := NewRing(blockBytes * o.oversize)
	if err != nil {
		return nil, backend.InitError(componentCapture, "alloc_ring", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		id:             o.id,
		format:         format,
		frames:         frames,
		log:            o.log.With(logger.String("stream_id", o.id)),
		m:              o.metrics,
		ring:           ring,
		overrunTimeout: o.overrunTimeout,
		producerCtx:    ctx,
		cancelProducer: cancel,
		dropLimiter:    rate.NewLimiter(rate.Every(time.Second), 1),
	}
	s.nonblocking.Store(cfg.Nonblocking)

	device, err := drv.OpenCapture(cfg.Device, format, s.onCapture)
	if err != nil {
		cancel()
		return nil, backend.InitError(componentCapture, "open_device", err)
	}

	ids, err := device.AllocBuffers(ScratchBuffers, blockBytes)
	if err != nil {
		cancel()
		_ = device.Close()
		return nil, backend.InitError(componentCapture, "alloc_buffers", err)
	}

	s.device = device
	s.scratch = ids
	return s, nil
}

// onCapture runs on the backend goroutine for every filled scratch buffer.
func (s *Stream) onCapture(id backend.BufferID, data []byte) {
	s.captured.Add(uint64(len(data)))
	s.m.RecordCaptureBytes(s.id, len(data))

	ctx := s.producerCtx
	if s.overrunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.overrunTimeout)
		defer cancel()
	}

	n, err := s.ring.WriteContext(ctx, data)
	if err != nil {
		s.drop(dropReason(err), len(data)-n)
	}
	s.m.UpdateRingFill(s.id, s.ring.Available(), s.ring.Capacity())

	if !s.running.Load() {
		return
	}
	if err := s.device.Submit(id); err != nil && !errors.Is(err, backend.ErrBufferBusy) {
		s.m.RecordBackendRejection(s.id, "submit")
		if s.dropLimiter.Allow() {
			s.log.Warn("backend refused scratch buffer",
				logger.Int("buffer_id", int(id)),
				logger.Error(err))
		}
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return dropTimeout
	case errors.Is(err, context.Canceled):
		return dropClosed
	default:
		return dropStopped
	}
}

func (s *Stream) drop(reason string, bytes int) {
	if bytes <= 0 {
		return
	}
	s.dropped.Add(1)
	s.droppedBytes.Add(uint64(bytes))
	s.m.RecordDropped(s.id, reason, bytes)

	if !s.dropLimiter.Allow() {
		s.suppressed.Add(1)
		return
	}
	s.log.Warn("capture overrun, block dropped",
		logger.String("reason", reason),
		logger.Int("bytes", bytes),
		logger.Uint64("dropped_total", s.dropped.Load()),
		logger.Uint64("suppressed", s.suppressed.Swap(0)))
}

// Start lends the scratch buffers to the backend and starts recording.
// Starting a running stream is a no-op.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return backend.ErrClosed
	}
	if s.running.Load() {
		return nil
	}

	s.ring.Resume()
	s.running.Store(true)
	for _, id := range s.scratch {
		// A callback racing the previous Stop may have re-submitted already.
		if err := s.device.Submit(id); err != nil && !errors.Is(err, backend.ErrBufferBusy) {
			s.running.Store(false)
			s.ring.Stop()
			s.m.RecordBackendRejection(s.id, "submit")
			return backend.RejectError(componentCapture, "submit", err)
		}
	}
	if err := s.device.Start(); err != nil {
		s.running.Store(false)
		s.ring.Stop()
		s.m.RecordBackendRejection(s.id, "start")
		return backend.RejectError(componentCapture, "start", err)
	}

	s.log.Debug("capture started")
	return nil
}

// Stop halts the backend and wakes blocked readers. Data already in the ring
// stays readable. Stopping a stopped stream is a no-op.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	// The ring goes first: a device stop waits for an in-flight callback,
	// which may be parked on ring space.
	s.ring.Stop()
	if err := s.device.Stop(); err != nil {
		s.m.RecordBackendRejection(s.id, "stop")
		return backend.RejectError(componentCapture, "stop", err)
	}

	s.log.Debug("capture stopped", logger.Int("buffered", s.ring.Available()))
	return nil
}

// Close stops recording and releases the device. It is idempotent and safe on
// a nil stream.
func (s *Stream) Close() error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.running.Store(false)

	s.ring.Stop()
	s.cancelProducer()

	var errs []error
	if err := s.device.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.device.ReleaseBuffers(s.scratch); err != nil {
		errs = append(errs, err)
	}
	if err := s.device.Close(); err != nil {
		errs = append(errs, err)
	}
	s.scratch = nil
	s.ring.Close()
	s.m.RecordClose(metrics.KindCapture, s.id)

	if err := errors.Join(errs...); err != nil {
		s.log.Warn("capture stream closed with errors", logger.Error(err))
		return backend.RejectError(componentCapture, "close", err)
	}
	s.log.Info("capture stream closed",
		logger.Uint64("captured_bytes", s.captured.Load()),
		logger.Uint64("dropped_blocks", s.dropped.Load()))
	return nil
}

// Read fills p from the ring. See ReadContext.
func (s *Stream) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// ReadContext copies captured bytes into p. In nonblocking mode it copies
// what is buffered and returns at once. Otherwise it keeps copying as audio
// arrives until p is full, the stream is stopped or closed, or ctx ends; p may
// be larger than Capacity. A stop is not an error; a short count tells the
// caller.
func (s *Stream) ReadContext(ctx context.Context, p []byte) (int, error) {
	var (
		n   int
		err error
	)
	if s.nonblocking.Load() {
		n = s.ring.TryRead(p)
	} else {
		n, err = s.ring.ReadContext(ctx, p)
	}
	if n > 0 {
		s.m.UpdateRingFill(s.id, s.ring.Available(), s.ring.Capacity())
	}

	switch {
	case err == nil, errors.Is(err, backend.ErrCancelled):
		return n, nil
	case errors.Is(err, backend.ErrClosed):
		return n, err
	default:
		return n, errors.New(err).
			Component(componentCapture).
			Category(errors.CategoryCancellation).
			Context("operation", "read").
			Context("bytes_read", n).
			Build()
	}
}

// SetNonblocking switches between blocking and nonblocking reads.
func (s *Stream) SetNonblocking(nonblocking bool) {
	s.nonblocking.Store(nonblocking)
}

// Alive reports whether the stream is recording.
func (s *Stream) Alive() bool {
	return s.running.Load()
}

// UsesFloat reports the sample encoding. Capture is always 16-bit.
func (s *Stream) UsesFloat() bool {
	return s.format.Encoding == backend.EncodingFloat32
}

// Format returns the capture format.
func (s *Stream) Format() backend.Format { return s.format }

// ID returns the stream ID used in logs and metrics.
func (s *Stream) ID() string { return s.id }

// Available returns the number of buffered bytes.
func (s *Stream) Available() int { return s.ring.Available() }

// Capacity returns the ring size in bytes.
func (s *Stream) Capacity() int { return s.ring.Capacity() }

// FramesPerBlock returns the frames in one backend scratch buffer.
func (s *Stream) FramesPerBlock() int { return s.frames }

// Dropped returns the number of blocks lost to the overrun policy.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

// Status returns a snapshot of the stream.
func (s *Stream) Status() Status {
	return Status{
		ID:             s.id,
		Kind:           metrics.KindCapture,
		Format:         s.format.String(),
		Running:        s.running.Load(),
		Nonblocking:    s.nonblocking.Load(),
		Available:      s.ring.Available(),
		Capacity:       s.ring.Capacity(),
		FramesPerBlock: s.frames,
		CapturedBytes:  s.captured.Load(),
		DroppedBlocks:  s.dropped.Load(),
		DroppedBytes:   s.droppedBytes.Load(),
	}
}
