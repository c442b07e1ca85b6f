// Package output streams application PCM to a playback backend through a
// fixed set of recycled chunk buffers.
//
// Writes fill an accumulator. Every full chunk is handed to the backend in a
// free buffer; buffers come back once the backend reports them played. When
// all buffers are queued a nonblocking stream returns a short count, and a
// blocking stream waits for a completion, a Stop or Pause, the caller's
// context, or the optional block timeout.
package output

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
	componentOutput = "output"

	// DefaultChunkSize is the size in bytes of every backend buffer.
	DefaultChunkSize = 1024

	// DefaultRetryInterval is how often a blocked writer polls a backend
	// that cannot signal completions.
	DefaultRetryInterval = time.Millisecond

	// MinBuffers is the smallest buffer pool a stream is opened with.
	MinBuffers = 2

	// Output is always stereo.
	outputChannels = 2
)

// Short write reasons, used as metric labels.
const (
	shortBackpressure = "backpressure"
	shortStopped      = "stopped"
	shortTimeout      = "timeout"
	shortCancelled    = "cancelled"
	shortRejected     = "rejected"
)

// SlotState tells who owns an output buffer.
type SlotState uint8

const (
	// SlotFree buffers belong to the stream and may be filled.
	SlotFree SlotState = iota
	// SlotQueued buffers belong to the backend until it reports them played.
	SlotQueued
)

func (s SlotState) String() string {
	if s == SlotQueued {
		return "queued"
	}
	return "free"
}

// Config describes the device and latency of an output stream.
type Config struct {
	Device      string
	SampleRate  int
	LatencyMs   int
	BlockFrames int
	Nonblocking bool
}

type options struct {
	log           logger.Logger
	metrics       *metrics.EngineMetrics
	chunkSize     int
	retryInterval time.Duration
	blockTimeout  time.Duration
	id            string
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

// WithChunkSize overrides DefaultChunkSize.
func WithChunkSize(size int) Option {
	return func(o *options) { o.chunkSize = size }
}

// WithRetryInterval sets the poll interval used while blocked on a backend
// without completion notification.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) { o.retryInterval = d }
}

// WithBlockTimeout bounds how long a blocking write waits for a free buffer.
// When it elapses the write returns a short count. Zero waits indefinitely.
func WithBlockTimeout(d time.Duration) Option {
	return func(o *options) { o.blockTimeout = d }
}

// WithStreamID overrides the generated stream ID.
func WithStreamID(id string) Option {
	return func(o *options) { o.id = id }
}

// Status is a point-in-time view of an output stream.
type Status struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Format       string `json:"format"`
	Buffers      int    `json:"buffers"`
	FreeBuffers  int    `json:"freeBuffers"`
	ChunkSize    int    `json:"chunkSize"`
	Capacity     int    `json:"capacity"`
	Pending      int    `json:"pending"`
	Paused       bool   `json:"paused"`
	Nonblocking  bool   `json:"nonblocking"`
	UsesFloat    bool   `json:"usesFloat"`
	BytesWritten uint64 `json:"bytesWritten"`
	ChunksQueued uint64 `json:"chunksQueued"`
}

// Stream is an open playback device with its buffer pool.
//
// Write, WriteAvailable and Close are meant for one owning goroutine and are
// serialized. Stop, Start, Pause, SetNonblocking and Status may be called
// from anywhere.
type Stream struct {
	id     string
	format backend.Format
	chunk  int
	log    logger.Logger
	m      *metrics.EngineMetrics

	device  backend.PlaybackDevice
	notify  <-chan struct{}
	buffers int

	retryInterval time.Duration
	blockTimeout  time.Duration

	// owned by the writer, guarded by mu
	mu    sync.Mutex
	ids   []backend.BufferID
	state map[backend.BufferID]SlotState
	free  []backend.BufferID
	acc   []byte

	paused      atomic.Bool
	nonblocking atomic.Bool
	closed      atomic.Bool
	wake        chan struct{}

	warnLimiter *rate.Limiter

	freeCount    atomic.Int32
	pending      atomic.Int32
	bytesWritten atomic.Uint64
	discarded    atomic.Uint64
	chunksQueued atomic.Uint64
}

// BufferCount returns the number of chunk buffers a stream with this format
// and latency uses: the latency in chunks minus the accumulator, and never
// fewer than MinBuffers.
func BufferCount(format backend.Format, latencyMs, chunkSize int) int {
	latencyBytes := latencyMs * format.SampleRate * format.Channels * format.Encoding.BytesPerSample()
	return max(MinBuffers, latencyBytes/(1000*chunkSize)-1)
}

// Open opens a stereo playback stream on drv. Float32 samples are used when
// the device supports them, 16-bit otherwise. Open either returns a ready
// stream or releases everything it acquired and returns an error matching
// backend.ErrInitializationFailed.
func Open(drv backend.Driver, cfg Config, opts ...Option) (*Stream, error) {
	o := options{
		chunkSize:     DefaultChunkSize,
		retryInterval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Global().Module(componentOutput)
	}
	if o.retryInterval <= 0 {
		o.retryInterval = DefaultRetryInterval
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	s, err := open(drv, cfg, o)
	o.metrics.RecordOpen(metrics.KindOutput, err)
	if err != nil {
		o.log.Error("output stream open failed",
			logger.String("stream_id", o.id),
			logger.String("device", cfg.Device),
			logger.Error(err))
		return nil, err
	}

	s.log.Info("output stream opened",
		logger.String("format", s.format.String()),
		logger.Int("buffers", s.buffers),
		logger.Int("chunk_size", s.chunk),
		logger.Bool("completion_notify", s.notify != nil))
	return s, nil
}

func open(drv backend.Driver, cfg Config, o options) (*Stream, error) {
	if drv == nil {
		return nil, backend.InitError(componentOutput, "open", errors.NewStd("no backend driver"))
	}
	if cfg.SampleRate <= 0 || cfg.LatencyMs <= 0 || o.chunkSize <= 0 {
		return nil, backend.InitError(componentOutput, "validate",
			errors.Newf("sample rate %d, latency %dms and chunk size %d must be positive",
				cfg.SampleRate, cfg.LatencyMs, o.chunkSize).
				Component(componentOutput).
				Category(errors.CategoryValidation).
				Build())
	}

	device, err := drv.OpenPlayback(cfg.Device, cfg.SampleRate)
	if err != nil {
		return nil, backend.InitError(componentOutput, "open_device", err)
	}

	format := backend.Format{
		SampleRate: cfg.SampleRate,
		Channels:   outputChannels,
		Encoding:   backend.EncodingInt16,
	}
	if device.SupportsFloat32() {
		format.Encoding = backend.EncodingFloat32
	}

	if err := device.Configure(format, cfg.BlockFrames); err != nil {
		_ = device.Close()
		return nil, backend.InitError(componentOutput, "configure", err)
	}

	n := BufferCount(format, cfg.LatencyMs, o.chunkSize)
	ids, err := device.AllocBuffers(n)
	if err != nil {
		_ = device.Close()
		return nil, backend.InitError(componentOutput, "alloc_buffers", err)
	}
	if len(ids) != n {
		_ = device.ReleaseBuffers(ids)
		_ = device.Close()
		return nil, backend.InitError(componentOutput, "alloc_buffers",
			errors.Newf("backend allocated %d of %d buffers", len(ids), n).
				Component(componentOutput).
				Category(errors.CategoryBuffer).
				Build())
	}

	s := &Stream{
		id:            o.id,
		format:        format,
		chunk:         o.chunkSize,
		log:           o.log.With(logger.String("stream_id", o.id)),
		m:             o.metrics,
		device:        device,
		buffers:       n,
		retryInterval: o.retryInterval,
		blockTimeout:  o.blockTimeout,
		ids:           ids,
		state:         make(map[backend.BufferID]SlotState, n),
		free:          make([]backend.BufferID, 0, n),
		acc:           make([]byte, 0, o.chunkSize),
		wake:          make(chan struct{}, 1),
		warnLimiter:   rate.NewLimiter(rate.Every(time.Second), 1),
	}
	if notifier, ok := device.(backend.CompletionNotifier); ok {
		s.notify = notifier.Completions()
	}
	for _, id := range ids {
		s.state[id] = SlotFree
		s.free = append(s.free, id)
	}
	s.nonblocking.Store(cfg.Nonblocking)
	s.publish()
	return s, nil
}

// Write queues p for playback. See WriteContext.
func (s *Stream) Write(p []byte) (int, error) {
	return s.WriteContext(context.Background(), p)
}

// WriteContext copies p into the stream and returns how many bytes were
// accepted. Accepted bytes are played unless Close drops them first.
//
// A short count with a nil error means the stream ran out of free buffers
// (nonblocking mode or block timeout) or was stopped or paused while waiting.
// Backend refusals return an error matching backend.ErrBackendRejected;
// the refused chunk stays in the stream and is retried on the next write.
// Cancellation of ctx returns an error wrapping ctx.Err().
//
// Input is queued a chunk at a time. The tail of p that does not fill a chunk
// stays in the stream, and so does a full chunk when p ends on a chunk
// boundary while every buffer is queued: the write returns instead of waiting
// for room it no longer needs. Either is sent by a later write; an empty one
// (WriteContext(ctx, nil)) retries a full pending chunk without blocking.
// Status().Pending reports the held bytes and Close discards them, see
// Discarded.
func (s *Stream) WriteContext(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return 0, backend.ErrClosed
	}

	written := 0
	defer func() {
		s.bytesWritten.Add(uint64(written))
		s.m.RecordBytesWritten(s.id, written)
		s.publish()
	}()

	for {
		if len(s.acc) == s.chunk {
			// once p is consumed a full chunk may stay pending instead of waiting
			queued, reason, err := s.flush(ctx, written < len(p))
			if err != nil {
				s.m.RecordShortWrite(s.id, reason)
				return written, err
			}
			if !queued {
				if written < len(p) {
					s.m.RecordShortWrite(s.id, reason)
				}
				return written, nil
			}
		}
		if written == len(p) {
			return written, nil
		}

		n := copy(s.acc[len(s.acc):s.chunk], p[written:])
		s.acc = s.acc[:len(s.acc)+n]
		written += n
	}
}

// flush hands the full accumulator to the backend. It reports whether the
// chunk left the accumulator and, if not, why.
func (s *Stream) flush(ctx context.Context, wait bool) (queued bool, reason string, err error) {
	id, reason, err := s.acquireSlot(ctx, wait)
	if err != nil || reason != "" {
		return false, reason, err
	}

	if err := s.device.Enqueue(id, s.acc); err != nil {
		s.free = append(s.free, id)
		s.m.RecordBackendRejection(s.id, "enqueue")
		s.warn("backend rejected chunk", err, id)
		return false, shortRejected, backend.RejectError(componentOutput, "enqueue", err)
	}

	s.state[id] = SlotQueued
	s.acc = s.acc[:0]
	s.chunksQueued.Add(1)
	s.m.RecordChunkQueued(s.id)

	if !s.device.Playing() {
		if err := s.device.Play(); err != nil {
			s.m.RecordBackendRejection(s.id, "play")
			s.warn("backend refused to start playback", err, id)
			// the chunk is queued and will play on the next successful start
			return true, shortRejected, backend.RejectError(componentOutput, "play", err)
		}
	}
	return true, "", nil
}

// acquireSlot returns a free buffer, or the reason none could be obtained.
// Without wait, or in nonblocking mode, it only polls once.
func (s *Stream) acquireSlot(ctx context.Context, wait bool) (backend.BufferID, string, error) {
	s.reclaim()
	if id, ok := s.pop(); ok {
		return id, "", nil
	}
	if !wait || s.nonblocking.Load() {
		return 0, shortBackpressure, nil
	}
	if s.paused.Load() {
		return 0, shortStopped, nil
	}

	started := time.Now()
	defer func() {
		s.m.RecordWriteBlocked(s.id, time.Since(started).Seconds())
	}()

	var deadline <-chan time.Time
	if s.blockTimeout > 0 {
		timer := time.NewTimer(s.blockTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var retry *time.Ticker
	var tick <-chan time.Time
	if s.notify == nil {
		retry = time.NewTicker(s.retryInterval)
		defer retry.Stop()
		tick = retry.C
	}

	for {
		select {
		case <-ctx.Done():
			return 0, shortCancelled, errors.New(ctx.Err()).
				Component(componentOutput).
				Category(errors.CategoryCancellation).
				Context("operation", "write").
				Build()
		case <-s.wake:
			return 0, shortStopped, nil
		case <-deadline:
			return 0, shortTimeout, nil
		case <-s.notify:
		case <-tick:
		}

		s.reclaim()
		if id, ok := s.pop(); ok {
			return id, "", nil
		}
		if s.paused.Load() {
			return 0, shortStopped, nil
		}
	}
}

// reclaim polls the backend for played buffers and returns them to the free
// stack.
func (s *Stream) reclaim() {
	done, err := s.device.Unqueue()
	if err != nil {
		s.m.RecordBackendRejection(s.id, "unqueue")
		s.warn("polling played buffers failed", err, 0)
		return
	}
	for _, id := range done {
		if s.state[id] != SlotQueued {
			continue
		}
		s.state[id] = SlotFree
		s.free = append(s.free, id)
	}
}

func (s *Stream) pop() (backend.BufferID, bool) {
	if len(s.free) == 0 {
		return 0, false
	}
	id := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	return id, true
}

func (s *Stream) publish() {
	s.freeCount.Store(int32(len(s.free)))
	s.pending.Store(int32(len(s.acc)))
	s.m.UpdateFreeSlots(s.id, len(s.free))
}

func (s *Stream) warn(msg string, err error, id backend.BufferID) {
	if !s.warnLimiter.Allow() {
		return
	}
	s.log.Warn(msg,
		logger.Int("buffer_id", int(id)),
		logger.Int("free_buffers", len(s.free)),
		logger.Error(err))
}

// WriteAvailable returns how many bytes the next nonblocking write accepts.
func (s *Stream) WriteAvailable() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return 0
	}
	s.reclaim()
	s.publish()
	return len(s.free)*s.chunk + (s.chunk - len(s.acc))
}

// BufferSize returns the total number of bytes the stream can hold: every
// buffer plus the accumulator.
func (s *Stream) BufferSize() int {
	return (s.buffers + 1) * s.chunk
}

// BufferCount returns the number of backend buffers.
func (s *Stream) BufferCount() int { return s.buffers }

// FreeSlots returns the number of buffers owned by the stream as of the last
// write or WriteAvailable.
func (s *Stream) FreeSlots() int { return int(s.freeCount.Load()) }

// ChunkSize returns the buffer size in bytes.
func (s *Stream) ChunkSize() int { return s.chunk }

// Stop marks the stream paused and releases a writer blocked on a full
// queue. Queued audio keeps playing. It returns false once closed.
func (s *Stream) Stop() bool {
	if s.closed.Load() {
		return false
	}
	s.paused.Store(true)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Pause is Stop without a result.
func (s *Stream) Pause() {
	s.Stop()
}

// Start clears the paused state. Buffers are reused as they are. It returns
// false once closed.
func (s *Stream) Start() bool {
	if s.closed.Load() {
		return false
	}
	// a wake token left by a Stop nobody waited on must not end the next wait
	select {
	case <-s.wake:
	default:
	}
	s.paused.Store(false)
	return true
}

// Alive reports whether the stream is open and not paused.
func (s *Stream) Alive() bool {
	return !s.closed.Load() && !s.paused.Load()
}

// SetNonblocking switches between blocking and nonblocking writes.
func (s *Stream) SetNonblocking(nonblocking bool) {
	s.nonblocking.Store(nonblocking)
}

// UsesFloat reports whether samples are 32-bit float.
func (s *Stream) UsesFloat() bool {
	return s.format.Encoding == backend.EncodingFloat32
}

// Format returns the stream format.
func (s *Stream) Format() backend.Format { return s.format }

// ID returns the stream ID used in logs and metrics.
func (s *Stream) ID() string { return s.id }

// Close stops playback, releases the backend buffers and closes the device.
// Audio still pending in the accumulator is discarded. Close wakes a blocked
// writer, is idempotent and is safe on a nil stream.
func (s *Stream) Close() error {
	if s == nil {
		return nil
	}
	if s.closed.Load() {
		return nil
	}
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := s.device.Stop(); err != nil {
		errs = append(errs, err)
	}
	// drain completions so every buffer is back with the stream
	_, _ = s.device.Unqueue()
	if err := s.device.ReleaseBuffers(s.ids); err != nil {
		errs = append(errs, err)
	}
	if err := s.device.Close(); err != nil {
		errs = append(errs, err)
	}

	dropped := len(s.acc)
	s.discarded.Store(uint64(dropped)) //nolint:gosec // len is never negative
	s.ids, s.free, s.acc = nil, nil, nil
	clear(s.state)
	s.freeCount.Store(0)
	s.pending.Store(0)
	s.m.RecordClose(metrics.KindOutput, s.id)

	if err := errors.Join(errs...); err != nil {
		s.log.Warn("output stream closed with errors", logger.Error(err))
		return backend.RejectError(componentOutput, "close", err)
	}
	fields := []logger.Field{
		logger.Uint64("bytes_written", s.bytesWritten.Load()),
		logger.Uint64("chunks_queued", s.chunksQueued.Load()),
		logger.Int("discarded_bytes", dropped),
	}
	if dropped > 0 {
		s.log.Warn("output stream closed with unplayed audio", fields...)
	} else {
		s.log.Info("output stream closed", fields...)
	}
	return nil
}

// Discarded returns how many accepted bytes Close dropped without playing
// them. It is zero until the stream is closed.
func (s *Stream) Discarded() uint64 {
	if s == nil {
		return 0
	}
	return s.discarded.Load()
}

// Status returns a snapshot of the stream.
func (s *Stream) Status() Status {
	return Status{
		ID:           s.id,
		Kind:         metrics.KindOutput,
		Format:       s.format.String(),
		Buffers:      s.buffers,
		FreeBuffers:  int(s.freeCount.Load()),
		ChunkSize:    s.chunk,
		Capacity:     s.BufferSize(),
		Pending:      int(s.pending.Load()),
		Paused:       s.paused.Load(),
		Nonblocking:  s.nonblocking.Load(),
		UsesFloat:    s.UsesFloat(),
		BytesWritten: s.bytesWritten.Load(),
		ChunksQueued: s.chunksQueued.Load(),
	}
}
