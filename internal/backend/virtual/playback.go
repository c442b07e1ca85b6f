package virtual

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/pcmstream/internal/backend"
)

// PlaybackDevice is a virtual playback queue.
type PlaybackDevice struct {
	device     string
	sampleRate int
	opts       options

	mu          sync.Mutex
	format      backend.Format
	configured  bool
	nextID      backend.BufferID
	buffers     map[backend.BufferID][]byte
	queued      []backend.BufferID
	processed   []backend.BufferID
	playing     bool
	closed      bool
	played      []byte
	calls       []string
	enqueueErr  error
	totalQueued int

	notify chan struct{}
	stopRT chan struct{}
	rtDone chan struct{}
}

var _ backend.PlaybackDevice = (*PlaybackDevice)(nil)

func newPlaybackDevice(device string, sampleRate int, opts options) *PlaybackDevice {
	return &PlaybackDevice{
		device:     device,
		sampleRate: sampleRate,
		opts:       opts,
		nextID:     1,
		buffers:    make(map[backend.BufferID][]byte),
		notify:     make(chan struct{}, 1),
	}
}

func (p *PlaybackDevice) record(call string) {
	p.calls = append(p.calls, call)
}

// SupportsFloat32 implements backend.PlaybackDevice.
func (p *PlaybackDevice) SupportsFloat32() bool {
	return p.opts.float32
}

// Configure implements backend.PlaybackDevice.
func (p *PlaybackDevice) Configure(format backend.Format, blockFrames int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.record("configure")
	if p.opts.failures.Configure != nil {
		return p.opts.failures.Configure
	}
	if err := format.Validate(); err != nil {
		return err
	}
	if format.Encoding == backend.EncodingFloat32 && !p.opts.float32 {
		return fmt.Errorf("%w: float32 not supported", backend.ErrInvalidFormat)
	}
	if blockFrames < 0 {
		return fmt.Errorf("%w: block frames %d", backend.ErrInvalidFormat, blockFrames)
	}
	p.format = format
	p.configured = true
	return nil
}

// AllocBuffers implements backend.PlaybackDevice.
func (p *PlaybackDevice) AllocBuffers(n int) ([]backend.BufferID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.record("alloc")
	if p.opts.failures.AllocBuffers != nil {
		return nil, p.opts.failures.AllocBuffers
	}
	if p.closed {
		return nil, backend.ErrClosed
	}

	ids := make([]backend.BufferID, 0, n)
	for range n {
		id := p.nextID
		p.nextID++
		p.buffers[id] = nil
		ids = append(ids, id)
	}
	return ids, nil
}

// ReleaseBuffers implements backend.PlaybackDevice.
func (p *PlaybackDevice) ReleaseBuffers(ids []backend.BufferID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.record("release")
	for _, id := range ids {
		if slices.Contains(p.queued, id) {
			return fmt.Errorf("%w: %d", backend.ErrBufferBusy, id)
		}
		delete(p.buffers, id)
	}
	p.processed = slices.DeleteFunc(p.processed, func(id backend.BufferID) bool {
		return slices.Contains(ids, id)
	})
	return nil
}

// Enqueue implements backend.PlaybackDevice.
func (p *PlaybackDevice) Enqueue(id backend.BufferID, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return backend.ErrClosed
	}
	if err := p.enqueueErr; err != nil {
		p.enqueueErr = nil
		return err
	}
	buf, ok := p.buffers[id]
	if !ok {
		return fmt.Errorf("%w: %d", backend.ErrUnknownBuffer, id)
	}
	if slices.Contains(p.queued, id) || slices.Contains(p.processed, id) {
		return fmt.Errorf("%w: %d", backend.ErrBufferBusy, id)
	}

	p.buffers[id] = append(buf[:0], data...)
	p.queued = append(p.queued, id)
	p.totalQueued++
	return nil
}

// Unqueue implements backend.PlaybackDevice.
func (p *PlaybackDevice) Unqueue() ([]backend.BufferID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, backend.ErrClosed
	}
	if len(p.processed) == 0 {
		return nil, nil
	}
	done := p.processed
	p.processed = nil
	return done, nil
}

// Playing implements backend.PlaybackDevice.
func (p *PlaybackDevice) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Play implements backend.PlaybackDevice.
func (p *PlaybackDevice) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.record("play")
	if p.closed {
		return backend.ErrClosed
	}
	if p.opts.failures.Play != nil {
		return p.opts.failures.Play
	}
	if p.playing {
		return nil
	}
	p.playing = true
	if p.opts.realtime && p.stopRT == nil {
		p.stopRT = make(chan struct{})
		p.rtDone = make(chan struct{})
		go p.realtimeLoop(p.stopRT, p.rtDone)
	}
	return nil
}

// Stop implements backend.PlaybackDevice. Queued buffers are marked processed.
func (p *PlaybackDevice) Stop() error {
	p.mu.Lock()
	p.record("stop")
	p.playing = false
	p.processed = append(p.processed, p.queued...)
	p.queued = nil
	stop, done := p.stopRT, p.rtDone
	p.stopRT, p.rtDone = nil, nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	p.signal()
	return nil
}

// Close implements backend.PlaybackDevice.
func (p *PlaybackDevice) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.record("close")
	p.closed = true
	p.playing = false
	stop, done := p.stopRT, p.rtDone
	p.stopRT, p.rtDone = nil, nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

func (p *PlaybackDevice) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Complete marks up to n queued buffers as played, oldest first, and returns
// how many were completed.
func (p *PlaybackDevice) Complete(n int) int {
	p.mu.Lock()
	done := p.completeLocked(n)
	p.mu.Unlock()

	if done > 0 {
		p.signal()
	}
	return done
}

// CompleteAll marks every queued buffer as played.
func (p *PlaybackDevice) CompleteAll() int {
	return p.Complete(int(^uint(0) >> 1))
}

func (p *PlaybackDevice) completeLocked(n int) int {
	n = min(n, len(p.queued))
	for _, id := range p.queued[:n] {
		data := p.buffers[id]
		if !p.opts.realtime {
			p.played = append(p.played, data...)
		}
		if p.opts.sink != nil {
			_, _ = p.opts.sink.Write(data)
		}
	}
	p.processed = append(p.processed, p.queued[:n]...)
	p.queued = slices.Delete(p.queued, 0, n)
	if len(p.queued) == 0 && p.opts.stopOnUnderrun {
		p.playing = false
	}
	return n
}

// realtimeLoop plays the queue head for its real duration.
func (p *PlaybackDevice) realtimeLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	const idle = 2 * time.Millisecond
	for {
		p.mu.Lock()
		wait := idle
		active := p.playing && p.configured && len(p.queued) > 0
		if active {
			size := len(p.buffers[p.queued[0]])
			wait = time.Duration(size) * time.Second / time.Duration(p.format.BytesPerSecond())
		}
		p.mu.Unlock()

		select {
		case <-stop:
			return
		case <-time.After(wait):
		}

		if active {
			p.Complete(1)
		}
	}
}

// Queued reports how many buffers the backend currently owns.
func (p *PlaybackDevice) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queued)
}

// TotalQueued reports every successful enqueue since open.
func (p *PlaybackDevice) TotalQueued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalQueued
}

// Device returns the device id the stream asked for.
func (p *PlaybackDevice) Device() string { return p.device }

// SampleRate returns the rate requested at open.
func (p *PlaybackDevice) SampleRate() int { return p.sampleRate }

// Played returns a copy of every byte played so far. Realtime devices only
// forward to the sink.
func (p *PlaybackDevice) Played() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.played)
}

// Format returns the configured format.
func (p *PlaybackDevice) Format() backend.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

// Buffers reports how many buffers are currently allocated.
func (p *PlaybackDevice) Buffers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// Closed reports whether Close was called.
func (p *PlaybackDevice) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Calls returns the lifecycle calls received, in order.
func (p *PlaybackDevice) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

// FailNextEnqueue makes the next Enqueue return err.
func (p *PlaybackDevice) FailNextEnqueue(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueueErr = err
}

// SinkTo replaces the sink receiving played audio.
func (p *PlaybackDevice) SinkTo(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts.sink = w
}
