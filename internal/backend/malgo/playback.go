package malgo

import (
	"fmt"
	"slices"
	"sync"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/tphakala/pcmstream/internal/backend"
	"github.com/tphakala/pcmstream/internal/errors"
)

// playbackDevice plays enqueued buffers in order from the miniaudio data
// callback. The device keeps running through an underrun and plays silence
// until more buffers arrive.
type playbackDevice struct {
	drv        *Driver
	name       string
	deviceID   unsafe.Pointer
	sampleRate int

	mu        sync.Mutex
	dev       *malgo.Device
	format    backend.Format
	nextID    backend.BufferID
	buffers   map[backend.BufferID][]byte
	queue     []backend.BufferID
	offset    int // bytes of queue[0] already played
	processed []backend.BufferID
	closed    bool
	underruns uint64

	notify chan struct{}
}

var (
	_ backend.PlaybackDevice     = (*playbackDevice)(nil)
	_ backend.CompletionNotifier = (*playbackDevice)(nil)
)

func newPlaybackDevice(drv *Driver, name string, deviceID unsafe.Pointer, sampleRate int) *playbackDevice {
	return &playbackDevice{
		drv:        drv,
		name:       name,
		deviceID:   deviceID,
		sampleRate: sampleRate,
		nextID:     1,
		buffers:    make(map[backend.BufferID][]byte),
		notify:     make(chan struct{}, 1),
	}
}

func (p *playbackDevice) SupportsFloat32() bool {
	return p.drv.opts.preferFloat
}

// Configure creates the miniaudio device. blockFrames, when positive, sets
// the period size.
func (p *playbackDevice) Configure(format backend.Format, blockFrames int) error {
	if err := format.Validate(); err != nil {
		return err
	}
	if format.SampleRate != p.sampleRate {
		return fmt.Errorf("%w: rate %d differs from requested %d", backend.ErrInvalidFormat, format.SampleRate, p.sampleRate)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dev != nil {
		return errors.Newf("playback device already configured").
			Component(componentMalgo).
			Category(errors.CategoryState).
			Build()
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgoFormat(format.Encoding)
	deviceConfig.Playback.Channels = uint32(format.Channels)
	deviceConfig.Playback.DeviceID = p.deviceID
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.Alsa.NoMMap = 1
	if blockFrames > 0 {
		deviceConfig.PeriodSizeInFrames = uint32(blockFrames)
	}

	dev, err := malgo.InitDevice(p.drv.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: p.onData,
	})
	if err != nil {
		return errors.New(err).
			Component(componentMalgo).
			Category(errors.CategoryDevice).
			DeviceContext(DriverName, p.name).
			Context("operation", "init_device").
			Context("format", format.String()).
			Build()
	}
	p.dev = dev
	p.format = format
	return nil
}

func (p *playbackDevice) AllocBuffers(n int) ([]backend.BufferID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

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

func (p *playbackDevice) ReleaseBuffers(ids []backend.BufferID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range ids {
		if slices.Contains(p.queue, id) {
			return fmt.Errorf("%w: %d", backend.ErrBufferBusy, id)
		}
		delete(p.buffers, id)
	}
	p.processed = slices.DeleteFunc(p.processed, func(id backend.BufferID) bool {
		return slices.Contains(ids, id)
	})
	return nil
}

// Enqueue copies data; the caller may reuse it at once.
func (p *playbackDevice) Enqueue(id backend.BufferID, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return backend.ErrClosed
	}
	buf, ok := p.buffers[id]
	if !ok {
		return fmt.Errorf("%w: %d", backend.ErrUnknownBuffer, id)
	}
	if slices.Contains(p.queue, id) || slices.Contains(p.processed, id) {
		return fmt.Errorf("%w: %d", backend.ErrBufferBusy, id)
	}
	p.buffers[id] = append(buf[:0], data...)
	p.queue = append(p.queue, id)
	return nil
}

func (p *playbackDevice) Unqueue() ([]backend.BufferID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, backend.ErrClosed
	}
	done := p.processed
	p.processed = nil
	return done, nil
}

func (p *playbackDevice) Playing() bool {
	p.mu.Lock()
	dev := p.dev
	p.mu.Unlock()
	return dev != nil && dev.IsStarted()
}

func (p *playbackDevice) Play() error {
	p.mu.Lock()
	dev := p.dev
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return backend.ErrClosed
	}
	if dev == nil {
		return errors.Newf("playback device not configured").
			Component(componentMalgo).
			Category(errors.CategoryState).
			Build()
	}
	if dev.IsStarted() {
		return nil
	}
	return dev.Start()
}

// Stop halts the device and hands every queued buffer back as processed.
func (p *playbackDevice) Stop() error {
	p.mu.Lock()
	dev := p.dev
	p.mu.Unlock()

	var err error
	// miniaudio waits for a running callback, which takes p.mu
	if dev != nil && dev.IsStarted() {
		err = dev.Stop()
	}

	p.mu.Lock()
	p.processed = append(p.processed, p.queue...)
	p.queue = nil
	p.offset = 0
	p.mu.Unlock()

	p.signal()
	return err
}

func (p *playbackDevice) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	dev := p.dev
	p.dev = nil
	p.mu.Unlock()

	if dev != nil {
		dev.Uninit()
	}
	return nil
}

// Completions implements backend.CompletionNotifier.
func (p *playbackDevice) Completions() <-chan struct{} {
	return p.notify
}

func (p *playbackDevice) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// onData fills out from the queue head and pads with silence on underrun.
func (p *playbackDevice) onData(out, _ []byte, _ uint32) {
	p.mu.Lock()
	n, completed := p.fillLocked(out)
	p.mu.Unlock()

	clear(out[n:])
	if completed > 0 {
		p.signal()
	}
}

func (p *playbackDevice) fillLocked(out []byte) (filled, completed int) {
	for filled < len(out) && len(p.queue) > 0 {
		head := p.buffers[p.queue[0]]
		n := copy(out[filled:], head[p.offset:])
		filled += n
		p.offset += n
		if p.offset >= len(head) {
			p.processed = append(p.processed, p.queue[0])
			p.queue = p.queue[1:]
			p.offset = 0
			completed++
		}
	}
	if filled < len(out) {
		p.underruns++
	}
	return filled, completed
}
