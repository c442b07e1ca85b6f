package virtual

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/pcmstream/internal/backend"
)

// CaptureDevice is a virtual recorder that fills submitted scratch buffers.
type CaptureDevice struct {
	device  string
	format  backend.Format
	handler backend.CaptureHandler
	opts    options

	mu        sync.Mutex
	nextID    backend.BufferID
	buffers   map[backend.BufferID][]byte
	submitted []backend.BufferID
	running   bool
	closed    bool
	calls     []string
	delivered int
	missed    int

	stopRT chan struct{}
	rtDone chan struct{}
}

var _ backend.CaptureDevice = (*CaptureDevice)(nil)

func newCaptureDevice(device string, format backend.Format, handler backend.CaptureHandler, opts options) *CaptureDevice {
	return &CaptureDevice{
		device:  device,
		format:  format,
		handler: handler,
		opts:    opts,
		nextID:  1,
		buffers: make(map[backend.BufferID][]byte),
	}
}

// SupportsFloat32 implements backend.CaptureDevice.
func (c *CaptureDevice) SupportsFloat32() bool {
	return c.opts.float32
}

// AllocBuffers implements backend.CaptureDevice.
func (c *CaptureDevice) AllocBuffers(n, size int) ([]backend.BufferID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, "alloc")
	if c.opts.failures.AllocBuffers != nil {
		return nil, c.opts.failures.AllocBuffers
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: buffer size %d", backend.ErrInvalidFormat, size)
	}

	ids := make([]backend.BufferID, 0, n)
	for range n {
		id := c.nextID
		c.nextID++
		c.buffers[id] = make([]byte, size)
		ids = append(ids, id)
	}
	return ids, nil
}

// ReleaseBuffers implements backend.CaptureDevice.
func (c *CaptureDevice) ReleaseBuffers(ids []backend.BufferID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, "release")
	for _, id := range ids {
		delete(c.buffers, id)
	}
	c.submitted = slices.DeleteFunc(c.submitted, func(id backend.BufferID) bool {
		return slices.Contains(ids, id)
	})
	return nil
}

// Submit implements backend.CaptureDevice.
func (c *CaptureDevice) Submit(id backend.BufferID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return backend.ErrClosed
	}
	if _, ok := c.buffers[id]; !ok {
		return fmt.Errorf("%w: %d", backend.ErrUnknownBuffer, id)
	}
	if slices.Contains(c.submitted, id) {
		return fmt.Errorf("%w: %d", backend.ErrBufferBusy, id)
	}
	c.submitted = append(c.submitted, id)
	return nil
}

// Start implements backend.CaptureDevice.
func (c *CaptureDevice) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, "start")
	if c.closed {
		return backend.ErrClosed
	}
	if c.opts.failures.Start != nil {
		return c.opts.failures.Start
	}
	if c.running {
		return nil
	}
	c.running = true
	if c.opts.realtime {
		c.stopRT = make(chan struct{})
		c.rtDone = make(chan struct{})
		go c.realtimeLoop(c.stopRT, c.rtDone)
	}
	return nil
}

// Stop implements backend.CaptureDevice. Submitted buffers return to the engine.
func (c *CaptureDevice) Stop() error {
	c.mu.Lock()
	c.calls = append(c.calls, "stop")
	c.running = false
	c.submitted = nil
	stop, done := c.stopRT, c.rtDone
	c.stopRT, c.rtDone = nil, nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

// Running implements backend.CaptureDevice.
func (c *CaptureDevice) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Close implements backend.CaptureDevice.
func (c *CaptureDevice) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.calls = append(c.calls, "close")
	c.closed = true
	c.running = false
	stop, done := c.stopRT, c.rtDone
	c.stopRT, c.rtDone = nil, nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

// Deliver copies data into the oldest submitted buffer, truncated to the
// buffer size, and runs the capture handler on the calling goroutine. It
// returns false when the device is not running or holds no submitted buffer,
// which is what a backend overrun looks like.
func (c *CaptureDevice) Deliver(data []byte) bool {
	c.mu.Lock()
	if !c.running || len(c.submitted) == 0 {
		c.missed++
		c.mu.Unlock()
		return false
	}
	id := c.submitted[0]
	c.submitted = slices.Delete(c.submitted, 0, 1)
	buf := c.buffers[id]
	n := copy(buf, data)
	c.delivered++
	handler := c.handler
	c.mu.Unlock()

	handler(id, buf[:n])
	return true
}

func (c *CaptureDevice) realtimeLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var size int
	c.mu.Lock()
	for _, buf := range c.buffers {
		size = len(buf)
		break
	}
	c.mu.Unlock()
	if size == 0 {
		size = c.format.BytesPerFrame() * 256
	}

	period := time.Duration(size) * time.Second / time.Duration(c.format.BytesPerSecond())
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	block := make([]byte, size)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		clear(block)
		if c.opts.source != nil {
			// Short reads and EOF leave the tail silent.
			_, _ = io.ReadFull(c.opts.source, block)
		}
		c.Deliver(block)
	}
}

// Submitted reports how many scratch buffers the backend holds.
func (c *CaptureDevice) Submitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.submitted)
}

// Delivered reports how many buffers were handed to the handler.
func (c *CaptureDevice) Delivered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered
}

// Missed reports deliveries lost because no buffer was submitted.
func (c *CaptureDevice) Missed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.missed
}

// Buffers reports how many scratch buffers are allocated.
func (c *CaptureDevice) Buffers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffers)
}

// Closed reports whether Close was called.
func (c *CaptureDevice) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Calls returns the lifecycle calls received, in order.
func (c *CaptureDevice) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

// Device returns the device id the stream asked for.
func (c *CaptureDevice) Device() string { return c.device }
