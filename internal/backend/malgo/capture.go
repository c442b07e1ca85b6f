package malgo

import (
	"fmt"
	"slices"
	"sync"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/tphakala/pcmstream/internal/backend"
	"github.com/tphakala/pcmstream/internal/errors"
	"github.com/tphakala/pcmstream/internal/logger"
)

// captureDevice assembles miniaudio callback frames into the submitted
// scratch buffers in submission order.
type captureDevice struct {
	drv      *Driver
	name     string
	deviceID unsafe.Pointer
	format   backend.Format
	handler  backend.CaptureHandler

	mu        sync.Mutex
	dev       *malgo.Device
	nextID    backend.BufferID
	buffers   map[backend.BufferID][]byte
	submitted []backend.BufferID
	fill      int // bytes written into submitted[0]
	running   bool
	closed    bool
	missed    uint64
}

var _ backend.CaptureDevice = (*captureDevice)(nil)

func newCaptureDevice(drv *Driver, name string, deviceID unsafe.Pointer, format backend.Format, handler backend.CaptureHandler) *captureDevice {
	return &captureDevice{
		drv:      drv,
		name:     name,
		deviceID: deviceID,
		format:   format,
		handler:  handler,
		nextID:   1,
		buffers:  make(map[backend.BufferID][]byte),
	}
}

func (c *captureDevice) SupportsFloat32() bool {
	return c.drv.opts.preferFloat
}

// AllocBuffers allocates the scratch buffers and creates the miniaudio
// device with a period of one buffer.
func (c *captureDevice) AllocBuffers(n, size int) ([]backend.BufferID, error) {
	bpf := c.format.BytesPerFrame()
	if size <= 0 || size%bpf != 0 {
		return nil, fmt.Errorf("%w: buffer size %d", backend.ErrInvalidFormat, size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, backend.ErrClosed
	}
	if c.dev == nil {
		if err := c.initDeviceLocked(uint32(size / bpf)); err != nil {
			return nil, err
		}
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

func (c *captureDevice) initDeviceLocked(periodFrames uint32) error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgoFormat(c.format.Encoding)
	deviceConfig.Capture.Channels = uint32(c.format.Channels)
	deviceConfig.Capture.DeviceID = c.deviceID
	deviceConfig.SampleRate = uint32(c.format.SampleRate)
	deviceConfig.PeriodSizeInFrames = periodFrames
	deviceConfig.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(c.drv.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: c.onData,
		Stop: c.onStop,
	})
	if err != nil {
		return errors.New(err).
			Component(componentMalgo).
			Category(errors.CategoryDevice).
			DeviceContext(DriverName, c.name).
			Context("operation", "init_device").
			Context("format", c.format.String()).
			Context("period_frames", periodFrames).
			Build()
	}
	c.dev = dev
	return nil
}

func (c *captureDevice) ReleaseBuffers(ids []backend.BufferID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		delete(c.buffers, id)
	}
	c.submitted = slices.DeleteFunc(c.submitted, func(id backend.BufferID) bool {
		return slices.Contains(ids, id)
	})
	c.fill = 0
	return nil
}

func (c *captureDevice) Submit(id backend.BufferID) error {
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

func (c *captureDevice) Start() error {
	c.mu.Lock()
	dev := c.dev
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return backend.ErrClosed
	}
	if dev == nil {
		return errors.Newf("capture device has no buffers").
			Component(componentMalgo).
			Category(errors.CategoryState).
			Build()
	}
	if dev.IsStarted() {
		return nil
	}
	if err := dev.Start(); err != nil {
		return err
	}

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	return nil
}

// Stop halts the device and takes back every submitted buffer.
func (c *captureDevice) Stop() error {
	c.mu.Lock()
	dev := c.dev
	c.mu.Unlock()

	var err error
	if dev != nil && dev.IsStarted() {
		err = dev.Stop()
	}

	c.mu.Lock()
	c.running = false
	c.submitted = nil
	c.fill = 0
	c.mu.Unlock()
	return err
}

func (c *captureDevice) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *captureDevice) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.running = false
	dev := c.dev
	c.dev = nil
	missed := c.missed
	c.mu.Unlock()

	if dev != nil {
		dev.Uninit()
	}
	if missed > 0 {
		c.drv.log.Debug("capture device closed with missed frames",
			logger.String("device", c.name),
			logger.Uint64("missed_bytes", missed))
	}
	return nil
}

// onStop runs when miniaudio stops the device on its own, e.g. after the
// device is unplugged.
func (c *captureDevice) onStop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// onData copies the callback frames into the head submitted buffer. A full
// buffer leaves the submission queue before its handler runs; frames that
// arrive with nothing submitted are counted and discarded.
func (c *captureDevice) onData(_, in []byte, _ uint32) {
	for len(in) > 0 {
		id, full, n := c.assemble(in)
		in = in[n:]
		if full != nil {
			c.handler(id, full)
		}
		if n == 0 {
			return
		}
	}
}

func (c *captureDevice) assemble(in []byte) (id backend.BufferID, full []byte, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.submitted) == 0 {
		c.missed += uint64(len(in))
		return 0, nil, 0
	}
	head := c.submitted[0]
	buf := c.buffers[head]
	n = copy(buf[c.fill:], in)
	c.fill += n
	if c.fill < len(buf) {
		return 0, nil, n
	}
	c.submitted = c.submitted[1:]
	c.fill = 0
	return head, buf, n
}
