// Package virtual implements an in-process audio backend.
//
// In manual mode nothing happens on its own: tests decide when the backend
// finishes a playback buffer (Complete) and when a capture buffer arrives
// (Deliver). In realtime mode a goroutine per device consumes and produces
// audio at the rate of the configured format, which lets the CLI run
// without audio hardware.
package virtual

import (
	"io"
	"sync"

	"github.com/tphakala/pcmstream/internal/backend"
)

// DriverName is the registry name of this backend.
const DriverName = "virtual"

func init() {
	backend.Register(DriverName, func() (backend.Driver, error) {
		return New(WithRealtime(true)), nil
	})
}

// Failures injects errors into device setup. Nil fields succeed.
type Failures struct {
	OpenPlayback error
	OpenCapture  error
	Configure    error
	AllocBuffers error
	Play         error
	Start        error
}

type options struct {
	float32        bool
	realtime       bool
	notify         bool
	stopOnUnderrun bool
	failures       Failures
	source         io.Reader
	sink           io.Writer
	devices        []backend.DeviceInfo
}

// Option configures a Driver.
type Option func(*options)

// WithFloat32 controls the result of the float probe on every device.
func WithFloat32(supported bool) Option {
	return func(o *options) { o.float32 = supported }
}

// WithRealtime consumes and produces audio on a clock instead of on demand.
func WithRealtime(enabled bool) Option {
	return func(o *options) { o.realtime = enabled }
}

// WithCompletionNotify makes playback devices implement backend.CompletionNotifier.
func WithCompletionNotify(enabled bool) Option {
	return func(o *options) { o.notify = enabled }
}

// WithStopOnUnderrun controls whether a playback device stops playing once its
// queue drains, the way hardware sources do. Enabled by default.
func WithStopOnUnderrun(enabled bool) Option {
	return func(o *options) { o.stopOnUnderrun = enabled }
}

// WithFailures injects setup errors.
func WithFailures(f Failures) Option {
	return func(o *options) { o.failures = f }
}

// WithSource feeds capture devices from r. Capture delivers silence after EOF
// or when no source is set.
func WithSource(r io.Reader) Option {
	return func(o *options) { o.source = r }
}

// WithSink receives every byte a playback device finishes playing.
func WithSink(w io.Writer) Option {
	return func(o *options) { o.sink = w }
}

// Driver is the virtual backend.
type Driver struct {
	opts options

	mu        sync.Mutex
	playbacks []*PlaybackDevice
	captures  []*CaptureDevice
}

var _ backend.Driver = (*Driver)(nil)

// New creates a virtual driver. Without options it runs in manual mode,
// reports no float support and stops playback on underrun.
func New(opts ...Option) *Driver {
	o := options{stopOnUnderrun: true}
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.devices) == 0 {
		o.devices = []backend.DeviceInfo{
			{ID: "virtual-out", Name: "Virtual Output", Kind: backend.KindPlayback.String(), Default: true},
			{ID: "virtual-in", Name: "Virtual Input", Kind: backend.KindCapture.String(), Default: true},
		}
	}
	return &Driver{opts: o}
}

// Name implements backend.Driver.
func (d *Driver) Name() string { return DriverName }

// OpenPlayback implements backend.Driver.
func (d *Driver) OpenPlayback(device string, sampleRate int) (backend.PlaybackDevice, error) {
	if d.opts.failures.OpenPlayback != nil {
		return nil, d.opts.failures.OpenPlayback
	}
	if sampleRate <= 0 {
		return nil, backend.ErrInvalidFormat
	}

	dev := newPlaybackDevice(device, sampleRate, d.opts)

	d.mu.Lock()
	d.playbacks = append(d.playbacks, dev)
	d.mu.Unlock()

	if d.opts.notify {
		return &notifyingPlayback{PlaybackDevice: dev}, nil
	}
	return dev, nil
}

// OpenCapture implements backend.Driver.
func (d *Driver) OpenCapture(device string, format backend.Format, handler backend.CaptureHandler) (backend.CaptureDevice, error) {
	if d.opts.failures.OpenCapture != nil {
		return nil, d.opts.failures.OpenCapture
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, backend.ErrInvalidFormat
	}

	dev := newCaptureDevice(device, format, handler, d.opts)

	d.mu.Lock()
	d.captures = append(d.captures, dev)
	d.mu.Unlock()

	return dev, nil
}

// Devices implements backend.DeviceLister.
func (d *Driver) Devices(kind backend.DeviceKind) ([]backend.DeviceInfo, error) {
	var out []backend.DeviceInfo
	for _, info := range d.opts.devices {
		if info.Kind == kind.String() {
			out = append(out, info)
		}
	}
	return out, nil
}

// Playback returns the i-th playback device opened through this driver.
func (d *Driver) Playback(i int) *PlaybackDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.playbacks) {
		return nil
	}
	return d.playbacks[i]
}

// Capture returns the i-th capture device opened through this driver.
func (d *Driver) Capture(i int) *CaptureDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.captures) {
		return nil
	}
	return d.captures[i]
}

// notifyingPlayback adds completion notification to a playback device.
type notifyingPlayback struct {
	*PlaybackDevice
}

func (n *notifyingPlayback) Completions() <-chan struct{} {
	return n.notify
}

var _ backend.CompletionNotifier = (*notifyingPlayback)(nil)
