// Package malgo implements the audio backend on miniaudio.
//
// miniaudio pulls playback audio and pushes capture audio through a callback
// on its own thread. The playback device keeps the enqueued buffers in a
// queue that the callback drains, and reports drained buffers through
// Unqueue and a completion channel. The capture device assembles callback
// frames into the submitted scratch buffers and hands each full buffer to the
// stream's handler.
package malgo

import (
	"encoding/hex"
	"runtime"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/gen2brain/malgo"
	"github.com/patrickmn/go-cache"

	"github.com/tphakala/pcmstream/internal/backend"
	"github.com/tphakala/pcmstream/internal/errors"
	"github.com/tphakala/pcmstream/internal/logger"
)

// DriverName is the registry name of this backend.
const DriverName = "malgo"

const (
	componentMalgo = "backend/malgo"

	// DefaultDeviceCacheTTL bounds how stale a device listing may be.
	DefaultDeviceCacheTTL = 30 * time.Second

	defaultDevice = "default"
)

func init() {
	backend.Register(DriverName, func() (backend.Driver, error) {
		return New()
	})
}

type options struct {
	preferFloat bool
	log         logger.Logger
	cacheTTL    time.Duration
	backends    []malgo.Backend
}

// Option configures a Driver.
type Option func(*options)

// WithPreferFloat makes playback devices report float32 support, so output
// streams open in f32le. miniaudio converts to the hardware format.
func WithPreferFloat(prefer bool) Option {
	return func(o *options) { o.preferFloat = prefer }
}

// WithLogger sets the driver logger. miniaudio diagnostics go to it at
// debug level.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithDeviceCacheTTL sets how long a device listing is reused.
func WithDeviceCacheTTL(ttl time.Duration) Option {
	return func(o *options) { o.cacheTTL = ttl }
}

// WithBackends overrides the platform backend choice.
func WithBackends(backends ...malgo.Backend) Option {
	return func(o *options) { o.backends = backends }
}

// Driver owns one miniaudio context shared by every device it opens.
type Driver struct {
	ctx  *malgo.AllocatedContext
	opts options
	log  logger.Logger

	// device listings per kind; entries keep the malgo.DeviceInfo that
	// device ID pointers refer to alive
	devices *cache.Cache

	mu     sync.Mutex
	closed bool
}

var (
	_ backend.Driver       = (*Driver)(nil)
	_ backend.DeviceLister = (*Driver)(nil)
)

// New initializes a miniaudio context on the platform backend.
func New(opts ...Option) (*Driver, error) {
	o := options{cacheTTL: DefaultDeviceCacheTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Global().Module("backend")
	}
	log := o.log.With(logger.String("driver", DriverName))

	if len(o.backends) == 0 {
		b, err := backendForPlatform()
		if err != nil {
			return nil, err
		}
		o.backends = []malgo.Backend{b}
	}

	ctx, err := malgo.InitContext(o.backends, malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", logger.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, errors.New(err).
			Component(componentMalgo).
			Category(errors.CategoryDevice).
			Context("operation", "init_context").
			Context("os", runtime.GOOS).
			Build()
	}

	// no janitor: expired listings are refreshed on read
	return &Driver{
		ctx:     ctx,
		opts:    o,
		log:     log,
		devices: cache.New(o.cacheTTL, 0),
	}, nil
}

// Name implements backend.Driver.
func (d *Driver) Name() string { return DriverName }

// Close releases the miniaudio context. Devices must be closed first.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.devices.Flush()
	err := d.ctx.Uninit()
	d.ctx.Free()
	return err
}

// OpenPlayback implements backend.Driver. The miniaudio device itself is
// created by Configure once the format is known.
func (d *Driver) OpenPlayback(device string, sampleRate int) (backend.PlaybackDevice, error) {
	if sampleRate <= 0 {
		return nil, backend.ErrInvalidFormat
	}
	id, err := d.resolve(backend.KindPlayback, device)
	if err != nil {
		return nil, err
	}
	return newPlaybackDevice(d, device, id, sampleRate), nil
}

// OpenCapture implements backend.Driver. The miniaudio device is created by
// AllocBuffers, which fixes the period size.
func (d *Driver) OpenCapture(device string, format backend.Format, handler backend.CaptureHandler) (backend.CaptureDevice, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, backend.ErrInvalidFormat
	}
	id, err := d.resolve(backend.KindCapture, device)
	if err != nil {
		return nil, err
	}
	return newCaptureDevice(d, device, id, format, handler), nil
}

// deviceEntry is one enumerated device.
type deviceEntry struct {
	info      backend.DeviceInfo
	decodedID string
	raw       *malgo.DeviceInfo
}

// Devices implements backend.DeviceLister.
func (d *Driver) Devices(kind backend.DeviceKind) ([]backend.DeviceInfo, error) {
	entries, err := d.enumerate(kind)
	if err != nil {
		return nil, err
	}
	out := make([]backend.DeviceInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.info)
	}
	return out, nil
}

// Refresh drops cached device listings, e.g. after a hotplug event.
func (d *Driver) Refresh() {
	d.devices.Flush()
}

func (d *Driver) enumerate(kind backend.DeviceKind) ([]deviceEntry, error) {
	if cached, ok := d.devices.Get(kind.String()); ok {
		return cached.([]deviceEntry), nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, backend.ErrClosed
	}

	infos, err := d.ctx.Devices(malgoKind(kind))
	if err != nil {
		return nil, errors.New(err).
			Component(componentMalgo).
			Category(errors.CategoryDevice).
			Context("operation", "enumerate_devices").
			Context("kind", kind.String()).
			Build()
	}

	entries := make([]deviceEntry, 0, len(infos))
	for i := range infos {
		// Skip the discard/null device
		if strings.Contains(infos[i].Name(), "Discard all samples") {
			continue
		}
		decodedID, err := hexToASCII(infos[i].ID.String())
		if err != nil {
			decodedID = infos[i].ID.String()
		}
		entries = append(entries, deviceEntry{
			info: backend.DeviceInfo{
				ID:      decodedID,
				Name:    infos[i].Name(),
				Kind:    kind.String(),
				Default: infos[i].IsDefault == 1,
			},
			decodedID: decodedID,
			raw:       &infos[i],
		})
	}

	d.devices.SetDefault(kind.String(), entries)
	d.log.Debug("enumerated devices",
		logger.String("kind", kind.String()),
		logger.Int("count", len(entries)))
	return entries, nil
}

// resolve maps a configured device name to a miniaudio device ID pointer.
// An empty name or "default" selects the system default (nil).
func (d *Driver) resolve(kind backend.DeviceKind, name string) (unsafe.Pointer, error) {
	if isDefaultName(name) {
		return nil, nil
	}
	entries, err := d.enumerate(kind)
	if err != nil {
		return nil, err
	}
	entry, err := selectDevice(entries, name)
	if err != nil {
		return nil, err
	}
	return entry.raw.ID.Pointer(), nil
}

func isDefaultName(name string) bool {
	return name == "" || name == defaultDevice || name == "sysdefault"
}

// selectDevice finds a device by exact name, then by decoded ID, then by
// partial name.
func selectDevice(entries []deviceEntry, name string) (*deviceEntry, error) {
	for i := range entries {
		if entries[i].info.Name == name {
			return &entries[i], nil
		}
	}
	for i := range entries {
		if entries[i].decodedID == name {
			return &entries[i], nil
		}
	}
	for i := range entries {
		if strings.Contains(entries[i].info.Name, name) {
			return &entries[i], nil
		}
	}

	return nil, errors.Newf("no audio device matches %q", name).
		Component(componentMalgo).
		Category(errors.CategoryNotFound).
		Context("device_name", name).
		Context("available_devices", len(entries)).
		Build()
}

// backendForPlatform returns the miniaudio backend for the current platform
func backendForPlatform() (malgo.Backend, error) {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa, nil
	case "windows":
		return malgo.BackendWasapi, nil
	case "darwin":
		return malgo.BackendCoreaudio, nil
	default:
		return malgo.BackendNull, errors.Newf("unsupported operating system %s", runtime.GOOS).
			Component(componentMalgo).
			Category(errors.CategoryConfiguration).
			Context("os", runtime.GOOS).
			Build()
	}
}

func malgoKind(kind backend.DeviceKind) malgo.DeviceType {
	if kind == backend.KindCapture {
		return malgo.Capture
	}
	return malgo.Playback
}

func malgoFormat(enc backend.Encoding) malgo.FormatType {
	if enc == backend.EncodingFloat32 {
		return malgo.FormatF32
	}
	return malgo.FormatS16
}

// hexToASCII converts a hexadecimal string to an ASCII string
func hexToASCII(hexStr string) (string, error) {
	bytes, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(bytes), "\x00"), nil
}
