// Package backend defines the capability contract between the buffering engine
// and a hardware audio backend.
//
// The engine never touches hardware directly. An output stream drives a
// PlaybackDevice through a fixed set of backend-owned buffers: it fills a
// buffer, enqueues it, and later learns through Unqueue which buffers the
// backend finished playing. A capture stream hands the CaptureDevice a small
// set of scratch buffers; the backend fills one, invokes the CaptureHandler on
// its own goroutine, and waits for the engine to Submit the buffer back.
//
// Drivers register themselves by name from init and are selected at runtime:
//
//	drv, err := backend.New("malgo")
package backend

import "fmt"

// Encoding is the sample representation of PCM data.
type Encoding int

const (
	EncodingInt16 Encoding = iota
	EncodingFloat32
)

// BytesPerSample returns the size of a single sample.
func (e Encoding) BytesPerSample() int {
	if e == EncodingFloat32 {
		return 4
	}
	return 2
}

func (e Encoding) String() string {
	switch e {
	case EncodingInt16:
		return "s16le"
	case EncodingFloat32:
		return "f32le"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// Format describes interleaved PCM. It is chosen once at open and never changes.
type Format struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
}

// BytesPerFrame is the size of one sample for every channel.
func (f Format) BytesPerFrame() int {
	return f.Channels * f.Encoding.BytesPerSample()
}

// BytesPerSecond is the data rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BytesPerFrame()
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%s", f.SampleRate, f.Channels, f.Encoding)
}

// Validate rejects formats no driver can open.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("%w: channel count %d", ErrInvalidFormat, f.Channels)
	}
	if f.Encoding != EncodingInt16 && f.Encoding != EncodingFloat32 {
		return fmt.Errorf("%w: %s", ErrInvalidFormat, f.Encoding)
	}
	return nil
}

// BufferID names a backend-owned buffer. IDs are only meaningful to the device
// that allocated them.
type BufferID uint32

// Driver opens playback and capture devices for one audio API.
type Driver interface {
	Name() string
	OpenPlayback(device string, sampleRate int) (PlaybackDevice, error)
	OpenCapture(device string, format Format, handler CaptureHandler) (CaptureDevice, error)
}

// PlaybackDevice is a queue of backend-owned buffers played in enqueue order.
//
// A buffer is owned by the engine until Enqueue succeeds and by the backend
// until Unqueue reports it processed. Enqueue on a buffer the backend still
// owns is a contract violation.
type PlaybackDevice interface {
	// SupportsFloat32 probes whether the device accepts 32-bit float samples.
	SupportsFloat32() bool
	// Configure fixes the stream format and the backend period in frames.
	Configure(format Format, blockFrames int) error
	AllocBuffers(n int) ([]BufferID, error)
	ReleaseBuffers(ids []BufferID) error
	// Enqueue copies data into the buffer and queues it for playback.
	Enqueue(id BufferID, data []byte) error
	// Unqueue returns every buffer completed since the previous call. It never blocks.
	Unqueue() ([]BufferID, error)
	Playing() bool
	Play() error
	Stop() error
	Close() error
}

// CaptureHandler receives a filled scratch buffer. It runs on a backend
// goroutine, data is only valid until the handler returns.
type CaptureHandler func(id BufferID, data []byte)

// CaptureDevice fills submitted scratch buffers with recorded audio.
type CaptureDevice interface {
	SupportsFloat32() bool
	AllocBuffers(n, size int) ([]BufferID, error)
	ReleaseBuffers(ids []BufferID) error
	// Submit hands a scratch buffer to the backend for filling.
	Submit(id BufferID) error
	Start() error
	Stop() error
	Running() bool
	Close() error
}

// CompletionNotifier is implemented by playback devices that can signal
// buffer completion instead of being polled. The channel receives a value
// after one or more buffers complete; it is never closed.
type CompletionNotifier interface {
	Completions() <-chan struct{}
}

// DeviceKind selects playback or capture devices when listing.
type DeviceKind int

const (
	KindPlayback DeviceKind = iota
	KindCapture
)

func (k DeviceKind) String() string {
	if k == KindCapture {
		return "capture"
	}
	return "playback"
}

// DeviceInfo describes one device a driver can open.
type DeviceInfo struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Kind    string `json:"kind" yaml:"kind"`
	Default bool   `json:"default" yaml:"default"`
}

// DeviceLister is implemented by drivers that can enumerate devices.
type DeviceLister interface {
	Devices(kind DeviceKind) ([]DeviceInfo, error)
}
