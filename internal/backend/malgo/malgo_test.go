package malgo

import (
	"bytes"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/gen2brain/malgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/pcmstream/internal/backend"
	"github.com/tphakala/pcmstream/internal/errors"
)

// These tests drive the device logic directly without a miniaudio device.

func TestSelectDevice(t *testing.T) {
	entries := []deviceEntry{
		{info: backend.DeviceInfo{Name: "HDA Intel PCH"}, decodedID: "hw:0,0"},
		{info: backend.DeviceInfo{Name: "USB Audio Device"}, decodedID: "hw:1,0"},
		{info: backend.DeviceInfo{Name: "USB Audio"}, decodedID: "hw:2,0"},
	}

	tests := []struct {
		name string
		want string
	}{
		{"USB Audio", "hw:2,0"}, // exact beats partial
		{"hw:0,0", "hw:0,0"},
		{"Device", "hw:1,0"},
		{"HDA", "hw:0,0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectDevice(entries, tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.decodedID)
		})
	}

	_, err := selectDevice(entries, "Bluetooth")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
}

func TestHexToASCII(t *testing.T) {
	got, err := hexToASCII(hex.EncodeToString([]byte("hw:1,0\x00\x00")))
	require.NoError(t, err)
	assert.Equal(t, "hw:1,0", got)

	_, err = hexToASCII("zz")
	assert.Error(t, err)
}

func TestIsDefaultName(t *testing.T) {
	for _, name := range []string{"", "default", "sysdefault"} {
		assert.True(t, isDefaultName(name), name)
	}
	assert.False(t, isDefaultName("hw:1,0"))
}

func TestFormatAndKindMapping(t *testing.T) {
	assert.Equal(t, malgo.FormatS16, malgoFormat(backend.EncodingInt16))
	assert.Equal(t, malgo.FormatF32, malgoFormat(backend.EncodingFloat32))
	assert.Equal(t, malgo.Capture, malgoKind(backend.KindCapture))
	assert.Equal(t, malgo.Playback, malgoKind(backend.KindPlayback))
}

func newTestPlayback(t *testing.T) (*playbackDevice, []backend.BufferID) {
	t.Helper()
	p := newPlaybackDevice(&Driver{opts: options{preferFloat: true}}, "test", nil, 48000)
	ids, err := p.AllocBuffers(3)
	require.NoError(t, err)
	return p, ids
}

func TestPlaybackCallbackDrainsQueueInOrder(t *testing.T) {
	p, ids := newTestPlayback(t)
	assert.True(t, p.SupportsFloat32())

	require.NoError(t, p.Enqueue(ids[0], []byte{1, 1, 1, 1}))
	require.NoError(t, p.Enqueue(ids[1], []byte{2, 2, 2, 2}))
	assert.ErrorIs(t, p.Enqueue(ids[0], []byte{9}), backend.ErrBufferBusy)
	assert.ErrorIs(t, p.Enqueue(99, []byte{9}), backend.ErrUnknownBuffer)

	out := make([]byte, 6)
	p.onData(out, nil, 3)
	assert.Equal(t, []byte{1, 1, 1, 1, 2, 2}, out)

	select {
	case <-p.Completions():
	default:
		t.Fatal("no completion signalled")
	}

	done, err := p.Unqueue()
	require.NoError(t, err)
	assert.Equal(t, []backend.BufferID{ids[0]}, done)

	// underrun pads with silence
	out = []byte{7, 7, 7, 7, 7, 7}
	p.onData(out, nil, 3)
	assert.Equal(t, []byte{2, 2, 0, 0, 0, 0}, out)
	assert.Equal(t, uint64(1), p.underruns)

	done, err = p.Unqueue()
	require.NoError(t, err)
	assert.Equal(t, []backend.BufferID{ids[1]}, done)
}

func TestPlaybackStopReturnsQueuedBuffers(t *testing.T) {
	p, ids := newTestPlayback(t)
	require.NoError(t, p.Enqueue(ids[0], []byte{1, 2}))
	require.NoError(t, p.Enqueue(ids[1], []byte{3, 4}))
	assert.ErrorIs(t, p.ReleaseBuffers(ids[:1]), backend.ErrBufferBusy)

	require.NoError(t, p.Stop())
	assert.False(t, p.Playing())

	done, err := p.Unqueue()
	require.NoError(t, err)
	assert.Equal(t, ids[:2], done)

	require.NoError(t, p.ReleaseBuffers(ids))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Enqueue(ids[2], []byte{1}), backend.ErrClosed)
	assert.ErrorIs(t, p.Play(), backend.ErrClosed)
}

func TestPlaybackConfigureRejectsRateMismatch(t *testing.T) {
	p, _ := newTestPlayback(t)
	err := p.Configure(backend.Format{SampleRate: 44100, Channels: 2, Encoding: backend.EncodingInt16}, 0)
	assert.ErrorIs(t, err, backend.ErrInvalidFormat)
}

type handled struct {
	mu     sync.Mutex
	ids    []backend.BufferID
	blocks [][]byte
}

func (h *handled) handle(id backend.BufferID, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = append(h.ids, id)
	h.blocks = append(h.blocks, bytes.Clone(data))
}

func newTestCapture(t *testing.T, h *handled) (*captureDevice, []backend.BufferID) {
	t.Helper()
	format := backend.Format{SampleRate: 16000, Channels: 1, Encoding: backend.EncodingInt16}
	c := newCaptureDevice(&Driver{}, "test", nil, format, h.handle)

	// skip miniaudio device creation
	c.buffers = map[backend.BufferID][]byte{1: make([]byte, 4), 2: make([]byte, 4)}
	c.nextID = 3
	return c, []backend.BufferID{1, 2}
}

func TestCaptureAssemblesCallbackFrames(t *testing.T) {
	h := &handled{}
	c, ids := newTestCapture(t, h)
	for _, id := range ids {
		require.NoError(t, c.Submit(id))
	}
	assert.ErrorIs(t, c.Submit(ids[0]), backend.ErrBufferBusy)

	c.onData(nil, []byte{1, 2}, 1)
	assert.Empty(t, h.ids, "partial buffer is not delivered")

	// one callback completes the first buffer and fills the second
	c.onData(nil, []byte{3, 4, 5, 6, 7, 8}, 3)
	assert.Equal(t, ids, h.ids)
	assert.Equal(t, [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}}, h.blocks)

	// nothing submitted: frames are counted and discarded
	c.onData(nil, []byte{9, 9}, 1)
	assert.Equal(t, uint64(2), c.missed)
	assert.Len(t, h.ids, 2)
}

func TestCaptureStopTakesBackSubmittedBuffers(t *testing.T) {
	h := &handled{}
	c, ids := newTestCapture(t, h)
	require.NoError(t, c.Submit(ids[0]))
	c.onData(nil, []byte{1}, 0)

	require.NoError(t, c.Stop())
	assert.False(t, c.Running())
	assert.Empty(t, c.submitted)
	assert.Zero(t, c.fill)

	require.NoError(t, c.ReleaseBuffers(ids))
	assert.ErrorIs(t, c.Submit(ids[0]), backend.ErrUnknownBuffer)
}

func TestCaptureRejectsUnalignedBuffers(t *testing.T) {
	c, _ := newTestCapture(t, &handled{})
	_, err := c.AllocBuffers(3, 3)
	assert.ErrorIs(t, err, backend.ErrInvalidFormat)
}
