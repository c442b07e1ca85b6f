package virtual

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/pcmstream/internal/backend"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var stereo16 = backend.Format{SampleRate: 48000, Channels: 2, Encoding: backend.EncodingInt16}

func openPlayback(t *testing.T, opts ...Option) (*Driver, backend.PlaybackDevice, []backend.BufferID) {
	t.Helper()
	drv := New(opts...)
	dev, err := drv.OpenPlayback("", 48000)
	require.NoError(t, err)
	require.NoError(t, dev.Configure(stereo16, 256))
	ids, err := dev.AllocBuffers(3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return drv, dev, ids
}

func TestPlaybackQueueLifecycle(t *testing.T) {
	drv, dev, ids := openPlayback(t)
	raw := drv.Playback(0)

	require.NoError(t, dev.Enqueue(ids[0], []byte{1, 2}))
	require.NoError(t, dev.Enqueue(ids[1], []byte{3, 4}))
	assert.ErrorIs(t, dev.Enqueue(ids[0], []byte{9}), backend.ErrBufferBusy)
	assert.ErrorIs(t, dev.Enqueue(backend.BufferID(99), nil), backend.ErrUnknownBuffer)

	require.NoError(t, dev.Play())
	assert.True(t, dev.Playing())

	done, err := dev.Unqueue()
	require.NoError(t, err)
	assert.Empty(t, done)

	assert.Equal(t, 1, raw.Complete(1))
	done, err = dev.Unqueue()
	require.NoError(t, err)
	assert.Equal(t, []backend.BufferID{ids[0]}, done)
	assert.True(t, dev.Playing())

	assert.Equal(t, 1, raw.CompleteAll())
	assert.False(t, dev.Playing(), "drained queue stops playback")
	assert.Equal(t, []byte{1, 2, 3, 4}, raw.Played())
}

func TestPlaybackStopReturnsQueuedBuffers(t *testing.T) {
	drv, dev, ids := openPlayback(t, WithStopOnUnderrun(false))

	require.NoError(t, dev.Enqueue(ids[2], []byte{1}))
	require.NoError(t, dev.Stop())

	done, err := dev.Unqueue()
	require.NoError(t, err)
	assert.Equal(t, []backend.BufferID{ids[2]}, done)
	require.NoError(t, dev.ReleaseBuffers(ids))
	assert.Zero(t, drv.Playback(0).Buffers())
}

func TestPlaybackFloatProbeAndConfigure(t *testing.T) {
	dev, err := New().OpenPlayback("", 44100)
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()

	assert.False(t, dev.SupportsFloat32())
	err = dev.Configure(backend.Format{SampleRate: 44100, Channels: 2, Encoding: backend.EncodingFloat32}, 0)
	assert.ErrorIs(t, err, backend.ErrInvalidFormat)

	dev2, err := New(WithFloat32(true)).OpenPlayback("", 44100)
	require.NoError(t, err)
	defer func() { _ = dev2.Close() }()
	assert.True(t, dev2.SupportsFloat32())
}

func TestCompletionNotifier(t *testing.T) {
	drv, dev, ids := openPlayback(t, WithCompletionNotify(true))

	notifier, ok := dev.(backend.CompletionNotifier)
	require.True(t, ok)

	require.NoError(t, dev.Enqueue(ids[0], []byte{1}))
	drv.Playback(0).Complete(1)

	select {
	case <-notifier.Completions():
	case <-time.After(time.Second):
		t.Fatal("no completion notification")
	}

	plain, err := New().OpenPlayback("", 48000)
	require.NoError(t, err)
	_, ok = plain.(backend.CompletionNotifier)
	assert.False(t, ok)
}

func TestInjectedFailures(t *testing.T) {
	boom := fmt.Errorf("boom")

	_, err := New(WithFailures(Failures{OpenPlayback: boom})).OpenPlayback("", 48000)
	assert.ErrorIs(t, err, boom)

	dev, err := New(WithFailures(Failures{AllocBuffers: boom})).OpenPlayback("", 48000)
	require.NoError(t, err)
	_, err = dev.AllocBuffers(2)
	assert.ErrorIs(t, err, boom)
	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())

	drv, dev2, ids := openPlayback(t)
	drv.Playback(0).FailNextEnqueue(boom)
	assert.ErrorIs(t, dev2.Enqueue(ids[0], []byte{1}), boom)
	assert.NoError(t, dev2.Enqueue(ids[0], []byte{1}), "failure is one-shot")
}

func TestRealtimePlaybackDrainsQueue(t *testing.T) {
	sink := &bytes.Buffer{}
	drv, dev, ids := openPlayback(t, WithRealtime(true))
	drv.Playback(0).SinkTo(sink)

	// 48 frames at 48kHz stereo s16 is 1ms of audio
	chunk := make([]byte, 48*4)
	for _, id := range ids {
		require.NoError(t, dev.Enqueue(id, chunk))
	}
	require.NoError(t, dev.Play())

	assert.Eventually(t, func() bool { return drv.Playback(0).Queued() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, dev.Stop())
	assert.Equal(t, 3*len(chunk), sink.Len())
}

func TestCaptureDeliver(t *testing.T) {
	mono := backend.Format{SampleRate: 16000, Channels: 1, Encoding: backend.EncodingInt16}

	var got [][]byte
	drv := New()
	dev, err := drv.OpenCapture("", mono, func(id backend.BufferID, data []byte) {
		got = append(got, bytes.Clone(data))
	})
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()
	raw := drv.Capture(0)

	ids, err := dev.AllocBuffers(2, 4)
	require.NoError(t, err)

	assert.False(t, raw.Deliver([]byte{1}), "not running")

	require.NoError(t, dev.Start())
	assert.False(t, raw.Deliver([]byte{1}), "nothing submitted")

	require.NoError(t, dev.Submit(ids[0]))
	require.NoError(t, dev.Submit(ids[1]))
	assert.ErrorIs(t, dev.Submit(ids[1]), backend.ErrBufferBusy)

	assert.True(t, raw.Deliver([]byte{1, 2, 3, 4, 5, 6}))
	assert.True(t, raw.Deliver([]byte{7}))
	assert.False(t, raw.Deliver([]byte{8}))

	assert.Equal(t, [][]byte{{1, 2, 3, 4}, {7}}, got)
	assert.Equal(t, 2, raw.Delivered())
	assert.Equal(t, 3, raw.Missed())

	require.NoError(t, dev.Stop())
	assert.Equal(t, []string{"alloc", "start", "stop"}, raw.Calls())
}

func TestRealtimeCaptureReadsSource(t *testing.T) {
	mono := backend.Format{SampleRate: 16000, Channels: 1, Encoding: backend.EncodingInt16}
	source := bytes.NewReader(bytes.Repeat([]byte{0x11}, 64))

	received := make(chan []byte, 16)
	var dev backend.CaptureDevice
	dev, err := New(WithRealtime(true), WithSource(source)).OpenCapture("", mono,
		func(id backend.BufferID, data []byte) {
			select {
			case received <- bytes.Clone(data):
			default:
			}
			_ = dev.Submit(id)
		})
	require.NoError(t, err)

	ids, err := dev.AllocBuffers(2, 32)
	require.NoError(t, err)
	for _, id := range ids {
		require.NoError(t, dev.Submit(id))
	}
	require.NoError(t, dev.Start())

	select {
	case block := <-received:
		assert.Equal(t, bytes.Repeat([]byte{0x11}, 32), block)
	case <-time.After(2 * time.Second):
		t.Fatal("no capture delivery")
	}

	require.NoError(t, dev.Stop())
	require.NoError(t, dev.Close())
}

func TestDevices(t *testing.T) {
	drv := New()
	out, err := drv.Devices(backend.KindPlayback)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Default)

	in, err := drv.Devices(backend.KindCapture)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "virtual-in", in[0].ID)
}

func TestRegisteredInBackendRegistry(t *testing.T) {
	drv, err := backend.New(DriverName)
	require.NoError(t, err)
	assert.Equal(t, DriverName, drv.Name())
}
