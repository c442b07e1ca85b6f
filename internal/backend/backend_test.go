package backend

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/pcmstream/internal/errors"
)

func TestFormatSizes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		format        Format
		wantFrame     int
		wantPerSecond int
		wantString    string
	}{
		{"stereo s16", Format{48000, 2, EncodingInt16}, 4, 192000, "48000Hz/2ch/s16le"},
		{"stereo f32", Format{48000, 2, EncodingFloat32}, 8, 384000, "48000Hz/2ch/f32le"},
		{"mono s16", Format{16000, 1, EncodingInt16}, 2, 32000, "16000Hz/1ch/s16le"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.wantFrame, tt.format.BytesPerFrame())
			assert.Equal(t, tt.wantPerSecond, tt.format.BytesPerSecond())
			assert.Equal(t, tt.wantString, tt.format.String())
			assert.NoError(t, tt.format.Validate())
		})
	}
}

func TestFormatValidate(t *testing.T) {
	t.Parallel()

	for _, f := range []Format{
		{0, 2, EncodingInt16},
		{48000, 0, EncodingInt16},
		{48000, 2, Encoding(7)},
	} {
		err := f.Validate()
		require.Error(t, err, f.String())
		assert.ErrorIs(t, err, ErrInvalidFormat)
	}
}

type stubDriver struct{ name string }

func (s stubDriver) Name() string { return s.name }
func (stubDriver) OpenPlayback(string, int) (PlaybackDevice, error) {
	return nil, fmt.Errorf("not implemented")
}
func (stubDriver) OpenCapture(string, Format, CaptureHandler) (CaptureDevice, error) {
	return nil, fmt.Errorf("not implemented")
}

func TestRegistry(t *testing.T) {
	Register("stub-ok", func() (Driver, error) { return stubDriver{name: "stub-ok"}, nil })
	Register("stub-broken", func() (Driver, error) { return nil, fmt.Errorf("no audio context") })

	drv, err := New("stub-ok")
	require.NoError(t, err)
	assert.Equal(t, "stub-ok", drv.Name())

	_, err = New("stub-broken")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInitializationFailed)
	assert.True(t, errors.IsCategory(err, errors.CategoryInitialization))
	assert.Contains(t, err.Error(), "no audio context")

	_, err = New("does-not-exist")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownDriver)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	names := Names()
	assert.Contains(t, names, "stub-ok")
	assert.IsNonDecreasing(t, names)
}

func TestRejectError(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("queue full")
	err := RejectError("output", "enqueue", cause)
	assert.ErrorIs(t, err, ErrBackendRejected)
	assert.ErrorIs(t, err, cause)
	assert.True(t, errors.IsCategory(err, errors.CategoryBackend))
	assert.Equal(t, "backend rejected request: enqueue: queue full", err.Error())

	err = InitError("capture", "alloc_buffers", nil)
	assert.ErrorIs(t, err, ErrInitializationFailed)
	assert.Equal(t, "stream initialization failed: alloc_buffers", err.Error())
}
