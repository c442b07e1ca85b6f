package pcmfile

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/pcmstream/internal/backend"
)

func TestRequiredSpace(t *testing.T) {
	t.Parallel()

	mono16k := backend.Format{SampleRate: 16000, Channels: 1, Encoding: backend.EncodingInt16}
	assert.Equal(t, uint64(MinFreeSpace), RequiredSpace(mono16k, 0))
	assert.Equal(t, uint64(32000*10+wavHeaderSize), RequiredSpace(mono16k, 10*time.Second))
}

func TestCheckFreeSpace(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "take.wav")
	require.NoError(t, CheckFreeSpace(path, 1))

	err := CheckFreeSpace(path, math.MaxUint64)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientSpace)

	err = CheckFreeSpace(filepath.Join(t.TempDir(), "missing", "take.wav"), 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInsufficientSpace)
}
