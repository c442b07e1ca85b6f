package pcmfile

import (
	"path/filepath"
	"time"

	"github.com/tphakala/pcmstream/internal/backend"
	"github.com/tphakala/pcmstream/internal/errors"
)

// MinFreeSpace is required on the target filesystem when a recording has no
// fixed duration.
const MinFreeSpace = 16 << 20

// ErrInsufficientSpace reports a recording that would not fit on disk.
var ErrInsufficientSpace = errors.NewStd("insufficient disk space")

// RequiredSpace estimates the bytes a recording of format and duration needs,
// header included. A zero duration yields MinFreeSpace.
func RequiredSpace(format backend.Format, duration time.Duration) uint64 {
	if duration <= 0 {
		return MinFreeSpace
	}
	seconds := duration.Seconds()
	return uint64(float64(format.BytesPerSecond())*seconds) + wavHeaderSize
}

// CheckFreeSpace fails with ErrInsufficientSpace when the directory that
// would hold path has less than need bytes available.
func CheckFreeSpace(path string, need uint64) error {
	dir := filepath.Dir(path)
	free, err := diskFreeSpace(dir)
	if err != nil {
		return errors.New(err).
			Component(componentPCMFile).
			Category(errors.CategoryFileIO).
			Context("operation", "statfs").
			Context("dir", dir).
			Build()
	}
	if free < need {
		return errors.New(ErrInsufficientSpace).
			Component(componentPCMFile).
			Category(errors.CategoryFileIO).
			Context("dir", dir).
			Context("free_bytes", free).
			Context("required_bytes", need).
			Build()
	}
	return nil
}
