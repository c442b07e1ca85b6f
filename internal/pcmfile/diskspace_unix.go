//go:build !windows

package pcmfile

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func diskFreeSpace(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	if stat.Bsize <= 0 {
		return 0, fmt.Errorf("pcmfile: invalid block size %d from filesystem", stat.Bsize)
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil //nolint:gosec // Bsize checked above
}
