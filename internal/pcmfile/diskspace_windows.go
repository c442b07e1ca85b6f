//go:build windows

package pcmfile

import (
	"golang.org/x/sys/windows"
)

func diskFreeSpace(dir string) (uint64, error) {
	dirPtr, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, err
	}
	var free, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(dirPtr, &free, &total, &totalFree); err != nil {
		return 0, err
	}
	return free, nil
}
