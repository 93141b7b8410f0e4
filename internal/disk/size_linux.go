//go:build linux

package disk

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// deviceSize asks the kernel for the block device size. Regular files never
// reach here since stat reports their size directly.
func deviceSize(f *os.File) (int64, error) {
	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err == nil && size > 0 {
		return int64(size), nil
	}

	// Not a block device (named pipe, odd filesystem): seek probe.
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}
