//go:build linux

package shm

import (
	"errors"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

// canCreate checks tmpfs free space before a segment is sized. Only
// directories under /dev/shm are checked, anything else always passes.
func canCreate(dir string, size uint64) bool {
	if !strings.HasPrefix(dir, DefaultDir) {
		return true
	}
	stat, err := disk.Usage(dir)
	if err != nil {
		return true
	}
	return stat.Free >= size
}

func classify(err error) ErrorCode {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return UnknownError
	}
	switch errno {
	case unix.ENOENT:
		return NotFound
	case unix.EEXIST:
		return AlreadyExists
	case unix.EACCES, unix.EPERM, unix.EROFS:
		return PermissionDenied
	case unix.ENOSPC, unix.ENOMEM, unix.EMFILE, unix.ENFILE, unix.EFBIG:
		return OutOfResources
	case unix.EINVAL, unix.ENAMETOOLONG, unix.ENOTDIR:
		return KeyError
	default:
		return UnknownError
	}
}
