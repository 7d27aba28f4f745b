package hostmem

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

const (
	mapNoReserve = unix.MAP_NORESERVE
	mapJit       = 0
)

func newSharedMemoryFd(size uint64) (int, error) {
	fd, err := unix.MemfdCreate("hostmem", unix.MFD_CLOEXEC)
	if err != nil {
		return -1, err
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return -1, errors.CombineErrors(err, unix.Close(fd))
	}

	return fd, nil
}
