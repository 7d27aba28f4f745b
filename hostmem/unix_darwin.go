package hostmem

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

const (
	mapNoReserve = 0
	mapJit       = unix.MAP_JIT
)

var sharedMemoryCounter atomic.Uint64

// newSharedMemoryFd creates an unlinked temporary file, since darwin has no memfd
func newSharedMemoryFd(size uint64) (int, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("hostmem-%d-%d", os.Getpid(), sharedMemoryCounter.Inc()))

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
	if err != nil {
		return -1, err
	}

	if err := unix.Unlink(path); err != nil {
		return -1, errors.CombineErrors(err, unix.Close(fd))
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return -1, errors.CombineErrors(err, unix.Close(fd))
	}

	return fd, nil
}
