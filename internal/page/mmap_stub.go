//go:build !linux || !(amd64 || arm64)

package page

import (
	"errors"
	"os"
)

// ErrUnsupported is returned on platforms this package does not support
// mapping shared memory on. The protocol depends on a shared,
// process-visible mmap plus native 64-bit atomics; neither is portably
// available outside linux/amd64,arm64 without platform-specific code this
// module does not carry.
var ErrUnsupported = errors.New("page: shared mmap not supported on this platform")

func mmapShared(file *os.File, size int) ([]byte, error) {
	return nil, ErrUnsupported
}

func munmapShared(mem []byte) error {
	return ErrUnsupported
}
