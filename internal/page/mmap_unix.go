//go:build linux && (amd64 || arm64)

package page

import (
	"fmt"
	"os"
	"syscall"
)

// mmapShared maps the file MAP_SHARED so every process that opens the same
// path observes the same bytes, per the spec's cross-process sharing
// requirement.
func mmapShared(file *os.File, size int) ([]byte, error) {
	mem, err := syscall.Mmap(int(file.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return mem, nil
}

func munmapShared(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := syscall.Munmap(mem); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}
