package seqindex

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenReader maps the snapshot at path read-only and returns a [Reader] over
// it. Call [Reader.Close] to unmap.
//
// Snapshots are replaced by rename, never rewritten in place, so the mapping
// keeps showing the snapshot that was current at open time.
//
// Returns [ErrTooSmall] if the file cannot hold a header. Header and sector
// corruption are reported to handler and degrade the Reader instead.
func OpenReader(path string, handler ErrorHandler) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w: %w", path, ErrIO, err)
	}

	size := info.Size()
	if size < HeaderSize {
		return nil, fmt.Errorf("%s is %d bytes: %w", path, size, ErrTooSmall)
	}

	if size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%s is too large to map (%d bytes): %w", path, size, ErrInvalidInput)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w: %w", path, ErrIO, err)
	}

	r, err := newReader(data, handler, path, true)
	if err != nil {
		_ = unix.Munmap(data)

		return nil, err
	}

	r.closeFn = func() error {
		if err := unix.Munmap(data); err != nil {
			return fmt.Errorf("munmap %s: %w", path, err)
		}

		return nil
	}

	return r, nil
}
