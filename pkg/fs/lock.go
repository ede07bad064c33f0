package fs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by [Locker.TryLock] when another handle holds the
// lock. The returned error names the holder's pid when it is known.
var ErrWouldBlock = errors.New("lock would block")

// pidWidth is the fixed width of the pid record, so rewriting it never leaves
// trailing bytes of a longer previous pid.
const pidWidth = 20

// Locker takes exclusive flock(2) locks on dedicated lock files.
//
// The snapshot itself cannot carry the lock: flock binds to an inode and every
// flush renames a new inode over the snapshot path. The index therefore locks
// "<base>.lock", a file that is never replaced, and records the owner's pid in
// it for diagnostics.
//
// Unix only.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
	pid   int
}

// NewLocker creates a Locker that opens lock files through fsys.
func NewLocker(fsys FS) *Locker {
	return &Locker{fs: fsys, flock: unix.Flock, pid: os.Getpid()}
}

// Lock is a held lock. Release it with [Lock.Close].
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// Close unlocks and closes the lock file. It is idempotent.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	f := lk.file
	lk.file = nil

	var errs []error

	if err := retryEINTR(lk.flock, int(f.Fd()), unix.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlocking: %w", err))
	}

	if err := f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing lock file: %w", err))
	}

	return errors.Join(errs...)
}

// TryLock takes the lock at path without blocking, creating the file and its
// directory as needed.
func (l *Locker) TryLock(path string) (*Lock, error) {
	if err := l.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}

	// A lock file unlinked between open and flock guards nothing; reopen
	// until the locked inode is the one at path.
	for {
		f, err := l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening lock file: %w", err)
		}

		fd := int(f.Fd())

		err = retryEINTR(l.flock, fd, unix.LOCK_EX|unix.LOCK_NB)
		if err != nil {
			_ = f.Close()

			if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
				return nil, l.busy(path)
			}

			return nil, fmt.Errorf("flock %s: %w", path, err)
		}

		same, err := l.samePath(fd, path)
		if err != nil || !same {
			_ = retryEINTR(l.flock, fd, unix.LOCK_UN)
			_ = f.Close()

			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("checking lock file %s: %w", path, err)
			}

			continue
		}

		if err := writePid(f, l.pid); err != nil {
			_ = retryEINTR(l.flock, fd, unix.LOCK_UN)
			_ = f.Close()

			return nil, fmt.Errorf("recording owner in %s: %w", path, err)
		}

		return &Lock{file: f, flock: l.flock}, nil
	}
}

func (l *Locker) busy(path string) error {
	data, err := l.fs.ReadFile(path)
	if err != nil {
		return ErrWouldBlock
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return ErrWouldBlock
	}

	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return ErrWouldBlock
	}

	return fmt.Errorf("%w: held by pid %d", ErrWouldBlock, pid)
}

func (l *Locker) samePath(fd int, path string) (bool, error) {
	var open unix.Stat_t
	if err := unix.Fstat(fd, &open); err != nil {
		return false, err
	}

	info, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false, fmt.Errorf("stat of %s has type %T", path, info.Sys())
	}

	return uint64(open.Dev) == uint64(st.Dev) && uint64(open.Ino) == uint64(st.Ino), nil
}

func writePid(f File, pid int) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	_, err := fmt.Fprintf(f, "%-*d\n", pidWidth, pid)

	return err
}

// retryEINTR retries flock interrupted by a signal, a bounded number of times.
func retryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	var err error

	for range 1000 {
		err = flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
