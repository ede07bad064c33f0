package fs

import (
	"errors"
	"io/fs"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// ChaosConfig controls fault injection probabilities.
// Each rate is a float64 from 0.0 (never) to 1.0 (always).
//
// The zero value disables all fault injection.
type ChaosConfig struct {
	// OpenFailRate controls how often FS.Open and FS.OpenFile fail.
	// Read-only opens return EACCES, EIO, EMFILE or ENFILE; write opens add
	// ENOSPC, EDQUOT and EROFS.
	OpenFailRate float64

	// ReadFailRate controls how often FS.ReadFile and File.Read fail with EIO.
	ReadFailRate float64

	// WriteFailRate controls how often File.Write fails entirely, writing zero
	// bytes and returning EIO, ENOSPC, EDQUOT or EROFS.
	WriteFailRate float64

	// PartialWriteRate controls how often File.Write writes a prefix of the
	// data before failing with EIO. This models a torn write.
	PartialWriteRate float64

	// SyncFailRate controls how often File.Sync (fsync) fails.
	SyncFailRate float64

	// RenameFailRate controls how often FS.Rename fails. Returns an
	// *os.LinkError like [os.Rename].
	RenameFailRate float64

	// RemoveFailRate controls how often FS.Remove fails.
	RemoveFailRate float64
}

// ChaosMode controls how [Chaos] behaves.
type ChaosMode uint8

const (
	// ChaosModeActive enables fault-rate injection. This is the default.
	ChaosModeActive ChaosMode = iota

	// ChaosModeNoOp passes every operation directly to the underlying FS.
	ChaosModeNoOp
)

// ChaosStats contains counts of injected faults.
type ChaosStats struct {
	OpenFails     int64
	ReadFails     int64
	WriteFails    int64
	PartialWrites int64
	SyncFails     int64
	RenameFails   int64
	RemoveFails   int64
}

// Total returns the sum of all injected faults.
func (s ChaosStats) Total() int64 {
	return s.OpenFails + s.ReadFails + s.WriteFails + s.PartialWrites +
		s.SyncFails + s.RenameFails + s.RemoveFails
}

// chaosError marks an error as intentionally injected by [Chaos].
//
// It wraps the underlying error so errors.Is/As continue to work.
type chaosError struct {
	Err error
}

func (e *chaosError) Error() string {
	return "chaos: " + e.Err.Error()
}

func (e *chaosError) Unwrap() error {
	return e.Err
}

// IsChaosErr reports whether err (or any wrapped error) was injected by [Chaos].
func IsChaosErr(err error) bool {
	var injected *chaosError

	return errors.As(err, &injected)
}

// Chaos wraps an [FS] and injects random failures for testing.
//
// Injected errors are [*fs.PathError] (or [*os.LinkError] for rename) carrying
// a real [syscall.Errno], so os.Is* helpers keep working. Chaos never injects
// ENOENT: "missing" results always come from the wrapped filesystem.
type Chaos struct {
	fs     FS
	config ChaosConfig
	mode   atomic.Uint32

	rngMu sync.Mutex
	rng   *rand.Rand

	openFails     atomic.Int64
	readFails     atomic.Int64
	writeFails    atomic.Int64
	partialWrites atomic.Int64
	syncFails     atomic.Int64
	renameFails   atomic.Int64
	removeFails   atomic.Int64
}

// NewChaos creates a new [Chaos] filesystem wrapping the given [FS].
// The seed controls random fault injection for reproducibility.
// Panics if underlying is nil.
func NewChaos(underlying FS, seed int64, config ChaosConfig) *Chaos {
	if underlying == nil {
		panic("underlying fs is nil")
	}

	return &Chaos{
		fs:     underlying,
		config: config,
		rng:    rand.New(rand.NewPCG(uint64(seed), uint64(seed))),
	}
}

// SetMode switches between injecting ([ChaosModeActive]) and passthrough
// ([ChaosModeNoOp]). Safe to call concurrently with filesystem operations.
func (c *Chaos) SetMode(m ChaosMode) { c.mode.Store(uint32(m)) }

// Stats returns the current fault injection counts.
func (c *Chaos) Stats() ChaosStats {
	return ChaosStats{
		OpenFails:     c.openFails.Load(),
		ReadFails:     c.readFails.Load(),
		WriteFails:    c.writeFails.Load(),
		PartialWrites: c.partialWrites.Load(),
		SyncFails:     c.syncFails.Load(),
		RenameFails:   c.renameFails.Load(),
		RemoveFails:   c.removeFails.Load(),
	}
}

// Open opens a file for reading with fault injection.
func (c *Chaos) Open(path string) (File, error) {
	if c.should(c.config.OpenFailRate) {
		c.openFails.Add(1)

		return nil, pathError("open", path, c.pick(readOpenErrnos))
	}

	file, err := c.fs.Open(path)
	if err != nil {
		return nil, err
	}

	return &chaosFile{f: file, chaos: c, path: path}, nil
}

// OpenFile opens a file with the specified flags and permissions with fault injection.
func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if c.should(c.config.OpenFailRate) {
		c.openFails.Add(1)

		errnos := readOpenErrnos
		if flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0 {
			errnos = writeOpenErrnos
		}

		return nil, pathError("open", path, c.pick(errnos))
	}

	file, err := c.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &chaosFile{f: file, chaos: c, path: path}, nil
}

// ReadFile reads a file's contents with fault injection.
func (c *Chaos) ReadFile(path string) ([]byte, error) {
	if c.should(c.config.ReadFailRate) {
		c.readFails.Add(1)

		return nil, pathError("read", path, syscall.EIO)
	}

	return c.fs.ReadFile(path)
}

// MkdirAll passes through to the underlying filesystem.
func (c *Chaos) MkdirAll(path string, perm os.FileMode) error {
	return c.fs.MkdirAll(path, perm)
}

// Stat passes through to the underlying filesystem.
func (c *Chaos) Stat(path string) (os.FileInfo, error) {
	return c.fs.Stat(path)
}

// Exists passes through to the underlying filesystem.
func (c *Chaos) Exists(path string) (bool, error) {
	return c.fs.Exists(path)
}

// Remove deletes a file with fault injection.
func (c *Chaos) Remove(path string) error {
	if c.should(c.config.RemoveFailRate) {
		c.removeFails.Add(1)

		return pathError("remove", path, c.pick([]syscall.Errno{syscall.EACCES, syscall.EBUSY, syscall.EIO}))
	}

	return c.fs.Remove(path)
}

// Rename moves a file with fault injection.
func (c *Chaos) Rename(oldpath, newpath string) error {
	if c.should(c.config.RenameFailRate) {
		c.renameFails.Add(1)

		le := &os.LinkError{
			Op:  "rename",
			Old: oldpath,
			New: newpath,
			Err: c.pick([]syscall.Errno{syscall.EACCES, syscall.EIO, syscall.ENOSPC, syscall.EXDEV, syscall.EROFS}),
		}

		return &chaosError{Err: le}
	}

	return c.fs.Rename(oldpath, newpath)
}

var (
	readOpenErrnos  = []syscall.Errno{syscall.EACCES, syscall.EIO, syscall.EMFILE, syscall.ENFILE}
	writeOpenErrnos = []syscall.Errno{syscall.EACCES, syscall.EIO, syscall.EMFILE, syscall.ENFILE, syscall.ENOSPC, syscall.EDQUOT, syscall.EROFS}
	writeErrnos     = []syscall.Errno{syscall.EIO, syscall.ENOSPC, syscall.EDQUOT, syscall.EROFS}
)

// should returns true with the given probability when chaos is injecting.
func (c *Chaos) should(rate float64) bool {
	if ChaosMode(c.mode.Load()) == ChaosModeNoOp || rate <= 0 {
		return false
	}

	c.rngMu.Lock()
	v := c.rng.Float64()
	c.rngMu.Unlock()

	return v < rate
}

func (c *Chaos) randIntn(n int) int {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()

	return c.rng.IntN(n)
}

func (c *Chaos) pick(errnos []syscall.Errno) syscall.Errno {
	return errnos[c.randIntn(len(errnos))]
}

// pathError creates an injected [*fs.PathError] wrapped in [chaosError].
func pathError(op, path string, errno syscall.Errno) error {
	return &chaosError{Err: &fs.PathError{Op: op, Path: path, Err: errno}}
}

// chaosFile wraps a [File] and injects faults on Read/Write/Sync.
type chaosFile struct {
	f     File
	chaos *Chaos
	path  string
}

var _ File = (*chaosFile)(nil)

func (cf *chaosFile) Read(buf []byte) (int, error) {
	if cf.chaos.should(cf.chaos.config.ReadFailRate) {
		cf.chaos.readFails.Add(1)

		return 0, pathError("read", cf.path, syscall.EIO)
	}

	return cf.f.Read(buf)
}

func (cf *chaosFile) Write(data []byte) (int, error) {
	if cf.chaos.should(cf.chaos.config.WriteFailRate) {
		cf.chaos.writeFails.Add(1)

		return 0, pathError("write", cf.path, cf.chaos.pick(writeErrnos))
	}

	if len(data) > 1 && cf.chaos.should(cf.chaos.config.PartialWriteRate) {
		cf.chaos.partialWrites.Add(1)

		cutoff := cf.chaos.randIntn(len(data)-1) + 1

		n, err := cf.f.Write(data[:cutoff])
		if err != nil {
			return n, err
		}

		return n, pathError("write", cf.path, syscall.EIO)
	}

	return cf.f.Write(data)
}

func (cf *chaosFile) Sync() error {
	if cf.chaos.should(cf.chaos.config.SyncFailRate) {
		cf.chaos.syncFails.Add(1)

		return pathError("sync", cf.path, cf.chaos.pick(writeErrnos))
	}

	return cf.f.Sync()
}

func (cf *chaosFile) Close() error                                 { return cf.f.Close() }
func (cf *chaosFile) Seek(offset int64, whence int) (int64, error) { return cf.f.Seek(offset, whence) }
func (cf *chaosFile) Fd() uintptr                                  { return cf.f.Fd() }
func (cf *chaosFile) Stat() (os.FileInfo, error)                   { return cf.f.Stat() }

var _ FS = (*Chaos)(nil)
