package seqindex

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/calvinalkan/fixgate/pkg/fs"
)

// Store is the durability backend of a [Writer].
type Store interface {
	// Load returns the last persisted snapshot, or [ErrNotFound] if there is
	// none yet.
	Load() ([]byte, error)

	// Save durably persists snapshot, a complete buffer in the persisted
	// layout. A failed Save must leave the previously saved snapshot intact.
	Save(snapshot []byte) error

	// Close releases the store.
	Close() error
}

// Paths are the files derived from one base path.
type Paths struct {
	// Primary is the durable snapshot read during recovery.
	Primary string

	// Writable is scratch space for serializing a new snapshot.
	Writable string

	// Passing holds a fully written snapshot awaiting promotion to Primary.
	Passing string
}

// DerivePaths returns the rotation paths for basePath. It does no I/O.
func DerivePaths(basePath string) Paths {
	return Paths{
		Primary:  basePath,
		Writable: basePath + ".writable",
		Passing:  basePath + ".passing",
	}
}

// FileStoreOptions configures a [FileStore].
type FileStoreOptions struct {
	// DisableLocking skips the exclusive lock on basePath+".lock".
	DisableLocking bool

	// FileMode is the permission of snapshot files. Defaults to 0o644.
	FileMode os.FileMode
}

// FileStore persists snapshots with stage-then-swap: a snapshot is fully
// written and synced at [Paths.Writable], promoted to [Paths.Passing], then
// renamed over [Paths.Primary]. A crash at any point leaves a valid primary.
type FileStore struct {
	fs    fs.FS
	paths Paths
	mode  os.FileMode
	lock  *fs.Lock
}

const (
	defaultFileMode = 0o644
	dirMode         = 0o755
)

// NewFileStore creates a store rooted at basePath and, unless disabled, takes
// the single-writer lock. Returns [ErrBusy] if another writer holds it. A nil
// fsys uses the real filesystem.
func NewFileStore(fsys fs.FS, basePath string, opts FileStoreOptions) (*FileStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("empty base path: %w", ErrInvalidInput)
	}

	if fsys == nil {
		fsys = fs.NewReal()
	}

	if opts.FileMode == 0 {
		opts.FileMode = defaultFileMode
	}

	s := &FileStore{fs: fsys, paths: DerivePaths(basePath), mode: opts.FileMode}

	if err := fsys.MkdirAll(filepath.Dir(basePath), dirMode); err != nil {
		return nil, fmt.Errorf("creating index dir: %w: %w", ErrIO, err)
	}

	if !opts.DisableLocking {
		lk, err := fs.NewLocker(fsys).TryLock(basePath + ".lock")
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, fmt.Errorf("index %s is locked by another writer: %w", basePath, ErrBusy)
		}

		if err != nil {
			return nil, fmt.Errorf("locking index: %w: %w", ErrIO, err)
		}

		s.lock = lk
	}

	return s, nil
}

// Path returns the primary snapshot path.
func (s *FileStore) Path() string { return s.paths.Primary }

// Paths returns the derived rotation paths.
func (s *FileStore) Paths() Paths { return s.paths }

// Load returns the primary snapshot after settling leftovers of an
// interrupted flush. A leftover writable file is always discarded. A passing
// file with a valid header is newer than primary (it is only created after a
// complete, synced write) and is promoted, then the directory is synced; an
// invalid one is discarded.
func (s *FileStore) Load() ([]byte, error) {
	if err := s.removeIfExists(s.paths.Writable); err != nil {
		return nil, err
	}

	passing, err := s.fs.ReadFile(s.paths.Passing)

	switch {
	case err == nil:
		if _, verr := ValidateHeader(passing); verr == nil {
			if err := s.fs.Rename(s.paths.Passing, s.paths.Primary); err != nil {
				return nil, fmt.Errorf("promoting orphaned %s: %w: %w", s.paths.Passing, ErrIO, err)
			}

			if err := s.syncDir(); err != nil {
				return nil, fmt.Errorf("syncing promoted %s: %w: %w", s.paths.Primary, ErrIO, err)
			}

			return passing, nil
		}

		if err := s.removeIfExists(s.paths.Passing); err != nil {
			return nil, err
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("reading %s: %w: %w", s.paths.Passing, ErrIO, err)
	}

	data, err := s.fs.ReadFile(s.paths.Primary)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("reading %s: %w: %w", s.paths.Primary, ErrIO, err)
	}

	return data, nil
}

// Save writes snapshot with stage-then-swap. Sectors are written in order,
// each followed by its checksum, and the header goes last so a torn staging
// file never carries a valid header. On failure the staging file is removed
// and the primary is untouched.
func (s *FileStore) Save(snapshot []byte) error {
	if len(snapshot) < HeaderSize || (len(snapshot)-HeaderSize)%SectorSize != 0 {
		return fmt.Errorf("snapshot of %d bytes is not header plus whole sectors: %w", len(snapshot), ErrInvalidInput)
	}

	err := s.stage(snapshot)
	if err == nil {
		err = s.swap()
	}

	if err != nil {
		_ = s.fs.Remove(s.paths.Writable)

		return fmt.Errorf("saving %s: %w: %w", s.paths.Primary, ErrIO, err)
	}

	return nil
}

func (s *FileStore) stage(snapshot []byte) (err error) {
	f, err := s.fs.OpenFile(s.paths.Writable, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, s.mode)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()

	var placeholder [HeaderSize]byte
	if _, err := f.Write(placeholder[:]); err != nil {
		return err
	}

	for off := HeaderSize; off < len(snapshot); off += SectorSize {
		if _, err := f.Write(snapshot[off : off+SectorSize]); err != nil {
			return err
		}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	if _, err := f.Write(snapshot[:HeaderSize]); err != nil {
		return err
	}

	return f.Sync()
}

func (s *FileStore) swap() error {
	if err := s.fs.Rename(s.paths.Writable, s.paths.Passing); err != nil {
		return err
	}

	if err := s.fs.Rename(s.paths.Passing, s.paths.Primary); err != nil {
		return err
	}

	return s.syncDir()
}

func (s *FileStore) syncDir() error {
	d, err := s.fs.Open(filepath.Dir(s.paths.Primary))
	if err != nil {
		return err
	}

	syncErr := d.Sync()
	closeErr := d.Close()

	return errors.Join(syncErr, closeErr)
}

func (s *FileStore) removeIfExists(path string) error {
	err := s.fs.Remove(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}

	return fmt.Errorf("removing %s: %w: %w", path, ErrIO, err)
}

// Close releases the writer lock.
func (s *FileStore) Close() error {
	if s.lock == nil {
		return nil
	}

	lk := s.lock
	s.lock = nil

	return lk.Close()
}

// MemoryStore keeps the last saved snapshot in memory. It preserves header
// and sector semantics but has no durability.
type MemoryStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

// NewMemoryStore returns an empty store. Load reports [ErrNotFound] until the
// first Save.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// NewMemoryStoreFrom returns a store whose Load yields a copy of snapshot.
func NewMemoryStoreFrom(snapshot []byte) *MemoryStore {
	return &MemoryStore{data: bytes.Clone(snapshot)}
}

func (m *MemoryStore) Load() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return nil, ErrNotFound
	}

	return bytes.Clone(m.data), nil
}

func (m *MemoryStore) Save(snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = bytes.Clone(snapshot)
	m.saves++

	return nil
}

func (m *MemoryStore) Close() error { return nil }

// Bytes returns a copy of the last saved snapshot, or nil.
func (m *MemoryStore) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	return bytes.Clone(m.data)
}

// Saves returns how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.saves
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
