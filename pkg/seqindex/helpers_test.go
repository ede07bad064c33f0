package seqindex_test

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/calvinalkan/fixgate/pkg/fs"
	"github.com/calvinalkan/fixgate/pkg/seqindex"
)

// faultRecorder is an ErrorHandler that keeps every fault it receives.
type faultRecorder struct {
	mu     sync.Mutex
	faults []error
}

func (f *faultRecorder) OnError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.faults = append(f.faults, err)
}

func (f *faultRecorder) all() []error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]error(nil), f.faults...)
}

func (f *faultRecorder) count(kind error) int {
	n := 0

	for _, err := range f.all() {
		if errors.Is(err, kind) {
			n++
		}
	}

	return n
}

func openMemoryWriter(t *testing.T, opts seqindex.Options) (*seqindex.Writer, *seqindex.MemoryStore) {
	t.Helper()

	store := seqindex.NewMemoryStore()
	opts.Store = store

	w, err := seqindex.Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	return w, store
}

func openFileWriter(t *testing.T, fsys fs.FS, base string, opts seqindex.Options) *seqindex.Writer {
	t.Helper()

	store, err := seqindex.NewFileStore(fsys, base, seqindex.FileStoreOptions{})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	opts.Store = store

	w, err := seqindex.Open(opts)
	if err != nil {
		_ = store.Close()
		t.Fatalf("Open: %v", err)
	}

	return w
}

func indexPath(t *testing.T) string {
	t.Helper()

	return filepath.Join(t.TempDir(), "seqnums")
}

func mustRecord(t *testing.T, w *seqindex.Writer, recs ...seqindex.Record) {
	t.Helper()

	for _, rec := range recs {
		if err := w.OnRecord(rec); err != nil {
			t.Fatalf("OnRecord(%+v): %v", rec, err)
		}
	}
}

func mustClose(t *testing.T, closer interface{ Close() error }) {
	t.Helper()

	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// snapshotOf indexes recs into a fresh in-memory writer, closes it and
// returns the persisted snapshot.
func snapshotOf(t *testing.T, opts seqindex.Options, recs ...seqindex.Record) []byte {
	t.Helper()

	w, store := openMemoryWriter(t, opts)
	mustRecord(t, w, recs...)
	mustClose(t, w)

	return store.Bytes()
}

func rec(session int64, index, seq int32) seqindex.Record {
	return seqindex.Record{SessionID: session, SequenceIndex: index, SequenceNumber: seq}
}

func assertSeq(t *testing.T, lookup func(int64, int32) (int32, bool), session int64, index, want int32) {
	t.Helper()

	got, ok := lookup(session, index)
	if want == seqindex.UnknownSession {
		if ok || got != seqindex.UnknownSession {
			t.Fatalf("lookup(%d,%d)=(%d,%v), want=(UnknownSession,false)", session, index, got, ok)
		}

		return
	}

	if !ok || got != want {
		t.Fatalf("lookup(%d,%d)=(%d,%v), want=(%d,true)", session, index, got, ok, want)
	}
}
