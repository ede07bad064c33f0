package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func Test_Locker_TryLock_Names_Holder_When_Already_Held(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "index.lock")
	locker := NewLocker(NewReal())

	first, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("first TryLock: %v", err)
	}
	defer first.Close()

	_, err = locker.TryLock(path)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("second TryLock err=%v, want=%v", err, ErrWouldBlock)
	}

	if want := fmt.Sprintf("held by pid %d", os.Getpid()); !strings.Contains(err.Error(), want) {
		t.Errorf("err=%q, want it to contain %q", err, want)
	}
}

func Test_Locker_TryLock_Succeeds_When_Previous_Lock_Released(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.lock")
	locker := NewLocker(NewReal())

	first, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("first TryLock: %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("second TryLock: %v", err)
	}

	if err := second.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func Test_Locker_TryLock_Overwrites_Stale_Owner_When_Acquired(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.lock")
	if err := os.WriteFile(path, []byte("123456789012345678901234\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	lk, err := NewLocker(NewReal()).TryLock(path)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer lk.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// Bytes past the fixed-width record may survive; the first field is the owner.
	if got, want := strings.Fields(string(data))[0], fmt.Sprint(os.Getpid()); got != want {
		t.Errorf("owner=%q, want=%q (file %q)", got, want, data)
	}
}

func Test_Lock_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	lk, err := NewLocker(NewReal()).TryLock(filepath.Join(t.TempDir(), "index.lock"))
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	if err := lk.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}

	if err := lk.Close(); err != nil {
		t.Fatalf("second Close=%v, want nil", err)
	}
}
