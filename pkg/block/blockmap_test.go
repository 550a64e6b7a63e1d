package block

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testBlockSize = 4096

func openTestMap(t *testing.T) (*Map, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.data")
	m, err := OpenMap(path, testBlockSize)
	if err != nil {
		t.Fatalf("Failed to open map: %v", err)
	}
	return m, path
}

func TestAcquireExtendsFile(t *testing.T) {
	m, path := openTestMap(t)
	defer m.Close()

	if m.Size() != 0 {
		t.Errorf("fresh map size = %d, want 0", m.Size())
	}

	b, err := m.Acquire(0)
	if err != nil {
		t.Fatalf("Failed to acquire block 0: %v", err)
	}
	if m.Size() != testBlockSize {
		t.Errorf("size after acquire = %d, want %d", m.Size(), testBlockSize)
	}

	// Fresh blocks are zero-filled
	for i, v := range b.Bytes() {
		if v != 0 {
			t.Fatalf("byte %d of fresh block = %d, want 0", i, v)
		}
	}
	m.Release(b)

	// Acquiring a later block extends past the gap
	b3, err := m.Acquire(3)
	if err != nil {
		t.Fatalf("Failed to acquire block 3: %v", err)
	}
	if m.Size() != 4*testBlockSize {
		t.Errorf("size after acquiring block 3 = %d, want %d", m.Size(), 4*testBlockSize)
	}
	m.Release(b3)

	stat, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Failed to stat backing file: %v", err)
	}
	if stat.Size() != 4*testBlockSize {
		t.Errorf("physical file size = %d, want %d", stat.Size(), 4*testBlockSize)
	}
}

func TestWritesPersist(t *testing.T) {
	m, path := openTestMap(t)

	b, err := m.Acquire(0)
	if err != nil {
		t.Fatalf("Failed to acquire block: %v", err)
	}
	copy(b.Bytes()[100:], []byte("persisted"))
	b.PutInt64(0, 424242)
	m.Release(b)

	if err := m.Close(); err != nil {
		t.Fatalf("Failed to close map: %v", err)
	}

	m2, err := OpenMap(path, testBlockSize)
	if err != nil {
		t.Fatalf("Failed to reopen map: %v", err)
	}
	defer m2.Close()

	b2, err := m2.Acquire(0)
	if err != nil {
		t.Fatalf("Failed to acquire block after reopen: %v", err)
	}
	defer m2.Release(b2)

	if got := string(b2.Bytes()[100:109]); got != "persisted" {
		t.Errorf("persisted bytes = %q, want %q", got, "persisted")
	}
	if got := b2.Int64(0); got != 424242 {
		t.Errorf("persisted int64 = %d, want 424242", got)
	}
}

func TestPinnedRefusesClose(t *testing.T) {
	m, _ := openTestMap(t)

	b, err := m.Acquire(0)
	if err != nil {
		t.Fatalf("Failed to acquire block: %v", err)
	}

	if err := m.Close(); !errors.Is(err, ErrInUse) {
		t.Errorf("Close with pinned block = %v, want ErrInUse", err)
	}

	m.Release(b)
	if err := m.Close(); err != nil {
		t.Errorf("Close after release = %v, want nil", err)
	}

	if _, err := m.Acquire(0); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire after close = %v, want ErrClosed", err)
	}
}

func TestRepinnedBlockSharesWindow(t *testing.T) {
	m, _ := openTestMap(t)
	defer m.Close()

	b1, err := m.Acquire(0)
	if err != nil {
		t.Fatalf("Failed to acquire block: %v", err)
	}
	b2, err := m.Acquire(0)
	if err != nil {
		t.Fatalf("Failed to re-acquire block: %v", err)
	}
	if b1 != b2 {
		t.Error("expected the same pinned block for the same index")
	}

	b1.PutInt32(8, 77)
	if got := b2.Int32(8); got != 77 {
		t.Errorf("value through second pin = %d, want 77", got)
	}

	m.Release(b1)
	m.Release(b2)
}

func TestAtomicAccessors(t *testing.T) {
	m, _ := openTestMap(t)
	defer m.Close()

	b, err := m.Acquire(0)
	if err != nil {
		t.Fatalf("Failed to acquire block: %v", err)
	}
	defer m.Release(b)

	b.PutInt32(8, -1096)
	if got := b.Int32(8); got != -1096 {
		t.Errorf("Int32 roundtrip = %d, want -1096", got)
	}

	b.PutInt64(0, 1<<40)
	if got := b.Int64(0); got != 1<<40 {
		t.Errorf("Int64 roundtrip = %d, want %d", got, int64(1)<<40)
	}
}

func TestUnalignedAccessPanics(t *testing.T) {
	m, _ := openTestMap(t)
	defer m.Close()

	b, err := m.Acquire(0)
	if err != nil {
		t.Fatalf("Failed to acquire block: %v", err)
	}
	defer m.Release(b)

	defer func() {
		if recover() == nil {
			t.Error("expected panic for unaligned access")
		}
	}()
	b.Int32(6)
}

func TestOutOfRangeAccessPanics(t *testing.T) {
	m, _ := openTestMap(t)
	defer m.Close()

	b, err := m.Acquire(0)
	if err != nil {
		t.Fatalf("Failed to acquire block: %v", err)
	}
	defer m.Release(b)

	defer func() {
		if recover() == nil {
			t.Error("expected panic for out of range access")
		}
	}()
	b.Int64(testBlockSize - 4)
}

func TestEvictionKeepsData(t *testing.T) {
	m, _ := openTestMap(t)
	defer m.Close()

	// Touch well past the retention cap so early blocks get unmapped
	for i := int64(0); i < 2*defaultRetain; i++ {
		b, err := m.Acquire(i)
		if err != nil {
			t.Fatalf("Failed to acquire block %d: %v", i, err)
		}
		b.PutInt64(0, i+1)
		m.Release(b)
	}

	// Remapped blocks still see the written data
	for i := int64(0); i < 2*defaultRetain; i++ {
		b, err := m.Acquire(i)
		if err != nil {
			t.Fatalf("Failed to re-acquire block %d: %v", i, err)
		}
		if got := b.Int64(0); got != i+1 {
			t.Errorf("block %d value = %d, want %d", i, got, i+1)
		}
		m.Release(b)
	}
}
