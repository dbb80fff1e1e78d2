package lock

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMutexMap_LockUnlock(t *testing.T) {
	m := NewMutexMap()

	m.Lock("prx_1700000000_deadbeef")
	m.Unlock("prx_1700000000_deadbeef")

	// Should be able to lock again
	m.Lock("prx_1700000000_deadbeef")
	m.Unlock("prx_1700000000_deadbeef")
}

func TestMutexMap_DifferentKeys(t *testing.T) {
	m := NewMutexMap()

	done := make(chan struct{})

	m.Lock("proxies")
	go func() {
		// accounts should not be blocked by proxies
		m.Lock("accounts")
		m.Unlock("accounts")
		close(done)
	}()

	<-done
	m.Unlock("proxies")
}

func TestMutexMap_Concurrent(t *testing.T) {
	m := NewMutexMap()
	var counter int64

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("shared")
			atomic.AddInt64(&counter, 1)
			m.Unlock("shared")
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected counter=100, got %d", counter)
	}
}

func TestFileLock_TryLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl := NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail")
	}
}

func TestFileLock_UnlockAllowsRelock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("re-lock after unlock failed: %v", err)
	}
	fl2.Unlock()
}

func TestFileLock_LockWaitsForHolder(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "proxies.yaml.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.Lock(); err != nil {
		t.Fatalf("first Lock failed: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		fl2 := NewFileLock(lockPath)
		if err := fl2.Lock(); err != nil {
			t.Errorf("second Lock failed: %v", err)
		}
		fl2.Unlock()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while the first was still held")
	case <-time.After(100 * time.Millisecond):
	}

	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second Lock never acquired after release")
	}
}

func TestFileLock_LockKeepsFileOnUnlock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "proxies.yaml.lock")

	fl := NewFileLock(lockPath)
	if err := fl.Lock(); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if err := fl.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	// Contenders must keep hitting the same inode.
	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("lock file removed on unlock: %v", err)
	}
}

func TestFileLock_DoubleUnlockSafe(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl := NewFileLock(lockPath)
	fl.TryLock()
	fl.Unlock()
	// Double unlock should be safe
	if err := fl.Unlock(); err != nil {
		t.Fatalf("double unlock should be safe, got: %v", err)
	}
}
