package lock

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestMutexMap_SerializesSameKey(t *testing.T) {
	m := NewMutexMap()
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("agent:web_dev")
			counter++
			m.Unlock("agent:web_dev")
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}

func TestMutexMap_WithLock(t *testing.T) {
	m := NewMutexMap()
	ran := false
	err := m.WithLock("k", func() error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Errorf("WithLock: ran=%v err=%v", ran, err)
	}
}

func TestFileLock_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "daemon.lock")

	fl := NewFileLock(path)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("lock in missing dir: %v", err)
	}
	defer fl.Unlock()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("lock file not created: %v", err)
	}
}

func TestFileLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	fl1 := NewFileLock(path)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first lock: %v", err)
	}

	fl2 := NewFileLock(path)
	if err := fl2.TryLock(); err == nil {
		t.Error("second lock should fail while first is held")
		fl2.Unlock()
	}

	if err := fl1.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file should be removed on unlock")
	}
}
