//go:build unix

package store

import (
	"path/filepath"
	"testing"
	"time"
)

func TestUpdate_WaitsForStoreLock(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "s.json"))

	// Another process holding the lock
	unlock, err := lockFile(s.lockPath())
	if err != nil {
		t.Fatalf("lockFile failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := s.Register("alice", vec(1, 0), false)
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("Register finished while the store was locked: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	unlock()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Register did not resume after the lock was released")
	}
	if s.Count() != 1 {
		t.Errorf("Expected 1 identity, got %d", s.Count())
	}
}
