package utils

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunLockIsExclusive(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state", "flightsync.sqlite")

	first, err := NewRunLock(dbPath)
	if err != nil {
		t.Fatalf("NewRunLock: %v", err)
	}
	if !strings.HasSuffix(first.Path(), "flightsync.sqlite.lock") {
		t.Fatalf("unexpected lock path %s", first.Path())
	}
	if err := first.TryLock(); err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	second, err := NewRunLock(dbPath)
	if err != nil {
		t.Fatalf("NewRunLock: %v", err)
	}
	if err := second.TryLock(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second TryLock = %v, want ErrAlreadyRunning", err)
	}

	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := second.TryLock(); err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}
	second.Unlock()
}

func TestGetAbsDBPathDefault(t *testing.T) {
	p, err := GetAbsDBPath("")
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	if filepath.Base(p) != "flightsync.sqlite" {
		t.Fatalf("unexpected default path %s", p)
	}
}
