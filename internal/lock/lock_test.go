package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sameHolder(a, b Holder) bool {
	return a.PID == b.PID && a.Profile == b.Profile && a.Since.Equal(b.Since)
}

func TestAcquireRecordsHolder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profiles", "main")

	l, err := Acquire(dir, "main")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = l.Release() }()

	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	got := parseHolder(string(data))
	if !sameHolder(got, l.Holder()) {
		t.Errorf("file holder = %+v, lock holder = %+v", got, l.Holder())
	}
	if got.PID != os.Getpid() || got.Profile != "main" || got.Since.IsZero() {
		t.Errorf("holder = %+v", got)
	}
}

func TestSecondAcquireReportsHolder(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir, "work")
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(dir, "work")
	var held *LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected LockHeldError, got %T: %v", err, err)
	}
	if !sameHolder(held.Holder, l1.Holder()) || held.Path != filepath.Join(dir, FileName) {
		t.Errorf("LockHeldError = %+v", held)
	}
	if msg := err.Error(); !strings.Contains(msg, "for profile work") {
		t.Errorf("Error() = %q", msg)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir, "main")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file after release: %v", err)
	}
	l2, err := Acquire(dir, "main")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = l2.Release()
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestParseHolder(t *testing.T) {
	since := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want Holder
	}{
		{"pid=42\nprofile=main\ntime=2026-05-04T09:00:00Z\n", Holder{PID: 42, Profile: "main", Since: since}},
		{"time=2026-05-04T09:00:00Z\npid=7", Holder{PID: 7, Since: since}},
		{"pid=abc\ntime=yesterday\nnoise", Holder{}},
		{"", Holder{}},
	}
	for _, tt := range tests {
		if got := parseHolder(tt.in); !sameHolder(got, tt.want) {
			t.Errorf("parseHolder(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestLockHeldErrorMessage(t *testing.T) {
	err := &LockHeldError{Path: "/p/LOCK", Holder: Holder{PID: 9}}
	if got, want := err.Error(), "profile lock held by PID 9 (/p/LOCK)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
