// Package lock keeps a single daemon per profile directory.
package lock

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is the lock file inside a profile directory.
const FileName = "LOCK"

// Holder describes the daemon owning a profile, as recorded in its lock file.
type Holder struct {
	PID     int
	Profile string
	Since   time.Time
}

func (h Holder) encode() string {
	return fmt.Sprintf("pid=%d\nprofile=%s\ntime=%s\n", h.PID, h.Profile, h.Since.UTC().Format(time.RFC3339))
}

// parseHolder reads key=value lines; unknown keys and bad values are skipped.
func parseHolder(content string) Holder {
	var h Holder
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(val)
		case "profile":
			h.Profile = val
		case "time":
			h.Since, _ = time.Parse(time.RFC3339, val)
		}
	}
	return h
}

// LockHeldError is returned when another daemon already serves the profile.
type LockHeldError struct {
	Holder
	Path string
}

func (e *LockHeldError) Error() string {
	who := fmt.Sprintf("PID %d", e.PID)
	if e.Profile != "" {
		who += " for profile " + e.Profile
	}
	if !e.Since.IsZero() {
		who += " since " + e.Since.Format(time.RFC3339)
	}
	return fmt.Sprintf("profile lock held by %s (%s)", who, e.Path)
}

// Lock is an acquired profile lock file.
type Lock struct {
	file   *os.File
	path   string
	holder Holder
}

// Acquire takes an exclusive flock on dir/LOCK for profile and records the
// current process as its holder. The SQLite database and outbox of a
// profile must have one writer.
func Acquire(dir, profile string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(path)
		_ = f.Close()
		return nil, &LockHeldError{Holder: parseHolder(string(data)), Path: path}
	}

	l := &Lock{
		file:   f,
		path:   path,
		holder: Holder{PID: os.Getpid(), Profile: profile, Since: time.Now().UTC().Truncate(time.Second)},
	}
	if err := l.record(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("record lock holder: %w", err)
	}
	return l, nil
}

func (l *Lock) record() error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	_, err := l.file.WriteAt([]byte(l.holder.encode()), 0)
	return err
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Holder returns what this lock recorded about its owner.
func (l *Lock) Holder() Holder {
	return l.holder
}

// Release removes the lock file and drops the flock. Safe to call on a nil
// receiver and more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}
