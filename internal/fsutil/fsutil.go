// Package fsutil provides the two primitives every durable Command Post
// artifact is built on: atomic JSON writes (temp file then rename) and
// per-file advisory locking, so that a crash at any point leaves disk in
// a state the next read can recover from.
package fsutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/seanfdz/commandpost/internal/cperr"
	"golang.org/x/sys/unix"
)

// WriteJSONAtomic marshals v and writes it to path via a temp file in the
// same directory followed by os.Rename, so readers never observe a
// partially-written file. The temp file is removed on every error path.
func WriteJSONAtomic(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cperr.FileSystem(err, "mkdir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return cperr.FileSystem(err, "create temp file for %s", path)
	}
	tmpName := tmp.Name()
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return cperr.FileSystem(err, "encode %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return cperr.FileSystem(err, "close temp file for %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return cperr.FileSystem(err, "rename into %s", path)
	}
	return nil
}

// WriteTextAtomic is WriteJSONAtomic's counterpart for plain text
// artifacts (prepared agent instructions), same temp-file-then-rename
// guarantee.
func WriteTextAtomic(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cperr.FileSystem(err, "mkdir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return cperr.FileSystem(err, "create temp file for %s", path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return cperr.FileSystem(err, "write %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return cperr.FileSystem(err, "close temp file for %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return cperr.FileSystem(err, "rename into %s", path)
	}
	return nil
}

// ReadJSON unmarshals the contents of path into v. Returns a NotFound
// cperr.Error if the file does not exist.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cperr.NotFound("file %s", path)
		}
		return cperr.FileSystem(err, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return cperr.FileSystem(err, "parse %s", path)
	}
	return nil
}

// Exists reports whether path names a regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Remove deletes path, tolerating its prior absence. Used by retention
// sweeps where a concurrent cleanup may have already won the race.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return cperr.FileSystem(err, "remove %s", path)
	}
	return nil
}

// locks guards in-process access to the same path so that two goroutines
// in this one daemon never race each other even while they also hold the
// cross-process flock below.
var (
	locksMu sync.Mutex
	locks   = map[string]*sync.Mutex{}
)

func inProcessLock(path string) *sync.Mutex {
	locksMu.Lock()
	defer locksMu.Unlock()
	m, ok := locks[path]
	if !ok {
		m = &sync.Mutex{}
		locks[path] = m
	}
	return m
}

// FileLock is a held advisory lock on one path, protecting against both
// other goroutines in this process and other processes sharing the
// filesystem. Release with Unlock.
type FileLock struct {
	path    string
	file    *os.File
	procMu  *sync.Mutex
}

// Lock acquires an exclusive advisory lock on path (creating a sibling
// ".lock" file if necessary) via golang.org/x/sys/unix.Flock, blocking
// until available. Pair with FileLock.Unlock, typically via defer.
func Lock(path string) (*FileLock, error) {
	procMu := inProcessLock(path)
	procMu.Lock()

	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		procMu.Unlock()
		return nil, cperr.FileSystem(err, "mkdir for lock %s", lockPath)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		procMu.Unlock()
		return nil, cperr.FileSystem(err, "open lock file %s", lockPath)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		procMu.Unlock()
		return nil, cperr.FileSystem(err, "flock %s", lockPath)
	}
	return &FileLock{path: path, file: f, procMu: procMu}, nil
}

// Unlock releases the lock and closes the underlying lock-file handle.
func (l *FileLock) Unlock() error {
	defer l.procMu.Unlock()
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return cperr.FileSystem(err, "unflock %s", l.path)
	}
	return l.file.Close()
}

// WithLock acquires path's lock, runs fn, and always releases the lock
// afterward, returning fn's error (or the lock error if acquisition failed).
func WithLock(path string, fn func() error) error {
	lock, err := Lock(path)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	return fn()
}

// ListFiles returns the base names of regular files directly inside dir
// matching the given glob pattern (e.g. "*.json"). Returns an empty
// slice, not an error, if dir does not exist.
func ListFiles(dir, pattern string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cperr.FileSystem(err, "readdir %s", dir)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ok, _ := filepath.Match(pattern, e.Name()); ok {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
