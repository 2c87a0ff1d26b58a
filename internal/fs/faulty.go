package fs

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Fault defines specific failure behavior for matching paths.
type Fault struct {
	FailOpen   bool
	FailWrite  bool
	FailRename bool
	FailChdir  bool
	Err        error
}

// FaultyFS is a FileSystem wrapper that can inject errors.
//
// Rules are matched by substring against the path; when several rules match,
// their faults are combined. The zero value of a rule injects nothing.
type FaultyFS struct {
	FS FileSystem

	mu    sync.Mutex
	rules map[string]Fault
}

// NewFaultyFS creates a new FaultyFS wrapping the provided FS (or Default if nil).
func NewFaultyFS(fsys FileSystem) *FaultyFS {
	if fsys == nil {
		fsys = Default
	}
	return &FaultyFS{
		FS:    fsys,
		rules: make(map[string]Fault),
	}
}

// SetFault installs a fault rule for paths containing pattern.
func (f *FaultyFS) SetFault(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fault.Err == nil {
		fault.Err = fmt.Errorf("injected fault error")
	}
	f.rules[pattern] = fault
}

// ClearFaults removes all fault rules.
func (f *FaultyFS) ClearFaults() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = make(map[string]Fault)
}

func (f *FaultyFS) match(name string) (Fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var merged Fault
	found := false
	for pattern, fault := range f.rules {
		if !strings.Contains(name, pattern) {
			continue
		}
		merged.FailOpen = merged.FailOpen || fault.FailOpen
		merged.FailWrite = merged.FailWrite || fault.FailWrite
		merged.FailRename = merged.FailRename || fault.FailRename
		merged.FailChdir = merged.FailChdir || fault.FailChdir
		if merged.Err == nil {
			merged.Err = fault.Err
		}
		found = true
	}
	return merged, found
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	if fault, ok := f.match(name); ok && fault.FailOpen {
		return nil, fault.Err
	}
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	if fault, ok := f.match(name); ok && fault.FailWrite {
		return &faultyFile{File: file, err: fault.Err}, nil
	}
	return file, nil
}

func (f *FaultyFS) Remove(name string) error             { return f.FS.Remove(name) }
func (f *FaultyFS) Stat(name string) (os.FileInfo, error) { return f.FS.Stat(name) }
func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}
func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) { return f.FS.ReadDir(name) }
func (f *FaultyFS) ReadFile(name string) ([]byte, error)       { return f.FS.ReadFile(name) }

func (f *FaultyFS) WriteFile(name string, data []byte, perm os.FileMode) error {
	if fault, ok := f.match(name); ok && (fault.FailWrite || fault.FailOpen) {
		return fault.Err
	}
	return f.FS.WriteFile(name, data, perm)
}

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	if fault, ok := f.match(oldpath); ok && fault.FailRename {
		return fault.Err
	}
	if fault, ok := f.match(newpath); ok && fault.FailRename {
		return fault.Err
	}
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) Getwd() (string, error) { return f.FS.Getwd() }

func (f *FaultyFS) Chdir(dir string) error {
	if fault, ok := f.match(dir); ok && fault.FailChdir {
		return fault.Err
	}
	return f.FS.Chdir(dir)
}

type faultyFile struct {
	File
	err error
}

func (f *faultyFile) Write(p []byte) (int, error) {
	return 0, f.err
}
