// Package generation provides atomic, crash-safe publishing of immutable
// index files on hostile filesystems.
//
// A generation is a versioned index file named <stem>-<ts>-<pid>-<rnd>.idx;
// the CURRENT file names the active generation. CURRENT is only advanced
// after the new generation is fully written, so a reader always sees either
// the previous or the new generation - never a torn one.
//
// Some platforms and network volumes refuse to rename or unlink files while
// another handle is open, and occasionally refuse writes to otherwise-valid
// absolute paths under load. Publish therefore tries three write strategies
// in order: direct write into the base directory, chdir into the base
// directory and write relatively, and write into the working directory
// followed by a move.
package generation

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/hybrigo/internal/fs"
)

var (
	// ErrPersistenceFailed is returned when every publish strategy has been
	// exhausted. The previous generation remains active.
	ErrPersistenceFailed = errors.New("generation: all publish strategies failed")

	// ErrLockHeld is returned when another process holds the write lock.
	ErrLockHeld = errors.New("generation: write lock held by another process")
)

// currentFile is the name of the pointer file inside the base directory.
const currentFile = "CURRENT"

// defaultRetain is the number of generations kept on disk.
const defaultRetain = 3

// defaultBackoff is the retry schedule for transient write failures.
var defaultBackoff = []time.Duration{
	10 * time.Millisecond,
	20 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
}

// WriteFunc writes a generation payload to the given path.
type WriteFunc func(path string) error

// Options configures the Manager.
type Options struct {
	// Retain is the number of most recent generations kept. Older ones are
	// deleted after a successful publish.
	Retain int

	// Backoff is the retry schedule applied to each write strategy before
	// it is abandoned.
	Backoff []time.Duration

	// FS overrides the file system. Tests inject failures through it.
	FS fs.FileSystem
}

// Manager publishes generations under a base directory.
type Manager struct {
	base   string
	stem   string
	retain int

	backoff []time.Duration
	fsys    fs.FileSystem

	lock lockHandle
}

// New creates a Manager for the given base directory and file stem.
// The base directory is created if missing.
func New(base, stem string, optFns ...func(o *Options)) (*Manager, error) {
	opts := Options{
		Retain:  defaultRetain,
		Backoff: defaultBackoff,
		FS:      fs.Default,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Retain < 1 {
		opts.Retain = 1
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}

	if err := opts.FS.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("generation: creating base directory: %w", err)
	}

	return &Manager{
		base:    base,
		stem:    stem,
		retain:  opts.Retain,
		backoff: opts.Backoff,
		fsys:    opts.FS,
	}, nil
}

// Base returns the base directory.
func (m *Manager) Base() string { return m.base }

// FS returns the file system the manager operates on. Callers writing
// generation payloads go through it so fault injection covers them too.
func (m *Manager) FS() fs.FileSystem { return m.fsys }

// LockPath returns the advisory lock file path.
func (m *Manager) LockPath() string {
	return filepath.Join(m.base, m.stem+".lock")
}

// NextGenerationName allocates a fresh generation filename.
func (m *Manager) NextGenerationName() string {
	rnd := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("%s-%d-%d-%s.idx", m.stem, time.Now().Unix(), os.Getpid(), rnd)
}

// Publish writes a new generation using writeFn and atomically advances
// CURRENT to it. On failure CURRENT is untouched, so the reader path keeps
// seeing the previous generation.
func (m *Manager) Publish(writeFn WriteFunc) (string, error) {
	name := m.NextGenerationName()
	target := filepath.Join(m.base, name)

	strategies := []func() error{
		func() error { return m.writeDirect(writeFn, target) },
		func() error { return m.writeChdir(writeFn, name) },
		func() error { return m.writeLocalMove(writeFn, name, target) },
	}

	var errs []error
	published := false

	for _, strategy := range strategies {
		if err := m.withRetry(strategy); err != nil {
			errs = append(errs, err)
			// Drop any partial file before the next attempt
			_ = m.fsys.Remove(target)
			continue
		}

		if err := m.verify(target); err != nil {
			errs = append(errs, err)
			_ = m.fsys.Remove(target)
			continue
		}

		published = true
		break
	}

	if !published {
		return "", fmt.Errorf("%w: %w", ErrPersistenceFailed, errors.Join(errs...))
	}

	if err := m.updateCurrent(name); err != nil {
		return "", err
	}

	m.retire()

	return target, nil
}

// withRetry runs fn, retrying transient failures on the configured backoff
// schedule before giving up on the strategy.
func (m *Manager) withRetry(fn func() error) error {
	err := fn()
	for _, delay := range m.backoff {
		if err == nil {
			return nil
		}
		time.Sleep(delay)
		err = fn()
	}
	return err
}

// writeDirect invokes writeFn with the target path inside base.
func (m *Manager) writeDirect(writeFn WriteFunc, target string) error {
	return writeFn(target)
}

// writeChdir changes the working directory to base, writes relatively and
// restores the working directory on every exit path. The working directory
// acts as a coarse lock here; callers serialize Publish.
func (m *Manager) writeChdir(writeFn WriteFunc, name string) (err error) {
	cwd, werr := m.fsys.Getwd()
	if werr != nil {
		return fmt.Errorf("generation: getwd: %w", werr)
	}

	if cerr := m.fsys.Chdir(m.base); cerr != nil {
		return fmt.Errorf("generation: chdir %s: %w", m.base, cerr)
	}

	defer func() {
		if rerr := m.fsys.Chdir(cwd); rerr != nil && err == nil {
			err = fmt.Errorf("generation: restoring working directory: %w", rerr)
		}
	}()

	return writeFn(name)
}

// writeLocalMove writes into the working directory and moves the result
// into base.
func (m *Manager) writeLocalMove(writeFn WriteFunc, name, target string) error {
	if err := writeFn(name); err != nil {
		return err
	}

	if err := m.fsys.Rename(name, target); err != nil {
		// Rename can fail across devices; fall back to copy + remove.
		if cerr := m.copyFile(name, target); cerr != nil {
			_ = m.fsys.Remove(name)
			return fmt.Errorf("generation: moving %s: %w", name, errors.Join(err, cerr))
		}
		_ = m.fsys.Remove(name)
	}

	return nil
}

func (m *Manager) copyFile(src, dst string) error {
	in, err := m.fsys.OpenFile(src, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := m.fsys.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}

	if err := out.Sync(); err != nil && !errors.Is(err, os.ErrPermission) {
		_ = out.Close()
		return err
	}

	return out.Close()
}

// verify checks that the published file exists and is non-empty.
func (m *Manager) verify(target string) error {
	info, err := m.fsys.Stat(target)
	if err != nil {
		return fmt.Errorf("generation: verifying %s: %w", target, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("generation: %s is empty", target)
	}
	return nil
}

// updateCurrent atomically swaps the CURRENT pointer via a temp file.
// fsync is best-effort; permission errors on that class are swallowed.
func (m *Manager) updateCurrent(name string) error {
	currentPath := filepath.Join(m.base, currentFile)
	tmpPath := currentPath + ".tmp"

	f, err := m.fsys.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("generation: creating CURRENT temp: %w", err)
	}

	if _, err := f.Write([]byte(name + "\n")); err != nil {
		_ = f.Close()
		_ = m.fsys.Remove(tmpPath)
		return fmt.Errorf("generation: writing CURRENT temp: %w", err)
	}

	if err := f.Sync(); err != nil && !errors.Is(err, os.ErrPermission) {
		_ = f.Close()
		_ = m.fsys.Remove(tmpPath)
		return fmt.Errorf("generation: syncing CURRENT temp: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("generation: closing CURRENT temp: %w", err)
	}

	if err := m.fsys.Rename(tmpPath, currentPath); err != nil {
		_ = m.fsys.Remove(tmpPath)
		return fmt.Errorf("generation: swapping CURRENT: %w", err)
	}

	syncDir(m.base)

	return nil
}

// ResolveCurrent returns the path of the active generation, or false when
// no generation has been published.
func (m *Manager) ResolveCurrent() (string, bool) {
	data, err := m.fsys.ReadFile(filepath.Join(m.base, currentFile))
	if err != nil {
		return "", false
	}

	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", false
	}

	path := filepath.Join(m.base, name)
	if _, err := m.fsys.Stat(path); err != nil {
		return "", false
	}

	return path, true
}

// retire deletes all but the most recent retain generations, tolerating
// transient permission failures by skipping.
func (m *Manager) retire() {
	entries, err := m.fsys.ReadDir(m.base)
	if err != nil {
		return
	}

	// Never delete the active generation, whatever the timestamps say.
	var current string
	if data, err := m.fsys.ReadFile(filepath.Join(m.base, currentFile)); err == nil {
		current = strings.TrimSpace(string(data))
	}

	type gen struct {
		name string
		mod  time.Time
	}

	var gens []gen
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, m.stem+"-") || !strings.HasSuffix(name, ".idx") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		gens = append(gens, gen{name: name, mod: info.ModTime()})
	}

	if len(gens) <= m.retain {
		return
	}

	sort.Slice(gens, func(i, j int) bool { return gens[i].mod.After(gens[j].mod) })

	for _, g := range gens[m.retain:] {
		if g.name == current {
			continue
		}
		_ = m.fsys.Remove(filepath.Join(m.base, g.name))
	}
}

// syncDir fsyncs a directory, ignoring errors; some filesystems do not
// support it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
