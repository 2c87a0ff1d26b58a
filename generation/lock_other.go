//go:build !unix

package generation

import (
	"fmt"
	"os"
)

type lockHandle struct {
	f *os.File
}

// Lock acquires the advisory write lock by exclusively creating the lock
// file. Fails fast with ErrLockHeld when the file already exists.
func (m *Manager) Lock() error {
	if m.lock.f != nil {
		return nil
	}

	f, err := os.OpenFile(m.LockPath(), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrLockHeld
		}
		return fmt.Errorf("generation: opening lock file: %w", err)
	}

	fmt.Fprintf(f, "%d\n", os.Getpid())

	m.lock.f = f
	return nil
}

// Unlock releases the advisory write lock and removes the lock file.
func (m *Manager) Unlock() error {
	if m.lock.f == nil {
		return nil
	}

	cerr := m.lock.f.Close()
	m.lock.f = nil
	_ = os.Remove(m.LockPath())

	return cerr
}
