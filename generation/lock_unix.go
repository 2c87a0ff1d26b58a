//go:build unix

package generation

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type lockHandle struct {
	f *os.File
}

// Lock acquires the advisory write lock for this generation directory.
// Fails fast with ErrLockHeld when another process holds it.
func (m *Manager) Lock() error {
	if m.lock.f != nil {
		return nil
	}

	f, err := os.OpenFile(m.LockPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("generation: opening lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrLockHeld
		}
		return fmt.Errorf("generation: acquiring lock: %w", err)
	}

	m.lock.f = f
	return nil
}

// Unlock releases the advisory write lock.
func (m *Manager) Unlock() error {
	if m.lock.f == nil {
		return nil
	}

	err := unix.Flock(int(m.lock.f.Fd()), unix.LOCK_UN)
	cerr := m.lock.f.Close()
	m.lock.f = nil

	if err != nil {
		return fmt.Errorf("generation: releasing lock: %w", err)
	}
	return cerr
}
