package generation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/hybrigo/internal/fs"
)

// noRetry disables the backoff schedule so injected permanent failures do
// not stall the tests.
func noRetry(o *Options) {
	o.Backoff = nil
}

func writePayload(fsys fs.FileSystem, data []byte) WriteFunc {
	return func(path string) error {
		return fsys.WriteFile(path, data, 0o644)
	}
}

func TestManager(t *testing.T) {
	t.Run("PublishAndResolve", func(t *testing.T) {
		base := t.TempDir()

		m, err := New(base, "vectors", noRetry)
		require.NoError(t, err)

		_, ok := m.ResolveCurrent()
		assert.False(t, ok, "no generation before the first publish")

		target, err := m.Publish(writePayload(m.FS(), []byte("payload")))
		require.NoError(t, err)

		resolved, ok := m.ResolveCurrent()
		require.True(t, ok)
		assert.Equal(t, target, resolved)

		data, err := os.ReadFile(resolved)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(data))

		current, err := os.ReadFile(filepath.Join(base, "CURRENT"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Base(target), strings.TrimSpace(string(current)))
	})

	t.Run("GenerationNameShape", func(t *testing.T) {
		m, err := New(t.TempDir(), "vectors", noRetry)
		require.NoError(t, err)

		name := m.NextGenerationName()
		assert.True(t, strings.HasPrefix(name, "vectors-"))
		assert.True(t, strings.HasSuffix(name, ".idx"))
		assert.NotEqual(t, name, m.NextGenerationName(), "names must be unique")
	})

	t.Run("EmptyPayloadRejected", func(t *testing.T) {
		m, err := New(t.TempDir(), "vectors", noRetry)
		require.NoError(t, err)

		_, err = m.Publish(writePayload(m.FS(), nil))
		require.ErrorIs(t, err, ErrPersistenceFailed)

		_, ok := m.ResolveCurrent()
		assert.False(t, ok)
	})

	t.Run("Retention", func(t *testing.T) {
		base := t.TempDir()

		m, err := New(base, "vectors", noRetry, func(o *Options) { o.Retain = 2 })
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			_, err := m.Publish(writePayload(m.FS(), []byte("x")))
			require.NoError(t, err)
		}

		entries, err := os.ReadDir(base)
		require.NoError(t, err)

		var gens int
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".idx") {
				gens++
			}
		}
		assert.LessOrEqual(t, gens, 3, "at most retain+in-flight generations kept")

		// The active generation always survives retention
		resolved, ok := m.ResolveCurrent()
		require.True(t, ok)
		_, err = os.Stat(resolved)
		require.NoError(t, err)
	})
}

func TestPublishStrategies(t *testing.T) {
	t.Run("FallsBackToChdirWrite", func(t *testing.T) {
		base := t.TempDir()
		faulty := fs.NewFaultyFS(nil)

		m, err := New(base, "vectors", noRetry, func(o *Options) { o.FS = faulty })
		require.NoError(t, err)

		// Strategy a opens <base>/vectors-...; strategy b writes a bare
		// relative name after chdir and stays unaffected.
		faulty.SetFault(filepath.Join(base, "vectors-"), fs.Fault{FailOpen: true, FailWrite: true})

		target, err := m.Publish(writePayload(faulty, []byte("payload")))
		require.NoError(t, err)

		resolved, ok := m.ResolveCurrent()
		require.True(t, ok)
		assert.Equal(t, target, resolved)
	})

	t.Run("FallsBackToLocalMove", func(t *testing.T) {
		base := t.TempDir()
		faulty := fs.NewFaultyFS(nil)

		m, err := New(base, "vectors", noRetry, func(o *Options) { o.FS = faulty })
		require.NoError(t, err)

		// First and second strategies fail: absolute-path writes error and
		// the base directory refuses chdir. The local-write-plus-move path
		// must still publish.
		faulty.SetFault(filepath.Join(base, "vectors-"), fs.Fault{FailOpen: true, FailWrite: true})
		faulty.SetFault(base, fs.Fault{FailChdir: true})

		target, err := m.Publish(writePayload(faulty, []byte("payload")))
		require.NoError(t, err)

		resolved, ok := m.ResolveCurrent()
		require.True(t, ok)
		assert.Equal(t, target, resolved)

		data, err := os.ReadFile(resolved)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(data))
	})

	t.Run("AllStrategiesExhausted", func(t *testing.T) {
		base := t.TempDir()
		faulty := fs.NewFaultyFS(nil)

		m, err := New(base, "vectors", noRetry, func(o *Options) { o.FS = faulty })
		require.NoError(t, err)

		// Seed a first generation so CURRENT has something to keep.
		first, err := m.Publish(writePayload(faulty, []byte("v1")))
		require.NoError(t, err)

		faulty.SetFault(filepath.Join(base, "vectors-"), fs.Fault{FailOpen: true, FailWrite: true, FailRename: true})
		faulty.SetFault(base, fs.Fault{FailChdir: true})
		faulty.SetFault("vectors-", fs.Fault{FailOpen: true, FailWrite: true})

		_, err = m.Publish(writePayload(faulty, []byte("v2")))
		require.ErrorIs(t, err, ErrPersistenceFailed)

		// CURRENT is untouched: the previous generation stays active.
		resolved, ok := m.ResolveCurrent()
		require.True(t, ok)
		assert.Equal(t, first, resolved)

		data, err := os.ReadFile(resolved)
		require.NoError(t, err)
		assert.Equal(t, "v1", string(data))
	})
}

func TestLock(t *testing.T) {
	base := t.TempDir()

	m1, err := New(base, "vectors", noRetry)
	require.NoError(t, err)
	require.NoError(t, m1.Lock())

	// Re-locking the same manager is a no-op
	require.NoError(t, m1.Lock())

	m2, err := New(base, "vectors", noRetry)
	require.NoError(t, err)
	require.ErrorIs(t, m2.Lock(), ErrLockHeld)

	require.NoError(t, m1.Unlock())
	require.NoError(t, m2.Lock())
	require.NoError(t, m2.Unlock())
}
