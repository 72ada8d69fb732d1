package localstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDBPath returns a temporary path for store databases.
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "store.db")
}

func TestSQLiteBackend_RoundTrip(t *testing.T) {
	path := testDBPath(t)
	b, err := OpenSQLite(path, 0)
	require.NoError(t, err)

	require.NoError(t, b.Set("a", "1"))
	require.NoError(t, b.Set("a", "2"))
	require.NoError(t, b.Set("b", ""))
	require.NoError(t, b.Remove("missing"))

	v, ok, err := b.Get("a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	_, ok, err = b.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	reopened, err := OpenSQLite(path, 0)
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.All()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "2", "b": ""}, all)
}

func TestSQLiteBackend_Quota(t *testing.T) {
	b, err := OpenSQLite(testDBPath(t), 8)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Set("k", "123456"))
	assert.ErrorIs(t, b.Set("x", "12"), ErrQuotaExceeded)
	require.NoError(t, b.Set("k", "1234567"))

	all, err := b.All()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k": "1234567"}, all)
}

func TestSQLiteBackend_DataVersionSeesOtherConnections(t *testing.T) {
	path := testDBPath(t)
	a, err := OpenSQLite(path, 0)
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenSQLite(path, 0)
	require.NoError(t, err)
	defer b.Close()

	before, err := a.DataVersion()
	require.NoError(t, err)

	require.NoError(t, a.Set("own", "1"))
	own, err := a.DataVersion()
	require.NoError(t, err)
	assert.Equal(t, before, own, "own commits do not change data_version")

	require.NoError(t, b.Set("other", "1"))
	after, err := a.DataVersion()
	require.NoError(t, err)
	assert.NotEqual(t, own, after)
}

func TestStore_FollowReportsExternalWrites(t *testing.T) {
	path := testDBPath(t)
	mine, err := OpenSQLite(path, 0)
	require.NoError(t, err)
	defer mine.Close()
	theirs, err := OpenSQLite(path, 0)
	require.NoError(t, err)
	defer theirs.Close()

	s := NewStore(mine, nil)
	changes, cancel := s.Subscribe(16)
	defer cancel()

	fw, err := NewFileWatcher(path)
	require.NoError(t, err)
	require.NoError(t, fw.Start())
	defer fw.Stop()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go s.Follow(ctx, fw)

	require.NoError(t, theirs.Set("shared", "from-another-process"))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Origin == OriginExternal {
				v, ok, err := s.Get("shared")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, "from-another-process", v)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for external change")
		}
	}
}

func TestFileWatcher_StartTwice(t *testing.T) {
	fw, err := NewFileWatcher(testDBPath(t))
	require.NoError(t, err)
	require.NoError(t, fw.Start())
	defer fw.Stop()

	assert.Error(t, fw.Start())
}
