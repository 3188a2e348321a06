package invindex

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestAddSearchAnyAll(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Add("deepseek", "item1"))
	require.NoError(t, idx.Add("ai", "item1"))
	require.NoError(t, idx.Add("ai", "item2"))

	any := idx.SearchAny([]string{"deepseek", "ai"})
	require.Len(t, any, 2)

	all := idx.SearchAll([]string{"deepseek", "ai"})
	require.Len(t, all, 1)
	_, ok := all["item1"]
	require.True(t, ok)
}

func TestCrashRecoveryReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, idx.Add("alice", "item1"))
	require.NoError(t, idx.walFile.Close()) // simulate crash without Close()

	idx2, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	defer idx2.Close()
	set := idx2.Search("alice")
	require.Len(t, set, 1)
}

func TestCompactionTruncatesWAL(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	idx.compactThreshold = 3
	for i := 0; i < 5; i++ {
		require.NoError(t, idx.Add("kw", "id"))
	}
	require.Less(t, idx.walLen, 5)
	require.NoError(t, idx.Close())
}
