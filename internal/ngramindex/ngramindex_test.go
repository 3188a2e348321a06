package ngramindex

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestCJKFallbackRecall(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)

	content := "这是一个独特的测试内容包含随机数字 7749382 和特殊词汇 龙凤呈祥"
	require.NoError(t, idx.Add("item1", content))

	got := idx.Search("7749382")
	require.Contains(t, got, "item1")

	got = idx.Search("龙凤")
	require.Contains(t, got, "item1")
}

func TestASCIIStopwordsExcluded(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, idx.Add("item1", "the quick brown fox"))

	got := idx.Search("the")
	require.Empty(t, got)

	got = idx.Search("quick")
	require.Contains(t, got, "item1")
}
