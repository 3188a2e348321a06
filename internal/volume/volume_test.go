package volume

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/recallsystems/recall/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, zerolog.Nop(), WithVolumeSize(10), WithFileSize(5))
	require.NoError(t, err)
	return s
}

func TestAppendAndGetByTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	turn, err := s.Append(ctx, &model.Item{Content: "hello alice"})
	require.NoError(t, err)
	require.Equal(t, int64(0), turn)

	item, err := s.GetByTurn(0)
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, "hello alice", item.Content)
}

func TestGetByIDFallsBackToScan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, &model.Item{ID: "fixed-id", Content: "needle in haystack"})
	require.NoError(t, err)

	// simulate a cold id index by clearing it in memory
	s.mu.Lock()
	s.idToTurn = map[string]int64{}
	s.mu.Unlock()

	item, err := s.GetByID("fixed-id")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, "needle in haystack", item.Content)
}

func TestSearchContentLiteralRecall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, &model.Item{Content: "这是一个独特的测试内容包含随机数字 7749382 和特殊词汇"})
	require.NoError(t, err)

	results, err := s.SearchContent("7749382", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestCursorRestartable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 23; i++ {
		_, err := s.Append(ctx, &model.Item{Content: "x"})
		require.NoError(t, err)
	}

	c := s.Cursor()
	count := 0
	for {
		it, err := c.Next()
		require.NoError(t, err)
		if it == nil {
			break
		}
		count++
	}
	require.Equal(t, 23, count)

	again, err := s.Cursor().Next()
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, int64(0), again.TurnNumber)
}

func TestClearResetsCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, &model.Item{Content: "x"})
	require.NoError(t, err)
	require.NoError(t, s.Clear())
	require.Equal(t, int64(0), s.TotalTurns())
}
