package history

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "conv-1",
		Entry{Role: RoleSystem, Content: "be helpful"},
		Entry{Role: RoleUser, Content: "hi"},
	))
	require.NoError(t, s.Append(ctx, "conv-1", Entry{Role: RoleAssistant, Content: "hello"}))

	got, err := s.Load(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Sequence)
		assert.Equal(t, "conv-1", e.ConversationID)
		assert.False(t, e.CreatedAt.IsZero())
	}
}

func TestAppendAtomicOnInvalidEntry(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	err := s.Append(ctx, "conv-1",
		Entry{Role: RoleUser, Content: "hi"},
		Entry{Role: Role("narrator")},
	)
	require.Error(t, err)

	got, err := s.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestToolEntryRequiresCallID(t *testing.T) {
	s := NewInMemory()
	err := s.Append(context.Background(), "conv-1", Entry{Role: RoleTool, Content: "42"})
	assert.Error(t, err)

	err = s.Append(context.Background(), "conv-1", Entry{Role: RoleTool, ToolCallID: "tc-1", Content: "42"})
	assert.NoError(t, err)
}

func TestLoadReturnsCopies(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "conv-1", Entry{Role: RoleUser, Content: "hi"}))

	first, err := s.Load(ctx, "conv-1")
	require.NoError(t, err)
	first[0].Content = "mutated"

	second, err := s.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "hi", second[0].Content)
}

func TestLoadUnknownConversation(t *testing.T) {
	s := NewInMemory()
	got, err := s.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDelete(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "conv-1", Entry{Role: RoleUser, Content: "hi"}))
	require.NoError(t, s.Delete(ctx, "conv-1"))

	got, err := s.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestConcurrentAppends(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = s.Append(ctx, "conv-1", Entry{Role: RoleUser, Content: "x"})
			}
		}()
	}
	wg.Wait()

	got, err := s.Load(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 160)
	seen := make(map[uint64]bool, len(got))
	for _, e := range got {
		assert.False(t, seen[e.Sequence], "duplicate sequence %d", e.Sequence)
		seen[e.Sequence] = true
	}
}
