package chat_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
	chatservice "github.com/zhouzirui/z-tavern/chatstream/internal/service/chat"
)

func TestStoreContextWindowDropsOldest(t *testing.T) {
	store := chatservice.NewStore(40)
	for i := 1; i <= 41; i++ {
		role := chat.RoleUser
		if i%2 == 0 {
			role = chat.RoleBot
		}
		_, err := store.Append(role, fmt.Sprintf("turn %d", i))
		require.NoError(t, err)
	}

	window := store.ContextWindow()
	require.Len(t, window, 40)
	assert.Equal(t, "turn 2", window[0].Content)
	assert.Equal(t, "turn 41", window[39].Content)
	assert.Equal(t, 41, store.Len())
	assert.Len(t, store.Turns(), 41)
}

func TestStoreContextWindowShorterThanLimit(t *testing.T) {
	store := chatservice.NewStore(0)
	assert.Equal(t, chatservice.DefaultWindow, store.Window())
	assert.Empty(t, store.ContextWindow())

	first, err := store.Append(chat.RoleUser, "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	window := store.ContextWindow()
	require.Len(t, window, 1)
	assert.Equal(t, first, window[0])
}

func TestStoreReadsAreCopies(t *testing.T) {
	store := chatservice.NewStore(2)
	_, err := store.Append(chat.RoleUser, "original")
	require.NoError(t, err)

	window := store.ContextWindow()
	window[0].Content = "mutated"
	turns := store.Turns()
	turns[0].Content = "mutated"

	assert.Equal(t, "original", store.ContextWindow()[0].Content)
	assert.Equal(t, "original", store.Turns()[0].Content)
}

func TestStoreRejectsUnknownRole(t *testing.T) {
	store := chatservice.NewStore(2)
	_, err := store.Append(chat.Role("system"), "nope")
	assert.ErrorIs(t, err, chatservice.ErrUnknownRole)
	assert.Zero(t, store.Len())
}

func TestStoreReset(t *testing.T) {
	store := chatservice.NewStore(2)
	_, _ = store.Append(chat.RoleUser, "a")
	_, _ = store.Append(chat.RoleBot, "b")
	store.Reset()
	assert.Zero(t, store.Len())
	assert.Empty(t, store.ContextWindow())
}
