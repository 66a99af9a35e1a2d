package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobchat/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func Test_SaveAndLoadMessages(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.SaveMessages(ctx, "J", []models.ChatMessage{
		{SenderID: "u1", Text: "pending", CreatedAt: "t1"},
		{ID: "m2", SenderID: "u2", Text: "b", CreatedAt: "t2", Sender: &models.SenderRef{ID: "u2", Name: "Bo", Role: models.RoleProvider}},
	}))
	require.NoError(t, s.SaveMessages(ctx, "K", []models.ChatMessage{{ID: "k1", Text: "other job"}}))

	msgs, err := s.LoadMessages(ctx, "J")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Empty(t, msgs[0].ID)
	assert.Equal(t, "J", msgs[0].JobID)
	require.NotNil(t, msgs[1].Sender)
	assert.Equal(t, "Bo", msgs[1].Sender.Name)

	t.Run("upsert by id", func(t *testing.T) {
		require.NoError(t, s.SaveMessages(ctx, "J", []models.ChatMessage{{ID: "m2", SenderID: "u2", Text: "b", CreatedAt: "t2", ThreadID: "th"}}))
		msgs, err := s.LoadMessages(ctx, "J")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "th", msgs[1].ThreadID)
	})

	t.Run("id-bearing copy supersedes the id-less row", func(t *testing.T) {
		require.NoError(t, s.SaveMessages(ctx, "J", []models.ChatMessage{{ID: "m1", SenderID: "u1", Text: "pending", CreatedAt: "t1"}}))
		msgs, err := s.LoadMessages(ctx, "J")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		var ids []string
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		assert.ElementsMatch(t, []string{"m1", "m2"}, ids)
	})

	t.Run("delete job", func(t *testing.T) {
		require.NoError(t, s.DeleteJob(ctx, "J"))
		msgs, err := s.LoadMessages(ctx, "J")
		require.NoError(t, err)
		assert.Empty(t, msgs)
		msgs, err = s.LoadMessages(ctx, "K")
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})

	t.Run("purge", func(t *testing.T) {
		require.NoError(t, s.Purge(ctx))
		msgs, err := s.LoadMessages(ctx, "K")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func Test_Threads(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first, err := s.EnsureThread(ctx, "J")
	require.NoError(t, err)
	assert.NotEmpty(t, first)
	again, err := s.EnsureThread(ctx, "J")
	require.NoError(t, err)
	assert.Equal(t, first, again)
	other, err := s.EnsureThread(ctx, "K")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func Test_CreateMessage(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sender := models.Participant{ID: "u1", Name: "Ann", Role: models.RoleCustomer}

	m, err := s.CreateMessage(ctx, "J", sender, "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.NotEmpty(t, m.ThreadID)
	assert.Equal(t, "u1", m.SenderID)
	assert.Equal(t, models.RoleCustomer, m.SenderRole)
	assert.False(t, m.CreatedTime().IsZero())

	threadID, err := s.EnsureThread(ctx, "J")
	require.NoError(t, err)
	assert.Equal(t, threadID, m.ThreadID)

	msgs, err := s.LoadMessages(ctx, "J")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, m.ID, msgs[0].ID)
	assert.Equal(t, "Ann", msgs[0].Sender.Name)
}

func Test_OpenInMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	_, err = s.EnsureThread(context.Background(), "J")
	assert.NoError(t, err)

	_, err = Open("")
	assert.Error(t, err)
}
