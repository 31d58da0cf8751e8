// Package outboxtest holds behaviour tests shared by every outbox.Store.
package outboxtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mail-dispatch/internal/outbox"
)

func newMessage(userID, subject string) *outbox.Message {
	return &outbox.Message{
		UserID:   userID,
		From:     "sender@example.com",
		To:       []string{"to@example.com"},
		Cc:       []string{"cc@example.com"},
		Subject:  subject,
		BodyHTML: "<p>hello</p>",
	}
}

// RunStoreTests exercises newStore against the Store contract.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) outbox.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateAssignsIDAndPending", func(t *testing.T) {
		s := newStore(t)
		msg := newMessage("u1", "hi")
		require.NoError(t, s.Create(ctx, msg))
		require.NotEmpty(t, msg.ID)
		assert.False(t, msg.CreatedAt.IsZero())

		got, err := s.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusPending, got.Status)
		assert.Equal(t, []string{"to@example.com"}, got.To)
		assert.Equal(t, []string{"cc@example.com"}, got.Cc)
		assert.Empty(t, got.Error)
		assert.Nil(t, got.SentAt)
	})

	t.Run("MarkSentIsFinal", func(t *testing.T) {
		s := newStore(t)
		msg := newMessage("u1", "hi")
		require.NoError(t, s.Create(ctx, msg))

		sentAt := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		require.NoError(t, s.MarkSent(ctx, msg.ID, sentAt, "<provider-id>"))

		got, err := s.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusSent, got.Status)
		require.NotNil(t, got.SentAt)
		assert.True(t, sentAt.Equal(*got.SentAt))
		assert.Equal(t, "<provider-id>", got.ProviderMessageID)
		assert.Empty(t, got.Error)

		assert.ErrorIs(t, s.MarkFailed(ctx, msg.ID, "late failure"), outbox.ErrInvalidTransition)
		assert.ErrorIs(t, s.MarkSent(ctx, msg.ID, sentAt, ""), outbox.ErrInvalidTransition)

		got, err = s.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusSent, got.Status)
	})

	t.Run("MarkFailedIsFinal", func(t *testing.T) {
		s := newStore(t)
		msg := newMessage("u1", "hi")
		require.NoError(t, s.Create(ctx, msg))
		require.NoError(t, s.MarkFailed(ctx, msg.ID, "connection refused"))

		got, err := s.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusFailed, got.Status)
		assert.Equal(t, "connection refused", got.Error)
		assert.Nil(t, got.SentAt)

		assert.ErrorIs(t, s.MarkSent(ctx, msg.ID, time.Now(), ""), outbox.ErrInvalidTransition)
	})

	t.Run("MarkFailedWithoutMessage", func(t *testing.T) {
		s := newStore(t)
		msg := newMessage("u1", "hi")
		require.NoError(t, s.Create(ctx, msg))
		require.NoError(t, s.MarkFailed(ctx, msg.ID, " "))

		got, err := s.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusFailed, got.Status)
		assert.Equal(t, outbox.UnknownFailure, got.Error)
	})

	t.Run("UnknownID", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, outbox.ErrNotFound)
		assert.ErrorIs(t, s.MarkSent(ctx, "missing", time.Now(), ""), outbox.ErrNotFound)
		assert.ErrorIs(t, s.MarkFailed(ctx, "missing", "x"), outbox.ErrNotFound)
	})

	t.Run("ListAndStats", func(t *testing.T) {
		s := newStore(t)
		base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
		var ids []string
		for i, user := range []string{"u1", "u2", "u1", "u1"} {
			msg := newMessage(user, "m")
			msg.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			require.NoError(t, s.Create(ctx, msg))
			ids = append(ids, msg.ID)
		}
		require.NoError(t, s.MarkSent(ctx, ids[0], base, ""))
		require.NoError(t, s.MarkFailed(ctx, ids[2], "boom"))

		all, total, err := s.List(ctx, outbox.Filter{})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		require.Len(t, all, 4)
		assert.Equal(t, ids[3], all[0].ID, "newest first")

		mine, total, err := s.List(ctx, outbox.Filter{UserID: "u1", Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, mine, 2)
		assert.Equal(t, ids[3], mine[0].ID)
		assert.Equal(t, ids[2], mine[1].ID)

		page2, _, err := s.List(ctx, outbox.Filter{UserID: "u1", Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, page2, 1)
		assert.Equal(t, ids[0], page2[0].ID)

		st, err := s.Stats(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, outbox.Stats{Total: 3, Sent: 1, Failed: 1, Pending: 1}, st)

		st, err = s.Stats(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, outbox.Stats{Total: 4, Sent: 1, Failed: 1, Pending: 2}, st)
	})
}
