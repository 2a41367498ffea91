package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/tenantdesk/internal/activity"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Ping(context.Background()))
	return db
}

func TestActivityStoreListsNewestFirstPerOrganization(t *testing.T) {
	ctx := context.Background()
	s := NewActivityStore(openTestDB(t))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		kind := activity.KindNotify
		if i%2 == 1 {
			kind = activity.KindAlert
		}
		_, err := s.Create(ctx, "org-1", activity.Record{
			ID:        fmt.Sprintf("a%d", i),
			Kind:      kind,
			Message:   "event",
			CreatedAt: base.Add(time.Duration(i) * 500 * time.Millisecond),
			Actor:     activity.Actor{ID: "u-1", DisplayName: "ops"},
		})
		require.NoError(t, err)
	}
	_, err := s.Create(ctx, "org-2", activity.Record{ID: "other", Message: "elsewhere"})
	require.NoError(t, err)

	first, err := s.List(ctx, "org-1", "", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a4", "a3"}, recordIDs(first))

	third, err := s.List(ctx, "org-1", "", 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a0"}, recordIDs(third))

	alerts, err := s.List(ctx, "org-1", activity.KindAlert, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, []string{"a3", "a1"}, recordIDs(alerts))
	assert.Equal(t, "ops", alerts[0].Actor.DisplayName)
	assert.True(t, alerts[0].CreatedAt.Equal(base.Add(1500*time.Millisecond)))
}

func TestActivityStoreUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewActivityStore(openTestDB(t))

	var meta activity.Metadata
	require.NoError(t, json.Unmarshal([]byte(`{"z":1,"a":"x"}`), &meta))
	created, err := s.Create(ctx, "org-1", activity.Record{Message: "cpu high", Metadata: meta})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, activity.KindNotify, created.Kind)

	kind := activity.KindWarn
	msg := "cpu very high"
	updated, err := s.Update(ctx, "org-1", created.ID, UpdateRequest{Kind: &kind, Message: &msg})
	require.NoError(t, err)
	assert.Equal(t, activity.KindWarn, updated.Kind)
	assert.Equal(t, "cpu very high", updated.Message)

	got, err := s.Get(ctx, "org-1", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "cpu very high", got.Message)
	require.Len(t, got.Metadata, 2)
	assert.Equal(t, "z", got.Metadata[0].Key)

	_, err = s.Get(ctx, "org-2", created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Update(ctx, "org-2", created.ID, UpdateRequest{Message: &msg})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, "org-1", created.ID))
	assert.ErrorIs(t, s.Delete(ctx, "org-1", created.ID), ErrNotFound)

	_, err = s.Create(ctx, "org-1", activity.Record{Message: " "})
	assert.Error(t, err)
	_, err = s.Create(ctx, "", activity.Record{Message: "x"})
	assert.Error(t, err)
}

func TestRefreshTokensRotateOnce(t *testing.T) {
	ctx := context.Background()
	s := NewRefreshTokenStore(openTestDB(t))

	token, expires, err := s.Issue(ctx, "u-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))

	user, next, _, err := s.Rotate(ctx, token, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "u-1", user)
	assert.NotEqual(t, token, next)

	_, _, _, err = s.Rotate(ctx, token, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidToken)

	require.NoError(t, s.Revoke(ctx, next))
	_, _, _, err = s.Rotate(ctx, next, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshTokenExpires(t *testing.T) {
	ctx := context.Background()
	s := NewRefreshTokenStore(openTestDB(t))
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	token, _, err := s.Issue(ctx, "u-1", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, _, _, err = s.Rotate(ctx, token, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, _, _, err = s.Rotate(ctx, token, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = s.Issue(ctx, "", time.Minute)
	assert.Error(t, err)
}

func recordIDs(records []activity.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
