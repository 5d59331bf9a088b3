package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachly/coachly/internal/storage"
	"github.com/coachly/coachly/internal/storage/storagetest"
)

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return New() })
}

func TestAppendFailureLeavesNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, storage.CreateSessionInput{BotID: "b", OwnerID: "o"})
	require.NoError(t, err)

	boom := errors.New("boom")
	s.FailAppend = func(string) error { return boom }
	_, err = s.AppendTranscriptBatch(ctx, sess.ID, storagetest.Entries("a", "b"))
	require.ErrorIs(t, err, boom)

	got, err := s.ListTranscript(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAppendCollapsesDuplicateKeysWithinBatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, storage.CreateSessionInput{BotID: "b", OwnerID: "o"})
	require.NoError(t, err)

	res, err := s.AppendTranscriptBatch(ctx, sess.ID, storagetest.Entries("a", "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 2, res.Total)
}
