package db

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUUID(t *testing.T) {
	t.Parallel()

	id, err := ParseUUID(" 00000000-0000-0000-0000-000000000001 ")
	require.NoError(t, err)
	assert.True(t, id.Valid)
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", id.String())

	_, err = ParseUUID("not-a-uuid")
	assert.Error(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	assert.True(t, IsUniqueViolation(wrapped))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("plain")))
}

func TestTimeConversions(t *testing.T) {
	t.Parallel()

	assert.True(t, TimeFromPg(pgtype.Timestamptz{}).IsZero())
	assert.False(t, TimeToPg(time.Time{}).Valid)

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))
	round := TimeFromPg(TimeToPg(now))
	assert.True(t, now.Equal(round))
	assert.Equal(t, time.UTC, round.Location())
}

func TestFloat8RoundTrip(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Float8Ptr(Float8(nil)))
	v := 1.25
	got := Float8Ptr(Float8(&v))
	require.NotNil(t, got)
	assert.InDelta(t, v, *got, 1e-9)
}
