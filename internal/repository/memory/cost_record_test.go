package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/testsupport"
	"concierge/pkg/errors"
)

func TestCostRecordRepository_InsertIsIdempotentByID(t *testing.T) {
	repo := NewCostRecordRepository()
	ctx := context.Background()

	rec := testsupport.NewCostRecordFixture().Build()

	inserted, err := repo.Insert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	again := testsupport.NewCostRecordFixture().WithID(rec.ID).WithCost("5").Build()
	inserted, err = repo.Insert(ctx, again)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, 1, repo.Count())

	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Cost.Equal(rec.Cost))
}

func TestCostRecordRepository_GetByIDNotFound(t *testing.T) {
	_, err := NewCostRecordRepository().GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestCostRecordRepository_ListByUserHalfOpenWindow(t *testing.T) {
	repo := NewCostRecordRepository()
	ctx := context.Background()

	user := testsupport.UniqueUserID()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	for _, at := range []time.Time{day.Add(5 * time.Hour), day, day.Add(-time.Nanosecond), day.Add(24 * time.Hour)} {
		_, err := repo.Insert(ctx, testsupport.NewCostRecordFixture().WithUser(user).WithTimestamp(at).Build())
		require.NoError(t, err)
	}
	_, err := repo.Insert(ctx, testsupport.NewCostRecordFixture().WithTimestamp(day.Add(time.Hour)).Build())
	require.NoError(t, err)

	records, err := repo.ListByUser(ctx, user, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].Timestamp.Equal(day))
	assert.True(t, records[1].Timestamp.Equal(day.Add(5*time.Hour)))
}

func TestCostRecordRepository_FailWith(t *testing.T) {
	repo := NewCostRecordRepository()
	repo.FailWith(errors.ErrUnavailable)

	_, err := repo.Insert(context.Background(), testsupport.NewCostRecordFixture().Build())
	assert.ErrorIs(t, err, errors.ErrUnavailable)
	assert.Zero(t, repo.Count())

	repo.FailWith(nil)
	inserted, err := repo.Insert(context.Background(), testsupport.NewCostRecordFixture().Build())
	require.NoError(t, err)
	assert.True(t, inserted)
}
