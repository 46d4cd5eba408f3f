package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"tickflow/internal/domain"
	"tickflow/internal/interval"
	"tickflow/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	require.NoError(t, store.EnsureSchema(db))
	return store.NewSQLiteStore(db)
}

func fixedNow(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0) }
}

func TestAddTaskRoundTrip(t *testing.T) {
	st := newTestStore(t)
	s := New(st, 5)
	s.now = fixedNow(960)
	ctx := context.Background()

	title := "Engineer"
	id, err := s.AddTask(ctx, domain.Task{
		Kind:     domain.KindNotification,
		Interval: "P7D",
		Retries:  3,
		UserID:   "42",
		Title:    &title,
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.KindNotification, got.Kind)
	assert.Equal(t, "P7D", got.Interval)
	assert.Equal(t, 3, got.Retries)
	assert.Equal(t, int64(960), got.Created)
	assert.Equal(t, "42", got.UserID)
	require.NotNil(t, got.Title)
	assert.Equal(t, "Engineer", *got.Title)
	assert.Nil(t, got.JobID)
}

func TestAddTaskInitialDueTime(t *testing.T) {
	st := newTestStore(t)
	s := New(st, 3)
	s.now = fixedNow(960)
	ctx := context.Background()

	id, err := s.AddTask(ctx, domain.Task{Kind: domain.KindRefresh, Interval: "PT1M"})
	require.NoError(t, err)

	entry, err := st.ExecutionForTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1020), entry.NextExecTime)
}

func TestRoundRobinSegmentAssignment(t *testing.T) {
	st := newTestStore(t)
	const n = 4
	s := New(st, n+1) // segments 1..4
	ctx := context.Background()

	var got []int
	for i := 0; i < 10; i++ {
		id, err := s.AddTask(ctx, domain.Task{Kind: domain.KindRefresh, Interval: "P1D"})
		require.NoError(t, err)
		seg, err := s.GetSegment(ctx, id)
		require.NoError(t, err)
		got = append(got, seg)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 1, 2, 3, 4, 1, 2}, got)
	for _, seg := range got {
		assert.Greater(t, seg, 0)
		assert.Less(t, seg, n+1)
	}
}

func TestAddTaskRejectsUnknownKind(t *testing.T) {
	s := New(newTestStore(t), 3)
	_, err := s.AddTask(context.Background(), domain.Task{Kind: "cleanup", Interval: "P1D"})
	assert.ErrorIs(t, err, domain.ErrUnknownKind)
}

func TestAddTaskRejectsBadInterval(t *testing.T) {
	s := New(newTestStore(t), 3)
	_, err := s.AddTask(context.Background(), domain.Task{Kind: domain.KindRefresh, Interval: "every day"})
	assert.ErrorIs(t, err, interval.ErrInvalidInterval)
}

func TestAddTaskRequiresUserIDForNotification(t *testing.T) {
	s := New(newTestStore(t), 3)
	_, err := s.AddTask(context.Background(), domain.Task{Kind: domain.KindNotification, Interval: "P7D"})
	assert.Error(t, err)
}

func TestDeleteTaskRemovesBothRows(t *testing.T) {
	st := newTestStore(t)
	s := New(st, 3)
	ctx := context.Background()

	id, err := s.AddTask(ctx, domain.Task{Kind: domain.KindRefresh, Interval: "P1D"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteTask(ctx, id))

	_, err = s.GetTask(ctx, id)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	_, err = s.GetSegment(ctx, id)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestDeleteTaskNotFound(t *testing.T) {
	s := New(newTestStore(t), 3)
	err := s.DeleteTask(context.Background(), 12345)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

// failingStore rejects execution writes to exercise the compensating
// delete on the non-transactional Task/ExecutionEntry pair.
type failingStore struct {
	store.Store
}

func (f *failingStore) PutExecution(ctx context.Context, e domain.ExecutionEntry) error {
	return errors.New("table unavailable")
}

func TestAddTaskCompensatesOnPartialWrite(t *testing.T) {
	st := newTestStore(t)
	s := New(&failingStore{Store: st}, 3)
	ctx := context.Background()

	_, err := s.AddTask(ctx, domain.Task{ID: 77, Kind: domain.KindRefresh, Interval: "P1D"})
	require.Error(t, err)

	// the task row must have been rolled back
	_, err = st.GetTask(ctx, 77)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
