package defects

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defectbot/internal/notifier"
	"defectbot/internal/storage"
	logx "defectbot/pkg/logx"
)

type call struct {
	Payload    notifier.Payload
	Assignment notifier.Assignment
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) Dispatch(p notifier.Payload, a notifier.Assignment) {
	r.mu.Lock()
	r.calls = append(r.calls, call{p, a})
	r.mu.Unlock()
}

func (r *recorder) take() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.calls
	r.calls = nil
	return out
}

type fixture struct {
	svc   *Service
	store storage.Store
	rec   *recorder
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "defects.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{store: st, rec: &recorder{}, now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.Local)}
	f.svc = New(st, f.rec, logx.Nop(), WithClock(func() time.Time { return f.now }))
	return f
}

func strp(s string) *string { return &s }

func TestCreateNotifiesResponsible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.Create(ctx, NewDefect{
		Equipment:   "Line 1",
		Description: "Leak",
		Section:     "Packing",
		DangerLevel: "high",
		Responsible: "Ivanov",
		PhotoURL:    "/uploads/abc.jpg",
	})
	require.NoError(t, err)

	calls := f.rec.take()
	require.Len(t, calls, 1)
	assert.Equal(t, notifier.Assignment{Responsible: "Ivanov"}, calls[0].Assignment)
	assert.Equal(t, id, calls[0].Payload.ID)
	assert.Equal(t, "/uploads/abc.jpg", calls[0].Payload.PhotoRef)

	d, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, d.Status)
	assert.Equal(t, "2024-03-01 09:00:00", d.TimeFound)
}

func TestCreateWithoutResponsible(t *testing.T) {
	f := newFixture(t)
	id, err := f.svc.Create(context.Background(), NewDefect{Equipment: "Line 2", Responsible: "   "})
	require.NoError(t, err)
	assert.Empty(t, f.rec.take())

	views, err := f.svc.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, id, views[0].ID)
	assert.Nil(t, views[0].Responsible, "blank responsible is stored as null")
}

func TestUpdateStampsTimesAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.Create(ctx, NewDefect{Equipment: "Line 1", Responsible: "Ivanov"})
	require.NoError(t, err)
	f.rec.take()

	f.now = f.now.Add(time.Hour)
	require.NoError(t, f.svc.Update(ctx, id, Patch{Status: strp(StatusInProgress), AssignedTo: strp("Petrov")}))

	calls := f.rec.take()
	require.Len(t, calls, 1)
	assert.Equal(t, notifier.Assignment{Executor: "Petrov"}, calls[0].Assignment)

	d, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01 10:00:00", d.TimeStarted)

	f.now = f.now.Add(90 * time.Minute)
	require.NoError(t, f.svc.Update(ctx, id, Patch{Status: strp(StatusCompleted)}))
	assert.Empty(t, f.rec.take(), "no assignee changed")

	views, err := f.svc.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "1.5 h", views[0].ResolutionTime)
	assert.Equal(t, StatusCompleted, views[0].Status)
}

func TestUpdateNotificationOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.Create(ctx, NewDefect{Equipment: "Line 1"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Update(ctx, id, Patch{AssignedTo: strp("Petrov"), Responsible: strp("Ivanov")}))
	calls := f.rec.take()
	require.Len(t, calls, 2)
	assert.Equal(t, notifier.Assignment{Executor: "Petrov"}, calls[0].Assignment)
	assert.Equal(t, notifier.Assignment{Responsible: "Ivanov"}, calls[1].Assignment)

	// Both change to the same person: only the executor message goes out.
	require.NoError(t, f.svc.Update(ctx, id, Patch{AssignedTo: strp("Sidorov"), Responsible: strp("Sidorov")}))
	calls = f.rec.take()
	require.Len(t, calls, 1)
	assert.Equal(t, notifier.Assignment{Executor: "Sidorov"}, calls[0].Assignment)

	// Unchanged values do not notify again.
	require.NoError(t, f.svc.Update(ctx, id, Patch{AssignedTo: strp("Sidorov")}))
	assert.Empty(t, f.rec.take())
}

func TestUpdateErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.Update(ctx, 99, Patch{Status: strp(StatusCompleted)})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	id, err := f.svc.Create(ctx, NewDefect{Equipment: "Line 1"})
	require.NoError(t, err)
	err = f.svc.Update(ctx, id, Patch{})
	assert.ErrorIs(t, err, ErrNotUpdated)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]string{
		"новый":         StatusNew,
		"в работе":      StatusInProgress,
		"завершён":      StatusCompleted,
		"завершен":      StatusCompleted,
		"new":           StatusNew,
		" In_Progress ": StatusInProgress,
		"completed":     StatusCompleted,
	} {
		got, ok := ParseStatus(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseStatus("lost")
	assert.False(t, ok)
}

func TestUpdateStoresCanonicalStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.Create(ctx, NewDefect{Equipment: "Line 1"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Update(ctx, id, Patch{Status: strp("in_progress")}))
	d, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "в работе", d.Status)
	assert.Equal(t, "2024-03-01 09:00:00", d.TimeStarted)

	views, err := f.svc.List(ctx, Filter{Status: "in_progress"})
	require.NoError(t, err)
	assert.Len(t, views, 1, "filter accepts the alias too")

	err = f.svc.Update(ctx, id, Patch{Status: strp("lost")})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestResolutionTime(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)
	assert.Equal(t, "", ResolutionTime("", "", now))
	assert.Equal(t, "2.0 h", ResolutionTime("2024-03-01 08:00:00", "2024-03-01 10:00:00", now))
	assert.Equal(t, "3.5 h (in progress)", ResolutionTime("2024-03-01 08:30:00", "", now))
	assert.Equal(t, "error", ResolutionTime("yesterday", "", now))
	assert.Equal(t, "error", ResolutionTime("2024-03-01 08:00:00", "later", now))
}

func TestSubscribeAndDropdowns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Subscribe(ctx, "Ivanov", "1001"))
	assert.ErrorIs(t, f.svc.Subscribe(ctx, "Other", "1001"), storage.ErrDuplicate)
	assert.ErrorIs(t, f.svc.Subscribe(ctx, "", "1002"), ErrInvalid)

	require.NoError(t, f.svc.UpdateDropdowns(ctx, map[string]string{"sections": "A\nB"}))
	lists, err := f.svc.Dropdowns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, lists["sections"])
	assert.ErrorIs(t, f.svc.UpdateDropdowns(ctx, map[string]string{" ": "x"}), ErrInvalid)
}
