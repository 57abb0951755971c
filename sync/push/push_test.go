package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldavsync/engine/caldav"
	"github.com/caldavsync/engine/config"
	"github.com/caldavsync/engine/internal/testfakes"
	"github.com/caldavsync/engine/model"
	"github.com/caldavsync/engine/sync/conflict"
	"github.com/caldavsync/engine/synclog"
)

func newPusher(t *testing.T, handler http.HandlerFunc) (*Pusher, *testfakes.MemoryStore, *httptest.Server) {
	srv := httptest.NewServer(handler)
	client, err := caldav.NewClient(srv.Client(), srv.URL, "user", "pass", caldav.GenericQuirks())
	require.NoError(t, err)

	st := testfakes.NewMemoryStore()
	cfg := config.Default()
	p := &Pusher{
		Client: client,
		Store:  st,
		Config: cfg,
		Conflict: &conflict.Resolver{
			Client:   client,
			Store:    st,
			Strategy: conflict.StrategyServerWins,
			Log:      synclog.New("error"),
		},
		Log: synclog.New("error"),
	}
	return p, st, srv
}

func TestDrain_CreateSucceeds(t *testing.T) {
	p, st, srv := newPusher(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "*", r.Header.Get("If-None-Match"))
		w.Header().Set("ETag", `"new-etag"`)
		w.WriteHeader(http.StatusCreated)
	})
	defer srv.Close()

	st.PutCalendar(&model.Calendar{ID: 1, URL: srv.URL + "/cal/"})
	event := &model.Event{CalendarID: 1, UID: "uid-1", Title: "Lunch", StartMs: 1000, SyncStatus: model.SyncStatusPendingCreate}
	require.NoError(t, st.UpsertEvent(context.Background(), event))

	op := &model.PendingOperation{EventID: event.ID, Op: model.OpCreate, Status: model.OpStatusPending, MaxRetries: 5}
	require.NoError(t, st.UpsertPendingOperation(context.Background(), op))

	res, err := p.Drain(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Contains(t, res.PushedEventIDs, event.ID)

	updated, err := st.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-etag", updated.ETag)

	ops, err := st.PendingOperations(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestDrain_CreateMintsUIDWhenMissing(t *testing.T) {
	p, st, srv := newPusher(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		w.Header().Set("ETag", `"new-etag"`)
		w.WriteHeader(http.StatusCreated)
	})
	defer srv.Close()

	st.PutCalendar(&model.Calendar{ID: 1, URL: srv.URL + "/cal/"})
	event := &model.Event{CalendarID: 1, Title: "No UID Yet", StartMs: 1000, SyncStatus: model.SyncStatusPendingCreate}
	require.NoError(t, st.UpsertEvent(context.Background(), event))

	op := &model.PendingOperation{EventID: event.ID, Op: model.OpCreate, Status: model.OpStatusPending, MaxRetries: 5}
	require.NoError(t, st.UpsertPendingOperation(context.Background(), op))

	res, err := p.Drain(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	updated, err := st.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, updated.UID)
}

func TestDrain_DeleteTreats404AsSuccess(t *testing.T) {
	p, st, srv := newPusher(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	st.PutCalendar(&model.Calendar{ID: 1, URL: srv.URL + "/cal/"})
	event := &model.Event{CalendarID: 1, UID: "uid-2", CalDAVURL: srv.URL + "/cal/uid-2.ics", ETag: "e1", SyncStatus: model.SyncStatusPendingDelete}
	require.NoError(t, st.UpsertEvent(context.Background(), event))

	op := &model.PendingOperation{EventID: event.ID, Op: model.OpDelete, Status: model.OpStatusPending, TargetURL: event.CalDAVURL, MaxRetries: 5}
	require.NoError(t, st.UpsertPendingOperation(context.Background(), op))

	res, err := p.Drain(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	_, err = st.GetEvent(context.Background(), event.ID)
	assert.Error(t, err)
}

func TestDrain_RetryableErrorSchedulesBackoff(t *testing.T) {
	p, st, srv := newPusher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer srv.Close()

	st.PutCalendar(&model.Calendar{ID: 1, URL: srv.URL + "/cal/"})
	event := &model.Event{CalendarID: 1, UID: "uid-3", StartMs: 1000, SyncStatus: model.SyncStatusPendingCreate}
	require.NoError(t, st.UpsertEvent(context.Background(), event))

	op := &model.PendingOperation{EventID: event.ID, Op: model.OpCreate, Status: model.OpStatusPending, MaxRetries: 5}
	require.NoError(t, st.UpsertPendingOperation(context.Background(), op))

	res, err := p.Drain(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	ops, err := st.PendingOperations(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].RetryCount)
	assert.True(t, ops[0].NextRetryAtMs > time.Now().UnixMilli())
}

func TestDrain_MoveFallsBackToCreateThenDelete(t *testing.T) {
	var calls []string
	p, st, srv := newPusher(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method)
		switch r.Method {
		case "MOVE":
			w.WriteHeader(http.StatusForbidden)
		case http.MethodPut:
			w.Header().Set("ETag", `"moved-etag"`)
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	defer srv.Close()

	srcCal := &model.Calendar{ID: 1, URL: srv.URL + "/src/"}
	destCal := &model.Calendar{ID: 2, URL: srv.URL + "/dest/"}
	st.PutCalendar(srcCal)
	st.PutCalendar(destCal)

	event := &model.Event{CalendarID: 1, UID: "uid-4", StartMs: 1000, SyncStatus: model.SyncStatusPendingCreate}
	require.NoError(t, st.UpsertEvent(context.Background(), event))

	destID := int64(2)
	op := &model.PendingOperation{
		EventID:          event.ID,
		Op:               model.OpMove,
		Status:           model.OpStatusPending,
		TargetURL:        srcCal.URL + "uid-4.ics",
		TargetCalendarID: &destID,
		MaxRetries:       5,
	}
	require.NoError(t, st.UpsertPendingOperation(context.Background(), op))

	// First drain pass: atomic MOVE is rejected, so the op only advances to
	// phase 1 with a fresh retry budget. No CREATE or DELETE yet (spec §8
	// scenario S3).
	res, err := p.Drain(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, []string{"MOVE"}, calls)

	ops, err := st.PendingOperations(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.MovePhaseCreateThenDelete, ops[0].MovePhase)
	assert.Equal(t, 0, ops[0].RetryCount)
	assert.Equal(t, model.OpStatusPending, ops[0].Status)

	// Second drain pass: phase 1 runs CREATE-then-DELETE.
	res, err = p.Drain(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, []string{"MOVE", http.MethodPut, http.MethodDelete}, calls)

	updated, err := st.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.CalendarID)
	assert.Equal(t, "moved-etag", updated.ETag)
}
