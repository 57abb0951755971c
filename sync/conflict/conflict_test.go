package conflict

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldavsync/engine/caldav"
	"github.com/caldavsync/engine/internal/testfakes"
	"github.com/caldavsync/engine/model"
	"github.com/caldavsync/engine/synclog"
)

const serverICS = `BEGIN:VCALENDAR
PRODID:-//Test//EN
BEGIN:VEVENT
UID:conflict-1@example.com
SUMMARY:Server Title
DTSTART:20260301T100000Z
DTEND:20260301T110000Z
SEQUENCE:3
DTSTAMP:20260301T093000Z
END:VEVENT
END:VCALENDAR
`

func newResolver(t *testing.T, strategy Strategy, handler http.HandlerFunc) (*Resolver, *testfakes.MemoryStore, *httptest.Server) {
	srv := httptest.NewServer(handler)
	client, err := caldav.NewClient(srv.Client(), srv.URL, "user", "pass", caldav.GenericQuirks())
	require.NoError(t, err)

	st := testfakes.NewMemoryStore()
	r := &Resolver{
		Client:   client,
		Store:    st,
		Strategy: strategy,
		Log:      synclog.New("error"),
	}
	return r, st, srv
}

func TestResolve_ServerWinsUpsertsServerVersion(t *testing.T) {
	r, st, srv := newResolver(t, StrategyServerWins, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("ETag", `"server-etag"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(serverICS))
	})
	defer srv.Close()

	st.PutCalendar(&model.Calendar{ID: 1, URL: srv.URL + "/cal/"})
	event := &model.Event{CalendarID: 1, UID: "conflict-1@example.com", Title: "Local Title", Sequence: 1}
	require.NoError(t, st.UpsertEvent(context.Background(), event))
	op := &model.PendingOperation{ID: 1, EventID: event.ID, Op: model.OpUpdate, TargetURL: srv.URL + "/cal/conflict-1.ics"}

	outcome, err := r.Resolve(context.Background(), Conflict{Op: op, Event: event})
	require.NoError(t, err)
	assert.Equal(t, OutcomeServerApplied, outcome)

	updated, err := st.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, "Server Title", updated.Title)
	assert.Equal(t, "server-etag", updated.ETag)
}

func TestResolve_ServerWinsDeletesLocalOn404(t *testing.T) {
	r, st, srv := newResolver(t, StrategyServerWins, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	event := &model.Event{CalendarID: 1, UID: "conflict-2@example.com"}
	require.NoError(t, st.UpsertEvent(context.Background(), event))
	op := &model.PendingOperation{ID: 1, EventID: event.ID, Op: model.OpUpdate, TargetURL: srv.URL + "/cal/conflict-2.ics"}

	outcome, err := r.Resolve(context.Background(), Conflict{Op: op, Event: event})
	require.NoError(t, err)
	assert.Equal(t, OutcomeLocalDeleted, outcome)

	_, err = st.GetEvent(context.Background(), event.ID)
	assert.Error(t, err)
}

func TestResolve_NewestWinsLocalRequeuesWhenLocalNewer(t *testing.T) {
	r, st, srv := newResolver(t, StrategyNewestWins, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("ETag", `"server-etag"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(serverICS))
	})
	defer srv.Close()

	st.PutCalendar(&model.Calendar{ID: 1, URL: srv.URL + "/cal/"})
	event := &model.Event{CalendarID: 1, UID: "conflict-1@example.com", Sequence: 9}
	require.NoError(t, st.UpsertEvent(context.Background(), event))
	op := &model.PendingOperation{ID: 1, EventID: event.ID, Op: model.OpUpdate, TargetURL: srv.URL + "/cal/conflict-1.ics", MaxRetries: 5}

	outcome, err := r.Resolve(context.Background(), Conflict{Op: op, Event: event})
	require.NoError(t, err)
	assert.Equal(t, OutcomeLocalRequeued, outcome)

	ops, err := st.PendingOperations(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 0, ops[0].RetryCount)
	assert.Equal(t, int64(0), ops[0].NextRetryAtMs)
}

func TestResolve_ManualMarksFailed(t *testing.T) {
	r, st, _ := newResolver(t, StrategyManual, func(w http.ResponseWriter, req *http.Request) {
		t.Fatalf("manual strategy should not contact the server")
	})

	event := &model.Event{CalendarID: 1, UID: "conflict-3@example.com"}
	require.NoError(t, st.UpsertEvent(context.Background(), event))
	op := &model.PendingOperation{ID: 1, EventID: event.ID, Op: model.OpUpdate}
	require.NoError(t, st.UpsertPendingOperation(context.Background(), op))

	outcome, err := r.Resolve(context.Background(), Conflict{Op: op, Event: event})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNeedsManual, outcome)
	assert.Equal(t, model.OpStatusFailed, op.Status)
}
