package sync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldavsync/engine/caldav"
	"github.com/caldavsync/engine/config"
	"github.com/caldavsync/engine/internal/testfakes"
	"github.com/caldavsync/engine/model"
	"github.com/caldavsync/engine/sync/conflict"
	"github.com/caldavsync/engine/synclog"
)

const orchestratorEventICS = `BEGIN:VCALENDAR
PRODID:-//Test//EN
BEGIN:VEVENT
UID:remote-1@example.com
SUMMARY:Remote Event
DTSTART:20260301T090000Z
DTEND:20260301T093000Z
SEQUENCE:0
END:VEVENT
END:VCALENDAR
`

func multistatusReport(href, etag, ics string) string {
	return `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>` + href + `</d:href>
    <d:propstat>
      <d:prop>
        <d:getetag>` + etag + `</d:getetag>
        <c:calendar-data>` + ics + `</c:calendar-data>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`
}

// multistatusPropfind answers GetCTag/GetSyncToken, both issued by fullPull
// after applying a batch and both errors-discarded by the caller, so the
// exact values here only need to keep the transport happy.
func multistatusPropfind() string {
	return `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <d:response>
    <d:href>/cal/</d:href>
    <d:propstat>
      <d:prop>
        <cs:getctag>ctag-after-pull</cs:getctag>
        <d:sync-token>sync-token-after-pull</d:sync-token>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`
}

func TestSyncCalendar_PullsAndPushesRecordsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "REPORT":
			w.WriteHeader(http.StatusMultiStatus)
			fmt.Fprint(w, multistatusReport("/cal/remote-1.ics", `"remote-etag"`, orchestratorEventICS))
		case "PROPFIND":
			w.WriteHeader(http.StatusMultiStatus)
			fmt.Fprint(w, multistatusPropfind())
		case http.MethodPut:
			w.Header().Set("ETag", `"new-etag"`)
			w.WriteHeader(http.StatusCreated)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	client, err := caldav.NewClient(srv.Client(), srv.URL, "user", "pass", caldav.GenericQuirks())
	require.NoError(t, err)

	st := testfakes.NewMemoryStore()
	cal := &model.Calendar{ID: 1, AccountID: 7, URL: srv.URL + "/cal/", Visible: true}
	st.PutCalendar(cal)

	local := &model.Event{CalendarID: 1, UID: "local-1@example.com", Title: "Local Event", StartMs: 1000, SyncStatus: model.SyncStatusPendingCreate}
	require.NoError(t, st.UpsertEvent(context.Background(), local))
	op := &model.PendingOperation{EventID: local.ID, Op: model.OpCreate, Status: model.OpStatusPending, MaxRetries: 5}
	require.NoError(t, st.UpsertPendingOperation(context.Background(), op))

	resolver := &conflict.Resolver{Client: client, Store: st, Strategy: conflict.StrategyServerWins, Log: synclog.New("error")}
	occur := &testfakes.RRuleOccurrenceGenerator{Store: st}
	orch := New(client, st, occur, resolver, config.Default(), synclog.New("error"))

	session, err := orch.SyncCalendar(context.Background(), cal, model.TriggerForegroundManual, true)
	require.NoError(t, err)
	assert.Equal(t, model.SyncSessionCompleted, session.Status)
	assert.Equal(t, model.SyncSessionFull, session.Type)
	assert.Equal(t, 1, session.EventsAdded)
	assert.Equal(t, 1, session.OpsPushed)
	assert.NotZero(t, session.FinishedAtMs)

	recorded := st.SessionsByCalendar(1)
	require.Len(t, recorded, 1)
	assert.Equal(t, model.SyncSessionCompleted, recorded[0].Status)

	events, err := st.EventsByCalendarInRange(context.Background(), 1, 0, 1<<62)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSyncCalendar_RecentlyPushedCarriesToNextRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "REPORT":
			w.WriteHeader(http.StatusMultiStatus)
			fmt.Fprint(w, multistatusReport("/cal/local-1.ics", `"server-etag-2"`, `BEGIN:VCALENDAR
PRODID:-//Test//EN
BEGIN:VEVENT
UID:local-1@example.com
SUMMARY:Edited server-side right after push
DTSTART:20260301T090000Z
DTEND:20260301T093000Z
SEQUENCE:0
END:VEVENT
END:VCALENDAR
`))
		case "PROPFIND":
			w.WriteHeader(http.StatusMultiStatus)
			fmt.Fprint(w, multistatusPropfind())
		case http.MethodPut:
			w.Header().Set("ETag", `"server-etag-1"`)
			w.WriteHeader(http.StatusCreated)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	client, err := caldav.NewClient(srv.Client(), srv.URL, "user", "pass", caldav.GenericQuirks())
	require.NoError(t, err)

	st := testfakes.NewMemoryStore()
	cal := &model.Calendar{ID: 1, AccountID: 7, URL: srv.URL + "/cal/", Visible: true}
	st.PutCalendar(cal)

	local := &model.Event{CalendarID: 1, UID: "local-1@example.com", Title: "Local Event", StartMs: 1000, SyncStatus: model.SyncStatusPendingCreate}
	require.NoError(t, st.UpsertEvent(context.Background(), local))
	op := &model.PendingOperation{EventID: local.ID, Op: model.OpCreate, Status: model.OpStatusPending, MaxRetries: 5}
	require.NoError(t, st.UpsertPendingOperation(context.Background(), op))

	resolver := &conflict.Resolver{Client: client, Store: st, Strategy: conflict.StrategyServerWins, Log: synclog.New("error")}
	occur := &testfakes.RRuleOccurrenceGenerator{Store: st}
	orch := New(client, st, occur, resolver, config.Default(), synclog.New("error"))

	_, err = orch.SyncCalendar(context.Background(), cal, model.TriggerForegroundManual, true)
	require.NoError(t, err)

	session2, err := orch.SyncCalendar(context.Background(), cal, model.TriggerBackgroundPeriodic, true)
	require.NoError(t, err)
	assert.Equal(t, 1, session2.EventsSkipped)

	updated, err := st.GetEvent(context.Background(), local.ID)
	require.NoError(t, err)
	assert.Equal(t, "server-etag-1", updated.ETag)
}
