package pull

import (
	"context"
	"fmt"
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

const eventICS = `BEGIN:VCALENDAR
PRODID:-//Test//EN
BEGIN:VEVENT
UID:evt-1@example.com
SUMMARY:Standup
DTSTART:20260201T090000Z
DTEND:20260201T093000Z
SEQUENCE:0
END:VEVENT
END:VCALENDAR
`

func newPuller(t *testing.T, handler http.HandlerFunc) (*Puller, *testfakes.MemoryStore, *httptest.Server) {
	srv := httptest.NewServer(handler)
	client, err := caldav.NewClient(srv.Client(), srv.URL, "user", "pass", caldav.GenericQuirks())
	require.NoError(t, err)

	st := testfakes.NewMemoryStore()
	p := &Puller{
		Client: client,
		Store:  st,
		Occur:  &testfakes.RRuleOccurrenceGenerator{Store: st},
		Log:    synclog.New("error"),
	}
	return p, st, srv
}

func TestPull_CtagUnchangedSkips(t *testing.T) {
	p, st, srv := newPuller(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "PROPFIND" {
			w.WriteHeader(http.StatusMultiStatus)
			fmt.Fprint(w, multistatusCTag("same-ctag"))
			return
		}
		t.Fatalf("unexpected method %s", r.Method)
	})
	defer srv.Close()

	cal := &model.Calendar{ID: 1, URL: srv.URL + "/cal/", CTag: "same-ctag"}
	st.PutCalendar(cal)

	res, err := p.Pull(context.Background(), cal, false)
	require.NoError(t, err)
	assert.Equal(t, TierNoChanges, res.Tier)
}

func TestPull_FullPullAddsEvent(t *testing.T) {
	p, st, srv := newPuller(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "PROPFIND":
			w.WriteHeader(http.StatusMultiStatus)
			fmt.Fprint(w, multistatusCTag("ctag-1"))
		case r.Method == "REPORT":
			w.WriteHeader(http.StatusMultiStatus)
			fmt.Fprint(w, multistatusReport("/cal/evt-1.ics", `"etag-1"`, eventICS))
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	})
	defer srv.Close()

	cal := &model.Calendar{ID: 1, URL: srv.URL + "/cal/"}
	st.PutCalendar(cal)

	res, err := p.Pull(context.Background(), cal, false)
	require.NoError(t, err)
	assert.Equal(t, TierFull, res.Tier)
	assert.Equal(t, 1, res.Added)

	events, err := st.EventsByCalendarInRange(context.Background(), 1, 0, 1<<62)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-1@example.com", events[0].UID)
	assert.Equal(t, "etag-1", events[0].ETag)
}

func TestPull_SkipsPendingLocalEvent(t *testing.T) {
	p, st, srv := newPuller(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "PROPFIND":
			w.WriteHeader(http.StatusMultiStatus)
			fmt.Fprint(w, multistatusCTag("ctag-1"))
		case r.Method == "REPORT":
			w.WriteHeader(http.StatusMultiStatus)
			fmt.Fprint(w, multistatusReport("/cal/evt-1.ics", `"etag-2"`, eventICS))
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	})
	defer srv.Close()

	cal := &model.Calendar{ID: 1, URL: srv.URL + "/cal/"}
	st.PutCalendar(cal)
	require.NoError(t, st.UpsertEvent(context.Background(), &model.Event{
		CalendarID: 1,
		UID:        "evt-1@example.com",
		CalDAVURL:  srv.URL + "/cal/evt-1.ics",
		ETag:       "etag-1",
		SyncStatus: model.SyncStatusPendingUpdate,
	}))

	res, err := p.Pull(context.Background(), cal, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped[SkipPendingLocal])
}

func TestPull_RecentlyPushedSkipsEtagDiffer(t *testing.T) {
	p, st, srv := newPuller(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "PROPFIND":
			w.WriteHeader(http.StatusMultiStatus)
			fmt.Fprint(w, multistatusCTag("ctag-1"))
		case r.Method == "REPORT":
			w.WriteHeader(http.StatusMultiStatus)
			fmt.Fprint(w, multistatusReport("/cal/evt-1.ics", `"etag-2"`, eventICS))
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	})
	defer srv.Close()

	cal := &model.Calendar{ID: 1, URL: srv.URL + "/cal/"}
	st.PutCalendar(cal)
	require.NoError(t, st.UpsertEvent(context.Background(), &model.Event{
		ID:         42,
		CalendarID: 1,
		UID:        "evt-1@example.com",
		CalDAVURL:  srv.URL + "/cal/evt-1.ics",
		ETag:       "etag-1",
		SyncStatus: model.SyncStatusSynced,
	}))
	p.RecentlyPushed = map[int64]bool{42: true}

	res, err := p.Pull(context.Background(), cal, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped[SkipRecentlyPushed])
}

func TestPull_IncrementalRefreshesCTag(t *testing.T) {
	p, st, srv := newPuller(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "PROPFIND":
			w.WriteHeader(http.StatusMultiStatus)
			fmt.Fprint(w, multistatusCTag("ctag-2"))
		case r.Method == "REPORT":
			w.WriteHeader(http.StatusMultiStatus)
			fmt.Fprint(w, multistatusSyncCollection("token-2", "/cal/evt-1.ics", `"etag-2"`, eventICS))
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	})
	defer srv.Close()

	// force=false with a non-empty SyncToken and an existing local event
	// routes through applyIncremental, not fullPull.
	cal := &model.Calendar{ID: 1, URL: srv.URL + "/cal/", CTag: "ctag-1", SyncToken: "token-1"}
	st.PutCalendar(cal)
	require.NoError(t, st.UpsertEvent(context.Background(), &model.Event{
		CalendarID: 1,
		UID:        "evt-1@example.com",
		CalDAVURL:  srv.URL + "/cal/evt-1.ics",
		ETag:       "etag-1",
		SyncStatus: model.SyncStatusSynced,
	}))

	res, err := p.Pull(context.Background(), cal, false)
	require.NoError(t, err)
	assert.Equal(t, TierIncremental, res.Tier)

	updated, err := st.GetCalendar(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "ctag-2", updated.CTag)
	assert.Equal(t, "token-2", updated.SyncToken)
}

func multistatusSyncCollection(syncToken, href, etag, ics string) string {
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
  <d:sync-token>` + syncToken + `</d:sync-token>
</d:multistatus>`
}

func multistatusCTag(ctag string) string {
	return `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <d:response>
    <d:href>/cal/</d:href>
    <d:propstat>
      <d:prop><cs:getctag>` + ctag + `</cs:getctag></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`
}

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
