package subscription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldavsync/engine/internal/testfakes"
	"github.com/caldavsync/engine/model"
)

func TestNormalizeFeedURL(t *testing.T) {
	assert.Equal(t, "http://example.com/cal.ics", NormalizeFeedURL("webcal://example.com/cal.ics"))
	assert.Equal(t, "https://example.com/cal.ics", NormalizeFeedURL("webcals://example.com/cal.ics"))
	assert.Equal(t, "https://example.com/cal.ics", NormalizeFeedURL("https://example.com/cal.ics"))
}

const sampleICS = `BEGIN:VCALENDAR
PRODID:-//Test//EN
X-WR-CALNAME:Holidays
BEGIN:VEVENT
UID:holiday-1@example.com
SUMMARY:New Year
DTSTART:20260101T000000Z
DTEND:20260102T000000Z
SEQUENCE:0
END:VEVENT
END:VCALENDAR
`

func TestSync_InitialFetchUpsertsEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	st := testfakes.NewMemoryStore()
	st.PutCalendar(&model.Calendar{ID: 1, AccountID: 1, ReadOnly: true})
	sub := &model.IcsSubscription{ID: 1, URL: srv.URL, CalendarID: 1, Enabled: true}

	err := Sync(context.Background(), srv.Client(), st, sub, time.Now())
	require.NoError(t, err)

	events, err := st.EventsByCalendarInRange(context.Background(), 1, 0, 1<<62)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "holiday-1@example.com", events[0].UID)
	assert.Equal(t, "New Year", events[0].Title)
	assert.Equal(t, "abc123", sub.ETag)
}

func TestSync_NotModifiedSkipsUpsert(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, `"abc123"`, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	st := testfakes.NewMemoryStore()
	st.PutCalendar(&model.Calendar{ID: 1, AccountID: 1, ReadOnly: true})
	sub := &model.IcsSubscription{ID: 1, URL: srv.URL, CalendarID: 1, Enabled: true, ETag: "abc123"}

	err := Sync(context.Background(), srv.Client(), st, sub, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	events, _ := st.EventsByCalendarInRange(context.Background(), 1, 0, 1<<62)
	assert.Empty(t, events)
}

func TestSync_RejectsNonICSPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`<html>not a calendar</html>`))
	}))
	defer srv.Close()

	st := testfakes.NewMemoryStore()
	st.PutCalendar(&model.Calendar{ID: 1, AccountID: 1, ReadOnly: true})
	sub := &model.IcsSubscription{ID: 1, URL: srv.URL, CalendarID: 1, Enabled: true}

	err := Sync(context.Background(), srv.Client(), st, sub, time.Now())
	require.NoError(t, err)
	assert.Contains(t, sub.LastError, "not a valid ICS feed")
}

func TestSync_OrphanEventsAreDeleted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	st := testfakes.NewMemoryStore()
	st.PutCalendar(&model.Calendar{ID: 1, AccountID: 1, ReadOnly: true})
	sub := &model.IcsSubscription{ID: 1, URL: srv.URL, CalendarID: 1, Enabled: true}

	stale := &model.Event{CalendarID: 1, UID: "gone@example.com", CalDAVURL: sub.CaldavURLPrefix() + "gone@example.com", StartMs: 0, EndMs: 1}
	require.NoError(t, st.UpsertEvent(context.Background(), stale))

	err := Sync(context.Background(), srv.Client(), st, sub, time.Now())
	require.NoError(t, err)

	events, _ := st.EventsByCalendarInRange(context.Background(), 1, 0, 1<<62)
	for _, e := range events {
		assert.NotEqual(t, "gone@example.com", e.UID)
	}
}

