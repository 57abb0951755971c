// Package subscription implements read-only ICS feed synchronization
// (spec §6): fetching a webcal/http(s) URL with conditional GET, gating
// on ICS validity, diffing against the previously stored events, and
// reconciling server-side deletions against local rows the feed no
// longer contains.
package subscription

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/caldavsync/engine/ical"
	"github.com/caldavsync/engine/model"
	"github.com/caldavsync/engine/store"
	"github.com/caldavsync/engine/syncerr"
)

// NormalizeFeedURL rewrites webcal:// and webcals:// schemes to their
// http(s) equivalents, since an ICS feed is fetched over plain HTTP(S)
// regardless of how the user pasted the subscription link (spec §6).
func NormalizeFeedURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "webcal://"):
		return "http://" + strings.TrimPrefix(raw, "webcal://")
	case strings.HasPrefix(raw, "webcals://"):
		return "https://" + strings.TrimPrefix(raw, "webcals://")
	default:
		return raw
	}
}

// FetchResult is the outcome of one conditional GET against a subscription
// feed.
type FetchResult struct {
	NotModified  bool
	ETag         string
	LastModified string
	Body         []byte
}

// Fetch performs a conditional GET using the subscription's previously
// stored ETag/Last-Modified, so an unchanged feed costs a 304 instead of
// a full re-download (spec §6).
func Fetch(ctx context.Context, hc *http.Client, sub *model.IcsSubscription) (*FetchResult, *syncerr.Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, NormalizeFeedURL(sub.URL), nil)
	if err != nil {
		return nil, syncerr.New(0, err)
	}
	if sub.ETag != "" {
		req.Header.Set("If-None-Match", `"`+sub.ETag+`"`)
	}
	if sub.LastModified != "" {
		req.Header.Set("If-Modified-Since", sub.LastModified)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, syncerr.New(0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &FetchResult{NotModified: true}, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, syncerr.New(resp.StatusCode, fmt.Errorf("subscription: fetch failed"))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncerr.New(0, err)
	}
	return &FetchResult{
		ETag:         unquote(resp.Header.Get("ETag")),
		LastModified: resp.Header.Get("Last-Modified"),
		Body:         body,
	}, nil
}

func unquote(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag[1 : len(etag)-1]
	}
	return etag
}

// maxReminders bounds how many VALARM-derived reminders an imported
// subscription event carries (spec §6: subscriptions cap reminders at 3,
// since the feed owner, not the subscriber, authored them).
const maxReminders = 3

// Sync fetches sub's feed and reconciles it against the events currently
// stored under sub's calendar: upserting everything the feed contains and
// deleting any locally-stored subscription event whose UID the feed no
// longer lists (spec §6 "orphan reconciliation").
func Sync(ctx context.Context, hc *http.Client, s store.Store, sub *model.IcsSubscription, now time.Time) error {
	res, serr := Fetch(ctx, hc, sub)
	if serr != nil {
		sub.LastError = serr.Error()
		return s.UpdateSubscriptionState(ctx, sub)
	}
	if res.NotModified {
		sub.LastSyncMs = model.NowMs(now)
		sub.LastError = ""
		return s.UpdateSubscriptionState(ctx, sub)
	}
	if !ical.IsValidICS(res.Body) {
		sub.LastError = "subscription: response is not a valid ICS feed"
		return s.UpdateSubscriptionState(ctx, sub)
	}

	cal, err := ical.Parse(res.Body)
	if err != nil {
		sub.LastError = fmt.Sprintf("subscription: %v", err)
		return s.UpdateSubscriptionState(ctx, sub)
	}

	if name, ok := ical.ExtractCalendarName(res.Body); ok && sub.Name == "" {
		sub.Name = name
	}

	existing, err := s.EventsByCalendarInRange(ctx, sub.CalendarID, 0, 1<<62)
	if err != nil {
		return err
	}
	prefix := sub.CaldavURLPrefix()
	seen := make(map[string]bool)

	for _, pe := range cal.Events {
		urlKey := prefix + pe.UID
		seen[urlKey] = true

		e := &model.Event{
			CalendarID:  sub.CalendarID,
			UID:         pe.UID,
			Title:       pe.Summary,
			Location:    pe.Location,
			Description: pe.Description,
			StartMs:     pe.Start.UnixMilli(),
			AllDay:      pe.AllDay,
			Status:      model.EventStatus(pe.Status),
			RRule:       pe.RRule,
			EXDate:      pe.EXDate,
			CalDAVURL:   urlKey,
			Sequence:    pe.Sequence,
			SyncStatus:  model.SyncStatusSynced,
			RawICal:     pe.Raw,
		}
		if !pe.End.IsZero() {
			e.EndMs = pe.End.UnixMilli()
		}
		if len(pe.Reminders) > maxReminders {
			e.Reminders = pe.Reminders[:maxReminders]
		} else {
			e.Reminders = pe.Reminders
		}

		for _, existingEvt := range existing {
			if existingEvt.CalDAVURL == urlKey {
				e.ID = existingEvt.ID
				break
			}
		}
		if err := s.UpsertEvent(ctx, e); err != nil {
			return err
		}
	}

	for _, existingEvt := range existing {
		if !strings.HasPrefix(existingEvt.CalDAVURL, prefix) {
			continue
		}
		if !seen[existingEvt.CalDAVURL] {
			if err := s.DeleteEventByID(ctx, existingEvt.ID); err != nil {
				return err
			}
		}
	}

	sub.ETag = res.ETag
	sub.LastModified = res.LastModified
	sub.LastSyncMs = model.NowMs(now)
	sub.LastError = ""
	return s.UpdateSubscriptionState(ctx, sub)
}
