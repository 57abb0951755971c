// Package pull implements the server-to-local half of a calendar sync:
// the four-tier fallback strategy (ctag-unchanged, incremental
// sync-collection, etag-diff fallback, full pull) and the rules for
// applying a parsed remote event onto the local Store (spec §4.4).
package pull

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/caldavsync/engine/caldav"
	"github.com/caldavsync/engine/ical"
	"github.com/caldavsync/engine/model"
	"github.com/caldavsync/engine/store"
	"github.com/caldavsync/engine/syncerr"
)

// Tier names the pull strategy tier a Result was produced by; the
// orchestrator logs it with each run's counters for observability (spec §2,
// §4.8). It is not stored on the sync session.
type Tier string

const (
	TierNoChanges   Tier = "NO_CHANGES"
	TierIncremental Tier = "INCREMENTAL"
	TierEtagDiff    Tier = "ETAG_DIFF"
	TierFull        Tier = "FULL"
)

// SkipReason records why an otherwise-applicable change was not applied.
type SkipReason string

const (
	SkipPendingLocal    SkipReason = "pending_local"
	SkipEtagMatch       SkipReason = "etag_match"
	SkipRecentlyPushed  SkipReason = "recently_pushed"
	SkipProtectedDelete SkipReason = "protected_delete"
	SkipConstraint      SkipReason = "constraint_error"
)

// Result summarizes one pull run (spec §4.4 "Post-pull").
type Result struct {
	Tier    Tier
	Added   int
	Updated int
	Deleted int
	Skipped map[SkipReason]int
}

func newResult(tier Tier) *Result {
	return &Result{Tier: tier, Skipped: make(map[SkipReason]int)}
}

func (r *Result) skip(reason SkipReason) {
	r.Skipped[reason]++
}

// fullPullWindow is the [now-1y, now+2y] range used by the etag-diff and
// full-pull tiers (spec §4.4).
func fullPullWindow(now time.Time) (start, end time.Time) {
	return now.AddDate(-1, 0, 0), now.AddDate(2, 0, 0)
}

// Puller runs the four-tier pull strategy for one calendar against one
// CalDAV client.
type Puller struct {
	Client *caldav.Client
	Store  store.Store
	Occur  store.OccurrenceGenerator
	Log    zerolog.Logger

	// RecentlyPushed is the set of event IDs pushed by the previous sync
	// run of this calendar (the orchestrator carries them over, since pull
	// runs before push); etag-differing changes for these are skipped to defend
	// against CDN staleness right after a push (spec §4.4, §4.8).
	RecentlyPushed map[int64]bool
}

// Pull runs the four tiers in order for cal, applying whichever one
// succeeds, and returns a Result describing what changed.
func (p *Puller) Pull(ctx context.Context, cal *model.Calendar, force bool) (*Result, error) {
	if !force {
		ctag, serr := p.Client.GetCTag(ctx, cal.URL)
		if serr == nil && ctag != "" && ctag == cal.CTag {
			return newResult(TierNoChanges), nil
		}
	}

	if !force && cal.SyncToken != "" {
		res, serr := p.Client.SyncCollection(ctx, cal.URL, cal.SyncToken)
		if serr == nil {
			return p.applyIncremental(ctx, cal, res)
		}
		if !syncerr.IsTokenInvalid(serr) {
			return nil, serr
		}
		// Token invalidated (403/410): falls through to etag-diff or full pull.
	}

	hasLocal, err := p.calendarHasEvents(ctx, cal.ID)
	if err != nil {
		return nil, err
	}
	if !force && hasLocal {
		res, err := p.tryEtagDiff(ctx, cal)
		if err == nil {
			return res, nil
		}
		p.Log.Debug().Err(err).Msg("etag-diff fallback unavailable, falling back to full pull")
	}

	return p.fullPull(ctx, cal)
}

func (p *Puller) calendarHasEvents(ctx context.Context, calendarID int64) (bool, error) {
	etags, err := p.Store.GetETagsByCalendar(ctx, calendarID)
	if err != nil {
		return false, err
	}
	return len(etags) > 0, nil
}

func (p *Puller) applyIncremental(ctx context.Context, cal *model.Calendar, res *caldav.SyncCollectionResult) (*Result, error) {
	result := newResult(TierIncremental)

	hrefs := dedupeHrefs(res.Changed)
	objs, serr := p.Client.FetchEventsByHref(ctx, cal.URL, hrefs)
	if serr != nil {
		return nil, serr
	}
	if err := p.applyObjects(ctx, cal, objs, result); err != nil {
		return nil, err
	}
	for _, href := range res.Deleted {
		if err := p.applyDeletion(ctx, cal, href, result); err != nil {
			return nil, err
		}
	}

	cal.SyncToken = res.NewToken
	ctag, _ := p.Client.GetCTag(ctx, cal.URL)
	cal.CTag = ctag
	if err := p.Store.UpdateCalendarSyncState(ctx, cal.ID, cal.CTag, cal.SyncToken); err != nil {
		return nil, err
	}
	return result, nil
}

func dedupeHrefs(objs []caldav.RemoteObject) []string {
	seen := make(map[string]bool, len(objs))
	var out []string
	for _, o := range objs {
		if seen[o.Href] {
			continue
		}
		seen[o.Href] = true
		out = append(out, o.Href)
	}
	return out
}

func (p *Puller) tryEtagDiff(ctx context.Context, cal *model.Calendar) (*Result, error) {
	result := newResult(TierEtagDiff)

	start, end := fullPullWindow(time.Now())
	remote, serr := p.Client.FetchETagsInRange(ctx, cal.URL, isoUTC(start), isoUTC(end))
	if serr != nil {
		return nil, serr
	}

	localEtags, err := p.Store.GetETagsByCalendar(ctx, cal.ID)
	if err != nil {
		return nil, err
	}

	var changedHrefs []string
	remoteSet := make(map[string]bool, len(remote))
	for _, ro := range remote {
		norm := p.Client.NormalizeHref(ro.Href)
		remoteSet[norm] = true
		if localEtags[norm] != ro.ETag {
			changedHrefs = append(changedHrefs, ro.Href)
		}
	}

	if len(changedHrefs) > 0 {
		objs, serr := p.Client.FetchEventsByHref(ctx, cal.URL, changedHrefs)
		if serr != nil {
			return nil, serr
		}
		if err := p.applyObjects(ctx, cal, objs, result); err != nil {
			return nil, err
		}
	}

	for localURL := range localEtags {
		if !remoteSet[localURL] {
			if err := p.applyDeletion(ctx, cal, localURL, result); err != nil {
				return nil, err
			}
		}
	}

	ctag, _ := p.Client.GetCTag(ctx, cal.URL)
	cal.CTag = ctag
	if err := p.Store.UpdateCalendarSyncState(ctx, cal.ID, cal.CTag, cal.SyncToken); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Puller) fullPull(ctx context.Context, cal *model.Calendar) (*Result, error) {
	result := newResult(TierFull)

	start, end := fullPullWindow(time.Now())
	objs, serr := p.Client.FetchEventsInRange(ctx, cal.URL, isoUTC(start), isoUTC(end))
	if serr != nil {
		return nil, serr
	}

	localEtags, err := p.Store.GetETagsByCalendar(ctx, cal.ID)
	if err != nil {
		return nil, err
	}
	remoteSet := make(map[string]bool, len(objs))
	for _, o := range objs {
		remoteSet[p.Client.NormalizeHref(o.Href)] = true
	}

	if err := p.applyObjects(ctx, cal, objs, result); err != nil {
		return nil, err
	}
	for localURL := range localEtags {
		if !remoteSet[localURL] {
			if err := p.applyDeletion(ctx, cal, localURL, result); err != nil {
				return nil, err
			}
		}
	}

	syncToken, _ := p.Client.GetSyncToken(ctx, cal.URL)
	ctag, _ := p.Client.GetCTag(ctx, cal.URL)
	cal.CTag = ctag
	cal.SyncToken = syncToken
	if err := p.Store.UpdateCalendarSyncState(ctx, cal.ID, cal.CTag, cal.SyncToken); err != nil {
		return nil, err
	}
	return result, nil
}

func isoUTC(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

// applyObjects parses each remote object and applies masters-first, so an
// override's master row already exists when the override is linked (spec
// §4.4 "Override handling").
func (p *Puller) applyObjects(ctx context.Context, cal *model.Calendar, objs []caldav.RemoteObject, result *Result) error {
	for _, obj := range objs {
		if len(obj.RawICS) == 0 {
			continue
		}
		parsedCal, err := ical.Parse(obj.RawICS)
		if err != nil {
			result.skip(SkipConstraint)
			continue
		}
		ical.SortEventsMastersFirst(parsedCal.Events)

		normURL := p.Client.NormalizeHref(obj.Href)
		for _, pe := range parsedCal.Events {
			if err := p.applyOne(ctx, cal, normURL, obj.ETag, pe, result); err != nil {
				p.Log.Warn().Err(err).Str("uid", pe.UID).Msg("pull: skipping event after apply error")
				result.skip(SkipConstraint)
			}
		}
	}
	return nil
}

func (p *Puller) applyOne(ctx context.Context, cal *model.Calendar, normURL, etag string, pe *ical.ParsedEvent, result *Result) error {
	isOverride := pe.RecurrenceID != nil

	var existing *model.Event
	var err error
	if isOverride {
		existing, err = p.Store.GetExceptionByUIDAndInstanceTime(ctx, cal.ID, pe.UID, *pe.RecurrenceIDMillis())
	} else {
		existing, err = p.Store.GetMasterByUIDAndCalendar(ctx, cal.ID, pe.UID)
		if existing == nil && err == nil {
			existing, err = p.Store.GetByCaldavURL(ctx, cal.ID, normURL)
		}
	}
	if err != nil {
		return err
	}

	if existing != nil {
		if existing.SyncStatus != model.SyncStatusSynced {
			result.skip(SkipPendingLocal)
			return nil
		}
		if p.RecentlyPushed[existing.ID] {
			result.skip(SkipRecentlyPushed)
			return nil
		}
		if existing.ETag != "" && existing.ETag == etag {
			result.skip(SkipEtagMatch)
			return nil
		}
	}

	e := eventFromParsed(cal.ID, normURL, etag, pe)
	if existing != nil {
		e.ID = existing.ID
		if isOverride {
			e.OriginalEventID = existing.OriginalEventID
			e.OriginalInstanceTime = existing.OriginalInstanceTime
		}
	}

	txErr := p.Store.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := p.Store.UpsertEvent(ctx, e); err != nil {
			return err
		}
		if !isOverride && e.IsMaster() && p.Occur != nil {
			return p.Occur.Regenerate(ctx, e)
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}
	if !isOverride && e.IsMaster() {
		if err := p.Store.DeleteDuplicateMasterEvents(ctx, cal.ID, pe.UID, e.ID); err != nil {
			p.Log.Debug().Err(err).Msg("duplicate cleanup skipped")
		}
	}

	if isOverride && p.Occur != nil {
		master, merr := p.Store.GetMasterByUIDAndCalendar(ctx, cal.ID, pe.UID)
		if merr == nil && master != nil {
			e.OriginalEventID = &master.ID
			if err := p.Store.UpsertEvent(ctx, e); err != nil {
				return err
			}
			if err := p.Occur.LinkException(ctx, master, e); err != nil {
				p.Log.Debug().Err(err).Msg("link_exception failed")
			}
		}
	}

	if existing == nil {
		result.Added++
	} else {
		result.Updated++
	}
	return nil
}

func eventFromParsed(calendarID int64, normURL, etag string, pe *ical.ParsedEvent) *model.Event {
	var originalInstanceTime *int64
	if pe.RecurrenceID != nil {
		originalInstanceTime = pe.RecurrenceIDMillis()
	}
	e := &model.Event{
		CalendarID:           calendarID,
		UID:                  pe.UID,
		OriginalInstanceTime: originalInstanceTime,
		Title:                pe.Summary,
		Location:             pe.Location,
		Description:          pe.Description,
		StartMs:              pe.Start.UnixMilli(),
		TimeZone:             pe.TimeZone,
		AllDay:               pe.AllDay,
		Status:               statusOrDefault(pe.Status),
		Transparency:         pe.Transparency,
		Classification:       pe.Classification,
		Organizer:            pe.Organizer,
		Reminders:            pe.Reminders,
		RRule:                pe.RRule,
		RDate:                pe.RDate,
		EXDate:               pe.EXDate,
		CalDAVURL:            normURL,
		ETag:                 etag,
		Sequence:             pe.Sequence,
		DTStampMs:            epochMillisOrZero(pe.DTStamp),
		SyncStatus:           model.SyncStatusSynced,
		ServerModifiedMs:     time.Now().UnixMilli(),
		RawICal:              pe.Raw,
	}
	if !pe.End.IsZero() {
		e.EndMs = pe.End.UnixMilli()
	}
	return e
}

func statusOrDefault(s string) model.EventStatus {
	if s == "" {
		return model.EventStatusConfirmed
	}
	return model.EventStatus(s)
}

func epochMillisOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// applyDeletion removes the local row for a server-absent href, honoring
// the deletion-protection rule: rows with a pending sync_status are never
// deleted by pull (spec §4.4 "Deletion protection").
func (p *Puller) applyDeletion(ctx context.Context, cal *model.Calendar, href string, result *Result) error {
	normURL := p.Client.NormalizeHref(href)
	existing, err := p.Store.GetByCaldavURL(ctx, cal.ID, normURL)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if existing.SyncStatus != model.SyncStatusSynced {
		result.skip(SkipProtectedDelete)
		return nil
	}
	if err := p.Store.RunInTransaction(ctx, func(ctx context.Context) error {
		return p.Store.DeleteEventByID(ctx, existing.ID)
	}); err != nil {
		return err
	}
	result.Deleted++
	return nil
}
