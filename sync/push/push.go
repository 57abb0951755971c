// Package push implements the local-to-server half of a calendar sync:
// draining the durable pending-operations queue in FIFO order, dispatching
// each operation to the CalDAV client, and handling the two-phase MOVE
// fallback (spec §4.5).
package push

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caldavsync/engine/caldav"
	"github.com/caldavsync/engine/config"
	"github.com/caldavsync/engine/ical"
	"github.com/caldavsync/engine/model"
	"github.com/caldavsync/engine/pendingops"
	"github.com/caldavsync/engine/store"
	"github.com/caldavsync/engine/sync/conflict"
	"github.com/caldavsync/engine/syncerr"
)

// Result summarizes one drain pass.
type Result struct {
	Succeeded      int
	Retried        int
	Failed         int
	Conflicted     int
	PushedEventIDs []int64
}

// Pusher drains one account's pending-operations queue.
type Pusher struct {
	Client   *caldav.Client
	Store    store.Store
	Conflict *conflict.Resolver
	Config   *config.Config
	Log      zerolog.Logger
}

// Drain processes every ready pending operation for accountID in FIFO
// order (spec §4.5, §5 "push operations execute in created_at order").
func (p *Pusher) Drain(ctx context.Context, accountID int64) (*Result, error) {
	ops, err := p.Store.PendingOperations(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].CreatedAtMs < ops[j].CreatedAtMs })

	result := &Result{}
	now := time.Now()
	for _, op := range pendingops.Ready(ops, now) {
		if err := p.processOne(ctx, op, result, now); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (p *Pusher) processOne(ctx context.Context, op *model.PendingOperation, result *Result, now time.Time) error {
	op.Status = model.OpStatusInProgress
	if err := p.Store.UpsertPendingOperation(ctx, op); err != nil {
		return err
	}

	var serr *syncerr.Error
	switch op.Op {
	case model.OpCreate:
		serr = p.dispatchCreate(ctx, op, result)
	case model.OpUpdate:
		serr = p.dispatchUpdate(ctx, op, result)
	case model.OpDelete:
		serr = p.dispatchDelete(ctx, op, result)
	case model.OpMove:
		serr = p.dispatchMove(ctx, op, result, now)
	}
	if serr == nil {
		return nil
	}
	return p.handleFailure(ctx, op, serr, result, now)
}

func (p *Pusher) handleFailure(ctx context.Context, op *model.PendingOperation, serr *syncerr.Error, result *Result, now time.Time) error {
	if serr.Kind == syncerr.KindConflict && p.Conflict != nil {
		event, err := p.Store.GetEvent(ctx, op.EventID)
		if err != nil {
			return err
		}
		cal, err := p.Store.GetCalendar(ctx, event.CalendarID)
		if err != nil {
			return err
		}
		outcome, err := p.Conflict.Resolve(ctx, conflict.Conflict{Op: op, Event: event, Cal: cal})
		if err != nil {
			return err
		}
		p.Log.Info().Str("outcome", string(outcome)).Int64("event_id", op.EventID).Msg("push: conflict resolved")
		result.Conflicted++
		return nil
	}

	if err := p.Store.RecordSyncError(ctx, op.EventID, serr.Error()); err != nil {
		return err
	}

	if !serr.Retryable {
		op.Status = model.OpStatusFailed
		if err := p.Store.UpsertPendingOperation(ctx, op); err != nil {
			return err
		}
		result.Failed++
		return nil
	}

	if ok := pendingops.ScheduleRetry(op, now, p.Config.BackoffBase, p.Config.BackoffCap); !ok {
		result.Failed++
	} else {
		result.Retried++
	}
	return p.Store.UpsertPendingOperation(ctx, op)
}

func (p *Pusher) dispatchCreate(ctx context.Context, op *model.PendingOperation, result *Result) *syncerr.Error {
	event, err := p.Store.GetEvent(ctx, op.EventID)
	if err != nil {
		return syncerr.New(0, err)
	}
	cal, err := p.Store.GetCalendar(ctx, event.CalendarID)
	if err != nil {
		return syncerr.New(0, err)
	}
	if event.UID == "" {
		// The host app didn't assign one at creation time; mint an RFC
		// 4122 UID so filenameFor and the server both see a stable name.
		event.UID = uuid.NewString()
		if err := p.Store.UpsertEvent(ctx, event); err != nil {
			return syncerr.New(0, err)
		}
	}
	ics, err := serializeForPush(ctx, p.Store, event)
	if err != nil {
		return syncerr.New(0, err)
	}

	href, etag, serr := p.Client.CreateEvent(ctx, cal.URL, filenameFor(event), ics)
	if serr != nil {
		return serr
	}
	if err := p.Store.MarkCreatedOnServer(ctx, event.ID, p.Client.NormalizeHref(href), etag); err != nil {
		return syncerr.New(0, err)
	}
	if err := p.Store.DeletePendingOperation(ctx, op.ID); err != nil {
		return syncerr.New(0, err)
	}
	result.Succeeded++
	result.PushedEventIDs = append(result.PushedEventIDs, event.ID)
	return nil
}

func (p *Pusher) dispatchUpdate(ctx context.Context, op *model.PendingOperation, result *Result) *syncerr.Error {
	event, err := p.Store.GetEvent(ctx, op.EventID)
	if err != nil {
		return syncerr.New(0, err)
	}
	ics, err := serializeForPush(ctx, p.Store, event)
	if err != nil {
		return syncerr.New(0, err)
	}

	newETag, serr := p.Client.UpdateEvent(ctx, event.CalDAVURL, ics, event.ETag)
	if serr != nil {
		return serr
	}
	if err := p.Store.MarkCreatedOnServer(ctx, event.ID, event.CalDAVURL, newETag); err != nil {
		return syncerr.New(0, err)
	}
	if err := p.Store.DeletePendingOperation(ctx, op.ID); err != nil {
		return syncerr.New(0, err)
	}
	result.Succeeded++
	result.PushedEventIDs = append(result.PushedEventIDs, event.ID)
	return nil
}

func (p *Pusher) dispatchDelete(ctx context.Context, op *model.PendingOperation, result *Result) *syncerr.Error {
	event, err := p.Store.GetEvent(ctx, op.EventID)
	if err != nil {
		return syncerr.New(0, err)
	}

	serr := p.Client.DeleteEvent(ctx, op.TargetURL, event.ETag)
	if serr != nil && serr.Kind != syncerr.KindNotFound {
		return serr
	}
	if err := p.Store.DeleteEventByID(ctx, event.ID); err != nil {
		return syncerr.New(0, err)
	}
	if err := p.Store.DeletePendingOperation(ctx, op.ID); err != nil {
		return syncerr.New(0, err)
	}
	result.Succeeded++
	return nil
}

// dispatchMove implements the two-phase MOVE fallback (spec §4.5).
func (p *Pusher) dispatchMove(ctx context.Context, op *model.PendingOperation, result *Result, now time.Time) *syncerr.Error {
	event, err := p.Store.GetEvent(ctx, op.EventID)
	if err != nil {
		return syncerr.New(0, err)
	}
	if op.TargetCalendarID == nil {
		return syncerr.New(0, fmt.Errorf("push: move operation %d missing target calendar", op.ID))
	}
	destCal, err := p.Store.GetCalendar(ctx, *op.TargetCalendarID)
	if err != nil {
		return syncerr.New(0, err)
	}

	if op.MovePhase == model.MovePhaseAtomic {
		destURL := joinCalendarPath(destCal.URL, path.Base(op.TargetURL))
		newEtag, serr := p.Client.MoveEvent(ctx, op.TargetURL, destURL)
		if serr == nil {
			if err := p.Store.MarkCreatedOnServer(ctx, event.ID, p.Client.NormalizeHref(destURL), newEtag); err != nil {
				return syncerr.New(0, err)
			}
			if err := p.Store.DeletePendingOperation(ctx, op.ID); err != nil {
				return syncerr.New(0, err)
			}
			result.Succeeded++
			result.PushedEventIDs = append(result.PushedEventIDs, event.ID)
			return nil
		}
		if serr.Retryable {
			return serr
		}
		switch serr.Code {
		case 403, 404, 405, 412:
		default:
			return serr
		}
		// Not-found or not-supported (403/404/405/412): advance to phase 1
		// with a fresh retry budget and stop here. CREATE-then-DELETE runs
		// on the next drain pass, not inline (spec §8 scenario S3).
		pendingops.AdvanceMovePhase(op, now)
		if err := p.Store.UpsertPendingOperation(ctx, op); err != nil {
			return syncerr.New(0, err)
		}
		return nil
	}

	ics, err := serializeForPush(ctx, p.Store, event)
	if err != nil {
		return syncerr.New(0, err)
	}
	href, etag, serr := p.Client.CreateEvent(ctx, destCal.URL, filenameFor(event), ics)
	if serr != nil {
		return serr
	}
	if derr := p.Client.DeleteEvent(ctx, op.TargetURL, event.ETag); derr != nil {
		p.Log.Warn().Err(derr).Str("url", op.TargetURL).Msg("move: old-calendar cleanup failed, leaving orphan for next pull")
	}
	if err := p.Store.MarkCreatedOnServer(ctx, event.ID, p.Client.NormalizeHref(href), etag); err != nil {
		return syncerr.New(0, err)
	}
	event.CalendarID = destCal.ID
	if err := p.Store.UpsertEvent(ctx, event); err != nil {
		return syncerr.New(0, err)
	}
	if err := p.Store.DeletePendingOperation(ctx, op.ID); err != nil {
		return syncerr.New(0, err)
	}
	result.Succeeded++
	result.PushedEventIDs = append(result.PushedEventIDs, event.ID)
	return nil
}

func joinCalendarPath(calendarURL, filename string) string {
	if !strings.HasSuffix(calendarURL, "/") {
		calendarURL += "/"
	}
	return calendarURL + filename
}

func filenameFor(e *model.Event) string {
	return e.UID + ".ics"
}

// serializeForPush packages event (and, if it is a recurring master, its
// overrides) into a full VCALENDAR body, using Patch when a raw form was
// preserved from the last server rendering and GenerateFresh otherwise
// (spec §4.1, §4.5 "CREATE/UPDATE ... serialize-with-exceptions").
func serializeForPush(ctx context.Context, s store.Store, event *model.Event) ([]byte, error) {
	masterInput := toEventInput(event)

	if !event.IsMaster() {
		return ical.WrapCalendar("-//caldavsync//EN", ical.Patch(masterInput, event.RawICal)), nil
	}

	overrides, err := s.GetEventsByUID(ctx, event.CalendarID, event.UID)
	if err != nil {
		return nil, err
	}
	var overrideInputs []*ical.EventInput
	var overrideRaws [][]byte
	for _, ov := range overrides {
		if ov.OriginalEventID == nil {
			continue
		}
		overrideInputs = append(overrideInputs, toEventInput(ov))
		overrideRaws = append(overrideRaws, ov.RawICal)
	}

	body, err := ical.SerializeWithExceptions(masterInput, event.RawICal, overrideInputs, overrideRaws)
	if err != nil {
		return nil, err
	}
	return ical.WrapCalendar("-//caldavsync//EN", body), nil
}

func toEventInput(e *model.Event) *ical.EventInput {
	in := &ical.EventInput{
		UID:            e.UID,
		Summary:        e.Title,
		Location:       e.Location,
		Description:    e.Description,
		Start:          time.UnixMilli(e.StartMs).UTC(),
		AllDay:         e.AllDay,
		TimeZone:       e.TimeZone,
		Status:         string(e.Status),
		Transparency:   e.Transparency,
		Classification: e.Classification,
		Organizer:      e.Organizer,
		RRule:          e.RRule,
		RDate:          e.RDate,
		EXDate:         e.EXDate,
		Sequence:       e.Sequence,
		DTStamp:        time.Now().UTC(),
		Reminders:      e.Reminders,
	}
	if e.EndMs != 0 {
		in.End = time.UnixMilli(e.EndMs).UTC()
	}
	if e.OriginalInstanceTime != nil {
		rid := time.UnixMilli(*e.OriginalInstanceTime).UTC()
		in.RecurrenceID = &rid
	}
	return in
}
