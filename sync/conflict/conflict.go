// Package conflict implements the three resolution strategies spec §4.6
// names for a push that hit HTTP 412: server-wins, newest-wins and manual.
package conflict

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

// Strategy is the conflict-resolution policy an account is configured
// with (spec §4.6).
type Strategy string

const (
	StrategyServerWins Strategy = "SERVER_WINS"
	StrategyNewestWins Strategy = "NEWEST_WINS"
	StrategyManual     Strategy = "MANUAL"
)

// Outcome reports how one conflicted operation was resolved.
type Outcome string

const (
	OutcomeServerApplied Outcome = "SERVER_APPLIED"
	OutcomeLocalRequeued Outcome = "LOCAL_REQUEUED"
	OutcomeLocalDeleted  Outcome = "LOCAL_DELETED"
	OutcomeNeedsManual   Outcome = "NEEDS_MANUAL"
)

// Conflict pairs a failed pending operation with the local event it was
// trying to push.
type Conflict struct {
	Op    *model.PendingOperation
	Event *model.Event
	Cal   *model.Calendar
}

// Resolver resolves 412s encountered by push.
type Resolver struct {
	Client   *caldav.Client
	Store    store.Store
	Occur    store.OccurrenceGenerator
	Strategy Strategy
	Log      zerolog.Logger
}

// Resolve handles a single conflict and mutates the Store accordingly,
// returning the Outcome for the caller's counters.
func (r *Resolver) Resolve(ctx context.Context, c Conflict) (Outcome, error) {
	switch r.Strategy {
	case StrategyNewestWins:
		return r.resolveNewestWins(ctx, c)
	case StrategyManual:
		return r.resolveManual(ctx, c)
	default:
		return r.resolveServerWins(ctx, c)
	}
}

// ResolveAll runs Resolve over a batch, mirroring single-op semantics
// (spec §4.6 "resolve_all(ops[])").
func (r *Resolver) ResolveAll(ctx context.Context, conflicts []Conflict) ([]Outcome, error) {
	outcomes := make([]Outcome, len(conflicts))
	for i, c := range conflicts {
		o, err := r.Resolve(ctx, c)
		if err != nil {
			return outcomes, err
		}
		outcomes[i] = o
	}
	return outcomes, nil
}

func (r *Resolver) fetchServer(ctx context.Context, c Conflict) (*caldav.RemoteObject, *syncerr.Error) {
	return r.Client.FetchEvent(ctx, c.Op.TargetURL)
}

func (r *Resolver) resolveServerWins(ctx context.Context, c Conflict) (Outcome, error) {
	obj, serr := r.fetchServer(ctx, c)
	if serr != nil {
		if serr.Kind == syncerr.KindNotFound {
			if err := r.deleteLocal(ctx, c); err != nil {
				return "", err
			}
			return OutcomeLocalDeleted, nil
		}
		return "", serr
	}
	if err := r.applyServerVersion(ctx, c, obj); err != nil {
		return "", err
	}
	if err := r.Store.DeletePendingOperation(ctx, c.Op.ID); err != nil {
		return "", err
	}
	return OutcomeServerApplied, nil
}

func (r *Resolver) resolveNewestWins(ctx context.Context, c Conflict) (Outcome, error) {
	obj, serr := r.fetchServer(ctx, c)
	if serr != nil {
		if serr.Kind == syncerr.KindNotFound {
			if err := r.deleteLocal(ctx, c); err != nil {
				return "", err
			}
			return OutcomeLocalDeleted, nil
		}
		return "", serr
	}

	parsedCal, err := ical.Parse(obj.RawICS)
	if err != nil || len(parsedCal.Events) == 0 {
		return r.resolveServerWins(ctx, c)
	}
	serverSeq := parsedCal.Events[0].Sequence
	serverStamp := parsedCal.Events[0].DTStamp

	localWins := c.Event.Sequence > serverSeq ||
		(c.Event.Sequence == serverSeq && c.Event.DTStampMs > serverStamp.UnixMilli())

	if !localWins {
		if err := r.applyServerVersion(ctx, c, obj); err != nil {
			return "", err
		}
		if err := r.Store.DeletePendingOperation(ctx, c.Op.ID); err != nil {
			return "", err
		}
		return OutcomeServerApplied, nil
	}

	if err := r.Store.DeletePendingOperation(ctx, c.Op.ID); err != nil {
		return "", err
	}
	fresh := &model.PendingOperation{
		EventID:          c.Op.EventID,
		Op:               c.Op.Op,
		Status:           model.OpStatusPending,
		TargetURL:        c.Op.TargetURL,
		TargetCalendarID: c.Op.TargetCalendarID,
		MaxRetries:       c.Op.MaxRetries,
		CreatedAtMs:      time.Now().UnixMilli(),
		NextRetryAtMs:    0,
	}
	if err := r.Store.UpsertPendingOperation(ctx, fresh); err != nil {
		return "", err
	}
	return OutcomeLocalRequeued, nil
}

func (r *Resolver) resolveManual(ctx context.Context, c Conflict) (Outcome, error) {
	c.Op.Status = model.OpStatusFailed
	if err := r.Store.UpsertPendingOperation(ctx, c.Op); err != nil {
		return "", err
	}
	if err := r.Store.RecordSyncError(ctx, c.Event.ID, "conflict: needs manual resolution"); err != nil {
		return "", err
	}
	return OutcomeNeedsManual, nil
}

func (r *Resolver) deleteLocal(ctx context.Context, c Conflict) error {
	if err := r.Store.DeleteEventByID(ctx, c.Event.ID); err != nil {
		return err
	}
	return r.Store.DeletePendingOperation(ctx, c.Op.ID)
}

// applyServerVersion upserts the server's rendering of the conflicted
// event, following the same application rules as pull (spec §4.6 "upsert
// as if from pull").
func (r *Resolver) applyServerVersion(ctx context.Context, c Conflict, obj *caldav.RemoteObject) error {
	parsedCal, err := ical.Parse(obj.RawICS)
	if err != nil || len(parsedCal.Events) == 0 {
		return syncerr.Parsef("conflict: server version did not parse")
	}
	pe := parsedCal.Events[0]
	normURL := r.Client.NormalizeHref(obj.Href)

	e := &model.Event{
		ID:               c.Event.ID,
		CalendarID:       c.Event.CalendarID,
		UID:              pe.UID,
		Title:            pe.Summary,
		Location:         pe.Location,
		Description:      pe.Description,
		StartMs:          pe.Start.UnixMilli(),
		AllDay:           pe.AllDay,
		Status:           model.EventStatus(pe.Status),
		RRule:            pe.RRule,
		RDate:            pe.RDate,
		EXDate:           pe.EXDate,
		CalDAVURL:        normURL,
		ETag:             obj.ETag,
		Sequence:         pe.Sequence,
		SyncStatus:       model.SyncStatusSynced,
		ServerModifiedMs: time.Now().UnixMilli(),
		RawICal:          pe.Raw,
	}
	if !pe.End.IsZero() {
		e.EndMs = pe.End.UnixMilli()
	}

	return r.Store.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := r.Store.UpsertEvent(ctx, e); err != nil {
			return err
		}
		if e.IsMaster() && r.Occur != nil {
			return r.Occur.Regenerate(ctx, e)
		}
		return nil
	})
}
