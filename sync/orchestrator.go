// Package sync wires the pull, push and conflict-resolution strategies
// together into one per-calendar sync run, records a SyncSession for each
// run, and rolls per-calendar counters up into an account-level summary
// (spec §4.8).
package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/caldavsync/engine/caldav"
	"github.com/caldavsync/engine/config"
	"github.com/caldavsync/engine/model"
	"github.com/caldavsync/engine/store"
	"github.com/caldavsync/engine/sync/conflict"
	"github.com/caldavsync/engine/sync/pull"
	"github.com/caldavsync/engine/sync/push"
)

// Orchestrator drives one account's calendars through pull → (conflict
// resolve, inline in push) → push, serializing pending-operation drains
// per account (spec §5 "drains are serialized per account").
type Orchestrator struct {
	Client   *caldav.Client
	Store    store.Store
	Occur    store.OccurrenceGenerator
	Conflict *conflict.Resolver
	Config   *config.Config
	Log      zerolog.Logger

	mu             stdsync.Mutex
	recentlyPushed map[int64]map[int64]bool // calendarID -> eventID -> true
	drainLocks     map[int64]*stdsync.Mutex  // accountID -> drain mutex
}

// New builds an Orchestrator for one account's CalDAV client and Store.
func New(client *caldav.Client, st store.Store, occur store.OccurrenceGenerator, resolver *conflict.Resolver, cfg *config.Config, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		Client:         client,
		Store:          st,
		Occur:          occur,
		Conflict:       resolver,
		Config:         cfg,
		Log:            log,
		recentlyPushed: make(map[int64]map[int64]bool),
		drainLocks:     make(map[int64]*stdsync.Mutex),
	}
}

// AccountSummary aggregates every calendar's SyncSession counters for one
// SyncAccount run (spec's §4.8 per-calendar counters, rolled up; not named
// in spec.md but implied by "Emit counters" at the account level).
type AccountSummary struct {
	AccountID int64
	Sessions  []*model.SyncSession

	EventsAdded   int
	EventsUpdated int
	EventsDeleted int
	EventsSkipped int
	OpsPushed     int
	OpsConflicted int
	OpsFailed     int
}

// SyncAccount syncs every visible calendar belonging to accountID (hidden
// calendars are skipped) and returns the rolled-up counters. Per spec §7's propagation policy, one calendar's
// failure never aborts the account-level run; it is recorded on that
// calendar's SyncSession and the loop continues.
func (o *Orchestrator) SyncAccount(ctx context.Context, accountID int64, trigger model.SyncTrigger, force bool) (*AccountSummary, error) {
	cals, err := o.Store.CalendarsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	summary := &AccountSummary{AccountID: accountID}
	for _, cal := range cals {
		if !cal.Visible {
			continue
		}
		session, _ := o.SyncCalendar(ctx, cal, trigger, force)
		if session == nil {
			continue
		}
		summary.Sessions = append(summary.Sessions, session)
		summary.EventsAdded += session.EventsAdded
		summary.EventsUpdated += session.EventsUpdated
		summary.EventsDeleted += session.EventsDeleted
		summary.EventsSkipped += session.EventsSkipped
		summary.OpsPushed += session.OpsPushed
		summary.OpsConflicted += session.OpsConflicted
		summary.OpsFailed += session.OpsFailed
	}
	return summary, nil
}

// SyncCalendar runs one calendar's pull → push cycle end-to-end as a
// single task (spec §5 "each calendar's sync runs as a single task
// end-to-end"), recording a SyncSession around it.
func (o *Orchestrator) SyncCalendar(ctx context.Context, cal *model.Calendar, trigger model.SyncTrigger, force bool) (*model.SyncSession, error) {
	sessionType := model.SyncSessionIncremental
	if force {
		sessionType = model.SyncSessionFull
	}
	session := &model.SyncSession{
		CalendarID:  cal.ID,
		Type:        sessionType,
		Trigger:     trigger,
		Status:      model.SyncSessionRunning,
		StartedAtMs: time.Now().UnixMilli(),
	}
	if err := o.Store.RecordSyncSession(ctx, session); err != nil {
		return nil, err
	}
	log := o.Log.With().Int64("calendar_id", cal.ID).Int64("session_id", session.ID).Logger()

	puller := &pull.Puller{
		Client:         o.Client,
		Store:          o.Store,
		Occur:          o.Occur,
		Log:            log,
		RecentlyPushed: o.recentlyPushedFor(cal.ID),
	}
	pullResult, err := puller.Pull(ctx, cal, force)
	if err != nil {
		o.finishSession(session, model.SyncSessionFailed, err)
		log.Error().Err(err).Msg("orchestrator: pull failed")
		return session, err
	}
	session.EventsAdded = pullResult.Added
	session.EventsUpdated = pullResult.Updated
	session.EventsDeleted = pullResult.Deleted
	for _, n := range pullResult.Skipped {
		session.EventsSkipped += n
	}
	log.Info().Str("tier", string(pullResult.Tier)).Int("added", pullResult.Added).
		Int("updated", pullResult.Updated).Int("deleted", pullResult.Deleted).Msg("orchestrator: pull complete")

	if ctx.Err() != nil {
		o.finishSession(session, model.SyncSessionCancelled, ctx.Err())
		return session, ctx.Err()
	}

	pushResult, err := o.drainAccount(ctx, cal.AccountID)
	if err != nil {
		o.finishSession(session, model.SyncSessionFailed, err)
		log.Error().Err(err).Msg("orchestrator: push failed")
		return session, err
	}
	session.OpsPushed = pushResult.Succeeded
	session.OpsConflicted = pushResult.Conflicted
	session.OpsFailed = pushResult.Failed
	log.Info().Int("pushed", pushResult.Succeeded).Int("conflicted", pushResult.Conflicted).
		Int("failed", pushResult.Failed).Msg("orchestrator: push complete")

	o.setRecentlyPushed(cal.ID, pushResult.PushedEventIDs)

	status := model.SyncSessionCompleted
	if ctx.Err() != nil {
		status = model.SyncSessionCancelled
	}
	o.finishSession(session, status, nil)
	return session, nil
}

// drainAccount serializes Drain behind a per-account mutex (spec §5 "a
// per-account mutex guards the queue drain to preserve FIFO"), since
// distinct calendars belonging to the same account may sync concurrently.
func (o *Orchestrator) drainAccount(ctx context.Context, accountID int64) (*push.Result, error) {
	lock := o.drainLockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	pusher := &push.Pusher{
		Client:   o.Client,
		Store:    o.Store,
		Conflict: o.Conflict,
		Config:   o.Config,
		Log:      o.Log,
	}
	return pusher.Drain(ctx, accountID)
}

func (o *Orchestrator) drainLockFor(accountID int64) *stdsync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.drainLocks[accountID]
	if !ok {
		lock = &stdsync.Mutex{}
		o.drainLocks[accountID] = lock
	}
	return lock
}

func (o *Orchestrator) recentlyPushedFor(calendarID int64) map[int64]bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recentlyPushed[calendarID]
}

func (o *Orchestrator) setRecentlyPushed(calendarID int64, ids []int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	o.recentlyPushed[calendarID] = set
}

// finishSession persists session's terminal state using a background
// context: a cancelled sync must still record CANCELLED rather than lose
// the session row (spec §5 "the sync session records a CANCELLED outcome").
func (o *Orchestrator) finishSession(session *model.SyncSession, status model.SyncSessionStatus, err error) {
	session.Status = status
	session.FinishedAtMs = time.Now().UnixMilli()
	if err != nil {
		session.Error = err.Error()
	}
	if rerr := o.Store.RecordSyncSession(context.Background(), session); rerr != nil {
		o.Log.Error().Err(rerr).Int64("session_id", session.ID).Msg("orchestrator: failed to persist sync session")
	}
}
