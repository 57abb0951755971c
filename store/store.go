// Package store defines the persistence boundary the sync engine depends
// on, and the two collaborator interfaces (OccurrenceGenerator,
// ReminderScheduler) that live outside the sync engine proper (spec §6:
// these are supplied by the host application; the engine only calls
// them). No concrete database driver is wired here — see DESIGN.md.
package store

import (
	"context"

	"github.com/caldavsync/engine/model"
)

// Store is the full persistence surface pull, push and conflict
// resolution read and write through (spec §6).
type Store interface {
	EventsByCalendarInRange(ctx context.Context, calendarID int64, startMs, endMs int64) ([]*model.Event, error)
	GetEvent(ctx context.Context, eventID int64) (*model.Event, error)
	GetEventsByUID(ctx context.Context, calendarID int64, uid string) ([]*model.Event, error)
	GetMasterByUIDAndCalendar(ctx context.Context, calendarID int64, uid string) (*model.Event, error)
	GetExceptionByUIDAndInstanceTime(ctx context.Context, calendarID int64, uid string, instanceTimeMs int64) (*model.Event, error)
	GetByCaldavURL(ctx context.Context, calendarID int64, caldavURL string) (*model.Event, error)
	GetETagsByCalendar(ctx context.Context, calendarID int64) (map[string]string, error) // caldav_url -> etag

	UpsertEvent(ctx context.Context, e *model.Event) error
	DeleteEventByID(ctx context.Context, eventID int64) error
	DeleteDuplicateMasterEvents(ctx context.Context, calendarID int64, uid string, keepEventID int64) error
	MarkCreatedOnServer(ctx context.Context, eventID int64, caldavURL, etag string) error
	RecordSyncError(ctx context.Context, eventID int64, message string) error

	GetCalendar(ctx context.Context, calendarID int64) (*model.Calendar, error)
	UpdateCalendarSyncState(ctx context.Context, calendarID int64, ctag, syncToken string) error
	CalendarsByAccount(ctx context.Context, accountID int64) ([]*model.Calendar, error)

	GetAccount(ctx context.Context, accountID int64) (*model.Account, error)

	SubscriptionsDue(ctx context.Context, now int64) ([]*model.IcsSubscription, error)
	UpdateSubscriptionState(ctx context.Context, sub *model.IcsSubscription) error

	PendingOperations(ctx context.Context, accountID int64) ([]*model.PendingOperation, error)
	UpsertPendingOperation(ctx context.Context, op *model.PendingOperation) error
	DeletePendingOperation(ctx context.Context, opID int64) error

	// RecordSyncSession persists a SyncSession's start, or its final
	// counters and terminal status once a run completes (spec §4.8).
	RecordSyncSession(ctx context.Context, session *model.SyncSession) error

	// RunInTransaction executes fn atomically; every per-event mutation in
	// pull/push (spec §4.4 "one event per transaction") is wrapped in one
	// of these.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// OccurrenceGenerator expands a recurring master's RRULE into concrete
// occurrences and links detached overrides onto them. Its implementation
// (RRULE expansion) is an external collaborator outside the sync engine's
// scope (spec §1, §6); the engine only calls it after a master is
// upserted or changed.
type OccurrenceGenerator interface {
	Generate(ctx context.Context, master *model.Event) error
	Regenerate(ctx context.Context, master *model.Event) error
	LinkException(ctx context.Context, master *model.Event, override *model.Event) error
}

// ReminderScheduler owns platform notification scheduling for an event's
// reminders; scheduling itself is out of scope (spec §6). No package of
// this module calls CancelForEvent: pull, push and subscription remove
// event rows without cancelling their reminders.
type ReminderScheduler interface {
	CancelForEvent(ctx context.Context, eventID int64) error
}
