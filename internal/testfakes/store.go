// Package testfakes provides in-memory implementations of store.Store and
// its companion interfaces, used by the sync/pull, sync/push and
// sync/conflict test suites so they can exercise real transaction and
// lookup semantics without a database driver (spec §6 keeps persistence
// out of scope; these fakes stand in for it in tests only).
package testfakes

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/caldavsync/engine/model"
)

// MemoryStore is a single-process, mutex-guarded store.Store.
type MemoryStore struct {
	mu sync.Mutex

	nextEventID int64
	events      map[int64]*model.Event

	calendars map[int64]*model.Calendar
	accounts  map[int64]*model.Account
	subs      map[int64]*model.IcsSubscription

	nextOpID int64
	ops      map[int64]*model.PendingOperation

	nextSessionID int64
	sessions      map[int64]*model.SyncSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[int64]*model.Event),
		calendars: make(map[int64]*model.Calendar),
		accounts:  make(map[int64]*model.Account),
		subs:      make(map[int64]*model.IcsSubscription),
		ops:       make(map[int64]*model.PendingOperation),
		sessions:  make(map[int64]*model.SyncSession),
	}
}

func (s *MemoryStore) PutCalendar(c *model.Calendar) { s.calendars[c.ID] = c }
func (s *MemoryStore) PutAccount(a *model.Account)   { s.accounts[a.ID] = a }

func (s *MemoryStore) EventsByCalendarInRange(ctx context.Context, calendarID int64, startMs, endMs int64) ([]*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Event
	for _, e := range s.events {
		if e.CalendarID != calendarID {
			continue
		}
		if e.EndMs < startMs || e.StartMs > endMs {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, eventID int64) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return nil, fmt.Errorf("testfakes: event %d not found", eventID)
	}
	return e, nil
}

func (s *MemoryStore) GetEventsByUID(ctx context.Context, calendarID int64, uid string) ([]*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Event
	for _, e := range s.events {
		if e.CalendarID == calendarID && e.UID == uid {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetMasterByUIDAndCalendar(ctx context.Context, calendarID int64, uid string) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.CalendarID == calendarID && e.UID == uid && e.OriginalEventID == nil {
			return e, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetExceptionByUIDAndInstanceTime(ctx context.Context, calendarID int64, uid string, instanceTimeMs int64) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.CalendarID == calendarID && e.UID == uid && e.OriginalInstanceTime != nil && *e.OriginalInstanceTime == instanceTimeMs {
			return e, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetByCaldavURL(ctx context.Context, calendarID int64, caldavURL string) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.CalendarID == calendarID && e.CalDAVURL == caldavURL {
			return e, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetETagsByCalendar(ctx context.Context, calendarID int64) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for _, e := range s.events {
		if e.CalendarID == calendarID && e.CalDAVURL != "" {
			out[e.CalDAVURL] = e.ETag
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertEvent(ctx context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == 0 {
		s.nextEventID++
		e.ID = s.nextEventID
	}
	cp := *e
	s.events[e.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteEventByID(ctx context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, eventID)
	return nil
}

func (s *MemoryStore) DeleteDuplicateMasterEvents(ctx context.Context, calendarID int64, uid string, keepEventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.events {
		if e.CalendarID == calendarID && e.UID == uid && e.OriginalEventID == nil && id != keepEventID {
			delete(s.events, id)
		}
	}
	return nil
}

func (s *MemoryStore) MarkCreatedOnServer(ctx context.Context, eventID int64, caldavURL, etag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("testfakes: event %d not found", eventID)
	}
	e.CalDAVURL = caldavURL
	e.ETag = etag
	e.SyncStatus = model.SyncStatusSynced
	return nil
}

func (s *MemoryStore) RecordSyncError(ctx context.Context, eventID int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("testfakes: event %d not found", eventID)
	}
	e.LastSyncError = message
	e.RetryCount++
	return nil
}

func (s *MemoryStore) GetCalendar(ctx context.Context, calendarID int64) (*model.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[calendarID]
	if !ok {
		return nil, fmt.Errorf("testfakes: calendar %d not found", calendarID)
	}
	return c, nil
}

func (s *MemoryStore) UpdateCalendarSyncState(ctx context.Context, calendarID int64, ctag, syncToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[calendarID]
	if !ok {
		return fmt.Errorf("testfakes: calendar %d not found", calendarID)
	}
	c.CTag = ctag
	c.SyncToken = syncToken
	return nil
}

func (s *MemoryStore) CalendarsByAccount(ctx context.Context, accountID int64) ([]*model.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Calendar
	for _, c := range s.calendars {
		if c.AccountID == accountID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("testfakes: account %d not found", accountID)
	}
	return a, nil
}

func (s *MemoryStore) SubscriptionsDue(ctx context.Context, now int64) ([]*model.IcsSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.IcsSubscription
	for _, sub := range s.subs {
		if !sub.Enabled {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *MemoryStore) UpdateSubscriptionState(ctx context.Context, sub *model.IcsSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}

func (s *MemoryStore) PutSubscription(sub *model.IcsSubscription) { s.subs[sub.ID] = sub }

func (s *MemoryStore) PendingOperations(ctx context.Context, accountID int64) ([]*model.PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PendingOperation
	for _, op := range s.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpsertPendingOperation(ctx context.Context, op *model.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op.ID == 0 {
		s.nextOpID++
		op.ID = s.nextOpID
	}
	s.ops[op.ID] = op
	return nil
}

func (s *MemoryStore) DeletePendingOperation(ctx context.Context, opID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, opID)
	return nil
}

// RunInTransaction has no real atomicity to offer in-memory; it exists so
// callers can be written against the real transaction boundary.
func (s *MemoryStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *MemoryStore) RecordSyncSession(ctx context.Context, session *model.SyncSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.ID == 0 {
		s.nextSessionID++
		session.ID = s.nextSessionID
	}
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

// SessionsByCalendar returns recorded sessions for a calendar, oldest first.
// Test-only accessor; not part of store.Store.
func (s *MemoryStore) SessionsByCalendar(calendarID int64) []*model.SyncSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.SyncSession
	for _, sess := range s.sessions {
		if sess.CalendarID == calendarID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
