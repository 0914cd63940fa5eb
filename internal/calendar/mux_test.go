package calendar

import (
	"context"
	"testing"
	"time"

	"busymirror/internal/reconcile"
)

// fakeStore is a per-account Store that records the raw IDs it was
// called with.
type fakeStore struct {
	calendars []reconcile.CalendarRef
	events    []reconcile.Event

	eventQueries [][]string
	created      []reconcile.CreateOp
	updated      []reconcile.UpdateOp
	deleted      []reconcile.DeleteOp
	watching     bool
}

func (f *fakeStore) ListCalendars(ctx context.Context) ([]reconcile.CalendarRef, error) {
	return f.calendars, nil
}

func (f *fakeStore) Events(ctx context.Context, calendarIDs []string, min, max time.Time) ([]reconcile.Event, error) {
	f.eventQueries = append(f.eventQueries, calendarIDs)
	return f.events, nil
}

func (f *fakeStore) Create(ctx context.Context, op reconcile.CreateOp) error {
	f.created = append(f.created, op)
	return nil
}

func (f *fakeStore) Update(ctx context.Context, op reconcile.UpdateOp) error {
	f.updated = append(f.updated, op)
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, op reconcile.DeleteOp) error {
	f.deleted = append(f.deleted, op)
	return nil
}

func (f *fakeStore) WatchChanges(ctx context.Context, fn func()) error {
	f.watching = true
	return nil
}

func twoAccountMux() (*Mux, *fakeStore, *fakeStore) {
	work := &fakeStore{
		calendars: []reconcile.CalendarRef{
			{ID: "primary", Name: "Work", AccountName: "work", Writable: true},
		},
		events: []reconcile.Event{
			{ID: "ev1", CalendarID: "primary", Title: "Meeting"},
		},
	}
	icloud := &fakeStore{
		calendars: []reconcile.CalendarRef{
			{ID: "/me/calendars/home/", Name: "Home", AccountName: "icloud", Writable: true},
		},
	}

	mux := NewMux()
	mux.Add("work", work)
	mux.Add("icloud", icloud)
	return mux, work, icloud
}

func TestMux_ListCalendarsNamespacesIDs(t *testing.T) {
	mux, _, _ := twoAccountMux()

	refs, err := mux.ListCalendars(context.Background())
	if err != nil {
		t.Fatalf("ListCalendars: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("got %d calendars, want 2", len(refs))
	}

	// Accounts are listed in sorted order, so icloud comes first.
	if refs[0].ID != "icloud:/me/calendars/home/" {
		t.Errorf("refs[0].ID = %q", refs[0].ID)
	}
	if refs[1].ID != "work:primary" {
		t.Errorf("refs[1].ID = %q", refs[1].ID)
	}
}

func TestMux_EventsRoutesAndRenamespaces(t *testing.T) {
	mux, work, icloud := twoAccountMux()

	events, err := mux.Events(context.Background(),
		[]string{"work:primary", "icloud:/me/calendars/home/"},
		time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Events: %v", err)
	}

	// Each backend sees only its own raw IDs, in one query.
	if len(work.eventQueries) != 1 || work.eventQueries[0][0] != "primary" {
		t.Errorf("work queries = %v", work.eventQueries)
	}
	if len(icloud.eventQueries) != 1 || icloud.eventQueries[0][0] != "/me/calendars/home/" {
		t.Errorf("icloud queries = %v", icloud.eventQueries)
	}

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].CalendarID != "work:primary" {
		t.Errorf("event CalendarID = %q, want re-namespaced ID", events[0].CalendarID)
	}
	// Event IDs stay raw: they are only ever used against their own backend.
	if events[0].ID != "ev1" {
		t.Errorf("event ID = %q, want raw backend ID", events[0].ID)
	}
}

func TestMux_WriteOpsStripNamespace(t *testing.T) {
	mux, work, icloud := twoAccountMux()
	ctx := context.Background()

	err := mux.Create(ctx, reconcile.CreateOp{CalendarID: "work:primary", Title: "Busy"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = mux.Update(ctx, reconcile.UpdateOp{CalendarID: "icloud:/me/calendars/home/", EventID: "x.ics"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	err = mux.Delete(ctx, reconcile.DeleteOp{CalendarID: "work:primary", EventID: "ev9"})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if len(work.created) != 1 || work.created[0].CalendarID != "primary" {
		t.Errorf("work.created = %+v", work.created)
	}
	if len(icloud.updated) != 1 || icloud.updated[0].CalendarID != "/me/calendars/home/" {
		t.Errorf("icloud.updated = %+v", icloud.updated)
	}
	if len(work.deleted) != 1 || work.deleted[0].CalendarID != "primary" {
		t.Errorf("work.deleted = %+v", work.deleted)
	}
	if len(icloud.created) != 0 || len(work.updated) != 0 {
		t.Error("operation routed to the wrong backend")
	}
}

func TestMux_UnknownAccountRejected(t *testing.T) {
	mux, _, _ := twoAccountMux()
	ctx := context.Background()

	if err := mux.Create(ctx, reconcile.CreateOp{CalendarID: "outlook:primary"}); err == nil {
		t.Error("expected error for unknown account")
	}
	if err := mux.Create(ctx, reconcile.CreateOp{CalendarID: "no-namespace"}); err == nil {
		t.Error("expected error for calendar ID without a namespace")
	}
}

func TestMux_ColonInRawIDSurvivesRoundTrip(t *testing.T) {
	// Raw calendar IDs may themselves contain colons (CalDAV hrefs with
	// ports). Only the first colon separates the account.
	store := &fakeStore{
		calendars: []reconcile.CalendarRef{{ID: "https://cal:8443/home/", Writable: true}},
	}
	mux := NewMux()
	mux.Add("dav", store)

	refs, err := mux.ListCalendars(context.Background())
	if err != nil {
		t.Fatalf("ListCalendars: %v", err)
	}
	if refs[0].ID != "dav:https://cal:8443/home/" {
		t.Fatalf("qualified ID = %q", refs[0].ID)
	}

	if err := mux.Delete(context.Background(), reconcile.DeleteOp{CalendarID: refs[0].ID, EventID: "x"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if store.deleted[0].CalendarID != "https://cal:8443/home/" {
		t.Errorf("raw ID after split = %q", store.deleted[0].CalendarID)
	}
}

func TestMux_WatchChangesSubscribesAllBackends(t *testing.T) {
	mux, work, icloud := twoAccountMux()

	if err := mux.WatchChanges(context.Background(), func() {}); err != nil {
		t.Fatalf("WatchChanges: %v", err)
	}
	if !work.watching || !icloud.watching {
		t.Error("not every backend was subscribed")
	}
}
