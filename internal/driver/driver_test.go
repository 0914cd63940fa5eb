package driver

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"busymirror/internal/marker"
	"busymirror/internal/reconcile"
)

// mockStore is an in-memory Store recording every mutation, in the
// style of the calendar client mocks used across the sync tests.
type mockStore struct {
	mu        sync.Mutex
	calendars []reconcile.CalendarRef
	events    map[string][]reconcile.Event

	created []reconcile.CreateOp
	updated []reconcile.UpdateOp
	deleted []reconcile.DeleteOp

	failCreates bool
	eventsCalls int

	// listGate, when non-nil, blocks ListCalendars until closed.
	listGate chan struct{}
}

func newMockStore() *mockStore {
	return &mockStore{events: make(map[string][]reconcile.Event)}
}

func (m *mockStore) ListCalendars(ctx context.Context) ([]reconcile.CalendarRef, error) {
	m.mu.Lock()
	gate := m.listGate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calendars, nil
}

func (m *mockStore) Events(ctx context.Context, calendarIDs []string, min, max time.Time) ([]reconcile.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsCalls++
	var out []reconcile.Event
	for _, id := range calendarIDs {
		out = append(out, m.events[id]...)
	}
	return out, nil
}

func (m *mockStore) Create(ctx context.Context, op reconcile.CreateOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreates {
		return fmt.Errorf("create refused")
	}
	m.created = append(m.created, op)
	return nil
}

func (m *mockStore) Update(ctx context.Context, op reconcile.UpdateOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated = append(m.updated, op)
	return nil
}

func (m *mockStore) Delete(ctx context.Context, op reconcile.DeleteOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, op)
	return nil
}

func (m *mockStore) WatchChanges(ctx context.Context, fn func()) error { return nil }

func (m *mockStore) createdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

func twoCalendarStore() *mockStore {
	store := newMockStore()
	store.calendars = []reconcile.CalendarRef{
		{ID: "cal-a", Name: "Work", AccountName: "work@example.com", Writable: true},
		{ID: "cal-b", Name: "Home", AccountName: "me@example.com", Writable: true},
	}
	store.events["cal-a"] = []reconcile.Event{{
		ID:         "e1",
		CalendarID: "cal-a",
		Title:      "Standup",
		Start:      time.Now().Add(time.Hour),
		End:        time.Now().Add(2 * time.Hour),
	}}
	return store
}

func testConfig() Config {
	return Config{
		EnabledCalendars: []string{"cal-a", "cal-b"},
		Interval:         time.Minute,
		WindowDays:       7,
	}
}

func TestTrySync_AppliesPlan(t *testing.T) {
	store := twoCalendarStore()
	d := New(store, testConfig())

	if ran := d.TrySync(context.Background(), TriggerManual); !ran {
		t.Fatal("TrySync did not run")
	}

	if got := store.createdCount(); got != 1 {
		t.Fatalf("expected 1 create, got %d", got)
	}
	if store.created[0].CalendarID != "cal-b" {
		t.Errorf("create targeted %s, want cal-b", store.created[0].CalendarID)
	}
	if !marker.IsBlock(store.created[0].Body) {
		t.Error("created block body is not a marker")
	}
}

func TestTrySync_CooldownDropsTrigger(t *testing.T) {
	store := twoCalendarStore()
	d := New(store, testConfig())

	if !d.TrySync(context.Background(), TriggerManual) {
		t.Fatal("first TrySync did not run")
	}
	if d.TrySync(context.Background(), TriggerTimer) {
		t.Error("second TrySync ran inside the cooldown")
	}
}

func TestTrySync_SingleFlight(t *testing.T) {
	store := twoCalendarStore()
	store.listGate = make(chan struct{})
	d := New(store, testConfig())

	started := make(chan struct{})
	done := make(chan bool)
	go func() {
		close(started)
		done <- d.TrySync(context.Background(), TriggerManual)
	}()
	<-started
	// Give the first pass time to take the guard and block in the store.
	time.Sleep(20 * time.Millisecond)

	if d.TrySync(context.Background(), TriggerChange) {
		t.Error("concurrent TrySync was not dropped")
	}

	close(store.listGate)
	if !<-done {
		t.Error("first TrySync should have run")
	}
}

func TestTrySync_DisabledDropsTrigger(t *testing.T) {
	store := twoCalendarStore()
	d := New(store, testConfig())
	d.SetEnabled(false)

	if d.TrySync(context.Background(), TriggerManual) {
		t.Error("TrySync ran while disabled")
	}
	if store.createdCount() != 0 {
		t.Error("disabled driver touched the store")
	}
}

func TestTrySync_ApplyIsBestEffort(t *testing.T) {
	store := twoCalendarStore()
	// An orphan block on cal-b alongside the pending create: the create
	// fails, the delete must still happen.
	body, err := marker.Encode("cal-a", "gone", false)
	if err != nil {
		t.Fatal(err)
	}
	store.events["cal-b"] = []reconcile.Event{{
		ID:         "blk-old",
		CalendarID: "cal-b",
		Body:       body,
		Start:      time.Now().Add(time.Hour),
		End:        time.Now().Add(2 * time.Hour),
	}}
	store.failCreates = true

	d := New(store, testConfig())
	if !d.TrySync(context.Background(), TriggerManual) {
		t.Fatal("TrySync did not run")
	}

	if len(store.deleted) != 1 {
		t.Errorf("expected orphan delete despite create failure, got %d deletes", len(store.deleted))
	}
}

func TestTrySync_RecordsCompletionOnEmptyPlan(t *testing.T) {
	store := newMockStore()
	store.calendars = []reconcile.CalendarRef{
		{ID: "cal-a", Writable: true},
	}
	d := New(store, testConfig())

	if !d.TrySync(context.Background(), TriggerManual) {
		t.Fatal("TrySync did not run")
	}
	d.mu.Lock()
	completed := !d.lastCompleted.IsZero()
	d.mu.Unlock()
	if !completed {
		t.Error("completion timestamp not recorded for a no-op pass")
	}
}

func TestSnapshot_StaleEnabledIDsDropped(t *testing.T) {
	store := twoCalendarStore()
	cfg := testConfig()
	cfg.EnabledCalendars = []string{"cal-a", "cal-gone", "cal-b"}
	d := New(store, cfg)

	enabled, _, err := d.snapshot(context.Background(), time.Now(), time.Now().AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(enabled) != 2 {
		t.Errorf("enabled = %d calendars, want 2 (stale ID dropped silently)", len(enabled))
	}
}

func TestSnapshot_SkipsQueryBelowTwoCalendars(t *testing.T) {
	store := twoCalendarStore()
	cfg := testConfig()
	cfg.EnabledCalendars = []string{"cal-a"}
	d := New(store, cfg)

	if _, _, err := d.snapshot(context.Background(), time.Now(), time.Now().AddDate(0, 0, 7)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if store.eventsCalls != 0 {
		t.Errorf("event query issued for a single-calendar pass")
	}
}

func TestPreview_DoesNotApply(t *testing.T) {
	store := twoCalendarStore()
	d := New(store, testConfig())

	counts, err := d.Preview(context.Background())
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if counts.Creates != 1 || counts.Updates != 0 || counts.Deletes != 0 {
		t.Errorf("counts = %+v, want 1 pending create", counts)
	}
	if store.createdCount() != 0 {
		t.Error("Preview applied the plan")
	}
}

func TestNotifyChange_DebounceCoalesces(t *testing.T) {
	origDebounce, origCooldown := debounceWindow, cooldown
	debounceWindow, cooldown = 30*time.Millisecond, 0
	defer func() { debounceWindow, cooldown = origDebounce, origCooldown }()

	store := twoCalendarStore()
	d := New(store, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.debounceLoop(ctx)

	// A burst of notifications inside one window must yield one pass.
	for i := 0; i < 5; i++ {
		d.NotifyChange()
		time.Sleep(2 * time.Millisecond)
	}

	deadline := time.After(2 * time.Second)
	for store.createdCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("debounced sync never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
	// Let any (wrong) extra passes land, then count started events.
	time.Sleep(3 * debounceWindow)

	started := 0
	for {
		select {
		case n := <-d.Notifications():
			if n.Kind == "started" {
				started++
			}
			continue
		default:
		}
		break
	}
	if started != 1 {
		t.Errorf("burst of notifications produced %d passes, want 1", started)
	}
}

func TestPurgeAll(t *testing.T) {
	store := twoCalendarStore()

	blockBody, err := marker.Encode("cal-a", "e1", false)
	if err != nil {
		t.Fatal(err)
	}
	seriesBody, err := marker.Encode("cal-a", "series-1", true)
	if err != nil {
		t.Fatal(err)
	}

	// Real event, a plain block, two occurrences of one recurring block,
	// and a block with a mangled marker.
	store.events["cal-b"] = []reconcile.Event{
		{ID: "real-1", CalendarID: "cal-b", Title: "Dentist",
			Start: time.Now(), End: time.Now().Add(time.Hour)},
		{ID: "blk-1", CalendarID: "cal-b", Body: blockBody,
			Start: time.Now(), End: time.Now().Add(time.Hour)},
		{ID: "blk-s1-occ1", SeriesID: "blk-s1", CalendarID: "cal-b", Body: seriesBody, Recurring: true,
			Start: time.Now(), End: time.Now().Add(time.Hour)},
		{ID: "blk-s1-occ2", SeriesID: "blk-s1", CalendarID: "cal-b", Body: seriesBody, Recurring: true,
			Start: time.Now().AddDate(0, 0, 7), End: time.Now().AddDate(0, 0, 7).Add(time.Hour)},
		{ID: "blk-bad", CalendarID: "cal-b", Body: marker.Prefix + " mangled",
			Start: time.Now(), End: time.Now().Add(time.Hour)},
	}

	d := New(store, testConfig())
	deleted, err := d.PurgeAll(context.Background())
	if err != nil {
		t.Fatalf("PurgeAll: %v", err)
	}

	// blk-1, the series (once), and the mangled block.
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}
	for _, op := range store.deleted {
		if op.EventID == "real-1" {
			t.Error("purge deleted a real event")
		}
	}

	seriesDeletes := 0
	for _, op := range store.deleted {
		if op.EventID == "blk-s1" {
			seriesDeletes++
			if op.Span != reconcile.SpanFutureEvents {
				t.Error("series delete did not use the future-occurrences span")
			}
		}
	}
	if seriesDeletes != 1 {
		t.Errorf("series deleted %d times, want once", seriesDeletes)
	}
}
