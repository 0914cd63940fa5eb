// Package driver wraps the pure reconciler with everything stateful:
// timers, debouncing, the single-flight and cooldown guards, plan
// application, preview and purge.
package driver

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"busymirror/internal/calendar"
	"busymirror/internal/reconcile"
)

// cooldown is the minimum gap between the end of one pass and the start
// of the next. Fixed, not user-configurable. debounceWindow coalesces
// bursts of change notifications into one trailing sync. Both are vars
// only so tests can shorten them.
var (
	cooldown       = 10 * time.Second
	debounceWindow = 5 * time.Second
)

// Trigger names what caused a pass attempt, for logging.
type Trigger string

const (
	TriggerTimer  Trigger = "timer"
	TriggerManual Trigger = "manual"
	TriggerChange Trigger = "change"
)

// Config is everything the driver needs per pass. The reconciler's
// settings are carried here as an explicit value, never read from
// globals.
type Config struct {
	EnabledCalendars []string
	Interval         time.Duration
	WindowDays       int
	Settings         reconcile.Settings
	Verbose          bool
}

// Notification is one observer event on the driver's channel.
type Notification struct {
	Kind    string // "started" | "completed" | "failed"
	Trigger Trigger
	Counts  reconcile.Counts
	Errors  int
	Err     error
}

// Driver runs passes against a Store. At most one pass is in flight at
// any time; triggers arriving while busy or inside the cooldown are
// dropped, not queued; the periodic timer retries naturally.
type Driver struct {
	store calendar.Store
	cfg   Config

	mu            sync.Mutex
	syncing       bool
	enabled       bool
	lastCompleted time.Time

	changeCh chan struct{}
	notifyCh chan Notification
}

func New(store calendar.Store, cfg Config) *Driver {
	return &Driver{
		store:    store,
		cfg:      cfg,
		enabled:  true,
		changeCh: make(chan struct{}, 1),
		notifyCh: make(chan Notification, 16),
	}
}

// Notifications exposes pass lifecycle events to observers (status UIs,
// tests). Publishing never blocks; slow observers lose events.
func (d *Driver) Notifications() <-chan Notification {
	return d.notifyCh
}

func (d *Driver) publish(n Notification) {
	select {
	case d.notifyCh <- n:
	default:
	}
}

// SetEnabled toggles the global sync switch checked by the trigger guard.
func (d *Driver) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

// NotifyChange records an external change notification. A notification
// arriving while one is already pending is coalesced into it.
func (d *Driver) NotifyChange() {
	select {
	case d.changeCh <- struct{}{}:
	default:
	}
}

// Run starts the periodic timer and the debounced change listener, then
// blocks until ctx is done. An immediate pass is attempted on startup.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.store.WatchChanges(ctx, d.NotifyChange); err != nil {
		return fmt.Errorf("failed to subscribe to changes: %w", err)
	}

	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", d.cfg.Interval), func() {
		d.TrySync(ctx, TriggerTimer)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule periodic sync: %w", err)
	}
	c.Start()
	defer c.Stop()

	go d.debounceLoop(ctx)

	d.TrySync(ctx, TriggerManual)

	<-ctx.Done()
	return ctx.Err()
}

// debounceLoop turns bursts of change notifications into a single
// trailing sync attempt: the window restarts on every notification and
// the pass fires only once it stays quiet.
func (d *Driver) debounceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.changeCh:
		}

		timer := time.NewTimer(debounceWindow)
		for waiting := true; waiting; {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-d.changeCh:
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(debounceWindow)
			case <-timer.C:
				waiting = false
			}
		}

		d.TrySync(ctx, TriggerChange)
	}
}

// TrySync runs one pass if the guards allow it. Returns whether a pass
// ran. Runs synchronously on the caller's goroutine.
func (d *Driver) TrySync(ctx context.Context, trigger Trigger) bool {
	d.mu.Lock()
	if !d.enabled || d.syncing {
		d.mu.Unlock()
		d.debugf("dropping %s trigger: sync busy or disabled", trigger)
		return false
	}
	if !d.lastCompleted.IsZero() && time.Since(d.lastCompleted) < cooldown {
		d.mu.Unlock()
		d.debugf("dropping %s trigger: cooldown active", trigger)
		return false
	}
	d.syncing = true
	d.mu.Unlock()

	d.publish(Notification{Kind: "started", Trigger: trigger})
	d.runPass(ctx, trigger)

	d.mu.Lock()
	d.syncing = false
	// Completion time is recorded whether or not the plan was empty,
	// and even when the snapshot failed: the cooldown meters passes,
	// not successes.
	d.lastCompleted = time.Now()
	d.mu.Unlock()
	return true
}

// runPass executes snapshot → reconcile → apply under a per-pass
// deadline.
func (d *Driver) runPass(ctx context.Context, trigger Trigger) {
	deadline := d.cfg.Interval
	if deadline <= 0 {
		deadline = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	now := time.Now()
	enabled, events, err := d.snapshot(ctx, now, now.AddDate(0, 0, d.windowDays()))
	if err != nil {
		log.Printf("Sync pass failed to snapshot: %v", err)
		d.publish(Notification{Kind: "failed", Trigger: trigger, Err: err})
		return
	}

	plan := reconcile.Reconcile(now, enabled, events, d.cfg.Settings)
	if plan.Anomalies > 0 {
		log.Printf("Reconcile pass excluded %d anomalous items", plan.Anomalies)
	}
	if plan.Empty() {
		d.debugf("pass (%s): nothing to do", trigger)
		d.publish(Notification{Kind: "completed", Trigger: trigger})
		return
	}

	errors := d.apply(ctx, plan)
	log.Printf("Sync pass (%s): %d created, %d updated, %d deleted, %d failed",
		trigger, len(plan.Creates), len(plan.Updates), len(plan.Deletes), errors)
	d.publish(Notification{Kind: "completed", Trigger: trigger, Counts: plan.Counts(), Errors: errors})
}

// snapshot lists calendars, narrows the enabled set to those that still
// exist (stale configured IDs are silently dropped), and fetches every
// event in the window.
func (d *Driver) snapshot(ctx context.Context, min, max time.Time) ([]reconcile.CalendarRef, map[string][]reconcile.Event, error) {
	calendars, err := d.store.ListCalendars(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	byID := make(map[string]reconcile.CalendarRef, len(calendars))
	for _, ref := range calendars {
		byID[ref.ID] = ref
	}

	var enabled []reconcile.CalendarRef
	var ids []string
	for _, want := range d.cfg.EnabledCalendars {
		ref, ok := byID[want]
		if !ok {
			d.debugf("enabled calendar %s no longer exists, skipping", want)
			continue
		}
		enabled = append(enabled, ref)
		ids = append(ids, ref.ID)
	}

	if len(enabled) < 2 {
		// Not an error: the reconciler treats this as a no-op too, but
		// skipping the event query saves the round trips.
		return enabled, nil, nil
	}

	all, err := d.store.Events(ctx, ids, min, max)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query events: %w", err)
	}

	events := make(map[string][]reconcile.Event)
	for _, ev := range all {
		events[ev.CalendarID] = append(events[ev.CalendarID], ev)
	}
	return enabled, events, nil
}

// apply executes the plan best-effort: each failed operation is logged
// and skipped, never aborting the rest. A failed create simply does not
// exist next pass and is recomputed then.
func (d *Driver) apply(ctx context.Context, plan reconcile.Plan) (failed int) {
	for _, op := range plan.Creates {
		if err := d.store.Create(ctx, op); err != nil {
			log.Printf("Warning: failed to create block on %s: %v", op.CalendarID, err)
			failed++
		}
	}
	for _, op := range plan.Updates {
		if err := d.store.Update(ctx, op); err != nil {
			log.Printf("Warning: failed to update block %s on %s: %v", op.EventID, op.CalendarID, err)
			failed++
		}
	}
	for _, op := range plan.Deletes {
		if err := d.store.Delete(ctx, op); err != nil {
			log.Printf("Warning: failed to delete block %s on %s: %v", op.EventID, op.CalendarID, err)
			failed++
		}
	}
	return failed
}

// Preview computes the plan a pass would apply right now, without
// applying it. Used to report pending-change counts.
func (d *Driver) Preview(ctx context.Context) (reconcile.Counts, error) {
	now := time.Now()
	enabled, events, err := d.snapshot(ctx, now, now.AddDate(0, 0, d.windowDays()))
	if err != nil {
		return reconcile.Counts{}, err
	}
	plan := reconcile.Reconcile(now, enabled, events, d.cfg.Settings)
	return plan.Counts(), nil
}

func (d *Driver) windowDays() int {
	if d.cfg.WindowDays <= 0 {
		return 30
	}
	return d.cfg.WindowDays
}

func (d *Driver) debugf(format string, args ...any) {
	if d.cfg.Verbose {
		log.Printf("DEBUG: "+format, args...)
	}
}
