package driver

import (
	"context"
	"fmt"
	"log"
	"time"

	"busymirror/internal/marker"
	"busymirror/internal/reconcile"
)

// purgeWindow is how far back and forward PurgeAll looks for blocks.
const purgeWindow = 365 * 24 * time.Hour

// PurgeAll deletes every block this tool ever created, across all
// calendars regardless of the enabled set. Deletions are deduplicated
// by (calendar, block identity) so a recurring series enumerated as
// several occurrences is deleted once. Returns the number of deletions
// issued; individual failures are logged and do not stop the sweep.
func (d *Driver) PurgeAll(ctx context.Context) (int, error) {
	calendars, err := d.store.ListCalendars(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list calendars: %w", err)
	}

	var ids []string
	for _, ref := range calendars {
		if ref.Writable {
			ids = append(ids, ref.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	now := time.Now()
	events, err := d.store.Events(ctx, ids, now.Add(-purgeWindow), now.Add(purgeWindow))
	if err != nil {
		return 0, fmt.Errorf("failed to query events: %w", err)
	}

	seen := make(map[string]bool)
	deleted := 0
	for _, ev := range events {
		if !marker.IsBlock(ev.Body) {
			continue
		}

		// Dedup by decoded block key when the marker is readable, and by
		// series/event identity otherwise. Purge removes even blocks
		// whose marker no longer parses.
		identity, ok := marker.Decode(ev.Body)
		if !ok {
			identity = ev.ID
			if ev.SeriesID != "" {
				identity = ev.SeriesID
			}
		}
		dedupKey := ev.CalendarID + "\x00" + identity
		if seen[dedupKey] {
			continue
		}
		seen[dedupKey] = true

		op := reconcile.DeleteOp{CalendarID: ev.CalendarID, EventID: ev.ID, Span: reconcile.SpanThisEvent}
		if ev.SeriesID != "" {
			op.EventID = ev.SeriesID
			op.Span = reconcile.SpanFutureEvents
		}
		if err := d.store.Delete(ctx, op); err != nil {
			log.Printf("Warning: purge failed to delete %s on %s: %v", op.EventID, op.CalendarID, err)
			continue
		}
		deleted++
	}
	return deleted, nil
}
