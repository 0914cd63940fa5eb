// Package reconcile computes the minimal set of block mutations that
// converge a group of calendars onto a mutually consistent busy view.
//
// Reconcile is a pure function over a per-pass snapshot: it performs no
// I/O, reads no clocks and keeps no state between calls, which is what
// makes the sync loop testable. The driver owns snapshot acquisition
// and plan application.
package reconcile

import (
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"busymirror/internal/marker"
)

// block is an already-existing synthetic event found on some calendar.
type block struct {
	eventID  string
	seriesID string
	start    time.Time
	end      time.Time
	hasRule  bool
}

// sourceEvent is a real event retained as a sync source after
// classification and series deduplication.
type sourceEvent struct {
	seriesID  string
	start     time.Time
	end       time.Time
	allDay    bool
	recurring bool
	rule      string
}

// Reconcile diffs the snapshot against the desired state and returns
// the plan that closes the gap. It never fails: malformed inputs are
// excluded from consideration and tallied in Plan.Anomalies.
//
// now bounds the source set (events already ended are not mirrored);
// it is a parameter so identical inputs yield identical plans.
func Reconcile(now time.Time, enabled []CalendarRef, eventsByCalendar map[string][]Event, settings Settings) Plan {
	var plan Plan

	// Mirroring needs at least two participants.
	if len(enabled) < 2 {
		return plan
	}

	blocksByCalendar := make(map[string]map[string]block)
	sourcesByCalendar := make(map[string][]sourceEvent)

	for _, cal := range enabled {
		blocks := make(map[string]block)
		seen := make(map[string]bool)

		for _, ev := range eventsByCalendar[cal.ID] {
			if marker.IsBlock(ev.Body) {
				key, ok := marker.Decode(ev.Body)
				if !ok {
					// A block we almost certainly own but cannot key.
					// Preserved, never deleted: destroying data we cannot
					// prove is ours is worse than leaving a stray block.
					log.Printf("Warning: block %s on %s has an unreadable marker, leaving it alone", ev.ID, cal.ID)
					plan.Anomalies++
					continue
				}
				if _, dup := blocks[key]; dup {
					// A recurring block comes back as one expanded
					// occurrence per instance. The first one stands for the
					// series, matching the source-side dedup below.
					continue
				}
				handle := ev.ID
				if ev.SeriesID != "" {
					// Mutations to a recurring block go through its series
					// identity so one delete covers every occurrence.
					handle = ev.SeriesID
				}
				blocks[key] = block{
					eventID:  handle,
					seriesID: ev.SeriesID,
					start:    ev.Start,
					end:      ev.End,
					hasRule:  ev.RecurrenceRule != "" || ev.SeriesID != "",
				}
				continue
			}

			if ev.Start.IsZero() || ev.End.IsZero() {
				plan.Anomalies++
				continue
			}
			if ev.End.Before(now) && !ev.AllDay {
				// Already over; nothing to hold busy.
				continue
			}

			sid := seriesID(ev, settings)
			if seen[sid] {
				// One representative per series; its times stand in for
				// the whole series on every target.
				continue
			}
			seen[sid] = true

			sourcesByCalendar[cal.ID] = append(sourcesByCalendar[cal.ID], sourceEvent{
				seriesID:  sid,
				start:     ev.Start,
				end:       ev.End,
				allDay:    ev.AllDay,
				recurring: ev.Recurring,
				rule:      ev.RecurrenceRule,
			})
		}

		blocksByCalendar[cal.ID] = blocks
	}

	// expected collects, per target, every block key some source event
	// still justifies. The orphan sweep below must not run for a target
	// until its expected set is complete.
	expected := make(map[string]map[string]bool)
	for _, cal := range enabled {
		expected[cal.ID] = make(map[string]bool)
	}

	for _, src := range enabled {
		for _, ev := range sourcesByCalendar[src.ID] {
			if ev.allDay && !settings.SyncAllDayEvents {
				continue
			}

			body, err := marker.Encode(src.ID, ev.seriesID, ev.recurring)
			if err != nil {
				log.Printf("Warning: cannot mirror event on %s: %v", src.ID, err)
				plan.Anomalies++
				continue
			}
			key := marker.Key(src.ID, ev.seriesID)

			rule := ""
			span := SpanThisEvent
			if ev.recurring && settings.SyncRecurringAsSeries {
				span = SpanFutureEvents
				if ev.rule != "" {
					if validRule(ev.rule) {
						rule = ev.rule
					} else {
						// Mirror the occurrence, drop the garbage rule.
						log.Printf("Warning: invalid recurrence rule on %s event %s, mirroring without it", src.ID, ev.seriesID)
						plan.Anomalies++
					}
				}
			}

			title := blockTitle(settings.BlockTitleFormat, src)

			for _, target := range enabled {
				if target.ID == src.ID || !target.Writable {
					continue
				}
				expected[target.ID][key] = true

				existing, ok := blocksByCalendar[target.ID][key]
				if !ok {
					plan.Creates = append(plan.Creates, CreateOp{
						CalendarID:     target.ID,
						Title:          title,
						Start:          ev.start,
						End:            ev.end,
						AllDay:         ev.allDay,
						Body:           body,
						RecurrenceRule: rule,
					})
					continue
				}

				if blockDrifted(existing, ev, span) {
					plan.Updates = append(plan.Updates, UpdateOp{
						CalendarID:     target.ID,
						EventID:        existing.eventID,
						Start:          ev.start,
						End:            ev.end,
						AllDay:         ev.allDay,
						RecurrenceRule: rule,
						Span:           span,
					})
				}
			}
		}
	}

	// Orphan sweep: every block nothing justifies anymore gets deleted.
	// Runs only after the expected sets are fully built, so a block
	// planned for creation this pass can never be swept in the same pass.
	for _, cal := range enabled {
		if !cal.Writable {
			continue
		}
		for key, b := range blocksByCalendar[cal.ID] {
			if expected[cal.ID][key] {
				continue
			}
			span := SpanThisEvent
			if b.hasRule {
				span = SpanFutureEvents
			}
			plan.Deletes = append(plan.Deletes, DeleteOp{
				CalendarID: cal.ID,
				EventID:    b.eventID,
				Span:       span,
			})
		}
	}

	return plan
}

// blockDrifted reports whether an existing block needs retiming. One-off
// blocks compare exactly: the store is the source of truth, so even
// sub-second drift must propagate. Series representatives compare by
// time of day and duration instead, because which occurrence represents
// the series shifts as the query window slides, and absolute instants
// would then differ on every pass.
func blockDrifted(existing block, ev sourceEvent, span Span) bool {
	if span == SpanFutureEvents {
		return !sameTimeOfDay(existing.start, ev.start) ||
			existing.end.Sub(existing.start) != ev.end.Sub(ev.start)
	}
	return !existing.start.Equal(ev.start) || !existing.end.Equal(ev.end)
}

// sameTimeOfDay reports whether two instants share a wall-clock time in UTC.
func sameTimeOfDay(a, b time.Time) bool {
	ah, am, as := a.UTC().Clock()
	bh, bm, bs := b.UTC().Clock()
	return ah == bh && am == bm && as == bs && a.Nanosecond() == b.Nanosecond()
}

// seriesID picks the identity a source event syncs under. Recurring
// events collapse onto their stable series identifier when series
// tracking is on; everything else syncs per occurrence. An event with
// no identifier at all gets a throwaway token so it still mirrors this
// pass (and is recreated rather than matched on the next one).
func seriesID(ev Event, settings Settings) string {
	if settings.SyncRecurringAsSeries && ev.Recurring && ev.SeriesID != "" {
		return ev.SeriesID
	}
	if ev.ID != "" {
		return ev.ID
	}
	return uuid.NewString()
}

// validRule reports whether the store-native recurrence rule parses.
// Accepts both "RRULE:FREQ=..." and the bare "FREQ=..." form.
func validRule(rule string) bool {
	s := strings.TrimPrefix(strings.TrimSpace(rule), "RRULE:")
	_, err := rrule.StrToRRule(s)
	return err == nil
}

func blockTitle(format string, src CalendarRef) string {
	name := src.AccountName
	if name == "" {
		name = src.Name
	}
	if format == "" {
		format = "Busy ({source_name})"
	}
	return strings.ReplaceAll(format, "{source_name}", name)
}
