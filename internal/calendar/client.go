// Package calendar provides the store layer: a provider-neutral Store
// interface with Google Calendar and CalDAV backends, plus a mux that
// presents several accounts as one store.
package calendar

import (
	"context"
	"time"

	"busymirror/internal/reconcile"
)

// Store is the calendar collaborator the driver talks to. Implementations
// are not assumed safe for concurrent use; the driver serializes access.
type Store interface {
	// ListCalendars returns every calendar the store can see.
	ListCalendars(ctx context.Context) ([]reconcile.CalendarRef, error)

	// Events returns all events on the given calendars within [min, max),
	// with CalendarID set on each returned event.
	Events(ctx context.Context, calendarIDs []string, min, max time.Time) ([]reconcile.Event, error)

	// Create, Update and Delete execute one plan operation each.
	Create(ctx context.Context, op reconcile.CreateOp) error
	Update(ctx context.Context, op reconcile.UpdateOp) error
	Delete(ctx context.Context, op reconcile.DeleteOp) error

	// WatchChanges invokes fn whenever the store observes a change, until
	// ctx is done. Delivery is best-effort and may be poll-based.
	WatchChanges(ctx context.Context, fn func()) error
}
