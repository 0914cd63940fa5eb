package reconcile

import "time"

// CalendarRef identifies one calendar as reported by the store for the
// duration of a single pass.
type CalendarRef struct {
	ID          string
	Name        string
	AccountName string
	Writable    bool
}

// Event is a raw, unclassified calendar entry as returned by the store.
// The reconciler decides whether it is a real source event or one of
// our own blocks by inspecting Body.
type Event struct {
	ID         string
	SeriesID   string // stable across occurrences of a recurring event; empty when unknown
	CalendarID string
	Title      string
	Body       string
	Start      time.Time
	End        time.Time
	AllDay     bool
	Recurring  bool
	// RecurrenceRule is the opaque store-native rule ("RRULE:..." or the
	// bare rule), present only for recurring events.
	RecurrenceRule string
}

// Span selects how much of a recurring series a mutation touches.
type Span int

const (
	SpanThisEvent Span = iota
	SpanFutureEvents
)

// Settings are the per-pass sync options. They are passed in explicitly;
// the reconciler holds no configuration of its own.
type Settings struct {
	SyncAllDayEvents      bool
	SyncRecurringAsSeries bool
	// BlockTitleFormat names created blocks; "{source_name}" is replaced
	// with the source calendar's account name.
	BlockTitleFormat string
}

// CreateOp creates a new block on a target calendar.
type CreateOp struct {
	CalendarID     string
	Title          string
	Start          time.Time
	End            time.Time
	AllDay         bool
	Body           string // marker text
	RecurrenceRule string // empty unless the series rule is mirrored
}

// UpdateOp re-times an existing block. AllDay selects how the backend
// encodes the new times, exactly as on create.
type UpdateOp struct {
	CalendarID     string
	EventID        string
	Start          time.Time
	End            time.Time
	AllDay         bool
	RecurrenceRule string
	Span           Span
}

// DeleteOp removes an orphaned block.
type DeleteOp struct {
	CalendarID string
	EventID    string
	Span       Span
}

// Plan is the reconciler's output. Creates and updates for a target are
// emitted before that target's deletes, so applying the lists in order
// never removes a block that the same pass established as expected.
type Plan struct {
	Creates []CreateOp
	Updates []UpdateOp
	Deletes []DeleteOp

	// Anomalies counts inputs that were excluded rather than acted on:
	// undecodable markers, events with unusable times, identifiers that
	// cannot be encoded, invalid recurrence rules. Diagnostic only.
	Anomalies int
}

// Counts summarizes a plan for preview reporting.
type Counts struct {
	Creates int
	Updates int
	Deletes int
}

func (p Plan) Counts() Counts {
	return Counts{Creates: len(p.Creates), Updates: len(p.Updates), Deletes: len(p.Deletes)}
}

func (p Plan) Empty() bool {
	return len(p.Creates) == 0 && len(p.Updates) == 0 && len(p.Deletes) == 0
}
