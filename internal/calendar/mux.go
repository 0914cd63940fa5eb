package calendar

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"busymirror/internal/reconcile"
)

// Mux presents several per-account stores as one. Calendar IDs are
// namespaced as "account:rawID" so one ID is unambiguous system-wide;
// account names are validated at config load to keep the namespace
// clean of marker syntax.
type Mux struct {
	backends map[string]Store
}

func NewMux() *Mux {
	return &Mux{backends: make(map[string]Store)}
}

// Add registers a backend under an account name.
func (m *Mux) Add(accountName string, store Store) {
	m.backends[accountName] = store
}

func qualify(account, rawID string) string {
	return account + ":" + rawID
}

// split resolves a namespaced calendar ID to its backend and raw ID.
func (m *Mux) split(calendarID string) (Store, string, error) {
	account, rawID, ok := strings.Cut(calendarID, ":")
	if !ok {
		return nil, "", fmt.Errorf("calendar ID %q has no account namespace", calendarID)
	}
	backend, ok := m.backends[account]
	if !ok {
		return nil, "", fmt.Errorf("no account %q for calendar %q", account, calendarID)
	}
	return backend, rawID, nil
}

// ListCalendars aggregates every account's calendars, in stable account
// order, with namespaced IDs.
func (m *Mux) ListCalendars(ctx context.Context) ([]reconcile.CalendarRef, error) {
	accounts := make([]string, 0, len(m.backends))
	for name := range m.backends {
		accounts = append(accounts, name)
	}
	sort.Strings(accounts)

	var refs []reconcile.CalendarRef
	for _, account := range accounts {
		list, err := m.backends[account].ListCalendars(ctx)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", account, err)
		}
		for _, ref := range list {
			ref.ID = qualify(account, ref.ID)
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// Events groups the requested calendars per account, queries each
// backend once, and re-namespaces the results.
func (m *Mux) Events(ctx context.Context, calendarIDs []string, min, max time.Time) ([]reconcile.Event, error) {
	type group struct {
		backend Store
		rawIDs  []string
		account string
	}
	groups := make(map[string]*group)
	var order []string

	for _, id := range calendarIDs {
		backend, rawID, err := m.split(id)
		if err != nil {
			return nil, err
		}
		account, _, _ := strings.Cut(id, ":")
		g, ok := groups[account]
		if !ok {
			g = &group{backend: backend, account: account}
			groups[account] = g
			order = append(order, account)
		}
		g.rawIDs = append(g.rawIDs, rawID)
	}

	var out []reconcile.Event
	for _, account := range order {
		g := groups[account]
		events, err := g.backend.Events(ctx, g.rawIDs, min, max)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", account, err)
		}
		for _, ev := range events {
			ev.CalendarID = qualify(g.account, ev.CalendarID)
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *Mux) Create(ctx context.Context, op reconcile.CreateOp) error {
	backend, rawID, err := m.split(op.CalendarID)
	if err != nil {
		return err
	}
	op.CalendarID = rawID
	return backend.Create(ctx, op)
}

func (m *Mux) Update(ctx context.Context, op reconcile.UpdateOp) error {
	backend, rawID, err := m.split(op.CalendarID)
	if err != nil {
		return err
	}
	op.CalendarID = rawID
	return backend.Update(ctx, op)
}

func (m *Mux) Delete(ctx context.Context, op reconcile.DeleteOp) error {
	backend, rawID, err := m.split(op.CalendarID)
	if err != nil {
		return err
	}
	op.CalendarID = rawID
	return backend.Delete(ctx, op)
}

// WatchChanges fans every backend's notifications into one callback.
func (m *Mux) WatchChanges(ctx context.Context, fn func()) error {
	for account, backend := range m.backends {
		if err := backend.WatchChanges(ctx, fn); err != nil {
			return fmt.Errorf("account %s: %w", account, err)
		}
	}
	return nil
}
