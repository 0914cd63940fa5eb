package calendar

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"busymirror/internal/reconcile"
)

// changePollInterval is how often WatchChanges checks the updated-events
// feed. Google push channels require a public webhook endpoint, so
// change detection here is poll-based.
const changePollInterval = 30 * time.Second

// GoogleClient is a Store backed by the Google Calendar API for a single
// account.
type GoogleClient struct {
	service     *gcal.Service
	accountName string
}

// NewGoogleClient creates a Google Calendar store using the provided
// authenticated HTTP client.
func NewGoogleClient(ctx context.Context, httpClient *http.Client, accountName string) (*GoogleClient, error) {
	service, err := gcal.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &GoogleClient{service: service, accountName: accountName}, nil
}

// ListCalendars returns the account's calendar list. Writability follows
// the calendar's access role.
func (c *GoogleClient) ListCalendars(ctx context.Context) ([]reconcile.CalendarRef, error) {
	list, err := c.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	var refs []reconcile.CalendarRef
	for _, item := range list.Items {
		refs = append(refs, reconcile.CalendarRef{
			ID:          item.Id,
			Name:        item.Summary,
			AccountName: c.accountName,
			Writable:    item.AccessRole == "owner" || item.AccessRole == "writer",
		})
	}
	return refs, nil
}

// Events queries each calendar with recurring events expanded to
// instances. The parent event of each series is fetched once per series
// to recover its recurrence rule, since expanded instances do not carry
// one.
func (c *GoogleClient) Events(ctx context.Context, calendarIDs []string, min, max time.Time) ([]reconcile.Event, error) {
	var out []reconcile.Event
	ruleCache := make(map[string]string)

	for _, calID := range calendarIDs {
		// Paginate to the end: a truncated listing would make the orphan
		// sweep delete blocks whose source events are merely on a later
		// page.
		pageToken := ""
		for {
			call := c.service.Events.List(calID).
				TimeMin(min.Format(time.RFC3339)).
				TimeMax(max.Format(time.RFC3339)).
				SingleEvents(true).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			list, err := call.Do()
			if err != nil {
				return nil, fmt.Errorf("failed to list events on %s: %w", calID, err)
			}

			for _, item := range list.Items {
				if item.Status == "cancelled" {
					continue
				}
				ev, ok := c.toEvent(ctx, calID, item, ruleCache)
				if !ok {
					continue
				}
				out = append(out, ev)
			}

			pageToken = list.NextPageToken
			if pageToken == "" {
				break
			}
		}
	}
	return out, nil
}

func (c *GoogleClient) toEvent(ctx context.Context, calID string, item *gcal.Event, ruleCache map[string]string) (reconcile.Event, bool) {
	ev := reconcile.Event{
		ID:         item.Id,
		CalendarID: calID,
		Title:      item.Summary,
		Body:       item.Description,
	}

	start, end, allDay, err := parseEventTimes(item)
	if err != nil {
		log.Printf("Warning: skipping event %s on %s: %v", item.Id, calID, err)
		return reconcile.Event{}, false
	}
	ev.Start, ev.End, ev.AllDay = start, end, allDay

	switch {
	case item.RecurringEventId != "":
		ev.Recurring = true
		ev.SeriesID = item.RecurringEventId
		ev.RecurrenceRule = c.seriesRule(ctx, calID, item.RecurringEventId, ruleCache)
	case len(item.Recurrence) > 0:
		ev.Recurring = true
		ev.SeriesID = item.Id
		ev.RecurrenceRule = firstRRule(item.Recurrence)
	}
	return ev, true
}

// seriesRule fetches the recurrence rule from a series' parent event,
// caching per call so one series costs one extra API round trip.
func (c *GoogleClient) seriesRule(ctx context.Context, calID, seriesID string, cache map[string]string) string {
	if rule, ok := cache[seriesID]; ok {
		return rule
	}
	parent, err := c.service.Events.Get(calID, seriesID).Context(ctx).Do()
	rule := ""
	if err != nil {
		log.Printf("Warning: failed to fetch series parent %s: %v", seriesID, err)
	} else {
		rule = firstRRule(parent.Recurrence)
	}
	cache[seriesID] = rule
	return rule
}

func firstRRule(recurrence []string) string {
	for _, line := range recurrence {
		if strings.HasPrefix(line, "RRULE:") {
			return line
		}
	}
	return ""
}

func parseEventTimes(item *gcal.Event) (start, end time.Time, allDay bool, err error) {
	if item.Start == nil || item.End == nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("event has no start or end")
	}

	if item.Start.Date != "" {
		start, err = time.Parse("2006-01-02", item.Start.Date)
		if err != nil {
			return time.Time{}, time.Time{}, false, fmt.Errorf("bad all-day start: %w", err)
		}
		end, err = time.Parse("2006-01-02", item.End.Date)
		if err != nil {
			return time.Time{}, time.Time{}, false, fmt.Errorf("bad all-day end: %w", err)
		}
		return start, end, true, nil
	}

	start, err = time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("bad start time: %w", err)
	}
	end, err = time.Parse(time.RFC3339, item.End.DateTime)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("bad end time: %w", err)
	}
	return start, end, false, nil
}

// Create inserts a block with notifications disabled.
func (c *GoogleClient) Create(ctx context.Context, op reconcile.CreateOp) error {
	event := &gcal.Event{
		Summary:      op.Title,
		Description:  op.Body,
		Transparency: "opaque",
		Reminders:    &gcal.EventReminders{UseDefault: false, ForceSendFields: []string{"UseDefault"}},
	}
	if op.AllDay {
		event.Start = &gcal.EventDateTime{Date: op.Start.Format("2006-01-02")}
		event.End = &gcal.EventDateTime{Date: op.End.Format("2006-01-02")}
	} else {
		event.Start = &gcal.EventDateTime{DateTime: op.Start.Format(time.RFC3339)}
		event.End = &gcal.EventDateTime{DateTime: op.End.Format(time.RFC3339)}
	}
	if op.RecurrenceRule != "" {
		event.Recurrence = []string{ensureRRulePrefix(op.RecurrenceRule)}
	}

	_, err := c.service.Events.Insert(op.CalendarID, event).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Update re-times a block. Blocks created by this tool are single store
// events even when recurring (the series lives in the Recurrence rule),
// so a patch to the event covers both span values.
func (c *GoogleClient) Update(ctx context.Context, op reconcile.UpdateOp) error {
	patch := &gcal.Event{}
	if op.AllDay {
		patch.Start = &gcal.EventDateTime{Date: op.Start.Format("2006-01-02")}
		patch.End = &gcal.EventDateTime{Date: op.End.Format("2006-01-02")}
	} else {
		patch.Start = &gcal.EventDateTime{DateTime: op.Start.Format(time.RFC3339)}
		patch.End = &gcal.EventDateTime{DateTime: op.End.Format(time.RFC3339)}
	}
	if op.RecurrenceRule != "" {
		patch.Recurrence = []string{ensureRRulePrefix(op.RecurrenceRule)}
	}

	_, err := c.service.Events.Patch(op.CalendarID, op.EventID, patch).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	return nil
}

// Delete removes a block; for recurring blocks the EventID is the series
// event, so one delete removes every occurrence.
func (c *GoogleClient) Delete(ctx context.Context, op reconcile.DeleteOp) error {
	err := c.service.Events.Delete(op.CalendarID, op.EventID).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

// WatchChanges polls the account's calendars for events updated since
// the previous poll and invokes fn when any are found.
func (c *GoogleClient) WatchChanges(ctx context.Context, fn func()) error {
	go func() {
		ticker := time.NewTicker(changePollInterval)
		defer ticker.Stop()

		lastCheck := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			checkedAt := time.Now()
			if c.changedSince(ctx, lastCheck) {
				fn()
			}
			lastCheck = checkedAt
		}
	}()
	return nil
}

func (c *GoogleClient) changedSince(ctx context.Context, since time.Time) bool {
	list, err := c.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		log.Printf("Warning: change poll failed to list calendars: %v", err)
		return false
	}

	for _, item := range list.Items {
		events, err := c.service.Events.List(item.Id).
			UpdatedMin(since.Format(time.RFC3339)).
			ShowDeleted(true).
			MaxResults(1).
			Context(ctx).
			Do()
		if err != nil {
			log.Printf("Warning: change poll failed on %s: %v", item.Id, err)
			continue
		}
		if len(events.Items) > 0 {
			return true
		}
	}
	return false
}

func ensureRRulePrefix(rule string) string {
	if strings.HasPrefix(rule, "RRULE:") {
		return rule
	}
	return "RRULE:" + rule
}
