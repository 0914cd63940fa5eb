package calendar

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"busymirror/internal/reconcile"
)

// CalDAVClient is a Store backed by a CalDAV server (iCloud, Fastmail,
// Radicale, ...). Authentication is HTTP basic with an app-specific
// password.
type CalDAVClient struct {
	httpClient  *http.Client
	serverURL   string
	username    string
	password    string
	basePath    string
	accountName string
}

// NewCalDAVClient creates a CalDAV store. serverURL is the server root,
// e.g. "https://caldav.icloud.com".
func NewCalDAVClient(serverURL, username, password, accountName string) *CalDAVClient {
	return &CalDAVClient{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		serverURL:   serverURL,
		username:    username,
		password:    password,
		basePath:    fmt.Sprintf("/%s/calendars/", username),
		accountName: accountName,
	}
}

func (c *CalDAVClient) request(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	url := strings.TrimSuffix(c.serverURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	req.SetBasicAuth(c.username, c.password)
	if body != nil && method != "PUT" {
		req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	}
	if method == "PUT" {
		req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	}
	req.Header.Set("Depth", "1")

	return c.httpClient.Do(req)
}

const listCalendarsBody = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:cs="http://calendarserver.org/ns/">
  <d:prop>
    <d:displayname/>
    <d:resourcetype/>
    <d:current-user-privilege-set/>
    <cs:getctag/>
  </d:prop>
</d:propfind>`

// ListCalendars enumerates the collections under the account's calendar
// home via PROPFIND.
func (c *CalDAVClient) ListCalendars(ctx context.Context) ([]reconcile.CalendarRef, error) {
	resp, err := c.request(ctx, "PROPFIND", c.basePath, strings.NewReader(listCalendarsBody))
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to list calendars: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	entries, err := parseCalendarList(body)
	if err != nil {
		return nil, err
	}

	var refs []reconcile.CalendarRef
	for _, e := range entries {
		refs = append(refs, reconcile.CalendarRef{
			ID:          e.href,
			Name:        e.displayName,
			AccountName: c.accountName,
			Writable:    e.writable,
		})
	}
	return refs, nil
}

// Events runs a calendar-query REPORT per calendar and converts the
// returned VEVENTs.
func (c *CalDAVClient) Events(ctx context.Context, calendarIDs []string, min, max time.Time) ([]reconcile.Event, error) {
	var out []reconcile.Event
	for _, calID := range calendarIDs {
		events, err := c.calendarEvents(ctx, calID, min, max)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}
	return out, nil
}

func (c *CalDAVClient) calendarEvents(ctx context.Context, calID string, min, max time.Time) ([]reconcile.Event, error) {
	queryBody := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:time-range start="%s" end="%s"/>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`, min.UTC().Format("20060102T150405Z"), max.UTC().Format("20060102T150405Z"))

	resp, err := c.request(ctx, "REPORT", calID, strings.NewReader(queryBody))
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return nil, fmt.Errorf("failed to query calendar: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	objects, err := parseCalendarData(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CalDAV response: %w", err)
	}

	var events []reconcile.Event
	for _, obj := range objects {
		cal, err := ical.NewDecoder(strings.NewReader(obj.data)).Decode()
		if err != nil {
			log.Printf("Warning: failed to parse iCalendar object at %s: %v", obj.href, err)
			continue
		}
		for _, comp := range cal.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			ev, err := veventToEvent(comp, calID, obj.href)
			if err != nil {
				log.Printf("Warning: skipping event at %s: %v", obj.href, err)
				continue
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

// veventToEvent converts a VEVENT. The event's store identity is the
// object href, which is what PUT and DELETE address.
func veventToEvent(vevent *ical.Component, calID, href string) (reconcile.Event, error) {
	ev := reconcile.Event{ID: href, CalendarID: calID}

	if summary := vevent.Props.Get(ical.PropSummary); summary != nil {
		ev.Title = summary.Value
	}
	if desc := vevent.Props.Get(ical.PropDescription); desc != nil {
		ev.Body = desc.Value
	}

	dtstart := vevent.Props.Get(ical.PropDateTimeStart)
	dtend := vevent.Props.Get(ical.PropDateTimeEnd)
	if dtstart == nil || dtend == nil {
		return reconcile.Event{}, fmt.Errorf("event missing DTSTART or DTEND")
	}

	start, err := dtstart.DateTime(time.UTC)
	if err != nil {
		return reconcile.Event{}, fmt.Errorf("bad DTSTART: %w", err)
	}
	end, err := dtend.DateTime(time.UTC)
	if err != nil {
		return reconcile.Event{}, fmt.Errorf("bad DTEND: %w", err)
	}
	ev.Start, ev.End = start, end
	ev.AllDay = dtstart.Params.Get("VALUE") == "DATE"

	if rr := vevent.Props.Get("RRULE"); rr != nil {
		ev.Recurring = true
		ev.SeriesID = href
		ev.RecurrenceRule = "RRULE:" + rr.Value
	}
	return ev, nil
}

// Create PUTs a new calendar object holding a single VEVENT.
func (c *CalDAVClient) Create(ctx context.Context, op reconcile.CreateOp) error {
	uid := uuid.NewString()
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//busymirror//EN")

	vevent := ical.NewComponent(ical.CompEvent)
	vevent.Props.SetText(ical.PropUID, uid)
	vevent.Props.SetText(ical.PropSummary, op.Title)
	vevent.Props.SetText(ical.PropDescription, op.Body)
	vevent.Props.SetText("TRANSP", "OPAQUE")

	if op.AllDay {
		dtstart := ical.NewProp(ical.PropDateTimeStart)
		dtstart.SetDate(op.Start)
		vevent.Props.Set(dtstart)
		dtend := ical.NewProp(ical.PropDateTimeEnd)
		dtend.SetDate(op.End)
		vevent.Props.Set(dtend)
	} else {
		vevent.Props.SetDateTime(ical.PropDateTimeStart, op.Start)
		vevent.Props.SetDateTime(ical.PropDateTimeEnd, op.End)
	}

	if op.RecurrenceRule != "" {
		vevent.Props.SetText("RRULE", strings.TrimPrefix(op.RecurrenceRule, "RRULE:"))
	}

	now := time.Now()
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, now)
	vevent.Props.SetDateTime(ical.PropCreated, now)

	cal.Children = append(cal.Children, vevent)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode iCalendar: %w", err)
	}

	path := strings.TrimSuffix(op.CalendarID, "/") + "/" + uid + ".ics"
	resp, err := c.request(ctx, "PUT", path, &buf)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to insert event: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Update fetches the existing object, rewrites its times and rule, and
// PUTs it back. CalDAV has no partial update.
func (c *CalDAVClient) Update(ctx context.Context, op reconcile.UpdateOp) error {
	resp, err := c.request(ctx, "GET", op.EventID, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch event: HTTP %d", resp.StatusCode)
	}

	cal, err := ical.NewDecoder(resp.Body).Decode()
	if err != nil {
		return fmt.Errorf("failed to parse iCalendar: %w", err)
	}

	var vevent *ical.Component
	for _, comp := range cal.Children {
		if comp.Name == ical.CompEvent {
			vevent = comp
			break
		}
	}
	if vevent == nil {
		return fmt.Errorf("no VEVENT in object %s", op.EventID)
	}

	if op.AllDay {
		dtstart := ical.NewProp(ical.PropDateTimeStart)
		dtstart.SetDate(op.Start)
		vevent.Props.Set(dtstart)
		dtend := ical.NewProp(ical.PropDateTimeEnd)
		dtend.SetDate(op.End)
		vevent.Props.Set(dtend)
	} else {
		vevent.Props.SetDateTime(ical.PropDateTimeStart, op.Start)
		vevent.Props.SetDateTime(ical.PropDateTimeEnd, op.End)
	}
	if op.RecurrenceRule != "" {
		vevent.Props.SetText("RRULE", strings.TrimPrefix(op.RecurrenceRule, "RRULE:"))
	}
	vevent.Props.SetDateTime(ical.PropLastModified, time.Now())

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode iCalendar: %w", err)
	}

	putResp, err := c.request(ctx, "PUT", op.EventID, &buf)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	defer putResp.Body.Close()

	if putResp.StatusCode != http.StatusCreated && putResp.StatusCode != http.StatusNoContent && putResp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to update event: HTTP %d", putResp.StatusCode)
	}
	return nil
}

// Delete removes a calendar object. One object holds the whole series
// for recurring blocks, so both span values resolve to the same DELETE.
func (c *CalDAVClient) Delete(ctx context.Context, op reconcile.DeleteOp) error {
	resp, err := c.request(ctx, "DELETE", op.EventID, nil)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to delete event: HTTP %d", resp.StatusCode)
	}
	return nil
}

// WatchChanges polls each calendar's getctag and fires fn when any
// changes. The ctag is the standard CalDAV collection change token.
func (c *CalDAVClient) WatchChanges(ctx context.Context, fn func()) error {
	go func() {
		ticker := time.NewTicker(changePollInterval)
		defer ticker.Stop()

		last := map[string]string{}
		first := true
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			current, err := c.collectionTags(ctx)
			if err != nil {
				log.Printf("Warning: change poll failed: %v", err)
				continue
			}
			if !first && !sameTags(last, current) {
				fn()
			}
			last = current
			first = false
		}
	}()
	return nil
}

func (c *CalDAVClient) collectionTags(ctx context.Context) (map[string]string, error) {
	resp, err := c.request(ctx, "PROPFIND", c.basePath, strings.NewReader(listCalendarsBody))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	entries, err := parseCalendarList(body)
	if err != nil {
		return nil, err
	}

	tags := make(map[string]string, len(entries))
	for _, e := range entries {
		tags[e.href] = e.ctag
	}
	return tags, nil
}

func sameTags(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// calendarEntry is one collection from a calendar-home PROPFIND.
type calendarEntry struct {
	href        string
	displayName string
	ctag        string
	writable    bool
}

func parseCalendarList(body []byte) ([]calendarEntry, error) {
	type privilege struct {
		Write *struct{} `xml:"write"`
	}
	type prop struct {
		DisplayName  string `xml:"displayname"`
		CTag         string `xml:"getctag"`
		ResourceType struct {
			Calendar *struct{} `xml:"calendar"`
		} `xml:"resourcetype"`
		Privileges struct {
			Privilege []privilege `xml:"privilege"`
		} `xml:"current-user-privilege-set"`
	}
	type response struct {
		Href string `xml:"href"`
		Prop prop   `xml:"propstat>prop"`
	}
	type multistatus struct {
		Responses []response `xml:"response"`
	}

	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	var entries []calendarEntry
	for _, r := range ms.Responses {
		if r.Prop.ResourceType.Calendar == nil {
			continue
		}
		writable := false
		for _, p := range r.Prop.Privileges.Privilege {
			if p.Write != nil {
				writable = true
			}
		}
		entries = append(entries, calendarEntry{
			href:        r.Href,
			displayName: r.Prop.DisplayName,
			ctag:        r.Prop.CTag,
			writable:    writable,
		})
	}
	return entries, nil
}

// calendarObject is one event object from a calendar-query REPORT.
type calendarObject struct {
	href string
	data string
}

func parseCalendarData(body []byte) ([]calendarObject, error) {
	type prop struct {
		CalendarData string `xml:"calendar-data"`
	}
	type response struct {
		Href string `xml:"href"`
		Prop prop   `xml:"propstat>prop"`
	}
	type multistatus struct {
		Responses []response `xml:"response"`
	}

	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	var objects []calendarObject
	for _, r := range ms.Responses {
		if r.Prop.CalendarData != "" {
			objects = append(objects, calendarObject{href: r.Href, data: r.Prop.CalendarData})
		}
	}
	return objects, nil
}
