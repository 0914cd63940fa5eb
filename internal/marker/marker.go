// Package marker encodes and recognizes the provenance marker embedded
// in the description of every busy block this tool creates.
//
// The marker is the only state the tool keeps inside the calendar store
// itself: an event carrying the marker is a block we own, everything
// else is a real event. Keeping the format in one package means the
// delimiter and field layout have a single point of change.
package marker

import (
	"fmt"
	"strings"
)

const (
	// Prefix is the classification signature. Any event body containing
	// it is treated as a block, never as a source event.
	Prefix = "[busymirror]"
	suffix = "[/busymirror]"

	// delim separates fields between Prefix and suffix. Encode rejects
	// identifiers containing it rather than emitting a marker that
	// cannot be parsed back.
	delim = "|"

	// keySep joins source calendar and series into a block key. Google
	// calendar IDs are email-shaped and CalDAV IDs are URL paths, so a
	// literal "::" does not occur in practice; account names, which are
	// folded into namespaced calendar IDs, are validated separately.
	keySep = "::"
)

// IsBlock reports whether body belongs to a block created by this tool.
// Classification looks only for the prefix so that a truncated or
// hand-mangled marker still keeps the event out of the source set.
func IsBlock(body string) bool {
	return strings.Contains(body, Prefix)
}

// Key derives the block key for a source calendar and series. At most
// one live block per target calendar carries a given key.
func Key(sourceCalendarID, sourceSeriesID string) string {
	return sourceCalendarID + keySep + sourceSeriesID
}

// Encode produces the marker text for a block mirroring the given
// source series. Identifiers that would collide with the marker syntax
// are rejected instead of being silently mis-encoded.
func Encode(sourceCalendarID, sourceSeriesID string, recurring bool) (string, error) {
	for _, id := range []string{sourceCalendarID, sourceSeriesID} {
		if strings.Contains(id, delim) || strings.Contains(id, suffix) {
			return "", fmt.Errorf("identifier %q contains marker syntax", id)
		}
	}

	return fmt.Sprintf("%ssource=%s%sid=%s%srecurring=%t%s",
		Prefix, sourceCalendarID, delim, sourceSeriesID, delim, recurring, suffix), nil
}

// Decode extracts the block key from an event body. It returns ok=false
// for anything it cannot fully parse; it never returns a partial key.
// Fields are matched by name, not position, and unknown fields are
// ignored so newer encoders stay readable by older builds.
func Decode(body string) (key string, ok bool) {
	start := strings.Index(body, Prefix)
	if start < 0 {
		return "", false
	}
	rest := body[start+len(Prefix):]

	end := strings.Index(rest, suffix)
	if end < 0 {
		return "", false
	}

	var source, series string
	var haveSource, haveSeries bool
	for _, field := range strings.Split(rest[:end], delim) {
		switch {
		case strings.HasPrefix(field, "source="):
			source = strings.TrimPrefix(field, "source=")
			haveSource = true
		case strings.HasPrefix(field, "id="):
			series = strings.TrimPrefix(field, "id=")
			haveSeries = true
		}
	}

	if !haveSource || !haveSeries {
		return "", false
	}
	return Key(source, series), true
}
