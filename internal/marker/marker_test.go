package marker

import (
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		cal, series string
		recurring   bool
	}{
		{"work@example.com", "evt-123", false},
		{"personal:abc@group.calendar.google.com", "series_99", true},
		{"icloud:/123456/calendars/home/", "40C3...XYZ", true},
	}

	for _, tc := range cases {
		body, err := Encode(tc.cal, tc.series, tc.recurring)
		if err != nil {
			t.Fatalf("Encode(%q, %q) returned error: %v", tc.cal, tc.series, err)
		}

		key, ok := Decode(body)
		if !ok {
			t.Fatalf("Decode failed for marker %q", body)
		}
		if key != Key(tc.cal, tc.series) {
			t.Errorf("Decode = %q, want %q", key, Key(tc.cal, tc.series))
		}
	}
}

func TestEncodeOutputIsBlock(t *testing.T) {
	// Loop freedom: anything we encode must classify as a block.
	body, err := Encode("cal-a", "evt-1", false)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	if !IsBlock(body) {
		t.Error("Encode output not classified as a block")
	}
	if !IsBlock("some user text\n" + body + "\ntrailing") {
		t.Error("marker embedded in surrounding text not classified as a block")
	}
}

func TestEncodeRejectsDelimiterInIdentifier(t *testing.T) {
	if _, err := Encode("cal|a", "evt-1", false); err == nil {
		t.Error("expected error for calendar ID containing the delimiter")
	}
	if _, err := Encode("cal-a", "evt|1", false); err == nil {
		t.Error("expected error for series ID containing the delimiter")
	}
	if _, err := Encode("cal-a", "x[/busymirror]y", false); err == nil {
		t.Error("expected error for series ID containing the suffix")
	}
}

func TestDecodeFieldOrderIndependent(t *testing.T) {
	// Parsers must match fields by name, not position.
	body := Prefix + "recurring=true|id=evt-5|source=cal-b" + "[/busymirror]"
	key, ok := Decode(body)
	if !ok {
		t.Fatal("Decode failed for reordered fields")
	}
	if key != Key("cal-b", "evt-5") {
		t.Errorf("Decode = %q, want %q", key, Key("cal-b", "evt-5"))
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	body := Prefix + "source=cal-a|id=evt-1|recurring=false|color=red" + "[/busymirror]"
	key, ok := Decode(body)
	if !ok {
		t.Fatal("Decode failed when unknown field present")
	}
	if key != Key("cal-a", "evt-1") {
		t.Errorf("Decode = %q, want %q", key, Key("cal-a", "evt-1"))
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"no marker at all":  "lunch with Sam",
		"prefix, no suffix": Prefix + "source=cal-a|id=evt-1",
		"missing source":    Prefix + "id=evt-1|recurring=false[/busymirror]",
		"missing id":        Prefix + "source=cal-a|recurring=false[/busymirror]",
		"empty fields":      Prefix + "[/busymirror]",
	}

	for name, body := range cases {
		if key, ok := Decode(body); ok {
			t.Errorf("%s: Decode unexpectedly succeeded with key %q", name, key)
		}
	}
}

func TestIsBlockPrefixOnly(t *testing.T) {
	// Classification checks only the prefix: a mangled marker must still
	// keep the event out of the source set.
	if !IsBlock(Prefix + "garbage with no suffix") {
		t.Error("body containing prefix without suffix should classify as block")
	}
	if IsBlock("ordinary meeting notes") {
		t.Error("plain text should not classify as block")
	}
}

func TestKeyShape(t *testing.T) {
	key := Key("cal-a", "evt-1")
	if !strings.Contains(key, "cal-a") || !strings.Contains(key, "evt-1") {
		t.Errorf("Key missing components: %q", key)
	}
	if Key("cal-a", "evt-1") == Key("cal-b", "evt-1") {
		t.Error("keys for different calendars must differ")
	}
}
