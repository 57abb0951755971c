package ical

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"
)

// ownedProperties are the VEVENT properties the model owns and therefore
// rewrites on every Patch; everything else in a raw form is preserved
// byte-for-byte (spec §4.1).
var ownedProperties = map[string]bool{
	"SUMMARY":       true,
	"LOCATION":      true,
	"DESCRIPTION":   true,
	"DTSTART":       true,
	"DTEND":         true,
	"RRULE":         true,
	"EXDATE":        true,
	"SEQUENCE":      true,
	"LAST-MODIFIED": true,
	"STATUS":        true,
	"RECURRENCE-ID": true,
	"BEGIN":         true, // VALARM blocks are rewritten wholesale
	"END":           true,
}

// EventInput is the subset of model.Event a caller needs to supply to
// build ICS output; kept independent of package model to avoid an import
// cycle (model has no dependency on ical).
type EventInput struct {
	UID            string
	Summary        string
	Location       string
	Description    string
	Start          time.Time
	End             time.Time
	AllDay         bool
	TimeZone       string
	Status         string
	Transparency   string
	Classification string
	Organizer      string
	Attendees      []string
	RRule          string
	RDate          string
	EXDate         string
	Sequence       int
	DTStamp        time.Time
	Reminders      []string // negative ISO-8601 durations relative to start

	RecurrenceID *time.Time // set only when serializing an override
}

func formatDateTime(t time.Time, allDay bool) string {
	if allDay {
		return t.Format("20060102")
	}
	return t.UTC().Format("20060102T150405Z")
}

// foldLine folds a single logical ICS line at 75 octets, as RFC 5545
// requires, using a single leading space for continuations.
func foldLine(s string) string {
	const limit = 75
	if len(s) <= limit {
		return s
	}
	var b strings.Builder
	for len(s) > 0 {
		n := limit
		if b.Len() > 0 {
			b.WriteString("\r\n ")
			n = limit - 1 // the leading space counts toward the 75 octets
		}
		if n > len(s) {
			n = len(s)
		}
		b.WriteString(s[:n])
		s = s[n:]
	}
	return b.String()
}

func writeLine(b *strings.Builder, name, value string) {
	b.WriteString(foldLine(name + ":" + value))
	b.WriteString("\r\n")
}

// writeAlarms emits one DISPLAY VALARM per reminder, passing each negative
// ISO-8601 duration through unchanged as the TRIGGER value: reminders are
// already stored in the TRIGGER form (spec §6 lists -PT<n>M/-PT<n>H/-P<n>D/-P<n>W).
func writeAlarms(b *strings.Builder, reminders []string) {
	for _, r := range reminders {
		b.WriteString("BEGIN:VALARM\r\n")
		writeLine(b, "ACTION", "DISPLAY")
		writeLine(b, "TRIGGER", r)
		writeLine(b, "DESCRIPTION", "Reminder")
		b.WriteString("END:VALARM\r\n")
	}
}

// GenerateFresh emits a complete VEVENT (without the enclosing VCALENDAR)
// for an event that has no preserved raw form, in the property order and
// escaping rules spec §4.1/§6 describe.
func GenerateFresh(e *EventInput) []byte {
	var b strings.Builder
	b.WriteString("BEGIN:VEVENT\r\n")
	writeLine(&b, "UID", EscapeText(e.UID))
	if e.Summary != "" {
		writeLine(&b, "SUMMARY", EscapeText(e.Summary))
	}
	if e.Location != "" {
		writeLine(&b, "LOCATION", EscapeText(e.Location))
	}
	if e.Description != "" {
		writeLine(&b, "DESCRIPTION", EscapeText(e.Description))
	}

	dtstartName := "DTSTART"
	dtendName := "DTEND"
	if e.AllDay {
		dtstartName += ";VALUE=DATE"
		dtendName += ";VALUE=DATE"
	} else if e.TimeZone != "" {
		dtstartName += ";TZID=" + e.TimeZone
		dtendName += ";TZID=" + e.TimeZone
	}
	writeLine(&b, dtstartName, formatDateTime(e.Start, e.AllDay))
	if !e.End.IsZero() {
		writeLine(&b, dtendName, formatDateTime(e.End, e.AllDay))
	}

	if e.RecurrenceID != nil {
		ridName := "RECURRENCE-ID"
		if e.AllDay {
			ridName += ";VALUE=DATE"
		} else if e.TimeZone != "" {
			ridName += ";TZID=" + e.TimeZone
		}
		writeLine(&b, ridName, formatDateTime(*e.RecurrenceID, e.AllDay))
	}
	if e.RRule != "" {
		writeLine(&b, "RRULE", e.RRule)
	}
	if e.RDate != "" {
		writeLine(&b, "RDATE", e.RDate)
	}
	if e.EXDate != "" {
		writeLine(&b, "EXDATE", e.EXDate)
	}

	writeLine(&b, "SEQUENCE", strconv.Itoa(e.Sequence))
	dtstamp := e.DTStamp
	if dtstamp.IsZero() {
		dtstamp = time.Now()
	}
	writeLine(&b, "DTSTAMP", formatDateTime(dtstamp, false))
	writeLine(&b, "LAST-MODIFIED", formatDateTime(dtstamp, false))

	if e.Status != "" {
		writeLine(&b, "STATUS", e.Status)
	}
	if e.Transparency != "" {
		writeLine(&b, "TRANSP", e.Transparency)
	}
	if e.Classification != "" {
		writeLine(&b, "CLASS", e.Classification)
	}
	if e.Organizer != "" {
		writeLine(&b, "ORGANIZER", e.Organizer)
	}
	for _, a := range e.Attendees {
		writeLine(&b, "ATTENDEE", a)
	}

	writeAlarms(&b, e.Reminders)

	b.WriteString("END:VEVENT\r\n")
	return []byte(b.String())
}

// GenerateFreshCalendar wraps one or more fresh VEVENTs in a complete
// VCALENDAR. The VEVENT bodies are built by our own generator (above); the
// surrounding envelope is assembled and re-folded by go-ical's
// decoder/encoder pair, the same library the CalDAV transport's ecosystem
// already uses for this wire format.
func GenerateFreshCalendar(prodID string, events ...*EventInput) ([]byte, error) {
	var raw bytes.Buffer
	raw.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\n")
	raw.WriteString(foldLine("PRODID:"+EscapeText(prodID)) + "\r\n")
	for _, e := range events {
		raw.Write(GenerateFresh(e))
	}
	raw.WriteString("END:VCALENDAR\r\n")

	decoded, err := goical.NewDecoder(bytes.NewReader(raw.Bytes())).Decode()
	if err != nil {
		return nil, fmt.Errorf("ical: re-decoding generated calendar: %w", err)
	}

	var buf bytes.Buffer
	if err := goical.NewEncoder(&buf).Encode(decoded); err != nil {
		return nil, fmt.Errorf("ical: encoding calendar: %w", err)
	}
	return buf.Bytes(), nil
}

// WrapCalendar envelopes already-serialized VEVENT bodies (typically the
// output of Patch or SerializeWithExceptions) in a VCALENDAR, without
// routing them back through go-ical's decoder/encoder — Patch's entire
// purpose is byte-for-byte preservation of unowned properties, which a
// re-encode pass could reformat away.
func WrapCalendar(prodID string, veventBody []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\n")
	buf.WriteString(foldLine("PRODID:"+EscapeText(prodID)) + "\r\n")
	buf.Write(veventBody)
	buf.WriteString("END:VCALENDAR\r\n")
	return buf.Bytes()
}

// patchLines rewrites a raw VEVENT block in place: every property the
// model owns is replaced (or appended if absent); every other line,
// including unknown X-properties, ATTENDEE, ATTACH, GEO, CATEGORIES and
// server-synthesized X-APPLE-* properties, is preserved byte-for-byte
// (spec §4.1).
func patchLines(raw []byte, e *EventInput) []byte {
	rawLines := unfold(normalizeNewlines(raw))

	var kept []string
	var alarmDepth int
	for _, l := range rawLines {
		trimmed := strings.TrimSpace(l)
		if strings.EqualFold(trimmed, "BEGIN:VALARM") {
			alarmDepth++
			continue
		}
		if strings.EqualFold(trimmed, "END:VALARM") {
			if alarmDepth > 0 {
				alarmDepth--
			}
			continue
		}
		if alarmDepth > 0 {
			continue
		}
		if strings.EqualFold(trimmed, "BEGIN:VEVENT") || strings.EqualFold(trimmed, "END:VEVENT") {
			continue
		}
		tok, ok := tokenizeLine(l)
		if ok && ownedProperties[tok.name] {
			continue
		}
		kept = append(kept, l)
	}

	var b strings.Builder
	b.WriteString("BEGIN:VEVENT\r\n")

	dtstartName := "DTSTART"
	dtendName := "DTEND"
	if e.AllDay {
		dtstartName += ";VALUE=DATE"
		dtendName += ";VALUE=DATE"
	} else if e.TimeZone != "" {
		dtstartName += ";TZID=" + e.TimeZone
		dtendName += ";TZID=" + e.TimeZone
	}
	writeLine(&b, dtstartName, formatDateTime(e.Start, e.AllDay))
	if !e.End.IsZero() {
		writeLine(&b, dtendName, formatDateTime(e.End, e.AllDay))
	}
	if e.RecurrenceID != nil {
		ridName := "RECURRENCE-ID"
		if e.AllDay {
			ridName += ";VALUE=DATE"
		} else if e.TimeZone != "" {
			ridName += ";TZID=" + e.TimeZone
		}
		writeLine(&b, ridName, formatDateTime(*e.RecurrenceID, e.AllDay))
	}
	if e.Summary != "" {
		writeLine(&b, "SUMMARY", EscapeText(e.Summary))
	}
	if e.Location != "" {
		writeLine(&b, "LOCATION", EscapeText(e.Location))
	}
	if e.Description != "" {
		writeLine(&b, "DESCRIPTION", EscapeText(e.Description))
	}
	if e.RRule != "" {
		writeLine(&b, "RRULE", e.RRule)
	}
	if e.EXDate != "" {
		writeLine(&b, "EXDATE", e.EXDate)
	}
	writeLine(&b, "SEQUENCE", strconv.Itoa(e.Sequence))
	dtstamp := e.DTStamp
	if dtstamp.IsZero() {
		dtstamp = time.Now()
	}
	writeLine(&b, "LAST-MODIFIED", formatDateTime(dtstamp, false))
	if e.Status != "" {
		writeLine(&b, "STATUS", e.Status)
	}

	for _, l := range kept {
		b.WriteString(l)
		b.WriteString("\r\n")
	}

	writeAlarms(&b, e.Reminders)

	b.WriteString("END:VEVENT\r\n")
	return []byte(b.String())
}

// Patch produces VEVENT output that preserves every line of raw the model
// does not own, rewriting only the owned properties (spec §4.1 "Patch").
// If raw is empty, it falls back to GenerateFresh.
func Patch(e *EventInput, raw []byte) []byte {
	if len(raw) == 0 {
		return GenerateFresh(e)
	}
	return patchLines(raw, e)
}

// SerializeWithExceptions emits a master VEVENT (patched or fresh),
// followed by each override VEVENT sharing the master's UID, each with its
// own RECURRENCE-ID equal to the *original* occurrence instant (spec
// §4.1): the override's RecurrenceID must never be the rescheduled time.
func SerializeWithExceptions(master *EventInput, masterRaw []byte, overrides []*EventInput, overrideRaws [][]byte) ([]byte, error) {
	if len(overrides) != len(overrideRaws) {
		return nil, fmt.Errorf("ical: overrides and overrideRaws length mismatch")
	}

	var buf bytes.Buffer
	buf.Write(Patch(master, masterRaw))
	for i, ov := range overrides {
		if ov.RecurrenceID == nil {
			return nil, fmt.Errorf("ical: override %d (uid %s) missing RECURRENCE-ID", i, ov.UID)
		}
		buf.Write(Patch(ov, overrideRaws[i]))
	}
	return buf.Bytes(), nil
}
