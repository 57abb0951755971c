// Package ical implements the sync engine's own RFC 5545 lexer, parser,
// serializer and raw-form patcher (spec §4.1). Parsing is hand-rolled
// here rather than delegated wholesale to a generic library because the
// engine's contract is specifically about byte-level fidelity: unknown
// server properties must round-trip untouched through Patch, and masters
// must absorb implicit EXDATEs from cancelled overrides during ingestion.
// Fresh generation (no prior raw form to preserve) reuses
// github.com/emersion/go-ical's encoder, the same library the CalDAV
// transport layer's ecosystem already favors for this wire format.
package ical

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ParsedEvent is the typed projection of a single VEVENT, independent of
// any host Store schema.
type ParsedEvent struct {
	UID string

	Summary     string
	Location    string
	Description string

	Start    time.Time
	End      time.Time
	AllDay   bool
	TimeZone string

	Status         string
	Transparency   string
	Classification string
	Organizer      string
	Attendees      []string

	RRule  string
	RDate  string
	EXDate string

	// RecurrenceID is non-nil when this VEVENT is an override of one
	// instance of a master series.
	RecurrenceID *time.Time

	Sequence  int
	DTStamp   time.Time
	Reminders []string

	// Raw holds the exact source bytes of this VEVENT's BEGIN..END block,
	// CRLF-joined, as they appeared in the input (after BOM-strip and
	// line-unfolding only — never reformatted). Used by Patch.
	Raw []byte

	// Params carries parameter values the model doesn't own (e.g.
	// TZID on DTSTART), keyed by property name, preserved verbatim for
	// round-tripping decisions made above this package.
	Params map[string]map[string]string
}

// ParsedCalendar is the output of Parse: every non-cancelled VEVENT found,
// plus calendar-level metadata.
type ParsedCalendar struct {
	ProdID   string
	CalName  string
	Events   []*ParsedEvent
}

// line is one unfolded, unescaped-name logical content line.
type line struct {
	name   string
	params map[string]string
	value  string
	raw    string // the unfolded (but not unescaped) line, for Raw capture
}

// stripBOM removes a leading UTF-8 BOM, tolerating more than one in a row
// (spec §4.1 "tolerant of: duplicate BOM").
func stripBOM(data []byte) []byte {
	bom := []byte{0xEF, 0xBB, 0xBF}
	for bytes.HasPrefix(data, bom) {
		data = data[len(bom):]
	}
	return data
}

// normalizeNewlines converts CRLF and bare CR into LF.
func normalizeNewlines(data []byte) []byte {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	data = bytes.ReplaceAll(data, []byte("\r"), []byte("\n"))
	return data
}

// unfold joins RFC 5545 continuation lines: any line beginning with a
// single SPACE or TAB is appended to the previous line with that leading
// character removed.
func unfold(data []byte) []string {
	rawLines := strings.Split(string(data), "\n")
	var out []string
	for _, l := range rawLines {
		if len(l) == 0 {
			out = append(out, l)
			continue
		}
		if (l[0] == ' ' || l[0] == '\t') && len(out) > 0 {
			out[len(out)-1] += l[1:]
			continue
		}
		out = append(out, l)
	}
	return out
}

// tokenizeLine splits "NAME[;PARAM=VALUE]*:VALUE" into its parts. Control
// characters are stripped from the value (spec §4.1).
func tokenizeLine(raw string) (line, bool) {
	colon := indexUnquoted(raw, ':')
	if colon < 0 {
		return line{}, false
	}
	head := raw[:colon]
	value := stripControl(raw[colon+1:])

	parts := strings.Split(head, ";")
	name := strings.ToUpper(strings.TrimSpace(parts[0]))
	if name == "" {
		return line{}, false
	}

	params := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		eq := strings.IndexByte(p, '=')
		if eq < 0 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(p[:eq]))
		val := strings.Trim(p[eq+1:], `"`)
		params[key] = val
	}

	return line{name: name, params: params, value: value, raw: raw}, true
}

// indexUnquoted finds the first occurrence of ch outside a double-quoted
// parameter value, since a TZID or similar parameter may itself contain a
// colon.
func indexUnquoted(s string, ch byte) int {
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case ch:
			if !inQuotes {
				return i
			}
		}
	}
	return -1
}

func stripControl(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\t' || r >= 0x20 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// UnescapeText decodes the RFC 5545 TEXT escapes: \\, \;, \,, \n and \N.
func UnescapeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			case ';':
				b.WriteByte(';')
				i++
				continue
			case ',':
				b.WriteByte(',')
				i++
				continue
			case 'n', 'N':
				b.WriteByte('\n')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// EscapeText encodes a value for use inside a TEXT property.
func EscapeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case ';':
			b.WriteString(`\;`)
		case ',':
			b.WriteString(`\,`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsValidICS implements the validity probe from spec §4.1: used to reject
// HTML/JSON bodies returned by misrouted gateways.
func IsValidICS(data []byte) bool {
	s := string(stripBOM(data))
	vcalIdx := strings.Index(s, "BEGIN:VCALENDAR")
	if vcalIdx < 0 {
		return false
	}
	endIdx := strings.Index(s, "END:VCALENDAR")
	rest := s[vcalIdx:]
	if endIdx >= 0 && endIdx > vcalIdx {
		rest = s[vcalIdx:endIdx]
	}
	for _, comp := range []string{"BEGIN:VEVENT", "BEGIN:VTODO", "BEGIN:VJOURNAL"} {
		if strings.Contains(rest, comp) {
			return true
		}
	}
	return false
}

// ExtractCalendarName implements spec §4.1's calendar-name extraction:
// prefer X-WR-CALNAME, fall back to PRODID.
func ExtractCalendarName(data []byte) (string, bool) {
	for _, l := range unfold(normalizeNewlines(stripBOM(data))) {
		tok, ok := tokenizeLine(l)
		if !ok {
			continue
		}
		if tok.name == "X-WR-CALNAME" {
			return UnescapeText(tok.value), true
		}
	}
	for _, l := range unfold(normalizeNewlines(stripBOM(data))) {
		tok, ok := tokenizeLine(l)
		if !ok {
			continue
		}
		if tok.name == "PRODID" {
			return UnescapeText(tok.value), true
		}
	}
	return "", false
}

// dateTimeLayouts covers the DATE and DATE-TIME value forms RFC 5545
// defines, both floating and UTC.
var dateTimeLayouts = []string{
	"20060102T150405Z",
	"20060102T150405",
	"20060102",
}

func parseDateTime(value string, params map[string]string) (t time.Time, allDay bool, tzName string) {
	loc := time.UTC
	tzName = params["TZID"]
	if tzName != "" {
		if l, err := time.LoadLocation(tzName); err == nil {
			loc = l
		}
	}
	if params["VALUE"] == "DATE" || (len(value) == 8 && !strings.Contains(value, "T")) {
		if parsed, err := time.ParseInLocation("20060102", value, loc); err == nil {
			return parsed, true, tzName
		}
		return time.Time{}, true, tzName
	}
	layout := "20060102T150405"
	v := value
	if strings.HasSuffix(value, "Z") {
		layout = "20060102T150405Z"
		loc = time.UTC
	}
	parsed, err := time.ParseInLocation(layout, v, loc)
	if err != nil {
		return time.Time{}, false, tzName
	}
	return parsed, false, tzName
}

// parseDuration decodes an ISO-8601 duration supporting W, D, H, M, S, used
// to compute DTEND when only DURATION is present (spec §4.1).
func parseDuration(s string) (time.Duration, error) {
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	s = strings.TrimPrefix(s, "+")
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("ical: invalid duration %q", s)
	}
	s = s[1:]

	var total time.Duration
	datePart, timePart, hasTime := strings.Cut(s, "T")
	if !hasTime {
		datePart = s
		timePart = ""
	}

	num := func(src string, unit byte) (string, time.Duration, bool) {
		idx := strings.IndexByte(src, unit)
		if idx < 0 {
			return src, 0, false
		}
		n, err := strconv.Atoi(src[:idx])
		if err != nil {
			return src, 0, false
		}
		return src[idx+1:], time.Duration(n), true
	}

	rest := datePart
	var weeks, days time.Duration
	var ok bool
	rest, weeks, ok = num(rest, 'W')
	_ = ok
	rest, days, _ = num(rest, 'D')
	total += weeks * 7 * 24 * time.Hour
	total += days * 24 * time.Hour

	rest = timePart
	var hours, mins, secs time.Duration
	rest, hours, _ = num(rest, 'H')
	rest, mins, _ = num(rest, 'M')
	rest, secs, _ = num(rest, 'S')
	_ = rest
	total += hours * time.Hour
	total += mins * time.Minute
	total += secs * time.Second

	if neg {
		total = -total
	}
	return total, nil
}

// extractVEVENTBlocks finds complete BEGIN:VEVENT..END:VEVENT spans among
// unfolded lines, tolerating a truncated trailing block by dropping it
// (spec §4.1 "returns successfully parsed prefix").
func extractVEVENTBlocks(lines []string) [][]string {
	var blocks [][]string
	var current []string
	inEvent := false
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		switch {
		case strings.EqualFold(trimmed, "BEGIN:VEVENT"):
			inEvent = true
			current = []string{l}
		case strings.EqualFold(trimmed, "END:VEVENT"):
			if inEvent {
				current = append(current, l)
				blocks = append(blocks, current)
			}
			inEvent = false
			current = nil
		default:
			if inEvent {
				current = append(current, l)
			}
		}
	}
	return blocks
}

// Parse tokenizes and decodes a VCALENDAR buffer into a ParsedCalendar,
// applying the cancellation filter (spec §4.1): VEVENTs with
// STATUS:CANCELLED are dropped from the output, and when they carry a
// RECURRENCE-ID, that instant is folded into the matching master's EXDATE.
func Parse(data []byte) (*ParsedCalendar, error) {
	data = normalizeNewlines(stripBOM(data))
	lines := unfold(data)

	cal := &ParsedCalendar{}
	if name, ok := ExtractCalendarName(data); ok {
		cal.CalName = name
	}
	for _, l := range lines {
		tok, ok := tokenizeLine(l)
		if ok && tok.name == "PRODID" {
			cal.ProdID = UnescapeText(tok.value)
			break
		}
	}

	blocks := extractVEVENTBlocks(lines)

	var cancelledInstances []struct {
		uid string
		rid time.Time
	}
	var parsed []*ParsedEvent

	for _, block := range blocks {
		ev, cancelled, rid, hasRid := parseVEVENTBlock(block)
		if cancelled {
			if hasRid {
				cancelledInstances = append(cancelledInstances, struct {
					uid string
					rid time.Time
				}{ev.UID, rid})
			}
			continue
		}
		parsed = append(parsed, ev)
	}

	// Fold cancelled overrides back into their master's EXDATE.
	for _, c := range cancelledInstances {
		for _, ev := range parsed {
			if ev.UID == c.uid && ev.RecurrenceID == nil && ev.RRule != "" {
				stamp := c.rid.UTC().Format("20060102T150405Z")
				if ev.EXDate == "" {
					ev.EXDate = stamp
				} else {
					ev.EXDate += "," + stamp
				}
			}
		}
	}

	cal.Events = parsed
	return cal, nil
}

func parseVEVENTBlock(block []string) (ev *ParsedEvent, cancelled bool, recurrenceID time.Time, hasRecurrenceID bool) {
	ev = &ParsedEvent{Params: map[string]map[string]string{}}
	var durationStr string
	var dtendSet bool

	for _, l := range block {
		tok, ok := tokenizeLine(l)
		if !ok {
			continue
		}
		val := tok.value
		switch tok.name {
		case "UID":
			ev.UID = UnescapeText(val)
		case "SUMMARY":
			ev.Summary = UnescapeText(val)
		case "LOCATION":
			ev.Location = UnescapeText(val)
		case "DESCRIPTION":
			ev.Description = UnescapeText(val)
		case "STATUS":
			ev.Status = strings.ToUpper(val)
			if ev.Status == "CANCELLED" {
				cancelled = true
			}
		case "TRANSP":
			ev.Transparency = val
		case "CLASS":
			ev.Classification = val
		case "ORGANIZER":
			ev.Organizer = UnescapeText(val)
		case "ATTENDEE":
			ev.Attendees = append(ev.Attendees, UnescapeText(val))
		case "RRULE":
			ev.RRule = val
		case "RDATE":
			ev.RDate = val
		case "EXDATE":
			if ev.EXDate == "" {
				ev.EXDate = val
			} else {
				ev.EXDate += "," + val
			}
		case "SEQUENCE":
			if n, err := strconv.Atoi(val); err == nil {
				ev.Sequence = n
			}
		case "DTSTAMP":
			t, _, _ := parseDateTime(val, tok.params)
			ev.DTStamp = t
		case "DTSTART":
			t, allDay, tz := parseDateTime(val, tok.params)
			ev.Start = t
			ev.AllDay = allDay
			ev.TimeZone = tz
			ev.Params["DTSTART"] = tok.params
		case "DTEND":
			t, _, _ := parseDateTime(val, tok.params)
			ev.End = t
			dtendSet = true
		case "DURATION":
			durationStr = val
		case "RECURRENCE-ID":
			t, _, _ := parseDateTime(val, tok.params)
			recurrenceID = t
			hasRecurrenceID = true
			rc := t
			ev.RecurrenceID = &rc
		case "TRIGGER":
			ev.Reminders = append(ev.Reminders, val)
		}
	}

	if !dtendSet && durationStr != "" && !ev.Start.IsZero() {
		if d, err := parseDuration(durationStr); err == nil {
			ev.End = ev.Start.Add(d)
		}
	}

	ev.Raw = []byte(strings.Join(block, "\r\n"))
	return ev, cancelled, recurrenceID, hasRecurrenceID
}

// RecurrenceIDMillis returns the RECURRENCE-ID in ms UTC, or nil. It is
// guaranteed to round-trip identically for both DATE and DATE-TIME forms
// (spec §4.4).
func (e *ParsedEvent) RecurrenceIDMillis() *int64 {
	if e.RecurrenceID == nil {
		return nil
	}
	ms := e.RecurrenceID.UTC().UnixMilli()
	return &ms
}

// SortEventsMastersFirst orders masters before their overrides, which
// matters for Parse callers that want to link overrides as they walk the
// result (spec §4.4).
func SortEventsMastersFirst(events []*ParsedEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		iMaster := events[i].RecurrenceID == nil
		jMaster := events[j].RecurrenceID == nil
		if iMaster != jMaster {
			return iMaster
		}
		return false
	})
}
