// Package note encodes subscription metadata into the panel's free-text user note.
//
// A note is a newline-delimited list of lines. Three keys are understood:
//
//	ref:<telegram id>      referrer, written once when the account is created
//	username:@handle       display handle, refreshed by username sync
//	nd:<YYYYMMDD>          day the last expiry reminder was sent
//
// Every other line is kept verbatim and re-emitted after the known keys in its
// original order. The format is persisted on live accounts, so the output for
// an unchanged note must stay byte-stable.
package note

import (
	"strconv"
	"strings"
	"time"
)

const (
	keyRef      = "ref"
	keyUsername = "username"
	keyNotified = "nd"

	// DayLayout is the layout of the nd: marker.
	DayLayout = "20060102"

	legacySeparator = "|"
)

// Fields is a parsed note.
type Fields struct {
	Ref      string
	Username string
	Notified string
	Extras   []string
}

// Parse splits text into known fields and extras. It never fails: anything it
// does not recognise ends up in Extras.
func Parse(text string) Fields {
	var f Fields
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		// Older reminder code appended "|nd:<day>" to whatever line came last.
		key, value, ok := splitField(line)
		if !ok || !isKnown(key) {
			if strings.Contains(line, legacySeparator) {
				line = strings.TrimSpace(f.liftLegacyMarker(line))
			}
			if line != "" {
				f.Extras = append(f.Extras, line)
			}
			continue
		}

		if strings.Contains(value, legacySeparator) {
			value = f.liftLegacyMarker(value)
		}

		switch key {
		case keyRef:
			f.Ref = value
		case keyUsername:
			f.Username = value
		case keyNotified:
			f.Notified = value
		}
	}
	return f
}

func (f *Fields) liftLegacyMarker(value string) string {
	segments := strings.Split(value, legacySeparator)
	kept := []string{segments[0]}
	for _, segment := range segments[1:] {
		if key, day, ok := splitField(segment); ok && key == keyNotified {
			f.Notified = day
			continue
		}
		kept = append(kept, segment)
	}
	return strings.Join(kept, legacySeparator)
}

// String serializes the note: ref, username, nd, then extras. An empty note
// serializes to "".
func (f Fields) String() string {
	lines := make([]string, 0, 3+len(f.Extras))
	if f.Ref != "" {
		lines = append(lines, keyRef+":"+f.Ref)
	}
	if f.Username != "" {
		lines = append(lines, keyUsername+":"+f.Username)
	}
	if f.Notified != "" {
		lines = append(lines, keyNotified+":"+f.Notified)
	}
	for _, extra := range f.Extras {
		if extra = strings.TrimSpace(extra); extra != "" {
			lines = append(lines, extra)
		}
	}
	return strings.Join(lines, "\n")
}

// ReferrerID returns the referrer recorded in the note. Malformed values are
// reported as absent.
func ReferrerID(text string) (int64, bool) {
	ref := Parse(text).Ref
	if i := strings.IndexAny(ref, "|;,"); i >= 0 {
		ref = ref[:i]
	}
	ref = strings.TrimSpace(ref)
	if !isDigits(ref) {
		return 0, false
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Handle returns the stored display handle with a leading "@", or "".
func Handle(text string) string {
	return normalizeHandle(Parse(text).Username)
}

// WithUsername stores handle in the note, or removes it when handle is blank.
func WithUsername(text, handle string) string {
	f := Parse(text)
	f.Username = normalizeHandle(handle)
	return f.String()
}

// WithReferrer overwrites the referrer. Only admin repair uses it; normal
// flows set ref once through Build.
func WithReferrer(text string, referrerID int64) string {
	f := Parse(text)
	f.Ref = ""
	if referrerID > 0 {
		f.Ref = strconv.FormatInt(referrerID, 10)
	}
	return f.String()
}

// WithDayMarker replaces the reminder marker with day.
func WithDayMarker(text string, day time.Time) string {
	f := Parse(text)
	f.Notified = day.Format(DayLayout)
	return f.String()
}

// NotifiedOn reports whether the reminder marker equals day.
func NotifiedOn(text string, day time.Time) bool {
	return Parse(text).Notified == day.Format(DayLayout)
}

// Build composes the note of a brand-new account. referrerID <= 0 means no referrer.
func Build(referrerID int64, handle string) string {
	var f Fields
	if referrerID > 0 {
		f.Ref = strconv.FormatInt(referrerID, 10)
	}
	f.Username = normalizeHandle(handle)
	return f.String()
}

func splitField(line string) (string, string, bool) {
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(value), true
}

func isKnown(key string) bool {
	return key == keyRef || key == keyUsername || key == keyNotified
}

func normalizeHandle(handle string) string {
	handle = strings.TrimSpace(handle)
	if handle == "" || handle == "@" {
		return ""
	}
	if !strings.HasPrefix(handle, "@") {
		handle = "@" + handle
	}
	return handle
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
