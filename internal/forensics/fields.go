package forensics

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Stamp is a parsed date field.
type Stamp struct {
	Time     time.Time
	HasClock bool
	OK       bool
}

// Day returns the calendar day number of the stamp (days since epoch).
func (s Stamp) Day() int64 {
	y, m, d := s.Time.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

var clockLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"02.01.2006 15:04:05",
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02.01.2006",
	"20060102",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// ParseTime reads a date/timestamp field. Numbers are taken as Unix seconds
// (or milliseconds when large enough). Unknown formats yield OK == false.
func ParseTime(v any) Stamp {
	switch x := v.(type) {
	case nil:
		return Stamp{}
	case time.Time:
		if x.IsZero() {
			return Stamp{}
		}
		return Stamp{Time: x.UTC(), HasClock: hasClock(x), OK: true}
	case float64:
		return fromEpoch(x)
	case int64:
		return fromEpoch(float64(x))
	case int:
		return fromEpoch(float64(x))
	case string:
		return parseTimeText(strings.TrimSpace(x))
	default:
		return Stamp{}
	}
}

func parseTimeText(s string) Stamp {
	if s == "" {
		return Stamp{}
	}
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Stamp{Time: t.UTC(), HasClock: true, OK: true}
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Stamp{Time: t, OK: true}
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f)
	}
	return Stamp{}
}

func fromEpoch(f float64) Stamp {
	if math.IsNaN(f) || f < 1e9 {
		return Stamp{}
	}
	if f >= 1e12 {
		f /= 1000
	}
	t := time.Unix(int64(f), 0).UTC()
	return Stamp{Time: t, HasClock: true, OK: true}
}

func hasClock(t time.Time) bool {
	h, m, s := t.Clock()
	return h != 0 || m != 0 || s != 0 || t.Nanosecond() != 0
}

// Text renders a raw field as a trimmed string. Whole floats print
// without a fraction so 1234 and "1234" compare equal.
func Text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case []byte:
		return strings.TrimSpace(string(x))
	case interface{ String() string }:
		return strings.TrimSpace(x.String())
	default:
		return ""
	}
}
