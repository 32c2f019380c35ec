package expressions

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

type transform struct {
	arity int
	fn    func(now time.Time, args []any) any
}

// transforms are the named functions callable from expressions.
var transforms = map[string]transform{
	"daysAgo":    {1, elapsed(24 * time.Hour)},
	"hoursAgo":   {1, elapsed(time.Hour)},
	"minutesAgo": {1, elapsed(time.Minute)},
	"parseDate":  {1, parseDate},
	"isBefore":   {2, ordered(func(a, b time.Time) bool { return a.Before(b) })},
	"isAfter":    {2, ordered(func(a, b time.Time) bool { return a.After(b) })},
}

// elapsed returns (now - t) in units, fractional and signed: strictly past
// times are positive and strictly future times negative.
func elapsed(unit time.Duration) func(time.Time, []any) any {
	return func(now time.Time, args []any) any {
		t, ok := ToTime(args[0])
		if !ok {
			return nil
		}
		return float64(now.Sub(t)) / float64(unit)
	}
}

func parseDate(_ time.Time, args []any) any {
	t, ok := ToTime(args[0])
	if !ok {
		return nil
	}
	return float64(t.UnixMilli())
}

func ordered(less func(a, b time.Time) bool) func(time.Time, []any) any {
	return func(_ time.Time, args []any) any {
		a, ok1 := ToTime(args[0])
		b, ok2 := ToTime(args[1])
		return ok1 && ok2 && less(a, b)
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ToTime interprets a date-like value: time.Time, epoch milliseconds (number
// or numeric string), RFC 3339 or YYYY-MM-DD strings.
func ToTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
		if ms, err := strconv.ParseFloat(s, 64); err == nil {
			return fromMillis(ms)
		}
		return time.Time{}, false
	case json.Number:
		if ms, err := t.Float64(); err == nil {
			return fromMillis(ms)
		}
		return ToTime(t.String())
	}
	if f, ok := toFloat(v); ok {
		return fromMillis(f)
	}
	return time.Time{}, false
}

func fromMillis(ms float64) (time.Time, bool) {
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)).UTC(), true
}
