package watermark

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/oarkflow/convert"
	"github.com/oarkflow/date"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalize maps driver and decoder values onto int64, float64, string,
// bool or time.Time. Integral floats become int64.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(x)
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return uintValue(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return uintValue(x)
	case float32:
		return floatValue(float64(x))
	case float64:
		return floatValue(x)
	case time.Time:
		return x.UTC()
	case fmt.Stringer:
		return x.String()
	}
	return v
}

func uintValue(u uint64) any {
	if u > math.MaxInt64 {
		return float64(u)
	}
	return int64(u)
}

func floatValue(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

// Compare orders cursor values: numerically when both are numbers or numeric
// strings, as instants when both read as times, otherwise by text. nil sorts
// before everything.
func Compare(a, b any) int {
	a, b = Normalize(a), Normalize(b)
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if ai, ok := a.(int64); ok {
		if bi, ok := b.(int64); ok {
			return cmpOrdered(ai, bi)
		}
	}
	if af, ok := toNumber(a); ok {
		if bf, ok := toNumber(b); ok {
			return cmpOrdered(af, bf)
		}
	}
	if at, ok := toTime(a); ok {
		if bt, ok := toTime(b); ok {
			return at.Compare(bt)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// Max returns the larger of a and b under Compare.
func Max(a, b any) any {
	if Compare(b, a) > 0 {
		return b
	}
	return a
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case bool, time.Time:
		return 0, false
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return convert.ToFloat64(v)
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		if t, err := date.Parse(s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Tracker keeps the running maximum of a cursor field across chunks.
type Tracker struct {
	field string
	max   any
	seen  int
}

func NewTracker(field string) *Tracker {
	return &Tracker{field: field}
}

// Observe considers rec[field]; records without the field are ignored.
func (t *Tracker) Observe(rec map[string]any) {
	v, ok := rec[t.field]
	if !ok || v == nil {
		return
	}
	t.seen++
	if t.max == nil || Compare(v, t.max) > 0 {
		t.max = Normalize(v)
	}
}

// Max returns the largest observed value, if any.
func (t *Tracker) Max() (any, bool) {
	return t.max, t.max != nil
}

func (t *Tracker) Seen() int { return t.seen }
