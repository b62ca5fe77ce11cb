package restless

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	apierrors "github.com/diwise/restless/pkg/jsonapi/errors"
	"github.com/diwise/restless/pkg/schema"
)

// CurrentTimestamp may be sent as the value of any date or time attribute
// to have it set to the current server time
const CurrentTimestamp string = "CURRENT_TIMESTAMP"

const (
	dateLayout = "2006-01-02"
	clock      = "15:04:05"
	zone       = "Z07:00"
)

var zonedDateTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04Z07:00",
}

var naiveDateTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	dateLayout,
}

var zonedTimeLayouts = []string{"15:04:05.999999999Z07:00", "15:04Z07:00"}
var naiveTimeLayouts = []string{"15:04:05.999999999", "15:04"}

var now = time.Now

// coerce converts a decoded JSON value into the Go type that holds values of
// the attribute kind. json.Number is expected for numbers.
func coerce(spec schema.AttributeSpec, value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	mismatch := func() error {
		return apierrors.NewMalformedRequestError(fmt.Sprintf("attribute %s expects a %s value, got %v", spec.Name, spec.Kind, value))
	}

	switch spec.Kind {
	case schema.Date, schema.DateTime, schema.Time:
		s, ok := value.(string)
		if !ok {
			return nil, mismatch()
		}

		if s == "" {
			return nil, nil
		}

		t, err := parseTemporal(spec.Kind, s)
		if err != nil {
			return nil, apierrors.NewMalformedRequestError(fmt.Sprintf("attribute %s: %s", spec.Name, err.Error()))
		}
		return t, nil

	case schema.Duration:
		seconds, ok := toFloat(value)
		if !ok {
			return nil, mismatch()
		}
		if math.IsNaN(seconds) || math.IsInf(seconds, 0) || math.Abs(seconds) > maxDurationSeconds {
			return nil, apierrors.NewMalformedRequestError(fmt.Sprintf("attribute %s: %v seconds is out of range", spec.Name, value))
		}
		return time.Duration(math.Round(seconds * float64(time.Second))), nil

	case schema.Integer:
		i, ok := toInt(value)
		if !ok {
			return nil, mismatch()
		}
		return i, nil

	case schema.Text, schema.UnicodeText:
		s, ok := value.(string)
		if !ok {
			return nil, mismatch()
		}
		return s, nil

	case schema.Boolean:
		b, ok := value.(bool)
		if !ok {
			return nil, mismatch()
		}
		return b, nil

	case schema.Decimal:
		d, ok := toDecimal(value)
		if !ok {
			return nil, mismatch()
		}
		return d, nil
	}

	return nil, mismatch()
}

// coerceID converts the string form of a primary key into its kind
func coerceID(spec schema.AttributeSpec, id string) (any, error) {
	switch spec.Kind {
	case schema.Text, schema.UnicodeText:
		return id, nil
	case schema.Integer:
		i, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, apierrors.NewMalformedRequestError(fmt.Sprintf("id %q is not an integer", id))
		}
		return i, nil
	default:
		return coerce(spec, id)
	}
}

func parseTemporal(kind schema.Kind, s string) (time.Time, error) {
	if s == CurrentTimestamp {
		t := now().UTC()
		if kind == schema.Date {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, schema.Naive), nil
		}
		return t, nil
	}

	zoned, naive := zonedDateTimeLayouts, naiveDateTimeLayouts
	if kind == schema.Time {
		zoned, naive = zonedTimeLayouts, naiveTimeLayouts
	}

	for _, layout := range zoned {
		if t, err := time.Parse(layout, s); err == nil {
			return truncate(kind, t), nil
		}
	}

	for _, layout := range naive {
		if t, err := time.Parse(layout, s); err == nil {
			return truncate(kind, schema.AsNaive(t)), nil
		}
	}

	return time.Time{}, fmt.Errorf("%q is not an ISO 8601 %s", s, kind)
}

func truncate(kind schema.Kind, t time.Time) time.Time {
	if kind == schema.Date {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, schema.Naive)
	}
	return t
}

// durations larger than this do not fit in a time.Duration
const maxDurationSeconds = float64(math.MaxInt64/int64(time.Second)) - 1

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toInt(value any) (int64, bool) {
	switch n := value.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func toDecimal(value any) (json.Number, bool) {
	var s string

	switch n := value.(type) {
	case json.Number:
		s = n.String()
	case string:
		s = strings.TrimSpace(n)
	case float64:
		s = strconv.FormatFloat(n, 'f', -1, 64)
	case int64:
		s = strconv.FormatInt(n, 10)
	default:
		return "", false
	}

	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return "", false
	}

	return json.Number(s), true
}

// render converts an attribute value into its JSON representation
func render(kind schema.Kind, value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	if err := schema.CheckValue(kind, value); err != nil {
		return nil, err
	}

	switch kind {
	case schema.Date:
		return value.(time.Time).Format(dateLayout), nil
	case schema.DateTime:
		return formatTemporal(value.(time.Time), dateLayout+"T"+clock), nil
	case schema.Time:
		return formatTemporal(value.(time.Time), clock), nil
	case schema.Duration:
		d := value.(time.Duration)
		if d%time.Second == 0 {
			return int64(d / time.Second), nil
		}
		return d.Seconds(), nil
	default:
		return value, nil
	}
}

// formatTemporal renders t with no, six or nine fractional digits depending
// on its precision. Naive values are rendered without an offset.
func formatTemporal(t time.Time, layout string) string {
	switch {
	case t.Nanosecond() == 0:
	case t.Nanosecond()%int(time.Microsecond) == 0:
		layout += ".000000"
	default:
		layout += ".000000000"
	}

	if !schema.IsNaive(t) {
		layout += zone
	}

	return t.Format(layout)
}
