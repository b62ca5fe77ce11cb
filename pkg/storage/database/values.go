package database

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/diwise/restless/pkg/schema"
)

const (
	naiveDateTimeLayout = "2006-01-02 15:04:05.999999999"
	dateLayout          = "2006-01-02"
	timeLayout          = "15:04:05.999999999"
)

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	naiveDateTimeLayout,
	"2006-01-02T15:04:05.999999999",
	dateLayout,
}

// toColumn converts an attribute value into something every supported driver
// accepts as a query argument
func toColumn(k schema.Kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	if err := schema.CheckValue(k, v); err != nil {
		return nil, err
	}

	switch k {
	case schema.Date:
		return v.(time.Time).Format(dateLayout), nil
	case schema.Time:
		return v.(time.Time).Format(timeLayout), nil
	case schema.DateTime:
		t := v.(time.Time)
		if schema.IsNaive(t) {
			return t.Format(naiveDateTimeLayout), nil
		}
		return t.UTC().Format(naiveDateTimeLayout), nil
	case schema.Duration:
		return v.(time.Duration).Seconds(), nil
	case schema.Decimal:
		return v.(json.Number).String(), nil
	default:
		return v, nil
	}
}

// fromColumn converts a scanned column value back into the Go type used for
// attributes of kind k. Date and time values come back without a zone.
func fromColumn(k schema.Kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	if b, ok := v.([]byte); ok {
		v = string(b)
	}

	switch k {
	case schema.Integer:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int32:
			return int64(n), nil
		case float64:
			return int64(n), nil
		case string:
			return strconv.ParseInt(n, 10, 64)
		}
	case schema.Text, schema.UnicodeText:
		return fmt.Sprint(v), nil
	case schema.Boolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		case string:
			return strconv.ParseBool(b)
		}
	case schema.Date, schema.DateTime:
		switch t := v.(type) {
		case time.Time:
			return schema.AsNaive(t), nil
		case string:
			return parseDateTime(t)
		}
	case schema.Time:
		switch t := v.(type) {
		case time.Time:
			return schema.AsNaive(time.Date(0, 1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)), nil
		case string:
			parsed, err := time.Parse(timeLayout, t)
			if err != nil {
				return nil, err
			}
			return schema.AsNaive(parsed), nil
		}
	case schema.Duration:
		switch d := v.(type) {
		case float64:
			return secondsToDuration(d), nil
		case int64:
			return time.Duration(d) * time.Second, nil
		case string:
			f, err := strconv.ParseFloat(d, 64)
			if err != nil {
				return nil, err
			}
			return secondsToDuration(f), nil
		}
	case schema.Decimal:
		switch n := v.(type) {
		case string:
			return json.Number(n), nil
		case int64:
			return json.Number(strconv.FormatInt(n, 10)), nil
		case float64:
			return json.Number(strconv.FormatFloat(n, 'f', -1, 64)), nil
		}
	}

	return nil, fmt.Errorf("unable to read %T as %s", v, k)
}

func parseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return schema.AsNaive(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse %q as a date", s)
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(math.Round(seconds * float64(time.Second)))
}
