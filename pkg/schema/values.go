package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Naive is the location of date and time values that were given without a
// zone offset. They are rendered back without one.
var Naive = time.FixedZone("naive", 0)

func IsNaive(t time.Time) bool {
	return t.Location() == Naive
}

// AsNaive keeps the wall clock of t and drops its zone
func AsNaive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), Naive)
}

// CheckValue verifies that v is of the Go type used to hold values of kind k.
// Integer is int64, text kinds are string, Boolean is bool, temporal kinds
// are time.Time, Duration is time.Duration and Decimal is json.Number.
func CheckValue(k Kind, v any) error {
	if v == nil {
		return nil
	}

	ok := false

	switch k {
	case Integer:
		_, ok = v.(int64)
	case Text, UnicodeText:
		_, ok = v.(string)
	case Boolean:
		_, ok = v.(bool)
	case Date, DateTime, Time:
		_, ok = v.(time.Time)
	case Duration:
		_, ok = v.(time.Duration)
	case Decimal:
		_, ok = v.(json.Number)
	}

	if !ok {
		return fmt.Errorf("value of type %T can not hold a %s", v, k)
	}

	return nil
}
