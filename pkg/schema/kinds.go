package schema

import (
	"fmt"
	"strings"
)

// Kind is the scalar kind of an attribute
type Kind int

const (
	Integer Kind = iota
	Text
	UnicodeText
	Boolean
	Date
	DateTime
	Time
	Duration
	Decimal
)

func (k Kind) String() string {
	switch k {
	case Integer:
		return "integer"
	case Text:
		return "text"
	case UnicodeText:
		return "unicode"
	case Boolean:
		return "boolean"
	case Date:
		return "date"
	case DateTime:
		return "datetime"
	case Time:
		return "time"
	case Duration:
		return "duration"
	case Decimal:
		return "decimal"
	default:
		return "unknown"
	}
}

// ParseKind converts the name of a kind, as used in configuration files,
// into a Kind
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "integer", "int":
		return Integer, nil
	case "text", "string":
		return Text, nil
	case "unicode", "unicode-text":
		return UnicodeText, nil
	case "boolean", "bool":
		return Boolean, nil
	case "date":
		return Date, nil
	case "datetime", "timestamp":
		return DateTime, nil
	case "time":
		return Time, nil
	case "duration", "interval":
		return Duration, nil
	case "decimal", "numeric":
		return Decimal, nil
	default:
		return 0, fmt.Errorf("unknown attribute kind: %s", s)
	}
}

// IsTemporal returns true for the kinds that are read from ISO-8601 strings
func (k Kind) IsTemporal() bool {
	return k == Date || k == DateTime || k == Time
}

// IsTextual returns true for both text kinds
func (k Kind) IsTextual() bool {
	return k == Text || k == UnicodeText
}

// Cardinality of a relationship
type Cardinality int

const (
	One Cardinality = iota
	Many
)

func (c Cardinality) String() string {
	if c == Many {
		return "to-many"
	}
	return "to-one"
}

func ParseCardinality(s string) (Cardinality, error) {
	switch strings.ToLower(s) {
	case "to-one", "toone", "one":
		return One, nil
	case "to-many", "tomany", "many":
		return Many, nil
	default:
		return 0, fmt.Errorf("unknown relationship cardinality: %s", s)
	}
}

// Backing tells how the members of a to-many relationship are stored
type Backing int

const (
	// PlainList relationships are stored as a foreign key on the target
	PlainList Backing = iota
	// AssociationBacked relationships are a view over a collection of
	// intermediate association entities
	AssociationBacked
)
