package jsonapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// MediaType is the JSON:API media type, used for both requests and responses
const MediaType string = "application/vnd.api+json"

// Document is the top level of a JSON:API request body
type Document struct {
	Data *Resource      `json:"data"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Resource is a JSON:API resource object
type Resource struct {
	Type          string                   `json:"type"`
	ID            ID                       `json:"id,omitempty"`
	Attributes    map[string]any           `json:"attributes,omitempty"`
	Relationships map[string]*Relationship `json:"relationships,omitempty"`
}

// NewResource creates an empty resource object of the given type and id
func NewResource(resourceType, id string) *Resource {
	return &Resource{
		Type:          resourceType,
		ID:            ID(id),
		Attributes:    map[string]any{},
		Relationships: map[string]*Relationship{},
	}
}

// ID is a resource identifier. The wire format mandates strings but
// numeric ids are accepted on input and converted.
type ID string

func (id ID) String() string {
	return string(id)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("resource id must be a string: %w", err)
	}

	*id = ID(n.String())
	return nil
}

// Identifier is a resource identifier object, {type, id}
type Identifier struct {
	Type string `json:"type"`
	ID   ID     `json:"id"`
}

func NewIdentifier(resourceType, id string) Identifier {
	return Identifier{Type: resourceType, ID: ID(id)}
}

// Relationship is a relationship object. Only the linkage is supported.
type Relationship struct {
	Data Linkage `json:"data"`
}

// Linkage holds either null, a single identifier or a list of identifiers
type Linkage struct {
	present bool
	many    bool

	One  *Identifier
	Many []Identifier
}

// NewToOneLinkage returns the linkage of a to-one relationship, a nil
// identifier produces null
func NewToOneLinkage(identifier *Identifier) Linkage {
	return Linkage{present: true, One: identifier}
}

// NewToManyLinkage returns the linkage of a to-many relationship
func NewToManyLinkage(identifiers []Identifier) Linkage {
	if identifiers == nil {
		identifiers = []Identifier{}
	}
	return Linkage{present: true, many: true, Many: identifiers}
}

// Present reports whether the data member existed at all
func (l Linkage) Present() bool {
	return l.present
}

// IsMany reports whether the linkage is an array
func (l Linkage) IsMany() bool {
	return l.many
}

// IsNull reports whether the linkage is an explicit null
func (l Linkage) IsNull() bool {
	return l.present && !l.many && l.One == nil
}

func (l Linkage) MarshalJSON() ([]byte, error) {
	if l.many {
		return json.Marshal(l.Many)
	}

	if l.One == nil {
		return []byte("null"), nil
	}

	return json.Marshal(l.One)
}

func (l *Linkage) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	l.present = true

	switch {
	case bytes.Equal(data, []byte("null")):
		l.many = false
		l.One = nil
	case len(data) > 0 && data[0] == '[':
		l.many = true
		l.Many = []Identifier{}
		return json.Unmarshal(data, &l.Many)
	case len(data) > 0 && data[0] == '{':
		l.many = false
		l.One = &Identifier{}
		return json.Unmarshal(data, l.One)
	default:
		return fmt.Errorf("linkage must be null, an object or an array")
	}

	return nil
}

// FormatID converts a primary key value into its string form
func FormatID(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case ID:
		return string(v)
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case json.Number:
		return v.String()
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
