package schema

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

const (
	annotationJSONAPI   = "jsonapi"
	annotationPrimary   = "primary"
	annotationAttribute = "attr"
	annotationSeparator = ","

	optionUnique   = "unique"
	optionNullable = "nullable"
	optionNotNull  = "notnull"
	optionDate     = "date"
	optionTime     = "time"
	optionText     = "text"
)

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
)

// FromStruct builds a descriptor by reflecting over the jsonapi tags of a
// struct type. Fields are declared as
//
//	ID   int64  `jsonapi:"primary,id"`
//	Name string `jsonapi:"attr,name,unique"`
//
// Relationships and computed attributes can not be expressed as tags and
// are passed as extra decorators.
func FromStruct(name string, model any, decorators ...DescriptorDecoratorFunc) (*Descriptor, error) {
	t := reflect.TypeOf(model)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("model for %s must be a struct, got %T", name, model)
	}

	fields, err := decoratorsFromFields(t)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect %s: %w", name, err)
	}

	return New(name, append(fields, decorators...)...)
}

func decoratorsFromFields(t reflect.Type) ([]DescriptorDecoratorFunc, error) {
	decorators := []DescriptorDecoratorFunc{}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		tag, ok := field.Tag.Lookup(annotationJSONAPI)
		if !ok || tag == "-" {
			if field.Anonymous && field.Type.Kind() == reflect.Struct {
				embedded, err := decoratorsFromFields(field.Type)
				if err != nil {
					return nil, err
				}
				decorators = append(decorators, embedded...)
			}
			continue
		}

		args := strings.Split(tag, annotationSeparator)
		if len(args) < 2 || args[1] == "" {
			return nil, fmt.Errorf("field %s: tag must name the attribute", field.Name)
		}

		options := map[string]bool{}
		for _, o := range args[2:] {
			options[strings.TrimSpace(o)] = true
		}

		kind, nullable, err := kindOf(field.Type, options)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}

		attrDecorators := []AttributeDecoratorFunc{}
		if options[optionUnique] {
			attrDecorators = append(attrDecorators, Unique())
		}
		if nullable || options[optionNullable] {
			attrDecorators = append(attrDecorators, Nullable())
		}
		if options[optionNotNull] {
			attrDecorators = append(attrDecorators, NotNull())
		}

		switch args[0] {
		case annotationPrimary:
			decorators = append(decorators, PrimaryKey(args[1], kind, attrDecorators...))
		case annotationAttribute:
			decorators = append(decorators, Attribute(args[1], kind, attrDecorators...))
		default:
			return nil, fmt.Errorf("field %s: unsupported annotation %q", field.Name, args[0])
		}
	}

	return decorators, nil
}

func kindOf(t reflect.Type, options map[string]bool) (Kind, bool, error) {
	nullable := false
	if t.Kind() == reflect.Pointer {
		nullable = true
		t = t.Elem()
	}

	switch {
	case t == durationType:
		return Duration, nullable, nil
	case t == timeType:
		if options[optionDate] {
			return Date, nullable, nil
		}
		if options[optionTime] {
			return Time, nullable, nil
		}
		return DateTime, nullable, nil
	}

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Integer, nullable, nil
	case reflect.String:
		if options[optionText] {
			return Text, nullable, nil
		}
		return UnicodeText, nullable, nil
	case reflect.Bool:
		return Boolean, nullable, nil
	case reflect.Float32, reflect.Float64:
		return Decimal, nullable, nil
	default:
		return 0, false, fmt.Errorf("unsupported field type %s", t)
	}
}
