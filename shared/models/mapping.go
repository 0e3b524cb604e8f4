package models

import (
	"reflect"
	"strings"
)

// Mapping derives the Elasticsearch mapping of doc from the `es` struct tags.
// Fields without a tag are not mapped; embedded structs are flattened.
func Mapping(doc any) map[string]any {
	return map[string]any{
		"properties": properties(reflect.TypeOf(doc)),
	}
}

func properties(t reflect.Type) map[string]any {
	t = elemType(t)
	props := make(map[string]any)

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Anonymous {
			for name, prop := range properties(field.Type) {
				props[name] = prop
			}
			continue
		}

		hint := field.Tag.Get("es")
		name := jsonName(field)
		if hint == "" || name == "" {
			continue
		}

		switch hint {
		case "object", "nested":
			props[name] = map[string]any{
				"type":       hint,
				"properties": properties(field.Type),
			}
		default:
			props[name] = map[string]any{"type": hint}
		}
	}

	return props
}

// elemType strips pointers and slices down to the struct being described.
func elemType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr || t.Kind() == reflect.Slice {
		t = t.Elem()
	}
	return t
}

func jsonName(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name
	}
	return field.Name
}
