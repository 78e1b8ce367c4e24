// Package schema validates JSON documents against a JSON Schema (draft-07
// subset) and turns a schema into a kv.Codec.
//
// Supported keywords: type (a name or a list of names), enum, const,
// properties, required, additionalProperties (boolean or schema), items,
// minItems, maxItems, minLength, maxLength, pattern, minimum, maximum,
// exclusiveMinimum, exclusiveMaximum.
package schema

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"go.miragespace.co/kv"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Schema is a parsed JSON Schema document.
type Schema map[string]any

// Parse decodes a schema document.
func Parse(data []byte) (Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	return s, nil
}

// Validate reports the first violation of s by doc, as an InvalidData error.
// A nil schema accepts everything.
func (s Schema) Validate(doc any) error {
	if s == nil {
		return nil
	}
	if err := validate(s, doc, "$"); err != nil {
		return kv.InvalidData(err)
	}
	return nil
}

// Codec returns a codec storing documents as JSON and rejecting, on both
// Parse and Dump, documents that do not satisfy s.
func (s Schema) Codec() kv.Codec[any] {
	return codec{schema: s}
}

type codec struct {
	schema Schema
}

func (c codec) Parse(data []byte) (any, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, kv.InvalidData(err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c codec) Dump(doc any) ([]byte, error) {
	if err := c.schema.Validate(normalize(doc)); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// normalize brings Go values into the shapes produced by decoding JSON, so
// documents built in code validate like decoded ones.
func normalize(doc any) any {
	data, err := json.Marshal(doc)
	if err != nil {
		return doc
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return doc
	}
	return out
}

func validate(s map[string]any, value any, path string) error {
	if err := checkType(s["type"], value, path); err != nil {
		return err
	}
	if allowed, ok := s["enum"].([]any); ok {
		if !contains(allowed, value) {
			return fmt.Errorf("%s: value not in enum %v", path, allowed)
		}
	}
	if c, ok := s["const"]; ok && !reflect.DeepEqual(c, value) {
		return fmt.Errorf("%s: value must be %v", path, c)
	}

	switch v := value.(type) {
	case map[string]any:
		return validateObject(s, v, path)
	case []any:
		return validateArray(s, v, path)
	case string:
		return validateString(s, v, path)
	case float64:
		return validateNumber(s, v, path)
	}
	return nil
}

func checkType(t any, value any, path string) error {
	var allowed []string
	switch t := t.(type) {
	case string:
		allowed = []string{t}
	case []any:
		for _, name := range t {
			if s, ok := name.(string); ok {
				allowed = append(allowed, s)
			}
		}
	default:
		return nil
	}
	actual := typeOf(value)
	for _, want := range allowed {
		switch {
		case want == actual:
			return nil
		case want == "integer" && actual == "number":
			if f := value.(float64); f == float64(int64(f)) {
				return nil
			}
		}
	}
	return fmt.Errorf("%s: expected type %s, got %q", path, strings.Join(allowed, " or "), actual)
}

func typeOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		return "number"
	default:
		return reflect.TypeOf(v).String()
	}
}

func contains(list []any, value any) bool {
	for _, item := range list {
		if reflect.DeepEqual(item, value) {
			return true
		}
	}
	return false
}

func validateObject(s map[string]any, obj map[string]any, path string) error {
	if required, ok := s["required"].([]any); ok {
		for _, r := range required {
			field, ok := r.(string)
			if !ok {
				continue
			}
			if _, present := obj[field]; !present {
				return fmt.Errorf("%s: missing required field %q", path, field)
			}
		}
	}

	props, _ := s["properties"].(map[string]any)
	// sorted so the reported violation is stable
	fields := make([]string, 0, len(obj))
	for field := range obj {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var extra []string
	for _, field := range fields {
		if sub, ok := props[field].(map[string]any); ok {
			if err := validate(sub, obj[field], path+"."+field); err != nil {
				return err
			}
			continue
		}
		if _, declared := props[field]; declared {
			continue
		}
		switch ap := s["additionalProperties"].(type) {
		case bool:
			if !ap {
				extra = append(extra, field)
			}
		case map[string]any:
			if err := validate(ap, obj[field], path+"."+field); err != nil {
				return err
			}
		}
	}
	if len(extra) > 0 {
		return fmt.Errorf("%s: additional properties not allowed: %s", path, strings.Join(extra, ", "))
	}
	return nil
}

func validateArray(s map[string]any, arr []any, path string) error {
	if n, ok := number(s["minItems"]); ok && float64(len(arr)) < n {
		return fmt.Errorf("%s: %d items, fewer than minItems %v", path, len(arr), n)
	}
	if n, ok := number(s["maxItems"]); ok && float64(len(arr)) > n {
		return fmt.Errorf("%s: %d items, more than maxItems %v", path, len(arr), n)
	}
	if items, ok := s["items"].(map[string]any); ok {
		for i, elem := range arr {
			if err := validate(items, elem, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateString(s map[string]any, str string, path string) error {
	length := float64(utf8.RuneCountInString(str))
	if n, ok := number(s["minLength"]); ok && length < n {
		return fmt.Errorf("%s: length %v is less than minLength %v", path, length, n)
	}
	if n, ok := number(s["maxLength"]); ok && length > n {
		return fmt.Errorf("%s: length %v is greater than maxLength %v", path, length, n)
	}
	if pattern, ok := s["pattern"].(string); ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%s: invalid pattern %q: %w", path, pattern, err)
		}
		if !re.MatchString(str) {
			return fmt.Errorf("%s: %q does not match pattern %q", path, str, pattern)
		}
	}
	return nil
}

func validateNumber(s map[string]any, v float64, path string) error {
	if n, ok := number(s["minimum"]); ok && v < n {
		return fmt.Errorf("%s: %v is less than minimum %v", path, v, n)
	}
	if n, ok := number(s["maximum"]); ok && v > n {
		return fmt.Errorf("%s: %v is greater than maximum %v", path, v, n)
	}
	if n, ok := number(s["exclusiveMinimum"]); ok && v <= n {
		return fmt.Errorf("%s: %v is not greater than exclusiveMinimum %v", path, v, n)
	}
	if n, ok := number(s["exclusiveMaximum"]); ok && v >= n {
		return fmt.Errorf("%s: %v is not less than exclusiveMaximum %v", path, v, n)
	}
	return nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
