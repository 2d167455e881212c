package tool

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// Args provides typed access to a tool call's arguments.
type Args map[string]any

// String returns a string argument, or "" when absent or mistyped.
func (a Args) String(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

// Int returns an integer argument. JSON numbers arrive as float64.
func (a Args) Int(key string) int {
	switch v := a[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return 0
}

// Float returns a numeric argument as float64.
func (a Args) Float(key string) float64 {
	switch v := a[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}

// Bool returns a boolean argument.
func (a Args) Bool(key string) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return false
}

// Map returns an object argument.
func (a Args) Map(key string) map[string]any {
	if v, ok := a[key].(map[string]any); ok {
		return v
	}
	return nil
}

// Strings returns an array argument, keeping only string elements.
func (a Args) Strings(key string) []string {
	raw, ok := a[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// ValidateArgs checks args against the schema: required fields must be
// present, and every present field must match its declared kind and
// constraints. Arguments the schema does not declare pass through.
func (s Schema) ValidateArgs(args map[string]any) error {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := s[name]
		val, exists := args[name]
		if !exists {
			if field.Required {
				return fmt.Errorf("missing required field: %s", name)
			}
			continue
		}
		if err := validateValue(name, val, field); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(name string, val any, field Field) error {
	switch field.Kind {
	case KindString:
		return validateString(name, val, field)
	case KindNumber:
		return validateNumber(name, val, field)
	case KindBoolean:
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("field %s: expected boolean, got %T", name, val)
		}
	case KindArray:
		items, ok := val.([]any)
		if !ok {
			return fmt.Errorf("field %s: expected array, got %T", name, val)
		}
		if field.Items != nil {
			for i, item := range items {
				if err := validateValue(fmt.Sprintf("%s[%d]", name, i), item, *field.Items); err != nil {
					return err
				}
			}
		}
	case KindObject:
		obj, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("field %s: expected object, got %T", name, val)
		}
		if len(field.Properties) > 0 {
			if err := validateNested(name, obj, field.Properties); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("field %s: unsupported schema kind %q", name, field.Kind)
	}
	return nil
}

func validateNested(parent string, obj map[string]any, props map[string]Field) error {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := props[name]
		qualified := parent + "." + name
		val, exists := obj[name]
		if !exists {
			if field.Required {
				return fmt.Errorf("missing required field: %s", qualified)
			}
			continue
		}
		if err := validateValue(qualified, val, field); err != nil {
			return err
		}
	}
	return nil
}

func validateString(name string, val any, field Field) error {
	str, ok := val.(string)
	if !ok {
		return fmt.Errorf("field %s: expected string, got %T", name, val)
	}
	if field.MinLength > 0 && len(str) < field.MinLength {
		return fmt.Errorf("field %s: string too short (min %d)", name, field.MinLength)
	}
	if field.MaxLength > 0 && len(str) > field.MaxLength {
		return fmt.Errorf("field %s: string too long (max %d)", name, field.MaxLength)
	}
	if field.Pattern != "" {
		re, err := regexp.Compile(field.Pattern)
		if err != nil {
			return fmt.Errorf("field %s: invalid pattern: %w", name, err)
		}
		if !re.MatchString(str) {
			return fmt.Errorf("field %s: value contains disallowed characters", name)
		}
	}
	if len(field.Enum) > 0 {
		for _, allowed := range field.Enum {
			if allowed == str {
				return nil
			}
		}
		return fmt.Errorf("field %s: value not in allowed list", name)
	}
	return nil
}

func validateNumber(name string, val any, field Field) error {
	var num float64
	switch v := val.(type) {
	case float64:
		num = v
	case int:
		num = float64(v)
	case int64:
		num = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return fmt.Errorf("field %s: expected number, got %q", name, v.String())
		}
		num = f
	default:
		return fmt.Errorf("field %s: expected number, got %T", name, val)
	}
	if field.Minimum != nil && num < *field.Minimum {
		return fmt.Errorf("field %s: value %g below minimum %g", name, num, *field.Minimum)
	}
	if field.Maximum != nil && num > *field.Maximum {
		return fmt.Errorf("field %s: value %g above maximum %g", name, num, *field.Maximum)
	}
	return nil
}
