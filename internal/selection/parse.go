package selection

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"sitemigrate/internal/errs"
)

// Request field names
const (
	FieldPostTypes = "export_post_types"
	FieldSettings  = "export_settings"
	FieldGroups    = "export_widgets"

	// FieldPostTypesShort is accepted alongside FieldPostTypes
	FieldPostTypesShort = "post_types"
)

// IDsField names the companion id-list field of a content type
func IDsField(postType string) string {
	return "selected_" + postType + "_ids"
}

// Parse builds a ContentSelection from raw request parameters. Only the shape
// of raw is validated: malformed or missing fields are dropped. When declared
// is non-empty, content types outside it are ignored.
func Parse(raw any, declared []string) (*ContentSelection, error) {
	params, err := asMapping(raw)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]struct{}, len(declared))
	for _, t := range declared {
		allowed[t] = struct{}{}
	}

	b := NewBuilder()
	types := append(toList(params[FieldPostTypes]), toList(params[FieldPostTypesShort])...)
	for _, item := range types {
		postType, ok := SanitizeKey(item)
		if !ok {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[postType]; !ok {
				continue
			}
		}
		b.AddType(postType)
		for _, rawID := range toList(params[IDsField(postType)]) {
			if id, ok := coerceID(rawID); ok {
				b.AddPost(postType, id)
			}
		}
	}
	for _, item := range toList(params[FieldSettings]) {
		if key, ok := SanitizeKey(item); ok {
			b.AddSetting(key)
		}
	}
	for _, item := range toList(params[FieldGroups]) {
		if name, ok := SanitizeKey(item); ok {
			b.AddGroup(name)
		}
	}
	return b.Build(), nil
}

func asMapping(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case url.Values:
		return fromMultiMap(v), nil
	case map[string][]string:
		return fromMultiMap(v), nil
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: selection parameters must be a mapping, got %T", errs.ErrValidation, raw)
	}
}

func fromMultiMap(v map[string][]string) map[string]any {
	out := make(map[string]any, len(v))
	for k, vals := range v {
		// PHP-style form arrays arrive as "key[]"
		k = strings.TrimSuffix(k, "[]")
		items := make([]any, len(vals))
		for i, s := range vals {
			items[i] = s
		}
		out[k] = items
	}
	return out
}

// toList flattens a field value into items. Strings are split on commas.
func toList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		var out []any
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, splitString(s)...)
				continue
			}
			out = append(out, item)
		}
		return out
	case []string:
		var out []any
		for _, s := range t {
			out = append(out, splitString(s)...)
		}
		return out
	case string:
		return splitString(t)
	default:
		return []any{t}
	}
}

func splitString(s string) []any {
	var out []any
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// coerceID accepts non-negative integers in string or numeric form
func coerceID(v any) (int64, bool) {
	switch t := v.(type) {
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return id, err == nil && id >= 0
	case json.Number:
		id, err := t.Int64()
		return id, err == nil && id >= 0
	case float64:
		if t < 0 || t != math.Trunc(t) || t >= math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case int:
		return int64(t), t >= 0
	case int64:
		return t, t >= 0
	case int32:
		return int64(t), t >= 0
	case uint:
		return int64(t), uint64(t) <= math.MaxInt64
	case uint64:
		return int64(t), t <= math.MaxInt64
	case uint32:
		return int64(t), true
	default:
		return 0, false
	}
}

// SanitizeKey lowercases v and strips everything outside [a-z0-9_-]. The
// second return is false when nothing usable remains.
func SanitizeKey(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	default:
		return "", false
	}

	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			sb.WriteRune(r)
		}
	}
	if sb.Len() == 0 {
		return "", false
	}
	return sb.String(), true
}
