package bemfa

import (
	"encoding/json"
	"math"
	"strconv"
)

// Attribute values arrive decoded from Home Assistant JSON, so numbers are
// float64 and lists are []interface{}. Tests and callers may also pass native
// Go types, which are accepted as well.

func attrFloat(attrs map[string]interface{}, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	return toFloat(attrs[key])
}

func attrString(attrs map[string]interface{}, key string) string {
	if attrs == nil {
		return ""
	}
	s, _ := attrs[key].(string)
	return s
}

func attrFloats(attrs map[string]interface{}, key string) ([]float64, bool) {
	if attrs == nil {
		return nil, false
	}
	switch v := attrs[key].(type) {
	case []float64:
		return v, true
	case []int:
		out := make([]float64, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return out, true
	case []interface{}:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			f, ok := toFloat(item)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	}
	return nil, false
}

func attrStrings(attrs map[string]interface{}, key string) ([]string, bool) {
	if attrs == nil {
		return nil, false
	}
	switch v := attrs[key].(type) {
	case []string:
		return v, true
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func parseStateNumber(state string) (float64, bool) {
	v, err := strconv.ParseFloat(state, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
