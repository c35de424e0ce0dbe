package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"presencewatch/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.EventFields, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap maps a decoded object onto event fields. A nested "sample"
// or "beacon" object is flattened into the top level.
func ParseJSONMap(obj map[string]interface{}) *normalize.EventFields {
	fields := &normalize.EventFields{Extras: map[string]string{}}
	flat := make(map[string]string, len(obj))
	for key, val := range obj {
		if nested, ok := val.(map[string]interface{}); ok {
			for k, v := range nested {
				flat[strings.ToLower(k)] = stringify(v)
			}
			continue
		}
		flat[strings.ToLower(key)] = stringify(val)
	}
	for key, val := range flat {
		assignField(fields, key, val)
	}
	if fields.Timestamp == "" {
		fields.Timestamp = firstNonEmpty(fields.Extras, "timestamp_ms", "ts_ms")
	}
	return fields
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
