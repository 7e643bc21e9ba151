package models

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// cursorTimeLayouts are tried in order when interpreting a cursor as a timestamp.
var cursorTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseCursorTime interprets a cursor string as a timestamp.
func ParseCursorTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range cursorTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatCursor converts a replication key value into its bookmark string form.
func FormatCursor(v interface{}) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", fmt.Errorf("replication key value is null")
	case string:
		return x, nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case json.Number:
		return x.String(), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		return "", fmt.Errorf("unsupported replication key type %T", v)
	}
}

// CompareCursor orders two cursor strings. Values that both parse as
// timestamps compare as instants, values that both parse as numbers compare
// numerically, anything else compares lexicographically. It returns -1, 0 or 1.
func CompareCursor(a, b string) int {
	if ta, ok := ParseCursorTime(a); ok {
		if tb, ok := ParseCursorTime(b); ok {
			return ta.Compare(tb)
		}
	}
	if na, ok := new(big.Float).SetString(strings.TrimSpace(a)); ok {
		if nb, ok := new(big.Float).SetString(strings.TrimSpace(b)); ok {
			return na.Cmp(nb)
		}
	}
	return strings.Compare(a, b)
}
