package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Literal renders a Go value as a SQL literal. Strings are single-quoted
// with embedded quotes doubled, numerics are rendered bare, times are
// rendered as quoted 'YYYY-MM-DD' or 'YYYY-MM-DD HH:MM:SS' strings, and nil
// becomes null. Anything else falls back to its quoted string form.
func Literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return quote(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		// Partition columns holding dates are stored as strings on both
		// backends, so a quoted string literal compares correctly.
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return quote(x.Format("2006-01-02"))
		}
		return quote(x.Format("2006-01-02 15:04:05"))
	default:
		return quote(fmt.Sprintf("%v", x))
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
