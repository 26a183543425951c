package logging

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const consoleTimeLayout = "2006-01-02 15:04:05.000"

// consoleHashLen shortens 64-character cache keys to a greppable prefix.
const consoleHashLen = 12

func consoleTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.Local().Format(consoleTimeLayout)
}

// plainValue renders a header field (component, task id) without quoting.
func plainValue(v slog.Value) string {
	v = v.Resolve()
	if v.Kind() == slog.KindAny {
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	}
	return v.String()
}

// consoleValue renders one indented field line's value.
func consoleValue(key string, v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if key == FieldHash && len(s) > consoleHashLen {
			s = s[:consoleHashLen]
		}
		return quoteUnsafe(s)
	case slog.KindDuration:
		return v.Duration().Round(time.Millisecond).String()
	case slog.KindTime:
		return consoleTime(v.Time())
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindAny:
		switch value := v.Any().(type) {
		case error:
			return quoteUnsafe(value.Error())
		case []string:
			return "[" + strings.Join(value, ", ") + "]"
		default:
			return quoteUnsafe(fmt.Sprint(value))
		}
	default:
		// Bool, Int64 and Uint64 print the same either way.
		return v.String()
	}
}

// quoteUnsafe quotes strings that are empty or would break the one-field-per-line layout.
func quoteUnsafe(s string) string {
	unsafe := s == "" || strings.ContainsFunc(s, func(r rune) bool { return r < ' ' || r == '"' })
	if unsafe {
		return strconv.Quote(s)
	}
	return s
}
