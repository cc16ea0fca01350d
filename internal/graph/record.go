package graph

import "time"

// String returns the string at key, or "".
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Int64 returns the integer at key, or 0. Bolt returns integers as int64;
// int and float64 are accepted for fakes.
func (r Record) Int64(key string) int64 {
	switch n := r[key].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// Bool returns the bool at key, or false.
func (r Record) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

// Millis reads a Unix millisecond timestamp. Zero reads as the zero time.
func (r Record) Millis(key string) time.Time {
	ms := r.Int64(key)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
