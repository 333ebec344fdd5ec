package helpers

import "time"

// IntSecondDefault converts config integer seconds, zero means default.
func IntSecondDefault(x int, def time.Duration) time.Duration {
	if x == 0 {
		return def
	}
	return time.Duration(x) * time.Second
}

func IntMillisecondDefault(x int, def time.Duration) time.Duration {
	if x == 0 {
		return def
	}
	return time.Duration(x) * time.Millisecond
}

func IntDefault(x int, def int) int {
	if x == 0 {
		return def
	}
	return x
}

// UnixMilli is timestamp format of cloud payloads, zero time maps to 0.
func UnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano() / int64(time.Millisecond)
}
