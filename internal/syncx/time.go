package syncx

import "time"

// NowMs returns the current Unix milliseconds timestamp (UTC).
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}

// RFC3339 converts Unix milliseconds to an RFC3339 timestamp string.
// Used only for logs and human-facing responses; the wire protocol itself
// carries 64-bit millisecond integers.
func RFC3339(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}
