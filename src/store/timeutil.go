// SPDX-License-Identifier: MIT
package store

import "time"

// Timestamps are stored as RFC3339Nano text columns rather than native
// driver TIMESTAMP types so that scan/format behavior is identical
// across sqlite, postgres, mysql and mssql — the four drivers wired
// into this store disagree enough on time.Time handling (especially
// modernc.org/sqlite, which has no native temporal type) that a single
// textual format is the simplest thing that is correct everywhere.

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func decodeTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := decodeTime(*s)
	return &t
}
