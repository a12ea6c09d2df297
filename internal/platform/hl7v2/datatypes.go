package hl7v2

import (
	"strings"
	"time"
)

// timestampLayouts are tried most-specific first. The input is cut to the
// layout's length before each attempt, so trailing precision beyond the
// layout is ignored.
var timestampLayouts = []string{
	"20060102150405.999999",
	"20060102150405",
	"200601021504",
	"20060102",
}

// ParseTimestamp parses an HL7 TS/DTM value of the form
// YYYYMMDD[HHMM[SS[.S[S[S[S]]]]]][+/-ZZZZ]. The offset is discarded and the
// result is returned in UTC. It returns nil when no layout matches.
func ParseTimestamp(s string) *time.Time {
	s = trimSpace(s)
	if s == "" {
		return nil
	}

	if i := strings.IndexAny(s, "+-"); i >= 0 {
		s = s[:i]
	}

	for _, layout := range timestampLayouts {
		candidate := s
		if len(candidate) > len(layout) {
			candidate = candidate[:len(layout)]
		}
		t, err := time.Parse(layout, candidate)
		if err == nil {
			return &t
		}
	}
	return nil
}

// ParseDate parses the first eight characters of s as YYYYMMDD.
func ParseDate(s string) *time.Time {
	s = trimSpace(s)
	if len(s) < 8 {
		return nil
	}
	t, err := time.Parse("20060102", s[:8])
	if err != nil {
		return nil
	}
	return &t
}
