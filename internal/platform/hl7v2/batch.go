package hl7v2

import (
	"regexp"
	"strings"
)

// messageStart matches an MSH header at the start of the text or right after
// a segment delimiter. Anchoring avoids splitting on "MSH|" inside a field.
var messageStart = regexp.MustCompile(`(?:^|\r)MSH\|`)

// envelopeSegments are HL7 batch-protocol wrappers. They frame messages
// rather than belong to them.
var envelopeSegments = []string{"FHS|", "BHS|", "BTS|", "FTS|"}

// SplitBatch splits text holding zero or more concatenated HL7 messages into
// one string per message, each starting with MSH. Line endings are
// normalized to CR first. Text without any MSH header is returned whole as a
// single candidate so it surfaces as a parse error downstream; empty or
// whitespace-only input yields nil.
func SplitBatch(content string) []string {
	normalized := normalize(content)

	matches := messageStart.FindAllStringIndex(normalized, -1)
	if len(matches) == 0 {
		if trimmed := trimSpace(normalized); trimmed != "" {
			return []string{trimmed}
		}
		return nil
	}

	var messages []string
	for i, match := range matches {
		start := match[0]
		if normalized[start] == '\r' {
			start++
		}

		end := len(normalized)
		if i+1 < len(matches) {
			end = matches[i+1][0]
			if normalized[end] == '\r' {
				end++
			}
		}

		msg := trimSpace(stripEnvelope(normalized[start:end]))
		if msg != "" {
			messages = append(messages, msg)
		}
	}
	return messages
}

// stripEnvelope removes batch header/trailer segments from a message body.
func stripEnvelope(msg string) string {
	if !containsEnvelope(msg) {
		return msg
	}
	lines := strings.Split(msg, SegmentDelimiter)
	kept := lines[:0]
	for _, line := range lines {
		if isEnvelopeSegment(trimSpace(line)) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, SegmentDelimiter)
}

func containsEnvelope(msg string) bool {
	for _, tag := range envelopeSegments {
		if strings.Contains(msg, tag) {
			return true
		}
	}
	return false
}

func isEnvelopeSegment(line string) bool {
	for _, tag := range envelopeSegments {
		if strings.HasPrefix(line, tag) {
			return true
		}
	}
	return false
}
