package hl7v2

import (
	"fmt"
	"strings"
	"unicode"
)

// SegmentDelimiter separates segments on the wire.
const SegmentDelimiter = "\r"

// Delimiters is the encoding character set declared in MSH-1 and MSH-2.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultDelimiters is the `|^~\&` set used when MSH-2 omits a character.
var DefaultDelimiters = Delimiters{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	Subcomponent: '&',
}

// Message is a tokenized HL7v2 message: its segments in wire order and the
// delimiters they were split with.
type Message struct {
	Delims   Delimiters
	Segments []Segment
}

// Segment is one line of a message. Fields holds the raw field strings in
// HL7 numbering, so Fields[n] is field n. Fields[0] is unused for ordinary
// segments; for MSH, Fields[1] is the field separator itself.
type Segment struct {
	Name   string
	Fields []string

	delims Delimiters
}

// Tokenize splits a normalized message into segments. A message that does not
// start with MSH is a structural failure and returns an error; individual
// malformed segments are reported to diag and skipped.
func Tokenize(text string, diag *Diagnostics) (*Message, error) {
	lines := strings.Split(text, SegmentDelimiter)

	var segmentLines []string
	for _, line := range lines {
		line = trimSpace(line)
		if line != "" {
			segmentLines = append(segmentLines, line)
		}
	}

	if len(segmentLines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}

	header := segmentLines[0]
	if !strings.HasPrefix(header, "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", header[:min(3, len(header))])
	}
	if len(header) < 4 {
		return nil, fmt.Errorf("hl7v2: MSH segment has no field separator")
	}

	delims := parseDelimiters(header)
	msg := &Message{Delims: delims}

	for i, line := range segmentLines {
		seg, err := parseSegment(line, delims)
		if err != nil {
			diag.Addf("segment %d: %v", i+1, err)
			continue
		}
		msg.Segments = append(msg.Segments, seg)
	}

	return msg, nil
}

// parseDelimiters reads MSH-1 and MSH-2. Characters missing from MSH-2 fall
// back to the defaults.
func parseDelimiters(header string) Delimiters {
	d := DefaultDelimiters
	d.Field = header[3]

	enc := header[4:]
	if i := strings.IndexByte(enc, d.Field); i >= 0 {
		enc = enc[:i]
	}
	targets := []*byte{&d.Component, &d.Repetition, &d.Escape, &d.Subcomponent}
	for i := 0; i < len(enc) && i < len(targets); i++ {
		*targets[i] = enc[i]
	}
	return d
}

// parseSegment splits a single segment line into its tag and fields.
func parseSegment(line string, d Delimiters) (Segment, error) {
	if len(line) < 3 || !validSegmentName(line[:3]) {
		return Segment{}, fmt.Errorf("malformed segment %q", truncate(line, 20))
	}
	if len(line) > 3 && line[3] != d.Field {
		return Segment{}, fmt.Errorf("malformed segment %q: tag not followed by field separator", truncate(line, 20))
	}

	seg := Segment{Name: line[:3], delims: d}
	if len(line) == 3 {
		seg.Fields = []string{seg.Name}
		return seg, nil
	}

	sep := string(d.Field)
	if seg.Name == "MSH" {
		// MSH-1 is the separator itself, so MSH-2 is the first split element
		// after the tag.
		parts := strings.Split(line[4:], sep)
		seg.Fields = make([]string, 0, len(parts)+2)
		seg.Fields = append(seg.Fields, seg.Name, sep)
		seg.Fields = append(seg.Fields, parts...)
		return seg, nil
	}

	seg.Fields = strings.Split(line, sep)
	return seg, nil
}

func validSegmentName(tag string) bool {
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// GetSegment returns the first segment with the given name, or nil if absent.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name in wire order.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// Raw returns field n exactly as it appeared on the wire, or "" when the
// segment is shorter than n fields.
func (s *Segment) Raw(n int) string {
	if n < 1 || n >= len(s.Fields) {
		return ""
	}
	return s.Fields[n]
}

// Components splits a field value on the segment's component separator.
func (s *Segment) Components(value string) []string {
	sep := s.delims.Component
	if sep == 0 {
		sep = DefaultDelimiters.Component
	}
	return strings.Split(value, string(sep))
}

// normalize converts CRLF and LF line endings to the HL7 segment delimiter.
func normalize(raw string) string {
	text := strings.ReplaceAll(raw, "\r\n", SegmentDelimiter)
	return strings.ReplaceAll(text, "\n", SegmentDelimiter)
}

// isSpace treats the ASCII information separators as whitespace in addition
// to the Unicode set. MLLP end blocks (0x1C) often survive in file dumps.
func isSpace(r rune) bool {
	return unicode.IsSpace(r) || (r >= 0x1C && r <= 0x1F)
}

func trimSpace(s string) string {
	return strings.TrimFunc(s, isSpace)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
