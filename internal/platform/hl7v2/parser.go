package hl7v2

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Parser turns raw HL7 v2.x text into ParsedMessage values. It holds no state
// between calls and is safe for concurrent use.
type Parser struct {
	logger zerolog.Logger
}

// Option configures a Parser.
type Option func(*Parser)

// WithLogger sets the logger used for structural and recovered failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Parser) {
		p.logger = logger
	}
}

// NewParser creates a Parser. Without options it logs nothing.
func NewParser(opts ...Option) *Parser {
	p := &Parser{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse parses a single message. It never fails: problems are reported in
// ParseErrors, and a message that cannot be tokenized keeps the UNKNOWN
// control id and message type.
func (p *Parser) Parse(raw string) *ParsedMessage {
	parsed := &ParsedMessage{
		ControlID:    UnknownValue,
		MessageType:  UnknownValue,
		Diagnoses:    []Diagnosis{},
		Procedures:   []Procedure{},
		Observations: []Observation{},
		Orders:       []Order{},
		Documents:    []Document{},
		RawContent:   raw,
	}
	diag := &Diagnostics{}

	msg, err := Tokenize(trimSpace(normalize(raw)), diag)
	if err != nil {
		diag.Addf("HL7 parse error: %v", err)
		p.logger.Warn().Err(err).Msg("failed to parse HL7 message")
		parsed.ParseErrors = diag.Errors()
		return parsed
	}

	p.stage(diag, "MSH", func() { extractHeader(msg, parsed) })
	p.stage(diag, "PID", func() { parsed.Patient = extractPatient(msg, diag) })
	p.stage(diag, "PV1", func() { parsed.Encounter = extractEncounter(msg, diag) })
	p.stage(diag, "DG1 segments", func() {
		parsed.Diagnoses = extractRepeating(msg, "DG1", diag, extractDiagnosis)
	})
	p.stage(diag, "PR1 segments", func() {
		parsed.Procedures = extractRepeating(msg, "PR1", diag, extractProcedure)
	})
	p.stage(diag, "OBX segments", func() {
		parsed.Observations = extractRepeating(msg, "OBX", diag, extractObservation)
	})
	p.stage(diag, "ORC/OBR segments", func() { parsed.Orders = extractOrders(msg, diag) })
	if parsed.MessageType == "MDM" {
		p.stage(diag, "TXA segments", func() { parsed.Documents = extractDocuments(msg, diag) })
	}

	if n := diag.Len(); n > 0 {
		p.logger.Debug().
			Str("control_id", parsed.ControlID).
			Str("message_type", parsed.MessageType).
			Int("parse_errors", n).
			Msg("message parsed with errors")
	}
	parsed.ParseErrors = diag.Errors()
	return parsed
}

// ParseBatch splits content into messages and parses each one.
func (p *Parser) ParseBatch(content string) []*ParsedMessage {
	raws := SplitBatch(content)
	results := make([]*ParsedMessage, 0, len(raws))
	for _, raw := range raws {
		results = append(results, p.Parse(raw))
	}
	return results
}

// stage runs one extraction step. A panic inside it is recorded against the
// message and parsing continues with the next step.
func (p *Parser) stage(diag *Diagnostics, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			diag.Addf("error parsing %s: %v", name, r)
			p.logger.Error().
				Str("stage", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("recovered from extractor panic")
		}
	}()
	fn()
}

// guardSegment runs fn for the index-th segment of a repeating type. A panic
// skips only that segment.
func guardSegment(diag *Diagnostics, name string, index int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			diag.Addf("error parsing %s segment %d: %v", name, index+1, r)
		}
	}()
	fn()
}

// extractRepeating applies extract to every segment named name, in order.
func extractRepeating[T any](msg *Message, name string, diag *Diagnostics, extract func(*Segment) T) []T {
	segs := msg.GetSegments(name)
	out := make([]T, 0, len(segs))
	for i := range segs {
		guardSegment(diag, name, i, func() {
			out = append(out, extract(&segs[i]))
		})
	}
	return out
}
