package hl7v2

import (
	"strings"
	"time"
)

// AckCode is the MSA-1 acknowledgment code.
type AckCode string

const (
	AckAccept AckCode = "AA"
	AckError  AckCode = "AE"
	AckReject AckCode = "AR"
)

// AckCodeFor picks the acknowledgment for a parse result: AR when the message
// could not be tokenized, AE when it parsed with errors, AA otherwise.
func AckCodeFor(msg *ParsedMessage) AckCode {
	switch {
	case msg.Failed():
		return AckReject
	case len(msg.ParseErrors) > 0:
		return AckError
	default:
		return AckAccept
	}
}

// BuildACK renders an original-mode ACK for msg. Sender and receiver are
// swapped and MSA-2 echoes the incoming control id. When the ACK code is not
// AA, MSA-3 carries the first parse error.
func BuildACK(msg *ParsedMessage, code AckCode, controlID string, now time.Time) string {
	version := msg.Version
	if version == "" {
		version = "2.5"
	}

	msh := []string{
		"MSH",
		`^~\&`,
		escapeHD(msg.ReceivingApplication),
		escapeHD(msg.ReceivingFacility),
		escapeHD(msg.SendingApplication),
		escapeHD(msg.SendingFacility),
		now.UTC().Format("20060102150405"),
		"",
		"ACK^" + escapeValue(msg.EventType),
		controlID,
		"P",
		version,
	}

	msa := []string{"MSA", string(code), escapeValue(msg.ControlID)}
	if code != AckAccept && len(msg.ParseErrors) > 0 {
		msa = append(msa, escapeValue(msg.ParseErrors[0]))
	}

	return strings.Join(msh, "|") + SegmentDelimiter + strings.Join(msa, "|")
}

var escaper = strings.NewReplacer(
	`\`, `\E\`,
	"|", `\F\`,
	"^", `\S\`,
	"&", `\T\`,
	"~", `\R\`,
	"\r", " ",
	"\n", " ",
)

// hdEscaper leaves the component separator alone. MSH-3 to MSH-6 are HD
// composites and are echoed component for component.
var hdEscaper = strings.NewReplacer(
	`\`, `\E\`,
	"|", `\F\`,
	"&", `\T\`,
	"~", `\R\`,
	"\r", " ",
	"\n", " ",
)

func escapeHD(s string) string {
	return hdEscaper.Replace(s)
}

// escapeValue applies the HL7 escape sequences for the default delimiters and
// flattens line breaks so a value cannot split the segment.
func escapeValue(s string) string {
	return escaper.Replace(s)
}
