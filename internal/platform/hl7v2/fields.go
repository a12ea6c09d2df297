package hl7v2

import (
	"fmt"
	"strconv"
)

// Diagnostics accumulates non-fatal problems found while parsing one message.
// It is threaded through every extraction stage instead of failing the parse.
type Diagnostics struct {
	errs []string
}

// Add records a human-readable parse error.
func (d *Diagnostics) Add(msg string) {
	d.errs = append(d.errs, msg)
}

// Addf records a formatted parse error.
func (d *Diagnostics) Addf(format string, args ...any) {
	d.errs = append(d.errs, fmt.Sprintf(format, args...))
}

// Errors returns the recorded errors, never nil.
func (d *Diagnostics) Errors() []string {
	if d.errs == nil {
		return []string{}
	}
	out := make([]string, len(d.errs))
	copy(out, d.errs)
	return out
}

// Len returns the number of recorded errors.
func (d *Diagnostics) Len() int {
	return len(d.errs)
}

// Field positions read by the extractors, one block per segment type. HL7
// numbering: MSH-3 is the sending application, PID-3 the patient identifier.
const (
	mshSendingApplication   = 3
	mshSendingFacility      = 4
	mshReceivingApplication = 5
	mshReceivingFacility    = 6
	mshDateTime             = 7
	mshMessageType          = 9
	mshControlID            = 10
	mshVersionID            = 12
)

const (
	pidPatientID   = 3
	pidPatientName = 5
	pidDateOfBirth = 7
	pidSex         = 8
)

const (
	pv1PatientClass      = 2
	pv1AttendingDoctor   = 7
	pv1HospitalService   = 10
	pv1VisitNumber       = 19
	pv1VisitNumberAlt    = 18
	pv1VisitScanFirst    = 15
	pv1VisitScanLast     = 24
	pv1AdmitDateTime     = 44
	pv1AdmitDateTimeAlt  = 43
	pv1DischargeDateTime = 45
	pv1DischargeAlt      = 44
)

const (
	dg1SetID         = 1
	dg1DiagnosisCode = 3
	dg1DiagnosisType = 6
)

const (
	pr1SetID         = 1
	pr1ProcedureCode = 3
	pr1DateTime      = 5
	pr1Surgeon       = 8
)

const (
	obxSetID          = 1
	obxValueType      = 2
	obxIdentifier     = 3
	obxValue          = 5
	obxUnits          = 6
	obxReferenceRange = 7
	obxAbnormalFlags  = 8
	obxResultStatus   = 11
	obxDateTime       = 14
)

const (
	orcOrderControl     = 1
	orcPlacerOrder      = 2
	orcFillerOrder      = 3
	orcOrderStatus      = 5
	orcTransactionTime  = 9
	orcOrderingProvider = 12
)

const (
	obrPlacerOrder          = 2
	obrFillerOrder          = 3
	obrUniversalServiceID   = 4
	obrDiagnosticSection    = 24
	obrDiagnosticSectionAlt = 30
	obrSectionScanFirst     = 20
	obrSectionScanLast      = 34
)

const (
	txaDocumentType     = 2
	txaActivityDateTime = 4
	txaOriginator       = 9
	txaCompletionStatus = 17
)

// Value returns field n trimmed, or "" when the field is missing, empty, or
// the explicit HL7 null `""`. All extractors read segment data through it.
func (s *Segment) Value(n int) string {
	if s == nil {
		return ""
	}
	v := trimSpace(s.Raw(n))
	if v == `""` {
		return ""
	}
	return v
}

// Component returns component c (1-based) of field n, or "" when absent.
func (s *Segment) Component(n, c int) string {
	v := s.Value(n)
	if v == "" || c < 1 {
		return ""
	}
	parts := s.Components(v)
	if c > len(parts) {
		return ""
	}
	return parts[c-1]
}

// IntValue returns field n as an integer, or 0 when absent or not numeric.
func (s *Segment) IntValue(n int) int {
	v := s.Value(n)
	if v == "" {
		return 0
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return i
}

// firstComponent returns the part of a composite value before the first
// component separator.
func (s *Segment) firstComponent(v string) string {
	return s.Components(v)[0]
}

// personName splits an XCN-style composite (id^family^given^...) into an id
// and a display name. The name is "family given" when both are present and
// "family" alone otherwise.
func (s *Segment) personName(n int) (id, name string) {
	v := s.Value(n)
	if v == "" {
		return "", ""
	}
	parts := s.Components(v)
	id = parts[0]
	if len(parts) > 1 {
		name = parts[1]
		if len(parts) > 2 && parts[1] != "" && parts[2] != "" {
			name = parts[1] + " " + parts[2]
		}
	}
	return id, name
}

// codedValue splits a CE/CWE composite into its first three components.
func (s *Segment) codedValue(n int) (code, text, system string) {
	v := s.Value(n)
	if v == "" {
		return "", "", ""
	}
	parts := s.Components(v)
	code = parts[0]
	if len(parts) > 1 {
		text = parts[1]
	}
	if len(parts) > 2 {
		system = parts[2]
	}
	return code, text, system
}
