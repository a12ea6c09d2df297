package hl7v2

import "time"

// UnknownValue is the control id and message type a ParsedMessage carries
// until the MSH segment supplies real values.
const UnknownValue = "UNKNOWN"

// Patient holds demographics extracted from PID.
type Patient struct {
	MRN         string     `json:"mrn"`
	FamilyName  string     `json:"name_family,omitempty"`
	GivenName   string     `json:"name_given,omitempty"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	Gender      string     `json:"gender,omitempty"`
}

// Encounter holds visit information extracted from PV1.
type Encounter struct {
	VisitNumber          string     `json:"visit_number"`
	EncounterType        string     `json:"encounter_type,omitempty"`
	AdmitTime            *time.Time `json:"admit_datetime,omitempty"`
	DischargeTime        *time.Time `json:"discharge_datetime,omitempty"`
	AttendingPhysician   string     `json:"attending_physician,omitempty"`
	AttendingPhysicianID string     `json:"attending_physician_id,omitempty"`
	HospitalService      string     `json:"hospital_service,omitempty"`
}

// Diagnosis is a single DG1 segment.
type Diagnosis struct {
	SetID        int    `json:"set_id,omitempty"`
	Code         string `json:"diagnosis_code,omitempty"`
	Description  string `json:"diagnosis_description,omitempty"`
	Type         string `json:"diagnosis_type,omitempty"`
	CodingMethod string `json:"coding_method,omitempty"`
}

// Procedure is a single PR1 segment.
type Procedure struct {
	SetID                 int        `json:"set_id,omitempty"`
	Code                  string     `json:"procedure_code,omitempty"`
	Description           string     `json:"procedure_description,omitempty"`
	PerformedAt           *time.Time `json:"procedure_datetime,omitempty"`
	PerformingPhysician   string     `json:"performing_physician,omitempty"`
	PerformingPhysicianID string     `json:"performing_physician_id,omitempty"`
}

// Observation is a single OBX segment.
type Observation struct {
	SetID          int        `json:"set_id,omitempty"`
	Identifier     string     `json:"observation_identifier,omitempty"`
	IdentifierText string     `json:"observation_identifier_text,omitempty"`
	Value          string     `json:"observation_value,omitempty"`
	Units          string     `json:"units,omitempty"`
	ReferenceRange string     `json:"reference_range,omitempty"`
	AbnormalFlags  string     `json:"abnormal_flags,omitempty"`
	ObservedAt     *time.Time `json:"observation_datetime,omitempty"`
	ResultStatus   string     `json:"result_status,omitempty"`
}

// Order combines an ORC segment with the OBR at the same position.
type Order struct {
	OrderControl             string     `json:"order_control,omitempty"`
	PlacerOrderNumber        string     `json:"placer_order_number,omitempty"`
	FillerOrderNumber        string     `json:"filler_order_number,omitempty"`
	Status                   string     `json:"order_status,omitempty"`
	OrderedAt                *time.Time `json:"order_datetime,omitempty"`
	OrderingProvider         string     `json:"ordering_provider,omitempty"`
	OrderingProviderID       string     `json:"ordering_provider_id,omitempty"`
	ServiceType              string     `json:"order_type,omitempty"`
	ServiceTypeCode          string     `json:"order_type_code,omitempty"`
	DiagnosticServiceSection string     `json:"diagnostic_service_section,omitempty"`
}

// Document is a TXA segment plus the free text carried by the message's OBX
// segments. Only produced for MDM messages.
type Document struct {
	Type         string     `json:"document_type,omitempty"`
	TypeCode     string     `json:"document_type_code,omitempty"`
	Status       string     `json:"document_status,omitempty"`
	OriginatedAt *time.Time `json:"origination_datetime,omitempty"`
	Author       string     `json:"author,omitempty"`
	AuthorID     string     `json:"author_id,omitempty"`
	Content      string     `json:"content,omitempty"`
}

// ParsedMessage is the result of parsing one HL7 v2.x message. RawContent is
// always the exact input, whether or not parsing succeeded.
type ParsedMessage struct {
	ControlID            string     `json:"message_control_id"`
	MessageType          string     `json:"message_type"`
	EventType            string     `json:"event_type,omitempty"`
	SendingApplication   string     `json:"sending_application,omitempty"`
	SendingFacility      string     `json:"sending_facility,omitempty"`
	ReceivingApplication string     `json:"receiving_application,omitempty"`
	ReceivingFacility    string     `json:"receiving_facility,omitempty"`
	Version              string     `json:"version,omitempty"`
	Timestamp            *time.Time `json:"message_datetime,omitempty"`

	Patient      *Patient      `json:"patient,omitempty"`
	Encounter    *Encounter    `json:"encounter,omitempty"`
	Diagnoses    []Diagnosis   `json:"diagnoses"`
	Procedures   []Procedure   `json:"procedures"`
	Observations []Observation `json:"observations"`
	Orders       []Order       `json:"orders"`
	Documents    []Document    `json:"documents"`

	RawContent  string   `json:"raw_content"`
	ParseErrors []string `json:"parse_errors"`
}

// dischargeEvents are the ADT trigger events that make an encounter eligible
// for coding. A04 (registration) is included alongside A03 (discharge).
var dischargeEvents = map[string]bool{
	"A03": true,
	"A04": true,
}

// IsDischargeEvent reports whether the message is an ADT discharge trigger.
func (m *ParsedMessage) IsDischargeEvent() bool {
	return m.MessageType == "ADT" && dischargeEvents[m.EventType]
}

// HasPatient reports whether a patient with an MRN was extracted.
func (m *ParsedMessage) HasPatient() bool {
	return m.Patient != nil && m.Patient.MRN != ""
}

// HasEncounter reports whether an encounter with a visit number was extracted.
func (m *ParsedMessage) HasEncounter() bool {
	return m.Encounter != nil && m.Encounter.VisitNumber != ""
}

// Failed reports whether the message could not be tokenized at all.
func (m *ParsedMessage) Failed() bool {
	return m.MessageType == UnknownValue && len(m.ParseErrors) > 0
}
