package hl7v2

import (
	"bytes"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// =========== Sample Messages ===========

const sampleADTA01 = "MSH|^~\\&|EPIC|HOSPITAL|MEDCODE|CODING|20251215120000||ADT^A01|MSG00001|P|2.5\n" +
	"PID|1||12345678^^^MRN||Smith^John^A||19800515|M|||123 Main St^^Chicago^IL^60601\n" +
	"PV1|1|I|4N^401^A^^^N||||1234567^Jones^Mary^MD|||SUR||||||||V123456789^^^VISIT|||||||||||||||||||||||||20251215100000"

const sampleADTA03 = "MSH|^~\\&|EPIC|HOSPITAL|MEDCODE|CODING|20251217150000||ADT^A03|MSG00002|P|2.5\n" +
	"PID|1||12345678^^^MRN||Smith^John^A||19800515|M\n" +
	"PV1|1|I|4N^401^A^^^N||||1234567^Jones^Mary^MD|||SUR||||||||V123456789^^^VISIT|||||||||||||||||||||||||20251215100000|20251217140000"

const sampleORUR01 = "MSH|^~\\&|LAB|HOSPITAL|MEDCODE|CODING|20251216080000||ORU^R01|MSG00003|P|2.5\n" +
	"PID|1||12345678^^^MRN||Smith^John^A||19800515|M\n" +
	"PV1|1|I|4N^401^A|||||||||||||||V123456789^^^VISIT\n" +
	"ORC|RE|ORD001|FIL001||CM||||20251216070000|^Ordering^Doctor\n" +
	"OBR|1|ORD001|FIL001|80053^METABOLIC PANEL^CPT|||20251216070000||||||||^Ordering^Doctor||||||20251216080000|||F||||||LAB\n" +
	"OBX|1|NM|2345-7^GLUCOSE^LN||95|mg/dL|70-100|N|||F|||20251216075500\n" +
	"OBX|2|NM|2160-0^CREATININE^LN||1.1|mg/dL|0.7-1.3|N|||F|||20251216075500"

const sampleORMO01 = "MSH|^~\\&|EHR|HOSPITAL|MEDCODE|CODING|20251216100000||ORM^O01|MSG00004|P|2.5\n" +
	"PID|1||12345678^^^MRN||Smith^John^A||19800515|M\n" +
	"PV1|1|I|4N^401^A|||||||||||||||V123456789^^^VISIT\n" +
	"ORC|NW|ORD002||||||20251216100000|^Ordering^Doctor\n" +
	"OBR|1|ORD002||71046^CHEST X-RAY^CPT|||20251216100000|||||||||||||||RAD"

const sampleMDMT02 = "MSH|^~\\&|DOCS|HOSPITAL|MEDCODE|CODING|20251218090000||MDM^T02|MSG00005|P|2.5\r" +
	"PID|1||12345678^^^MRN||Smith^John\r" +
	"PV1|1|O|CLINIC||||||||||||||||V987\r" +
	"TXA|1|DS^Discharge Summary|TX|20251218083000|||||5551212^Welby^Marcus^MD||||||||AU\r" +
	"OBX|1|TX|DS^Discharge Summary||Patient discharged home.\r" +
	"OBX|2|NM|WT^Weight||80|kg\r" +
	"OBX|3|FT|DS^Discharge Summary||Follow up in 2 weeks."

const sampleDiagnosesProcedures = "MSH|^~\\&|EPIC|HOSPITAL|MEDCODE|CODING|20251217150000||ADT^A08|MSG00006|P|2.5\r" +
	"PID|1||555||Doe^Jane||19700101|F\r" +
	"DG1|1||I10^Essential hypertension^I10|||A\r" +
	"DG1|2||E11.9^Type 2 diabetes^I10|||F\r" +
	"PR1|1||0DTJ4ZZ^Appendectomy^ICD10PCS||20251216093000|||7777^House^Gregory"

func date(y int, m time.Month, d, hh, mm, ss int) time.Time {
	return time.Date(y, m, d, hh, mm, ss, 0, time.UTC)
}

func assertTime(t *testing.T, label string, got *time.Time, want time.Time) {
	t.Helper()
	if got == nil {
		t.Errorf("%s: expected %v, got nil", label, want)
		return
	}
	if !got.Equal(want) {
		t.Errorf("%s: expected %v, got %v", label, want, *got)
	}
}

// =========== Header Tests ===========

func TestParse_ADTA01Header(t *testing.T) {
	msg := NewParser().Parse(sampleADTA01)

	if msg.ControlID != "MSG00001" {
		t.Errorf("expected control ID 'MSG00001', got %q", msg.ControlID)
	}
	if msg.MessageType != "ADT" {
		t.Errorf("expected message type 'ADT', got %q", msg.MessageType)
	}
	if msg.EventType != "A01" {
		t.Errorf("expected event type 'A01', got %q", msg.EventType)
	}
	if msg.SendingApplication != "EPIC" || msg.SendingFacility != "HOSPITAL" {
		t.Errorf("unexpected sender: %q/%q", msg.SendingApplication, msg.SendingFacility)
	}
	if msg.ReceivingApplication != "MEDCODE" || msg.ReceivingFacility != "CODING" {
		t.Errorf("unexpected receiver: %q/%q", msg.ReceivingApplication, msg.ReceivingFacility)
	}
	if msg.Version != "2.5" {
		t.Errorf("expected version '2.5', got %q", msg.Version)
	}
	assertTime(t, "timestamp", msg.Timestamp, date(2025, 12, 15, 12, 0, 0))
	if len(msg.ParseErrors) != 0 {
		t.Errorf("expected no parse errors, got %v", msg.ParseErrors)
	}
}

func TestParse_MessageTypeWithoutEvent(t *testing.T) {
	msg := NewParser().Parse("MSH|^~\\&|A|B|C|D|20240115||ACK|X1|P|2.5")
	if msg.MessageType != "ACK" {
		t.Errorf("expected message type 'ACK', got %q", msg.MessageType)
	}
	if msg.EventType != "" {
		t.Errorf("expected no event type, got %q", msg.EventType)
	}
}

func TestParse_MissingControlID(t *testing.T) {
	msg := NewParser().Parse("MSH|^~\\&|A|B|C|D|20240115||ADT^A01||P|2.5")
	if msg.ControlID != UnknownValue {
		t.Errorf("expected %q, got %q", UnknownValue, msg.ControlID)
	}
	if msg.MessageType != "ADT" {
		t.Errorf("expected message type 'ADT', got %q", msg.MessageType)
	}
}

// =========== Patient Tests ===========

func TestParse_ADTA01Patient(t *testing.T) {
	msg := NewParser().Parse(sampleADTA01)

	p := msg.Patient
	if p == nil {
		t.Fatal("expected patient")
	}
	if p.MRN != "12345678" {
		t.Errorf("expected MRN '12345678', got %q", p.MRN)
	}
	if p.FamilyName != "Smith" || p.GivenName != "John" {
		t.Errorf("expected Smith/John, got %q/%q", p.FamilyName, p.GivenName)
	}
	assertTime(t, "date of birth", p.DateOfBirth, date(1980, 5, 15, 0, 0, 0))
	if p.Gender != "M" {
		t.Errorf("expected gender 'M', got %q", p.Gender)
	}
	if !msg.HasPatient() {
		t.Error("expected HasPatient() to be true")
	}
}

func TestParse_PatientMissingID(t *testing.T) {
	msg := NewParser().Parse("MSH|^~\\&|A|B|C|D|20240115||ADT^A01|X1|P|2.5\rPID|1||\"\"||Doe^Jane")

	if msg.Patient != nil {
		t.Errorf("expected no patient, got %+v", msg.Patient)
	}
	if msg.HasPatient() {
		t.Error("expected HasPatient() to be false")
	}
	if !containsError(msg.ParseErrors, "PID segment missing patient ID (PID-3)") {
		t.Errorf("expected missing PID-3 error, got %v", msg.ParseErrors)
	}
}

func TestParse_HeaderOnly(t *testing.T) {
	msg := NewParser().Parse("MSH|^~\\&|TEST|||||||ADT^A01|123|P|2.5")

	if msg.HasPatient() {
		t.Error("expected HasPatient() to be false without PID")
	}
	if msg.HasEncounter() {
		t.Error("expected HasEncounter() to be false without PV1")
	}
	if len(msg.ParseErrors) != 0 {
		t.Errorf("absent segments are not errors, got %v", msg.ParseErrors)
	}
}

// =========== Encounter Tests ===========

func TestParse_ADTA01Encounter(t *testing.T) {
	msg := NewParser().Parse(sampleADTA01)

	enc := msg.Encounter
	if enc == nil {
		t.Fatal("expected encounter")
	}
	if enc.VisitNumber != "V123456789" {
		t.Errorf("expected visit number 'V123456789', got %q", enc.VisitNumber)
	}
	if enc.EncounterType != "inpatient" {
		t.Errorf("expected 'inpatient', got %q", enc.EncounterType)
	}
	if enc.HospitalService != "SUR" {
		t.Errorf("expected hospital service 'SUR', got %q", enc.HospitalService)
	}
	if enc.AttendingPhysicianID != "1234567" || enc.AttendingPhysician != "Jones Mary" {
		t.Errorf("unexpected attending: %q %q", enc.AttendingPhysicianID, enc.AttendingPhysician)
	}
	assertTime(t, "admit", enc.AdmitTime, date(2025, 12, 15, 10, 0, 0))
	if enc.DischargeTime != nil {
		t.Errorf("expected no discharge time, got %v", *enc.DischargeTime)
	}
	if !msg.HasEncounter() {
		t.Error("expected HasEncounter() to be true")
	}
}

func TestParse_DischargeMatchingAdmitIsDropped(t *testing.T) {
	msg := NewParser().Parse(sampleADTA03)

	enc := msg.Encounter
	if enc == nil {
		t.Fatal("expected encounter")
	}
	assertTime(t, "admit", enc.AdmitTime, date(2025, 12, 17, 14, 0, 0))
	if enc.DischargeTime != nil {
		t.Errorf("expected discharge to be dropped, got %v", *enc.DischargeTime)
	}
}

func TestParse_DischargeFromStandardPosition(t *testing.T) {
	pv1 := "PV1|1|I|WARD" + strings.Repeat("|", 16) + "V1" + strings.Repeat("|", 25) + "20250101080000|20250103170000"
	msg := NewParser().Parse("MSH|^~\\&|A|B|C|D|20250103||ADT^A03|X1|P|2.5\r" + pv1)

	enc := msg.Encounter
	if enc == nil {
		t.Fatalf("expected encounter, errors: %v", msg.ParseErrors)
	}
	assertTime(t, "admit", enc.AdmitTime, date(2025, 1, 1, 8, 0, 0))
	assertTime(t, "discharge", enc.DischargeTime, date(2025, 1, 3, 17, 0, 0))
}

func TestParse_VisitNumberFallbacks(t *testing.T) {
	tests := []struct {
		name string
		pv1  string
		want string
	}{
		{"standard position", "PV1|1|I|WARD" + strings.Repeat("|", 16) + "STD1^^^AUTH", "STD1"},
		{"shifted position", "PV1|1|I|WARD" + strings.Repeat("|", 15) + "ALT1", "ALT1"},
		{"scan for VISIT", "PV1|1|I|WARD" + strings.Repeat("|", 18) + "ACCT^VISIT", "ACCT"},
		{"scan for V prefix", "PV1|1|I|WARD" + strings.Repeat("|", 20) + "V555", "V555"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewParser().Parse("MSH|^~\\&|A|B|C|D|20240115||ADT^A01|X1|P|2.5\r" + tt.pv1)
			if msg.Encounter == nil {
				t.Fatalf("expected encounter, errors: %v", msg.ParseErrors)
			}
			if msg.Encounter.VisitNumber != tt.want {
				t.Errorf("expected %q, got %q", tt.want, msg.Encounter.VisitNumber)
			}
		})
	}
}

func TestParse_MissingVisitNumber(t *testing.T) {
	msg := NewParser().Parse("MSH|^~\\&|A|B|C|D|20240115||ADT^A01|X1|P|2.5\rPID|1||123\rPV1|1|I|WARD")

	if msg.Encounter != nil {
		t.Errorf("expected no encounter, got %+v", msg.Encounter)
	}
	if !containsError(msg.ParseErrors, "PV1 segment missing visit number (PV1-19)") {
		t.Errorf("expected missing visit number error, got %v", msg.ParseErrors)
	}
	if msg.Patient == nil {
		t.Error("patient extraction should be unaffected by the encounter error")
	}
}

func TestParse_EncounterClassMapping(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"I", "inpatient"},
		{"O", "outpatient"},
		{"E", "emergency"},
		{"P", "preadmit"},
		{"R", "recurring"},
		{"B", "observation"},
		{"i", "inpatient"},
		{"N", "N"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			pv1 := "PV1|1|" + tt.code + "|WARD" + strings.Repeat("|", 16) + "V1"
			msg := NewParser().Parse("MSH|^~\\&|A|B|C|D|20240115||ADT^A01|X1|P|2.5\r" + pv1)
			if msg.Encounter == nil {
				t.Fatalf("expected encounter, errors: %v", msg.ParseErrors)
			}
			if msg.Encounter.EncounterType != tt.want {
				t.Errorf("expected %q, got %q", tt.want, msg.Encounter.EncounterType)
			}
		})
	}
}

// =========== Discharge Predicate Tests ===========

func TestParsedMessage_IsDischargeEvent(t *testing.T) {
	tests := []struct {
		msgType, event string
		want           bool
	}{
		{"ADT", "A01", false},
		{"ADT", "A03", true},
		{"ADT", "A04", true},
		{"ADT", "A08", false},
		{"ORU", "A03", false},
		{"ADT", "", false},
	}
	for _, tt := range tests {
		msg := &ParsedMessage{MessageType: tt.msgType, EventType: tt.event}
		if got := msg.IsDischargeEvent(); got != tt.want {
			t.Errorf("%s^%s: expected %v, got %v", tt.msgType, tt.event, tt.want, got)
		}
	}

	if NewParser().Parse(sampleADTA01).IsDischargeEvent() {
		t.Error("expected A01 fixture not to be a discharge event")
	}
	if !NewParser().Parse(sampleADTA03).IsDischargeEvent() {
		t.Error("expected A03 fixture to be a discharge event")
	}
}

// =========== Clinical List Tests ===========

func TestParse_DiagnosesAndProcedures(t *testing.T) {
	msg := NewParser().Parse(sampleDiagnosesProcedures)

	if len(msg.Diagnoses) != 2 {
		t.Fatalf("expected 2 diagnoses, got %d", len(msg.Diagnoses))
	}
	d := msg.Diagnoses[0]
	if d.SetID != 1 || d.Code != "I10" || d.Description != "Essential hypertension" || d.CodingMethod != "I10" || d.Type != "A" {
		t.Errorf("unexpected first diagnosis: %+v", d)
	}
	if msg.Diagnoses[1].Code != "E11.9" || msg.Diagnoses[1].Type != "F" {
		t.Errorf("unexpected second diagnosis: %+v", msg.Diagnoses[1])
	}

	if len(msg.Procedures) != 1 {
		t.Fatalf("expected 1 procedure, got %d", len(msg.Procedures))
	}
	p := msg.Procedures[0]
	if p.Code != "0DTJ4ZZ" || p.Description != "Appendectomy" {
		t.Errorf("unexpected procedure code: %+v", p)
	}
	if p.PerformingPhysicianID != "7777" || p.PerformingPhysician != "House Gregory" {
		t.Errorf("unexpected surgeon: %q %q", p.PerformingPhysicianID, p.PerformingPhysician)
	}
	assertTime(t, "performed", p.PerformedAt, date(2025, 12, 16, 9, 30, 0))
}

func TestParse_ORUObservations(t *testing.T) {
	msg := NewParser().Parse(sampleORUR01)

	if msg.MessageType != "ORU" || msg.EventType != "R01" {
		t.Errorf("expected ORU^R01, got %s^%s", msg.MessageType, msg.EventType)
	}
	if len(msg.Observations) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(msg.Observations))
	}

	glucose := msg.Observations[0]
	if glucose.SetID != 1 {
		t.Errorf("expected set ID 1, got %d", glucose.SetID)
	}
	if glucose.Identifier != "2345-7" || glucose.IdentifierText != "GLUCOSE" {
		t.Errorf("unexpected identifier: %q %q", glucose.Identifier, glucose.IdentifierText)
	}
	if glucose.Value != "95" || glucose.Units != "mg/dL" || glucose.ReferenceRange != "70-100" {
		t.Errorf("unexpected value: %q %q %q", glucose.Value, glucose.Units, glucose.ReferenceRange)
	}
	if glucose.AbnormalFlags != "N" || glucose.ResultStatus != "F" {
		t.Errorf("unexpected flags/status: %q %q", glucose.AbnormalFlags, glucose.ResultStatus)
	}
	assertTime(t, "observed", glucose.ObservedAt, date(2025, 12, 16, 7, 55, 0))

	if msg.Observations[1].Identifier != "2160-0" || msg.Observations[1].Value != "1.1" {
		t.Errorf("unexpected second observation: %+v", msg.Observations[1])
	}
}

func TestParse_ORUOrders(t *testing.T) {
	msg := NewParser().Parse(sampleORUR01)

	if len(msg.Orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(msg.Orders))
	}
	o := msg.Orders[0]
	if o.OrderControl != "RE" || o.PlacerOrderNumber != "ORD001" || o.FillerOrderNumber != "FIL001" {
		t.Errorf("unexpected order identity: %+v", o)
	}
	if o.Status != "CM" {
		t.Errorf("expected status 'CM', got %q", o.Status)
	}
	assertTime(t, "ordered", o.OrderedAt, date(2025, 12, 16, 7, 0, 0))
	if o.ServiceTypeCode != "80053" || o.ServiceType != "METABOLIC PANEL" {
		t.Errorf("unexpected service: %q %q", o.ServiceTypeCode, o.ServiceType)
	}
	if o.DiagnosticServiceSection != "LAB" {
		t.Errorf("expected 'LAB', got %q", o.DiagnosticServiceSection)
	}
}

func TestParse_ORMOrder(t *testing.T) {
	msg := NewParser().Parse(sampleORMO01)

	if msg.MessageType != "ORM" {
		t.Errorf("expected 'ORM', got %q", msg.MessageType)
	}
	if len(msg.Orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(msg.Orders))
	}
	o := msg.Orders[0]
	if o.OrderControl != "NW" || o.PlacerOrderNumber != "ORD002" {
		t.Errorf("unexpected order identity: %+v", o)
	}
	if o.ServiceTypeCode != "71046" || !strings.Contains(strings.ToUpper(o.ServiceType), "CHEST") {
		t.Errorf("unexpected service: %q %q", o.ServiceTypeCode, o.ServiceType)
	}
	if o.DiagnosticServiceSection != "RAD" {
		t.Errorf("expected 'RAD', got %q", o.DiagnosticServiceSection)
	}
}

func TestParse_DiagnosticSectionFallbacks(t *testing.T) {
	tests := []struct {
		name string
		obr  string
		want string
	}{
		{"primary field", "OBR|1|P1|F1|80053^PANEL^CPT" + strings.Repeat("|", 20) + "LAB", "LAB"},
		{"short primary uses secondary", "OBR|1|P1|F1|X" + strings.Repeat("|", 20) + "F" + strings.Repeat("|", 6) + "CARD", "CARD"},
		{"scan is case-insensitive", "OBR|1|P1|F1|74150^CT ABDOMEN^CPT" + strings.Repeat("|", 24) + "ct", "CT"},
		{"nothing recognised", "OBR|1|P1|F1|X" + strings.Repeat("|", 20) + "ZZ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewParser().Parse("MSH|^~\\&|A|B|C|D|20240115||ORM^O01|X1|P|2.5\rORC|NW|P1\r" + tt.obr)
			if len(msg.Orders) != 1 {
				t.Fatalf("expected 1 order, got %d", len(msg.Orders))
			}
			if got := msg.Orders[0].DiagnosticServiceSection; got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestParse_SurplusOBRBecomesOrder(t *testing.T) {
	input := "MSH|^~\\&|A|B|C|D|20240115||ORM^O01|X1|P|2.5\r" +
		"ORC|NW|P1\r" +
		"OBR|1|P1||85025^CBC^LN\r" +
		"OBR|2|P2|F2|80048^BMP^LN"
	msg := NewParser().Parse(input)

	if len(msg.Orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(msg.Orders))
	}
	surplus := msg.Orders[1]
	if surplus.OrderControl != "" {
		t.Errorf("expected no order control on surplus OBR, got %q", surplus.OrderControl)
	}
	if surplus.PlacerOrderNumber != "P2" || surplus.FillerOrderNumber != "F2" {
		t.Errorf("unexpected surplus order numbers: %q %q", surplus.PlacerOrderNumber, surplus.FillerOrderNumber)
	}
	if surplus.ServiceTypeCode != "80048" {
		t.Errorf("expected service code '80048', got %q", surplus.ServiceTypeCode)
	}
}

// =========== Document Tests ===========

func TestParse_MDMDocument(t *testing.T) {
	msg := NewParser().Parse(sampleMDMT02)

	if len(msg.Documents) != 1 {
		t.Fatalf("expected 1 document, got %d", len(msg.Documents))
	}
	doc := msg.Documents[0]
	if doc.TypeCode != "DS" || doc.Type != "Discharge Summary" {
		t.Errorf("unexpected document type: %q %q", doc.TypeCode, doc.Type)
	}
	if doc.Status != "AU" {
		t.Errorf("expected status 'AU', got %q", doc.Status)
	}
	if doc.AuthorID != "5551212" || doc.Author != "Welby Marcus" {
		t.Errorf("unexpected author: %q %q", doc.AuthorID, doc.Author)
	}
	assertTime(t, "originated", doc.OriginatedAt, date(2025, 12, 18, 8, 30, 0))

	want := "Patient discharged home.\nFollow up in 2 weeks."
	if doc.Content != want {
		t.Errorf("expected content %q, got %q", want, doc.Content)
	}
}

func TestParse_DocumentsOnlyForMDM(t *testing.T) {
	input := strings.Replace(sampleMDMT02, "MDM^T02", "ORU^R01", 1)
	msg := NewParser().Parse(input)

	if len(msg.Documents) != 0 {
		t.Errorf("expected no documents for ORU, got %d", len(msg.Documents))
	}
	if len(msg.Observations) != 3 {
		t.Errorf("expected OBX segments to still be observations, got %d", len(msg.Observations))
	}
}

// =========== Failure Tests ===========

func TestParse_InvalidInput(t *testing.T) {
	inputs := []string{"not hl7 at all", "This is not HL7", "", "   ", "PID|1||123"}
	for _, input := range inputs {
		msg := NewParser().Parse(input)
		if msg.ControlID != UnknownValue || msg.MessageType != UnknownValue {
			t.Errorf("%q: expected sentinel defaults, got %q/%q", input, msg.ControlID, msg.MessageType)
		}
		if len(msg.ParseErrors) != 1 || !strings.HasPrefix(msg.ParseErrors[0], "HL7 parse error: ") {
			t.Errorf("%q: expected one structural error, got %v", input, msg.ParseErrors)
		}
		if !msg.Failed() {
			t.Errorf("%q: expected Failed() to be true", input)
		}
		if msg.RawContent != input {
			t.Errorf("%q: raw content not preserved", input)
		}
		if msg.Diagnoses == nil || msg.Orders == nil || msg.Documents == nil {
			t.Errorf("%q: expected empty, non-nil lists", input)
		}
	}
}

func TestParse_MalformedRepeatingSegmentSkipped(t *testing.T) {
	input := "MSH|^~\\&|LAB|H|M|C|20240115||ORU^R01|X1|P|2.5\r" +
		"OBX|1|NM|A^Alpha||1\r" +
		"OB!|2|NM|B^Beta||2\r" +
		"OBX|3|NM|C^Gamma||3"
	msg := NewParser().Parse(input)

	if len(msg.Observations) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(msg.Observations))
	}
	if msg.Observations[0].Identifier != "A" || msg.Observations[1].Identifier != "C" {
		t.Errorf("unexpected surviving observations: %+v", msg.Observations)
	}
	if len(msg.ParseErrors) != 1 || !strings.HasPrefix(msg.ParseErrors[0], "segment 3: ") {
		t.Errorf("expected one segment error, got %v", msg.ParseErrors)
	}
	if msg.Failed() {
		t.Error("a message with a bad segment has not failed outright")
	}
}

func TestParser_StageRecoversPanic(t *testing.T) {
	p := NewParser()
	diag := &Diagnostics{}
	ran := false

	p.stage(diag, "PV1", func() { panic("boom") })
	p.stage(diag, "DG1 segments", func() { ran = true })

	if !ran {
		t.Error("expected later stage to run after a panic")
	}
	errs := diag.Errors()
	if len(errs) != 1 || errs[0] != "error parsing PV1: boom" {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestGuardSegment_RecoversPanic(t *testing.T) {
	diag := &Diagnostics{}
	guardSegment(diag, "OBX", 1, func() { panic("bad value") })

	errs := diag.Errors()
	if len(errs) != 1 || errs[0] != "error parsing OBX segment 2: bad value" {
		t.Errorf("unexpected errors: %v", errs)
	}
}

// =========== Property Tests ===========

func TestParse_LineEndingsEquivalent(t *testing.T) {
	lf := sampleORUR01
	cr := strings.ReplaceAll(lf, "\n", "\r")
	crlf := strings.ReplaceAll(lf, "\n", "\r\n")

	p := NewParser()
	base := p.Parse(cr)
	base.RawContent = ""
	for name, input := range map[string]string{"LF": lf, "CRLF": crlf} {
		got := p.Parse(input)
		if got.RawContent != input {
			t.Errorf("%s: raw content not preserved", name)
		}
		got.RawContent = ""
		if !reflect.DeepEqual(base, got) {
			t.Errorf("%s: expected result identical to CR version", name)
		}
	}
}

func TestParse_Idempotent(t *testing.T) {
	p := NewParser()
	for _, input := range []string{sampleADTA01, sampleORUR01, sampleMDMT02, "garbage"} {
		if !reflect.DeepEqual(p.Parse(input), p.Parse(input)) {
			t.Errorf("parsing %q twice produced different results", input[:min(20, len(input))])
		}
	}
}

func TestParse_RawContentPreserved(t *testing.T) {
	input := "\r\n" + sampleADTA01 + "\r\n\x1c"
	msg := NewParser().Parse(input)
	if msg.RawContent != input {
		t.Error("expected raw content byte-for-byte equal to input")
	}
	if msg.ControlID != "MSG00001" {
		t.Errorf("expected surrounding whitespace to be ignored, got control ID %q", msg.ControlID)
	}
}

func TestParse_ConcurrentUse(t *testing.T) {
	p := NewParser()
	inputs := []string{sampleADTA01, sampleADTA03, sampleORUR01, sampleORMO01, sampleMDMT02}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(input string) {
			defer wg.Done()
			if msg := p.Parse(input); len(msg.ParseErrors) != 0 {
				t.Errorf("unexpected errors: %v", msg.ParseErrors)
			}
		}(inputs[i%len(inputs)])
	}
	wg.Wait()
}

func containsError(errs []string, want string) bool {
	for _, e := range errs {
		if e == want {
			return true
		}
	}
	return false
}

func TestParse_LogsErrorCount(t *testing.T) {
	var buf bytes.Buffer
	p := NewParser(WithLogger(zerolog.New(&buf).Level(zerolog.DebugLevel)))

	p.Parse(sampleADTA01)
	if buf.Len() != 0 {
		t.Errorf("expected no log for a clean message, got %q", buf.String())
	}

	p.Parse("MSH|^~\\&|A|B|C|D|20240115||ADT^A01|X1|P|2.5\rPID|1||\rPV1|1|I")
	out := buf.String()
	if !strings.Contains(out, `"parse_errors":2`) {
		t.Errorf("expected error count in log, got %q", out)
	}
	if !strings.Contains(out, `"control_id":"X1"`) {
		t.Errorf("expected control id in log, got %q", out)
	}
}
