package hl7v2

import (
	"strings"
)

// encounterClasses maps PV1-2 patient class codes to encounter types.
var encounterClasses = map[string]string{
	"I": "inpatient",
	"O": "outpatient",
	"E": "emergency",
	"P": "preadmit",
	"R": "recurring",
	"B": "observation",
}

// diagnosticSections are the OBR diagnostic service section codes recognised
// when scanning for a misplaced section value.
var diagnosticSections = map[string]bool{
	"LAB":  true,
	"RAD":  true,
	"CARD": true,
	"PATH": true,
	"NUC":  true,
	"MRI":  true,
	"CT":   true,
	"US":   true,
}

// documentValueTypes are the OBX-2 value types whose OBX-5 is document text.
var documentValueTypes = map[string]bool{
	"TX": true,
	"FT": true,
	"ST": true,
}

// extractHeader copies MSH fields onto parsed. Fields already defaulted on
// parsed are kept when MSH lacks them.
func extractHeader(msg *Message, parsed *ParsedMessage) {
	msh := msg.GetSegment("MSH")
	if msh == nil {
		return
	}

	parsed.SendingApplication = msh.Value(mshSendingApplication)
	parsed.SendingFacility = msh.Value(mshSendingFacility)
	parsed.ReceivingApplication = msh.Value(mshReceivingApplication)
	parsed.ReceivingFacility = msh.Value(mshReceivingFacility)
	parsed.Version = msh.Value(mshVersionID)
	parsed.Timestamp = ParseTimestamp(msh.Value(mshDateTime))

	if msgType := msh.Value(mshMessageType); msgType != "" {
		parts := msh.Components(msgType)
		if parts[0] != "" {
			parsed.MessageType = parts[0]
		}
		if len(parts) > 1 {
			parsed.EventType = parts[1]
		}
	}

	if controlID := msh.Value(mshControlID); controlID != "" {
		parsed.ControlID = controlID
	}
}

// extractPatient reads PID. A PID without PID-3 is recorded and yields nil.
func extractPatient(msg *Message, diag *Diagnostics) *Patient {
	pid := msg.GetSegment("PID")
	if pid == nil {
		return nil
	}

	mrn := pid.Value(pidPatientID)
	if mrn == "" {
		diag.Add("PID segment missing patient ID (PID-3)")
		return nil
	}

	patient := &Patient{MRN: pid.firstComponent(mrn)}

	// PID-5 is family^given^middle; the middle name is not carried.
	patient.FamilyName = pid.Component(pidPatientName, 1)
	patient.GivenName = pid.Component(pidPatientName, 2)

	patient.DateOfBirth = ParseDate(pid.Value(pidDateOfBirth))
	patient.Gender = pid.Value(pidSex)

	return patient
}

// extractEncounter reads PV1. Senders disagree on where the visit number and
// the admit/discharge times sit, so each is read from its standard position
// first and from the known shifted positions after that.
func extractEncounter(msg *Message, diag *Diagnostics) *Encounter {
	pv1 := msg.GetSegment("PV1")
	if pv1 == nil {
		return nil
	}

	visitNumber := pv1.Value(pv1VisitNumber)
	if visitNumber == "" {
		visitNumber = pv1.Value(pv1VisitNumberAlt)
	}
	if visitNumber == "" {
		visitNumber = findVisitNumber(pv1)
	}
	if visitNumber == "" {
		diag.Add("PV1 segment missing visit number (PV1-19)")
		return nil
	}

	enc := &Encounter{VisitNumber: pv1.firstComponent(visitNumber)}
	enc.EncounterType = mapPatientClass(pv1.Value(pv1PatientClass))
	enc.AttendingPhysicianID, enc.AttendingPhysician = pv1.personName(pv1AttendingDoctor)
	enc.HospitalService = pv1.Value(pv1HospitalService)

	admit := firstNonEmpty(pv1.Value(pv1AdmitDateTime), pv1.Value(pv1AdmitDateTimeAlt))
	discharge := firstNonEmpty(pv1.Value(pv1DischargeDateTime), pv1.Value(pv1DischargeAlt))
	if discharge != "" && discharge == admit {
		// The shifted discharge slot is the standard admit slot; a match
		// means the admit time was picked up twice.
		discharge = pv1.Value(pv1DischargeDateTime)
	}
	enc.AdmitTime = ParseTimestamp(admit)
	enc.DischargeTime = ParseTimestamp(discharge)

	return enc
}

// findVisitNumber scans the trailing PV1 fields for a value that looks like a
// visit number.
func findVisitNumber(pv1 *Segment) string {
	for i := pv1VisitScanFirst; i <= pv1VisitScanLast; i++ {
		v := pv1.Value(i)
		if v != "" && (strings.Contains(strings.ToUpper(v), "VISIT") || strings.HasPrefix(v, "V")) {
			return v
		}
	}
	return ""
}

// mapPatientClass maps a PV1-2 code to an encounter type. Unknown codes pass
// through unchanged.
func mapPatientClass(code string) string {
	if code == "" {
		return ""
	}
	if mapped, ok := encounterClasses[strings.ToUpper(code)]; ok {
		return mapped
	}
	return code
}

func extractDiagnosis(seg *Segment) Diagnosis {
	d := Diagnosis{SetID: seg.IntValue(dg1SetID)}
	d.Code, d.Description, d.CodingMethod = seg.codedValue(dg1DiagnosisCode)
	d.Type = seg.Value(dg1DiagnosisType)
	return d
}

func extractProcedure(seg *Segment) Procedure {
	p := Procedure{SetID: seg.IntValue(pr1SetID)}
	p.Code, p.Description, _ = seg.codedValue(pr1ProcedureCode)
	p.PerformedAt = ParseTimestamp(seg.Value(pr1DateTime))
	p.PerformingPhysicianID, p.PerformingPhysician = seg.personName(pr1Surgeon)
	return p
}

func extractObservation(seg *Segment) Observation {
	o := Observation{SetID: seg.IntValue(obxSetID)}
	o.Identifier, o.IdentifierText, _ = seg.codedValue(obxIdentifier)
	o.Value = seg.Value(obxValue)
	o.Units = seg.Value(obxUnits)
	o.ReferenceRange = seg.Value(obxReferenceRange)
	o.AbnormalFlags = seg.Value(obxAbnormalFlags)
	o.ResultStatus = seg.Value(obxResultStatus)
	o.ObservedAt = ParseTimestamp(seg.Value(obxDateTime))
	return o
}

// extractOrders pairs the Nth ORC with the Nth OBR. OBRs beyond the last ORC
// still become orders, populated from the OBR alone.
func extractOrders(msg *Message, diag *Diagnostics) []Order {
	orcs := msg.GetSegments("ORC")
	obrs := msg.GetSegments("OBR")

	orders := make([]Order, 0, max(len(orcs), len(obrs)))
	for i := range orcs {
		orc := &orcs[i]
		guardSegment(diag, "ORC", i, func() {
			order := Order{
				OrderControl:      orc.Value(orcOrderControl),
				PlacerOrderNumber: orc.Value(orcPlacerOrder),
				FillerOrderNumber: orc.Value(orcFillerOrder),
				Status:            orc.Value(orcOrderStatus),
				OrderedAt:         ParseTimestamp(orc.Value(orcTransactionTime)),
			}
			order.OrderingProviderID, order.OrderingProvider = orc.personName(orcOrderingProvider)
			if i < len(obrs) {
				applyOBR(&obrs[i], &order)
			}
			orders = append(orders, order)
		})
	}

	for i := len(orcs); i < len(obrs); i++ {
		obr := &obrs[i]
		guardSegment(diag, "OBR", i, func() {
			order := Order{
				PlacerOrderNumber: obr.Value(obrPlacerOrder),
				FillerOrderNumber: obr.Value(obrFillerOrder),
			}
			applyOBR(obr, &order)
			orders = append(orders, order)
		})
	}

	return orders
}

// applyOBR copies the service and diagnostic section fields of an OBR onto
// order.
func applyOBR(obr *Segment, order *Order) {
	order.ServiceTypeCode, order.ServiceType, _ = obr.codedValue(obrUniversalServiceID)
	order.DiagnosticServiceSection = diagnosticSection(obr)
}

// diagnosticSection reads OBR-24, falling back to OBR-30 when OBR-24 is
// missing or too short to be a section code, and finally to a scan for any
// known section code.
func diagnosticSection(obr *Segment) string {
	section := obr.Value(obrDiagnosticSection)
	if section == "" || len(section) <= 2 {
		section = obr.Value(obrDiagnosticSectionAlt)
	}
	if section == "" {
		section = findDiagnosticSection(obr)
	}
	return section
}

func findDiagnosticSection(obr *Segment) string {
	for i := obrSectionScanFirst; i <= obrSectionScanLast; i++ {
		v := strings.ToUpper(obr.Value(i))
		if diagnosticSections[v] {
			return v
		}
	}
	return ""
}

// extractDocuments reads TXA segments. Every document receives the text of
// all OBX segments whose value type is free text, joined by newlines.
func extractDocuments(msg *Message, diag *Diagnostics) []Document {
	txas := msg.GetSegments("TXA")
	if len(txas) == 0 {
		return []Document{}
	}

	content := documentContent(msg)

	docs := make([]Document, 0, len(txas))
	for i := range txas {
		txa := &txas[i]
		guardSegment(diag, "TXA", i, func() {
			doc := Document{
				Status:       txa.Value(txaCompletionStatus),
				OriginatedAt: ParseTimestamp(txa.Value(txaActivityDateTime)),
				Content:      content,
			}
			doc.TypeCode, doc.Type, _ = txa.codedValue(txaDocumentType)
			doc.AuthorID, doc.Author = txa.personName(txaOriginator)
			docs = append(docs, doc)
		})
	}
	return docs
}

func documentContent(msg *Message) string {
	var parts []string
	for _, obx := range msg.GetSegments("OBX") {
		if !documentValueTypes[obx.Value(obxValueType)] {
			continue
		}
		if v := obx.Value(obxValue); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
