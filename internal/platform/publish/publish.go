// Package publish delivers parsed HL7 messages to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medcode/medcode/internal/platform/hl7v2"
)

// Envelope wraps one parsed message with its ingest metadata.
type Envelope struct {
	ID           string               `json:"id"`
	BatchID      string               `json:"batch_id"`
	Source       string               `json:"source"`
	Position     int                  `json:"position"`
	ReceivedAt   time.Time            `json:"received_at"`
	Discharge    bool                 `json:"is_discharge_event"`
	HasPatient   bool                 `json:"has_patient"`
	HasEncounter bool                 `json:"has_encounter"`
	Message      *hl7v2.ParsedMessage `json:"message"`
}

// NewEnvelope wraps msg, assigning it a fresh id.
func NewEnvelope(batchID, source string, position int, receivedAt time.Time, msg *hl7v2.ParsedMessage) *Envelope {
	return &Envelope{
		ID:           uuid.NewString(),
		BatchID:      batchID,
		Source:       source,
		Position:     position,
		ReceivedAt:   receivedAt.UTC(),
		Discharge:    msg.IsDischargeEvent(),
		HasPatient:   msg.HasPatient(),
		HasEncounter: msg.HasEncounter(),
		Message:      msg,
	}
}

// Key is the partitioning and deduplication key for the envelope. Consumers
// treat a repeated control id as already processed.
func (e *Envelope) Key() string {
	return e.Message.ControlID
}

// Encode serializes the envelope as JSON.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("publish: encode envelope %s: %w", e.ID, err)
	}
	return b, nil
}

// Publisher delivers envelopes. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, env *Envelope) error
	Close() error
}

// Discard is a Publisher that drops every envelope.
type Discard struct{}

// Publish drops env.
func (Discard) Publish(context.Context, *Envelope) error {
	return nil
}

// Close is a no-op.
func (Discard) Close() error {
	return nil
}
