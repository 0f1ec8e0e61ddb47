package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordKind identifies the payload type inside an envelope.
type RecordKind string

const (
	KindSignal          RecordKind = "signal"
	KindTradeIntent     RecordKind = "trade.intent"
	KindOrderCommand    RecordKind = "trade.order"
	KindRejection       RecordKind = "trade.rejection"
	KindExecutionReport RecordKind = "execution.report"
	KindPositionUpdate  RecordKind = "position.update"
	KindFatalEvent      RecordKind = "system.fatal"
	KindHeartbeat       RecordKind = "heartbeat"
)

// Envelope wraps every record on the fabric. RecordID makes handlers
// idempotent; CorrelationID threads one trade's lineage from signal to
// execution report.
type Envelope struct {
	RecordID      uuid.UUID       `json:"record_id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Source        string          `json:"source"`
	Kind          RecordKind      `json:"kind"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// Wrap builds an envelope around payload, minting a fresh record id. A zero
// correlation id is replaced so that every lineage has a root.
func Wrap(source string, kind RecordKind, correlationID uuid.UUID, payload any) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	if correlationID == uuid.Nil {
		correlationID = uuid.New()
	}

	return &Envelope{
		RecordID:      uuid.New(),
		CorrelationID: correlationID,
		Source:        source,
		Kind:          kind,
		Timestamp:     time.Now().UTC(),
		Payload:       body,
	}, nil
}

// Open unmarshals the envelope payload into out, checking the declared kind.
func (e *Envelope) Open(kind RecordKind, out any) error {
	if e.Kind != kind {
		return fmt.Errorf("envelope kind %q, want %q", e.Kind, kind)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", kind, err)
	}
	return nil
}

// Marshal encodes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// UnmarshalEnvelope decodes a wire envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &e, nil
}
