package model

import "time"

// EventType identifies an event submitted against an authorized document.
type EventType string

const (
	EventCorrection    EventType = "110110"
	EventCancellation  EventType = "110111"
	EventNumberingVoid EventType = "inutilizacao"
)

// Description returns the descEvento text required by the layout.
func (t EventType) Description() string {
	switch t {
	case EventCorrection:
		return "Carta de Correcao"
	case EventCancellation:
		return "Cancelamento"
	case EventNumberingVoid:
		return "Inutilizacao"
	}
	return string(t)
}

// EventRecord is a correction, cancellation or numbering-void event.
type EventRecord struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	AccessKey string    `json:"access_key,omitempty"`
	Sequence  int       `json:"sequence"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`

	ProtocolNumber string    `json:"protocol_number,omitempty"`
	StatusCode     string    `json:"status_code,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	RegisteredAt   time.Time `json:"registered_at,omitempty"`
}

// NumberingRange is the range voided by a numbering-void request.
type NumberingRange struct {
	State  string `json:"state"`
	Year   int    `json:"year"`
	TaxID  string `json:"tax_id"`
	Model  string `json:"model"`
	Series int    `json:"series"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}
