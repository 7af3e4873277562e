package server

import (
	"time"

	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/queue"
	"github.com/rezonia/fiscal-gateway/internal/signature"
	"github.com/rezonia/fiscal-gateway/internal/transmission"
)

// ComputeResponse is the response of the compute endpoint
type ComputeResponse struct {
	Document      *model.FiscalDocument `json:"document"`
	Findings      []model.Finding       `json:"findings,omitempty"`
	CatalogSource string                `json:"catalog_source"`
}

// StatusResponse is the response of the status query endpoint
type StatusResponse struct {
	AccessKey string    `json:"access_key"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason"`
	Protocol  string    `json:"protocol,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// QueueResponse lists pending retry items
type QueueResponse struct {
	Policy queue.Policy `json:"policy"`
	Count  int          `json:"count"`
	Items  []QueueEntry `json:"items"`
}

// QueueEntry is a queue item without its payload
type QueueEntry struct {
	ID              string                 `json:"id"`
	AccessKey       string                 `json:"access_key,omitempty"`
	Operation       transmission.Operation `json:"operation"`
	State           string                 `json:"state"`
	Attempts        int                    `json:"attempts"`
	MaxAttempts     int                    `json:"max_attempts"`
	NextEligibleAt  time.Time              `json:"next_eligible_at"`
	FirstEnqueuedAt time.Time              `json:"first_enqueued_at"`
	LastFailure     string                 `json:"last_failure,omitempty"`
}

// DeadLetterEntry is a dead letter without its payload
type DeadLetterEntry struct {
	ItemID          string                 `json:"item_id"`
	AccessKey       string                 `json:"access_key,omitempty"`
	Operation       transmission.Operation `json:"operation"`
	Attempts        int                    `json:"attempts"`
	LastFailure     string                 `json:"last_failure"`
	FirstEnqueuedAt time.Time              `json:"first_enqueued_at"`
	DeadAt          time.Time              `json:"dead_at"`
}

// CatalogResponse describes the active rate table
type CatalogResponse struct {
	Source string `json:"source"`
}

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// VerifyResponse is the response for signature verification endpoint
type VerifyResponse struct {
	Valid          bool              `json:"valid"`
	SignatureFound bool              `json:"signature_found"`
	SignatureValid bool              `json:"signature_valid"`
	CertChainValid bool              `json:"cert_chain_valid"`
	NotRevoked     bool              `json:"not_revoked"`
	ElementID      string            `json:"element_id,omitempty"`
	Signer         *SignerInfoOutput `json:"signer,omitempty"`
	Warnings       []string          `json:"warnings,omitempty"`
	Errors         []string          `json:"errors,omitempty"`
}

// SignerInfoOutput holds signer info for API response
type SignerInfoOutput struct {
	Name         string     `json:"name,omitempty"`
	TaxID        string     `json:"tax_id,omitempty"`
	Organization string     `json:"organization,omitempty"`
	SerialNumber string     `json:"serial_number,omitempty"`
	Issuer       string     `json:"issuer,omitempty"`
	ValidFrom    *time.Time `json:"valid_from,omitempty"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
}

func signerOutput(s *signature.Signatory) *SignerInfoOutput {
	if s == nil {
		return nil
	}
	return &SignerInfoOutput{
		Name:         s.Name,
		TaxID:        s.TaxID,
		Organization: s.Organization,
		SerialNumber: s.SerialNumber,
		Issuer:       s.Issuer,
		ValidFrom:    &s.NotBefore,
		ValidTo:      &s.NotAfter,
	}
}
