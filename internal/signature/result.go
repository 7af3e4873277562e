package signature

import (
	"crypto/x509"
	"strings"
	"time"
)

// Report is the outcome of checking one enveloped XMLDSig on a fiscal
// document or event. Valid is derived by Conclude.
type Report struct {
	Valid bool `json:"valid"`

	Present      bool `json:"signature_found"`
	Authentic    bool `json:"signature_valid"`
	ChainTrusted bool `json:"cert_chain_valid"`
	NotRevoked   bool `json:"not_revoked"`

	// ElementID is the Id attribute the Reference points at, e.g. "NFe"+key
	// for an infNFe or "ID"+type+key+seq for an infEvento.
	ElementID string `json:"element_id,omitempty"`

	Signatory *Signatory          `json:"signer,omitempty"`
	Chain     []*x509.Certificate `json:"-"`

	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Signatory describes the e-CNPJ or e-CPF certificate that produced a
// signature. ICP-Brasil subjects carry the holder as "NAME:TAXID" in the CN.
type Signatory struct {
	Name         string    `json:"name"`
	TaxID        string    `json:"tax_id,omitempty"`
	Organization string    `json:"organization,omitempty"`
	SerialNumber string    `json:"serial_number"`
	Issuer       string    `json:"issuer"`
	NotBefore    time.Time `json:"valid_from"`
	NotAfter     time.Time `json:"valid_to"`
}

func NewReport() *Report {
	return &Report{Warnings: []string{}, Errors: []string{}}
}

// Warn records a non-blocking observation.
func (r *Report) Warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Reject records why the signature cannot be accepted.
func (r *Report) Reject(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Valid = false
}

// Conclude derives Valid from the individual checks.
func (r *Report) Conclude() {
	r.Valid = r.Present && r.Authentic && r.ChainTrusted && r.NotRevoked && len(r.Errors) == 0
}

// AccessKey returns the 44-digit key of an infNFe element id, or "" when
// the signed element is not a document.
func (r *Report) AccessKey() string {
	key, ok := strings.CutPrefix(r.ElementID, "NFe")
	if !ok || len(key) != 44 {
		return ""
	}
	return key
}

// NewSignatory reads the holder of cert, nil for nil.
func NewSignatory(cert *x509.Certificate) *Signatory {
	if cert == nil {
		return nil
	}
	s := &Signatory{
		Name:         cert.Subject.CommonName,
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
	}
	if name, id, ok := strings.Cut(cert.Subject.CommonName, ":"); ok && isDigits(id) {
		s.Name, s.TaxID = name, id
	}
	if len(cert.Subject.Organization) > 0 {
		s.Organization = cert.Subject.Organization[0]
	}
	switch {
	case cert.Issuer.CommonName != "":
		s.Issuer = cert.Issuer.CommonName
	case len(cert.Issuer.Organization) > 0:
		s.Issuer = cert.Issuer.Organization[0]
	}
	return s
}

// ValidAt reports whether the certificate covered t.
func (s *Signatory) ValidAt(t time.Time) bool {
	return !t.Before(s.NotBefore) && !t.After(s.NotAfter)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
