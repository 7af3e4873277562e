package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AccessKeyLength is the number of digits of an access key.
const AccessKeyLength = 44

// AccessKeyParts are the fields composing an access key.
type AccessKeyParts struct {
	State        string
	IssuedAt     time.Time
	TaxID        string
	Model        string
	Series       int
	Number       int
	EmissionType int
	NumericCode  string
}

// BuildAccessKey composes cUF+AAMM+CNPJ+mod+serie+nNF+tpEmis+cNF and appends the
// modulo-11 check digit.
func BuildAccessKey(p AccessKeyParts) (string, error) {
	code := StateCode(p.State)
	if code == "" {
		return "", NewValidationError("issuer.state", p.State, "enum", "unknown state")
	}
	taxID := OnlyDigits(p.TaxID)
	if len(taxID) != 14 {
		return "", NewValidationError("issuer.tax_id", p.TaxID, "length", "must have 14 digits")
	}
	if p.IssuedAt.IsZero() {
		return "", NewValidationError("issued_at", nil, "required", "issue timestamp is required")
	}
	model := p.Model
	if model == "" {
		model = ModelNFe
	}
	emission := p.EmissionType
	if emission == 0 {
		emission = 1
	}
	numeric := OnlyDigits(p.NumericCode)
	if numeric == "" {
		// Derived from the number so the key stays deterministic for a given document.
		numeric = fmt.Sprintf("%08d", (p.Number*7919+p.Series*104729)%100000000)
	}
	if len(numeric) != 8 {
		return "", NewValidationError("numeric_code", p.NumericCode, "length", "must have 8 digits")
	}

	base := fmt.Sprintf("%s%s%s%s%03d%09d%d%s",
		code,
		p.IssuedAt.Format("0601"),
		taxID,
		model,
		p.Series,
		p.Number,
		emission,
		numeric,
	)
	return base + strconv.Itoa(CheckDigit(base)), nil
}

// CheckDigit computes the modulo-11 digit with weights 2..9 applied right to left.
func CheckDigit(digits string) int {
	sum, weight := 0, 2
	for i := len(digits) - 1; i >= 0; i-- {
		sum += int(digits[i]-'0') * weight
		weight++
		if weight > 9 {
			weight = 2
		}
	}
	dv := 11 - sum%11
	if dv >= 10 {
		return 0
	}
	return dv
}

// ValidateAccessKey checks length, digits and check digit.
func ValidateAccessKey(key string) error {
	if len(key) != AccessKeyLength {
		return NewValidationError("access_key", key, "length", "must have 44 digits")
	}
	if OnlyDigits(key) != key {
		return NewValidationError("access_key", key, "digits", "must contain only digits")
	}
	if CheckDigit(key[:43]) != int(key[43]-'0') {
		return NewValidationError("access_key", key, "check_digit", "check digit mismatch")
	}
	return nil
}

// OnlyDigits strips every non-digit rune.
func OnlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
