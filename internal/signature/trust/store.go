package trust

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rezonia/fiscal-gateway/internal/signature"
)

// TrustStore manages trusted CA certificates and revocation checking
type TrustStore struct {
	roots       *x509.CertPool
	rootCerts   []*x509.Certificate
	ocspCache   *OCSPCache
	ocspTimeout time.Duration
	httpClient  *http.Client
	softFail    bool
	now         func() time.Time
	loadErr     error
}

// TrustStoreOption configures a TrustStore
type TrustStoreOption func(*TrustStore)

// NewTrustStore creates a trust store from the given options. It fails when
// any configured root file could not be read.
func NewTrustStore(opts ...TrustStoreOption) (*TrustStore, error) {
	store := NewEmptyTrustStore(opts...)
	if store.loadErr != nil {
		return nil, store.loadErr
	}
	return store, nil
}

// NewEmptyTrustStore creates a trust store without any CA. Load errors from
// options are ignored.
func NewEmptyTrustStore(opts ...TrustStoreOption) *TrustStore {
	store := &TrustStore{
		roots:       x509.NewCertPool(),
		rootCerts:   make([]*x509.Certificate, 0),
		ocspCache:   NewOCSPCache(DefaultOCSPCacheTTL),
		ocspTimeout: DefaultOCSPTimeout,
		httpClient:  &http.Client{},
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// WithSoftFail enables soft-fail mode for OCSP checks
// When enabled, OCSP failures don't cause verification to fail
func WithSoftFail() TrustStoreOption {
	return func(s *TrustStore) {
		s.softFail = true
	}
}

// WithOCSPTimeout sets the timeout for OCSP requests
func WithOCSPTimeout(d time.Duration) TrustStoreOption {
	return func(s *TrustStore) {
		s.ocspTimeout = d
	}
}

// WithOCSPCacheTTL sets the TTL for OCSP cache entries
func WithOCSPCacheTTL(d time.Duration) TrustStoreOption {
	return func(s *TrustStore) {
		s.ocspCache = NewOCSPCache(d)
	}
}

// WithHTTPClient sets the client used for OCSP requests
func WithHTTPClient(c *http.Client) TrustStoreOption {
	return func(s *TrustStore) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// WithClock overrides the verification time
func WithClock(now func() time.Time) TrustStoreOption {
	return func(s *TrustStore) {
		s.now = now
	}
}

// WithCustomCertsFromFile adds CA certificates from a PEM file
func WithCustomCertsFromFile(path string) TrustStoreOption {
	return func(s *TrustStore) {
		data, err := os.ReadFile(path)
		if err != nil {
			s.recordErr(fmt.Errorf("read trust roots %s: %w", path, err))
			return
		}
		if err := s.AddCertificatesFromPEM(data); err != nil {
			s.recordErr(fmt.Errorf("%s: %w", path, err))
		}
	}
}

// WithRootsDir adds every .pem, .crt and .cer file in dir
func WithRootsDir(dir string) TrustStoreOption {
	return func(s *TrustStore) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			s.recordErr(fmt.Errorf("read trust roots dir %s: %w", dir, err))
			return
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			switch strings.ToLower(filepath.Ext(e.Name())) {
			case ".pem", ".crt", ".cer":
				WithCustomCertsFromFile(filepath.Join(dir, e.Name()))(s)
			}
		}
	}
}

func (s *TrustStore) recordErr(err error) {
	if s.loadErr == nil {
		s.loadErr = err
	}
}

// AddCertificate adds a single certificate to the trust store
func (s *TrustStore) AddCertificate(cert *x509.Certificate) {
	if cert != nil {
		s.roots.AddCert(cert)
		s.rootCerts = append(s.rootCerts, cert)
	}
}

// AddCertificates adds multiple certificates to the trust store
func (s *TrustStore) AddCertificates(certs ...*x509.Certificate) {
	for _, cert := range certs {
		s.AddCertificate(cert)
	}
}

// AddCertificatesFromPEM parses and adds certificates from PEM data
func (s *TrustStore) AddCertificatesFromPEM(pemData []byte) error {
	var added int
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return fmt.Errorf("failed to parse certificate: %w", err)
			}
			s.AddCertificate(cert)
			added++
		}
		pemData = rest
	}
	if added == 0 {
		return fmt.Errorf("no certificates found in PEM data")
	}
	return nil
}

// VerifyChain verifies the certificate chain against trusted roots
func (s *TrustStore) VerifyChain(cert *x509.Certificate, intermediates []*x509.Certificate) ([]*x509.Certificate, error) {
	if cert == nil {
		return nil, fmt.Errorf("certificate is nil")
	}

	var interPool *x509.CertPool
	if len(intermediates) > 0 {
		interPool = x509.NewCertPool()
		for _, inter := range intermediates {
			interPool.AddCert(inter)
		}
	}

	opts := x509.VerifyOptions{
		Roots:         s.roots,
		Intermediates: interPool,
		CurrentTime:   s.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}

	chains, err := cert.Verify(opts)
	if err != nil {
		return nil, fmt.Errorf("chain verification failed: %w", err)
	}

	if len(chains) == 0 {
		return nil, fmt.Errorf("no valid certificate chains found")
	}

	return chains[0], nil
}

// CheckRevocation reports whether cert is still good according to OCSP.
// A certificate without responder URLs is treated as good.
func (s *TrustStore) CheckRevocation(ctx context.Context, cert *x509.Certificate, issuer *x509.Certificate) (bool, error) {
	if cert == nil || issuer == nil {
		return false, fmt.Errorf("certificate or issuer is nil")
	}

	if notRevoked, found := s.ocspCache.Get(cert); found {
		return notRevoked, nil
	}

	if len(cert.OCSPServer) == 0 {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.ocspTimeout)
	defer cancel()

	revoked, err := CheckOCSP(ctx, s.httpClient, cert, issuer)
	if err != nil {
		if s.softFail {
			return true, fmt.Errorf("OCSP check failed (soft-fail enabled): %w", err)
		}
		return false, fmt.Errorf("OCSP check failed: %w", err)
	}

	s.ocspCache.Set(cert, !revoked)

	return !revoked, nil
}

// CheckCredential verifies the signing credential chains to a trusted root
// and has not been revoked. An unreachable responder without soft-fail is
// reported as OCSP_UNAVAILABLE; everything else is a CredentialError.
func (s *TrustStore) CheckCredential(ctx context.Context, cred *signature.Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}
	leaf := cred.Leaf()
	chain, err := s.VerifyChain(leaf, cred.Chain())
	if err != nil {
		return &signature.CredentialError{
			Code:    signature.ErrCodeCertUnreadable,
			Subject: leaf.Subject.CommonName,
			Message: "certificate does not chain to a trusted root",
			Cause:   err,
		}
	}
	if len(chain) < 2 {
		return nil
	}
	notRevoked, err := s.CheckRevocation(ctx, leaf, chain[1])
	if err != nil && !s.softFail {
		return signature.ErrOCSPUnavailable(err)
	}
	if !notRevoked {
		return signature.ErrCertRevoked(leaf.Subject.CommonName)
	}
	return nil
}

// Roots returns the certificate pool
func (s *TrustStore) Roots() *x509.CertPool {
	return s.roots
}

// RootCerts returns the root certificates as a slice
func (s *TrustStore) RootCerts() []*x509.Certificate {
	return s.rootCerts
}

// IsSoftFail returns whether soft-fail mode is enabled
func (s *TrustStore) IsSoftFail() bool {
	return s.softFail
}
