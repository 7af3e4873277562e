package trust

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/crypto/ocsp"
)

// Default OCSP configuration
const (
	DefaultOCSPTimeout  = 10 * time.Second
	DefaultOCSPCacheTTL = 1 * time.Hour
)

// OCSPCache caches revocation answers per certificate.
type OCSPCache struct {
	entries *cache.Cache
}

// NewOCSPCache creates a new OCSP response cache
func NewOCSPCache(ttl time.Duration) *OCSPCache {
	return &OCSPCache{entries: cache.New(ttl, 2*ttl)}
}

// Get retrieves a cached OCSP result
func (c *OCSPCache) Get(cert *x509.Certificate) (notRevoked bool, found bool) {
	if cert == nil {
		return false, false
	}
	v, ok := c.entries.Get(certCacheKey(cert))
	if !ok {
		return false, false
	}
	return v.(bool), true
}

// Set caches an OCSP result
func (c *OCSPCache) Set(cert *x509.Certificate, notRevoked bool) {
	if cert == nil {
		return
	}
	c.entries.SetDefault(certCacheKey(cert), notRevoked)
}

// Clear removes all cached entries
func (c *OCSPCache) Clear() {
	c.entries.Flush()
}

// Size returns the number of cached entries, expired ones included until
// the janitor runs.
func (c *OCSPCache) Size() int {
	return c.entries.ItemCount()
}

// certCacheKey generates a cache key from certificate serial number and issuer
func certCacheKey(cert *x509.Certificate) string {
	return fmt.Sprintf("%s:%s", cert.Issuer.String(), cert.SerialNumber.String())
}

// CheckOCSP performs an OCSP check for a certificate
func CheckOCSP(ctx context.Context, client *http.Client, cert, issuer *x509.Certificate) (revoked bool, err error) {
	if len(cert.OCSPServer) == 0 {
		return false, fmt.Errorf("no OCSP server URL in certificate")
	}

	// RFC 5019 responders only accept SHA-1 CertIDs
	ocspRequest, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{
		Hash: crypto.SHA1,
	})
	if err != nil {
		return false, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	// Try each OCSP server
	var lastErr error
	for _, server := range cert.OCSPServer {
		revoked, err := queryOCSPServer(ctx, client, server, ocspRequest, issuer)
		if err == nil {
			return revoked, nil
		}
		lastErr = err
	}

	return false, fmt.Errorf("all OCSP servers failed: %w", lastErr)
}

// queryOCSPServer sends an OCSP request to a specific server
func queryOCSPServer(ctx context.Context, client *http.Client, serverURL string, request []byte, issuer *x509.Certificate) (revoked bool, err error) {
	// Create HTTP request
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(request))
	if err != nil {
		return false, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("OCSP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("OCSP server returned status %d", resp.StatusCode)
	}

	// Read response
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("failed to read OCSP response: %w", err)
	}

	// Parse response
	ocspResp, err := ocsp.ParseResponseForCert(body, nil, issuer)
	if err != nil {
		return false, fmt.Errorf("failed to parse OCSP response: %w", err)
	}

	// Check status
	switch ocspResp.Status {
	case ocsp.Good:
		return false, nil
	case ocsp.Revoked:
		return true, nil
	case ocsp.Unknown:
		return false, fmt.Errorf("OCSP status unknown")
	default:
		return false, fmt.Errorf("unexpected OCSP status: %d", ocspResp.Status)
	}
}
