package signature

import (
	"bytes"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	dsig "github.com/russellhaering/goxmldsig"
	"golang.org/x/crypto/pkcs12"
)

// CredentialSource locates a signing credential: either a PKCS#12 bundle or
// a PEM certificate plus key.
type CredentialSource struct {
	PKCS12File string `yaml:"pkcs12_file"`
	Password   string `yaml:"password"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
}

// IsZero reports whether no credential file is configured.
func (s CredentialSource) IsZero() bool {
	return s.PKCS12File == "" && s.CertFile == ""
}

// Credential holds the active signing certificate. Signing and TLS handshakes
// take the read lock; Reload takes the write lock.
type Credential struct {
	mu   sync.RWMutex
	cert *tls.Certificate
	now  func() time.Time
}

// CredentialOption configures a Credential.
type CredentialOption func(*Credential)

// WithNow overrides the clock used for validity checks.
func WithNow(now func() time.Time) CredentialOption {
	return func(c *Credential) {
		c.now = now
	}
}

// NewCredential creates an empty holder. Use Reload or Set before signing.
func NewCredential(opts ...CredentialOption) *Credential {
	c := &Credential{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadCredential creates a holder loaded from src.
func LoadCredential(src CredentialSource, opts ...CredentialOption) (*Credential, error) {
	c := NewCredential(opts...)
	if err := c.Reload(src); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload reads the credential from src and swaps it in. The previous
// credential stays active when reading fails.
func (c *Credential) Reload(src CredentialSource) error {
	cert, err := readCredential(src)
	if err != nil {
		return err
	}
	return c.Set(cert)
}

// Set installs an already decoded certificate.
func (c *Credential) Set(cert tls.Certificate) error {
	if len(cert.Certificate) == 0 {
		return ErrCertUnreadable(fmt.Errorf("no certificate in credential"))
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return ErrCertUnreadable(err)
		}
		cert.Leaf = leaf
	}
	if _, ok := cert.PrivateKey.(*rsa.PrivateKey); !ok {
		return ErrKeyMismatch(dsig.ErrNonRSAKey)
	}

	c.mu.Lock()
	c.cert = &cert
	c.mu.Unlock()
	return nil
}

// Loaded reports whether a credential is installed.
func (c *Credential) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cert != nil
}

// Leaf returns the end-entity certificate, nil when nothing is loaded.
func (c *Credential) Leaf() *x509.Certificate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cert == nil {
		return nil
	}
	return c.cert.Leaf
}

// Chain returns the parsed certificates after the leaf.
func (c *Credential) Chain() []*x509.Certificate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cert == nil {
		return nil
	}
	var out []*x509.Certificate
	for _, der := range c.cert.Certificate[1:] {
		if cert, err := x509.ParseCertificate(der); err == nil {
			out = append(out, cert)
		}
	}
	return out
}

// Active returns a copy of the certificate after checking its validity window.
func (c *Credential) Active() (tls.Certificate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cert == nil {
		return tls.Certificate{}, ErrNoCredential()
	}
	if err := checkValidity(c.cert.Leaf, c.now()); err != nil {
		return tls.Certificate{}, err
	}
	return *c.cert, nil
}

// Validate checks the validity window of the loaded credential.
func (c *Credential) Validate() error {
	_, err := c.Active()
	return err
}

// ExpiresIn returns the time left before the certificate expires.
func (c *Credential) ExpiresIn() (time.Duration, error) {
	leaf := c.Leaf()
	if leaf == nil {
		return 0, ErrNoCredential()
	}
	return leaf.NotAfter.Sub(c.now()), nil
}

// KeyStore returns a goxmldsig key store bound to the current certificate.
func (c *Credential) KeyStore() (dsig.X509KeyStore, error) {
	cert, err := c.Active()
	if err != nil {
		return nil, err
	}
	return dsig.TLSCertKeyStore(cert), nil
}

// ClientCertificate is a tls.Config GetClientCertificate callback that always
// presents the current credential.
func (c *Credential) ClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	cert, err := c.Active()
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func checkValidity(leaf *x509.Certificate, now time.Time) error {
	subject := leaf.Subject.CommonName
	if now.Before(leaf.NotBefore) {
		return ErrCertNotYetValid(subject)
	}
	if now.After(leaf.NotAfter) {
		return ErrCertExpired(subject)
	}
	return nil
}

func readCredential(src CredentialSource) (tls.Certificate, error) {
	switch {
	case src.PKCS12File != "":
		data, err := os.ReadFile(src.PKCS12File)
		if err != nil {
			return tls.Certificate{}, ErrCertUnreadable(err)
		}
		return DecodePKCS12(data, src.Password)
	case src.CertFile != "":
		certPEM, err := os.ReadFile(src.CertFile)
		if err != nil {
			return tls.Certificate{}, ErrCertUnreadable(err)
		}
		keyPEM := certPEM
		if src.KeyFile != "" {
			if keyPEM, err = os.ReadFile(src.KeyFile); err != nil {
				return tls.Certificate{}, ErrCertUnreadable(err)
			}
		}
		return DecodePEM(certPEM, keyPEM)
	}
	return tls.Certificate{}, ErrNoCredential()
}

// DecodePEM pairs a PEM certificate chain with its private key.
func DecodePEM(certPEM, keyPEM []byte) (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		if strings.Contains(err.Error(), "does not match") {
			return tls.Certificate{}, ErrKeyMismatch(err)
		}
		return tls.Certificate{}, ErrCertUnreadable(err)
	}
	return cert, nil
}

// DecodePKCS12 converts a PFX bundle, including any chain certificates. The
// certificate matching the private key becomes the leaf.
func DecodePKCS12(data []byte, password string) (tls.Certificate, error) {
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return tls.Certificate{}, ErrCertUnreadable(err)
	}
	var certs []*pem.Block
	var keyPEM bytes.Buffer
	for _, b := range blocks {
		if b.Type == "CERTIFICATE" {
			certs = append(certs, b)
			continue
		}
		_ = pem.Encode(&keyPEM, b)
	}
	if len(certs) == 0 {
		return tls.Certificate{}, ErrCertUnreadable(fmt.Errorf("no certificate in PKCS#12 bundle"))
	}

	var lastErr error
	for i := range certs {
		var certPEM bytes.Buffer
		_ = pem.Encode(&certPEM, certs[i])
		for j, b := range certs {
			if j != i {
				_ = pem.Encode(&certPEM, b)
			}
		}
		cert, err := DecodePEM(certPEM.Bytes(), keyPEM.Bytes())
		if err == nil {
			return cert, nil
		}
		lastErr = err
	}
	return tls.Certificate{}, lastErr
}
