package signature

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePEM(t *testing.T, dir, cn string, notAfter time.Time) (certPath, keyPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	certPath = filepath.Join(dir, cn+".crt")
	keyPath = filepath.Join(dir, cn+".key")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	return certPath, keyPath
}

func fixedNow() time.Time {
	return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
}

func TestCredential_LoadAndReload(t *testing.T) {
	dir := t.TempDir()
	certA, keyA := writePEM(t, dir, "first", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	certB, keyB := writePEM(t, dir, "second", time.Date(2028, 1, 1, 0, 0, 0, 0, time.UTC))

	cred, err := LoadCredential(CredentialSource{CertFile: certA, KeyFile: keyA}, WithNow(fixedNow))
	if err != nil {
		t.Fatalf("LoadCredential failed: %v", err)
	}
	if got := cred.Leaf().Subject.CommonName; got != "first" {
		t.Errorf("Leaf CN: got %s, want first", got)
	}
	if err := cred.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	if err := cred.Reload(CredentialSource{CertFile: certB, KeyFile: keyB}); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := cred.Leaf().Subject.CommonName; got != "second" {
		t.Errorf("Leaf CN after reload: got %s, want second", got)
	}

	left, err := cred.ExpiresIn()
	if err != nil {
		t.Fatalf("ExpiresIn: %v", err)
	}
	if want := time.Date(2028, 1, 1, 0, 0, 0, 0, time.UTC).Sub(fixedNow()); left != want {
		t.Errorf("ExpiresIn: got %v, want %v", left, want)
	}
}

func TestCredential_FailedReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	certA, keyA := writePEM(t, dir, "first", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))

	cred, err := LoadCredential(CredentialSource{CertFile: certA, KeyFile: keyA}, WithNow(fixedNow))
	if err != nil {
		t.Fatalf("LoadCredential failed: %v", err)
	}

	err = cred.Reload(CredentialSource{CertFile: filepath.Join(dir, "missing.crt")})
	var ce *CredentialError
	if !errors.As(err, &ce) || ce.Code != ErrCodeCertUnreadable {
		t.Fatalf("expected CERT_UNREADABLE, got %v", err)
	}
	if got := cred.Leaf().Subject.CommonName; got != "first" {
		t.Errorf("previous credential should stay active, got %s", got)
	}
}

func TestCredential_Errors(t *testing.T) {
	dir := t.TempDir()
	certA, _ := writePEM(t, dir, "first", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	_, keyB := writePEM(t, dir, "second", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	certOld, keyOld := writePEM(t, dir, "old", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	garbage := filepath.Join(dir, "garbage.pfx")
	if err := os.WriteFile(garbage, []byte("not a pfx"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		src  CredentialSource
		code string
	}{
		{"no source", CredentialSource{}, ErrCodeNoCredential},
		{"key mismatch", CredentialSource{CertFile: certA, KeyFile: keyB}, ErrCodeKeyMismatch},
		{"garbage pkcs12", CredentialSource{PKCS12File: garbage, Password: "x"}, ErrCodeCertUnreadable},
		{"missing pkcs12", CredentialSource{PKCS12File: filepath.Join(dir, "none.pfx")}, ErrCodeCertUnreadable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCredential(tt.src, WithNow(fixedNow))
			var ce *CredentialError
			if !errors.As(err, &ce) {
				t.Fatalf("expected CredentialError, got %v", err)
			}
			if ce.Code != tt.code {
				t.Errorf("Code: got %s, want %s", ce.Code, tt.code)
			}
		})
	}

	t.Run("expired", func(t *testing.T) {
		cred, err := LoadCredential(CredentialSource{CertFile: certOld, KeyFile: keyOld}, WithNow(fixedNow))
		if err != nil {
			t.Fatalf("LoadCredential failed: %v", err)
		}
		_, err = cred.KeyStore()
		var ce *CredentialError
		if !errors.As(err, &ce) || ce.Code != ErrCodeCertExpired {
			t.Errorf("expected CERT_EXPIRED, got %v", err)
		}
		if ce != nil && ce.Subject != "old" {
			t.Errorf("Subject: got %s, want old", ce.Subject)
		}
	})

	t.Run("not yet valid", func(t *testing.T) {
		early := func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
		cred, err := LoadCredential(CredentialSource{CertFile: certA, KeyFile: filepath.Join(dir, "first.key")}, WithNow(early))
		if err != nil {
			t.Fatalf("LoadCredential failed: %v", err)
		}
		var ce *CredentialError
		if err := cred.Validate(); !errors.As(err, &ce) || ce.Code != ErrCodeCertNotYetValid {
			t.Errorf("expected CERT_NOT_YET_VALID, got %v", err)
		}
	})
}

func TestCredential_ClientCertificate(t *testing.T) {
	cred := NewCredential(WithNow(fixedNow))
	if _, err := cred.ClientCertificate(&tls.CertificateRequestInfo{}); !IsCredentialError(err) {
		t.Errorf("empty holder should fail with a CredentialError, got %v", err)
	}

	dir := t.TempDir()
	certPath, keyPath := writePEM(t, dir, "client", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	if err := cred.Reload(CredentialSource{CertFile: certPath, KeyFile: keyPath}); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	cert, err := cred.ClientCertificate(&tls.CertificateRequestInfo{})
	if err != nil {
		t.Fatalf("ClientCertificate: %v", err)
	}
	if cert.Leaf == nil || cert.Leaf.Subject.CommonName != "client" {
		t.Errorf("unexpected client certificate: %+v", cert.Leaf)
	}
}
