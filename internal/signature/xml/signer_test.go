package xml

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/rezonia/fiscal-gateway/internal/signature"
)

const (
	testKey = "35261011222333000181550010000000011001126484"
	testID  = "NFe" + testKey
)

var unsignedNFe = `<NFe xmlns="http://www.portalfiscal.inf.br/nfe"><infNFe Id="` + testID + `" versao="4.00"><ide><cUF>35</cUF><nNF>1</nNF></ide><total><ICMSTot><vNF>100.00</vNF></ICMSTot></total></infNFe></NFe>`

func testCredential(t *testing.T, notBefore, notAfter time.Time) *signature.Credential {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject: pkix.Name{
			CommonName:   "EMITENTE SA:11222333000181",
			Organization: []string{"ICP-Brasil"},
		},
		NotBefore:   notBefore,
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	cred := signature.NewCredential()
	if err := cred.Set(tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	return cred
}

func validCredential(t *testing.T) *signature.Credential {
	return testCredential(t, time.Now().Add(-time.Hour), time.Now().Add(365*24*time.Hour))
}

func TestXMLSigner_SignAndVerify(t *testing.T) {
	signer := NewXMLSigner(validCredential(t))

	signed, err := signer.Sign(context.Background(), []byte(unsignedNFe), testID)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	out := string(signed)
	if !strings.Contains(out, `</infNFe><Signature xmlns="http://www.w3.org/2000/09/xmldsig#">`) {
		t.Errorf("signature should follow infNFe as a sibling: %s", out)
	}
	if !strings.Contains(out, `Algorithm="http://www.w3.org/2000/09/xmldsig#rsa-sha1"`) {
		t.Error("signature method should be RSA-SHA1")
	}
	if !strings.Contains(out, `Algorithm="http://www.w3.org/TR/2001/REC-xml-c14n-20010315"`) {
		t.Error("canonicalization should be C14N 1.0")
	}
	if !strings.Contains(out, `URI="#`+testID+`"`) {
		t.Error("reference should point to the infNFe Id")
	}

	result, err := NewXMLVerifier(nil).VerifyElement(context.Background(), signed, testID)
	if err != nil {
		t.Fatalf("VerifyElement failed: %v", err)
	}
	if !result.Authentic {
		t.Errorf("signature should be valid: %v", result.Errors)
	}
	if result.Signatory == nil || result.Signatory.SerialNumber != "42" {
		t.Errorf("Signer: got %+v", result.Signatory)
	}
	if result.ElementID != testID {
		t.Errorf("ElementID: got %s, want %s", result.ElementID, testID)
	}
}

func TestXMLSigner_TamperedContentFailsVerification(t *testing.T) {
	signer := NewXMLSigner(validCredential(t))
	signed, err := signer.Sign(context.Background(), []byte(unsignedNFe), testID)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	tampered := strings.Replace(string(signed), "<vNF>100.00</vNF>", "<vNF>1.00</vNF>", 1)
	result, err := NewXMLVerifier(nil).VerifyElement(context.Background(), []byte(tampered), testID)
	if err != nil {
		t.Fatalf("VerifyElement failed: %v", err)
	}
	if result.Authentic || result.Valid {
		t.Error("tampered document must not verify")
	}
}

func TestXMLSigner_ResignReplacesSignature(t *testing.T) {
	signer := NewXMLSigner(validCredential(t))
	once, err := signer.Sign(context.Background(), []byte(unsignedNFe), testID)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	twice, err := signer.Sign(context.Background(), once, testID)
	if err != nil {
		t.Fatalf("second Sign failed: %v", err)
	}
	if n := strings.Count(string(twice), "<Signature "); n != 1 {
		t.Errorf("Signature count: got %d, want 1", n)
	}
}

func TestXMLSigner_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewXMLSigner(validCredential(t)).Sign(ctx, []byte(unsignedNFe), "NFe000")
	var se *signature.SignatureError
	if !errors.As(err, &se) || se.Code != signature.ErrCodeElementNotFound {
		t.Errorf("unknown Id: got %v", err)
	}

	_, err = NewXMLSigner(validCredential(t)).Sign(ctx, []byte("<NFe>"), testID)
	if !errors.As(err, &se) || se.Code != signature.ErrCodeMalformedDocument {
		t.Errorf("malformed: got %v", err)
	}

	expired := testCredential(t, time.Now().Add(-48*time.Hour), time.Now().Add(-time.Hour))
	_, err = NewXMLSigner(expired).Sign(ctx, []byte(unsignedNFe), testID)
	var ce *signature.CredentialError
	if !errors.As(err, &ce) || ce.Code != signature.ErrCodeCertExpired {
		t.Errorf("expired credential: got %v", err)
	}

	_, err = NewXMLSigner(signature.NewCredential()).Sign(ctx, []byte(unsignedNFe), testID)
	if !signature.IsCredentialError(err) {
		t.Errorf("empty credential: got %v", err)
	}
}
