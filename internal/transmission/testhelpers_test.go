package transmission

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/signature"
)

const testAccessKey = "35261011222333000181550010000000011001126484"

func testCredential(t *testing.T) *signature.Credential {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "EMITENTE SA:11222333000181"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cred := signature.NewCredential()
	require.NoError(t, cred.Set(tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}))
	return cred
}

func endpointsFor(url string) *Endpoints {
	ops := map[Operation]string{}
	for op := range services {
		ops[op] = url
	}
	return NewEndpoints(EndpointTable{
		Endpoints: map[string]map[model.Environment]map[Operation]string{
			"SVRS": {model.EnvironmentHomologation: ops},
		},
	})
}

func soapResult(service, inner string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>`+
		`<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body>`+
		`<nfeResultMsg xmlns="http://www.portalfiscal.inf.br/nfe/wsdl/%s">%s</nfeResultMsg>`+
		`</soap:Body></soap:Envelope>`, service, inner)
}

func batchAnswer(cStat, xMotivo string) string {
	return soapResult("NFeAutorizacao4", `<retEnviNFe xmlns="http://www.portalfiscal.inf.br/nfe" versao="4.00">`+
		`<tpAmb>2</tpAmb><cStat>104</cStat><xMotivo>Lote processado</xMotivo><cUF>33</cUF>`+
		`<dhRecbto>2026-10-18T10:00:00-03:00</dhRecbto>`+
		`<protNFe versao="4.00"><infProt><tpAmb>2</tpAmb><chNFe>`+testAccessKey+`</chNFe>`+
		`<dhRecbto>2026-10-18T10:00:01-03:00</dhRecbto><nProt>333260000000001</nProt>`+
		`<cStat>`+cStat+`</cStat><xMotivo>`+xMotivo+`</xMotivo></infProt></protNFe></retEnviNFe>`)
}

func serviceAnswer(cStat, xMotivo string) string {
	return soapResult("NFeStatusServico4", `<retConsStatServ xmlns="http://www.portalfiscal.inf.br/nfe" versao="4.00">`+
		`<tpAmb>2</tpAmb><cStat>`+cStat+`</cStat><xMotivo>`+xMotivo+`</xMotivo><cUF>33</cUF></retConsStatServ>`)
}

func batchEnvelope(t *testing.T) Envelope {
	t.Helper()
	payload, err := BatchPayload("1", []byte(`<NFe xmlns="http://www.portalfiscal.inf.br/nfe"><infNFe Id="NFe`+testAccessKey+`" versao="4.00"/></NFe>`))
	require.NoError(t, err)
	return Envelope{
		Payload:     payload,
		State:       "RJ",
		Environment: model.EnvironmentHomologation,
		Operation:   OpBatchSubmit,
		AccessKey:   testAccessKey,
		CreatedAt:   time.Now(),
	}
}
