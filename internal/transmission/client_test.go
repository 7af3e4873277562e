package transmission

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/fiscal-gateway/internal/metrics"
	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/signature"
)

func newTestClient(t *testing.T, srv *httptest.Server, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{WithHTTPClient(srv.Client())}, opts...)
	return NewClient(endpointsFor(srv.URL), signature.NewCredential(), opts...)
}

func TestClient_SendAuthorized(t *testing.T) {
	var contentType string
	var body string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		_, _ = io.WriteString(w, batchAnswer("100", "Autorizado o uso da NF-e"))
	}))
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry())
	client := newTestClient(t, srv, WithMetrics(m))

	result, err := client.Send(context.Background(), batchEnvelope(t))
	require.NoError(t, err)

	assert.Equal(t, `application/soap+xml; charset=utf-8; action="http://www.portalfiscal.inf.br/nfe/wsdl/NFeAutorizacao4/nfeAutorizacaoLote"`, contentType)
	assert.Contains(t, body, "<soap12:Envelope")
	assert.Contains(t, body, "<nfeDadosMsg")

	assert.Equal(t, "100", result.Status)
	assert.Equal(t, "104", result.BatchStatus)
	assert.Equal(t, "333260000000001", result.Protocol)
	assert.Equal(t, testAccessKey, result.AccessKey)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.False(t, result.ReceivedAt.IsZero())
	assert.True(t, strings.HasPrefix(string(result.Payload), "<retEnviNFe"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transmissions.WithLabelValues("batch_submit", "success")))
}

func TestClient_SendRejected(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, batchAnswer("204", "Rejeicao: Duplicidade de NF-e"))
	}))
	defer srv.Close()

	result, err := newTestClient(t, srv).Send(context.Background(), batchEnvelope(t))
	require.Error(t, err)

	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, KindPermanent, f.Kind)
	assert.Equal(t, "204", f.Code)
	assert.Equal(t, "Rejeicao: Duplicidade de NF-e", f.Reason)
	require.NotNil(t, f.Result)
	assert.Equal(t, result, f.Result)
}

func TestClient_SendUnknownCodeIsRejection(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, batchAnswer("777", "Codigo novo"))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Send(context.Background(), batchEnvelope(t))
	assert.Equal(t, KindPermanent, KindOf(err))
}

func TestClient_SendServicePaused(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, serviceAnswer("108", "Servico Paralisado Momentaneamente"))
	}))
	defer srv.Close()

	env := batchEnvelope(t)
	env.Operation = OpServiceStatus
	_, err := newTestClient(t, srv).Send(context.Background(), env)
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestClient_TransientTransportFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"http 503", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}},
		{"soap fault", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body><soap:Fault><soap:Reason><soap:Text>Server busy</soap:Text></soap:Reason></soap:Fault></soap:Body></soap:Envelope>`)
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "<html>gateway")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewTLSServer(tt.handler)
			defer srv.Close()

			_, err := newTestClient(t, srv).Send(context.Background(), batchEnvelope(t))
			assert.Equal(t, KindTransient, KindOf(err))
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	httpClient := srv.Client()
	httpClient.Timeout = 50 * time.Millisecond
	client := NewClient(endpointsFor(srv.URL), signature.NewCredential(), WithHTTPClient(httpClient))

	_, err := client.Send(context.Background(), batchEnvelope(t))
	assert.Equal(t, KindTransient, KindOf(err))
	assert.True(t, IsTimeout(err))
}

func TestClient_NetworkError(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(endpointsFor(url), signature.NewCredential(), WithHTTPClient(&http.Client{Timeout: time.Second}))
	_, err := client.Send(context.Background(), batchEnvelope(t))
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestClient_ValidationAndConfiguration(t *testing.T) {
	client := NewClient(NewEndpoints(EndpointTable{}), signature.NewCredential())

	env := batchEnvelope(t)
	env.State = ""
	_, err := client.Send(context.Background(), env)
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = client.Send(context.Background(), batchEnvelope(t))
	assert.Equal(t, KindFatal, KindOf(err))
}

func TestClient_MutualTLSUsesCredential(t *testing.T) {
	var peerCN atomic.Value
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.TLS.PeerCertificates) > 0 {
			peerCN.Store(r.TLS.PeerCertificates[0].Subject.CommonName)
		}
		_, _ = io.WriteString(w, serviceAnswer("107", "Servico em Operacao"))
	}))
	srv.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	srv.StartTLS()
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())

	cred := testCredential(t)
	client := NewClient(endpointsFor(srv.URL), cred, WithRootCAs(pool))

	payload, err := ServiceStatusPayload(model.EnvironmentHomologation, "RJ")
	require.NoError(t, err)
	result, err := client.Send(context.Background(), Envelope{
		Payload:     payload,
		State:       "RJ",
		Environment: model.EnvironmentHomologation,
		Operation:   OpServiceStatus,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusServiceOperational, result.Status)
	assert.Equal(t, "EMITENTE SA:11222333000181", peerCN.Load())
}

func TestClient_MissingCredentialIsFatal(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, serviceAnswer("107", "Servico em Operacao"))
	}))
	srv.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	srv.StartTLS()
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())

	client := NewClient(endpointsFor(srv.URL), signature.NewCredential(), WithRootCAs(pool))
	_, err := client.Send(context.Background(), batchEnvelope(t))
	assert.Equal(t, KindFatal, KindOf(err))
}
