package processor_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/rezonia/fiscal-gateway/internal/artifact"
	"github.com/rezonia/fiscal-gateway/internal/audit"
	"github.com/rezonia/fiscal-gateway/internal/catalog"
	"github.com/rezonia/fiscal-gateway/internal/clock"
	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/processor"
	"github.com/rezonia/fiscal-gateway/internal/queue"
	"github.com/rezonia/fiscal-gateway/internal/signature"
	"github.com/rezonia/fiscal-gateway/internal/storage"
	"github.com/rezonia/fiscal-gateway/internal/tax"
	"github.com/rezonia/fiscal-gateway/internal/transmission"
	"github.com/rezonia/fiscal-gateway/internal/transmission/mocks"
)

var start = time.Date(2026, 10, 5, 13, 0, 0, 0, time.UTC)

var passthrough = signature.SignerFunc(func(_ context.Context, xml []byte, _ string) ([]byte, error) {
	return xml, nil
})

const authorizedAnswer = `<retEnviNFe xmlns="http://www.portalfiscal.inf.br/nfe" versao="4.00">` +
	`<cStat>104</cStat><xMotivo>Lote processado</xMotivo>` +
	`<protNFe versao="4.00"><infProt><cStat>100</cStat><nProt>135260000000001</nProt></infProt></protNFe>` +
	`</retEnviNFe>`

func document() *model.FiscalDocument {
	return &model.FiscalDocument{
		Series:        1,
		Number:        42,
		IssuedAt:      start,
		NumericCode:   "10011264",
		FinalConsumer: true,
		Issuer: model.Party{
			Name:              "Emitente SA",
			TaxID:             "11222333000181",
			StateRegistration: "110042490114",
			State:             "SP",
			MunicipalityCode:  "3550308",
		},
		Recipient: model.Party{
			Name:             "Consumidor",
			TaxID:            "12345678909",
			State:            "RJ",
			MunicipalityCode: "3304557",
		},
		Items: []model.LineItem{{
			Code:           "NB-01",
			Description:    "Notebook",
			Classification: "84713012",
			CFOP:           "6108",
			Quantity:       decimal.NewFromInt(2),
			UnitValue:      decimal.RequireFromString("1500.00"),
		}},
	}
}

type fixture struct {
	pipeline *processor.Pipeline
	sender   *mocks.MockSender
	queue    *queue.Queue
	archive  *artifact.Store
	repo     *storage.Repository
	sink     *audit.MemorySink
}

func newFixture(t *testing.T, signer signature.Signer, withQueue bool) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		sender: mocks.NewMockSender(ctrl),
		sink:   audit.NewMemorySink(),
	}

	archive, err := artifact.New(t.TempDir(), artifact.WithCompression(artifact.CompressionZstd))
	require.NoError(t, err)
	f.archive = archive

	db, err := storage.Open(context.Background(), storage.DriverSQLite, filepath.Join(t.TempDir(), "fiscal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	f.repo = storage.NewRepository(db)

	holder := catalog.NewHolder("")
	opts := []processor.Option{
		processor.WithArchive(archive),
		processor.WithRepository(f.repo),
		processor.WithClock(clock.Fake(start)),
	}
	if withQueue {
		f.queue = queue.New(queue.WithClock(clock.Fake(start)))
		opts = append(opts, processor.WithQueue(f.queue))
	}
	f.pipeline = processor.NewPipeline(
		tax.NewEngine(holder),
		audit.NewService(holder, audit.WithSink(f.sink)),
		signer,
		f.sender,
		opts...,
	)
	return f
}

func assertQueueLen(t *testing.T, q *queue.Queue, want int) {
	t.Helper()
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, n)
}

func TestBuildNFe(t *testing.T) {
	f := newFixture(t, passthrough, false)
	doc := document()
	_, err := f.pipeline.Compute(doc)
	require.NoError(t, err)

	data, err := processor.BuildNFe(doc, time.FixedZone("BRT", -3*60*60))
	require.NoError(t, err)

	x := etree.NewDocument()
	require.NoError(t, x.ReadFromBytes(data))
	inf := x.FindElement("/NFe/infNFe")
	require.NotNil(t, inf)
	assert.Equal(t, doc.ElementID(), inf.SelectAttrValue("Id", ""))
	assert.Equal(t, "4.00", inf.SelectAttrValue("versao", ""))

	assert.Equal(t, "35", inf.FindElement("ide/cUF").Text())
	assert.Equal(t, "42", inf.FindElement("ide/nNF").Text())
	assert.Equal(t, "2", inf.FindElement("ide/idDest").Text())
	assert.Equal(t, "2026-10-05T10:00:00-03:00", inf.FindElement("ide/dhEmi").Text())
	assert.Equal(t, doc.AccessKey[43:], inf.FindElement("ide/cDV").Text())
	assert.Equal(t, "CPF", inf.FindElement("dest").ChildElements()[0].Tag)

	det := inf.FindElements("det")
	require.Len(t, det, 1)
	assert.Equal(t, "1", det[0].SelectAttrValue("nItem", ""))
	assert.Equal(t, "3000.00", det[0].FindElement("prod/vProd").Text())
	assert.Equal(t, "12.0000", det[0].FindElement("imposto/ICMS/ICMS00/pICMS").Text())
	assert.NotNil(t, det[0].FindElement("imposto/ICMSUFDest"), "final consumer in another state pays DIFAL")
	assert.NotNil(t, det[0].FindElement("imposto/IBSCBS/gIBSCBS/gCBS"))

	assert.Equal(t, doc.Totals.DocumentTotal.StringFixed(2), inf.FindElement("total/ICMSTot/vNF").Text())
	assert.Equal(t, doc.Totals.Kind(model.TaxCBS).StringFixed(2), inf.FindElement("total/IBSCBSTot/gCBS/vCBS").Text())
}

func TestBuildNFe_RequiresAccessKey(t *testing.T) {
	_, err := processor.BuildNFe(document(), nil)
	assert.True(t, model.IsValidation(err))
}

func TestProcNFe(t *testing.T) {
	proc, err := processor.ProcNFe([]byte(`<NFe xmlns="http://www.portalfiscal.inf.br/nfe"><infNFe Id="NFe1"/></NFe>`), []byte(authorizedAnswer))
	require.NoError(t, err)

	x := etree.NewDocument()
	require.NoError(t, x.ReadFromBytes(proc))
	assert.Equal(t, "nfeProc", x.Root().Tag)
	assert.NotNil(t, x.FindElement("/nfeProc/NFe/infNFe"))
	assert.Equal(t, "135260000000001", x.FindElement("/nfeProc/protNFe/infProt/nProt").Text())
}

func TestSubmit_Authorized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, passthrough, true)

	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, env transmission.Envelope) (*transmission.Result, error) {
			assert.Equal(t, transmission.OpBatchSubmit, env.Operation)
			assert.Equal(t, "SP", env.State)
			assert.Equal(t, model.EnvironmentHomologation, env.Environment)
			return &transmission.Result{
				Operation: env.Operation,
				Status:    transmission.StatusAuthorized,
				Reason:    "Autorizado o uso da NF-e",
				Protocol:  "135260000000001",
				AccessKey: env.AccessKey,
				Outcome:   transmission.OutcomeSuccess,
				Payload:   []byte(authorizedAnswer),
			}, nil
		})

	doc := document()
	out, err := f.pipeline.Submit(ctx, doc)
	require.NoError(t, err)

	assert.Equal(t, model.StatusAuthorized, out.Status)
	assert.Equal(t, "135260000000001", out.Protocol)
	assert.Len(t, out.Digest, 64)
	assert.Equal(t, doc.AuditDigest, out.Digest)
	assert.False(t, out.Queued())
	assert.Len(t, f.sink.ForKey(doc.AccessKey), len(model.Categories))

	proc, err := f.archive.Load(artifact.KindAuthorized, doc.AccessKey, processor.SuffixProcNFe)
	require.NoError(t, err)
	assert.Contains(t, string(proc), "<nProt>135260000000001</nProt>")

	stored, err := f.repo.GetDocument(ctx, doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAuthorized, stored.Status)
	assert.Equal(t, "100", stored.StatusCode)
	assertQueueLen(t, f.queue, 0)
}

func TestSubmit_Rejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, passthrough, true)

	rejection := transmission.Permanent(transmission.StatusDuplicate, "Duplicidade de NF-e")
	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return(&transmission.Result{
		Status:  transmission.StatusDuplicate,
		Reason:  "Duplicidade de NF-e",
		Outcome: transmission.OutcomeRejection,
	}, rejection)

	doc := document()
	out, err := f.pipeline.Submit(ctx, doc)
	require.Error(t, err)
	assert.Equal(t, transmission.KindPermanent, transmission.KindOf(err))
	require.NotNil(t, out)
	assert.Equal(t, model.StatusRejected, out.Status)
	assert.Equal(t, "204", out.Code)

	_, err = f.archive.Load(artifact.KindRejected, doc.AccessKey, processor.SuffixNFe)
	require.NoError(t, err)
	stored, err := f.repo.GetDocument(ctx, doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, stored.Status)
	assertQueueLen(t, f.queue, 0)
}

func TestSubmit_TransientQueuedThenAuthorized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, passthrough, true)

	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).
		Return(nil, transmission.Transient("network error", context.DeadlineExceeded))

	doc := document()
	out, err := f.pipeline.Submit(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingRetry, out.Status)
	assert.True(t, out.Queued())
	assertQueueLen(t, f.queue, 1)

	_, err = f.archive.Load(artifact.KindContingency, doc.AccessKey, processor.SuffixNFe)
	require.NoError(t, err)
	stored, err := f.repo.GetDocument(ctx, doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingRetry, stored.Status)

	items, err := f.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	f.pipeline.HandleRetry(ctx, items[0], &transmission.Result{
		Status:   transmission.StatusAuthorized,
		Protocol: "135260000000009",
		Outcome:  transmission.OutcomeSuccess,
		Payload:  []byte(authorizedAnswer),
	}, nil)

	stored, err = f.repo.GetDocument(ctx, doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAuthorized, stored.Status)
	assert.Equal(t, "135260000000009", stored.Protocol)

	_, err = f.archive.Load(artifact.KindContingency, doc.AccessKey, processor.SuffixNFe)
	assert.ErrorIs(t, err, artifact.ErrNotFound)
	_, err = f.archive.Load(artifact.KindAuthorized, doc.AccessKey, processor.SuffixProcNFe)
	require.NoError(t, err)
}

func TestHandleRetry_ExhaustedMarksDeadLetter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, passthrough, true)

	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).
		Return(nil, transmission.Transient("timeout", context.DeadlineExceeded))
	doc := document()
	_, err := f.pipeline.Submit(ctx, doc)
	require.NoError(t, err)

	items, err := f.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)

	item := items[0]
	f.pipeline.HandleRetry(ctx, item, nil, transmission.Transient("timeout", nil))
	stored, err := f.repo.GetDocument(ctx, doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingRetry, stored.Status, "attempts left")

	item.Attempts = item.MaxAttempts - 1
	f.pipeline.HandleRetry(ctx, item, nil, transmission.Transient("timeout", nil))
	stored, err = f.repo.GetDocument(ctx, doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeadLetter, stored.Status)
}

func TestSubmit_TransientWithoutQueue(t *testing.T) {
	f := newFixture(t, passthrough, false)
	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).
		Return(nil, transmission.Transient("network error", nil))

	out, err := f.pipeline.Submit(context.Background(), document())
	require.Error(t, err)
	assert.Equal(t, transmission.KindTransient, transmission.KindOf(err))
	assert.False(t, out.Queued())
}

func TestSubmit_CredentialErrorIsFatal(t *testing.T) {
	expired := signature.SignerFunc(func(context.Context, []byte, string) ([]byte, error) {
		return nil, signature.ErrCertExpired("EMITENTE SA:11222333000181")
	})
	f := newFixture(t, expired, true)

	_, err := f.pipeline.Submit(context.Background(), document())
	require.Error(t, err)
	assert.Equal(t, transmission.KindFatal, transmission.KindOf(err))
	assert.True(t, signature.IsCredentialError(err))
	assertQueueLen(t, f.queue, 0)
}

func TestSubmit_ValidationFailsBeforeSending(t *testing.T) {
	f := newFixture(t, passthrough, true)
	doc := document()
	doc.Items = nil

	_, err := f.pipeline.Submit(context.Background(), doc)
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
}

func TestQueryStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, passthrough, false)

	doc := document()
	_, err := f.pipeline.Compute(doc)
	require.NoError(t, err)
	doc.Status = model.StatusSubmitted
	require.NoError(t, f.repo.SaveDocument(ctx, doc))

	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, env transmission.Envelope) (*transmission.Result, error) {
			assert.Equal(t, transmission.OpStatusQuery, env.Operation)
			assert.Equal(t, "SP", env.State)
			assert.Contains(t, string(env.Payload), "<chNFe>"+doc.AccessKey+"</chNFe>")
			return &transmission.Result{
				Status:   transmission.StatusCancellationRatified,
				Reason:   "Cancelamento de NF-e homologado",
				Protocol: "135260000000003",
				Outcome:  transmission.OutcomeSuccess,
			}, nil
		})

	res, err := f.pipeline.QueryStatus(ctx, doc.AccessKey, model.EnvironmentHomologation)
	require.NoError(t, err)
	assert.Equal(t, "101", res.Status)

	stored, err := f.repo.GetDocument(ctx, doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, stored.Status)
}

const receivedAnswer = `<retEnviNFe xmlns="http://www.portalfiscal.inf.br/nfe" versao="4.00">` +
	`<cStat>103</cStat><xMotivo>Lote recebido com sucesso</xMotivo>` +
	`<infRec><nRec>351000000000017</nRec><tMed>1</tMed></infRec>` +
	`</retEnviNFe>`

const processedAnswer = `<retConsReciNFe xmlns="http://www.portalfiscal.inf.br/nfe" versao="4.00">` +
	`<nRec>351000000000017</nRec><cStat>104</cStat><xMotivo>Lote processado</xMotivo>` +
	`<protNFe versao="4.00"><infProt><cStat>100</cStat><nProt>135260000000021</nProt></infProt></protNFe>` +
	`</retConsReciNFe>`

func TestSubmit_BatchReceivedPollsReceipt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, passthrough, true)

	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return(&transmission.Result{
		Operation:   transmission.OpBatchSubmit,
		Status:      transmission.StatusBatchReceived,
		BatchStatus: transmission.StatusBatchReceived,
		Reason:      "Lote recebido com sucesso",
		Receipt:     "351000000000017",
		Outcome:     transmission.OutcomeSuccess,
		Payload:     []byte(receivedAnswer),
	}, nil)

	doc := document()
	out, err := f.pipeline.Submit(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, out.Status)
	assert.Equal(t, "351000000000017", out.Receipt)
	assert.True(t, out.Queued())

	_, err = f.archive.Load(artifact.KindAuthorized, doc.AccessKey, processor.SuffixProcNFe)
	assert.ErrorIs(t, err, artifact.ErrNotFound, "no protocol, nothing authorized yet")
	_, err = f.archive.Load(artifact.KindContingency, doc.AccessKey, processor.SuffixNFe)
	require.NoError(t, err)

	stored, err := f.repo.GetDocument(ctx, doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, stored.Status)
	assert.Equal(t, "351000000000017", stored.Receipt)

	items, err := f.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	poll := items[0]
	assert.Equal(t, transmission.OpProtocolQuery, poll.Envelope.Operation)
	assert.Equal(t, doc.AccessKey, poll.Envelope.AccessKey)
	assert.Contains(t, string(poll.Envelope.Payload), "<nRec>351000000000017</nRec>")

	// Still in processing: the scheduler keeps polling.
	f.pipeline.HandleRetry(ctx, poll, nil, transmission.Transient("Lote em processamento", nil))
	stored, err = f.repo.GetDocument(ctx, doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, stored.Status)

	f.pipeline.HandleRetry(ctx, poll, &transmission.Result{
		Operation: transmission.OpProtocolQuery,
		Status:    transmission.StatusAuthorized,
		Protocol:  "135260000000021",
		Outcome:   transmission.OutcomeSuccess,
		Payload:   []byte(processedAnswer),
	}, nil)

	stored, err = f.repo.GetDocument(ctx, doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAuthorized, stored.Status)
	assert.Equal(t, "135260000000021", stored.Protocol)
	proc, err := f.archive.Load(artifact.KindAuthorized, doc.AccessKey, processor.SuffixProcNFe)
	require.NoError(t, err)
	assert.Contains(t, string(proc), "<nProt>135260000000021</nProt>")
}

func TestSubmit_BatchReceivedWithoutReceiptFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, passthrough, true)
	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return(&transmission.Result{
		Status:  transmission.StatusBatchReceived,
		Outcome: transmission.OutcomeSuccess,
	}, nil)

	doc := document()
	out, err := f.pipeline.Submit(ctx, doc)
	require.Error(t, err)
	assert.Equal(t, transmission.KindPermanent, transmission.KindOf(err))
	assert.Equal(t, model.StatusFailed, out.Status)
	assertQueueLen(t, f.queue, 0)

	stored, err := f.repo.GetDocument(ctx, doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
}

func TestSubmit_FatalSendMarksFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, passthrough, true)
	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).
		Return(nil, transmission.Fatal("client certificate unavailable", signature.ErrNoCredential()))

	doc := document()
	out, err := f.pipeline.Submit(ctx, doc)
	require.Error(t, err)
	assert.Equal(t, transmission.KindFatal, transmission.KindOf(err))
	assert.Equal(t, model.StatusFailed, out.Status)

	stored, err := f.repo.GetDocument(ctx, doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.NotEmpty(t, stored.StatusReason)
	assertQueueLen(t, f.queue, 0)
}

func TestProcNFe_RequiresProtocol(t *testing.T) {
	_, err := processor.ProcNFe([]byte(`<NFe xmlns="http://www.portalfiscal.inf.br/nfe"><infNFe Id="NFe1"/></NFe>`), []byte(receivedAnswer))
	require.Error(t, err)
	assert.False(t, processor.HasProtocol([]byte(receivedAnswer)))
	assert.True(t, processor.HasProtocol([]byte(authorizedAnswer)))
}
