// Package processor runs a fiscal document through computation, audit,
// signing, transmission and archival.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/rezonia/fiscal-gateway/internal/artifact"
	"github.com/rezonia/fiscal-gateway/internal/audit"
	"github.com/rezonia/fiscal-gateway/internal/clock"
	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/queue"
	"github.com/rezonia/fiscal-gateway/internal/signature"
	"github.com/rezonia/fiscal-gateway/internal/storage"
	"github.com/rezonia/fiscal-gateway/internal/tax"
	"github.com/rezonia/fiscal-gateway/internal/transmission"
)

// Archive suffixes.
const (
	SuffixNFe     = "nfe"
	SuffixProcNFe = "procNFe"
)

// Repository persists documents and their status.
type Repository interface {
	SaveDocument(ctx context.Context, doc *model.FiscalDocument) error
	GetDocument(ctx context.Context, accessKey string) (*model.FiscalDocument, error)
	UpdateStatus(ctx context.Context, accessKey string, u storage.StatusUpdate) error
}

// Outcome is the result of submitting one document.
type Outcome struct {
	AccessKey string          `json:"access_key"`
	Status    model.Status    `json:"status"`
	Code      string          `json:"status_code,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Protocol  string          `json:"protocol,omitempty"`
	Receipt   string          `json:"receipt,omitempty"`
	Digest    string          `json:"audit_digest"`
	Findings  []model.Finding `json:"findings,omitempty"`
	QueueItem string          `json:"queue_item,omitempty"`
	Archived  string          `json:"archived,omitempty"`
	// Signed is the signed NFe.
	Signed []byte `json:"-"`
}

// Queued reports whether the document was handed to the retry queue.
func (o *Outcome) Queued() bool {
	return o.QueueItem != ""
}

// Pipeline wires the engine, audit, signer and transmission client.
type Pipeline struct {
	engine   *tax.Engine
	auditor  *audit.Service
	signer   signature.Signer
	sender   transmission.Sender
	queue    *queue.Queue
	archive  *artifact.Store
	repo     Repository
	clock    clock.Clock
	location *time.Location
	logger   *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithQueue enables retry of transient failures.
func WithQueue(q *queue.Queue) Option {
	return func(p *Pipeline) { p.queue = q }
}

// WithArchive stores signed and authorized documents.
func WithArchive(a *artifact.Store) Option {
	return func(p *Pipeline) { p.archive = a }
}

// WithRepository persists document status.
func WithRepository(r Repository) Option {
	return func(p *Pipeline) { p.repo = r }
}

// WithClock sets the clock used for batch ids.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLocation sets the time zone of dhEmi.
func WithLocation(loc *time.Location) Option {
	return func(p *Pipeline) {
		if loc != nil {
			p.location = loc
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPipeline creates a pipeline. The auditor, signer and sender are required.
func NewPipeline(engine *tax.Engine, auditor *audit.Service, signer signature.Signer, sender transmission.Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		engine:   engine,
		auditor:  auditor,
		signer:   signer,
		sender:   sender,
		clock:    clock.Real(),
		location: saoPaulo(),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func saoPaulo() *time.Location {
	if loc, err := time.LoadLocation("America/Sao_Paulo"); err == nil {
		return loc
	}
	return time.FixedZone("BRT", -3*60*60)
}

// Compute fills tax groups and totals without auditing or sending.
func (p *Pipeline) Compute(doc *model.FiscalDocument) (*tax.Result, error) {
	doc.ApplyDefaults()
	if err := doc.EnsureAccessKey(); err != nil {
		return nil, err
	}
	res, err := p.engine.Compute(doc)
	if err != nil {
		return nil, err
	}
	doc.Status = model.StatusComputed
	return res, nil
}

// Submit computes, audits, signs and transmits a document.
//
// Validation and fatal errors are returned without sending. A rejection is
// returned as a *transmission.Failure together with the outcome. A transient
// failure with a queue configured returns a nil error and an outcome in
// pending_retry.
func (p *Pipeline) Submit(ctx context.Context, doc *model.FiscalDocument) (*Outcome, error) {
	computed, err := p.Compute(doc)
	if err != nil {
		return nil, err
	}
	report, err := p.auditor.Audit(ctx, doc)
	if err != nil {
		return nil, err
	}
	out := &Outcome{
		AccessKey: doc.AccessKey,
		Digest:    report.Digest,
		Findings:  append(computed.Findings, report.Findings...),
	}

	unsigned, err := BuildNFe(doc, p.location)
	if err != nil {
		return nil, err
	}
	signed, err := p.signer.Sign(ctx, unsigned, doc.ElementID())
	if err != nil {
		if signature.IsCredentialError(err) {
			return nil, transmission.Fatal("signing credential", err)
		}
		return nil, fmt.Errorf("processor: sign %s: %w", doc.AccessKey, err)
	}
	out.Signed = signed
	doc.Status = model.StatusSigned

	batch, err := transmission.BatchPayload(batchID(p.clock.Now()), signed)
	if err != nil {
		return nil, err
	}
	env := transmission.Envelope{
		Payload:     batch,
		State:       model.NormalizeState(doc.Issuer.State),
		Environment: doc.Environment,
		Operation:   transmission.OpBatchSubmit,
		AccessKey:   doc.AccessKey,
		CreatedAt:   p.clock.Now(),
	}

	doc.Status = model.StatusSubmitted
	if err := p.persist(ctx, doc); err != nil {
		return nil, err
	}

	result, sendErr := p.sender.Send(ctx, env)
	if result != nil {
		out.Code = result.Status
		out.Reason = result.Reason
		out.Protocol = result.Protocol
	}

	switch transmission.KindOf(sendErr) {
	case transmission.KindNone:
		if result.Status == transmission.StatusBatchReceived {
			item, werr := p.awaitReceipt(ctx, env, result.Receipt)
			if werr != nil {
				return out, p.fail(ctx, doc, out, werr)
			}
			out.Status = model.StatusProcessing
			out.Receipt = result.Receipt
			out.QueueItem = item.ID
			out.Archived = p.store(artifact.KindContingency, doc.AccessKey, SuffixNFe, signed, nil)
			break
		}
		out.Status = statusFor(result.Status)
		if HasProtocol(result.Payload) {
			out.Archived = p.store(artifact.KindAuthorized, doc.AccessKey, SuffixProcNFe, signed, result.Payload)
		} else {
			out.Archived = p.store(artifact.KindContingency, doc.AccessKey, SuffixNFe, signed, nil)
		}
	case transmission.KindPermanent:
		out.Status = model.StatusRejected
		out.Archived = p.store(artifact.KindRejected, doc.AccessKey, SuffixNFe, signed, nil)
	case transmission.KindTransient:
		if p.queue == nil {
			return out, p.fail(ctx, doc, out, sendErr)
		}
		item, qerr := p.queue.Enqueue(ctx, env, transmission.ReasonOf(sendErr))
		if qerr != nil {
			return out, p.fail(ctx, doc, out, fmt.Errorf("processor: enqueue %s: %w", doc.AccessKey, qerr))
		}
		out.Status = model.StatusPendingRetry
		out.QueueItem = item.ID
		out.Archived = p.store(artifact.KindContingency, doc.AccessKey, SuffixNFe, signed, nil)
		p.logger.Warn("document queued for retry", "access_key", doc.AccessKey, "item", item.ID, "error", sendErr)
		sendErr = nil
	default:
		return out, p.fail(ctx, doc, out, sendErr)
	}

	doc.Status = out.Status
	doc.StatusCode = out.Code
	doc.StatusReason = out.Reason
	doc.Protocol = out.Protocol
	doc.Receipt = out.Receipt
	if err := p.persist(ctx, doc); err != nil {
		return out, err
	}
	p.logger.Info("document processed",
		"access_key", doc.AccessKey,
		"status", out.Status,
		"code", out.Code,
		"protocol", out.Protocol)
	return out, sendErr
}

// fail records a submission that nothing will retry and returns err.
func (p *Pipeline) fail(ctx context.Context, doc *model.FiscalDocument, out *Outcome, err error) error {
	out.Status = model.StatusFailed
	if out.Reason == "" {
		out.Reason = transmission.ReasonOf(err)
	}
	doc.Status = model.StatusFailed
	doc.StatusCode = out.Code
	doc.StatusReason = out.Reason
	if perr := p.persist(ctx, doc); perr != nil {
		return errors.Join(err, perr)
	}
	p.logger.Error("document submission failed", "access_key", doc.AccessKey, "error", err)
	return err
}

// awaitReceipt queues a consReciNFe poll for a batch the authority received
// but has not processed yet. Without a queue the receipt is only recorded.
func (p *Pipeline) awaitReceipt(ctx context.Context, batch transmission.Envelope, receipt string) (queue.Item, error) {
	if receipt == "" {
		return queue.Item{}, transmission.Permanent(transmission.StatusBatchReceived, "batch received without a receipt number")
	}
	payload, err := transmission.ProtocolQueryPayload(batch.Environment, receipt)
	if err != nil {
		return queue.Item{}, err
	}
	if p.queue == nil {
		p.logger.Warn("batch receipt recorded without retry queue", "access_key", batch.AccessKey, "receipt", receipt)
		return queue.Item{}, nil
	}
	item, err := p.queue.Enqueue(ctx, transmission.Envelope{
		Payload:     payload,
		State:       batch.State,
		Environment: batch.Environment,
		Operation:   transmission.OpProtocolQuery,
		AccessKey:   batch.AccessKey,
		CreatedAt:   p.clock.Now(),
	}, "batch received, awaiting processing")
	if err != nil {
		return queue.Item{}, fmt.Errorf("processor: enqueue receipt %s: %w", receipt, err)
	}
	return item, nil
}

// QueryStatus asks the authority for the current status of a document and
// records the answer.
func (p *Pipeline) QueryStatus(ctx context.Context, accessKey string, env model.Environment) (*transmission.Result, error) {
	payload, err := transmission.StatusQueryPayload(env, accessKey)
	if err != nil {
		return nil, err
	}
	result, err := p.sender.Send(ctx, transmission.Envelope{
		Payload:     payload,
		State:       model.StateFromCode(accessKey[:2]),
		Environment: env,
		Operation:   transmission.OpStatusQuery,
		AccessKey:   accessKey,
		CreatedAt:   p.clock.Now(),
	})
	if err != nil {
		return result, err
	}
	p.update(ctx, accessKey, storage.StatusUpdate{
		Status:   statusFor(result.Status),
		Code:     result.Status,
		Reason:   result.Reason,
		Protocol: result.Protocol,
	})
	return result, nil
}

// HandleRetry records the outcome of a queued batch resubmission or receipt
// poll. It is registered as a queue.ResultHandler.
func (p *Pipeline) HandleRetry(ctx context.Context, item queue.Item, result *transmission.Result, err error) {
	env := item.Envelope
	if env.AccessKey == "" || (env.Operation != transmission.OpBatchSubmit && env.Operation != transmission.OpProtocolQuery) {
		return
	}
	u := storage.StatusUpdate{}
	if result != nil {
		u.Code = result.Status
		u.Reason = result.Reason
		u.Protocol = result.Protocol
	}

	switch transmission.KindOf(err) {
	case transmission.KindNone:
		if result.Status == transmission.StatusBatchReceived {
			if _, werr := p.awaitReceipt(ctx, env, result.Receipt); werr != nil {
				p.logger.Error("receipt poll not scheduled", "access_key", env.AccessKey, "error", werr)
				u.Status = model.StatusFailed
				u.Reason = transmission.ReasonOf(werr)
				break
			}
			u.Status = model.StatusProcessing
			u.Receipt = result.Receipt
			break
		}
		u.Status = statusFor(result.Status)
		if HasProtocol(result.Payload) {
			p.promote(env.AccessKey, result.Payload)
		}
	case transmission.KindTransient:
		if item.Attempts+1 < item.MaxAttempts {
			return
		}
		u.Status = model.StatusDeadLetter
		u.Reason = transmission.ReasonOf(err)
	case transmission.KindPermanent:
		u.Status = model.StatusRejected
		if p.archive != nil {
			if merr := p.archive.Move(artifact.KindContingency, artifact.KindRejected, env.AccessKey, SuffixNFe); merr != nil && !errors.Is(merr, artifact.ErrNotFound) {
				p.logger.Error("archive move failed", "access_key", env.AccessKey, "error", merr)
			}
		}
	default:
		u.Status = model.StatusDeadLetter
		u.Reason = transmission.ReasonOf(err)
	}
	p.update(ctx, env.AccessKey, u)
}

// promote moves a contingency copy to the authorized archive as nfeProc.
func (p *Pipeline) promote(accessKey string, answer []byte) {
	if p.archive == nil {
		return
	}
	signed, err := p.archive.Load(artifact.KindContingency, accessKey, SuffixNFe)
	if err != nil {
		p.logger.Warn("no contingency copy to promote", "access_key", accessKey, "error", err)
		return
	}
	if p.store(artifact.KindAuthorized, accessKey, SuffixProcNFe, signed, answer) == "" {
		return
	}
	if err := p.archive.Move(artifact.KindContingency, artifact.KindAuthorized, accessKey, SuffixNFe); err != nil {
		p.logger.Error("archive move failed", "access_key", accessKey, "error", err)
	}
}

func (p *Pipeline) store(kind artifact.Kind, accessKey, suffix string, signed, answer []byte) string {
	if p.archive == nil {
		return ""
	}
	data := signed
	if suffix == SuffixProcNFe {
		proc, err := ProcNFe(signed, answer)
		if err != nil {
			p.logger.Error("building nfeProc failed", "access_key", accessKey, "error", err)
			return ""
		}
		data = proc
	}
	path, err := p.archive.Save(kind, accessKey, suffix, data)
	if err != nil {
		// The authority already holds the document; archival is retried by hand.
		p.logger.Error("archival failed", "access_key", accessKey, "kind", kind, "error", err)
		return ""
	}
	return path
}

func (p *Pipeline) persist(ctx context.Context, doc *model.FiscalDocument) error {
	if p.repo == nil {
		return nil
	}
	if err := p.repo.SaveDocument(ctx, doc); err != nil {
		return fmt.Errorf("processor: persist %s: %w", doc.AccessKey, err)
	}
	return nil
}

func (p *Pipeline) update(ctx context.Context, accessKey string, u storage.StatusUpdate) {
	if p.repo == nil {
		return
	}
	if err := p.repo.UpdateStatus(ctx, accessKey, u); err != nil && !errors.Is(err, storage.ErrNotFound) {
		p.logger.Error("status update failed", "access_key", accessKey, "status", u.Status, "error", err)
	}
}

// statusFor maps a success code to the document status.
func statusFor(code string) model.Status {
	switch code {
	case transmission.StatusAuthorized, transmission.StatusAuthorizedLate:
		return model.StatusAuthorized
	case transmission.StatusCancellationRatified, transmission.StatusCancellationLate:
		return model.StatusCanceled
	case transmission.StatusBatchReceived:
		return model.StatusProcessing
	}
	return model.StatusSubmitted
}

// batchID derives a 15-digit idLote from the submission time.
func batchID(t time.Time) string {
	id := strconv.FormatInt(t.UnixMicro(), 10)
	if len(id) > 15 {
		id = id[len(id)-15:]
	}
	return id
}
