// Package events builds correction, cancellation and numbering-void events,
// signs them and delivers them to the authority.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/rezonia/fiscal-gateway/internal/clock"
	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/queue"
	"github.com/rezonia/fiscal-gateway/internal/signature"
	"github.com/rezonia/fiscal-gateway/internal/transmission"
)

// CorrectionRequest is a correction letter (carta de correcao).
type CorrectionRequest struct {
	AccessKey string `json:"access_key" binding:"required"`
	Sequence  int    `json:"sequence" binding:"required"`
	Text      string `json:"text" binding:"required"`
}

// CancellationRequest cancels an authorized document.
type CancellationRequest struct {
	AccessKey     string `json:"access_key" binding:"required"`
	Protocol      string `json:"protocol" binding:"required"`
	Justification string `json:"justification" binding:"required"`
}

// VoidRequest voids an unused numbering range.
type VoidRequest struct {
	Range         model.NumberingRange `json:"range"`
	Justification string               `json:"justification" binding:"required"`
}

// Receipt is the outcome of an event submission.
type Receipt struct {
	Record model.EventRecord `json:"record"`
	// Signed is the signed event document.
	Signed []byte `json:"-"`
	// QueueItem is set when a transient failure parked the event in the
	// retry queue.
	QueueItem string `json:"queue_item,omitempty"`
}

// Queued reports whether the event waits in the retry queue.
func (r *Receipt) Queued() bool {
	return r.QueueItem != ""
}

// Processor submits events. The queue is optional.
type Processor struct {
	signer      signature.Signer
	sender      transmission.Sender
	queue       *queue.Queue
	environment model.Environment
	clock       clock.Clock
	location    *time.Location
	logger      *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithQueue parks transient failures in q.
func WithQueue(q *queue.Queue) Option {
	return func(p *Processor) {
		p.queue = q
	}
}

// WithEnvironment sets the authority environment.
func WithEnvironment(env model.Environment) Option {
	return func(p *Processor) {
		if env != "" {
			p.environment = env
		}
	}
}

// WithClock sets the clock used for event timestamps.
func WithClock(c clock.Clock) Option {
	return func(p *Processor) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLocation sets the zone of event timestamps.
func WithLocation(loc *time.Location) Option {
	return func(p *Processor) {
		if loc != nil {
			p.location = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates an event processor.
func New(signer signature.Signer, sender transmission.Sender, opts ...Option) *Processor {
	p := &Processor{
		signer:      signer,
		sender:      sender,
		environment: model.EnvironmentHomologation,
		clock:       clock.Real(),
		location:    defaultLocation(),
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultLocation() *time.Location {
	if loc, err := time.LoadLocation("America/Sao_Paulo"); err == nil {
		return loc
	}
	return time.FixedZone("BRT", -3*60*60)
}

// Correct submits a correction letter.
func (p *Processor) Correct(ctx context.Context, r CorrectionRequest) (*Receipt, error) {
	now := p.clock.Now().In(p.location)
	unsigned, id, err := BuildCorrection(r, p.environment, now)
	if err != nil {
		return nil, err
	}
	rec := model.EventRecord{
		ID:        id,
		Type:      model.EventCorrection,
		AccessKey: r.AccessKey,
		Sequence:  r.Sequence,
		Text:      r.Text,
		CreatedAt: now,
	}
	return p.submitEvent(ctx, rec, unsigned)
}

// Cancel submits a cancellation.
func (p *Processor) Cancel(ctx context.Context, r CancellationRequest) (*Receipt, error) {
	now := p.clock.Now().In(p.location)
	unsigned, id, err := BuildCancellation(r, p.environment, now)
	if err != nil {
		return nil, err
	}
	rec := model.EventRecord{
		ID:        id,
		Type:      model.EventCancellation,
		AccessKey: r.AccessKey,
		Sequence:  1,
		Text:      r.Justification,
		CreatedAt: now,
	}
	return p.submitEvent(ctx, rec, unsigned)
}

// VoidNumbering submits a numbering-void request.
func (p *Processor) VoidNumbering(ctx context.Context, r VoidRequest) (*Receipt, error) {
	unsigned, id, err := BuildVoid(r, p.environment)
	if err != nil {
		return nil, err
	}
	rec := model.EventRecord{
		ID:        id,
		Type:      model.EventNumberingVoid,
		Sequence:  1,
		Text:      r.Justification,
		CreatedAt: p.clock.Now().In(p.location),
	}
	signed, err := p.signer.Sign(ctx, unsigned, id)
	if err != nil {
		return nil, err
	}
	env := transmission.Envelope{
		Payload:     signed,
		State:       model.NormalizeState(r.Range.State),
		Environment: p.environment,
		Operation:   transmission.OpNumberingVoid,
		CreatedAt:   rec.CreatedAt,
	}
	return p.deliver(ctx, rec, signed, env)
}

func (p *Processor) submitEvent(ctx context.Context, rec model.EventRecord, unsigned []byte) (*Receipt, error) {
	signed, err := p.signer.Sign(ctx, unsigned, rec.ID)
	if err != nil {
		return nil, err
	}
	batch, err := transmission.EventBatchPayload(batchID(rec.CreatedAt), signed)
	if err != nil {
		return nil, err
	}
	env := transmission.Envelope{
		Payload:     batch,
		State:       model.StateFromCode(keyState(rec.AccessKey)),
		Environment: p.environment,
		Operation:   transmission.OpEvent,
		AccessKey:   rec.AccessKey,
		CreatedAt:   rec.CreatedAt,
	}
	return p.deliver(ctx, rec, signed, env)
}

func (p *Processor) deliver(ctx context.Context, rec model.EventRecord, signed []byte, env transmission.Envelope) (*Receipt, error) {
	receipt := &Receipt{Record: rec, Signed: signed}

	result, err := p.sender.Send(ctx, env)
	if result != nil {
		applyResult(&receipt.Record, result)
	}
	if err == nil {
		p.logger.Info("event registered",
			"id", rec.ID,
			"type", rec.Type,
			"status", receipt.Record.StatusCode,
			"protocol", receipt.Record.ProtocolNumber)
		return receipt, nil
	}

	if transmission.KindOf(err) == transmission.KindTransient && p.queue != nil {
		item, qerr := p.queue.Enqueue(ctx, env, transmission.ReasonOf(err))
		if qerr != nil {
			return receipt, fmt.Errorf("events: enqueue %s: %w", rec.ID, qerr)
		}
		receipt.QueueItem = item.ID
		p.logger.Warn("event queued for retry", "id", rec.ID, "item", item.ID, "error", err)
		return receipt, nil
	}
	return receipt, err
}

func applyResult(rec *model.EventRecord, r *transmission.Result) {
	rec.StatusCode = r.Status
	rec.Reason = r.Reason
	rec.ProtocolNumber = r.Protocol
	rec.RegisteredAt = r.ReceivedAt
}

// batchID derives a 15-digit idLote from the submission time.
func batchID(t time.Time) string {
	id := strconv.FormatInt(t.UnixNano()/int64(time.Microsecond), 10)
	if len(id) > 15 {
		id = id[len(id)-15:]
	}
	return id
}
