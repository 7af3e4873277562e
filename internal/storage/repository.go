package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rezonia/fiscal-gateway/internal/model"
)

// ErrNotFound is returned when a document or event does not exist.
var ErrNotFound = errors.New("storage: not found")

// StatusUpdate is the authority answer recorded for a document.
type StatusUpdate struct {
	Status   model.Status
	Code     string
	Reason   string
	Protocol string
	Receipt  string
}

// Repository stores fiscal documents and their events. The document body is
// kept as JSON; the status columns are copied out for querying.
type Repository struct {
	db  *DB
	now func() time.Time
}

// NewRepository creates a repository on an opened database.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// SaveDocument inserts or replaces a document by access key.
func (r *Repository) SaveDocument(ctx context.Context, doc *model.FiscalDocument) error {
	if err := model.ValidateAccessKey(doc.AccessKey); err != nil {
		return err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("storage: encode document: %w", err)
	}
	now := r.now().UTC()
	_, err = r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO documents (access_key, state, environment, status, status_code, status_reason,
			protocol, audit_digest, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (access_key) DO UPDATE SET
			status = excluded.status,
			status_code = excluded.status_code,
			status_reason = excluded.status_reason,
			protocol = excluded.protocol,
			audit_digest = excluded.audit_digest,
			body = excluded.body,
			updated_at = excluded.updated_at`),
		doc.AccessKey, model.NormalizeState(doc.Issuer.State), string(doc.Environment), string(doc.Status),
		doc.StatusCode, doc.StatusReason, doc.Protocol, doc.AuditDigest, body, now, now)
	if err != nil {
		return fmt.Errorf("storage: save document %s: %w", doc.AccessKey, err)
	}
	return nil
}

// GetDocument loads a document with its latest status.
func (r *Repository) GetDocument(ctx context.Context, accessKey string) (*model.FiscalDocument, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx, r.db.Rebind(
		`SELECT body FROM documents WHERE access_key = ?`), accessKey).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get document %s: %w", accessKey, err)
	}
	var doc model.FiscalDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("storage: decode document %s: %w", accessKey, err)
	}
	return &doc, nil
}

// UpdateStatus records an authority answer on a stored document.
func (r *Repository) UpdateStatus(ctx context.Context, accessKey string, u StatusUpdate) error {
	doc, err := r.GetDocument(ctx, accessKey)
	if err != nil {
		return err
	}
	doc.Status = u.Status
	doc.StatusCode = u.Code
	doc.StatusReason = u.Reason
	if u.Protocol != "" {
		doc.Protocol = u.Protocol
	}
	if u.Receipt != "" {
		doc.Receipt = u.Receipt
	}
	return r.SaveDocument(ctx, doc)
}

// DocumentSummary is a row of ListByStatus.
type DocumentSummary struct {
	AccessKey string       `json:"access_key"`
	State     string       `json:"state"`
	Status    model.Status `json:"status"`
	Code      string       `json:"status_code,omitempty"`
	Protocol  string       `json:"protocol,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ListByStatus returns documents in a status, most recently updated first.
func (r *Repository) ListByStatus(ctx context.Context, status model.Status, limit int) ([]DocumentSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(
		`SELECT access_key, state, status, COALESCE(status_code, ''), COALESCE(protocol, ''), updated_at
		FROM documents WHERE status = ? ORDER BY updated_at DESC, access_key LIMIT ?`),
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list documents: %w", err)
	}
	defer rows.Close()

	var out []DocumentSummary
	for rows.Next() {
		var s DocumentSummary
		if err := rows.Scan(&s.AccessKey, &s.State, &s.Status, &s.Code, &s.Protocol, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan document: %w", err)
		}
		s.UpdatedAt = s.UpdatedAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveEvent inserts or replaces an event record by ID.
func (r *Repository) SaveEvent(ctx context.Context, ev *model.EventRecord) error {
	if ev.ID == "" {
		return model.NewValidationError("id", "", "required", "event has no id")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("storage: encode event: %w", err)
	}
	var registered any
	if !ev.RegisteredAt.IsZero() {
		registered = ev.RegisteredAt.UTC()
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO events (id, access_key, event_type, sequence, status_code, protocol, body, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status_code = excluded.status_code,
			protocol = excluded.protocol,
			body = excluded.body,
			registered_at = excluded.registered_at`),
		ev.ID, ev.AccessKey, string(ev.Type), ev.Sequence, ev.StatusCode, ev.ProtocolNumber, body, registered)
	if err != nil {
		return fmt.Errorf("storage: save event %s: %w", ev.ID, err)
	}
	return nil
}

// EventsFor returns the events of a document ordered by type and sequence.
func (r *Repository) EventsFor(ctx context.Context, accessKey string) ([]model.EventRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(
		`SELECT body FROM events WHERE access_key = ? ORDER BY event_type, sequence`), accessKey)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var out []model.EventRecord
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		var ev model.EventRecord
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("storage: decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
