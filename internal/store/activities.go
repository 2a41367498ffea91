package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/tenantdesk/internal/activity"
)

// ActivityStore keeps organization-scoped activity records.
type ActivityStore struct {
	db  *DB
	now func() time.Time
}

// UpdateRequest changes a record in place. Nil fields are left alone.
type UpdateRequest struct {
	Kind     *activity.Kind     `json:"kind,omitempty"`
	Message  *string            `json:"message,omitempty"`
	Metadata *activity.Metadata `json:"meta,omitempty"`
}

// NewActivityStore creates an ActivityStore on db.
func NewActivityStore(db *DB) *ActivityStore {
	return &ActivityStore{db: db, now: time.Now}
}

// Create stores rec under organization, assigning an ID and creation time when missing.
func (s *ActivityStore) Create(ctx context.Context, organization string, rec activity.Record) (activity.Record, error) {
	if strings.TrimSpace(organization) == "" {
		return activity.Record{}, errors.New("organization is required")
	}
	if strings.TrimSpace(rec.Message) == "" {
		return activity.Record{}, errors.New("message is required")
	}
	if rec.Kind == "" {
		rec.Kind = activity.KindNotify
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	meta, err := encodeMeta(rec.Metadata)
	if err != nil {
		return activity.Record{}, err
	}
	_, err = s.db.sql.ExecContext(ctx, `
		INSERT INTO activities (id, organization_id, kind, message, object_type, object_id, meta, actor_id, actor_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, organization, string(rec.Kind), rec.Message, rec.SubjectType, rec.SubjectID, meta,
		rec.Actor.ID, rec.Actor.DisplayName, rec.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return activity.Record{}, fmt.Errorf("insert activity: %w", err)
	}
	return rec, nil
}

// Get returns one record of organization.
func (s *ActivityStore) Get(ctx context.Context, organization, id string) (activity.Record, error) {
	row := s.db.sql.QueryRowContext(ctx, `
		SELECT id, kind, message, object_type, object_id, meta, actor_id, actor_name, created_at
		FROM activities WHERE organization_id = ? AND id = ?
	`, organization, id)
	rec, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return activity.Record{}, ErrNotFound
	}
	return rec, err
}

// List returns page (1-based) of organization's records, newest first, optionally one kind only.
func (s *ActivityStore) List(ctx context.Context, organization string, kind activity.Kind, page, limit int) ([]activity.Record, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = activity.DefaultPageSize
	}
	query := `
		SELECT id, kind, message, object_type, object_id, meta, actor_id, actor_name, created_at
		FROM activities WHERE organization_id = ?`
	args := []any{organization}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at DESC, seq DESC LIMIT ? OFFSET ?`
	args = append(args, limit, (page-1)*limit)

	rows, err := s.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	items := make([]activity.Record, 0, limit)
	for rows.Next() {
		rec, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

// Update applies req to one record and returns the result.
func (s *ActivityStore) Update(ctx context.Context, organization, id string, req UpdateRequest) (activity.Record, error) {
	rec, err := s.Get(ctx, organization, id)
	if err != nil {
		return activity.Record{}, err
	}
	if req.Kind != nil {
		rec.Kind = *req.Kind
	}
	if req.Message != nil {
		rec.Message = *req.Message
	}
	if req.Metadata != nil {
		rec.Metadata = *req.Metadata
	}
	meta, err := encodeMeta(rec.Metadata)
	if err != nil {
		return activity.Record{}, err
	}
	_, err = s.db.sql.ExecContext(ctx, `
		UPDATE activities SET kind = ?, message = ?, meta = ? WHERE organization_id = ? AND id = ?
	`, string(rec.Kind), rec.Message, meta, organization, id)
	if err != nil {
		return activity.Record{}, fmt.Errorf("update activity: %w", err)
	}
	return rec, nil
}

// Delete removes one record.
func (s *ActivityStore) Delete(ctx context.Context, organization, id string) error {
	res, err := s.db.sql.ExecContext(ctx, `DELETE FROM activities WHERE organization_id = ? AND id = ?`, organization, id)
	if err != nil {
		return fmt.Errorf("delete activity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanActivity(row scanner) (activity.Record, error) {
	var rec activity.Record
	var kind, meta, createdAt string
	err := row.Scan(&rec.ID, &kind, &rec.Message, &rec.SubjectType, &rec.SubjectID, &meta,
		&rec.Actor.ID, &rec.Actor.DisplayName, &createdAt)
	if err != nil {
		return activity.Record{}, err
	}
	rec.Kind = activity.Kind(kind)
	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return activity.Record{}, fmt.Errorf("decode meta of %s: %w", rec.ID, err)
	}
	rec.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return activity.Record{}, fmt.Errorf("decode created_at of %s: %w", rec.ID, err)
	}
	return rec, nil
}

func encodeMeta(m activity.Metadata) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode meta: %w", err)
	}
	return string(data), nil
}
