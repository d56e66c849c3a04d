package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rendis/drip/pkg/schema"
)

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (tenant_id, sequence_id, subscriber_state_id, step_id, event_type, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.TenantID, nullStr(event.SequenceID), nullStr(event.SubscriberStateID), nullStr(event.StepID),
		event.Type, nullRaw(event.Payload), toMillis(event.Timestamp),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err == nil {
		event.ID = id
	}
	return nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.SequenceID != "" {
		where = append(where, "sequence_id = ?")
		args = append(args, filter.SequenceID)
	}
	if filter.SubscriberStateID != "" {
		where = append(where, "subscriber_state_id = ?")
		args = append(args, filter.SubscriberStateID)
	}
	if filter.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.Type)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, toMillis(*filter.Since))
	}

	query := `SELECT id, tenant_id, sequence_id, subscriber_state_id, step_id, event_type, payload, timestamp FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	query += limitClause(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var seqID, subID, stepID, payload sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.TenantID, &seqID, &subID, &stepID, &e.Type, &payload, &ts); err != nil {
			return nil, err
		}
		e.SequenceID = seqID.String
		e.SubscriberStateID = subID.String
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		e.Timestamp = fromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Templates ---

func (s *LibSQLStore) PutTemplate(ctx context.Context, tpl *Template) error {
	if tpl.UpdatedAt.IsZero() {
		tpl.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO templates (tenant_id, id, subject, html, text, from_email, from_name, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, id) DO UPDATE SET
			subject = excluded.subject, html = excluded.html, text = excluded.text,
			from_email = excluded.from_email, from_name = excluded.from_name,
			updated_at = excluded.updated_at`,
		tpl.TenantID, tpl.ID, tpl.Subject, tpl.HTML, nullStr(tpl.Text),
		nullStr(tpl.FromEmail), nullStr(tpl.FromName), toMillis(tpl.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, tenantID, id string) (*Template, error) {
	tpl := &Template{}
	var text, fromEmail, fromName sql.NullString
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, id, subject, html, text, from_email, from_name, updated_at
		 FROM templates WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	).Scan(&tpl.TenantID, &tpl.ID, &tpl.Subject, &tpl.HTML, &text, &fromEmail, &fromName, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", id)
	}
	if err != nil {
		return nil, err
	}
	tpl.Text = text.String
	tpl.FromEmail = fromEmail.String
	tpl.FromName = fromName.String
	tpl.UpdatedAt = fromMillis(updatedAt)
	return tpl, nil
}

// --- Tags ---

func (s *LibSQLStore) AddTag(ctx context.Context, tenantID, subscriberID, tag string) error {
	if tag == "" {
		return schema.NewError(schema.ErrCodeValidation, "tag must not be empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriber_tags (tenant_id, subscriber_id, tag, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(tenant_id, subscriber_id, tag) DO NOTHING`,
		tenantID, subscriberID, tag, toMillis(time.Now().UTC()),
	)
	return err
}

func (s *LibSQLStore) RemoveTag(ctx context.Context, tenantID, subscriberID, tag string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriber_tags WHERE tenant_id = ? AND subscriber_id = ? AND tag = ?`,
		tenantID, subscriberID, tag,
	)
	return err
}

func (s *LibSQLStore) ListTags(ctx context.Context, tenantID, subscriberID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag FROM subscriber_tags WHERE tenant_id = ? AND subscriber_id = ? ORDER BY tag`,
		tenantID, subscriberID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		out = append(out, tag)
	}
	return out, rows.Err()
}
