package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/drip/pkg/schema"
)

var subscriberColumnNames = []string{
	"id", "tenant_id", "sequence_id", "subscriber_id", "email", "status",
	"current_step_id", "current_step_index", "enrolled_at", "completed_at", "next_send_at",
	"last_email_sent_at", "emails_sent", "emails_opened", "emails_clicked", "emails_bounced",
	"engagement_log", "goal_achieved", "goal_achieved_at", "enrollment_data", "custom_fields",
	"last_error", "last_error_at", "error_count", "version", "claimed_until", "updated_at",
}

// subscriberColumns returns the select list, optionally qualified by a table alias.
func subscriberColumns(alias string) string {
	if alias == "" {
		return strings.Join(subscriberColumnNames, ", ")
	}
	cols := make([]string, len(subscriberColumnNames))
	for i, c := range subscriberColumnNames {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// --- Enrollment ---

func (s *LibSQLStore) Enroll(ctx context.Context, req EnrollRequest) (*EnrollResult, error) {
	st := req.State
	if st == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "enroll: state is required")
	}
	now := timeOrNow(req.Now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		seqStatus    string
		allowReentry int64
		maxSubs      sql.NullInt64
		active       int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, allow_reentry, max_subscribers, active_subscribers
		 FROM sequences WHERE tenant_id = ? AND id = ?`,
		st.TenantID, st.SequenceID,
	).Scan(&seqStatus, &allowReentry, &maxSubs, &active)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("sequence", st.SequenceID)
	}
	if err != nil {
		return nil, err
	}
	if schema.SequenceStatus(seqStatus) != schema.SequenceStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeSequenceInactive,
			"sequence %q is %s", st.SequenceID, seqStatus)
	}

	prior, err := priorEnrollments(ctx, tx, st.TenantID, st.SequenceID, st.SubscriberID)
	if err != nil {
		return nil, err
	}
	if len(prior) > 0 && allowReentry == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeAlreadyEnrolled,
			"subscriber %q is already enrolled in sequence %q", st.SubscriberID, st.SequenceID).
			WithDetails(map[string]any{"subscriber_state_id": prior[0].id})
	}

	var (
		activeDelta int64
		replaced    []string
	)
	for _, p := range prior {
		if p.status != schema.SubscriberStatusActive && p.status != schema.SubscriberStatusPaused {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscribers SET status = ?, claimed_until = NULL, version = version + 1, updated_at = ?
			 WHERE tenant_id = ? AND id = ?`,
			string(schema.SubscriberStatusUnsubscribed), toMillis(now), st.TenantID, p.id,
		); err != nil {
			return nil, fmt.Errorf("unsubscribe prior enrollment %s: %w", p.id, err)
		}
		if p.status == schema.SubscriberStatusActive {
			activeDelta--
		}
		replaced = append(replaced, p.id)
	}

	if maxSubs.Valid && active+activeDelta >= maxSubs.Int64 {
		return nil, schema.NewErrorf(schema.ErrCodeCapacityExceeded,
			"sequence %q is at capacity (%d)", st.SequenceID, maxSubs.Int64)
	}

	st.Status = schema.SubscriberStatusActive
	if st.EnrolledAt.IsZero() {
		st.EnrolledAt = now
	}
	if st.NextSendAt == nil {
		next := now
		st.NextSendAt = &next
	}
	st.Version = 1
	st.ClaimedUntil = nil
	st.UpdatedAt = now
	if err := insertSubscriber(ctx, tx, st); err != nil {
		return nil, err
	}

	if err := applyDelta(ctx, tx, st.TenantID, st.SequenceID,
		CounterDelta{Total: 1, Active: 1 + activeDelta}, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enroll: %w", err)
	}
	return &EnrollResult{State: st, Replaced: replaced}, nil
}

type priorRow struct {
	id     string
	status schema.SubscriberStatus
}

func priorEnrollments(ctx context.Context, tx *sql.Tx, tenantID, sequenceID, subscriberID string) ([]priorRow, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, status FROM subscribers
		 WHERE tenant_id = ? AND sequence_id = ? AND subscriber_id = ?
		 ORDER BY enrolled_at DESC`,
		tenantID, sequenceID, subscriberID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []priorRow
	for rows.Next() {
		var p priorRow
		var status string
		if err := rows.Scan(&p.id, &status); err != nil {
			return nil, err
		}
		p.status = schema.SubscriberStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

func insertSubscriber(ctx context.Context, ex execer, st *schema.SubscriberState) error {
	args, err := subscriberArgs(st)
	if err != nil {
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(subscriberColumnNames)), ", ")
	_, err = ex.ExecContext(ctx,
		`INSERT INTO subscribers (`+subscriberColumns("")+`) VALUES (`+placeholders+`)`,
		args...,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "subscriber state %q already exists", st.ID).WithCause(err)
	}
	return err
}

// subscriberArgs returns values in subscriberColumnNames order.
func subscriberArgs(st *schema.SubscriberState) ([]any, error) {
	logJSON, err := json.Marshal(nonNilLog(st.EngagementLog))
	if err != nil {
		return nil, fmt.Errorf("marshal engagement_log: %w", err)
	}
	enrollment, err := marshalMapOrDefault(st.EnrollmentData)
	if err != nil {
		return nil, fmt.Errorf("marshal enrollment_data: %w", err)
	}
	fields, err := marshalMapOrDefault(st.CustomFields)
	if err != nil {
		return nil, fmt.Errorf("marshal custom_fields: %w", err)
	}
	return []any{
		st.ID, st.TenantID, st.SequenceID, st.SubscriberID, nullStr(st.Email), string(st.Status),
		nullStr(st.CurrentStepID), st.CurrentStepIndex, toMillis(st.EnrolledAt),
		nullMillis(st.CompletedAt), nullMillis(st.NextSendAt),
		nullMillis(st.LastEmailSentAt), st.EmailsSent, st.EmailsOpened, st.EmailsClicked, st.EmailsBounced,
		string(logJSON), boolInt(st.GoalAchieved), nullMillis(st.GoalAchievedAt), enrollment, fields,
		nullStr(st.LastError), nullMillis(st.LastErrorAt), st.ErrorCount, st.Version,
		nullMillis(st.ClaimedUntil), toMillis(st.UpdatedAt),
	}, nil
}

func nonNilLog(l []schema.EngagementEntry) []schema.EngagementEntry {
	if l == nil {
		return []schema.EngagementEntry{}
	}
	return l
}

// --- Reads ---

func (s *LibSQLStore) GetSubscriber(ctx context.Context, tenantID, id string) (*schema.SubscriberState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns("")+` FROM subscribers WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	)
	st, err := scanSubscriber(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("subscriber state", id)
	}
	return st, err
}

func (s *LibSQLStore) ListSubscribers(ctx context.Context, filter SubscriberFilter) ([]*schema.SubscriberState, error) {
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
	if filter.SubscriberID != "" {
		where = append(where, "subscriber_id = ?")
		args = append(args, filter.SubscriberID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := "SELECT " + subscriberColumns("") + " FROM subscribers"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY enrolled_at DESC, id"
	query += limitClause(filter.Limit, filter.Offset)

	return s.querySubscribers(ctx, query, args...)
}

func (s *LibSQLStore) ListDueSubscribers(ctx context.Context, filter DueFilter) ([]*schema.SubscriberState, error) {
	now := toMillis(timeOrNow(filter.Now))
	query := `SELECT ` + subscriberColumns("s") + `
		FROM subscribers s
		JOIN sequences q ON q.id = s.sequence_id AND q.tenant_id = s.tenant_id
		WHERE s.status = 'active'
		  AND (s.next_send_at IS NULL OR s.next_send_at <= ?)
		  AND (s.claimed_until IS NULL OR s.claimed_until <= ?)
		  AND q.status = 'active'`
	args := []any{now, now}
	if filter.TenantID != "" {
		query += " AND s.tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	query += " ORDER BY s.next_send_at"
	query += limitClause(filter.Limit, 0)

	return s.querySubscribers(ctx, query, args...)
}

func (s *LibSQLStore) querySubscribers(ctx context.Context, query string, args ...any) ([]*schema.SubscriberState, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.SubscriberState
	for rows.Next() {
		st, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Claiming and commit ---

func (s *LibSQLStore) ClaimSubscriber(ctx context.Context, c Claim) (bool, error) {
	now := toMillis(timeOrNow(c.Now))
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET version = version + 1, claimed_until = ?
		 WHERE tenant_id = ? AND id = ? AND version = ? AND status = 'active'
		   AND (claimed_until IS NULL OR claimed_until <= ?)`,
		toMillis(c.LeaseUntil), c.TenantID, c.ID, c.ExpectedVersion, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LibSQLStore) ReleaseClaim(ctx context.Context, tenantID, id string, version int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET claimed_until = NULL, version = version + 1
		 WHERE tenant_id = ? AND id = ? AND version = ?`,
		tenantID, id, version,
	)
	return err
}

func (s *LibSQLStore) CommitSubscriber(ctx context.Context, c Commit) error {
	st := c.State
	if st == nil {
		return schema.NewError(schema.ErrCodeValidation, "commit: state is required")
	}
	required := c.RequireStatus
	if len(required) == 0 {
		required = []schema.SubscriberStatus{schema.SubscriberStatusActive}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		stored  string
		version int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, version FROM subscribers WHERE tenant_id = ? AND id = ?`,
		st.TenantID, st.ID,
	).Scan(&stored, &version)
	if err == sql.ErrNoRows {
		return storeNotFound("subscriber state", st.ID)
	}
	if err != nil {
		return err
	}
	if !containsStatus(required, schema.SubscriberStatus(stored)) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"subscriber state %q is %s", st.ID, stored)
	}
	if version != c.ExpectedVersion {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"subscriber state %q version %d, expected %d", st.ID, version, c.ExpectedVersion)
	}

	now := timeOrNow(st.UpdatedAt)
	st.UpdatedAt = now
	st.Version = version + 1
	st.ClaimedUntil = nil
	args, err := subscriberArgs(st)
	if err != nil {
		return err
	}
	// Skip id and tenant_id; they key the update.
	sets := make([]string, 0, len(subscriberColumnNames)-2)
	for _, col := range subscriberColumnNames[2:] {
		sets = append(sets, col+" = ?")
	}
	updateArgs := append(args[2:], st.TenantID, st.ID, version)
	res, err := tx.ExecContext(ctx,
		`UPDATE subscribers SET `+strings.Join(sets, ", ")+`
		 WHERE tenant_id = ? AND id = ? AND version = ?`,
		updateArgs...,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "subscriber state", st.ID); err != nil {
		return err
	}

	if err := applyDelta(ctx, tx, st.TenantID, st.SequenceID, c.Delta, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) TransitionSubscriber(ctx context.Context, t SubscriberTransition) (*schema.SubscriberState, error) {
	at := timeOrNow(t.At)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var prev, sequenceID string
	err = tx.QueryRowContext(ctx,
		`SELECT status, sequence_id FROM subscribers WHERE tenant_id = ? AND id = ?`,
		t.TenantID, t.ID,
	).Scan(&prev, &sequenceID)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("subscriber state", t.ID)
	}
	if err != nil {
		return nil, err
	}
	from := schema.SubscriberStatus(prev)
	if len(t.From) > 0 && !containsStatus(t.From, from) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"subscriber state %q: cannot transition from %s to %s", t.ID, from, t.To).
			WithDetails(map[string]any{"from": string(from), "to": string(t.To)})
	}

	var completedAt any
	if t.To == schema.SubscriberStatusCompleted {
		completedAt = toMillis(at)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE subscribers SET status = ?, claimed_until = NULL, version = version + 1,
			completed_at = COALESCE(?, completed_at), updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		string(t.To), completedAt, toMillis(at), t.TenantID, t.ID,
	); err != nil {
		return nil, err
	}

	if err := applyDelta(ctx, tx, t.TenantID, sequenceID, statusDelta(from, t.To), at); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return s.GetSubscriber(ctx, t.TenantID, t.ID)
}

// statusDelta maps a subscriber status change onto sequence counters.
// Only the active status is counted by activeSubscribers.
func statusDelta(from, to schema.SubscriberStatus) CounterDelta {
	var d CounterDelta
	if from == schema.SubscriberStatusActive && to != schema.SubscriberStatusActive {
		d.Active--
	}
	if from != schema.SubscriberStatusActive && to == schema.SubscriberStatusActive {
		d.Active++
	}
	if to == schema.SubscriberStatusCompleted && from != schema.SubscriberStatusCompleted {
		d.Completed++
	}
	return d
}

func (s *LibSQLStore) OccupiedSteps(ctx context.Context, tenantID, sequenceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT current_step_id FROM subscribers
		 WHERE tenant_id = ? AND sequence_id = ? AND status IN ('active', 'paused')
		   AND current_step_id IS NOT NULL
		 ORDER BY current_step_id`,
		tenantID, sequenceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) AggregateEngagement(ctx context.Context, tenantID, sequenceID string) (*EngagementTotals, error) {
	t := &EngagementTotals{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(emails_sent), 0), COALESCE(SUM(emails_opened), 0),
			COALESCE(SUM(emails_clicked), 0), COALESCE(SUM(emails_bounced), 0)
		 FROM subscribers WHERE tenant_id = ? AND sequence_id = ?`,
		tenantID, sequenceID,
	).Scan(&t.EmailsSent, &t.EmailsOpened, &t.EmailsClicked, &t.EmailsBounced)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// applyDelta increments sequence counters in place. Counters are never
// recomputed from a read, so concurrent transitions cannot lose updates.
func applyDelta(ctx context.Context, ex execer, tenantID, sequenceID string, d CounterDelta, at time.Time) error {
	if d.IsZero() {
		return nil
	}
	res, err := ex.ExecContext(ctx,
		`UPDATE sequences SET
			total_subscribers = total_subscribers + ?,
			active_subscribers = active_subscribers + ?,
			completed_subscribers = completed_subscribers + ?,
			total_emails_sent = total_emails_sent + ?,
			updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		d.Total, d.Active, d.Completed, d.EmailsSent, toMillis(at), tenantID, sequenceID,
	)
	if err != nil {
		return fmt.Errorf("apply counter delta: %w", err)
	}
	return checkRowsAffected(res, "sequence", sequenceID)
}

func containsStatus(list []schema.SubscriberStatus, s schema.SubscriberStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func scanSubscriber(sc scanner) (*schema.SubscriberState, error) {
	st := &schema.SubscriberState{}
	var (
		email, currentStep, lastError             sql.NullString
		status, logJSON, enrollment, fields       string
		enrolledAt, updatedAt, goalAchieved       int64
		completedAt, nextSendAt, lastSent, goalAt sql.NullInt64
		lastErrorAt, claimedUntil                 sql.NullInt64
	)
	if err := sc.Scan(
		&st.ID, &st.TenantID, &st.SequenceID, &st.SubscriberID, &email, &status,
		&currentStep, &st.CurrentStepIndex, &enrolledAt, &completedAt, &nextSendAt,
		&lastSent, &st.EmailsSent, &st.EmailsOpened, &st.EmailsClicked, &st.EmailsBounced,
		&logJSON, &goalAchieved, &goalAt, &enrollment, &fields,
		&lastError, &lastErrorAt, &st.ErrorCount, &st.Version, &claimedUntil, &updatedAt,
	); err != nil {
		return nil, err
	}
	st.Email = email.String
	st.Status = schema.SubscriberStatus(status)
	st.CurrentStepID = currentStep.String
	st.EnrolledAt = fromMillis(enrolledAt)
	st.CompletedAt = millisPtr(completedAt)
	st.NextSendAt = millisPtr(nextSendAt)
	st.LastEmailSentAt = millisPtr(lastSent)
	st.GoalAchieved = goalAchieved != 0
	st.GoalAchievedAt = millisPtr(goalAt)
	st.LastError = lastError.String
	st.LastErrorAt = millisPtr(lastErrorAt)
	st.ClaimedUntil = millisPtr(claimedUntil)
	st.UpdatedAt = fromMillis(updatedAt)

	if err := json.Unmarshal([]byte(logJSON), &st.EngagementLog); err != nil {
		return nil, fmt.Errorf("unmarshal engagement_log: %w", err)
	}
	if len(st.EngagementLog) == 0 {
		st.EngagementLog = nil
	}
	if err := unmarshalMap(enrollment, &st.EnrollmentData); err != nil {
		return nil, fmt.Errorf("unmarshal enrollment_data: %w", err)
	}
	if err := unmarshalMap(fields, &st.CustomFields); err != nil {
		return nil, fmt.Errorf("unmarshal custom_fields: %w", err)
	}
	return st, nil
}

func unmarshalMap(raw string, dst *map[string]any) error {
	if raw == "" || raw == "{}" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
