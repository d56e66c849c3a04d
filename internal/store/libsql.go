package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/drip/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/drip.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writers, which keeps claim and commit
	// transactions free of SQLITE_BUSY upgrades.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// NewLibSQLStoreFromDB wraps an already opened database handle.
func NewLibSQLStoreFromDB(db *sql.DB) *LibSQLStore {
	return &LibSQLStore{db: db}
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Sequences ---

const sequenceColumns = `id, tenant_id, name, description, status, trigger_type, trigger_config, steps,
	goal_type, goal_config, exit_on_goal_achieved, allow_reentry, max_subscribers,
	total_subscribers, active_subscribers, completed_subscribers, total_emails_sent,
	created_at, updated_at, activated_at`

func (s *LibSQLStore) CreateSequence(ctx context.Context, seq *schema.Sequence) error {
	steps, goal, err := marshalDefinition(seq)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if seq.CreatedAt.IsZero() {
		seq.CreatedAt = now
	}
	if seq.UpdatedAt.IsZero() {
		seq.UpdatedAt = seq.CreatedAt
	}
	if seq.Status == "" {
		seq.Status = schema.SequenceStatusDraft
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sequences (`+sequenceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seq.ID, seq.TenantID, seq.Name, nullStr(seq.Description), string(seq.Status),
		nullStr(seq.TriggerType), nullRaw(seq.TriggerConfig), steps,
		nullStr(string(seq.GoalType)), goal, boolInt(seq.ExitOnGoalAchieved), boolInt(seq.AllowReentry),
		nullInt(seq.MaxSubscribers),
		seq.TotalSubscribers, seq.ActiveSubscribers, seq.CompletedSubscribers, seq.TotalEmailsSent,
		toMillis(seq.CreatedAt), toMillis(seq.UpdatedAt), nullMillis(seq.ActivatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "sequence %q already exists", seq.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetSequence(ctx context.Context, tenantID, id string) (*schema.Sequence, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sequenceColumns+` FROM sequences WHERE tenant_id = ? AND id = ?`, tenantID, id)
	seq, err := scanSequence(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("sequence", id)
	}
	return seq, err
}

func (s *LibSQLStore) ListSequences(ctx context.Context, filter SequenceFilter) ([]*schema.Sequence, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := "SELECT " + sequenceColumns + " FROM sequences"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Sequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateSequenceDefinition(ctx context.Context, seq *schema.Sequence) error {
	steps, goal, err := marshalDefinition(seq)
	if err != nil {
		return err
	}
	seq.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sequences SET name = ?, description = ?, trigger_type = ?, trigger_config = ?, steps = ?,
			goal_type = ?, goal_config = ?, exit_on_goal_achieved = ?, allow_reentry = ?, max_subscribers = ?,
			updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND status NOT IN ('active', 'archived')`,
		seq.Name, nullStr(seq.Description), nullStr(seq.TriggerType), nullRaw(seq.TriggerConfig), steps,
		nullStr(string(seq.GoalType)), goal, boolInt(seq.ExitOnGoalAchieved), boolInt(seq.AllowReentry),
		nullInt(seq.MaxSubscribers), toMillis(seq.UpdatedAt),
		seq.TenantID, seq.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	current, err := s.GetSequence(ctx, seq.TenantID, seq.ID)
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeSequenceLocked,
		"sequence %q is %s; pause it before editing", seq.ID, current.Status)
}

func (s *LibSQLStore) TransitionSequence(ctx context.Context, t SequenceTransition) error {
	at := timeOrNow(t.At)
	var activatedAt any
	if t.To == schema.SequenceStatusActive {
		activatedAt = toMillis(at)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sequences SET status = ?, updated_at = ?, activated_at = COALESCE(?, activated_at)
		 WHERE tenant_id = ? AND id = ? AND status = ?`,
		string(t.To), toMillis(at), activatedAt, t.TenantID, t.ID, string(t.From),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	current, err := s.GetSequence(ctx, t.TenantID, t.ID)
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"sequence %q is %s, expected %s", t.ID, current.Status, t.From)
}

func scanSequence(sc scanner) (*schema.Sequence, error) {
	seq := &schema.Sequence{}
	var (
		description, triggerType, triggerConfig sql.NullString
		goalType, goalConfig                    sql.NullString
		stepsJSON, status                       string
		exitOnGoal, allowReentry                int64
		maxSubs, activatedAt                    sql.NullInt64
		createdAt, updatedAt                    int64
	)
	if err := sc.Scan(&seq.ID, &seq.TenantID, &seq.Name, &description, &status, &triggerType, &triggerConfig,
		&stepsJSON, &goalType, &goalConfig, &exitOnGoal, &allowReentry, &maxSubs,
		&seq.TotalSubscribers, &seq.ActiveSubscribers, &seq.CompletedSubscribers, &seq.TotalEmailsSent,
		&createdAt, &updatedAt, &activatedAt); err != nil {
		return nil, err
	}
	seq.Description = description.String
	seq.Status = schema.SequenceStatus(status)
	seq.TriggerType = triggerType.String
	seq.TriggerConfig = rawOrNil(triggerConfig)
	seq.GoalType = schema.GoalType(goalType.String)
	seq.ExitOnGoalAchieved = exitOnGoal != 0
	seq.AllowReentry = allowReentry != 0
	if maxSubs.Valid {
		n := int(maxSubs.Int64)
		seq.MaxSubscribers = &n
	}
	if err := json.Unmarshal([]byte(stepsJSON), &seq.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if goalConfig.Valid && goalConfig.String != "" {
		seq.GoalConfig = &schema.GoalConfig{}
		if err := json.Unmarshal([]byte(goalConfig.String), seq.GoalConfig); err != nil {
			return nil, fmt.Errorf("unmarshal goal_config: %w", err)
		}
	}
	seq.CreatedAt = fromMillis(createdAt)
	seq.UpdatedAt = fromMillis(updatedAt)
	seq.ActivatedAt = millisPtr(activatedAt)
	return seq, nil
}

func marshalDefinition(seq *schema.Sequence) (steps string, goal any, err error) {
	stepList := seq.Steps
	if stepList == nil {
		stepList = []schema.Step{}
	}
	raw, err := json.Marshal(stepList)
	if err != nil {
		return "", nil, fmt.Errorf("marshal steps: %w", err)
	}
	if seq.GoalConfig != nil {
		g, err := json.Marshal(seq.GoalConfig)
		if err != nil {
			return "", nil, fmt.Errorf("marshal goal_config: %w", err)
		}
		goal = string(g)
	}
	return string(raw), goal, nil
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func storeNotFound(resource, id string) *schema.DripError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	clause := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return int64(*n)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
