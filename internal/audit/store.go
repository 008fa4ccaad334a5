// Package audit persists sessions, pause rules, score history, audit events
// and agent state. Store is the SQLite implementation; PGStore is the
// PostgreSQL one. Both satisfy the engine's store contracts.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oktsec/truthaudit/internal/policy"
	"github.com/oktsec/truthaudit/internal/session"

	_ "modernc.org/sqlite"
)

// timeFormat sorts lexically, which the pending query relies on.
const timeFormat = "2006-01-02T15:04:05.000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS agent_sessions (
	session_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	started_at TEXT,
	ended_at TEXT,
	message_count INTEGER,
	user_messages INTEGER,
	agent_messages INTEGER,
	tool_calls INTEGER,
	errors_count INTEGER,
	retries_count INTEGER,
	avg_response_time_ms REAL,
	total_tokens_in INTEGER,
	total_tokens_out INTEGER,
	duration_seconds INTEGER,
	data_sources_accessed TEXT,
	audit_status TEXT NOT NULL DEFAULT 'pending',
	truth_score REAL,
	accuracy_score REAL,
	completeness_score REAL,
	latency_score REAL,
	format_score REAL,
	audited_at TEXT,
	audited_by TEXT,
	escalated_to_llm INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_pending ON agent_sessions(audit_status, ended_at);

CREATE TABLE IF NOT EXISTS agent_pause_rules (
	rule_id TEXT PRIMARY KEY,
	rule_name TEXT,
	metric TEXT NOT NULL,
	operator TEXT NOT NULL,
	threshold_value REAL NOT NULL,
	severity TEXT,
	action TEXT NOT NULL,
	notify_channels TEXT,
	notify_users TEXT,
	enabled INTEGER NOT NULL DEFAULT 1,
	position INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS agent_scores (
	score_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	scored_by TEXT,
	score_type TEXT NOT NULL,
	score_value REAL NOT NULL,
	score_context TEXT,
	sample_size INTEGER,
	evaluation_criteria TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scores_agent ON agent_scores(agent_id, score_type, created_at);

CREATE TABLE IF NOT EXISTS audit_events (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	session_id TEXT,
	trigger_reason TEXT,
	trigger_value REAL,
	threshold_value REAL,
	truth_score REAL,
	accuracy_score REAL,
	latency_score REAL,
	error_rate REAL,
	action_taken TEXT,
	escalated_to TEXT,
	created_by TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_agent ON audit_events(agent_id);
CREATE INDEX IF NOT EXISTS idx_events_session ON audit_events(session_id);

CREATE TABLE IF NOT EXISTS agent_registry (
	agent_id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'active',
	paused_reason TEXT,
	blocked_reason TEXT,
	paused_at TEXT,
	updated_at TEXT NOT NULL
);
`

// Store manages the SQLite audit database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore opens (or creates) the SQLite audit database.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	// WAL lets readers (CLI, API) run next to the auditing writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("setting WAL mode: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("creating schema: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- sessions ---

const sessionColumns = `session_id, agent_id, started_at, ended_at, message_count, user_messages,
	agent_messages, tool_calls, errors_count, retries_count, avg_response_time_ms, total_tokens_in,
	total_tokens_out, duration_seconds, data_sources_accessed, audit_status`

// InsertSession stores an ended session as pending. Re-inserting an id
// replaces the telemetry and resets it to pending.
func (s *Store) InsertSession(ctx context.Context, in SessionInput) error {
	if in.SessionID == "" || in.AgentID == "" {
		return fmt.Errorf("session_id and agent_id are required")
	}
	sources, err := json.Marshal(in.DataSourcesAccessed)
	if err != nil {
		return fmt.Errorf("encoding data sources: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO agent_sessions (`+sessionColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)
		ON CONFLICT(session_id) DO UPDATE SET
			agent_id = excluded.agent_id, started_at = excluded.started_at, ended_at = excluded.ended_at,
			message_count = excluded.message_count, user_messages = excluded.user_messages,
			agent_messages = excluded.agent_messages, tool_calls = excluded.tool_calls,
			errors_count = excluded.errors_count, retries_count = excluded.retries_count,
			avg_response_time_ms = excluded.avg_response_time_ms, total_tokens_in = excluded.total_tokens_in,
			total_tokens_out = excluded.total_tokens_out, duration_seconds = excluded.duration_seconds,
			data_sources_accessed = excluded.data_sources_accessed, audit_status = 'pending',
			updated_at = excluded.updated_at`,
		in.SessionID, in.AgentID, formatTime(in.StartedAt), formatTime(in.EndedAt), in.MessageCount,
		in.UserMessages, in.AgentMessages, in.ToolCalls, in.ErrorsCount, in.RetriesCount,
		in.AvgResponseTimeMs, in.TotalTokensIn, in.TotalTokensOut, in.DurationSeconds, string(sources),
		formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("inserting session %s: %w", in.SessionID, err)
	}
	return nil
}

// PendingSessions returns ended, unaudited sessions, oldest end time first.
func (s *Store) PendingSessions(ctx context.Context, limit int) ([]session.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM agent_sessions
		WHERE audit_status = 'pending' AND ended_at IS NOT NULL AND ended_at != ''
		ORDER BY ended_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []session.Record
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Session returns one session by id, or ErrNotFound.
func (s *Store) Session(ctx context.Context, id string) (session.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE session_id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// SaveAudit writes scores, status and audit metadata back to a session.
func (s *Store) SaveAudit(ctx context.Context, a SessionAudit) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agent_sessions SET
			truth_score = ?, accuracy_score = ?, completeness_score = ?, latency_score = ?, format_score = ?,
			audit_status = ?, audited_at = ?, audited_by = ?, escalated_to_llm = ?, updated_at = ?
		WHERE session_id = ?`,
		a.Scores.TruthScore, a.Scores.AccuracyScore, a.Scores.CompletenessScore, a.Scores.LatencyScore,
		a.Scores.FormatScore, string(a.Status), formatTime(a.AuditedAt), a.AuditedBy, boolInt(a.Escalated),
		formatTime(s.now()), a.SessionID,
	)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", a.SessionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("updating session %s: %w", a.SessionID, ErrNotFound)
	}
	return nil
}

// ClaimSession moves a pending session to auditing. It reports false when
// the session is not pending, so concurrent batches audit it only once.
func (s *Store) ClaimSession(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE agent_sessions SET audit_status = 'auditing', updated_at = ?
		WHERE session_id = ? AND audit_status = 'pending'`, formatTime(s.now()), id)
	if err != nil {
		return false, fmt.Errorf("claiming session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming session %s: %w", id, err)
	}
	return n == 1, nil
}

// ReleaseSession returns a claimed session to pending.
func (s *Store) ReleaseSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agent_sessions SET audit_status = 'pending', updated_at = ?
		WHERE session_id = ? AND audit_status = 'auditing'`, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("releasing session %s: %w", id, err)
	}
	return nil
}

// RequeueStale returns sessions claimed before the given time to pending.
func (s *Store) RequeueStale(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE agent_sessions SET audit_status = 'pending', updated_at = ?
		WHERE audit_status = 'auditing' AND updated_at < ?`, formatTime(s.now()), formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("requeueing stale claims: %w", err)
	}
	return res.RowsAffected()
}

// SessionStatus returns the audit status of a session.
func (s *Store) SessionStatus(ctx context.Context, id string) (Status, error) {
	var st string
	err := s.db.QueryRowContext(ctx, `SELECT audit_status FROM agent_sessions WHERE session_id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading session status: %w", err)
	}
	return Status(st), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (session.Record, error) {
	var (
		id, agent, status                         string
		started, ended, sources                   sql.NullString
		msgs, users, agents, tools, errs, retries sql.NullInt64
		tokIn, tokOut, duration                   sql.NullInt64
		avgMs                                     sql.NullFloat64
	)
	if err := row.Scan(&id, &agent, &started, &ended, &msgs, &users, &agents, &tools, &errs, &retries,
		&avgMs, &tokIn, &tokOut, &duration, &sources, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	rec := session.Record{
		"session_id":           id,
		"agent_id":             agent,
		"message_count":        msgs.Int64,
		"user_messages":        users.Int64,
		"agent_messages":       agents.Int64,
		"tool_calls":           tools.Int64,
		"errors_count":         errs.Int64,
		"retries_count":        retries.Int64,
		"avg_response_time_ms": avgMs.Float64,
		"total_tokens_in":      tokIn.Int64,
		"total_tokens_out":     tokOut.Int64,
		"duration_seconds":     duration.Int64,
		"audit_status":         status,
	}
	if started.Valid {
		rec["started_at"] = started.String
	}
	if ended.Valid {
		rec["ended_at"] = ended.String
	}
	if sources.Valid && sources.String != "" {
		var list []any
		if err := json.Unmarshal([]byte(sources.String), &list); err == nil {
			rec["data_sources_accessed"] = list
		}
	}
	return rec, nil
}

// --- rules ---

// EnabledRules returns enabled rules ordered by severity, then load order.
func (s *Store) EnabledRules(ctx context.Context) ([]policy.Rule, error) {
	return s.queryRules(ctx, `WHERE enabled = 1`)
}

// AllRules returns every stored rule in priority order.
func (s *Store) AllRules(ctx context.Context) ([]policy.Rule, error) {
	return s.queryRules(ctx, ``)
}

func (s *Store) queryRules(ctx context.Context, where string) ([]policy.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rule_id, rule_name, metric, operator, threshold_value, severity,
			action, notify_channels, notify_users, enabled
		FROM agent_pause_rules `+where+`
		ORDER BY CASE severity WHEN 'critical' THEN 1 WHEN 'high' THEN 2 WHEN 'medium' THEN 3 ELSE 4 END,
			position, rule_id`)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []policy.Rule
	for rows.Next() {
		var (
			r               policy.Rule
			name, severity  sql.NullString
			channels, users sql.NullString
			op, action      string
			enabled         int
		)
		if err := rows.Scan(&r.ID, &name, &r.Metric, &op, &r.Threshold, &severity, &action,
			&channels, &users, &enabled); err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		r.Name = name.String
		r.Severity = severity.String
		r.Operator = policy.Operator(op)
		r.Action = policy.Action(action)
		r.Enabled = enabled == 1
		r.NotifyChannels = decodeList(channels.String)
		r.NotifyUsers = decodeList(users.String)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertRules inserts or replaces rules by id. Slice order becomes load order.
func (s *Store) UpsertRules(ctx context.Context, rules []policy.Rule) error {
	return s.writeRules(ctx, rules, false)
}

// SyncRules makes the stored rules match a catalog: every catalog rule is
// upserted in catalog order and stored rules missing from it are disabled.
func (s *Store) SyncRules(ctx context.Context, rules []policy.Rule) error {
	return s.writeRules(ctx, rules, true)
}

func (s *Store) writeRules(ctx context.Context, rules []policy.Rule, disableMissing bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning rule sync: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if disableMissing {
		if _, err := tx.ExecContext(ctx, `UPDATE agent_pause_rules SET enabled = 0, position = 0`); err != nil {
			return fmt.Errorf("disabling stored rules: %w", err)
		}
	}
	for i, r := range rules {
		channels, _ := json.Marshal(r.NotifyChannels)
		users, _ := json.Marshal(r.NotifyUsers)
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO agent_pause_rules
				(rule_id, rule_name, metric, operator, threshold_value, severity, action, notify_channels, notify_users, enabled, position)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Name, r.Metric, string(r.Operator), r.Threshold, r.Severity, string(r.Action),
			string(channels), string(users), boolInt(r.Enabled), i,
		); err != nil {
			return fmt.Errorf("upserting rule %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// RuleCount returns the number of stored rules.
func (s *Store) RuleCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_pause_rules`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting rules: %w", err)
	}
	return n, nil
}

// --- scores ---

// AppendScore records one score history row. Writing an existing score id
// replaces that row, so a retried audit does not count twice in baselines.
func (s *Store) AppendScore(ctx context.Context, rec ScoreRecord) error {
	scoreContext, err := json.Marshal(map[string]any{
		"session_id":       rec.SessionID,
		"component_scores": rec.Components,
	})
	if err != nil {
		return fmt.Errorf("encoding score context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO agent_scores
			(score_id, agent_id, scored_by, score_type, score_value, score_context, sample_size, evaluation_criteria, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(score_id) DO UPDATE SET
			agent_id = excluded.agent_id, scored_by = excluded.scored_by, score_type = excluded.score_type,
			score_value = excluded.score_value, score_context = excluded.score_context,
			sample_size = excluded.sample_size, evaluation_criteria = excluded.evaluation_criteria,
			created_at = excluded.created_at`,
		rec.ID, rec.AgentID, rec.ScoredBy, rec.ScoreType, rec.Value, string(scoreContext), rec.SampleSize,
		rec.Criteria, formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting score %s: %w", rec.ID, err)
	}
	return nil
}

// Baselines returns each agent's mean truth score since the given time.
func (s *Store) Baselines(ctx context.Context, since time.Time) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, AVG(score_value) FROM agent_scores
		WHERE score_type = 'truth_score' AND created_at >= ?
		GROUP BY agent_id`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("querying baselines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]float64)
	for rows.Next() {
		var agent string
		var avg float64
		if err := rows.Scan(&agent, &avg); err != nil {
			return nil, fmt.Errorf("scanning baseline: %w", err)
		}
		out[agent] = avg
	}
	return out, rows.Err()
}

// --- events ---

// AppendEvent records one audit event.
func (s *Store) AppendEvent(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_events
			(event_id, event_type, agent_id, session_id, trigger_reason, trigger_value, threshold_value,
			 truth_score, accuracy_score, latency_score, error_rate, action_taken, escalated_to, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.AgentID, e.SessionID, e.TriggerReason, nullFloat(e.TriggerValue), nullFloat(e.ThresholdValue),
		e.TruthScore, e.AccuracyScore, e.LatencyScore, nullFloat(e.ErrorRate), e.ActionTaken,
		nullString(e.EscalatedTo), e.CreatedBy, formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting event %s: %w", e.ID, err)
	}
	return nil
}

// Events returns audit events matching q, newest first.
func (s *Store) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	query := `SELECT event_id, event_type, agent_id, session_id, trigger_reason, trigger_value, threshold_value,
			truth_score, accuracy_score, latency_score, error_rate, action_taken, escalated_to, created_by, created_at
		FROM audit_events WHERE 1=1`
	var args []any
	if q.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, q.AgentID)
	}
	if q.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, q.SessionID)
	}
	if q.Kind != "" {
		query += " AND event_type = ?"
		args = append(args, q.Kind)
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	} else {
		query += " LIMIT 50"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e                         Event
			sessionID, reason, action sql.NullString
			escalatedTo, createdBy    sql.NullString
			value, threshold, errRate sql.NullFloat64
			truth, accuracy, latency  sql.NullFloat64
			created                   string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.AgentID, &sessionID, &reason, &value, &threshold,
			&truth, &accuracy, &latency, &errRate, &action, &escalatedTo, &createdBy, &created); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.SessionID = sessionID.String
		e.TriggerReason = reason.String
		e.TriggerValue = floatPtr(value)
		e.ThresholdValue = floatPtr(threshold)
		e.TruthScore = truth.Float64
		e.AccuracyScore = accuracy.Float64
		e.LatencyScore = latency.Float64
		e.ErrorRate = floatPtr(errRate)
		e.ActionTaken = action.String
		e.EscalatedTo = escalatedTo.String
		e.CreatedBy = createdBy.String
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- agent registry ---

// Pause marks an agent paused. Already paused or disabled agents are left
// as they are.
func (s *Store) Pause(ctx context.Context, agentID, reason string) error {
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_registry (agent_id, status, paused_reason, paused_at, updated_at)
		VALUES (?, 'paused', ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET status = 'paused', paused_reason = excluded.paused_reason,
			paused_at = excluded.paused_at, updated_at = excluded.updated_at
		WHERE agent_registry.status NOT IN ('paused', 'disabled')`,
		agentID, reason, now, now)
	if err != nil {
		return fmt.Errorf("pausing agent %s: %w", agentID, err)
	}
	return nil
}

// Disable marks an agent disabled. An already disabled agent is unchanged.
func (s *Store) Disable(ctx context.Context, agentID, reason string) error {
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_registry (agent_id, status, blocked_reason, paused_at, updated_at)
		VALUES (?, 'disabled', ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET status = 'disabled', blocked_reason = excluded.blocked_reason,
			paused_at = excluded.paused_at, updated_at = excluded.updated_at
		WHERE agent_registry.status != 'disabled'`,
		agentID, reason, now, now)
	if err != nil {
		return fmt.Errorf("disabling agent %s: %w", agentID, err)
	}
	return nil
}

// Resume returns an agent to active and clears its pause metadata.
func (s *Store) Resume(ctx context.Context, agentID string) error {
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_registry (agent_id, status, updated_at)
		VALUES (?, 'active', ?)
		ON CONFLICT(agent_id) DO UPDATE SET status = 'active', paused_reason = NULL, blocked_reason = NULL,
			paused_at = NULL, updated_at = excluded.updated_at
		WHERE agent_registry.status != 'active'`,
		agentID, now)
	if err != nil {
		return fmt.Errorf("resuming agent %s: %w", agentID, err)
	}
	return nil
}

// Agent returns one agent's state, or ErrNotFound.
func (s *Store) Agent(ctx context.Context, agentID string) (AgentState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT agent_id, status, paused_reason, blocked_reason, paused_at, updated_at
		FROM agent_registry WHERE agent_id = ?`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentState{}, ErrNotFound
	}
	return a, err
}

// Agents lists registry entries ordered by id.
func (s *Store) Agents(ctx context.Context) ([]AgentState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, status, paused_reason, blocked_reason, paused_at, updated_at
		FROM agent_registry ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AgentState
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAgent(row rowScanner) (AgentState, error) {
	var (
		a                     AgentState
		pausedReason, blocked sql.NullString
		pausedAt              sql.NullString
		updated               string
	)
	if err := row.Scan(&a.AgentID, &a.Status, &pausedReason, &blocked, &pausedAt, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("scanning agent: %w", err)
	}
	a.Reason = pausedReason.String
	if a.Status == AgentDisabled {
		a.Reason = blocked.String
	}
	if pausedAt.Valid && pausedAt.String != "" {
		t := parseTime(pausedAt.String)
		a.PausedAt = &t
	}
	a.UpdatedAt = parseTime(updated)
	return a, nil
}

// --- helpers ---

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func decodeList(s string) []string {
	if s == "" || s == "null" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
