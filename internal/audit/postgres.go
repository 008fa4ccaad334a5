package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oktsec/truthaudit/internal/policy"
	"github.com/oktsec/truthaudit/internal/session"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS agent_sessions (
	session_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	started_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	message_count INTEGER,
	user_messages INTEGER,
	agent_messages INTEGER,
	tool_calls INTEGER,
	errors_count INTEGER,
	retries_count INTEGER,
	avg_response_time_ms DOUBLE PRECISION,
	total_tokens_in INTEGER,
	total_tokens_out INTEGER,
	duration_seconds INTEGER,
	data_sources_accessed JSONB,
	audit_status TEXT NOT NULL DEFAULT 'pending',
	truth_score DOUBLE PRECISION,
	accuracy_score DOUBLE PRECISION,
	completeness_score DOUBLE PRECISION,
	latency_score DOUBLE PRECISION,
	format_score DOUBLE PRECISION,
	audited_at TIMESTAMPTZ,
	audited_by TEXT,
	escalated_to_llm BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sessions_pending ON agent_sessions(audit_status, ended_at);

CREATE TABLE IF NOT EXISTS agent_pause_rules (
	rule_id TEXT PRIMARY KEY,
	rule_name TEXT,
	metric TEXT NOT NULL,
	operator TEXT NOT NULL,
	threshold_value DOUBLE PRECISION NOT NULL,
	severity TEXT,
	action TEXT NOT NULL,
	notify_channels JSONB,
	notify_users JSONB,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	position INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS agent_scores (
	score_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	scored_by TEXT,
	score_type TEXT NOT NULL,
	score_value DOUBLE PRECISION NOT NULL,
	score_context JSONB,
	sample_size INTEGER,
	evaluation_criteria TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scores_agent ON agent_scores(agent_id, score_type, created_at);

CREATE TABLE IF NOT EXISTS audit_events (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	session_id TEXT,
	trigger_reason TEXT,
	trigger_value DOUBLE PRECISION,
	threshold_value DOUBLE PRECISION,
	truth_score DOUBLE PRECISION,
	accuracy_score DOUBLE PRECISION,
	latency_score DOUBLE PRECISION,
	error_rate DOUBLE PRECISION,
	action_taken TEXT,
	escalated_to TEXT,
	created_by TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_agent ON audit_events(agent_id);

CREATE TABLE IF NOT EXISTS agent_registry (
	agent_id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'active',
	paused_reason TEXT,
	blocked_reason TEXT,
	paused_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// PGStore is the PostgreSQL implementation of the audit stores. It mirrors
// Store's behavior against a shared database.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGStore connects to PostgreSQL and ensures the schema exists.
func NewPGStore(ctx context.Context, dsn string, logger *slog.Logger) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &PGStore{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (p *PGStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PGStore) InsertSession(ctx context.Context, in SessionInput) error {
	if in.SessionID == "" || in.AgentID == "" {
		return fmt.Errorf("session_id and agent_id are required")
	}
	sources, err := json.Marshal(in.DataSourcesAccessed)
	if err != nil {
		return fmt.Errorf("encoding data sources: %w", err)
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO agent_sessions (`+sessionColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 'pending', now())
		ON CONFLICT (session_id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id, started_at = EXCLUDED.started_at, ended_at = EXCLUDED.ended_at,
			message_count = EXCLUDED.message_count, user_messages = EXCLUDED.user_messages,
			agent_messages = EXCLUDED.agent_messages, tool_calls = EXCLUDED.tool_calls,
			errors_count = EXCLUDED.errors_count, retries_count = EXCLUDED.retries_count,
			avg_response_time_ms = EXCLUDED.avg_response_time_ms, total_tokens_in = EXCLUDED.total_tokens_in,
			total_tokens_out = EXCLUDED.total_tokens_out, duration_seconds = EXCLUDED.duration_seconds,
			data_sources_accessed = EXCLUDED.data_sources_accessed, audit_status = 'pending',
			updated_at = now()`,
		in.SessionID, in.AgentID, pgTime(in.StartedAt), pgTime(in.EndedAt), in.MessageCount,
		in.UserMessages, in.AgentMessages, in.ToolCalls, in.ErrorsCount, in.RetriesCount,
		in.AvgResponseTimeMs, in.TotalTokensIn, in.TotalTokensOut, in.DurationSeconds, sources,
	)
	if err != nil {
		return fmt.Errorf("inserting session %s: %w", in.SessionID, err)
	}
	return nil
}

func (p *PGStore) PendingSessions(ctx context.Context, limit int) ([]session.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `SELECT `+sessionColumns+` FROM agent_sessions
		WHERE audit_status = 'pending' AND ended_at IS NOT NULL
		ORDER BY ended_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		rec, err := scanPGSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PGStore) Session(ctx context.Context, id string) (session.Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE session_id = $1`, id)
	rec, err := scanPGSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *PGStore) SaveAudit(ctx context.Context, a SessionAudit) error {
	tag, err := p.pool.Exec(ctx, `UPDATE agent_sessions SET
			truth_score = $1, accuracy_score = $2, completeness_score = $3, latency_score = $4, format_score = $5,
			audit_status = $6, audited_at = $7, audited_by = $8, escalated_to_llm = $9, updated_at = now()
		WHERE session_id = $10`,
		a.Scores.TruthScore, a.Scores.AccuracyScore, a.Scores.CompletenessScore, a.Scores.LatencyScore,
		a.Scores.FormatScore, string(a.Status), a.AuditedAt.UTC(), a.AuditedBy, a.Escalated, a.SessionID,
	)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", a.SessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating session %s: %w", a.SessionID, ErrNotFound)
	}
	return nil
}

func (p *PGStore) ClaimSession(ctx context.Context, id string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `UPDATE agent_sessions SET audit_status = 'auditing', updated_at = now()
		WHERE session_id = $1 AND audit_status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("claiming session %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PGStore) ReleaseSession(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `UPDATE agent_sessions SET audit_status = 'pending', updated_at = now()
		WHERE session_id = $1 AND audit_status = 'auditing'`, id)
	if err != nil {
		return fmt.Errorf("releasing session %s: %w", id, err)
	}
	return nil
}

func (p *PGStore) RequeueStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `UPDATE agent_sessions SET audit_status = 'pending', updated_at = now()
		WHERE audit_status = 'auditing' AND updated_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeueing stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PGStore) SessionStatus(ctx context.Context, id string) (Status, error) {
	var st string
	err := p.pool.QueryRow(ctx, `SELECT audit_status FROM agent_sessions WHERE session_id = $1`, id).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading session status: %w", err)
	}
	return Status(st), nil
}

func scanPGSession(row pgx.Row) (session.Record, error) {
	var (
		id, agent, status                         string
		started, ended                            *time.Time
		msgs, users, agents, tools, errs, retries *int64
		tokIn, tokOut, duration                   *int64
		avgMs                                     *float64
		sources                                   []byte
	)
	if err := row.Scan(&id, &agent, &started, &ended, &msgs, &users, &agents, &tools, &errs, &retries,
		&avgMs, &tokIn, &tokOut, &duration, &sources, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	rec := session.Record{
		"session_id":           id,
		"agent_id":             agent,
		"message_count":        deref(msgs),
		"user_messages":        deref(users),
		"agent_messages":       deref(agents),
		"tool_calls":           deref(tools),
		"errors_count":         deref(errs),
		"retries_count":        deref(retries),
		"avg_response_time_ms": deref(avgMs),
		"total_tokens_in":      deref(tokIn),
		"total_tokens_out":     deref(tokOut),
		"duration_seconds":     deref(duration),
		"audit_status":         status,
	}
	if started != nil {
		rec["started_at"] = started.UTC().Format(timeFormat)
	}
	if ended != nil {
		rec["ended_at"] = ended.UTC().Format(timeFormat)
	}
	if len(sources) > 0 {
		var list []any
		if err := json.Unmarshal(sources, &list); err == nil {
			rec["data_sources_accessed"] = list
		}
	}
	return rec, nil
}

func (p *PGStore) EnabledRules(ctx context.Context) ([]policy.Rule, error) {
	return p.queryRules(ctx, `WHERE enabled`)
}

func (p *PGStore) AllRules(ctx context.Context) ([]policy.Rule, error) {
	return p.queryRules(ctx, ``)
}

func (p *PGStore) queryRules(ctx context.Context, where string) ([]policy.Rule, error) {
	rows, err := p.pool.Query(ctx, `SELECT rule_id, COALESCE(rule_name, ''), metric, operator, threshold_value,
			COALESCE(severity, ''), action, notify_channels, notify_users, enabled
		FROM agent_pause_rules `+where+`
		ORDER BY CASE severity WHEN 'critical' THEN 1 WHEN 'high' THEN 2 WHEN 'medium' THEN 3 ELSE 4 END,
			position, rule_id`)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	var out []policy.Rule
	for rows.Next() {
		var (
			r               policy.Rule
			op, action      string
			channels, users []byte
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Metric, &op, &r.Threshold, &r.Severity, &action,
			&channels, &users, &r.Enabled); err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		r.Operator = policy.Operator(op)
		r.Action = policy.Action(action)
		r.NotifyChannels = decodeList(string(channels))
		r.NotifyUsers = decodeList(string(users))
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PGStore) UpsertRules(ctx context.Context, rules []policy.Rule) error {
	return p.writeRules(ctx, rules, false)
}

func (p *PGStore) SyncRules(ctx context.Context, rules []policy.Rule) error {
	return p.writeRules(ctx, rules, true)
}

func (p *PGStore) writeRules(ctx context.Context, rules []policy.Rule, disableMissing bool) error {
	batch := &pgx.Batch{}
	if disableMissing {
		batch.Queue(`UPDATE agent_pause_rules SET enabled = FALSE, position = 0`)
	}
	for i, r := range rules {
		channels, _ := json.Marshal(r.NotifyChannels)
		users, _ := json.Marshal(r.NotifyUsers)
		batch.Queue(`INSERT INTO agent_pause_rules
				(rule_id, rule_name, metric, operator, threshold_value, severity, action, notify_channels, notify_users, enabled, position)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (rule_id) DO UPDATE SET rule_name = EXCLUDED.rule_name, metric = EXCLUDED.metric,
				operator = EXCLUDED.operator, threshold_value = EXCLUDED.threshold_value,
				severity = EXCLUDED.severity, action = EXCLUDED.action,
				notify_channels = EXCLUDED.notify_channels, notify_users = EXCLUDED.notify_users,
				enabled = EXCLUDED.enabled, position = EXCLUDED.position`,
			r.ID, r.Name, r.Metric, string(r.Operator), r.Threshold, r.Severity, string(r.Action),
			channels, users, r.Enabled, i,
		)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning rule sync: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting rules: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *PGStore) RuleCount(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agent_pause_rules`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting rules: %w", err)
	}
	return n, nil
}

func (p *PGStore) AppendScore(ctx context.Context, rec ScoreRecord) error {
	scoreContext, err := json.Marshal(map[string]any{
		"session_id":       rec.SessionID,
		"component_scores": rec.Components,
	})
	if err != nil {
		return fmt.Errorf("encoding score context: %w", err)
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO agent_scores
			(score_id, agent_id, scored_by, score_type, score_value, score_context, sample_size, evaluation_criteria, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (score_id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id, scored_by = EXCLUDED.scored_by, score_type = EXCLUDED.score_type,
			score_value = EXCLUDED.score_value, score_context = EXCLUDED.score_context,
			sample_size = EXCLUDED.sample_size, evaluation_criteria = EXCLUDED.evaluation_criteria,
			created_at = EXCLUDED.created_at`,
		rec.ID, rec.AgentID, rec.ScoredBy, rec.ScoreType, rec.Value, scoreContext, rec.SampleSize,
		rec.Criteria, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting score %s: %w", rec.ID, err)
	}
	return nil
}

func (p *PGStore) Baselines(ctx context.Context, since time.Time) (map[string]float64, error) {
	rows, err := p.pool.Query(ctx, `SELECT agent_id, AVG(score_value) FROM agent_scores
		WHERE score_type = 'truth_score' AND created_at >= $1
		GROUP BY agent_id`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying baselines: %w", err)
	}
	defer rows.Close()

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

func (p *PGStore) AppendEvent(ctx context.Context, e Event) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO audit_events
			(event_id, event_type, agent_id, session_id, trigger_reason, trigger_value, threshold_value,
			 truth_score, accuracy_score, latency_score, error_rate, action_taken, escalated_to, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.Kind, e.AgentID, e.SessionID, e.TriggerReason, e.TriggerValue, e.ThresholdValue,
		e.TruthScore, e.AccuracyScore, e.LatencyScore, e.ErrorRate, e.ActionTaken,
		nullString(e.EscalatedTo), e.CreatedBy, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting event %s: %w", e.ID, err)
	}
	return nil
}

func (p *PGStore) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	query := `SELECT event_id, event_type, agent_id, COALESCE(session_id, ''), COALESCE(trigger_reason, ''),
			trigger_value, threshold_value, COALESCE(truth_score, 0), COALESCE(accuracy_score, 0),
			COALESCE(latency_score, 0), error_rate, COALESCE(action_taken, ''), COALESCE(escalated_to, ''),
			COALESCE(created_by, ''), created_at
		FROM audit_events WHERE TRUE`
	var args []any
	if q.AgentID != "" {
		args = append(args, q.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if q.SessionID != "" {
		args = append(args, q.SessionID)
		query += fmt.Sprintf(" AND session_id = $%d", len(args))
	}
	if q.Kind != "" {
		args = append(args, q.Kind)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.AgentID, &e.SessionID, &e.TriggerReason, &e.TriggerValue,
			&e.ThresholdValue, &e.TruthScore, &e.AccuracyScore, &e.LatencyScore, &e.ErrorRate, &e.ActionTaken,
			&e.EscalatedTo, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PGStore) Pause(ctx context.Context, agentID, reason string) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO agent_registry (agent_id, status, paused_reason, paused_at, updated_at)
		VALUES ($1, 'paused', $2, now(), now())
		ON CONFLICT (agent_id) DO UPDATE SET status = 'paused', paused_reason = EXCLUDED.paused_reason,
			paused_at = EXCLUDED.paused_at, updated_at = EXCLUDED.updated_at
		WHERE agent_registry.status NOT IN ('paused', 'disabled')`, agentID, reason)
	if err != nil {
		return fmt.Errorf("pausing agent %s: %w", agentID, err)
	}
	return nil
}

func (p *PGStore) Disable(ctx context.Context, agentID, reason string) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO agent_registry (agent_id, status, blocked_reason, paused_at, updated_at)
		VALUES ($1, 'disabled', $2, now(), now())
		ON CONFLICT (agent_id) DO UPDATE SET status = 'disabled', blocked_reason = EXCLUDED.blocked_reason,
			paused_at = EXCLUDED.paused_at, updated_at = EXCLUDED.updated_at
		WHERE agent_registry.status != 'disabled'`, agentID, reason)
	if err != nil {
		return fmt.Errorf("disabling agent %s: %w", agentID, err)
	}
	return nil
}

func (p *PGStore) Resume(ctx context.Context, agentID string) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO agent_registry (agent_id, status, updated_at)
		VALUES ($1, 'active', now())
		ON CONFLICT (agent_id) DO UPDATE SET status = 'active', paused_reason = NULL, blocked_reason = NULL,
			paused_at = NULL, updated_at = EXCLUDED.updated_at
		WHERE agent_registry.status != 'active'`, agentID)
	if err != nil {
		return fmt.Errorf("resuming agent %s: %w", agentID, err)
	}
	return nil
}

func (p *PGStore) Agent(ctx context.Context, agentID string) (AgentState, error) {
	row := p.pool.QueryRow(ctx, `SELECT agent_id, status, COALESCE(paused_reason, ''), COALESCE(blocked_reason, ''),
			paused_at, updated_at
		FROM agent_registry WHERE agent_id = $1`, agentID)
	a, err := scanPGAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return AgentState{}, ErrNotFound
	}
	return a, err
}

func (p *PGStore) Agents(ctx context.Context) ([]AgentState, error) {
	rows, err := p.pool.Query(ctx, `SELECT agent_id, status, COALESCE(paused_reason, ''), COALESCE(blocked_reason, ''),
			paused_at, updated_at
		FROM agent_registry ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var out []AgentState
	for rows.Next() {
		a, err := scanPGAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanPGAgent(row pgx.Row) (AgentState, error) {
	var (
		a               AgentState
		paused, blocked string
	)
	if err := row.Scan(&a.AgentID, &a.Status, &paused, &blocked, &a.PausedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("scanning agent: %w", err)
	}
	a.Reason = paused
	if a.Status == AgentDisabled {
		a.Reason = blocked
	}
	return a, nil
}

func pgTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
