package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/postconvo/internal/model"
	"github.com/sells-group/postconvo/internal/resilience"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest pipeline paths.
var preparedStatements = map[string]string{
	"get_conversation":   `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`,
	"update_conv_status": `UPDATE conversations SET status = $1, updated_at = $2 WHERE id = $3`,
	"mark_processed":     `UPDATE conversations SET status = $1, summary = $2, tone = $3, entities = $4, processed_at = $5, updated_at = $5 WHERE id = $6`,
	"mark_failed":        `UPDATE conversations SET status = $1, processed_at = $2, updated_at = $2 WHERE id = $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS conversations (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	messages     JSONB NOT NULL DEFAULT '[]',
	summary      TEXT NOT NULL DEFAULT '',
	tone         TEXT NOT NULL DEFAULT '',
	entities     JSONB NOT NULL DEFAULT '[]',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS threads (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id          TEXT NOT NULL,
	title            TEXT NOT NULL,
	normalized_title TEXT NOT NULL,
	summary          TEXT NOT NULL DEFAULT '',
	priority         INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'active',
	conversation_id  TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS thoughts (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id         TEXT NOT NULL,
	thread_id       TEXT,
	conversation_id TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS daily_summary_entries (
	user_id         TEXT NOT NULL,
	day             TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	summary         TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, day, conversation_id)
);

CREATE TABLE IF NOT EXISTS arcs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id    TEXT NOT NULL,
	name       TEXT NOT NULL,
	beats      JSONB NOT NULL DEFAULT '[]',
	intensity  DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, name)
);

CREATE TABLE IF NOT EXISTS vice_signals (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id         TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	vice            TEXT NOT NULL,
	score           DOUBLE PRECISION NOT NULL,
	evidence        TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	conversation_id TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	error           TEXT NOT NULL,
	error_type      TEXT NOT NULL,
	failed_stage    TEXT,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 3,
	next_retry_at   TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);
CREATE INDEX IF NOT EXISTS idx_threads_user_title ON threads(user_id, normalized_title);
CREATE INDEX IF NOT EXISTS idx_thoughts_user ON thoughts(user_id);
CREATE INDEX IF NOT EXISTS idx_vice_signals_conversation ON vice_signals(conversation_id);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Conversations ---

func (s *PostgresStore) CreateConversation(ctx context.Context, c *model.Conversation) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = model.ConversationStatusPending
	}
	now := time.Now().UTC()
	if c.StartedAt.IsZero() {
		c.StartedAt = now
	}
	c.CreatedAt, c.UpdatedAt = now, now

	messagesJSON, err := json.Marshal(c.Messages)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal messages")
	}
	entitiesJSON, err := json.Marshal(nonNil(c.Entities))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal entities")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, status, messages, summary, tone, entities, started_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   user_id = EXCLUDED.user_id, status = EXCLUDED.status, messages = EXCLUDED.messages,
		   started_at = EXCLUDED.started_at, updated_at = EXCLUDED.updated_at`,
		c.ID, c.UserID, string(c.Status), messagesJSON, c.Summary, c.Tone, entitiesJSON, c.StartedAt, now,
	)
	return eris.Wrapf(err, "postgres: insert conversation %s", c.ID)
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanPgConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("conversation", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get conversation %s", id)
	}
	return c, nil
}

func (s *PostgresStore) UpdateConversationStatus(ctx context.Context, id string, status model.ConversationStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update conversation status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound("conversation", id)
	}
	return nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id, summary, tone string, entities []string) error {
	entitiesJSON, err := json.Marshal(nonNil(entities))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal entities")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET status = $1, summary = $2, tone = $3, entities = $4, processed_at = $5, updated_at = $5 WHERE id = $6`,
		string(model.ConversationStatusProcessed), summary, tone, entitiesJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark processed %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound("conversation", id)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET status = $1, processed_at = $2, updated_at = $2 WHERE id = $3`,
		string(model.ConversationStatusFailed), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark failed %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound("conversation", id)
	}
	return nil
}

func (s *PostgresStore) ForceStatusUpdate(ctx context.Context, id string, status model.ConversationStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE conversations SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: force status %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]model.Conversation, error) {
	where, args := pgConversationWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := `SELECT ` + conversationColumns + ` FROM conversations` + where +
		fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list conversations")
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		c, err := scanPgConversation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan conversation")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list conversations iterate")
}

func (s *PostgresStore) CountConversations(ctx context.Context, filter ConversationFilter) (int, error) {
	where, args := pgConversationWhere(filter)
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conversations`+where, args...).Scan(&n)
	return n, eris.Wrap(err, "postgres: count conversations")
}

func pgConversationWhere(filter ConversationFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if !filter.UpdatedAfter.IsZero() {
		add("updated_at >= $%d", filter.UpdatedAfter)
	}
	if !filter.UpdatedBefore.IsZero() {
		add("updated_at < $%d", filter.UpdatedBefore)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// --- Threads & thoughts ---

func (s *PostgresStore) FindActiveThread(ctx context.Context, userID, normalizedTitle string) (*model.Thread, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+threadColumns+` FROM threads
		 WHERE user_id = $1 AND normalized_title = $2 AND status = $3
		 ORDER BY updated_at DESC LIMIT 1`,
		userID, normalizedTitle, string(model.ThreadStatusActive),
	)
	t, err := scanThread(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find active thread")
	}
	return t, nil
}

func (s *PostgresStore) CreateThread(ctx context.Context, t *model.Thread) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = model.ThreadStatusActive
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO threads (id, user_id, title, normalized_title, summary, priority, status, conversation_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		t.ID, t.UserID, t.Title, model.NormalizeTitle(t.Title), t.Summary, t.Priority,
		string(t.Status), t.ConversationID, now,
	)
	return eris.Wrap(err, "postgres: insert thread")
}

func (s *PostgresStore) UpdateThread(ctx context.Context, t *model.Thread) error {
	t.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE threads SET summary = $1, priority = $2, status = $3, conversation_id = $4, updated_at = $5 WHERE id = $6`,
		t.Summary, t.Priority, string(t.Status), t.ConversationID, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update thread %s", t.ID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("thread", t.ID)
	}
	return nil
}

func (s *PostgresStore) ListThreads(ctx context.Context, userID string) ([]model.Thread, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE user_id = $1 ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list threads")
	}
	defer rows.Close()

	var out []model.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan thread")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list threads iterate")
}

func (s *PostgresStore) CreateThought(ctx context.Context, t *model.Thought) error {
	if t.ID == "" {
		t.ID = model.ThoughtID(t.ConversationID, t.Content)
	}
	t.CreatedAt = time.Now().UTC()
	var threadID *string
	if t.ThreadID != "" {
		threadID = &t.ThreadID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO thoughts (id, user_id, thread_id, conversation_id, content, created_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.UserID, threadID, t.ConversationID, t.Content, t.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert thought")
}

func (s *PostgresStore) ListThoughts(ctx context.Context, userID string) ([]model.Thought, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, thread_id, conversation_id, content, created_at FROM thoughts
		 WHERE user_id = $1 ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list thoughts")
	}
	defer rows.Close()

	var out []model.Thought
	for rows.Next() {
		var t model.Thought
		var threadID *string
		if err := rows.Scan(&t.ID, &t.UserID, &threadID, &t.ConversationID, &t.Content, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan thought")
		}
		if threadID != nil {
			t.ThreadID = *threadID
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list thoughts iterate")
}

// --- Daily summaries ---

func (s *PostgresStore) AddDailySummaryEntry(ctx context.Context, userID, day, conversationID, summary string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO daily_summary_entries (user_id, day, conversation_id, summary, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (user_id, day, conversation_id) DO UPDATE SET
		   summary = EXCLUDED.summary, updated_at = EXCLUDED.updated_at`,
		userID, day, conversationID, summary, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: add daily summary entry")
}

func (s *PostgresStore) GetDailySummary(ctx context.Context, userID, day string) (*model.DailySummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT summary, updated_at FROM daily_summary_entries
		 WHERE user_id = $1 AND day = $2 ORDER BY created_at ASC, conversation_id ASC`,
		userID, day,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get daily summary")
	}
	defer rows.Close()

	var parts []string
	var updated []time.Time
	for rows.Next() {
		var summary string
		var at time.Time
		if err := rows.Scan(&summary, &at); err != nil {
			return nil, eris.Wrap(err, "postgres: scan daily summary entry")
		}
		parts = append(parts, summary)
		updated = append(updated, at)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: get daily summary iterate")
	}
	if len(parts) == 0 {
		return nil, notFound("daily summary", userID+"/"+day)
	}
	return rollup(userID, day, parts, updated), nil
}

// --- Arcs ---

func (s *PostgresStore) GetArc(ctx context.Context, userID, name string) (*model.Arc, error) {
	var a model.Arc
	var beats []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, beats, intensity, created_at, updated_at FROM arcs WHERE user_id = $1 AND name = $2`,
		userID, name,
	).Scan(&a.ID, &a.UserID, &a.Name, &beats, &a.Intensity, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get arc")
	}
	if err := json.Unmarshal(beats, &a.Beats); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal arc beats")
	}
	return &a, nil
}

func (s *PostgresStore) UpsertArc(ctx context.Context, a *model.Arc) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	beats, err := json.Marshal(nonNil(a.Beats))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal arc beats")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO arcs (id, user_id, name, beats, intensity, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, name) DO UPDATE SET
		   beats = EXCLUDED.beats, intensity = EXCLUDED.intensity, updated_at = EXCLUDED.updated_at`,
		a.ID, a.UserID, a.Name, beats, a.Intensity, a.CreatedAt, a.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: upsert arc")
}

// --- Vice signals ---

func (s *PostgresStore) ReplaceViceSignals(ctx context.Context, conversationID string, signals []model.ViceSignal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin vice tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM vice_signals WHERE conversation_id = $1`, conversationID); err != nil {
		return eris.Wrap(err, "postgres: delete vice signals")
	}
	now := time.Now().UTC()
	for i := range signals {
		v := &signals[i]
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		v.ConversationID = conversationID
		v.CreatedAt = now
		if _, err := tx.Exec(ctx,
			`INSERT INTO vice_signals (id, user_id, conversation_id, vice, score, evidence, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			v.ID, v.UserID, conversationID, v.Vice, v.Score, v.Evidence, now,
		); err != nil {
			return eris.Wrap(err, "postgres: insert vice signal")
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit vice signals")
}

func (s *PostgresStore) ListViceSignals(ctx context.Context, userID string) ([]model.ViceSignal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, conversation_id, vice, score, evidence, created_at FROM vice_signals
		 WHERE user_id = $1 ORDER BY created_at ASC, vice ASC`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list vice signals")
	}
	defer rows.Close()

	var out []model.ViceSignal
	for rows.Next() {
		var v model.ViceSignal
		if err := rows.Scan(&v.ID, &v.UserID, &v.ConversationID, &v.Vice, &v.Score, &v.Evidence, &v.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan vice signal")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list vice signals iterate")
}

// --- Dead letter queue ---

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	var failedStage *string
	if entry.FailedStage != "" {
		failedStage = &entry.FailedStage
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, conversation_id, user_id, error, error_type, failed_stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $4, error_type = $5, failed_stage = $6, retry_count = $7,
		   next_retry_at = $9, last_failed_at = $11`,
		entry.ID, entry.ConversationID, entry.UserID, entry.Error, entry.ErrorType,
		failedStage, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, conversation_id, user_id, error, error_type, failed_stage, retry_count, max_retries,
	                 next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var failedStage *string
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.UserID, &e.Error, &e.ErrorType,
			&failedStage, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		if failedStage != nil {
			e.FailedStage = *failedStage
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound("dlq_entry", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

func scanPgConversation(row scannable) (*model.Conversation, error) {
	var c model.Conversation
	var messagesJSON, entitiesJSON []byte

	if err := row.Scan(&c.ID, &c.UserID, &c.Status, &messagesJSON, &c.Summary, &c.Tone, &entitiesJSON,
		&c.StartedAt, &c.ProcessedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeConversationJSON(&c, messagesJSON, entitiesJSON); err != nil {
		return nil, err
	}
	return &c, nil
}
