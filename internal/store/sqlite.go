package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/postconvo/internal/model"
	"github.com/sells-group/postconvo/internal/resilience"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS conversations (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	messages     TEXT NOT NULL DEFAULT '[]',
	summary      TEXT NOT NULL DEFAULT '',
	tone         TEXT NOT NULL DEFAULT '',
	entities     TEXT NOT NULL DEFAULT '[]',
	started_at   DATETIME NOT NULL,
	processed_at DATETIME,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS threads (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	title            TEXT NOT NULL,
	normalized_title TEXT NOT NULL,
	summary          TEXT NOT NULL DEFAULT '',
	priority         INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'active',
	conversation_id  TEXT NOT NULL,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS thoughts (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	thread_id       TEXT,
	conversation_id TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_summary_entries (
	user_id         TEXT NOT NULL,
	day             TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	summary         TEXT NOT NULL,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	PRIMARY KEY (user_id, day, conversation_id)
);

CREATE TABLE IF NOT EXISTS arcs (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	name       TEXT NOT NULL,
	beats      TEXT NOT NULL DEFAULT '[]',
	intensity  REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (user_id, name)
);

CREATE TABLE IF NOT EXISTS vice_signals (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	vice            TEXT NOT NULL,
	score           REAL NOT NULL,
	evidence        TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	error           TEXT NOT NULL,
	error_type      TEXT NOT NULL,
	failed_stage    TEXT,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 3,
	next_retry_at   DATETIME NOT NULL,
	created_at      DATETIME NOT NULL,
	last_failed_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);
CREATE INDEX IF NOT EXISTS idx_threads_user_title ON threads(user_id, normalized_title);
CREATE INDEX IF NOT EXISTS idx_thoughts_user ON thoughts(user_id);
CREATE INDEX IF NOT EXISTS idx_vice_signals_conversation ON vice_signals(conversation_id);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Conversations ---

func (s *SQLiteStore) CreateConversation(ctx context.Context, c *model.Conversation) error {
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
		return eris.Wrap(err, "sqlite: marshal messages")
	}
	entitiesJSON, err := json.Marshal(nonNil(c.Entities))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal entities")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, status, messages, summary, tone, entities, started_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   user_id = excluded.user_id, status = excluded.status, messages = excluded.messages,
		   started_at = excluded.started_at, updated_at = excluded.updated_at`,
		c.ID, c.UserID, string(c.Status), string(messagesJSON), c.Summary, c.Tone, string(entitiesJSON),
		c.StartedAt.UTC(), now, now,
	)
	return eris.Wrapf(err, "sqlite: insert conversation %s", c.ID)
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("conversation", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get conversation %s", id)
	}
	return c, nil
}

func (s *SQLiteStore) UpdateConversationStatus(ctx context.Context, id string, status model.ConversationStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update conversation status %s", id)
	}
	return checkRowsAffected(res, "conversation", id)
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, id, summary, tone string, entities []string) error {
	entitiesJSON, err := json.Marshal(nonNil(entities))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal entities")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET status = ?, summary = ?, tone = ?, entities = ?, processed_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(model.ConversationStatusProcessed), summary, tone, string(entitiesJSON), now, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark processed %s", id)
	}
	return checkRowsAffected(res, "conversation", id)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, processed_at = ?, updated_at = ? WHERE id = ?`,
		string(model.ConversationStatusFailed), now, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark failed %s", id)
	}
	return checkRowsAffected(res, "conversation", id)
}

func (s *SQLiteStore) ForceStatusUpdate(ctx context.Context, id string, status model.ConversationStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: force status %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]model.Conversation, error) {
	where, args := sqliteConversationWhere(filter)
	query := `SELECT ` + conversationColumns + ` FROM conversations` + where + ` ORDER BY created_at ASC, id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list conversations")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan conversation")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list conversations iterate")
}

func (s *SQLiteStore) CountConversations(ctx context.Context, filter ConversationFilter) (int, error) {
	where, args := sqliteConversationWhere(filter)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`+where, args...).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count conversations")
}

func sqliteConversationWhere(filter ConversationFilter) (string, []any) {
	var clauses []string
	var args []any
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if !filter.UpdatedAfter.IsZero() {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, filter.UpdatedAfter.UTC())
	}
	if !filter.UpdatedBefore.IsZero() {
		clauses = append(clauses, "updated_at < ?")
		args = append(args, filter.UpdatedBefore.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// --- Threads & thoughts ---

func (s *SQLiteStore) FindActiveThread(ctx context.Context, userID, normalizedTitle string) (*model.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM threads
		 WHERE user_id = ? AND normalized_title = ? AND status = ?
		 ORDER BY updated_at DESC LIMIT 1`,
		userID, normalizedTitle, string(model.ThreadStatusActive),
	)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find active thread")
	}
	return t, nil
}

func (s *SQLiteStore) CreateThread(ctx context.Context, t *model.Thread) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = model.ThreadStatusActive
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, user_id, title, normalized_title, summary, priority, status, conversation_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Title, model.NormalizeTitle(t.Title), t.Summary, t.Priority,
		string(t.Status), t.ConversationID, now, now,
	)
	return eris.Wrap(err, "sqlite: insert thread")
}

func (s *SQLiteStore) UpdateThread(ctx context.Context, t *model.Thread) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET summary = ?, priority = ?, status = ?, conversation_id = ?, updated_at = ? WHERE id = ?`,
		t.Summary, t.Priority, string(t.Status), t.ConversationID, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update thread %s", t.ID)
	}
	return checkRowsAffected(res, "thread", t.ID)
}

func (s *SQLiteStore) ListThreads(ctx context.Context, userID string) ([]model.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list threads")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan thread")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list threads iterate")
}

func (s *SQLiteStore) CreateThought(ctx context.Context, t *model.Thought) error {
	if t.ID == "" {
		t.ID = model.ThoughtID(t.ConversationID, t.Content)
	}
	t.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thoughts (id, user_id, thread_id, conversation_id, content, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.UserID, nullString(t.ThreadID), t.ConversationID, t.Content, t.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert thought")
}

func (s *SQLiteStore) ListThoughts(ctx context.Context, userID string) ([]model.Thought, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, thread_id, conversation_id, content, created_at FROM thoughts
		 WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list thoughts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Thought
	for rows.Next() {
		var t model.Thought
		var threadID sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &threadID, &t.ConversationID, &t.Content, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan thought")
		}
		t.ThreadID = threadID.String
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list thoughts iterate")
}

// --- Daily summaries ---

func (s *SQLiteStore) AddDailySummaryEntry(ctx context.Context, userID, day, conversationID, summary string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_summary_entries (user_id, day, conversation_id, summary, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, day, conversation_id) DO UPDATE SET
		   summary = excluded.summary, updated_at = excluded.updated_at`,
		userID, day, conversationID, summary, now, now,
	)
	return eris.Wrap(err, "sqlite: add daily summary entry")
}

func (s *SQLiteStore) GetDailySummary(ctx context.Context, userID, day string) (*model.DailySummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT summary, updated_at FROM daily_summary_entries
		 WHERE user_id = ? AND day = ? ORDER BY created_at ASC, conversation_id ASC`,
		userID, day,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get daily summary")
	}
	defer rows.Close() //nolint:errcheck

	var parts []string
	var updated []time.Time
	for rows.Next() {
		var summary string
		var at time.Time
		if err := rows.Scan(&summary, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan daily summary entry")
		}
		parts = append(parts, summary)
		updated = append(updated, at)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: get daily summary iterate")
	}
	if len(parts) == 0 {
		return nil, notFound("daily summary", userID+"/"+day)
	}
	return rollup(userID, day, parts, updated), nil
}

// --- Arcs ---

func (s *SQLiteStore) GetArc(ctx context.Context, userID, name string) (*model.Arc, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, beats, intensity, created_at, updated_at FROM arcs WHERE user_id = ? AND name = ?`,
		userID, name,
	)
	var a model.Arc
	var beats string
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &beats, &a.Intensity, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get arc")
	}
	if err := json.Unmarshal([]byte(beats), &a.Beats); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal arc beats")
	}
	return &a, nil
}

func (s *SQLiteStore) UpsertArc(ctx context.Context, a *model.Arc) error {
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
		return eris.Wrap(err, "sqlite: marshal arc beats")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO arcs (id, user_id, name, beats, intensity, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, name) DO UPDATE SET
		   beats = excluded.beats, intensity = excluded.intensity, updated_at = excluded.updated_at`,
		a.ID, a.UserID, a.Name, string(beats), a.Intensity, a.CreatedAt, a.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: upsert arc")
}

// --- Vice signals ---

func (s *SQLiteStore) ReplaceViceSignals(ctx context.Context, conversationID string, signals []model.ViceSignal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin vice tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM vice_signals WHERE conversation_id = ?`, conversationID); err != nil {
		return eris.Wrap(err, "sqlite: delete vice signals")
	}
	now := time.Now().UTC()
	for i := range signals {
		v := &signals[i]
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		v.ConversationID = conversationID
		v.CreatedAt = now
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vice_signals (id, user_id, conversation_id, vice, score, evidence, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.UserID, conversationID, v.Vice, v.Score, v.Evidence, now,
		); err != nil {
			return eris.Wrap(err, "sqlite: insert vice signal")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit vice signals")
}

func (s *SQLiteStore) ListViceSignals(ctx context.Context, userID string) ([]model.ViceSignal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, conversation_id, vice, score, evidence, created_at FROM vice_signals
		 WHERE user_id = ? ORDER BY created_at ASC, vice ASC`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list vice signals")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ViceSignal
	for rows.Next() {
		var v model.ViceSignal
		if err := rows.Scan(&v.ID, &v.UserID, &v.ConversationID, &v.Vice, &v.Score, &v.Evidence, &v.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan vice signal")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list vice signals iterate")
}

// --- Dead letter queue ---

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, conversation_id, user_id, error, error_type, failed_stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type, failed_stage = excluded.failed_stage,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.ConversationID, entry.UserID, entry.Error, entry.ErrorType,
		nullString(entry.FailedStage), entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, conversation_id, user_id, error, error_type, failed_stage, retry_count, max_retries,
	                 next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{time.Now().UTC()}

	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var failedStage sql.NullString
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.UserID, &e.Error, &e.ErrorType,
			&failedStage, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.FailedStage = failedStage.String
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UTC(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type scannable interface {
	Scan(dest ...any) error
}

const conversationColumns = `id, user_id, status, messages, summary, tone, entities, started_at, processed_at, created_at, updated_at`

const threadColumns = `id, user_id, title, summary, priority, status, conversation_id, created_at, updated_at`

func scanConversation(row scannable) (*model.Conversation, error) {
	var c model.Conversation
	var messagesJSON, entitiesJSON string
	var processedAt sql.NullTime

	if err := row.Scan(&c.ID, &c.UserID, &c.Status, &messagesJSON, &c.Summary, &c.Tone, &entitiesJSON,
		&c.StartedAt, &processedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeConversationJSON(&c, []byte(messagesJSON), []byte(entitiesJSON)); err != nil {
		return nil, err
	}
	if processedAt.Valid {
		t := processedAt.Time
		c.ProcessedAt = &t
	}
	return &c, nil
}

func scanThread(row scannable) (*model.Thread, error) {
	var t model.Thread
	if err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Summary, &t.Priority, &t.Status,
		&t.ConversationID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
