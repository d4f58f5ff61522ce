package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"chatsync/internal/chat"

	_ "modernc.org/sqlite"
)

// SQLiteStore 基于 SQLite (WAL 模式) 的持久化实现
// SQLiteStore implements Store using SQLite with WAL mode
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore 创建并初始化 SQLite 数据库
// NewSQLiteStore creates and initializes a SQLite database
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 单连接避免 SQLITE_BUSY / One connection avoids SQLITE_BUSY under WAL writers
	db.SetMaxOpenConns(1)

	// 启用 WAL 模式和优化 PRAGMA / Enable WAL and performance PRAGMAs
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		id         TEXT PRIMARY KEY,
		title      TEXT NOT NULL DEFAULT '',
		model      TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		chat_id    TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		seq        INTEGER NOT NULL,
		id         TEXT NOT NULL,
		role       TEXT NOT NULL,
		parts      TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		PRIMARY KEY(chat_id, seq),
		UNIQUE(chat_id, id)
	);

	CREATE TABLE IF NOT EXISTS todos (
		chat_id           TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		id                TEXT NOT NULL,
		position          INTEGER NOT NULL,
		content           TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'pending',
		source_message_id TEXT,
		updated_at        TEXT NOT NULL,
		PRIMARY KEY(chat_id, id)
	);

	CREATE TABLE IF NOT EXISTS runs (
		run_id      TEXT PRIMARY KEY,
		chat_id     TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		live        INTEGER NOT NULL DEFAULT 1,
		started_at  TEXT NOT NULL,
		finished_at TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_todos_chat ON todos(chat_id, position);
	CREATE INDEX IF NOT EXISTS idx_runs_chat ON runs(chat_id, live);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库连接 / Close the database connection
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- Chat Operations ---

func (s *SQLiteStore) CreateChat(ctx context.Context, meta ChatMeta) error {
	if strings.TrimSpace(meta.ID) == "" {
		return fmt.Errorf("chat id is empty")
	}
	now := nowUTC()
	if strings.TrimSpace(meta.CreatedAt) == "" {
		meta.CreatedAt = now
	}
	if strings.TrimSpace(meta.UpdatedAt) == "" {
		meta.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, title, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		meta.ID, meta.Title, meta.Model, meta.CreatedAt, meta.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadChat(ctx context.Context, id string) (ChatMeta, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return ChatMeta{}, fmt.Errorf("chat id is empty")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, model, created_at, updated_at FROM chats WHERE id=?`, id)
	var meta ChatMeta
	if err := row.Scan(&meta.ID, &meta.Title, &meta.Model, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatMeta{}, fmt.Errorf("chat %s: %w", id, chat.ErrNotFound)
		}
		return ChatMeta{}, fmt.Errorf("load chat: %w", err)
	}
	return meta, nil
}

func (s *SQLiteStore) ListChats(ctx context.Context) ([]ChatMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, model, created_at, updated_at FROM chats ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var metas []ChatMeta
	for rows.Next() {
		var meta ChatMeta
		if err := rows.Scan(&meta.ID, &meta.Title, &meta.Model, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

func (s *SQLiteStore) DeleteChat(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM chats WHERE id=?", id); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return nil
}

// --- Message Operations ---

// GetMessagesPage 返回 cursor 之前的一页消息（最新在前）
// GetMessagesPage returns the page of messages older than cursor, newest first
func (s *SQLiteStore) GetMessagesPage(ctx context.Context, chatID, cursor string, pageSize int) (Page, error) {
	if pageSize <= 0 {
		return Page{}, fmt.Errorf("page size must be positive")
	}
	before := int64(-1)
	if c := strings.TrimSpace(cursor); c != "" {
		n, err := strconv.ParseInt(c, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		before = n
	}

	query := `SELECT seq, id, role, parts, created_at FROM messages WHERE chat_id=?`
	args := []any{chatID}
	if before >= 0 {
		query += ` AND seq < ?`
		args = append(args, before)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	// 多取一条以判断是否还有更早的消息 / One extra row tells whether older rows exist
	args = append(args, pageSize+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var (
		page    Page
		lastSeq int64
	)
	for rows.Next() {
		var (
			seq       int64
			msg       chat.Message
			role      string
			partsJSON string
			createdAt string
		)
		if err := rows.Scan(&seq, &msg.ID, &role, &partsJSON, &createdAt); err != nil {
			return Page{}, fmt.Errorf("scan message: %w", err)
		}
		if len(page.Messages) == pageSize {
			// extra row: more pages exist
			page.NextCursor = strconv.FormatInt(lastSeq, 10)
			return page, rows.Err()
		}
		parts, err := chat.UnmarshalParts([]byte(partsJSON))
		if err != nil {
			return Page{}, fmt.Errorf("message %s: %w", msg.ID, err)
		}
		msg.Role = chat.Role(role)
		msg.Parts = parts
		msg.ServerPersisted = true
		msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		page.Messages = append(page.Messages, msg)
		lastSeq = seq
	}
	page.Done = true
	return page, rows.Err()
}

// AppendMessage 追加消息；已存在的 ID 原地更新
// AppendMessage appends a message; an existing id is updated in place
func (s *SQLiteStore) AppendMessage(ctx context.Context, chatID string, msg chat.Message) error {
	if strings.TrimSpace(msg.ID) == "" {
		return fmt.Errorf("message id is empty")
	}
	parts, err := chat.MarshalParts(msg.Parts)
	if err != nil {
		return err
	}
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE messages SET role=?, parts=? WHERE chat_id=? AND id=?`,
		string(msg.Role), string(parts), chatID, msg.ID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (chat_id, seq, id, role, parts, created_at)
			VALUES (?, (SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE chat_id=?), ?, ?, ?, ?)`,
			chatID, chatID, msg.ID, string(msg.Role), string(parts), created.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	// 更新 chat 时间戳 / Update chat timestamp
	if _, err := tx.ExecContext(ctx, "UPDATE chats SET updated_at=? WHERE id=?", nowUTC(), chatID); err != nil {
		return fmt.Errorf("update chat timestamp: %w", err)
	}
	return tx.Commit()
}

// TruncateAfter 改写 messageID 的文本并删除其后的所有消息（单事务）
// TruncateAfter rewrites messageID's text and deletes every later message, atomically
func (s *SQLiteStore) TruncateAfter(ctx context.Context, chatID, messageID, newText string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq       int64
		role      string
		partsJSON string
	)
	err = tx.QueryRowContext(ctx, `SELECT seq, role, parts FROM messages WHERE chat_id=? AND id=?`,
		chatID, messageID).Scan(&seq, &role, &partsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %s: %w", messageID, chat.ErrNotFound)
		}
		return fmt.Errorf("find message: %w", err)
	}
	parts, err := chat.UnmarshalParts([]byte(partsJSON))
	if err != nil {
		return err
	}
	edited := chat.Message{ID: messageID, Role: chat.Role(role), Parts: parts}.WithText(newText)
	encoded, err := chat.MarshalParts(edited.Parts)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET parts=? WHERE chat_id=? AND seq=?`,
		string(encoded), chatID, seq); err != nil {
		return fmt.Errorf("rewrite message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id=? AND seq>?`, chatID, seq); err != nil {
		return fmt.Errorf("truncate messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE chats SET updated_at=? WHERE id=?", nowUTC(), chatID); err != nil {
		return fmt.Errorf("update chat timestamp: %w", err)
	}
	return tx.Commit()
}

// DeleteLastAssistantMessage 删除最后一条 assistant 消息，返回其 ID（无则为空）
// DeleteLastAssistantMessage removes the newest assistant message and returns its id ("" if none)
func (s *SQLiteStore) DeleteLastAssistantMessage(ctx context.Context, chatID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq int64
		id  string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT seq, id FROM messages WHERE chat_id=? AND role=? ORDER BY seq DESC LIMIT 1`,
		chatID, string(chat.RoleAssistant)).Scan(&seq, &id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("find assistant message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id=? AND seq=?`, chatID, seq); err != nil {
		return "", fmt.Errorf("delete assistant message: %w", err)
	}
	return id, tx.Commit()
}

// --- Todo Operations ---

func (s *SQLiteStore) ListTodos(ctx context.Context, chatID string) ([]chat.Todo, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, fmt.Errorf("chat id is empty")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, status, source_message_id FROM todos WHERE chat_id=? ORDER BY position`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query todos: %w", err)
	}
	defer rows.Close()

	var items []chat.Todo
	for rows.Next() {
		var (
			item   chat.Todo
			status string
			source sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.Content, &status, &source); err != nil {
			continue
		}
		item.Status = chat.TodoStatus(status)
		if source.Valid {
			item.SourceMessageID = chat.StringPtr(source.String)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ReplaceTodos 以给定顺序整体替换 chat 的待办列表
// ReplaceTodos replaces the chat's todo list, keeping the given order
func (s *SQLiteStore) ReplaceTodos(ctx context.Context, chatID string, items []chat.Todo) error {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return fmt.Errorf("chat id is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM todos WHERE chat_id=?", chatID); err != nil {
		return fmt.Errorf("delete old todos: %w", err)
	}

	now := nowUTC()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO todos (chat_id, id, position, content, status, source_message_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, item := range items {
		content := strings.TrimSpace(item.Content)
		if content == "" {
			continue
		}
		id := strings.TrimSpace(item.ID)
		if id == "" {
			id = fmt.Sprintf("todo_%d", i+1)
		}
		var source any
		if item.SourceMessageID != nil {
			source = *item.SourceMessageID
		}
		if _, err := stmt.ExecContext(ctx, chatID, id, i, content,
			string(chat.NormalizeStatus(string(item.Status))), source, now); err != nil {
			return fmt.Errorf("insert todo %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// --- Run Tokens ---

func (s *SQLiteStore) SaveRun(ctx context.Context, run RunToken) error {
	if strings.TrimSpace(run.RunID) == "" || strings.TrimSpace(run.ChatID) == "" {
		return fmt.Errorf("run token requires run id and chat id")
	}
	if run.StartedAt == "" {
		run.StartedAt = nowUTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, chat_id, live, started_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET live=excluded.live`,
		run.RunID, run.ChatID, boolToInt(run.Live), run.StartedAt)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ActiveRun(ctx context.Context, chatID string) (RunToken, bool, error) {
	var (
		run  RunToken
		live int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, chat_id, live, started_at FROM runs
		WHERE chat_id=? AND live=1 ORDER BY started_at DESC LIMIT 1`, chatID).
		Scan(&run.RunID, &run.ChatID, &live, &run.StartedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunToken{}, false, nil
		}
		return RunToken{}, false, fmt.Errorf("active run: %w", err)
	}
	run.Live = live != 0
	return run, true, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE runs SET live=0, finished_at=? WHERE run_id=?`,
		nowUTC(), runID); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// --- Helpers ---

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
