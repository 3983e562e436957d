package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/allyhub/messaging/internal/domain"
	"github.com/allyhub/messaging/internal/obs"
)

// SQLStore implements Store on database/sql. SQLite is the default driver;
// Postgres is supported through the same schema.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
	now     func() time.Time
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return newSQLStore(db, sqliteDialect, logger)
}

// NewPostgresStore creates a new Postgres store.
func NewPostgresStore(dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newSQLStore(db, postgresDialect, logger)
}

// Open picks the store implementation for driver.
func Open(driver, dsn string, logger *slog.Logger) (*SQLStore, error) {
	switch driver {
	case "sqlite3":
		return NewSQLiteStore(dsn, logger)
	case "postgres":
		return NewPostgresStore(dsn, logger)
	}
	return nil, fmt.Errorf("unsupported database driver: %s", driver)
}

func newSQLStore(db *sql.DB, d dialect, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = obs.Discard()
	}
	store := &SQLStore{db: db, dialect: d, logger: logger, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations. Times are stored as unix microseconds.
func (s *SQLStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			participant_a_id TEXT NOT NULL,
			participant_b_id TEXT NOT NULL,
			last_message_preview TEXT NOT NULL DEFAULT '',
			last_message_at BIGINT,
			created_at BIGINT NOT NULL,
			archived_at BIGINT,
			CHECK (participant_a_id < participant_b_id),
			UNIQUE (participant_a_id, participant_b_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_a ON conversations(participant_a_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_b ON conversations(participant_b_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			read_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL UNIQUE REFERENCES messages(id) ON DELETE CASCADE,
			kind TEXT NOT NULL CHECK (kind IN ('image', 'file')),
			filename TEXT NOT NULL,
			size_bytes BIGINT NOT NULL CHECK (size_bytes >= 0),
			storage_path TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return wrapErr("ping", s.db.PingContext(ctx))
}

const conversationColumns = `c.id, c.participant_a_id, c.participant_b_id, c.last_message_preview, c.last_message_at, c.created_at, c.archived_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner, extra ...any) (*domain.Conversation, error) {
	var conv domain.Conversation
	var lastAt, archivedAt sql.NullInt64
	var createdAt int64
	dest := append([]any{&conv.ID, &conv.ParticipantA, &conv.ParticipantB, &conv.LastMessagePreview, &lastAt, &createdAt, &archivedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	conv.CreatedAt = time.UnixMicro(createdAt)
	if lastAt.Valid {
		t := time.UnixMicro(lastAt.Int64)
		conv.LastMessageAt = &t
	}
	if archivedAt.Valid {
		t := time.UnixMicro(archivedAt.Int64)
		conv.ArchivedAt = &t
	}
	return &conv, nil
}

// GetOrCreateConversation returns the unique conversation between two users,
// creating it on first use.
func (s *SQLStore) GetOrCreateConversation(ctx context.Context, userA, userB string) (*domain.Conversation, error) {
	a, b := domain.NormalizePair(userA, userB)
	if a == "" || b == "" {
		return nil, fmt.Errorf("%w: both participants are required", domain.ErrValidation)
	}
	if a == b {
		return nil, fmt.Errorf("%w: a conversation needs two distinct participants", domain.ErrValidation)
	}

	conv, err := s.findConversationByPair(ctx, a, b)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, wrapErr("get conversation", err)
	}

	now := s.now().UTC()
	conv = &domain.Conversation{
		ID:           "conv_" + uuid.NewString(),
		ParticipantA: a,
		ParticipantB: b,
		CreatedAt:    time.UnixMicro(now.UnixMicro()),
	}
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO conversations (id, participant_a_id, participant_b_id, last_message_preview, created_at) VALUES (?, ?, ?, '', ?)`),
		conv.ID, a, b, now.UnixMicro())
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a race with a concurrent first message; the pair index kept one row.
			return s.findConversationByPair(ctx, a, b)
		}
		return nil, wrapErr("create conversation", err)
	}
	s.logger.Info("conversation created", "conversation_id", conv.ID, "participant_a", a, "participant_b", b)
	return conv, nil
}

func (s *SQLStore) findConversationByPair(ctx context.Context, a, b string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.participant_a_id = ? AND c.participant_b_id = ?`), a, b)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get conversation", err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ?`), conversationID)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: conversation %s", domain.ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, wrapErr("get conversation", err)
	}
	return conv, nil
}

// ListConversations lists a user's conversations by last activity, newest
// first, with the user's unread count.
func (s *SQLStore) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + `,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id AND m.sender_id <> ? AND m.read_at IS NULL)
		FROM conversations c
		WHERE (c.participant_a_id = ? OR c.participant_b_id = ?)`
	if !includeArchived {
		query += ` AND c.archived_at IS NULL`
	}
	query += ` ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id DESC`

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), userID, userID, userID)
	if err != nil {
		return nil, wrapErr("list conversations", err)
	}
	defer rows.Close()

	conversations := make([]domain.Conversation, 0)
	for rows.Next() {
		var unread int
		conv, err := scanConversation(rows, &unread)
		if err != nil {
			return nil, wrapErr("list conversations", err)
		}
		conv.UnreadCount = unread
		conversations = append(conversations, *conv)
	}
	return conversations, wrapErr("list conversations", rows.Err())
}

// ArchiveConversation hides a conversation from the default listing. The next
// message un-archives it.
func (s *SQLStore) ArchiveConversation(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE conversations SET archived_at = ? WHERE id = ?`), s.now().UTC().UnixMicro(), conversationID)
	if err != nil {
		return wrapErr("archive conversation", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapErr("archive conversation", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: conversation %s", domain.ErrNotFound, conversationID)
	}
	return nil
}

// CreateMessage stores a message and its optional attachment in one
// transaction and updates the conversation preview. created_at is assigned
// here and is strictly increasing within a conversation.
func (s *SQLStore) CreateMessage(ctx context.Context, conversationID, senderID, content string, attachment *domain.AttachmentRef) (*domain.Message, error) {
	if err := validateMessage(content, attachment); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		obs.RecordStoreError("create_message")
		return nil, wrapErr("begin transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ?`+s.dialect.forUpdate), conversationID)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: conversation %s", domain.ErrNotFound, conversationID)
	}
	if err != nil {
		obs.RecordStoreError("create_message")
		return nil, wrapErr("load conversation", err)
	}
	if !conv.HasParticipant(senderID) {
		return nil, fmt.Errorf("%w: sender %s is not a participant of %s", domain.ErrValidation, senderID, conversationID)
	}

	msg, err := s.insertMessage(ctx, tx, conv, senderID, content, attachment)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		obs.RecordStoreError("create_message")
		return nil, wrapErr("commit message", err)
	}
	obs.MessagesCreated.Inc()
	return msg, nil
}

// CreateFirstMessage stores a message between sender and recipient, creating
// their conversation in the same transaction when it does not exist yet. If
// the message is rejected no conversation is left behind.
func (s *SQLStore) CreateFirstMessage(ctx context.Context, senderID, recipientID, content string, attachment *domain.AttachmentRef) (*domain.Conversation, *domain.Message, error) {
	a, b := domain.NormalizePair(senderID, recipientID)
	if a == "" || b == "" {
		return nil, nil, fmt.Errorf("%w: both participants are required", domain.ErrValidation)
	}
	if a == b {
		return nil, nil, fmt.Errorf("%w: a conversation needs two distinct participants", domain.ErrValidation)
	}
	if err := validateMessage(content, attachment); err != nil {
		return nil, nil, err
	}

	conv, msg, err := s.createFirstMessage(ctx, a, b, senderID, content, attachment)
	if err != nil && isUniqueViolation(err) {
		// A concurrent first message created the pair; it exists now.
		conv, msg, err = s.createFirstMessage(ctx, a, b, senderID, content, attachment)
	}
	if err != nil {
		return nil, nil, err
	}
	obs.MessagesCreated.Inc()
	return conv, msg, nil
}

func (s *SQLStore) createFirstMessage(ctx context.Context, a, b, senderID, content string, attachment *domain.AttachmentRef) (*domain.Conversation, *domain.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		obs.RecordStoreError("create_message")
		return nil, nil, wrapErr("begin transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.participant_a_id = ? AND c.participant_b_id = ?`+s.dialect.forUpdate), a, b)
	conv, err := scanConversation(row)
	created := false
	switch {
	case err == sql.ErrNoRows:
		now := s.now().UTC().UnixMicro()
		conv = &domain.Conversation{
			ID:           "conv_" + uuid.NewString(),
			ParticipantA: a,
			ParticipantB: b,
			CreatedAt:    time.UnixMicro(now),
		}
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO conversations (id, participant_a_id, participant_b_id, last_message_preview, created_at) VALUES (?, ?, ?, '', ?)`),
			conv.ID, a, b, now); err != nil {
			if isUniqueViolation(err) {
				return nil, nil, err
			}
			obs.RecordStoreError("create_message")
			return nil, nil, wrapErr("create conversation", err)
		}
		created = true
	case err != nil:
		obs.RecordStoreError("create_message")
		return nil, nil, wrapErr("load conversation", err)
	}

	msg, err := s.insertMessage(ctx, tx, conv, senderID, content, attachment)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		obs.RecordStoreError("create_message")
		return nil, nil, wrapErr("commit message", err)
	}
	if created {
		s.logger.Info("conversation created", "conversation_id", conv.ID, "participant_a", a, "participant_b", b)
	}

	conv.LastMessagePreview = domain.Preview(content, attachment)
	lastAt := msg.CreatedAt
	conv.LastMessageAt = &lastAt
	conv.ArchivedAt = nil
	return conv, msg, nil
}

func validateMessage(content string, attachment *domain.AttachmentRef) error {
	if strings.TrimSpace(content) == "" && attachment.Empty() {
		return fmt.Errorf("%w: message needs content or an attachment", domain.ErrValidation)
	}
	if !attachment.Empty() {
		if !attachment.Kind.Valid() {
			return fmt.Errorf("%w: unknown attachment kind %q", domain.ErrValidation, attachment.Kind)
		}
		if strings.TrimSpace(attachment.Filename) == "" || attachment.SizeBytes < 0 {
			return fmt.Errorf("%w: attachment needs a filename and a size", domain.ErrValidation)
		}
	}
	return nil
}

// insertMessage writes the message, its attachment and the conversation
// preview inside tx. conv must have been read in tx.
func (s *SQLStore) insertMessage(ctx context.Context, tx *sql.Tx, conv *domain.Conversation, senderID, content string, attachment *domain.AttachmentRef) (*domain.Message, error) {
	createdAt := s.now().UTC().UnixMicro()
	if conv.LastMessageAt != nil && createdAt <= conv.LastMessageAt.UnixMicro() {
		createdAt = conv.LastMessageAt.UnixMicro() + 1
	}

	msg := &domain.Message{
		ID:             "msg_" + uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.UnixMicro(createdAt),
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO messages (id, conversation_id, sender_id, content, created_at) VALUES (?, ?, ?, ?, ?)`),
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, createdAt); err != nil {
		obs.RecordStoreError("create_message")
		return nil, wrapErr("insert message", err)
	}

	if !attachment.Empty() {
		msg.Attachment = &domain.Attachment{
			ID:          "att_" + uuid.NewString(),
			MessageID:   msg.ID,
			Kind:        attachment.Kind,
			Filename:    attachment.Filename,
			SizeBytes:   attachment.SizeBytes,
			StoragePath: attachment.StoragePath,
		}
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO attachments (id, message_id, kind, filename, size_bytes, storage_path) VALUES (?, ?, ?, ?, ?, ?)`),
			msg.Attachment.ID, msg.ID, msg.Attachment.Kind, msg.Attachment.Filename, msg.Attachment.SizeBytes, msg.Attachment.StoragePath); err != nil {
			obs.RecordStoreError("create_message")
			return nil, wrapErr("insert attachment", err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`UPDATE conversations SET last_message_preview = ?, last_message_at = ?, archived_at = NULL WHERE id = ?`),
		domain.Preview(content, attachment), createdAt, conv.ID); err != nil {
		obs.RecordStoreError("create_message")
		return nil, wrapErr("update conversation", err)
	}
	return msg, nil
}

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.content, m.created_at, m.read_at,
	a.id, a.kind, a.filename, a.size_bytes, a.storage_path`

const messageFrom = ` FROM messages m LEFT JOIN attachments a ON a.message_id = m.id`

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var createdAt int64
	var readAt, size sql.NullInt64
	var attID, kind, filename, path sql.NullString
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &createdAt, &readAt,
		&attID, &kind, &filename, &size, &path); err != nil {
		return nil, err
	}
	msg.CreatedAt = time.UnixMicro(createdAt)
	if readAt.Valid {
		t := time.UnixMicro(readAt.Int64)
		msg.ReadAt = &t
	}
	if attID.Valid {
		msg.Attachment = &domain.Attachment{
			ID:          attID.String,
			MessageID:   msg.ID,
			Kind:        domain.AttachmentKind(kind.String),
			Filename:    filename.String,
			SizeBytes:   size.Int64,
			StoragePath: path.String,
		}
	}
	return &msg, nil
}

// GetMessage retrieves a message by ID.
func (s *SQLStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	return s.getMessage(ctx, s.db, messageID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) getMessage(ctx context.Context, q queryer, messageID string) (*domain.Message, error) {
	row := q.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+messageColumns+messageFrom+` WHERE m.id = ?`), messageID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
	}
	if err != nil {
		return nil, wrapErr("get message", err)
	}
	return msg, nil
}

// ListMessages returns the newest limit messages created strictly before
// before (or the newest overall when before is nil), in ascending order.
func (s *SQLStore) ListMessages(ctx context.Context, conversationID string, before *time.Time, limit int) ([]domain.Message, error) {
	limit = NormalizeLimit(limit)
	query := `SELECT ` + messageColumns + messageFrom + ` WHERE m.conversation_id = ?`
	args := []any{conversationID}
	if before != nil {
		query += ` AND m.created_at < ?`
		args = append(args, before.UnixMicro())
	}
	query += ` ORDER BY m.created_at DESC, m.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		obs.RecordStoreError("list_messages")
		return nil, wrapErr("list messages", err)
	}
	defer rows.Close()

	messages := make([]domain.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, wrapErr("list messages", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list messages", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MarkRead sets read_at on a message the first time its recipient views it.
// Later calls return the message unchanged.
func (s *SQLStore) MarkRead(ctx context.Context, messageID, readerID string) (*domain.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		obs.RecordStoreError("mark_read")
		return nil, wrapErr("begin transaction", err)
	}
	defer tx.Rollback()

	msg, err := s.getMessage(ctx, tx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == readerID {
		return nil, fmt.Errorf("%w: senders cannot mark their own messages read", domain.ErrPermission)
	}
	row := tx.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ?`), msg.ConversationID)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, wrapErr("load conversation", err)
	}
	if !conv.HasParticipant(readerID) {
		return nil, fmt.Errorf("%w: %s is not a participant", domain.ErrPermission, readerID)
	}

	if msg.ReadAt == nil {
		readAt := s.now().UTC().UnixMicro()
		res, err := tx.ExecContext(ctx, s.dialect.rebind(
			`UPDATE messages SET read_at = ? WHERE id = ? AND read_at IS NULL`), readAt, messageID)
		if err != nil {
			obs.RecordStoreError("mark_read")
			return nil, wrapErr("mark read", err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			t := time.UnixMicro(readAt)
			msg.ReadAt = &t
			obs.MessagesRead.Inc()
		} else if msg, err = s.getMessage(ctx, tx, messageID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		obs.RecordStoreError("mark_read")
		return nil, wrapErr("commit read", err)
	}
	return msg, nil
}

var _ Store = (*SQLStore)(nil)
