package conversation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatbridgehq/chatbridge/internal/db"
	"github.com/chatbridgehq/chatbridge/internal/platform"
)

var ErrConversationNotFound = errors.New("conversation not found")

// Service persists conversations and messages.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "conversations")),
	}
}

// LockKey derives the advisory-lock key that serializes processing within
// one thread. Workers hold it from claim through the provider send so
// replies go out in enqueue order even when drain passes overlap.
func LockKey(tenantID string, p platform.Platform, externalThreadID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(p))
	h.Write([]byte{0})
	h.Write([]byte(externalThreadID))
	return int64(h.Sum64())
}

// LockThread takes the thread's session-level advisory lock without
// blocking. When held is true the caller owns the thread until it runs
// unlock; when false another worker is mid-flight and the caller should
// defer the event. unlock is always safe to call.
func (s *Service) LockThread(ctx context.Context, tenantID string, p platform.Platform, externalThreadID string) (unlock func(), held bool, err error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return func() {}, false, fmt.Errorf("acquire lock conn: %w", err)
	}
	key := LockKey(tenantID, p, externalThreadID)
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&held); err != nil {
		conn.Release()
		return func() {}, false, fmt.Errorf("try thread lock: %w", err)
	}
	if !held {
		conn.Release()
		return func() {}, false, nil
	}
	var once sync.Once
	unlock = func() {
		once.Do(func() {
			// Unlock on the session that took the lock; background so a
			// canceled pipeline context still releases it.
			if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key); err != nil {
				s.logger.Error("release thread lock", slog.Any("error", err))
			}
			conn.Release()
		})
	}
	return unlock, true, nil
}

// Upsert finds or creates the thread, binds it to the session and advances
// last_message_at without ever moving it backwards.
func (s *Service) Upsert(ctx context.Context, tenantID string, p platform.Platform, externalThreadID, participantID, sessionID string, messageAt time.Time) (Conversation, error) {
	tenantUUID, err := db.ParseUUID(tenantID)
	if err != nil {
		return Conversation{}, err
	}
	sessionUUID, err := db.ParseUUID(sessionID)
	if err != nil {
		return Conversation{}, err
	}
	if messageAt.IsZero() {
		messageAt = time.Now()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (tenant_id, platform, external_thread_id, participant_id, session_id, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, platform, external_thread_id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			last_message_at = GREATEST(conversations.last_message_at, EXCLUDED.last_message_at)
		RETURNING id, participant_id, last_message_at, created_at`,
		tenantUUID, string(p), externalThreadID, participantID, sessionUUID, messageAt.UTC())

	conv := Conversation{
		TenantID:         tenantID,
		Platform:         p,
		ExternalThreadID: externalThreadID,
		SessionID:        sessionID,
	}
	err = row.Scan(&conv.ID, &conv.ParticipantID, &conv.LastMessageAt, &conv.CreatedAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("upsert conversation: %w", err)
	}
	return conv, nil
}

// AddMessage appends one turn to the thread.
func (s *Service) AddMessage(ctx context.Context, conversationID, sender, content, externalID string) (Message, error) {
	convUUID, err := db.ParseUUID(conversationID)
	if err != nil {
		return Message{}, err
	}

	msg := Message{ConversationID: conversationID, Sender: sender, Content: content, ExternalID: externalID}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender, content, external_id)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		RETURNING id, sent_at`,
		convUUID, sender, content, externalID)
	if err := row.Scan(&msg.ID, &msg.SentAt); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// Get loads one conversation by id.
func (s *Service) Get(ctx context.Context, conversationID string) (Conversation, error) {
	convUUID, err := db.ParseUUID(conversationID)
	if err != nil {
		return Conversation{}, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, platform, external_thread_id, participant_id,
		       COALESCE(session_id::text, ''), last_message_at, created_at
		FROM conversations WHERE id = $1`, convUUID)
	return scanConversation(row)
}

// Messages lists a thread's turns in send order.
func (s *Service) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	convUUID, err := db.ParseUUID(conversationID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, sender, content, COALESCE(external_id, ''), sent_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY sent_at ASC
		LIMIT $2`, convUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Sender, &msg.Content, &msg.ExternalID, &msg.SentAt)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var conv Conversation
	var plat string
	err := row.Scan(&conv.ID, &conv.TenantID, &plat, &conv.ExternalThreadID,
		&conv.ParticipantID, &conv.SessionID, &conv.LastMessageAt, &conv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrConversationNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	conv.Platform = platform.Platform(plat)
	return conv, nil
}
