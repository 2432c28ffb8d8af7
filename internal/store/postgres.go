package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/convoflow/convoflow/internal/common/database"
	apperrors "github.com/convoflow/convoflow/internal/common/errors"
	v1 "github.com/convoflow/convoflow/pkg/api/v1"
)

// PostgresRepository provides PostgreSQL-backed conversation storage
type PostgresRepository struct {
	db *database.DB
}

// Ensure PostgresRepository implements Repository interface
var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a repository on an existing connection pool
// and ensures the schema exists.
func NewPostgresRepository(ctx context.Context, db *database.DB) (*PostgresRepository, error) {
	repo := &PostgresRepository{db: db}
	if err := repo.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// ensureSchema creates the database tables if they don't exist
func (r *PostgresRepository) ensureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		contact_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		last_human_reply_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		media_url TEXT NOT NULL DEFAULT '',
		quoted_message_id TEXT NOT NULL DEFAULT '',
		pending BOOLEAN NOT NULL DEFAULT FALSE,
		degraded BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT '',
		provider_message_id TEXT NOT NULL DEFAULT '',
		arrived_at TIMESTAMPTZ NOT NULL,
		original_timestamp TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tracked_requests (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		message_ids TEXT[] NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		cancel_stage TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		reply_message_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_micro_usd BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		model_started_at TIMESTAMPTZ,
		model_finished_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS agent_profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		system_prompt TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL,
		max_tokens INTEGER NOT NULL DEFAULT 1024,
		temperature DOUBLE PRECISION NOT NULL DEFAULT 0.7,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id, original_timestamp);
	CREATE INDEX IF NOT EXISTS idx_tracked_requests_conversation_id ON tracked_requests(conversation_id, created_at);
	`

	_, err := r.db.Exec(ctx, schema)
	return err
}

// Close is a no-op; the pool is owned by the caller
func (r *PostgresRepository) Close() error {
	return nil
}

// Message operations

func (r *PostgresRepository) AppendMessage(ctx context.Context, msg *v1.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.ArrivedAt.IsZero() {
		msg.ArrivedAt = time.Now().UTC()
	}
	if msg.OriginalTimestamp.IsZero() {
		msg.OriginalTimestamp = msg.ArrivedAt
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, direction, kind, content, media_url,
			quoted_message_id, pending, degraded, status, provider_message_id,
			arrived_at, original_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		msg.ID, msg.ConversationID, msg.Direction, msg.Kind, msg.Content, msg.MediaURL,
		msg.QuotedMessageID, msg.Pending, msg.Degraded, msg.Status, msg.ProviderMessageID,
		msg.ArrivedAt, msg.OriginalTimestamp)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateMessageContent(ctx context.Context, id, content string, degraded bool) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages SET content = $2, pending = FALSE, degraded = $3 WHERE id = $1`,
		id, content, degraded)
	if err != nil {
		return fmt.Errorf("failed to update message content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("message", id)
	}
	return nil
}

func (r *PostgresRepository) UpdateMessageStatus(ctx context.Context, id string, status v1.MessageStatus, providerMessageID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages SET status = $2,
			provider_message_id = CASE WHEN $3 = '' THEN provider_message_id ELSE $3 END
		WHERE id = $1`,
		id, status, providerMessageID)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("message", id)
	}
	return nil
}

func (r *PostgresRepository) ListMessages(ctx context.Context, conversationID string, limit int) ([]*v1.Message, error) {
	query := `
		SELECT id, conversation_id, direction, kind, content, media_url,
			quoted_message_id, pending, degraded, status, provider_message_id,
			arrived_at, original_timestamp
		FROM messages WHERE conversation_id = $1
		ORDER BY original_timestamp DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var result []*v1.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query returns newest first so LIMIT keeps the tail; callers expect
	// oldest first.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

func scanMessage(row pgx.Row) (*v1.Message, error) {
	var msg v1.Message
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Direction, &msg.Kind, &msg.Content,
		&msg.MediaURL, &msg.QuotedMessageID, &msg.Pending, &msg.Degraded, &msg.Status,
		&msg.ProviderMessageID, &msg.ArrivedAt, &msg.OriginalTimestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	return &msg, nil
}

// Tracked request operations

func (r *PostgresRepository) CreateRequest(ctx context.Context, req *v1.TrackedRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO tracked_requests (id, conversation_id, message_ids, status, cancel_stage,
			error, reply_message_id, model, input_tokens, output_tokens, cost_micro_usd,
			created_at, model_started_at, model_finished_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		req.ID, req.ConversationID, req.MessageIDs, req.Status, req.CancelStage,
		req.Error, req.ReplyMessageID, req.Model, req.InputTokens, req.OutputTokens,
		req.CostMicroUSD, req.CreatedAt, req.ModelStartedAt, req.ModelFinishedAt, req.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert tracked request: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SaveRequest(ctx context.Context, req *v1.TrackedRequest) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE tracked_requests SET status = $2, cancel_stage = $3, error = $4,
			reply_message_id = $5, model = $6, input_tokens = $7, output_tokens = $8,
			cost_micro_usd = $9, model_started_at = $10, model_finished_at = $11,
			finished_at = $12
		WHERE id = $1`,
		req.ID, req.Status, req.CancelStage, req.Error, req.ReplyMessageID, req.Model,
		req.InputTokens, req.OutputTokens, req.CostMicroUSD,
		req.ModelStartedAt, req.ModelFinishedAt, req.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to update tracked request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("request", req.ID)
	}
	return nil
}

func (r *PostgresRepository) GetRequest(ctx context.Context, id string) (*v1.TrackedRequest, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, conversation_id, message_ids, status, cancel_stage, error,
			reply_message_id, model, input_tokens, output_tokens, cost_micro_usd,
			created_at, model_started_at, model_finished_at, finished_at
		FROM tracked_requests WHERE id = $1`, id)

	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("request", id)
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (r *PostgresRepository) ListRequests(ctx context.Context, conversationID string) ([]*v1.TrackedRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, conversation_id, message_ids, status, cancel_stage, error,
			reply_message_id, model, input_tokens, output_tokens, cost_micro_usd,
			created_at, model_started_at, model_finished_at, finished_at
		FROM tracked_requests WHERE conversation_id = $1
		ORDER BY created_at`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked requests: %w", err)
	}
	defer rows.Close()

	var result []*v1.TrackedRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

func scanRequest(row pgx.Row) (*v1.TrackedRequest, error) {
	var req v1.TrackedRequest
	err := row.Scan(&req.ID, &req.ConversationID, &req.MessageIDs, &req.Status,
		&req.CancelStage, &req.Error, &req.ReplyMessageID, &req.Model,
		&req.InputTokens, &req.OutputTokens, &req.CostMicroUSD,
		&req.CreatedAt, &req.ModelStartedAt, &req.ModelFinishedAt, &req.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// Conversation operations

func (r *PostgresRepository) GetConversation(ctx context.Context, id string) (*v1.Conversation, error) {
	var conv v1.Conversation
	err := r.db.QueryRow(ctx, `
		SELECT id, contact_id, agent_id, last_human_reply_at, created_at, updated_at
		FROM conversations WHERE id = $1`, id).
		Scan(&conv.ID, &conv.ContactID, &conv.AgentID, &conv.LastHumanReplyAt,
			&conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("conversation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

func (r *PostgresRepository) UpsertConversation(ctx context.Context, conv *v1.Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	_, err := r.db.Exec(ctx, `
		INSERT INTO conversations (id, contact_id, agent_id, last_human_reply_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			contact_id = EXCLUDED.contact_id,
			agent_id = EXCLUDED.agent_id,
			last_human_reply_at = EXCLUDED.last_human_reply_at,
			updated_at = EXCLUDED.updated_at`,
		conv.ID, conv.ContactID, conv.AgentID, conv.LastHumanReplyAt, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RecordHumanReply(ctx context.Context, conversationID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversations SET last_human_reply_at = NOW(), updated_at = NOW()
		WHERE id = $1`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to record human reply: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("conversation", conversationID)
	}
	return nil
}

// Agent profile operations

func (r *PostgresRepository) GetAgent(ctx context.Context, id string) (*v1.AgentProfile, error) {
	var agent v1.AgentProfile
	err := r.db.QueryRow(ctx, `
		SELECT id, name, system_prompt, model, max_tokens, temperature, enabled, created_at, updated_at
		FROM agent_profiles WHERE id = $1`, id).
		Scan(&agent.ID, &agent.Name, &agent.SystemPrompt, &agent.Model, &agent.MaxTokens,
			&agent.Temperature, &agent.Enabled, &agent.CreatedAt, &agent.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("agent", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &agent, nil
}

func (r *PostgresRepository) PutAgent(ctx context.Context, agent *v1.AgentProfile) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	_, err := r.db.Exec(ctx, `
		INSERT INTO agent_profiles (id, name, system_prompt, model, max_tokens, temperature, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			system_prompt = EXCLUDED.system_prompt,
			model = EXCLUDED.model,
			max_tokens = EXCLUDED.max_tokens,
			temperature = EXCLUDED.temperature,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`,
		agent.ID, agent.Name, agent.SystemPrompt, agent.Model, agent.MaxTokens,
		agent.Temperature, agent.Enabled, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}
