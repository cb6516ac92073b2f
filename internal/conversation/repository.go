package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatassistant/internal/conversation/models"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// Repository is the Postgres Store. Messages are only ever inserted.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const insertMessage = `
	INSERT INTO conversation_messages
		(conversation_id, role, content, important_info, message_type, external_message_id, created_at)
	VALUES
		(:conversation_id, :role, :content, :important_info, :message_type, :external_message_id, :created_at)
`

func (r *Repository) Create(ctx context.Context, c *models.Conversation) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("не удалось начать транзакцию: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO conversations
			(id, user_id, assistant_id, channel, external_id, input_tokens, output_tokens, created_at, last_activity_at)
		VALUES
			(:id, :user_id, :assistant_id, :channel, :external_id, :input_tokens, :output_tokens, :created_at, :last_activity_at)
	`
	if _, err := tx.NamedExecContext(ctx, query, c); err != nil {
		return fmt.Errorf("не удалось создать разговор: %w", err)
	}

	if err := insertMessages(ctx, tx, c.ID, c.Messages); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("не удалось зафиксировать разговор: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*models.Conversation, error) {
	query := `
		SELECT id, user_id, assistant_id, channel, external_id, input_tokens, output_tokens, created_at, last_activity_at
		FROM conversations
		WHERE id = $1
	`
	var c models.Conversation
	if err := r.db.GetContext(ctx, &c, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("ошибка получения разговора %s: %w", id, err)
	}

	msgs, err := r.messages(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Messages = msgs
	return &c, nil
}

func (r *Repository) FindByChannel(ctx context.Context, channel models.Channel, assistantID, externalID string) (*models.Conversation, error) {
	query := `
		SELECT id FROM conversations
		WHERE channel = $1 AND assistant_id = $2 AND external_id = $3
	`
	var id string
	if err := r.db.GetContext(ctx, &id, query, channel, assistantID, externalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, channel, assistantID, externalID)
		}
		return nil, fmt.Errorf("ошибка поиска разговора %s/%s/%s: %w", channel, assistantID, externalID, err)
	}
	return r.Get(ctx, id)
}

func (r *Repository) AppendTurn(ctx context.Context, id string, msgs []models.Message, inputTokens, outputTokens int64, at time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("не удалось начать транзакцию: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE conversations
		SET input_tokens = input_tokens + $2,
		    output_tokens = output_tokens + $3,
		    last_activity_at = GREATEST(last_activity_at, $4)
		WHERE id = $1
	`
	res, err := tx.ExecContext(ctx, query, id, inputTokens, outputTokens, at)
	if err != nil {
		return fmt.Errorf("не удалось обновить разговор %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := insertMessages(ctx, tx, id, msgs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("не удалось зафиксировать ход разговора: %w", err)
	}
	return nil
}

func (r *Repository) DeleteInactive(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE last_activity_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления неактивных разговоров: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logrus.Infof("Удалено %d неактивных разговоров", n)
	}
	return n, nil
}

func (r *Repository) messages(ctx context.Context, id string) ([]models.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, important_info, message_type, external_message_id, created_at
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY id
	`
	var msgs []models.Message
	if err := r.db.SelectContext(ctx, &msgs, query, id); err != nil {
		return nil, fmt.Errorf("ошибка получения сообщений разговора %s: %w", id, err)
	}
	return msgs, nil
}

func insertMessages(ctx context.Context, tx *sqlx.Tx, conversationID string, msgs []models.Message) error {
	for i := range msgs {
		msgs[i].ConversationID = conversationID
		if msgs[i].MessageType == "" {
			msgs[i].MessageType = models.MessageTypeText
		}
		if _, err := tx.NamedExecContext(ctx, insertMessage, msgs[i]); err != nil {
			return fmt.Errorf("не удалось сохранить сообщение: %w", err)
		}
	}
	return nil
}
