package telegram

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const botColumns = `id, token, user_id, assistant_id, bot_username, bot_name, connected_at, last_activity_at`

func (r *Repository) Create(ctx context.Context, b *Bot) error {
	query := `
		INSERT INTO telegram_bots (` + botColumns + `)
		VALUES (:id, :token, :user_id, :assistant_id, :bot_username, :bot_name, :connected_at, :last_activity_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, b); err != nil {
		return fmt.Errorf("ошибка при сохранении бота: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Bot, error) {
	var b Bot
	err := r.db.GetContext(ctx, &b, `SELECT `+botColumns+` FROM telegram_bots WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка при получении бота %s: %w", id, err)
	}
	return &b, nil
}

func (r *Repository) FindByToken(ctx context.Context, token string) (*Bot, error) {
	var b Bot
	err := r.db.GetContext(ctx, &b, `SELECT `+botColumns+` FROM telegram_bots WHERE token = $1`, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка при поиске бота по токену: %w", err)
	}
	return &b, nil
}

func (r *Repository) List(ctx context.Context) ([]Bot, error) {
	var bots []Bot
	if err := r.db.SelectContext(ctx, &bots, `SELECT `+botColumns+` FROM telegram_bots ORDER BY connected_at`); err != nil {
		return nil, fmt.Errorf("ошибка при получении списка ботов: %w", err)
	}
	return bots, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM telegram_bots WHERE id = $1`, id); err != nil {
		return fmt.Errorf("ошибка при удалении бота %s: %w", id, err)
	}
	return nil
}

func (r *Repository) Touch(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE telegram_bots SET last_activity_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("ошибка при обновлении активности бота %s: %w", id, err)
	}
	return nil
}
