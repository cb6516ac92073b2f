package assistants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateAssistant(ctx context.Context, a *Assistant) error {
	query := `
		INSERT INTO assistants (id, user_id, name, description, welcome_message)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	if err := r.db.GetContext(ctx, &a.CreatedAt, query, a.ID, a.UserID, a.Name, a.Description, a.WelcomeMessage); err != nil {
		return fmt.Errorf("ошибка при создании ассистента: %w", err)
	}
	return nil
}

func (r *Repository) GetAssistant(ctx context.Context, id string) (*Assistant, error) {
	query := `
		SELECT id, user_id, name, description, welcome_message, created_at
		FROM assistants
		WHERE id = $1
	`
	var a Assistant
	if err := r.db.GetContext(ctx, &a, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка при получении ассистента %s: %w", id, err)
	}
	return &a, nil
}

func (r *Repository) ListFunctions(ctx context.Context, assistantID string) ([]Function, error) {
	query := `
		SELECT id, assistant_id, name, description, type, api, code, created_at
		FROM assistant_functions
		WHERE assistant_id = $1
		ORDER BY id
	`
	var fns []Function
	if err := r.db.SelectContext(ctx, &fns, query, assistantID); err != nil {
		return nil, fmt.Errorf("ошибка при получении функций ассистента %s: %w", assistantID, err)
	}
	return fns, nil
}

func (r *Repository) CreateFunction(ctx context.Context, fn *Function) error {
	query := `
		INSERT INTO assistant_functions (assistant_id, name, description, type, api, code)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	row := r.db.QueryRowxContext(ctx, query, fn.AssistantID, fn.Name, fn.Description, fn.Type, fn.API, fn.Code)
	if err := row.Scan(&fn.ID, &fn.CreatedAt); err != nil {
		return fmt.Errorf("ошибка при создании функции %s: %w", fn.Name, err)
	}
	return nil
}
