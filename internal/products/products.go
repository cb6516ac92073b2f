package products

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatassistant/internal/search"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

var ErrInvalidProduct = errors.New("название товара обязательно")

type Product struct {
	ID          string         `db:"id" json:"id"`
	UserID      string         `db:"user_id" json:"user_id"`
	AssistantID string         `db:"assistant_id" json:"assistant_id"`
	Name        string         `db:"name" json:"name"`
	Description string         `db:"description" json:"description"`
	Tags        pq.StringArray `db:"tags" json:"tags"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}

type Match struct {
	Product
	Score      int     `json:"score"`
	Similarity float32 `json:"similarity"`
}

type Storage interface {
	ListByUser(ctx context.Context, userID string) ([]Product, error)
	Create(ctx context.Context, p *Product) error
}

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) ListByUser(ctx context.Context, userID string) ([]Product, error) {
	query := `
		SELECT id, user_id, assistant_id, name, description, tags, created_at
		FROM products
		WHERE user_id = $1
		ORDER BY created_at
	`
	var items []Product
	if err := r.db.SelectContext(ctx, &items, query, userID); err != nil {
		return nil, fmt.Errorf("ошибка получения товаров пользователя %s: %w", userID, err)
	}
	return items, nil
}

func (r *Repository) Create(ctx context.Context, p *Product) error {
	query := `
		INSERT INTO products (id, user_id, assistant_id, name, description, tags)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	if p.Tags == nil {
		p.Tags = pq.StringArray{}
	}
	if err := r.db.GetContext(ctx, &p.CreatedAt, query, p.ID, p.UserID, p.AssistantID, p.Name, p.Description, p.Tags); err != nil {
		return fmt.Errorf("ошибка сохранения товара: %w", err)
	}
	return nil
}

type Service struct {
	repo  Storage
	index *search.Index
}

func NewService(repo Storage, index *search.Index) *Service {
	return &Service{repo: repo, index: index}
}

func scope(userID string) string {
	return "products:" + userID
}

func (s *Service) Add(ctx context.Context, p *Product) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return ErrInvalidProduct
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	if err := s.repo.Create(ctx, p); err != nil {
		return err
	}
	s.index.Invalidate(scope(p.UserID))
	logrus.Infof("Товар %s (%s) добавлен пользователю %s", p.ID, p.Name, p.UserID)
	return nil
}

// Search ranks the user's catalogue by name and tags. No match is an empty
// slice.
func (s *Service) Search(ctx context.Context, query, userID string) ([]Match, error) {
	items, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []Match{}, nil
	}

	byID := make(map[string]Product, len(items))
	candidates := make([]search.Candidate, 0, len(items))
	for _, p := range items {
		byID[p.ID] = p
		candidates = append(candidates, search.Candidate{
			ID:      p.ID,
			Content: strings.TrimSpace(p.Name + " " + strings.Join(p.Tags, " ") + " " + p.Description),
			Fields:  [][]string{{p.Name}, p.Tags},
		})
	}

	hits, err := s.index.Search(ctx, scope(userID), query, candidates)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(hits))
	for _, h := range hits {
		matches = append(matches, Match{Product: byID[h.ID], Score: h.Score, Similarity: h.Similarity})
	}
	logrus.Debugf("Поиск товаров %q: %d совпадений", query, len(matches))
	return matches, nil
}

// Names joins match names for the final prompt.
func Names(matches []Match) string {
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m.Name)
	}
	return strings.Join(names, ", ")
}
