package faqs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatassistant/internal/search"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

var ErrInvalidFAQ = errors.New("вопрос и ответ обязательны")

type FAQ struct {
	ID          string    `db:"id" json:"id"`
	UserID      string    `db:"user_id" json:"user_id"`
	AssistantID string    `db:"assistant_id" json:"assistant_id"`
	Question    string    `db:"question" json:"question"`
	Answer      string    `db:"answer" json:"answer"`
	Category    string    `db:"category" json:"category"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

type Match struct {
	FAQ
	Score      int     `json:"score"`
	Similarity float32 `json:"similarity"`
}

type Storage interface {
	List(ctx context.Context, userID, assistantID string) ([]FAQ, error)
	Create(ctx context.Context, f *FAQ) error
}

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) List(ctx context.Context, userID, assistantID string) ([]FAQ, error) {
	query := `
		SELECT id, user_id, assistant_id, question, answer, category, created_at
		FROM faqs
		WHERE user_id = $1 AND assistant_id = $2
		ORDER BY created_at
	`
	var items []FAQ
	if err := r.db.SelectContext(ctx, &items, query, userID, assistantID); err != nil {
		return nil, fmt.Errorf("ошибка получения FAQ: %w", err)
	}
	return items, nil
}

func (r *Repository) Create(ctx context.Context, f *FAQ) error {
	query := `
		INSERT INTO faqs (id, user_id, assistant_id, question, answer, category)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	if err := r.db.GetContext(ctx, &f.CreatedAt, query, f.ID, f.UserID, f.AssistantID, f.Question, f.Answer, f.Category); err != nil {
		return fmt.Errorf("ошибка сохранения FAQ: %w", err)
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

func scope(userID, assistantID string) string {
	return "faqs:" + userID + ":" + assistantID
}

func (s *Service) Add(ctx context.Context, f *FAQ) error {
	f.Question = strings.TrimSpace(f.Question)
	f.Answer = strings.TrimSpace(f.Answer)
	if f.Question == "" || f.Answer == "" {
		return ErrInvalidFAQ
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	if err := s.repo.Create(ctx, f); err != nil {
		return err
	}
	s.index.Invalidate(scope(f.UserID, f.AssistantID))
	logrus.Infof("FAQ %s добавлен ассистенту %s", f.ID, f.AssistantID)
	return nil
}

// Search returns up to ten FAQs ranked for query. No match is an empty slice.
func (s *Service) Search(ctx context.Context, query, userID, assistantID string) ([]Match, error) {
	items, err := s.repo.List(ctx, userID, assistantID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []Match{}, nil
	}

	byID := make(map[string]FAQ, len(items))
	candidates := make([]search.Candidate, 0, len(items))
	for _, f := range items {
		byID[f.ID] = f
		candidates = append(candidates, search.Candidate{
			ID:      f.ID,
			Content: f.Question + "\n" + f.Answer,
			Fields:  [][]string{{f.Question}, {f.Category}},
		})
	}

	hits, err := s.index.Search(ctx, scope(userID, assistantID), query, candidates)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(hits))
	for _, h := range hits {
		matches = append(matches, Match{FAQ: byID[h.ID], Score: h.Score, Similarity: h.Similarity})
	}
	logrus.Debugf("Поиск FAQ %q: %d совпадений", query, len(matches))
	return matches, nil
}
