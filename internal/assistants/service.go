package assistants

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"chatassistant/internal/directive"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound          = errors.New("ассистент не найден")
	ErrFunctionNotFound  = errors.New("функция не найдена")
	ErrInvalidFunction   = errors.New("некорректное описание функции")
	ErrFunctionNameTaken = errors.New("функция с таким именем уже существует")
)

const profileTTL = 10 * time.Minute

var functionName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Storage interface {
	CreateAssistant(ctx context.Context, a *Assistant) error
	GetAssistant(ctx context.Context, id string) (*Assistant, error)
	ListFunctions(ctx context.Context, assistantID string) ([]Function, error)
	CreateFunction(ctx context.Context, fn *Function) error
}

type Service struct {
	repo  Storage
	cache *ristretto.Cache[string, *Profile]
}

// NewService caches up to maxProfiles assistant profiles in process.
func NewService(repo Storage, maxProfiles int64) (*Service, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *Profile]{
		NumCounters:        maxProfiles * 10,
		MaxCost:            maxProfiles,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания кэша ассистентов: %w", err)
	}
	return &Service{repo: repo, cache: cache}, nil
}

func (s *Service) Close() {
	s.cache.Close()
}

func (s *Service) CreateAssistant(ctx context.Context, userID, name, description, welcome string) (*Assistant, error) {
	a := &Assistant{
		ID:             uuid.NewString(),
		UserID:         userID,
		Name:           strings.TrimSpace(name),
		Description:    strings.TrimSpace(description),
		WelcomeMessage: welcome,
	}
	if err := s.repo.CreateAssistant(ctx, a); err != nil {
		return nil, err
	}
	logrus.Infof("Создан ассистент %s (%s) для пользователя %s", a.ID, a.Name, userID)
	return a, nil
}

// Profile returns the assistant and its functions, served from cache when
// possible.
func (s *Service) Profile(ctx context.Context, assistantID string) (*Profile, error) {
	if p, ok := s.cache.Get(assistantID); ok {
		return p, nil
	}

	a, err := s.repo.GetAssistant(ctx, assistantID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, assistantID)
	}

	fns, err := s.repo.ListFunctions(ctx, assistantID)
	if err != nil {
		return nil, err
	}

	p := &Profile{Assistant: *a, Functions: fns}
	s.cache.SetWithTTL(assistantID, p, 1, profileTTL)
	return p, nil
}

func (s *Service) GetAssistant(ctx context.Context, assistantID string) (*Assistant, error) {
	p, err := s.Profile(ctx, assistantID)
	if err != nil {
		return nil, err
	}
	a := p.Assistant
	return &a, nil
}

func (s *Service) ListFunctions(ctx context.Context, assistantID string) ([]Function, error) {
	p, err := s.Profile(ctx, assistantID)
	if err != nil {
		return nil, err
	}
	return p.Functions, nil
}

// FindFunction looks a function up by case-insensitive name, scoped to the
// owning user and assistant.
func (s *Service) FindFunction(ctx context.Context, userID, assistantID, name string) (*Function, error) {
	p, err := s.Profile(ctx, assistantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
		}
		return nil, err
	}
	if p.Assistant.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}

	for i := range p.Functions {
		if strings.EqualFold(p.Functions[i].Name, name) {
			fn := p.Functions[i]
			return &fn, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
}

func (s *Service) AddFunction(ctx context.Context, userID string, fn *Function) error {
	if err := validateFunction(fn); err != nil {
		return err
	}

	p, err := s.Profile(ctx, fn.AssistantID)
	if err != nil {
		return err
	}
	if p.Assistant.UserID != userID {
		return fmt.Errorf("%w: %s", ErrNotFound, fn.AssistantID)
	}
	for _, existing := range p.Functions {
		if strings.EqualFold(existing.Name, fn.Name) {
			return fmt.Errorf("%w: %s", ErrFunctionNameTaken, fn.Name)
		}
	}

	if err := s.repo.CreateFunction(ctx, fn); err != nil {
		return err
	}
	s.cache.Del(fn.AssistantID)
	logrus.Infof("Функция %s (%s) добавлена ассистенту %s", fn.Name, fn.Type, fn.AssistantID)
	return nil
}

func validateFunction(fn *Function) error {
	fn.Name = strings.TrimSpace(fn.Name)
	if fn.Name == "" {
		return fmt.Errorf("%w: пустое имя", ErrInvalidFunction)
	}
	if !functionName.MatchString(fn.Name) {
		return fmt.Errorf("%w: имя %q должно состоять из латинских букв, цифр и _", ErrInvalidFunction, fn.Name)
	}
	if directive.IsReserved(strings.ToUpper(fn.Name)) {
		return fmt.Errorf("%w: имя %q зарезервировано", ErrInvalidFunction, fn.Name)
	}

	switch fn.Type {
	case FunctionAPI:
		if fn.API == nil || fn.API.URL == "" {
			return fmt.Errorf("%w: для api-функции нужен url", ErrInvalidFunction)
		}
		if fn.API.Method == "" {
			fn.API.Method = "GET"
		}
		fn.API.Method = strings.ToUpper(fn.API.Method)
	case FunctionCustom:
		fn.API = nil
	default:
		return fmt.Errorf("%w: неизвестный тип %q", ErrInvalidFunction, fn.Type)
	}
	return nil
}
