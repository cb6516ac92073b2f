package conversation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatassistant/internal/assistants"
	"chatassistant/internal/chatgpt"
	"chatassistant/internal/conversation/models"
	"chatassistant/internal/faqs"
	"chatassistant/internal/products"
)

const analysisMarker = "RESPUESTA (SOLO EL FORMATO REQUERIDO)"

var currentMessage = regexp.MustCompile(`MENSAJE ACTUAL DEL USUARIO: "(.*)"`)

type memStore struct {
	mu    sync.Mutex
	convs map[string]*models.Conversation
}

func newMemStore() *memStore {
	return &memStore{convs: map[string]*models.Conversation{}}
}

func clone(c *models.Conversation) *models.Conversation {
	cp := *c
	cp.Messages = append([]models.Message(nil), c.Messages...)
	return &cp
}

func (m *memStore) Create(_ context.Context, c *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[c.ID] = clone(c)
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(c), nil
}

func (m *memStore) FindByChannel(_ context.Context, channel models.Channel, assistantID, externalID string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.convs {
		if c.Channel == channel && c.AssistantID == assistantID && c.ExternalID == externalID {
			return clone(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) AppendTurn(_ context.Context, id string, msgs []models.Message, in, out int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.Messages = append(c.Messages, msgs...)
	c.InputTokens += in
	c.OutputTokens += out
	if at.After(c.LastActivityAt) {
		c.LastActivityAt = at
	}
	return nil
}

func (m *memStore) DeleteInactive(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.convs {
		if c.LastActivityAt.Before(before) {
			delete(m.convs, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) conversation(id string) *models.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[id]; ok {
		return clone(c)
	}
	return nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs)
}

// scriptedLLM answers analysis prompts with analysis() and final prompts with
// final(). It records every prompt and the peak number of concurrent calls.
type scriptedLLM struct {
	analysis func(userMessage string) string
	final    func(userMessage string) string
	fail     func(isAnalysis bool) error
	delay    time.Duration

	mu      sync.Mutex
	prompts []string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (s *scriptedLLM) Predict(ctx context.Context, p string) (*chatgpt.Prediction, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxInFlight.Load()
		if n <= m || s.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	s.mu.Lock()
	s.prompts = append(s.prompts, p)
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	isAnalysis := strings.Contains(p, analysisMarker)
	if s.fail != nil {
		if err := s.fail(isAnalysis); err != nil {
			return nil, err
		}
	}

	user := ""
	if isAnalysis {
		if m := regexp.MustCompile(`PREGUNTA DEL USUARIO: "(.*)"`).FindStringSubmatch(p); m != nil {
			user = m[1]
		}
		return &chatgpt.Prediction{Text: s.analysis(user), InputTokens: 10, OutputTokens: 2}, nil
	}
	if m := currentMessage.FindStringSubmatch(p); m != nil {
		user = m[1]
	}
	return &chatgpt.Prediction{Text: s.final(user), InputTokens: 20, OutputTokens: 5}, nil
}

func (s *scriptedLLM) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

func (s *scriptedLLM) lastFinalPrompt() string {
	prompts := s.calls()
	for i := len(prompts) - 1; i >= 0; i-- {
		if !strings.Contains(prompts[i], analysisMarker) {
			return prompts[i]
		}
	}
	return ""
}

func (s *scriptedLLM) firstAnalysisPrompt(contains string) string {
	for _, p := range s.calls() {
		if strings.Contains(p, analysisMarker) && strings.Contains(p, contains) {
			return p
		}
	}
	return ""
}

type fakeAssistants struct {
	assistants map[string]assistants.Assistant
	functions  map[string][]assistants.Function
}

func (f *fakeAssistants) GetAssistant(_ context.Context, id string) (*assistants.Assistant, error) {
	a, ok := f.assistants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", assistants.ErrNotFound, id)
	}
	return &a, nil
}

func (f *fakeAssistants) ListFunctions(_ context.Context, id string) ([]assistants.Function, error) {
	return f.functions[id], nil
}

func (f *fakeAssistants) FindFunction(_ context.Context, userID, assistantID, name string) (*assistants.Function, error) {
	a, ok := f.assistants[assistantID]
	if !ok || a.UserID != userID {
		return nil, fmt.Errorf("%w: %s", assistants.ErrFunctionNotFound, name)
	}
	for _, fn := range f.functions[assistantID] {
		if strings.EqualFold(fn.Name, name) {
			return &fn, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", assistants.ErrFunctionNotFound, name)
}

type fakeKnowledge struct {
	mu      sync.Mutex
	queries []string
	matches []faqs.Match
	err     error
}

func (f *fakeKnowledge) Search(_ context.Context, query, userID, assistantID string) ([]faqs.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return f.matches, f.err
}

type fakeCatalog struct {
	mu      sync.Mutex
	queries []string
	matches []products.Match
	err     error
}

func (f *fakeCatalog) Search(_ context.Context, query, userID string) ([]products.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return f.matches, f.err
}
