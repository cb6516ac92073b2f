package chatgpt

import (
	"context"
	"errors"
	"fmt"

	"chatassistant/pkg/config"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

const maxEmbeddingBatch = 100

var ErrEmptyResponse = errors.New("нет ответа от OpenAI")

// CompletionError is fatal to a conversation turn.
type CompletionError struct {
	Err error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("ошибка запроса к модели: %v", e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

type Prediction struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

type Service struct {
	client         *openai.Client
	model          string
	embeddingModel string
}

func NewService(cfg *config.Config) *Service {
	clientCfg := openai.DefaultConfig(cfg.OpenAIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = cfg.OpenAIBaseURL
	}

	return &Service{
		client:         openai.NewClientWithConfig(clientCfg),
		model:          cfg.OpenAIModel,
		embeddingModel: cfg.EmbeddingModel,
	}
}

// Predict sends a single-message completion request.
func (s *Service) Predict(ctx context.Context, prompt string) (*Prediction, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		logrus.Errorf("Ошибка при запросе к OpenAI: %v", err)
		return nil, &CompletionError{Err: err}
	}

	if len(resp.Choices) == 0 {
		return nil, &CompletionError{Err: ErrEmptyResponse}
	}

	logrus.Debugf("OpenAI: %d входных и %d выходных токенов", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return &Prediction{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += maxEmbeddingBatch {
		end := min(i+maxEmbeddingBatch, len(texts))
		batch := texts[i:end]

		resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: batch,
			Model: openai.EmbeddingModel(s.embeddingModel),
		})
		if err != nil {
			return nil, fmt.Errorf("ошибка получения эмбеддингов: %w", err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("OpenAI вернул %d эмбеддингов, ожидалось %d", len(resp.Data), len(batch))
		}

		for _, d := range resp.Data {
			vectors = append(vectors, d.Embedding)
		}
	}
	return vectors, nil
}
