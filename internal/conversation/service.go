package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatassistant/internal/assistants"
	"chatassistant/internal/chatgpt"
	"chatassistant/internal/conversation/models"
	"chatassistant/internal/directive"
	"chatassistant/internal/faqs"
	"chatassistant/internal/functions"
	"chatassistant/internal/memory"
	"chatassistant/internal/metrics"
	"chatassistant/internal/products"
	"chatassistant/internal/prompt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Stage is a step of a conversation turn.
type Stage string

const (
	StageAnalyzing   Stage = "ANALYZING"
	StageDispatching Stage = "DISPATCHING"
	StageFinalizing  Stage = "FINALIZING"
	StagePersisted   Stage = "PERSISTED"
)

// EmptyReply is sent when the model answered with tags only.
const EmptyReply = "Lo siento, no pude generar una respuesta. ¿Podrías reformular tu pregunta?"

// ApologyReply is what channels show the user when a turn fails.
const ApologyReply = "Lo siento, ocurrió un error al procesar tu mensaje. Por favor, inténtalo de nuevo más tarde."

type Predictor interface {
	Predict(ctx context.Context, prompt string) (*chatgpt.Prediction, error)
}

type KnowledgeResolver interface {
	Search(ctx context.Context, query, userID, assistantID string) ([]faqs.Match, error)
}

type CatalogResolver interface {
	Search(ctx context.Context, query, userID string) ([]products.Match, error)
}

type ActionExecutor interface {
	Execute(ctx context.Context, name string, params []string, userID, assistantID string) functions.Result
}

type AssistantSource interface {
	GetAssistant(ctx context.Context, assistantID string) (*assistants.Assistant, error)
	ListFunctions(ctx context.Context, assistantID string) ([]assistants.Function, error)
}

type Store interface {
	Create(ctx context.Context, c *models.Conversation) error
	Get(ctx context.Context, id string) (*models.Conversation, error)
	FindByChannel(ctx context.Context, channel models.Channel, assistantID, externalID string) (*models.Conversation, error)
	AppendTurn(ctx context.Context, id string, msgs []models.Message, inputTokens, outputTokens int64, at time.Time) error
	DeleteInactive(ctx context.Context, before time.Time) (int64, error)
}

// ChannelMessage is an inbound message from a messaging channel, identified
// by the channel's own chat id.
type ChannelMessage struct {
	Channel           models.Channel
	ExternalID        string
	UserID            string
	AssistantID       string
	Text              string
	MessageType       string
	ExternalMessageID string
}

type Deps struct {
	Store      Store
	LLM        Predictor
	Knowledge  KnowledgeResolver
	Catalog    CatalogResolver
	Actions    ActionExecutor
	Assistants AssistantSource
	Metrics    *metrics.Metrics
}

type Service struct {
	store      Store
	llm        Predictor
	knowledge  KnowledgeResolver
	catalog    CatalogResolver
	actions    ActionExecutor
	assistants AssistantSource
	metrics    *metrics.Metrics

	locks          *KeyedLocker
	predictTimeout time.Duration
	actionTimeout  time.Duration
	now            func() time.Time
}

func NewService(deps Deps, predictTimeout, actionTimeout time.Duration) *Service {
	return &Service{
		store:          deps.Store,
		llm:            deps.LLM,
		knowledge:      deps.Knowledge,
		catalog:        deps.Catalog,
		actions:        deps.Actions,
		assistants:     deps.Assistants,
		metrics:        deps.Metrics,
		locks:          NewKeyedLocker(),
		predictTimeout: predictTimeout,
		actionTimeout:  actionTimeout,
		now:            time.Now,
	}
}

type inbound struct {
	role              models.Role
	text              string
	messageType       string
	externalMessageID string
}

type turn struct {
	messages     []models.Message
	inputTokens  int64
	outputTokens int64
	reply        string
}

func (s *Service) StartConversation(ctx context.Context, userID, assistantID, firstMessage string) (*models.Summary, error) {
	firstMessage = strings.TrimSpace(firstMessage)
	if firstMessage == "" {
		return nil, ErrEmptyMessage
	}

	conv := s.newConversation(userID, assistantID, models.ChannelWeb, "")
	unlock := s.locks.Lock(conv.ID)
	defer unlock()

	return s.startTurn(ctx, conv, inbound{role: models.RoleUser, text: firstMessage})
}

// ContinueConversation adds one turn. A user message runs the full model
// pipeline; an assistant message is stored as a manual reply.
func (s *Service) ContinueConversation(ctx context.Context, conversationID, assistantID string, role models.Role, content string) (*models.Summary, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if role != models.RoleUser && role != models.RoleAssistant {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if assistantID != "" && assistantID != conv.AssistantID {
		return nil, fmt.Errorf("%w: %s не принадлежит ассистенту %s", ErrNotFound, conversationID, assistantID)
	}

	return s.continueTurn(ctx, conv, inbound{role: role, text: content, messageType: models.MessageTypeText})
}

// HandleChannelMessage finds or creates the conversation bound to the
// channel identity (channel, assistant, chat) and runs a turn on it. Messages from one channel identity
// are processed one at a time.
func (s *Service) HandleChannelMessage(ctx context.Context, msg ChannelMessage) (*models.Summary, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	in := inbound{role: models.RoleUser, text: text, messageType: msg.MessageType, externalMessageID: msg.ExternalMessageID}

	unlockChannel := s.locks.Lock(channelKey(msg.Channel, msg.AssistantID, msg.ExternalID))
	defer unlockChannel()

	existing, err := s.store.FindByChannel(ctx, msg.Channel, msg.AssistantID, msg.ExternalID)
	if errors.Is(err, ErrNotFound) {
		conv := s.newConversation(msg.UserID, msg.AssistantID, msg.Channel, msg.ExternalID)
		unlock := s.locks.Lock(conv.ID)
		defer unlock()
		return s.startTurn(ctx, conv, in)
	}
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(existing.ID)
	defer unlock()

	conv, err := s.store.Get(ctx, existing.ID)
	if err != nil {
		return nil, err
	}
	return s.continueTurn(ctx, conv, in)
}

func (s *Service) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	return s.store.Get(ctx, id)
}

func channelKey(channel models.Channel, assistantID, externalID string) string {
	return "channel:" + string(channel) + ":" + assistantID + ":" + externalID
}

func (s *Service) newConversation(userID, assistantID string, channel models.Channel, externalID string) *models.Conversation {
	now := s.now()
	return &models.Conversation{
		ID:             uuid.NewString(),
		UserID:         userID,
		AssistantID:    assistantID,
		Channel:        channel,
		ExternalID:     externalID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func (s *Service) startTurn(ctx context.Context, conv *models.Conversation, in inbound) (*models.Summary, error) {
	assistant, err := s.assistants.GetAssistant(ctx, conv.AssistantID)
	if err != nil {
		return nil, err
	}
	if assistant.UserID != conv.UserID {
		return nil, fmt.Errorf("%w: %s", assistants.ErrNotFound, conv.AssistantID)
	}

	t, err := s.runTurn(ctx, conv, assistant, in)
	if err != nil {
		return nil, err
	}

	conv.Messages = t.messages
	conv.InputTokens = t.inputTokens
	conv.OutputTokens = t.outputTokens
	conv.LastActivityAt = t.messages[len(t.messages)-1].CreatedAt

	if err := s.store.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("ошибка сохранения разговора: %w", err)
	}
	s.logStage(conv, StagePersisted).Infof("Создан разговор (%s)", conv.Channel)

	return &models.Summary{
		ConversationID:      conv.ID,
		LatestAssistantText: t.reply,
		TotalMessageCount:   len(conv.Messages),
		TokenUsage:          models.TokenUsage{Input: conv.InputTokens, Output: conv.OutputTokens},
	}, nil
}

func (s *Service) continueTurn(ctx context.Context, conv *models.Conversation, in inbound) (*models.Summary, error) {
	var t *turn
	if in.role == models.RoleAssistant {
		t = s.manualReply(in)
	} else {
		assistant, err := s.assistants.GetAssistant(ctx, conv.AssistantID)
		if err != nil {
			return nil, err
		}
		t, err = s.runTurn(ctx, conv, assistant, in)
		if err != nil {
			return nil, err
		}
	}

	at := t.messages[len(t.messages)-1].CreatedAt
	if err := s.store.AppendTurn(ctx, conv.ID, t.messages, t.inputTokens, t.outputTokens, at); err != nil {
		return nil, fmt.Errorf("ошибка сохранения хода разговора: %w", err)
	}
	s.logStage(conv, StagePersisted).Debugf("Добавлено %d сообщений", len(t.messages))

	return &models.Summary{
		ConversationID:      conv.ID,
		LatestAssistantText: t.reply,
		TotalMessageCount:   len(conv.Messages) + len(t.messages),
		TokenUsage: models.TokenUsage{
			Input:  conv.InputTokens + t.inputTokens,
			Output: conv.OutputTokens + t.outputTokens,
		},
	}, nil
}

func (s *Service) manualReply(in inbound) *turn {
	return &turn{
		messages: []models.Message{{
			Role:          models.RoleAssistant,
			Content:       in.text,
			ImportantInfo: directive.BuildEnvelope(memory.FallbackSummary, nil),
			MessageType:   models.MessageTypeText,
			CreatedAt:     s.now(),
		}},
		reply: in.text,
	}
}

// runTurn performs the two model calls and the directive dispatch between
// them. Nothing is persisted here.
func (s *Service) runTurn(ctx context.Context, conv *models.Conversation, assistant *assistants.Assistant, in inbound) (*turn, error) {
	started := s.now()
	messageType := in.messageType
	if messageType == "" {
		messageType = models.MessageTypeText
	}
	userMsg := models.Message{
		Role:              models.RoleUser,
		Content:           in.text,
		MessageType:       messageType,
		ExternalMessageID: in.externalMessageID,
		CreatedAt:         started,
	}

	s.logStage(conv, StageAnalyzing).Debugf("Анализ сообщения: %s", in.text)
	var memoryContext string
	if len(conv.Messages) > 0 {
		memoryContext = memory.Compact(conv.Messages)
	}

	analysis, err := s.predict(ctx, prompt.BuildAnalysisPrompt(prompt.AnalysisInput{
		AssistantName:        assistant.Name,
		AssistantDescription: assistant.Description,
		Functions:            s.promptFunctions(ctx, assistant.ID),
		MemoryContext:        memoryContext,
		UserMessage:          in.text,
	}))
	if err != nil {
		s.metrics.ObserveTurn(metrics.OutcomeError, started)
		s.logStage(conv, StageAnalyzing).Errorf("Ошибка анализа: %v", err)
		return nil, err
	}

	s.logStage(conv, StageDispatching).Debugf("Ответ анализа: %s", analysis.Text)
	gathered, traces := s.dispatch(ctx, conv, analysis.Text)

	s.logStage(conv, StageFinalizing).Debugf("Выполнено директив: %d", len(traces))
	final, err := s.predict(ctx, prompt.BuildFinalPrompt(prompt.FinalInput{
		AssistantName:        assistant.Name,
		AssistantDescription: assistant.Description,
		MemoryContext:        memoryContext,
		UserMessage:          in.text,
		Gathered:             gathered,
	}))
	if err != nil {
		s.metrics.ObserveTurn(metrics.OutcomeError, started)
		s.logStage(conv, StageFinalizing).Errorf("Ошибка финального ответа: %v", err)
		return nil, err
	}

	reply := directive.Clean(final.Text)
	if reply == "" {
		reply = EmptyReply
	}

	info := directive.ExtractImportantInfo(final.Text)
	if memory.Summarize(info) == memory.FallbackSummary {
		info = directive.ExtractImportantInfo(analysis.Text)
	}

	assistantMsg := models.Message{
		Role:          models.RoleAssistant,
		Content:       reply,
		ImportantInfo: directive.BuildEnvelope(memory.Summarize(info), traces),
		MessageType:   models.MessageTypeText,
		CreatedAt:     s.now(),
	}

	s.metrics.ObserveTurn(metrics.OutcomeOK, started)
	return &turn{
		messages:     []models.Message{userMsg, assistantMsg},
		inputTokens:  int64(analysis.InputTokens + final.InputTokens),
		outputTokens: int64(analysis.OutputTokens + final.OutputTokens),
		reply:        reply,
	}, nil
}

func (s *Service) predict(ctx context.Context, p string) (*chatgpt.Prediction, error) {
	if s.predictTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.predictTimeout)
		defer cancel()
	}

	pred, err := s.llm.Predict(ctx, p)
	if err != nil {
		var ce *chatgpt.CompletionError
		if !errors.As(err, &ce) {
			err = &chatgpt.CompletionError{Err: err}
		}
		return nil, err
	}
	s.metrics.AddTokens(pred.InputTokens, pred.OutputTokens)
	return pred, nil
}

func (s *Service) promptFunctions(ctx context.Context, assistantID string) []prompt.Function {
	fns, err := s.assistants.ListFunctions(ctx, assistantID)
	if err != nil {
		logrus.Warnf("Не удалось получить функции ассистента %s: %v", assistantID, err)
		return nil
	}

	out := make([]prompt.Function, 0, len(fns))
	for _, fn := range fns {
		out = append(out, prompt.Function{
			Name:        fn.Name,
			Description: fn.Description,
			Type:        string(fn.Type),
			Parameters:  fn.ParameterNames(),
		})
	}
	return out
}

var traceErrorReplacer = strings.NewReplacer("[", "(", "]", ")")

// dispatch runs FAQ, SEARCH and the first custom directive concurrently and
// waits for all of them. Traces are returned in FAQ, SEARCH, custom order.
func (s *Service) dispatch(ctx context.Context, conv *models.Conversation, analysis string) (prompt.Gathered, []string) {
	faqQuery, hasFAQ := directive.FindDirective(analysis, directive.FAQ)
	searchQuery, hasSearch := directive.FindDirective(analysis, directive.Search)
	custom, hasCustom := directive.FindFirstCustom(analysis)

	var (
		g            prompt.Gathered
		customResult functions.Result
		eg           errgroup.Group
	)

	if hasFAQ {
		eg.Go(func() error {
			actx, cancel := s.actionContext(ctx)
			defer cancel()
			g.FAQInfo = s.resolveFAQ(actx, conv, faqQuery)
			return nil
		})
	}
	if hasSearch {
		eg.Go(func() error {
			actx, cancel := s.actionContext(ctx)
			defer cancel()
			g.ProductsList = s.resolveProducts(actx, conv, searchQuery)
			return nil
		})
	}
	if hasCustom {
		eg.Go(func() error {
			actx, cancel := s.actionContext(ctx)
			defer cancel()
			customResult = s.actions.Execute(actx, custom.Name, custom.Params, conv.UserID, conv.AssistantID)
			s.metrics.Action("CUSTOM", customResult.Success)
			return nil
		})
	}
	// Resolvers always return nil; their failures are recorded in g and customResult.
	_ = eg.Wait()

	var traces []string
	if hasFAQ {
		traces = append(traces, directive.Trace(directive.FAQ, []string{faqQuery}))
	}
	if hasSearch {
		traces = append(traces, directive.Trace(directive.Search, []string{searchQuery}))
	}
	if hasCustom {
		trace := directive.Trace(custom.Name, custom.Params)
		if !customResult.Success {
			trace += " (error: " + traceErrorReplacer.Replace(customResult.Error) + ")"
		}
		traces = append(traces, trace)
		g.FunctionResults = []functions.Result{customResult}
	}
	return g, traces
}

func (s *Service) actionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.actionTimeout > 0 {
		return context.WithTimeout(ctx, s.actionTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Service) resolveFAQ(ctx context.Context, conv *models.Conversation, query string) string {
	matches, err := s.knowledge.Search(ctx, query, conv.UserID, conv.AssistantID)
	s.metrics.Action(directive.FAQ, err == nil)
	if err != nil {
		s.logStage(conv, StageDispatching).Warnf("Ошибка поиска FAQ %q: %v", query, err)
		return prompt.NoFAQFound
	}
	if len(matches) == 0 {
		return prompt.NoFAQFound
	}
	return matches[0].Answer
}

func (s *Service) resolveProducts(ctx context.Context, conv *models.Conversation, query string) string {
	matches, err := s.catalog.Search(ctx, query, conv.UserID)
	s.metrics.Action(directive.Search, err == nil)
	if err != nil {
		s.logStage(conv, StageDispatching).Warnf("Ошибка поиска товаров %q: %v", query, err)
		return prompt.NoProductsFound
	}
	if len(matches) == 0 {
		return prompt.NoProductsFound
	}
	return products.Names(matches)
}

func (s *Service) logStage(conv *models.Conversation, stage Stage) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"assistant_id":    conv.AssistantID,
		"stage":           stage,
	})
}
