package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"chatassistant/internal/assistants"
	"chatassistant/internal/auth"
	"chatassistant/internal/conversation"
	"chatassistant/internal/conversation/models"
	"chatassistant/internal/faqs"
	"chatassistant/internal/products"
	"chatassistant/internal/telegram"

	"github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

type Conversations interface {
	StartConversation(ctx context.Context, userID, assistantID, firstMessage string) (*models.Summary, error)
	ContinueConversation(ctx context.Context, conversationID, assistantID string, role models.Role, content string) (*models.Summary, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
}

type Assistants interface {
	CreateAssistant(ctx context.Context, userID, name, description, welcome string) (*assistants.Assistant, error)
	GetAssistant(ctx context.Context, assistantID string) (*assistants.Assistant, error)
	AddFunction(ctx context.Context, userID string, fn *assistants.Function) error
}

type Knowledge interface {
	Add(ctx context.Context, f *faqs.FAQ) error
}

type Catalog interface {
	Add(ctx context.Context, p *products.Product) error
}

type Bots interface {
	Connect(ctx context.Context, token, userID, assistantID string) (*telegram.Bot, error)
	Disconnect(ctx context.Context, userID, botID string) error
	List(userID string) []telegram.Bot
	HandleWebhook(ctx context.Context, botID string, update tgbotapi.Update) error
}

type Handler struct {
	conversations Conversations
	assistants    Assistants
	knowledge     Knowledge
	catalog       Catalog
	bots          Bots
}

func NewHandler(conversations Conversations, assistants Assistants, knowledge Knowledge, catalog Catalog, bots Bots) *Handler {
	return &Handler{
		conversations: conversations,
		assistants:    assistants,
		knowledge:     knowledge,
		catalog:       catalog,
		bots:          bots,
	}
}

type StartConversationRequest struct {
	AssistantID string `json:"assistant_id"`
	Message     string `json:"message"`
}

type ContinueConversationRequest struct {
	AssistantID string      `json:"assistant_id"`
	Role        models.Role `json:"role"`
	Content     string      `json:"content"`
}

type CreateAssistantRequest struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	WelcomeMessage string `json:"welcome_message"`
}

type CreateFunctionRequest struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	Type        assistants.FunctionType `json:"type"`
	API         *assistants.APIConfig   `json:"api,omitempty"`
	Code        string                  `json:"code,omitempty"`
}

type CreateFAQRequest struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Category string `json:"category"`
}

type CreateProductRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

type ConnectBotRequest struct {
	Token       string `json:"token"`
	AssistantID string `json:"assistant_id"`
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Пользователь не авторизован")
	}
	return id, ok
}

func (h *Handler) StartConversationHandler(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[StartConversationRequest](w, r)
	if !ok {
		return
	}
	if req.AssistantID == "" {
		writeError(w, http.StatusBadRequest, "assistant_id обязателен")
		return
	}

	summary, err := h.conversations.StartConversation(r.Context(), uid, req.AssistantID, req.Message)
	if err != nil {
		writeDomainError(w, err, true)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (h *Handler) ContinueConversationHandler(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[ContinueConversationRequest](w, r)
	if !ok {
		return
	}
	if req.Role == "" {
		req.Role = models.RoleUser
	}

	id := chi.URLParam(r, "id")
	if _, err := h.ownedConversation(r.Context(), uid, id); err != nil {
		writeDomainError(w, err, false)
		return
	}

	summary, err := h.conversations.ContinueConversation(r.Context(), id, req.AssistantID, req.Role, req.Content)
	if err != nil {
		writeDomainError(w, err, true)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	conv, err := h.ownedConversation(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) ownedConversation(ctx context.Context, uid, id string) (*models.Conversation, error) {
	conv, err := h.conversations.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.UserID != uid {
		return nil, fmt.Errorf("%w: %s", conversation.ErrNotFound, id)
	}
	return conv, nil
}

func (h *Handler) CreateAssistantHandler(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[CreateAssistantRequest](w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "Имя ассистента обязательно")
		return
	}

	a, err := h.assistants.CreateAssistant(r.Context(), uid, req.Name, req.Description, req.WelcomeMessage)
	if err != nil {
		writeDomainError(w, err, false)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) CreateFunctionHandler(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[CreateFunctionRequest](w, r)
	if !ok {
		return
	}

	fn := &assistants.Function{
		AssistantID: chi.URLParam(r, "id"),
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		API:         req.API,
		Code:        req.Code,
	}
	if err := h.assistants.AddFunction(r.Context(), uid, fn); err != nil {
		writeDomainError(w, err, false)
		return
	}
	writeJSON(w, http.StatusCreated, fn)
}

func (h *Handler) CreateFAQHandler(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[CreateFAQRequest](w, r)
	if !ok {
		return
	}

	assistantID := chi.URLParam(r, "id")
	if err := h.ownedAssistant(r.Context(), uid, assistantID); err != nil {
		writeDomainError(w, err, false)
		return
	}

	f := &faqs.FAQ{
		UserID:      uid,
		AssistantID: assistantID,
		Question:    req.Question,
		Answer:      req.Answer,
		Category:    req.Category,
	}
	if err := h.knowledge.Add(r.Context(), f); err != nil {
		writeDomainError(w, err, false)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (h *Handler) CreateProductHandler(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[CreateProductRequest](w, r)
	if !ok {
		return
	}

	assistantID := chi.URLParam(r, "id")
	if err := h.ownedAssistant(r.Context(), uid, assistantID); err != nil {
		writeDomainError(w, err, false)
		return
	}

	p := &products.Product{
		UserID:      uid,
		AssistantID: assistantID,
		Name:        req.Name,
		Description: req.Description,
		Tags:        pq.StringArray(req.Tags),
	}
	if err := h.catalog.Add(r.Context(), p); err != nil {
		writeDomainError(w, err, false)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) ownedAssistant(ctx context.Context, uid, assistantID string) error {
	a, err := h.assistants.GetAssistant(ctx, assistantID)
	if err != nil {
		return err
	}
	if a.UserID != uid {
		return fmt.Errorf("%w: %s", assistants.ErrNotFound, assistantID)
	}
	return nil
}

func (h *Handler) ListBotsHandler(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.bots.List(uid))
}

func (h *Handler) ConnectBotHandler(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[ConnectBotRequest](w, r)
	if !ok {
		return
	}
	if req.Token == "" || req.AssistantID == "" {
		writeError(w, http.StatusBadRequest, "token и assistant_id обязательны")
		return
	}

	bot, err := h.bots.Connect(r.Context(), req.Token, uid, req.AssistantID)
	if err != nil {
		writeDomainError(w, err, false)
		return
	}
	writeJSON(w, http.StatusCreated, bot)
}

func (h *Handler) DisconnectBotHandler(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	if err := h.bots.Disconnect(r.Context(), uid, chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err, false)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TelegramWebhookHandler always answers 200 for known bots so Telegram does
// not redeliver updates whose turn failed.
func (h *Handler) TelegramWebhookHandler(w http.ResponseWriter, r *http.Request) {
	update, ok := readJSON[tgbotapi.Update](w, r)
	if !ok {
		return
	}

	botID := chi.URLParam(r, "botID")
	if err := h.bots.HandleWebhook(r.Context(), botID, update); err != nil {
		if errors.Is(err, telegram.ErrBotNotFound) {
			writeDomainError(w, err, false)
			return
		}
		logrus.Errorf("Ошибка при обработке обновления бота %s: %v", botID, err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
