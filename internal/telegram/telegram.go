package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatassistant/internal/assistants"
	"chatassistant/internal/conversation"
	"chatassistant/internal/conversation/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrBotNotFound      = errors.New("бот не найден")
	ErrInvalidToken     = errors.New("невалидный токен Telegram бота")
	ErrAlreadyConnected = errors.New("бот с этим токеном уже подключен")
)

// MultimediaText stands in for messages without text or caption.
const MultimediaText = "Mensaje multimedia"

type Storage interface {
	Create(ctx context.Context, b *Bot) error
	Get(ctx context.Context, id string) (*Bot, error)
	FindByToken(ctx context.Context, token string) (*Bot, error)
	List(ctx context.Context) ([]Bot, error)
	Delete(ctx context.Context, id string) error
	Touch(ctx context.Context, id string, at time.Time) error
}

type ChatHandler interface {
	HandleChannelMessage(ctx context.Context, msg conversation.ChannelMessage) (*models.Summary, error)
}

type AssistantSource interface {
	GetAssistant(ctx context.Context, assistantID string) (*assistants.Assistant, error)
}

// Factory opens a Bot API client for a token.
type Factory func(token string) (API, error)

func NewBotAPI(token string) (API, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return bot, nil
}

type Service struct {
	repo       Storage
	registry   *Registry
	chat       ChatHandler
	assistants AssistantSource
	newAPI     Factory
	publicURL  string
	now        func() time.Time
}

func NewService(repo Storage, registry *Registry, chat ChatHandler, assistants AssistantSource, newAPI Factory, publicURL string) *Service {
	if newAPI == nil {
		newAPI = NewBotAPI
	}
	return &Service{
		repo:       repo,
		registry:   registry,
		chat:       chat,
		assistants: assistants,
		newAPI:     newAPI,
		publicURL:  strings.TrimRight(publicURL, "/"),
		now:        time.Now,
	}
}

func (s *Service) WebhookURL(botID string) string {
	return s.publicURL + "/telegram/webhook/" + botID
}

// Connect validates the token, registers the webhook and makes the bot
// available to HandleWebhook.
func (s *Service) Connect(ctx context.Context, token, userID, assistantID string) (*Bot, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	assistant, err := s.assistants.GetAssistant(ctx, assistantID)
	if err != nil {
		return nil, err
	}
	if assistant.UserID != userID {
		return nil, fmt.Errorf("%w: %s", assistants.ErrNotFound, assistantID)
	}

	existing, err := s.repo.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyConnected
	}

	api, err := s.newAPI(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	me, err := api.GetMe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	now := s.now()
	bot := &Bot{
		ID:             uuid.NewString(),
		Token:          token,
		UserID:         userID,
		AssistantID:    assistantID,
		BotUsername:    me.UserName,
		BotName:        me.FirstName,
		ConnectedAt:    now,
		LastActivityAt: now,
	}

	if err := s.setWebhook(api, bot.ID); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, bot); err != nil {
		if s.publicURL != "" {
			if _, derr := api.Request(tgbotapi.DeleteWebhookConfig{}); derr != nil {
				logrus.Warnf("Не удалось удалить вебхук бота %s: %v", bot.ID, derr)
			}
		}
		return nil, err
	}
	s.registry.Add(&Client{Bot: *bot, API: api})

	logrus.Infof("Telegram бот подключен: @%s (%s) -> ассистент %s", bot.BotUsername, bot.ID, assistantID)
	return bot, nil
}

func (s *Service) Disconnect(ctx context.Context, userID, botID string) error {
	bot, err := s.repo.Get(ctx, botID)
	if err != nil {
		return err
	}
	if bot == nil || bot.UserID != userID {
		return fmt.Errorf("%w: %s", ErrBotNotFound, botID)
	}

	if client, ok := s.registry.Get(botID); ok {
		if _, err := client.API.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
			logrus.Warnf("Не удалось удалить вебхук бота %s: %v", botID, err)
		}
	}

	if err := s.repo.Delete(ctx, botID); err != nil {
		return err
	}
	s.registry.Remove(botID)

	logrus.Infof("Telegram бот отключен: %s", botID)
	return nil
}

func (s *Service) List(userID string) []Bot {
	return s.registry.List(userID)
}

// Restore loads every stored bot into the registry. Bots whose token no
// longer works are skipped.
func (s *Service) Restore(ctx context.Context) (int, error) {
	bots, err := s.repo.List(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, bot := range bots {
		api, err := s.newAPI(bot.Token)
		if err != nil {
			logrus.Errorf("Не удалось восстановить бота %s (@%s): %v", bot.ID, bot.BotUsername, err)
			continue
		}
		s.registry.Add(&Client{Bot: bot, API: api})
		restored++
	}

	logrus.Infof("Восстановлено Telegram ботов: %d из %d", restored, len(bots))
	return restored, nil
}

// HandleWebhook runs one inbound update through the assistant and sends the
// reply back to the chat. Turn failures are answered with an apology and are
// not returned.
func (s *Service) HandleWebhook(ctx context.Context, botID string, update tgbotapi.Update) error {
	client, ok := s.registry.Get(botID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBotNotFound, botID)
	}

	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return nil
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		text = MultimediaText
	}

	reply := conversation.ApologyReply
	summary, err := s.chat.HandleChannelMessage(ctx, conversation.ChannelMessage{
		Channel:           models.ChannelTelegram,
		ExternalID:        strconv.FormatInt(msg.Chat.ID, 10),
		UserID:            client.Bot.UserID,
		AssistantID:       client.Bot.AssistantID,
		Text:              text,
		MessageType:       MessageType(msg),
		ExternalMessageID: strconv.Itoa(msg.MessageID),
	})
	if err != nil {
		logrus.Errorf("Ошибка обработки сообщения Telegram (бот %s, чат %d): %v", botID, msg.Chat.ID, err)
	} else {
		reply = summary.LatestAssistantText
	}

	if _, err := client.API.Send(tgbotapi.NewMessage(msg.Chat.ID, reply)); err != nil {
		return fmt.Errorf("ошибка при отправке сообщения: %w", err)
	}

	if err := s.repo.Touch(ctx, botID, s.now()); err != nil {
		logrus.Warnf("Не удалось обновить активность бота %s: %v", botID, err)
	}
	return nil
}

func (s *Service) setWebhook(api API, botID string) error {
	if s.publicURL == "" {
		logrus.Warn("PUBLIC_URL не задан, вебхук Telegram не зарегистрирован")
		return nil
	}

	webhookConfig, err := tgbotapi.NewWebhook(s.WebhookURL(botID))
	if err != nil {
		return fmt.Errorf("ошибка при создании конфига вебхука: %w", err)
	}
	if _, err := api.Request(webhookConfig); err != nil {
		return fmt.Errorf("ошибка при установке вебхука: %w", err)
	}
	return nil
}

// MessageType names the kind of content a Telegram message carries.
func MessageType(msg *tgbotapi.Message) string {
	switch {
	case msg.Text != "":
		return "text"
	case len(msg.Photo) > 0:
		return "photo"
	case msg.Audio != nil:
		return "audio"
	case msg.Voice != nil:
		return "voice"
	case msg.Video != nil:
		return "video"
	case msg.Document != nil:
		return "document"
	case msg.Sticker != nil:
		return "sticker"
	case msg.Location != nil:
		return "location"
	case msg.Contact != nil:
		return "contact"
	}
	return "unknown"
}
