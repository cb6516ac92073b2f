package telegram

import (
	"sort"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// API is the subset of *tgbotapi.BotAPI used here.
type API interface {
	GetMe() (tgbotapi.User, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client is a connected bot with its API handle.
type Client struct {
	Bot Bot
	API API
}

// Registry holds the bots that can currently receive webhooks, keyed by bot id.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Bot.ID] = c
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; !ok {
		return false
	}
	delete(r.clients, id)
	return true
}

func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// List returns the connected bots of userID, or all bots when userID is empty.
func (r *Registry) List(userID string) []Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bots := make([]Bot, 0, len(r.clients))
	for _, c := range r.clients {
		if userID == "" || c.Bot.UserID == userID {
			bots = append(bots, c.Bot)
		}
	}
	sort.Slice(bots, func(i, j int) bool {
		return bots[i].ConnectedAt.Before(bots[j].ConnectedAt)
	})
	return bots
}
