package chatapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/leadbridge/internal/logger"
	"github.com/agentworkforce/leadbridge/internal/transport"
)

const DefaultBaseURL = "https://api.pachca.com/api/shared/v1"

const (
	EntityDiscussion = "discussion"
	EntityThread     = "thread"
	EntityUser       = "user"
)

type Message struct {
	ID              int64      `json:"id"`
	EntityType      string     `json:"entity_type"`
	EntityID        int64      `json:"entity_id"`
	ChatID          int64      `json:"chat_id"`
	Content         string     `json:"content"`
	UserID          int64      `json:"user_id"`
	ParentMessageID *int64     `json:"parent_message_id,omitempty"`
	Thread          *ThreadRef `json:"thread,omitempty"`
	CreatedAt       string     `json:"created_at,omitempty"`
}

type ThreadRef struct {
	ID     int64 `json:"id"`
	ChatID int64 `json:"chat_id"`
}

type Thread struct {
	ID            int64  `json:"id"`
	ChatID        int64  `json:"chat_id"`
	MessageID     int64  `json:"message_id"`
	MessageChatID int64  `json:"message_chat_id"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

type Reaction struct {
	Code      string `json:"code"`
	UserID    int64  `json:"user_id"`
	CreatedAt string `json:"created_at,omitempty"`
}

type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *logger.Logger
	// Name separates metrics and breakers when several bots share a base URL.
	Name string
}

type Client struct {
	http *transport.Client
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "chat"
	}
	return &Client{
		http: transport.New(transport.Options{
			Name:          name,
			BaseURL:       baseURL,
			TokenProvider: transport.StaticToken(opts.Token),
			HTTPClient:    opts.HTTPClient,
			UserAgent:     opts.UserAgent,
			MaxRetries:    opts.MaxRetries,
			BaseDelay:     opts.BaseDelay,
			MaxDelay:      opts.MaxDelay,
			Logger:        opts.Logger,
		}),
	}
}

type envelope[T any] struct {
	Data T `json:"data"`
}

func (c *Client) GetMessage(ctx context.Context, id int64) (Message, error) {
	var out envelope[Message]
	if err := c.http.DoJSON(ctx, http.MethodGet, fmt.Sprintf("/messages/%d", id), nil, &out); err != nil {
		return Message{}, err
	}
	return out.Data, nil
}

func (c *Client) PostMessage(ctx context.Context, entityType string, entityID int64, content string) (Message, error) {
	body := map[string]any{
		"message": map[string]any{
			"entity_type": entityType,
			"entity_id":   entityID,
			"content":     content,
		},
	}
	var out envelope[Message]
	if err := c.http.DoJSON(ctx, http.MethodPost, "/messages", body, &out); err != nil {
		return Message{}, err
	}
	return out.Data, nil
}

// CreateThread opens the thread on a message, or returns the existing one.
func (c *Client) CreateThread(ctx context.Context, messageID int64) (Thread, error) {
	var out envelope[Thread]
	if err := c.http.DoJSON(ctx, http.MethodPost, fmt.Sprintf("/messages/%d/thread", messageID), map[string]any{}, &out); err != nil {
		return Thread{}, err
	}
	return out.Data, nil
}

// ListMessages returns one page of a chat's history, newest first.
func (c *Client) ListMessages(ctx context.Context, chatID int64, page, perPage int) ([]Message, error) {
	query := url.Values{}
	query.Set("chat_id", strconv.FormatInt(chatID, 10))
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		query.Set("per", strconv.Itoa(perPage))
	}
	var out envelope[[]Message]
	if err := c.http.DoJSON(ctx, http.MethodGet, "/messages?"+query.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) AddReaction(ctx context.Context, messageID int64, code string) error {
	return c.http.DoJSON(ctx, http.MethodPost, fmt.Sprintf("/messages/%d/reactions", messageID), map[string]any{"code": code}, nil)
}

func (c *Client) ListReactions(ctx context.Context, messageID int64) ([]Reaction, error) {
	var out envelope[[]Reaction]
	if err := c.http.DoJSON(ctx, http.MethodGet, fmt.Sprintf("/messages/%d/reactions", messageID), nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ThreadURL builds the web link for a thread id.
func ThreadURL(base string, threadID int64) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = "https://app.pachca.com/chats?thread_id="
	}
	return base + strconv.FormatInt(threadID, 10)
}
