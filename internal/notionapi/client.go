package notionapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/leadbridge/internal/logger"
	"github.com/agentworkforce/leadbridge/internal/transport"
)

const (
	DefaultBaseURL    = "https://api.notion.com"
	DefaultAPIVersion = "2022-06-28"
)

type ClientOptions struct {
	BaseURL    string
	Token      string
	APIVersion string
	// ProxyURL routes all store traffic through an HTTP or SOCKS5 proxy.
	ProxyURL   string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *logger.Logger
}

type Client struct {
	http *transport.Client
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	httpClient := opts.HTTPClient
	if proxy := strings.TrimSpace(opts.ProxyURL); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid notion proxy url: %w", err)
		}
		base := http.DefaultTransport.(*http.Transport).Clone()
		base.Proxy = http.ProxyURL(proxyURL)
		httpClient = &http.Client{Timeout: 30 * time.Second, Transport: base}
	}
	return &Client{
		http: transport.New(transport.Options{
			Name:          "notion",
			BaseURL:       baseURL,
			TokenProvider: transport.StaticToken(opts.Token),
			HTTPClient:    httpClient,
			Headers:       map[string]string{"Notion-Version": apiVersion},
			UserAgent:     opts.UserAgent,
			MaxRetries:    opts.MaxRetries,
			BaseDelay:     opts.BaseDelay,
			MaxDelay:      opts.MaxDelay,
			Logger:        opts.Logger,
		}),
	}, nil
}

type QueryResult struct {
	Results    []Page  `json:"results"`
	HasMore    bool    `json:"has_more"`
	NextCursor *string `json:"next_cursor"`
}

func (c *Client) QueryDatabase(ctx context.Context, databaseID, cursor string) (QueryResult, error) {
	body := map[string]any{}
	if cursor != "" {
		body["start_cursor"] = cursor
	}
	var out QueryResult
	if err := c.http.DoJSON(ctx, http.MethodPost, "/v1/databases/"+url.PathEscape(databaseID)+"/query", body, &out); err != nil {
		return QueryResult{}, err
	}
	return out, nil
}

// QueryAll follows next_cursor until the database is exhausted.
func (c *Client) QueryAll(ctx context.Context, databaseID string) ([]Page, error) {
	var pages []Page
	cursor := ""
	for {
		result, err := c.QueryDatabase(ctx, databaseID, cursor)
		if err != nil {
			return nil, err
		}
		pages = append(pages, result.Results...)
		if !result.HasMore || result.NextCursor == nil || *result.NextCursor == "" {
			return pages, nil
		}
		cursor = *result.NextCursor
	}
}

func (c *Client) CreatePage(ctx context.Context, databaseID string, props Properties) (Page, error) {
	body := map[string]any{
		"parent":     map[string]any{"database_id": databaseID},
		"properties": props,
	}
	var out Page
	if err := c.http.DoJSON(ctx, http.MethodPost, "/v1/pages", body, &out); err != nil {
		return Page{}, err
	}
	return out, nil
}

func (c *Client) RetrievePage(ctx context.Context, pageID string) (Page, error) {
	var out Page
	if err := c.http.DoJSON(ctx, http.MethodGet, "/v1/pages/"+url.PathEscape(pageID), nil, &out); err != nil {
		return Page{}, err
	}
	return out, nil
}

func (c *Client) UpdatePage(ctx context.Context, pageID string, props Properties) error {
	return c.http.DoJSON(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(pageID), map[string]any{"properties": props}, nil)
}

func (c *Client) ArchivePage(ctx context.Context, pageID string) error {
	return c.http.DoJSON(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(pageID), map[string]any{"archived": true}, nil)
}

func (c *Client) AppendParagraph(ctx context.Context, blockID, text string) error {
	body := map[string]any{
		"children": []any{
			map[string]any{
				"object": "block",
				"type":   "paragraph",
				"paragraph": map[string]any{
					"rich_text": []any{
						map[string]any{"type": "text", "text": map[string]any{"content": text}},
					},
				},
			},
		},
	}
	return c.http.DoJSON(ctx, http.MethodPatch, "/v1/blocks/"+url.PathEscape(blockID)+"/children", body, nil)
}

// PageLink is the workspace URL for a page; Notion drops the dashes.
func PageLink(workspace, pageID string) string {
	return "https://www.notion.so/" + strings.Trim(strings.TrimSpace(workspace), "/") + "/" + strings.ReplaceAll(pageID, "-", "")
}
