package config

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/agentworkforce/leadbridge/internal/bridge"
	"github.com/agentworkforce/leadbridge/internal/chatapi"
	"github.com/agentworkforce/leadbridge/internal/logger"
	"github.com/agentworkforce/leadbridge/internal/notionapi"
)

// Runtime holds the engine and the resources it owns.
type Runtime struct {
	Engine  *bridge.Engine
	Backend bridge.TableBackend
	// DataDir is set for file backends; the people directory is watched there.
	DataDir string
	log     *logger.Logger
}

// Build wires table storage, both upstream clients and the engine.
func Build(cfg Config, log *logger.Logger, observer func(bridge.Outcome)) (*Runtime, error) {
	if log == nil {
		log = logger.Nop()
	}
	backend, err := bridge.BuildTableBackendFromDSN(cfg.DataDSN)
	if err != nil {
		return nil, fmt.Errorf("table backend %q: %w", cfg.DataDSN, err)
	}
	rt := &Runtime{Backend: backend, log: log}
	if fileBackend, ok := backend.(*bridge.JSONFileTableBackend); ok {
		rt.DataDir = fileBackend.Dir
		if err := os.MkdirAll(rt.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	store, err := notionapi.NewClient(notionapi.ClientOptions{
		BaseURL:  cfg.Notion.BaseURL,
		Token:    cfg.Notion.Token,
		ProxyURL: cfg.Notion.ProxyURL,
		Logger:   log.With("upstream", "notion"),
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	chat := chatapi.NewClient(chatapi.ClientOptions{
		Name:    "chat",
		BaseURL: cfg.Chat.BaseURL,
		Token:   cfg.Chat.Token,
		Logger:  log.With("upstream", "chat"),
	})
	var billingChat bridge.ChatAPI = chat
	if cfg.Chat.BillingToken != "" && cfg.Chat.BillingToken != cfg.Chat.Token {
		billingChat = chatapi.NewClient(chatapi.ClientOptions{
			Name:    "chat-billing",
			BaseURL: cfg.Chat.BaseURL,
			Token:   cfg.Chat.BillingToken,
			Logger:  log.With("upstream", "chat-billing"),
		})
	}

	tables := bridge.NewTables(backend, log)
	rt.Engine = bridge.NewEngine(bridge.Options{
		Tables:              tables,
		Directory:           bridge.NewDirectory(tables, log),
		Store:               store,
		Chat:                chat,
		BillingChat:         billingChat,
		Forwarder:           bridge.NewHTTPForwarder(cfg.ForwardURL, nil, log),
		Logger:              log,
		Location:            cfg.Location,
		DatabaseID:          cfg.Notion.DatabaseID,
		Workspace:           cfg.Notion.Workspace,
		LeadBotUserID:       cfg.Chat.LeadBotUserID,
		ReportDiscussionID:  cfg.Chat.ReportDiscussionID,
		BillingDiscussionID: cfg.Chat.BillingDiscussionID,
		BillingChatID:       cfg.Chat.BillingChatID,
		BillingHistoryPages: cfg.Chat.BillingHistoryPages,
		ThreadURLBase:       cfg.Chat.ThreadURLBase,
		FollowUpDelay:       cfg.FollowUpDelay,
		TableLimit:          cfg.TableLimit,
		Observer:            observer,
	})
	return rt, nil
}

// WatchDirectory hot-reloads the people directory for file backends. With
// other backends the directory is loaded once at startup.
func (r *Runtime) WatchDirectory(ctx context.Context) error {
	if r.DataDir == "" {
		return nil
	}
	if err := r.Engine.Directory().Watch(ctx, r.DataDir); err != nil {
		return fmt.Errorf("watch %s: %w", r.DataDir, err)
	}
	r.log.Info("watching people directory", "dir", r.DataDir)
	return nil
}

func (r *Runtime) Close() error {
	if closer, ok := r.Backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
