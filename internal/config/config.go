// Package config reads the process environment shared by the server and the
// jobs command.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/leadbridge/internal/bridge"
	"github.com/agentworkforce/leadbridge/internal/logger"
)

const (
	DefaultAddr     = ":3000"
	DefaultDataDSN  = "file://./data"
	DefaultTimezone = "Europe/Moscow"
)

type Chat struct {
	BaseURL             string
	Token               string
	BillingToken        string
	LeadBotUserID       bridge.ID
	BillingDiscussionID int64
	BillingChatID       int64
	ReportDiscussionID  int64
	BillingHistoryPages int
	ThreadURLBase       string
	WebhookSecret       string
	WebhookMaxSkew      time.Duration
}

type Notion struct {
	BaseURL    string
	Token      string
	DatabaseID string
	Workspace  string
	ProxyURL   string
}

type Config struct {
	Addr          string
	DataDSN       string
	Location      *time.Location
	Schedule      bridge.ScheduleOptions
	FollowUpDelay time.Duration
	TableLimit    int
	Chat          Chat
	Notion        Notion
	ForwardURL    string

	AdminToken      string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
}

// FromEnv reads every setting, falling back to defaults on absent or
// malformed values. Only an unknown time zone is an error.
func FromEnv(log *logger.Logger) (Config, error) {
	if log == nil {
		log = logger.Nop()
	}
	env := reader{log: log}

	zone := env.string("LEADBRIDGE_TIMEZONE", DefaultTimezone)
	location, err := time.LoadLocation(zone)
	if err != nil {
		return Config{}, fmt.Errorf("LEADBRIDGE_TIMEZONE=%q: %w", zone, err)
	}

	schedule := bridge.DefaultSchedule()
	schedule.Report = env.string("LEADBRIDGE_REPORT_SCHEDULE", schedule.Report)
	schedule.Trim = env.string("LEADBRIDGE_TRIM_SCHEDULE", schedule.Trim)
	schedule.FollowUps = env.string("LEADBRIDGE_FOLLOWUP_SCHEDULE", schedule.FollowUps)
	schedule.Reconcile = env.string("LEADBRIDGE_RECONCILE_SCHEDULE", schedule.Reconcile)
	schedule.JobTimeout = env.duration("LEADBRIDGE_JOB_TIMEOUT", schedule.JobTimeout)

	return Config{
		Addr:          env.string("LEADBRIDGE_ADDR", DefaultAddr),
		DataDSN:       env.string("LEADBRIDGE_DATA_DSN", DefaultDataDSN),
		Location:      location,
		Schedule:      schedule,
		FollowUpDelay: env.duration("LEADBRIDGE_FOLLOWUP_DELAY", 15*time.Minute),
		TableLimit:    env.int("LEADBRIDGE_TABLE_LIMIT", bridge.DefaultTableLimit),
		Chat: Chat{
			BaseURL:             env.string("CHAT_BASE_URL", ""),
			Token:               env.string("CHAT_TOKEN", ""),
			BillingToken:        env.string("CHAT_BILLING_TOKEN", ""),
			LeadBotUserID:       bridge.ID(env.string("CHAT_LEAD_BOT_USER_ID", "")),
			BillingDiscussionID: env.int64("CHAT_BILLING_DISCUSSION_ID", 0),
			BillingChatID:       env.int64("CHAT_BILLING_CHAT_ID", 0),
			ReportDiscussionID:  env.int64("CHAT_REPORT_DISCUSSION_ID", 0),
			BillingHistoryPages: env.int("CHAT_BILLING_HISTORY_PAGES", 5),
			ThreadURLBase:       env.string("CHAT_THREAD_URL_BASE", ""),
			WebhookSecret:       env.string("CHAT_WEBHOOK_SECRET", ""),
			WebhookMaxSkew:      env.duration("CHAT_WEBHOOK_MAX_SKEW", 20*time.Second),
		},
		Notion: Notion{
			BaseURL:    env.string("NOTION_BASE_URL", ""),
			Token:      env.string("NOTION_TOKEN", ""),
			DatabaseID: env.string("NOTION_DATABASE_ID", ""),
			Workspace:  env.string("NOTION_WORKSPACE", ""),
			ProxyURL:   env.string("NOTION_PROXY_URL", ""),
		},
		ForwardURL:      env.string("WEBHOOK_FORWARD_URL", ""),
		AdminToken:      env.string("LEADBRIDGE_ADMIN_TOKEN", ""),
		RateLimitMax:    env.int("LEADBRIDGE_RATE_LIMIT_MAX", 0),
		RateLimitWindow: env.duration("LEADBRIDGE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    env.int64("LEADBRIDGE_MAX_BODY_BYTES", 0),
		ShutdownTimeout: env.duration("LEADBRIDGE_SHUTDOWN_TIMEOUT", 10*time.Second),
	}, nil
}

// Validate reports settings without which the server cannot talk upstream.
func (c Config) Validate() error {
	var missing []string
	if c.Chat.Token == "" {
		missing = append(missing, "CHAT_TOKEN")
	}
	if c.Notion.Token == "" {
		missing = append(missing, "NOTION_TOKEN")
	}
	if c.Notion.DatabaseID == "" {
		missing = append(missing, "NOTION_DATABASE_ID")
	}
	if c.Chat.BillingDiscussionID <= 0 {
		missing = append(missing, "CHAT_BILLING_DISCUSSION_ID")
	}
	if c.Chat.ReportDiscussionID <= 0 {
		missing = append(missing, "CHAT_REPORT_DISCUSSION_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

type reader struct {
	log *logger.Logger
}

func (r reader) string(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func (r reader) int(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		r.log.Warn("invalid integer setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func (r reader) int64(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.log.Warn("invalid integer setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func (r reader) duration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		r.log.Warn("invalid duration setting, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
