package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/leadbridge/internal/bridge"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, name := range []string{"LEADBRIDGE_ADDR", "LEADBRIDGE_DATA_DSN", "LEADBRIDGE_TIMEZONE", "LEADBRIDGE_REPORT_SCHEDULE", "CHAT_WEBHOOK_MAX_SKEW", "LEADBRIDGE_FOLLOWUP_DELAY"} {
		t.Setenv(name, "")
	}
	cfg, err := FromEnv(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Equal(t, DefaultDataDSN, cfg.DataDSN)
	assert.Equal(t, DefaultTimezone, cfg.Location.String())
	assert.Equal(t, "0 9 * * *", cfg.Schedule.Report)
	assert.Equal(t, "* * * * *", cfg.Schedule.FollowUps)
	assert.Empty(t, cfg.Schedule.Reconcile)
	assert.Equal(t, 20*time.Second, cfg.Chat.WebhookMaxSkew)
	assert.Equal(t, 15*time.Minute, cfg.FollowUpDelay)
}

func TestFromEnvOverridesAndFallbacks(t *testing.T) {
	t.Setenv("LEADBRIDGE_TIMEZONE", "UTC")
	t.Setenv("LEADBRIDGE_RECONCILE_SCHEDULE", "30 3 * * *")
	t.Setenv("CHAT_LEAD_BOT_USER_ID", " 371852 ")
	t.Setenv("CHAT_BILLING_DISCUSSION_ID", "2342381")
	t.Setenv("CHAT_REPORT_DISCUSSION_ID", "not-a-number")
	t.Setenv("CHAT_WEBHOOK_MAX_SKEW", "0s")
	t.Setenv("LEADBRIDGE_RATE_LIMIT_WINDOW", "soon")
	t.Setenv("LEADBRIDGE_MAX_BODY_BYTES", "2048")

	cfg, err := FromEnv(nil)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, cfg.Location)
	assert.Equal(t, "30 3 * * *", cfg.Schedule.Reconcile)
	assert.Equal(t, bridge.ID("371852"), cfg.Chat.LeadBotUserID)
	assert.Equal(t, int64(2342381), cfg.Chat.BillingDiscussionID)
	assert.Zero(t, cfg.Chat.ReportDiscussionID)
	assert.Zero(t, cfg.Chat.WebhookMaxSkew)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, int64(2048), cfg.MaxBodyBytes)
}

func TestFromEnvRejectsUnknownZone(t *testing.T) {
	t.Setenv("LEADBRIDGE_TIMEZONE", "Mars/Olympus")
	_, err := FromEnv(nil)
	require.Error(t, err)
}

func TestValidateNamesMissingSettings(t *testing.T) {
	err := Config{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_TOKEN")
	assert.Contains(t, err.Error(), "NOTION_DATABASE_ID")
	assert.Contains(t, err.Error(), "CHAT_BILLING_DISCUSSION_ID")
	assert.Contains(t, err.Error(), "CHAT_REPORT_DISCUSSION_ID")

	cfg := Config{Chat: Chat{Token: "c"}, Notion: Notion{Token: "n", DatabaseID: "db"}}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, "missing required settings: CHAT_BILLING_DISCUSSION_ID, CHAT_REPORT_DISCUSSION_ID", err.Error())

	cfg.Chat.BillingDiscussionID = 2342381
	cfg.Chat.ReportDiscussionID = 2342382
	assert.NoError(t, cfg.Validate())
}

func TestBuildWithMemoryBackend(t *testing.T) {
	rt, err := Build(Config{DataDSN: "memory://", Location: time.UTC}, nil, nil)
	require.NoError(t, err)
	defer rt.Close()
	assert.Empty(t, rt.DataDir)
	assert.IsType(t, &bridge.InMemoryTableBackend{}, rt.Backend)
	require.NotNil(t, rt.Engine)
	assert.NoError(t, rt.WatchDirectory(context.Background()))
}

func TestBuildRejectsBadInputs(t *testing.T) {
	_, err := Build(Config{DataDSN: "ftp://nowhere"}, nil, nil)
	require.Error(t, err)

	_, err = Build(Config{DataDSN: "memory://", Notion: Notion{ProxyURL: "://bad"}}, nil, nil)
	require.Error(t, err)
}

func TestFileBackendDirectoryIsWatched(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	rt, err := Build(Config{DataDSN: "file://" + dir, Location: time.UTC}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, dir, rt.DataDir)
	assert.DirExists(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.WatchDirectory(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, bridge.TableUsers), []byte(`{"55":"Анна"}`), 0o644))
	require.Eventually(t, func() bool {
		name, ok := rt.Engine.Directory().DisplayName("55")
		return ok && name == "Анна"
	}, 3*time.Second, 20*time.Millisecond)
}
