package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/leadbridge/internal/chatapi"
)

func scheduleDemo(t *testing.T, rig *testRig) {
	t.Helper()
	require.NoError(t, rig.tables.MessagePages.Set("100", "page-A"))
	_, err := rig.handle(t, RouteData, `{"type":"reaction","event":"new","code":"✅","message_id":100,"user_id":55}`)
	require.NoError(t, err)
}

func TestFollowUpNotDueYet(t *testing.T) {
	rig := newTestRig(t)
	rig.seedDirectory(t, "", `{"@anna": 55}`)
	scheduleDemo(t, rig)

	rig.now = rig.now.Add(5 * time.Minute)
	done, err := rig.engine.RunDueFollowUps(context.Background())
	require.NoError(t, err)
	assert.Zero(t, done)
	assert.Len(t, rig.engine.PendingTasks(), 1)
	assert.Empty(t, rig.chat.threads)
}

func TestFollowUpRemindsInThread(t *testing.T) {
	rig := newTestRig(t)
	rig.seedDirectory(t, "", `{"@boris": 12, "@anna": 55}`)
	scheduleDemo(t, rig)

	rig.now = rig.now.Add(16 * time.Minute)
	done, err := rig.engine.RunDueFollowUps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Empty(t, rig.engine.PendingTasks())

	assert.Equal(t, []int64{100}, rig.chat.threads)
	posted := rig.chat.postedMessages()
	require.Len(t, posted, 1)
	assert.Equal(t, chatapi.EntityThread, posted[0].EntityType)
	assert.Equal(t, int64(101), posted[0].EntityID)
	assert.Equal(t, "@anna", posted[0].Content)
}

func TestFollowUpSkippedWhenPromptAnswered(t *testing.T) {
	rig := newTestRig(t)
	rig.seedDirectory(t, "", `{"@anna": 55}`)
	scheduleDemo(t, rig)
	require.NoError(t, rig.tables.CustomActions.Set("900", CustomAction{OriginalMessageID: "100", Kind: ActionDate}))
	parent := int64(900)
	rig.chat.history[102] = []chatapi.Message{{ID: 901, Content: "12.12"}, {ID: 902, ParentMessageID: &parent, Content: "12.12"}}

	rig.now = rig.now.Add(time.Hour)
	done, err := rig.engine.RunDueFollowUps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Empty(t, rig.chat.postedMessages())
	assert.Empty(t, rig.engine.PendingTasks())
}

func TestFollowUpDroppedForUnknownUser(t *testing.T) {
	rig := newTestRig(t)
	scheduleDemo(t, rig)

	rig.now = rig.now.Add(time.Hour)
	done, err := rig.engine.RunDueFollowUps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Empty(t, rig.chat.threads)
	assert.Empty(t, rig.engine.PendingTasks())
}

func TestFollowUpStaysQueuedOnFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.seedDirectory(t, "", `{"@anna": 55}`)
	scheduleDemo(t, rig)
	rig.chat.failPost = assert.AnError

	rig.now = rig.now.Add(time.Hour)
	done, err := rig.engine.RunDueFollowUps(context.Background())
	require.Error(t, err)
	assert.Zero(t, done)
	assert.Len(t, rig.engine.PendingTasks(), 1)
}

func TestFollowUpDroppedAfterRepeatedFailures(t *testing.T) {
	rig := newTestRig(t)
	rig.seedDirectory(t, "", `{"@anna": 55}`)
	scheduleDemo(t, rig)
	rig.chat.failPost = assert.AnError
	rig.now = rig.now.Add(time.Hour)

	for attempt := 1; attempt < MaxFollowUpAttempts; attempt++ {
		done, err := rig.engine.RunDueFollowUps(context.Background())
		require.Error(t, err)
		assert.Zero(t, done)
		pending := rig.engine.PendingTasks()
		require.Len(t, pending, 1)
		assert.Equal(t, attempt, pending[0].Attempts)
	}

	done, err := rig.engine.RunDueFollowUps(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, done)
	assert.Empty(t, rig.engine.PendingTasks())
}

func TestFollowUpsSurviveRestart(t *testing.T) {
	rig := newTestRig(t)
	rig.seedDirectory(t, "", `{"@anna": 55}`)
	scheduleDemo(t, rig)

	restarted := NewEngine(Options{
		Tables:   NewTables(rig.backend, nil),
		Store:    rig.store,
		Chat:     rig.chat,
		Location: moscow,
		Now:      func() time.Time { return rig.now.Add(time.Hour) },
	})
	done, err := restarted.RunDueFollowUps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Len(t, rig.chat.postedMessages(), 1)
}
