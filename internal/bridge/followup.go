package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/leadbridge/internal/chatapi"
)

const TaskFollowUp = "followup"

// MaxFollowUpAttempts bounds how often a failing follow-up is retried
// before it is dropped.
const MaxFollowUpAttempts = 5

// DeferredTask is persisted work executed by the follow-up poller once due.
type DeferredTask struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	MessageID ID        `json:"messageId"`
	UserID    ID        `json:"userId"`
	DueAt     time.Time `json:"dueAt"`
	Attempts  int       `json:"attempts,omitempty"`
}

func (t DeferredTask) Due(now time.Time) bool {
	return !t.DueAt.After(now)
}

// ScheduleFollowUp persists a reminder for userID about messageID.
func (e *Engine) ScheduleFollowUp(messageID, userID ID) (DeferredTask, error) {
	task := DeferredTask{
		ID:        uuid.NewString(),
		Kind:      TaskFollowUp,
		MessageID: messageID,
		UserID:    userID,
		DueAt:     e.now().UTC().Add(e.followUpDelay),
	}
	if err := e.tables.Tasks.Set(task.ID, task); err != nil {
		return task, fmt.Errorf("persist follow-up: %w", err)
	}
	return task, nil
}

// PendingTasks lists tasks not yet executed, in scheduling order.
func (e *Engine) PendingTasks() []DeferredTask {
	entries := e.tables.Tasks.Entries()
	out := make([]DeferredTask, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Value)
	}
	return out
}

// RunDueFollowUps executes every due task and removes it. Tasks that fail
// on a downstream call stay queued for the next poll until they have failed
// MaxFollowUpAttempts times. The returned count is the number of tasks
// removed.
func (e *Engine) RunDueFollowUps(ctx context.Context) (int, error) {
	now := e.now().UTC()
	done := 0
	var firstErr error
	for _, entry := range e.tables.Tasks.Entries() {
		task := entry.Value
		if !task.Due(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if task.Kind != TaskFollowUp {
			e.log.Warn("dropping deferred task of unknown kind", "task_id", entry.Key, "kind", task.Kind)
		} else if err := e.followUp(ctx, task); err != nil {
			task.Attempts++
			e.log.Error("follow-up failed", "task_id", entry.Key, "message_id", task.MessageID, "attempt", task.Attempts, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			if task.Attempts < MaxFollowUpAttempts {
				if err := e.tables.Tasks.Set(entry.Key, task); err != nil {
					e.log.Warn("deferred task attempt not recorded", "task_id", entry.Key, "error", err)
				}
				continue
			}
			e.log.Warn("dropping follow-up after repeated failures", "task_id", entry.Key, "message_id", task.MessageID, "attempts", task.Attempts)
		}
		if _, err := e.tables.Tasks.Delete(entry.Key); err != nil {
			e.log.Warn("deferred task delete failed", "task_id", entry.Key, "error", err)
			continue
		}
		done++
	}
	return done, firstErr
}

func (e *Engine) followUp(ctx context.Context, task DeferredTask) error {
	handle, ok := e.directory.Handle(task.UserID)
	if !ok {
		e.log.Info("follow-up dropped, user has no handle", "user_id", task.UserID, "message_id", task.MessageID)
		return nil
	}
	messageID, err := task.MessageID.Int64()
	if err != nil {
		e.log.Warn("follow-up dropped, message id is not numeric", "message_id", task.MessageID)
		return nil
	}
	thread, err := e.chat.CreateThread(ctx, messageID)
	if err != nil {
		return fmt.Errorf("open thread for %d: %w", messageID, err)
	}
	messages, err := e.chat.ListMessages(ctx, thread.ChatID, 1, 50)
	if err != nil {
		return fmt.Errorf("list thread messages: %w", err)
	}
	if e.answered(messages, task.MessageID) {
		e.log.Debug("follow-up not needed", "message_id", task.MessageID)
		return nil
	}
	if _, err := e.chat.PostMessage(ctx, chatapi.EntityThread, thread.ID, handle); err != nil {
		return fmt.Errorf("post follow-up: %w", err)
	}
	e.log.Info("follow-up posted", "message_id", task.MessageID, "handle", handle)
	return nil
}

// answered reports whether any thread message replies to a prompt that was
// posted for origin.
func (e *Engine) answered(messages []chatapi.Message, origin ID) bool {
	for _, msg := range messages {
		if msg.ParentMessageID == nil {
			continue
		}
		action, ok := e.tables.CustomActions.Get(IDFromInt(*msg.ParentMessageID).String())
		if ok && action.OriginalMessageID == origin {
			return true
		}
	}
	return false
}
