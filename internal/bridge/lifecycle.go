package bridge

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentworkforce/leadbridge/internal/chatapi"
	"github.com/agentworkforce/leadbridge/internal/metrics"
	"github.com/agentworkforce/leadbridge/internal/notionapi"
)

const unknownReactor = "Пользователь не найден"

// HandleChatEvent parses body, classifies it for route and runs the matching
// transition. The returned outcome is always populated, also on error, so
// callers can answer with its status.
func (e *Engine) HandleChatEvent(ctx context.Context, route Route, body []byte) (Outcome, error) {
	ev, err := ParseChatEvent(body)
	if err != nil {
		return e.finish(route, "invalid", Outcome{}, err)
	}
	v := e.classifier.Classify(route, ev)
	var out Outcome
	switch v := v.(type) {
	case StageReaction:
		out, err = e.handleStageReaction(ctx, v)
	case MergeCandidate:
		out, err = e.handleMerge(ctx, v)
	case ThreadedFieldUpdate:
		out, err = e.handleFieldUpdate(ctx, v)
	case BillingThreadNote:
		out, err = e.handleBillingNote(ctx, v)
	case NewLeadMessage:
		out, err = e.handleNewLead(ctx, v)
	case Unclassified:
		if route == RouteSale {
			e.log.Debug("chat event on /sale ignored", "reason", v.Reason)
			out = reply("Event ignored")
			break
		}
		err = fmt.Errorf("%w: %s", ErrUnclassified, v.Reason)
	default:
		err = fmt.Errorf("%w: variant %T", ErrUnclassified, v)
	}
	return e.finish(route, v.VariantName(), out, err)
}

func (e *Engine) finish(route Route, variant string, out Outcome, err error) (Outcome, error) {
	out.Route = route
	out.Variant = variant
	if err != nil {
		out.Status = StatusFor(err)
		if out.Message == "" {
			out.Message = err.Error()
		}
		out.JSON = false
	} else if out.Status == 0 {
		out.Status = http.StatusOK
	}
	outcome := "ok"
	if err != nil {
		outcome = CodeFor(err)
	}
	metrics.EventsTotal.WithLabelValues(string(route), variant, outcome).Inc()
	if err != nil {
		e.log.Warn("chat event failed", "route", route, "variant", variant, "status", out.Status, "error", err)
	} else {
		e.log.Info("chat event handled", "route", route, "variant", variant, "message", out.Message)
	}
	return e.emit(out), err
}

func reply(message string) Outcome {
	return Outcome{Status: http.StatusOK, Message: message}
}

func (e *Engine) reactorName(userID ID) string {
	if name, found := e.directory.DisplayName(userID); found && strings.TrimSpace(name) != "" {
		return name
	}
	return unknownReactor
}

func (e *Engine) handleStageReaction(ctx context.Context, r StageReaction) (Outcome, error) {
	pageID, found := e.lookupPage(r.MessageID)
	if !found {
		return Outcome{Message: "Page ID not found"}, fmt.Errorf("%w: no page for message %s", ErrNotFound, r.MessageID)
	}
	if r.Action == ReactionDelete {
		if r.Code == CodeDiscard {
			return reply("Nothing to undo"), nil
		}
		if err := e.resetPage(ctx, pageID); err != nil {
			return Outcome{}, err
		}
		return reply("Page reset"), nil
	}

	switch r.Code {
	case CodeDemo:
		if err := e.setStage(ctx, pageID, StageDemoScheduled, r.UserID); err != nil {
			return Outcome{}, err
		}
		if _, err := e.ScheduleFollowUp(r.MessageID, r.UserID); err != nil {
			e.log.Error("follow-up not scheduled", "message_id", r.MessageID, "error", err)
		}
		return reply("Page updated"), nil
	case CodeTable:
		if err := e.setStage(ctx, pageID, StageTableSent, r.UserID); err != nil {
			return Outcome{}, err
		}
		return reply("Page updated with new name"), nil
	case CodeDiscard:
		if err := e.store.ArchivePage(ctx, pageID); err != nil {
			return Outcome{}, fmt.Errorf("archive page %s: %w", pageID, err)
		}
		if _, err := e.tables.MessagePages.Delete(r.MessageID.String()); err != nil {
			e.log.Error("message page mapping not removed", "message_id", r.MessageID, "error", err)
		}
		return reply("Page and corresponding ID pair deleted"), nil
	}
	return Outcome{}, fmt.Errorf("%w: reaction code %q", ErrUnclassified, r.Code)
}

func (e *Engine) setStage(ctx context.Context, pageID, stage string, userID ID) error {
	props := notionapi.Properties{
		PropStage:       notionapi.StatusValue(stage),
		PropAttribution: notionapi.RichTextValue("Реакцию оставил(а): " + e.reactorName(userID)),
	}
	if err := e.store.UpdatePage(ctx, pageID, props); err != nil {
		return fmt.Errorf("update page %s: %w", pageID, err)
	}
	return nil
}

func (e *Engine) resetPage(ctx context.Context, pageID string) error {
	props := notionapi.Properties{
		PropStage:       notionapi.StatusValue(StageLead),
		PropAttribution: notionapi.RichTextValue(""),
	}
	if err := e.store.UpdatePage(ctx, pageID, props); err != nil {
		return fmt.Errorf("reset page %s: %w", pageID, err)
	}
	return nil
}

func (e *Engine) handleMerge(ctx context.Context, m MergeCandidate) (Outcome, error) {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	if m.Action == ReactionDelete {
		if err := e.tables.PendingMerge.Clear(); err != nil {
			e.log.Error("pending merge not cleared", "error", err)
		}
		return reply("Cache cleared on delete"), nil
	}

	cached, pending := e.tables.PendingMerge.Get()
	if !pending {
		if err := e.tables.PendingMerge.Set(m.MessageID); err != nil {
			e.log.Error("pending merge not cached", "message_id", m.MessageID, "error", err)
		}
		return reply("Message ID cached"), nil
	}
	if cached == m.MessageID {
		return reply("Message ID cached"), nil
	}

	survivor, found := e.lookupPage(m.MessageID)
	if !found {
		return Outcome{Message: "No page found"}, fmt.Errorf("%w: no page for message %s", ErrNotFound, m.MessageID)
	}
	doomed, found := e.lookupPage(cached)
	if !found {
		// The cached message lost its page in the meantime; start over with
		// the current one.
		e.log.Warn("pending merge message has no page, replacing it", "cached", cached, "message_id", m.MessageID)
		if err := e.tables.PendingMerge.Set(m.MessageID); err != nil {
			e.log.Error("pending merge not cached", "message_id", m.MessageID, "error", err)
		}
		return reply("Message ID cached"), nil
	}
	if doomed == survivor {
		return reply("Message ID cached"), nil
	}

	company := e.companyName(ctx, survivor)
	notice, err := ComposeMergeNotice(company, e.pageLink(survivor))
	if err != nil {
		return Outcome{}, err
	}
	if e.reportDiscussionID != 0 {
		if _, err := e.billingChat.PostMessage(ctx, chatapi.EntityDiscussion, e.reportDiscussionID, notice); err != nil {
			return Outcome{}, fmt.Errorf("post merge notice: %w", err)
		}
	}
	props := notionapi.Properties{
		PropName:        notionapi.TitleValue(company + TitleMergedSuffix),
		PropStage:       notionapi.StatusValue(StageLead),
		PropAttribution: notionapi.RichTextValue(""),
	}
	if err := e.store.UpdatePage(ctx, survivor, props); err != nil {
		return Outcome{}, fmt.Errorf("relabel page %s: %w", survivor, err)
	}
	if err := e.store.ArchivePage(ctx, doomed); err != nil {
		return Outcome{}, fmt.Errorf("archive page %s: %w", doomed, err)
	}
	if _, err := e.tables.MessagePages.Delete(cached.String()); err != nil {
		e.log.Error("merged message mapping not removed", "message_id", cached, "error", err)
	}
	if err := e.tables.PendingMerge.Clear(); err != nil {
		e.log.Error("pending merge not cleared", "error", err)
	}
	e.log.Info("pages merged", "survivor", survivor, "archived", doomed, "company", company)
	return reply("Cache processed and cleared"), nil
}

// companyName prefers the name recorded at creation and falls back to the
// page title.
func (e *Engine) companyName(ctx context.Context, pageID string) string {
	if name, found := e.tables.CompanyPages.Get(pageID); found && strings.TrimSpace(name) != "" {
		return name
	}
	page, err := e.store.RetrievePage(ctx, pageID)
	if err != nil {
		e.log.Warn("company name unavailable", "page_id", pageID, "error", err)
		return ""
	}
	return CompanyFromTitle(page.Title())
}

// CompanyFromTitle strips the request suffix from a lead page title.
func CompanyFromTitle(title string) string {
	for _, marker := range []string{TitleRequestMarker, TitleMergedSuffix} {
		if i := strings.Index(title, marker); i >= 0 {
			return strings.TrimSpace(title[:i])
		}
	}
	return strings.TrimSpace(title)
}

func (e *Engine) handleFieldUpdate(ctx context.Context, u ThreadedFieldUpdate) (Outcome, error) {
	pageID, found := e.lookupPage(u.Action.OriginalMessageID)
	if !found {
		return Outcome{Message: "pageId не найден для originalMessageId"},
			fmt.Errorf("%w: no page for message %s", ErrNotFound, u.Action.OriginalMessageID)
	}
	var message string
	switch u.Action.Kind {
	case ActionDate:
		date, err := ParseDemoDate(u.Content, e.clock())
		if err != nil {
			return Outcome{Message: "Неверный формат даты"}, err
		}
		if err := e.store.UpdatePage(ctx, pageID, notionapi.Properties{PropDemoDate: notionapi.DateValue(date)}); err != nil {
			return Outcome{}, fmt.Errorf("set demo date on %s: %w", pageID, err)
		}
		message = "Дата обновлена в Notion"
	case ActionContext:
		if err := e.store.AppendParagraph(ctx, pageID, u.Content); err != nil {
			return Outcome{}, fmt.Errorf("append context to %s: %w", pageID, err)
		}
		message = "Контекст добавлен в Notion"
	default:
		return Outcome{Message: "Неизвестный тип действия"}, fmt.Errorf("%w: action kind %q", ErrInvalidInput, u.Action.Kind)
	}
	e.acknowledge(ctx, u.MessageID)
	return reply(message), nil
}

// acknowledge reacts 👍 to a reply; failures are only logged.
func (e *Engine) acknowledge(ctx context.Context, messageID ID) {
	id, err := messageID.Int64()
	if err != nil {
		return
	}
	if err := e.chat.AddReaction(ctx, id, CodeAck); err != nil {
		e.log.Warn("acknowledgement reaction failed", "message_id", messageID, "error", err)
	}
}

func (e *Engine) handleNewLead(ctx context.Context, m NewLeadMessage) (Outcome, error) {
	raw, found := e.tables.LastWebhook.Load()
	if !found {
		return Outcome{Message: "Failed to create page"}, fmt.Errorf("%w: no lead form submission stored", ErrNotFound)
	}
	lead, err := ParseLeadSubmission(raw)
	if err != nil {
		return Outcome{Message: "Failed to create page"}, err
	}
	messageID, err := m.MessageID.Int64()
	if err != nil {
		return Outcome{}, err
	}
	thread, err := e.chat.CreateThread(ctx, messageID)
	if err != nil {
		return Outcome{Message: "Failed to create page"}, fmt.Errorf("open lead thread: %w", err)
	}
	page, err := e.store.CreatePage(ctx, e.databaseID, lead.Properties())
	if err != nil {
		return Outcome{Message: "Failed to create page"}, fmt.Errorf("create lead page: %w", err)
	}
	if err := e.tables.CompanyPages.Set(page.ID, lead.Company()); err != nil {
		e.log.Error("company mapping not saved", "page_id", page.ID, "error", err)
	}
	e.postLeadPrompts(ctx, thread.ID, page.ID, m.MessageID)
	if err := e.tables.MessagePages.Set(m.MessageID.String(), page.ID); err != nil {
		e.log.Error("message page mapping not saved", "message_id", m.MessageID, "page_id", page.ID, "error", err)
	}
	return Outcome{Status: http.StatusOK, Message: "Page created", PageID: page.ID, JSON: true}, nil
}

// postLeadPrompts posts the page link and the two reply prompts into the
// lead thread. Failures are logged; the page already exists.
func (e *Engine) postLeadPrompts(ctx context.Context, threadID int64, pageID string, origin ID) {
	link, err := ComposeLeadLink(e.pageLink(pageID))
	if err == nil {
		_, err = e.chat.PostMessage(ctx, chatapi.EntityThread, threadID, link)
	}
	if err != nil {
		e.log.Error("lead link not posted", "page_id", pageID, "error", err)
		return
	}
	for _, prompt := range []struct {
		text string
		kind ActionKind
	}{
		{PromptDemoDate, ActionDate},
		{PromptContext, ActionContext},
	} {
		msg, err := e.chat.PostMessage(ctx, chatapi.EntityThread, threadID, prompt.text)
		if err != nil {
			e.log.Error("lead prompt not posted", "prompt", prompt.text, "error", err)
			return
		}
		action := CustomAction{OriginalMessageID: origin, Kind: prompt.kind}
		if err := e.tables.CustomActions.SetCapped(IDFromInt(msg.ID).String(), action, e.tableLimit); err != nil {
			e.log.Error("custom action not saved", "prompt_id", msg.ID, "error", err)
		}
	}
}
