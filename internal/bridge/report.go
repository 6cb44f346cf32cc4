package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/leadbridge/internal/chatapi"
	"github.com/agentworkforce/leadbridge/internal/metrics"
)

// ReportTrigger is the chat command that requests the demo report on demand.
const ReportTrigger = "демки"

const (
	titleTableRequest = ", На что пришли: Заявка на сравнительную таблицу попап"
	titleDemoRequest  = ", На что пришли: Созвон по мессенджеру Главная"
	unknownHandle     = "unknown"
)

type DemoItem struct {
	MessageID ID
	PageID    string
	Company   string
	User      string
	// Date is zero for unscheduled demos.
	Date time.Time
}

type DemoReport struct {
	Today       []DemoItem
	Scheduled   []DemoItem
	Unscheduled []DemoItem
}

// CollectDemoReport buckets every tracked demo page by its demo date.
// Pages that fail to load are logged and left out.
func (e *Engine) CollectDemoReport(ctx context.Context) (DemoReport, error) {
	entries := e.tables.MessagePages.Entries()
	items := make([]*DemoItem, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.reportConcurrency)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			item, err := e.demoItem(gctx, ID(entry.Key), entry.Value)
			if err != nil {
				e.log.Warn("report skipped page", "page_id", entry.Value, "message_id", entry.Key, "error", err)
				return nil
			}
			items[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return DemoReport{}, err
	}
	if err := ctx.Err(); err != nil {
		return DemoReport{}, err
	}

	today := startOfDay(e.clock())
	var report DemoReport
	for _, item := range items {
		if item == nil {
			continue
		}
		switch {
		case item.Date.IsZero():
			report.Unscheduled = append(report.Unscheduled, *item)
		case sameDay(item.Date, today):
			report.Today = append(report.Today, *item)
		case item.Date.After(today):
			report.Scheduled = append(report.Scheduled, *item)
		}
	}
	return report, nil
}

// demoItem returns nil without error for pages that are not demo leads.
func (e *Engine) demoItem(ctx context.Context, messageID ID, pageID string) (*DemoItem, error) {
	page, err := e.store.RetrievePage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if page.Archived {
		return nil, nil
	}
	title := page.Title()
	if strings.Contains(title, titleTableRequest) {
		return nil, nil
	}
	if !strings.Contains(title, titleDemoRequest) && !strings.Contains(title, TitleMergedSuffix) {
		return nil, nil
	}
	if page.Status(PropStage) != StageDemoScheduled {
		return nil, nil
	}
	item := &DemoItem{
		MessageID: messageID,
		PageID:    pageID,
		Company:   CompanyFromTitle(title),
		User:      e.demoOwner(ctx, messageID),
	}
	if raw := page.DateStart(PropDemoDate); raw != "" {
		date, err := parseStoreDate(raw, e.location)
		if err != nil {
			return nil, err
		}
		item.Date = date
	}
	return item, nil
}

// demoOwner is the handle of whoever put ✅ on the lead message.
func (e *Engine) demoOwner(ctx context.Context, messageID ID) string {
	id, err := messageID.Int64()
	if err != nil {
		return unknownHandle
	}
	reactions, err := e.chat.ListReactions(ctx, id)
	if err != nil {
		e.log.Warn("reactions unavailable", "message_id", messageID, "error", err)
		return unknownHandle
	}
	for _, r := range reactions {
		if normalizeCode(r.Code) != normalizeCode(CodeDemo) {
			continue
		}
		if handle, found := e.directory.Handle(IDFromInt(r.UserID)); found {
			return handle
		}
		return unknownHandle
	}
	return unknownHandle
}

func parseStoreDate(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) > 10 {
		raw = raw[:10]
	}
	t, err := time.ParseInLocation("2006-01-02", raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: demo date %q", ErrInvalidInput, raw)
	}
	return t, nil
}

// RunReport collects and posts the daily demo report.
func (e *Engine) RunReport(ctx context.Context) (DemoReport, error) {
	report, err := e.CollectDemoReport(ctx)
	if err != nil {
		return report, fmt.Errorf("collect demo report: %w", err)
	}
	text, err := ComposeReport(report)
	if err != nil {
		return report, err
	}
	if _, err := e.chat.PostMessage(ctx, chatapi.EntityDiscussion, e.reportDiscussionID, text); err != nil {
		return report, fmt.Errorf("post demo report: %w", err)
	}
	e.log.Info("demo report posted", "today", len(report.Today), "scheduled", len(report.Scheduled), "unscheduled", len(report.Unscheduled))
	return report, nil
}

type analyticRequest struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// HandleAnalytic posts the report when the message is the trigger phrase.
func (e *Engine) HandleAnalytic(ctx context.Context, body []byte) (Outcome, error) {
	out, err := e.analytic(ctx, body)
	out.Route = RouteAnalytic
	out.Variant = "report_request"
	outcome := "ok"
	if err != nil {
		outcome = CodeFor(err)
		out.Status = StatusFor(err)
		e.log.Warn("report request failed", "status", out.Status, "error", err)
	}
	metrics.EventsTotal.WithLabelValues(string(RouteAnalytic), out.Variant, outcome).Inc()
	return e.emit(out), err
}

func (e *Engine) analytic(ctx context.Context, body []byte) (Outcome, error) {
	var req analyticRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Message.Content != ReportTrigger {
		return Outcome{Message: "Неверный контент"}, fmt.Errorf("%w: not a report request", ErrInvalidInput)
	}
	if _, err := e.RunReport(ctx); err != nil {
		return Outcome{Message: "Ошибка при сборе данных для демо."}, err
	}
	return Outcome{Status: http.StatusOK, Message: "Отчет о демо отправлен."}, nil
}
