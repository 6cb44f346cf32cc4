package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentworkforce/leadbridge/internal/chatapi"
	"github.com/agentworkforce/leadbridge/internal/metrics"
)

var errBillingUnconfigured = errors.New("billing discussion is not configured")

var companyIDPattern = regexp.MustCompile(`(?i)id\s*компании\s*:?\s*(\d+)`)

// ExtractCompanyID finds the "ID Компании: N" marker in a billing notice.
func ExtractCompanyID(content string) (string, bool) {
	m := companyIDPattern.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// BillingRequest is the billing system's invoice request.
type BillingRequest struct {
	ID       ID     `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	INN      ID     `json:"inn"`
	Plan     string `json:"plan"`
	Licenses ID     `json:"licenses_total"`
	Months   ID     `json:"months_count"`
}

func ParseBillingRequest(body []byte) (BillingRequest, error) {
	if err := validateBillingRequest(body); err != nil {
		return BillingRequest{}, err
	}
	var req BillingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return BillingRequest{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return req, nil
}

// HandleSale serves /sale: chat thread replies carry a "type", billing
// requests do not.
func (e *Engine) HandleSale(ctx context.Context, body []byte) (Outcome, error) {
	if IsChatEvent(body) {
		return e.HandleChatEvent(ctx, RouteSale, body)
	}
	out, err := e.handleBilling(ctx, body)
	out.Route = RouteSale
	out.Variant = "billing_request"
	outcome := "ok"
	if err != nil {
		outcome = CodeFor(err)
		out.Status = StatusFor(err)
		if out.Message == "" {
			out.Message = err.Error()
		}
		e.log.Warn("billing request failed", "status", out.Status, "error", err)
	}
	metrics.EventsTotal.WithLabelValues(string(RouteSale), out.Variant, outcome).Inc()
	return e.emit(out), err
}

// IsChatEvent reports whether body is a chat webhook rather than a billing request.
func IsChatEvent(body []byte) bool {
	var envelope struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(body), &envelope); err != nil {
		return false
	}
	return envelope.Type != nil && strings.TrimSpace(*envelope.Type) != ""
}

func (e *Engine) handleBilling(ctx context.Context, body []byte) (Outcome, error) {
	req, err := ParseBillingRequest(body)
	if err != nil {
		return Outcome{}, err
	}
	companyID, err := req.ID.Int64()
	if err != nil {
		return Outcome{}, err
	}
	months, err := req.Months.Int64()
	if err != nil {
		return Outcome{}, err
	}

	if e.billingDiscussionID == 0 {
		return Outcome{}, errBillingUnconfigured
	}

	e.billingMu.Lock()
	defer e.billingMu.Unlock()

	if !e.tables.BillingGuard.Claim(companyID) {
		e.log.Info("duplicate billing request skipped", "billing_id", companyID)
		return reply("OK"), nil
	}

	key := strconv.FormatInt(companyID, 10)
	threadURL, renewal := e.tables.ThreadURLs.Get(key)
	if !renewal {
		if url, found := e.findPriorThread(ctx, key); found {
			threadURL, renewal = url, true
		}
	}

	start := e.clock()
	end := AddCalendarMonths(start, int(months))
	note, _ := e.tables.CompanyNotes.Get(key)
	text, err := ComposeBillingNotice(BillingNotice{
		Renewal:   renewal,
		Name:      req.Name,
		CompanyID: companyID,
		Email:     req.Email,
		INN:       req.INN.String(),
		Plan:      req.Plan,
		Licenses:  req.Licenses.String(),
		Months:    int(months),
		Start:     start.Format("2006-01-02"),
		End:       end.Format("2006-01-02"),
		ThreadURL: threadURL,
		Note:      strings.TrimSpace(note),
	})
	if err != nil {
		return Outcome{}, err
	}
	posted, err := e.billingChat.PostMessage(ctx, chatapi.EntityDiscussion, e.billingDiscussionID, text)
	if err != nil {
		return Outcome{Message: "Ошибка сервера"}, fmt.Errorf("post billing notice: %w", err)
	}
	if !renewal {
		thread, err := e.billingChat.CreateThread(ctx, posted.ID)
		if err != nil {
			return Outcome{Message: "Ошибка сервера"}, fmt.Errorf("open billing thread: %w", err)
		}
		threadURL = chatapi.ThreadURL(e.threadURLBase, thread.ID)
	}
	if err := e.tables.ThreadURLs.Set(key, threadURL); err != nil {
		e.log.Error("billing thread mapping not saved", "billing_id", companyID, "error", err)
	}
	e.log.Info("billing notice posted", "billing_id", companyID, "renewal", renewal, "months", months)
	return Outcome{Status: http.StatusOK, Message: "OK"}, nil
}

// findPriorThread scans recent billing chat history for an earlier notice
// about companyID and opens a thread on it. Lookup failures are logged and
// treated as not found.
func (e *Engine) findPriorThread(ctx context.Context, companyID string) (string, bool) {
	if e.billingChatID == 0 {
		return "", false
	}
	for page := 1; page <= e.billingHistoryPages; page++ {
		messages, err := e.billingChat.ListMessages(ctx, e.billingChatID, page, 50)
		if err != nil {
			e.log.Warn("billing history scan failed", "page", page, "error", err)
			return "", false
		}
		for _, msg := range messages {
			if id, found := ExtractCompanyID(msg.Content); found && id == companyID {
				thread, err := e.billingChat.CreateThread(ctx, msg.ID)
				if err != nil {
					e.log.Warn("thread on prior billing notice failed", "message_id", msg.ID, "error", err)
					return "", false
				}
				return chatapi.ThreadURL(e.threadURLBase, thread.ID), true
			}
		}
		if len(messages) < 50 {
			break
		}
	}
	return "", false
}

func (e *Engine) handleBillingNote(ctx context.Context, n BillingThreadNote) (Outcome, error) {
	parentID, err := n.ParentMessageID.Int64()
	if err != nil {
		return Outcome{}, err
	}
	parent, err := e.billingChat.GetMessage(ctx, parentID)
	if err != nil {
		return Outcome{Message: "Ошибка при обработке message"}, fmt.Errorf("load billing notice %d: %w", parentID, err)
	}
	companyID, found := ExtractCompanyID(parent.Content)
	if !found {
		e.log.Info("thread note without company id ignored", "parent_message_id", parentID)
		return reply("OK"), nil
	}
	if err := e.tables.CompanyNotes.Set(companyID, n.Content); err != nil {
		e.log.Error("company note not saved", "company_id", companyID, "error", err)
	}
	return reply("OK"), nil
}
