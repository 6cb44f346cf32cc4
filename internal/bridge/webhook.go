package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentworkforce/leadbridge/internal/logger"
	"github.com/agentworkforce/leadbridge/internal/metrics"
	"github.com/agentworkforce/leadbridge/internal/notionapi"
	"github.com/agentworkforce/leadbridge/internal/transport"
)

// LeadSubmission is the lead-form webhook body.
type LeadSubmission struct {
	Payload struct {
		Name string `json:"name"`
		Data struct {
			Company string `json:"Company"`
			Phone   string `json:"Phone"`
			Name    string `json:"Name"`
		} `json:"data"`
		SubmittedAt string `json:"submittedAt"`
	} `json:"payload"`
}

func ParseLeadSubmission(raw []byte) (LeadSubmission, error) {
	var lead LeadSubmission
	if err := json.Unmarshal(raw, &lead); err != nil {
		return lead, fmt.Errorf("%w: lead submission: %v", ErrInvalidInput, err)
	}
	return lead, nil
}

func (l LeadSubmission) Company() string {
	return strings.TrimSpace(l.Payload.Data.Company)
}

// Title is "<company>, На что пришли: <form name>".
func (l LeadSubmission) Title() string {
	return l.Company() + TitleRequestMarker + " " + l.Payload.Name
}

func (l LeadSubmission) Properties() notionapi.Properties {
	props := notionapi.Properties{
		PropName:         notionapi.TitleValue(l.Title()),
		PropSectionOne:   notionapi.RichTextValue("——————— Информация о клиенте ———————"),
		PropSectionTwo:   notionapi.RichTextValue("——————— Активные ———————"),
		PropSectionThree: notionapi.RichTextValue("——————— Ушедшие ———————"),
		PropContacts: notionapi.RichTextValue(fmt.Sprintf("Номер телефона: %s, имя контакта %s",
			l.Payload.Data.Phone, l.Payload.Data.Name)),
	}
	if at := strings.TrimSpace(l.Payload.SubmittedAt); at != "" {
		props[PropRequestDate] = notionapi.DateValue(at)
	}
	return props
}

// HandleLeadWebhook stores the lead-form payload for the lead bot message
// that follows it and relays it downstream.
func (e *Engine) HandleLeadWebhook(ctx context.Context, body []byte) (Outcome, error) {
	out, err := e.leadWebhook(ctx, body)
	out.Route = RouteWebhook
	out.Variant = "lead_webhook"
	outcome := "ok"
	if err != nil {
		outcome = CodeFor(err)
		out.Status = StatusFor(err)
		e.log.Warn("lead webhook failed", "status", out.Status, "error", err)
	}
	metrics.EventsTotal.WithLabelValues(string(RouteWebhook), out.Variant, outcome).Inc()
	return e.emit(out), err
}

func (e *Engine) leadWebhook(ctx context.Context, body []byte) (Outcome, error) {
	if !json.Valid(body) {
		return Outcome{Message: "Failed to forward webhook"}, fmt.Errorf("%w: body is not valid json", ErrInvalidInput)
	}
	if err := e.tables.LastWebhook.Save(body); err != nil {
		e.log.Error("lead submission not stored", "error", err)
	}
	if e.forwarder != nil {
		if err := e.forwarder.Forward(ctx, body); err != nil {
			return Outcome{Message: "Failed to forward webhook"}, fmt.Errorf("forward webhook: %w", err)
		}
	}
	return Outcome{Status: http.StatusOK, Message: "Webhook received and forwarded"}, nil
}

// HTTPForwarder posts payloads verbatim to a fixed URL.
type HTTPForwarder struct {
	url    string
	client *transport.Client
}

func NewHTTPForwarder(url string, httpClient *http.Client, log *logger.Logger) *HTTPForwarder {
	return &HTTPForwarder{
		url: strings.TrimSpace(url),
		client: transport.New(transport.Options{
			Name:       "forward",
			HTTPClient: httpClient,
			Logger:     log,
		}),
	}
}

func (f *HTTPForwarder) Forward(ctx context.Context, payload json.RawMessage) error {
	if f.url == "" {
		return nil
	}
	return f.client.DoJSON(ctx, http.MethodPost, f.url, payload, nil)
}
