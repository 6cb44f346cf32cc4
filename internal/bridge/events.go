package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Route string

const (
	RouteAny  Route = ""
	RouteData Route = "/data"
	RouteDemo Route = "/demo"
	RouteSale Route = "/sale"

	RouteWebhook  Route = "/webhook"
	RouteAnalytic Route = "/analytic"
)

type ReactionAction string

const (
	ReactionNew    ReactionAction = "new"
	ReactionDelete ReactionAction = "delete"
)

const (
	CodeMerge   = "➕"
	CodeDemo    = "✅"
	CodeDiscard = "❌"
	CodeTable   = "\u270F\uFE0F"
	CodeAck     = "👍"
)

// ChatEvent is the raw webhook body sent by the chat platform.
type ChatEvent struct {
	Type            string       `json:"type"`
	Event           string       `json:"event"`
	ID              ID           `json:"id"`
	MessageID       ID           `json:"message_id"`
	ParentMessageID ID           `json:"parent_message_id"`
	Code            string       `json:"code"`
	UserID          ID           `json:"user_id"`
	Content         string       `json:"content"`
	EntityType      string       `json:"entity_type"`
	EntityID        ID           `json:"entity_id"`
	ChatID          ID           `json:"chat_id"`
	Thread          *EventThread `json:"thread"`
}

type EventThread struct {
	MessageID ID `json:"message_id"`
}

func ParseChatEvent(body []byte) (ChatEvent, error) {
	if err := validateChatEvent(body); err != nil {
		return ChatEvent{}, err
	}
	var ev ChatEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ChatEvent{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return ev, nil
}

// Variant is the closed set of events the lifecycle knows how to handle.
type Variant interface {
	VariantName() string
	variant()
}

// BillingThreadNote is a reply in the thread of a billing notice.
type BillingThreadNote struct {
	ParentMessageID ID
	Content         string
}

type MergeCandidate struct {
	MessageID ID
	Action    ReactionAction
}

type StageReaction struct {
	MessageID ID
	Code      string
	Action    ReactionAction
	UserID    ID
}

// ThreadedFieldUpdate is an answer to one of the prompts posted under a lead.
type ThreadedFieldUpdate struct {
	MessageID       ID
	PromptMessageID ID
	Action          CustomAction
	Content         string
}

// NewLeadMessage is the lead-form bot announcing a submission.
type NewLeadMessage struct {
	MessageID ID
	ChatID    ID
	Content   string
}

type Unclassified struct {
	Reason string
}

func (BillingThreadNote) VariantName() string   { return "billing_thread_note" }
func (MergeCandidate) VariantName() string      { return "merge_candidate" }
func (StageReaction) VariantName() string       { return "stage_reaction" }
func (ThreadedFieldUpdate) VariantName() string { return "threaded_field_update" }
func (NewLeadMessage) VariantName() string      { return "new_lead_message" }
func (Unclassified) VariantName() string        { return "unclassified" }

func (BillingThreadNote) variant()   {}
func (MergeCandidate) variant()      {}
func (StageReaction) variant()       {}
func (ThreadedFieldUpdate) variant() {}
func (NewLeadMessage) variant()      {}
func (Unclassified) variant()        {}

// ActionLookup resolves a prompt message id to its custom action.
type ActionLookup func(promptMessageID ID) (CustomAction, bool)

type Classifier struct {
	LeadBotUserID ID
	Actions       ActionLookup
}

// Classify applies the rules in priority order, first match wins. A route
// limits the rules to the variants that route serves; threaded replies on
// /demo and billing thread notes on /sale share the same raw shape.
func (c Classifier) Classify(route Route, ev ChatEvent) Variant {
	event := strings.ToLower(strings.TrimSpace(ev.Event))
	kind := strings.ToLower(strings.TrimSpace(ev.Type))

	if routeServes(route, RouteSale) && kind == "message" && event == "new" && ev.EntityType == "thread" {
		parent := ID("")
		if ev.Thread != nil {
			parent = ev.Thread.MessageID
		}
		if parent.IsZero() {
			parent = ev.ParentMessageID
		}
		if !parent.IsZero() {
			return BillingThreadNote{ParentMessageID: parent, Content: ev.Content}
		}
	}

	if routeServes(route, RouteData) && kind == "reaction" {
		code := normalizeCode(ev.Code)
		action := ReactionAction(event)
		if action != ReactionNew && action != ReactionDelete {
			return Unclassified{Reason: fmt.Sprintf("unsupported reaction event %q", ev.Event)}
		}
		messageID := ev.MessageID
		if messageID.IsZero() {
			return Unclassified{Reason: "reaction without message_id"}
		}
		switch code {
		case normalizeCode(CodeMerge):
			return MergeCandidate{MessageID: messageID, Action: action}
		case normalizeCode(CodeDemo), normalizeCode(CodeDiscard), normalizeCode(CodeTable):
			return StageReaction{MessageID: messageID, Code: canonicalCode(code), Action: action, UserID: ev.UserID}
		}
	}

	if routeServes(route, RouteDemo) && kind == "message" && event == "new" && !ev.ParentMessageID.IsZero() && c.Actions != nil {
		if action, ok := c.Actions(ev.ParentMessageID); ok {
			return ThreadedFieldUpdate{
				MessageID:       ev.ID,
				PromptMessageID: ev.ParentMessageID,
				Action:          action,
				Content:         ev.Content,
			}
		}
	}

	if routeServes(route, RouteData) && kind == "message" && (event == "new" || event == "") &&
		!c.LeadBotUserID.IsZero() && ev.UserID == c.LeadBotUserID && !ev.ID.IsZero() {
		return NewLeadMessage{MessageID: ev.ID, ChatID: ev.ChatID, Content: ev.Content}
	}

	return Unclassified{Reason: fmt.Sprintf("no rule matches type=%q event=%q", ev.Type, ev.Event)}
}

func routeServes(route, target Route) bool {
	return route == RouteAny || route == target
}

// normalizeCode drops emoji presentation selectors so "✏" and "✏️" compare equal.
func normalizeCode(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), "\uFE0F", "")
}

func canonicalCode(normalized string) string {
	for _, code := range []string{CodeDemo, CodeDiscard, CodeTable, CodeMerge} {
		if normalizeCode(code) == normalized {
			return code
		}
	}
	return normalized
}
