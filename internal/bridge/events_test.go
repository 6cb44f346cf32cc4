package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classify(t *testing.T, c Classifier, route Route, body string) Variant {
	t.Helper()
	ev, err := ParseChatEvent([]byte(body))
	require.NoError(t, err)
	return c.Classify(route, ev)
}

func TestClassifierPriorityOnAnyRoute(t *testing.T) {
	c := Classifier{
		LeadBotUserID: "371852",
		Actions: func(prompt ID) (CustomAction, bool) {
			if prompt == "500" {
				return CustomAction{OriginalMessageID: "100", Kind: ActionContext}, true
			}
			return CustomAction{}, false
		},
	}

	v := classify(t, c, RouteAny, `{"type":"message","event":"new","entity_type":"thread","thread":{"message_id":700},"parent_message_id":500,"content":"x"}`)
	assert.Equal(t, BillingThreadNote{ParentMessageID: "700", Content: "x"}, v)

	v = classify(t, c, RouteAny, `{"type":"reaction","event":"new","code":"➕","message_id":1}`)
	assert.Equal(t, MergeCandidate{MessageID: "1", Action: ReactionNew}, v)

	v = classify(t, c, RouteAny, `{"type":"reaction","event":"delete","code":"❌","message_id":"2","user_id":3}`)
	assert.Equal(t, StageReaction{MessageID: "2", Code: CodeDiscard, Action: ReactionDelete, UserID: "3"}, v)

	v = classify(t, c, RouteAny, `{"type":"message","event":"new","id":501,"parent_message_id":500,"content":"ctx","user_id":371852}`)
	assert.Equal(t, ThreadedFieldUpdate{
		MessageID:       "501",
		PromptMessageID: "500",
		Action:          CustomAction{OriginalMessageID: "100", Kind: ActionContext},
		Content:         "ctx",
	}, v)

	v = classify(t, c, RouteAny, `{"type":"message","event":"new","id":300,"chat_id":9,"user_id":371852,"content":"lead"}`)
	assert.Equal(t, NewLeadMessage{MessageID: "300", ChatID: "9", Content: "lead"}, v)
}

func TestClassifierRouteScoping(t *testing.T) {
	c := Classifier{LeadBotUserID: "371852"}
	thread := `{"type":"message","event":"new","entity_type":"thread","parent_message_id":700,"content":"x"}`

	assert.IsType(t, BillingThreadNote{}, classify(t, c, RouteSale, thread))
	assert.IsType(t, Unclassified{}, classify(t, c, RouteData, thread))
	assert.IsType(t, Unclassified{}, classify(t, c, RouteSale, `{"type":"reaction","event":"new","code":"✅","message_id":1}`))
	assert.IsType(t, Unclassified{}, classify(t, c, RouteDemo, `{"type":"message","event":"new","id":300,"user_id":371852}`))
}

func TestClassifierRejectsOddReactions(t *testing.T) {
	c := Classifier{}
	assert.IsType(t, Unclassified{}, classify(t, c, RouteData, `{"type":"reaction","event":"new","code":"🔥","message_id":1}`))
	assert.IsType(t, Unclassified{}, classify(t, c, RouteData, `{"type":"reaction","event":"update","code":"✅","message_id":1}`))
	assert.IsType(t, Unclassified{}, classify(t, c, RouteData, `{"type":"reaction","event":"new","code":"✅"}`))
	assert.IsType(t, Unclassified{}, classify(t, c, RouteData, `{"type":"message","event":"new","id":300,"user_id":371852}`))
}

func TestTableCodeSpellings(t *testing.T) {
	c := Classifier{}
	for _, code := range []string{"✏", "✏️"} {
		ev := ChatEvent{Type: "reaction", Event: "new", Code: code, MessageID: "1"}
		v := c.Classify(RouteData, ev)
		require.IsType(t, StageReaction{}, v)
		assert.Equal(t, CodeTable, v.(StageReaction).Code)
	}
}

func TestParseChatEventAcceptsStringAndNumberIDs(t *testing.T) {
	ev, err := ParseChatEvent([]byte(`{"type":"reaction","message_id":"12","user_id":34,"parent_message_id":null}`))
	require.NoError(t, err)
	assert.Equal(t, ID("12"), ev.MessageID)
	assert.Equal(t, ID("34"), ev.UserID)
	assert.True(t, ev.ParentMessageID.IsZero())
}
