package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/leadbridge/internal/chatapi"
	"github.com/agentworkforce/leadbridge/internal/notionapi"
)

type fakeStore struct {
	mu       sync.Mutex
	pages    map[string]notionapi.Page
	updates  map[string][]notionapi.Properties
	archived []string
	appended map[string][]string
	created  []notionapi.Properties
	nextID   int
	failAll  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pages:    map[string]notionapi.Page{},
		updates:  map[string][]notionapi.Properties{},
		appended: map[string][]string{},
	}
}

func (s *fakeStore) addPage(id, title, stage, demoDate string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	props := map[string]notionapi.Property{
		PropName:  {Type: "title", Title: []notionapi.RichText{{PlainText: title}}},
		PropStage: {Type: "status", Status: &notionapi.Option{Name: stage}},
	}
	if demoDate != "" {
		props[PropDemoDate] = notionapi.Property{Type: "date", Date: &notionapi.Date{Start: demoDate}}
	}
	s.pages[id] = notionapi.Page{ID: id, Properties: props}
}

func (s *fakeStore) CreatePage(_ context.Context, _ string, props notionapi.Properties) (notionapi.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return notionapi.Page{}, s.failAll
	}
	s.nextID++
	page := notionapi.Page{ID: fmt.Sprintf("new-page-%d", s.nextID)}
	s.created = append(s.created, props)
	s.pages[page.ID] = page
	return page, nil
}

func (s *fakeStore) RetrievePage(_ context.Context, pageID string) (notionapi.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return notionapi.Page{}, s.failAll
	}
	page, ok := s.pages[pageID]
	if !ok {
		return notionapi.Page{}, fmt.Errorf("page %s missing", pageID)
	}
	return page, nil
}

func (s *fakeStore) UpdatePage(_ context.Context, pageID string, props notionapi.Properties) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return s.failAll
	}
	s.updates[pageID] = append(s.updates[pageID], props)
	return nil
}

func (s *fakeStore) ArchivePage(_ context.Context, pageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return s.failAll
	}
	s.archived = append(s.archived, pageID)
	if page, ok := s.pages[pageID]; ok {
		page.Archived = true
		s.pages[pageID] = page
	}
	return nil
}

func (s *fakeStore) AppendParagraph(_ context.Context, blockID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return s.failAll
	}
	s.appended[blockID] = append(s.appended[blockID], text)
	return nil
}

func (s *fakeStore) QueryAll(_ context.Context, _ string) ([]notionapi.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return nil, s.failAll
	}
	out := make([]notionapi.Page, 0, len(s.pages))
	for _, page := range s.pages {
		if !page.Archived {
			out = append(out, page)
		}
	}
	return out, nil
}

func (s *fakeStore) mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.archived) + len(s.created)
	for _, u := range s.updates {
		n += len(u)
	}
	for _, a := range s.appended {
		n += len(a)
	}
	return n
}

type postedMessage struct {
	EntityType string
	EntityID   int64
	Content    string
}

type fakeChat struct {
	mu        sync.Mutex
	messages  map[int64]chatapi.Message
	posted    []postedMessage
	threads   []int64
	reactions map[int64][]chatapi.Reaction
	added     map[int64][]string
	history   map[int64][]chatapi.Message
	nextID    int64
	failPost  error
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		messages:  map[int64]chatapi.Message{},
		reactions: map[int64][]chatapi.Reaction{},
		added:     map[int64][]string{},
		history:   map[int64][]chatapi.Message{},
		nextID:    9000,
	}
}

func (c *fakeChat) GetMessage(_ context.Context, id int64) (chatapi.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.messages[id]
	if !ok {
		return chatapi.Message{}, fmt.Errorf("message %d missing", id)
	}
	return msg, nil
}

func (c *fakeChat) PostMessage(_ context.Context, entityType string, entityID int64, content string) (chatapi.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failPost != nil {
		return chatapi.Message{}, c.failPost
	}
	c.nextID++
	c.posted = append(c.posted, postedMessage{EntityType: entityType, EntityID: entityID, Content: content})
	return chatapi.Message{ID: c.nextID, EntityType: entityType, EntityID: entityID, Content: content}, nil
}

// CreateThread returns thread id = message id + 1 and chat id = message id + 2.
func (c *fakeChat) CreateThread(_ context.Context, messageID int64) (chatapi.Thread, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads = append(c.threads, messageID)
	return chatapi.Thread{ID: messageID + 1, ChatID: messageID + 2, MessageID: messageID}, nil
}

func (c *fakeChat) ListMessages(_ context.Context, chatID int64, page, _ int) ([]chatapi.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if page > 1 {
		return nil, nil
	}
	return c.history[chatID], nil
}

func (c *fakeChat) AddReaction(_ context.Context, messageID int64, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added[messageID] = append(c.added[messageID], code)
	return nil
}

func (c *fakeChat) ListReactions(_ context.Context, messageID int64) ([]chatapi.Reaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reactions[messageID], nil
}

func (c *fakeChat) postedMessages() []postedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]postedMessage(nil), c.posted...)
}

type testRig struct {
	engine  *Engine
	tables  *Tables
	store   *fakeStore
	chat    *fakeChat
	billing *fakeChat
	backend *InMemoryTableBackend
	now     time.Time
}

var moscow = time.FixedZone("MSK", 3*60*60)

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	backend := NewInMemoryTableBackend()
	tables := NewTables(backend, nil)
	rig := &testRig{
		tables:  tables,
		store:   newFakeStore(),
		chat:    newFakeChat(),
		billing: newFakeChat(),
		backend: backend,
		now:     time.Date(2024, 12, 10, 9, 0, 0, 0, moscow),
	}
	rig.engine = NewEngine(Options{
		Tables:              tables,
		Store:               rig.store,
		Chat:                rig.chat,
		BillingChat:         rig.billing,
		Location:            moscow,
		Now:                 func() time.Time { return rig.now },
		DatabaseID:          "db-1",
		Workspace:           "acme",
		LeadBotUserID:       "371852",
		ReportDiscussionID:  4624312,
		BillingDiscussionID: 2342381,
		BillingChatID:       777,
	})
	return rig
}

func (r *testRig) seedDirectory(t *testing.T, users, handles string) {
	t.Helper()
	if users != "" {
		require.NoError(t, r.backend.Save(TableUsers, []byte(users)))
	}
	if handles != "" {
		require.NoError(t, r.backend.Save(TableHandles, []byte(handles)))
	}
	r.engine.Directory().Reload()
}

func (r *testRig) handle(t *testing.T, route Route, body string) (Outcome, error) {
	t.Helper()
	return r.engine.HandleChatEvent(context.Background(), route, []byte(body))
}
