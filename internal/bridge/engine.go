package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/leadbridge/internal/chatapi"
	"github.com/agentworkforce/leadbridge/internal/logger"
	"github.com/agentworkforce/leadbridge/internal/notionapi"
)

// Store property names and stage values of the leads database.
const (
	PropName         = "Name"
	PropStage        = "Этап"
	PropAttribution  = "Откуда о нас узнали"
	PropDemoDate     = "Дата демо"
	PropContacts     = "Контакты"
	PropRequestDate  = "Дата заявки"
	PropSectionOne   = "Название этапа 1"
	PropSectionTwo   = "Название этапа 2"
	PropSectionThree = "Название этапа 3"

	StageLead          = "Заявка"
	StageDemoScheduled = "Проводим демо"
	StageTableSent     = "Отправили таблицу"

	TitleRequestMarker = ", На что пришли:"
	TitleMergedSuffix  = ", Таблица + Демо"
)

// PageStore is the subset of the workspace store API the lifecycle uses.
type PageStore interface {
	CreatePage(ctx context.Context, databaseID string, props notionapi.Properties) (notionapi.Page, error)
	RetrievePage(ctx context.Context, pageID string) (notionapi.Page, error)
	UpdatePage(ctx context.Context, pageID string, props notionapi.Properties) error
	ArchivePage(ctx context.Context, pageID string) error
	AppendParagraph(ctx context.Context, blockID, text string) error
	QueryAll(ctx context.Context, databaseID string) ([]notionapi.Page, error)
}

// ChatAPI is the subset of the chat platform API the lifecycle uses.
type ChatAPI interface {
	GetMessage(ctx context.Context, id int64) (chatapi.Message, error)
	PostMessage(ctx context.Context, entityType string, entityID int64, content string) (chatapi.Message, error)
	CreateThread(ctx context.Context, messageID int64) (chatapi.Thread, error)
	ListMessages(ctx context.Context, chatID int64, page, perPage int) ([]chatapi.Message, error)
	AddReaction(ctx context.Context, messageID int64, code string) error
	ListReactions(ctx context.Context, messageID int64) ([]chatapi.Reaction, error)
}

// Forwarder relays lead-form payloads to a downstream consumer.
type Forwarder interface {
	Forward(ctx context.Context, payload json.RawMessage) error
}

type Options struct {
	Tables    *Tables
	Directory *Directory
	Store     PageStore
	// Chat posts in the leads chat and report discussion.
	Chat ChatAPI
	// BillingChat posts billing notices; defaults to Chat.
	BillingChat ChatAPI
	Forwarder   Forwarder
	Logger      *logger.Logger
	Location    *time.Location
	Now         func() time.Time

	DatabaseID          string
	Workspace           string
	LeadBotUserID       ID
	ReportDiscussionID  int64
	BillingDiscussionID int64
	// BillingChatID is scanned when a billing id has no cached thread.
	BillingChatID       int64
	BillingHistoryPages int
	ThreadURLBase       string
	FollowUpDelay       time.Duration
	TableLimit          int
	ReportConcurrency   int
	// Observer receives every handled outcome; used by the live admin feed.
	Observer func(Outcome)
}

type Engine struct {
	tables      *Tables
	directory   *Directory
	store       PageStore
	chat        ChatAPI
	billingChat ChatAPI
	forwarder   Forwarder
	log         *logger.Logger
	location    *time.Location
	now         func() time.Time
	classifier  Classifier
	observer    func(Outcome)

	databaseID          string
	workspace           string
	reportDiscussionID  int64
	billingDiscussionID int64
	billingChatID       int64
	billingHistoryPages int
	threadURLBase       string
	followUpDelay       time.Duration
	tableLimit          int
	reportConcurrency   int

	// mergeMu serialises the read-decide-write of the pending merge cache.
	mergeMu sync.Mutex
	// billingMu serialises billing requests so guard and mapping stay consistent.
	billingMu sync.Mutex
}

// Outcome is what a handled event answers to the webhook caller.
type Outcome struct {
	Route   Route  `json:"route"`
	Variant string `json:"variant"`
	Status  int    `json:"status"`
	Message string `json:"message"`
	PageID  string `json:"pageId,omitempty"`
	// JSON marks outcomes answered as a JSON document instead of plain text.
	JSON bool      `json:"-"`
	At   time.Time `json:"at"`
}

func NewEngine(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	tables := opts.Tables
	if tables == nil {
		tables = NewTables(nil, log)
	}
	directory := opts.Directory
	if directory == nil {
		directory = NewDirectory(tables, log)
	}
	location := opts.Location
	if location == nil {
		location = time.UTC
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	billingChat := opts.BillingChat
	if billingChat == nil {
		billingChat = opts.Chat
	}
	historyPages := opts.BillingHistoryPages
	if historyPages <= 0 {
		historyPages = 5
	}
	followUp := opts.FollowUpDelay
	if followUp <= 0 {
		followUp = 15 * time.Minute
	}
	limit := opts.TableLimit
	if limit <= 0 {
		limit = DefaultTableLimit
	}
	concurrency := opts.ReportConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	e := &Engine{
		tables:              tables,
		directory:           directory,
		store:               opts.Store,
		chat:                opts.Chat,
		billingChat:         billingChat,
		forwarder:           opts.Forwarder,
		log:                 log,
		location:            location,
		now:                 now,
		observer:            opts.Observer,
		databaseID:          strings.TrimSpace(opts.DatabaseID),
		workspace:           strings.TrimSpace(opts.Workspace),
		reportDiscussionID:  opts.ReportDiscussionID,
		billingDiscussionID: opts.BillingDiscussionID,
		billingChatID:       opts.BillingChatID,
		billingHistoryPages: historyPages,
		threadURLBase:       opts.ThreadURLBase,
		followUpDelay:       followUp,
		tableLimit:          limit,
		reportConcurrency:   concurrency,
	}
	e.classifier = Classifier{
		LeadBotUserID: opts.LeadBotUserID,
		Actions: func(prompt ID) (CustomAction, bool) {
			return tables.CustomActions.Get(prompt.String())
		},
	}
	return e
}

func (e *Engine) Tables() *Tables { return e.tables }

func (e *Engine) Directory() *Directory { return e.directory }

func (e *Engine) clock() time.Time {
	return e.now().In(e.location)
}

func (e *Engine) pageLink(pageID string) string {
	return notionapi.PageLink(e.workspace, pageID)
}

func (e *Engine) emit(out Outcome) Outcome {
	if out.At.IsZero() {
		out.At = e.now().UTC()
	}
	if e.observer != nil {
		e.observer(out)
	}
	return out
}

// lookupPage resolves a message id to its tracked page.
func (e *Engine) lookupPage(messageID ID) (string, bool) {
	pageID, ok := e.tables.MessagePages.Get(messageID.String())
	if !ok || strings.TrimSpace(pageID) == "" {
		return "", false
	}
	return pageID, true
}

// Snapshot summarises persisted state for operators.
type Snapshot struct {
	Tables       map[string]int `json:"tables"`
	PendingMerge string         `json:"pendingMerge,omitempty"`
	LastBilling  *int64         `json:"lastBillingId,omitempty"`
	Tasks        []DeferredTask `json:"tasks"`
	DueTasks     int            `json:"dueTasks"`
	GeneratedAt  time.Time      `json:"generatedAt"`
}

func (e *Engine) Snapshot() Snapshot {
	now := e.now().UTC()
	snap := Snapshot{
		Tables: map[string]int{
			TableMessagePages:  e.tables.MessagePages.Len(),
			TableCustomActions: e.tables.CustomActions.Len(),
			TableCompanyPages:  e.tables.CompanyPages.Len(),
			TableThreadURLs:    e.tables.ThreadURLs.Len(),
			TableCompanyNotes:  e.tables.CompanyNotes.Len(),
			TableDeferredTasks: e.tables.Tasks.Len(),
		},
		Tasks:       e.PendingTasks(),
		GeneratedAt: now,
	}
	if id, found := e.tables.PendingMerge.Get(); found {
		snap.PendingMerge = id.String()
	}
	if last, found := e.tables.BillingGuard.Last(); found {
		snap.LastBilling = &last
	}
	for _, task := range snap.Tasks {
		if task.Due(now) {
			snap.DueTasks++
		}
	}
	return snap
}
