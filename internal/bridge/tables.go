package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/agentworkforce/leadbridge/internal/logger"
	"github.com/agentworkforce/leadbridge/internal/metrics"
)

const (
	TableMessagePages  = "idPairs.json"
	TableCustomActions = "customIdPairs.json"
	TableCompanyPages  = "companyPairs.json"
	TablePendingMerge  = "cacheId.json"
	TableThreadURLs    = "idurl.json"
	TableCompanyNotes  = "idcom.json"
	TableBillingGuard  = "lastTs.txt"
	TableDeferredTasks = "scheduledTasks.json"
	TableLastWebhook   = "webhookData.json"
	TableUsers         = "PachcaUsers.json"
	TableHandles       = "entityMap.json"
)

// DefaultTableLimit bounds the custom-action table on insert and every
// correlation table during the daily trim.
const DefaultTableLimit = 500

type ActionKind string

const (
	ActionDate    ActionKind = "date"
	ActionContext ActionKind = "context"
)

type CustomAction struct {
	OriginalMessageID ID         `json:"originalMessageId"`
	Kind              ActionKind `json:"type"`
}

// Tables owns every persisted correlation table. Each table is loaded fresh
// for every access and rewritten whole on mutation, under its own mutex.
type Tables struct {
	backend TableBackend
	log     *logger.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	MessagePages  *Repo[string]
	CustomActions *Repo[CustomAction]
	CompanyPages  *Repo[string]
	ThreadURLs    *Repo[string]
	CompanyNotes  *Repo[string]
	Tasks         *Repo[DeferredTask]
	PendingMerge  *PendingMerge
	BillingGuard  *BillingGuard
	LastWebhook   *LastWebhook
}

func NewTables(backend TableBackend, log *logger.Logger) *Tables {
	if backend == nil {
		backend = NewInMemoryTableBackend()
	}
	if log == nil {
		log = logger.Nop()
	}
	t := &Tables{
		backend: backend,
		log:     log,
		locks:   map[string]*sync.Mutex{},
	}
	t.MessagePages = &Repo[string]{tables: t, name: TableMessagePages}
	t.CustomActions = &Repo[CustomAction]{tables: t, name: TableCustomActions}
	t.CompanyPages = &Repo[string]{tables: t, name: TableCompanyPages}
	t.ThreadURLs = &Repo[string]{tables: t, name: TableThreadURLs}
	t.CompanyNotes = &Repo[string]{tables: t, name: TableCompanyNotes}
	t.Tasks = &Repo[DeferredTask]{tables: t, name: TableDeferredTasks}
	t.PendingMerge = &PendingMerge{tables: t}
	t.BillingGuard = &BillingGuard{tables: t}
	t.LastWebhook = &LastWebhook{tables: t}
	return t
}

func (t *Tables) Backend() TableBackend {
	return t.backend
}

type Trimmer interface {
	Trim(limit int) (int, error)
}

// Correlation lists the tables subject to the daily trim.
func (t *Tables) Correlation() map[string]Trimmer {
	return map[string]Trimmer{
		TableMessagePages:  t.MessagePages,
		TableCustomActions: t.CustomActions,
		TableCompanyPages:  t.CompanyPages,
		TableThreadURLs:    t.ThreadURLs,
		TableCompanyNotes:  t.CompanyNotes,
		TableDeferredTasks: t.Tasks,
	}
}

func (t *Tables) lock(name string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	mu, ok := t.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		t.locks[name] = mu
	}
	return mu
}

// load never fails: missing, empty, corrupt or unreadable content reads as
// an empty table.
func (t *Tables) load(name string) *Table {
	data, err := t.backend.Load(name)
	if err != nil {
		t.log.Warn("table load failed, using empty table", "table", name, "error", err)
		return NewTable()
	}
	return t.decodeTable(name, data)
}

// loadForUpdate is load for read-modify-write paths. A backend error is
// returned instead of an empty table so the stored content is never
// overwritten with a partial view.
func (t *Tables) loadForUpdate(name string) (*Table, error) {
	data, err := t.backend.Load(name)
	if err != nil {
		t.log.Error("table load failed, update skipped", "table", name, "error", err)
		metrics.TableWriteFailures.WithLabelValues(name, "load").Inc()
		return nil, fmt.Errorf("load table %s: %w", name, err)
	}
	return t.decodeTable(name, data), nil
}

func (t *Tables) decodeTable(name string, data []byte) *Table {
	if len(bytes.TrimSpace(data)) == 0 {
		return NewTable()
	}
	table := NewTable()
	if err := json.Unmarshal(data, table); err != nil {
		t.log.Warn("table content is malformed, using empty table", "table", name, "error", err)
		return NewTable()
	}
	return table
}

func (t *Tables) save(name string, table *Table) error {
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		t.log.Error("table encode failed", "table", name, "error", err)
		return err
	}
	if err := t.backend.Save(name, data); err != nil {
		t.log.Error("table save failed", "table", name, "error", err)
		metrics.TableWriteFailures.WithLabelValues(name, "save").Inc()
		return err
	}
	metrics.TableEntries.WithLabelValues(name).Set(float64(table.Len()))
	return nil
}

type Entry[V any] struct {
	Key   string
	Value V
}

// Repo is a typed view over one table.
type Repo[V any] struct {
	tables *Tables
	name   string
}

func (r *Repo[V]) Name() string { return r.name }

func (r *Repo[V]) Get(key string) (V, bool) {
	mu := r.tables.lock(r.name)
	mu.Lock()
	defer mu.Unlock()
	return r.decode(r.tables.load(r.name), key)
}

func (r *Repo[V]) decode(table *Table, key string) (V, bool) {
	var value V
	ok, err := table.Get(key, &value)
	if err != nil {
		r.tables.log.Warn("table entry is malformed", "table", r.name, "key", key, "error", err)
		var zero V
		return zero, false
	}
	return value, ok
}

func (r *Repo[V]) Set(key string, value V) error {
	return r.SetCapped(key, value, -1)
}

// SetCapped inserts and then evicts the oldest entries beyond limit. A
// negative limit disables eviction.
func (r *Repo[V]) SetCapped(key string, value V, limit int) error {
	mu := r.tables.lock(r.name)
	mu.Lock()
	defer mu.Unlock()
	table, err := r.tables.loadForUpdate(r.name)
	if err != nil {
		return err
	}
	if err := table.Set(key, value); err != nil {
		return err
	}
	if limit >= 0 {
		table.TrimOldest(limit)
	}
	return r.tables.save(r.name, table)
}

func (r *Repo[V]) Delete(key string) (bool, error) {
	mu := r.tables.lock(r.name)
	mu.Lock()
	defer mu.Unlock()
	table, err := r.tables.loadForUpdate(r.name)
	if err != nil {
		return false, err
	}
	if !table.Delete(key) {
		return false, nil
	}
	return true, r.tables.save(r.name, table)
}

// Entries returns a snapshot in insertion order, skipping malformed values.
func (r *Repo[V]) Entries() []Entry[V] {
	mu := r.tables.lock(r.name)
	mu.Lock()
	table := r.tables.load(r.name)
	mu.Unlock()
	out := make([]Entry[V], 0, table.Len())
	for _, key := range table.Keys() {
		if value, ok := r.decode(table, key); ok {
			out = append(out, Entry[V]{Key: key, Value: value})
		}
	}
	return out
}

func (r *Repo[V]) Len() int {
	mu := r.tables.lock(r.name)
	mu.Lock()
	defer mu.Unlock()
	return r.tables.load(r.name).Len()
}

func (r *Repo[V]) Trim(limit int) (int, error) {
	mu := r.tables.lock(r.name)
	mu.Lock()
	defer mu.Unlock()
	table, err := r.tables.loadForUpdate(r.name)
	if err != nil {
		return 0, err
	}
	dropped := table.TrimOldest(limit)
	if dropped == 0 {
		return 0, nil
	}
	return dropped, r.tables.save(r.name, table)
}

// PendingMerge holds at most one message id awaiting its merge partner.
type PendingMerge struct {
	tables *Tables
}

func (p *PendingMerge) Get() (ID, bool) {
	mu := p.tables.lock(TablePendingMerge)
	mu.Lock()
	defer mu.Unlock()
	var id ID
	ok, err := p.tables.load(TablePendingMerge).Get("message_id", &id)
	if err != nil || !ok || id.IsZero() {
		return "", false
	}
	return id, true
}

func (p *PendingMerge) Set(id ID) error {
	mu := p.tables.lock(TablePendingMerge)
	mu.Lock()
	defer mu.Unlock()
	table := NewTable()
	if err := table.Set("message_id", id); err != nil {
		return err
	}
	return p.tables.save(TablePendingMerge, table)
}

func (p *PendingMerge) Clear() error {
	mu := p.tables.lock(TablePendingMerge)
	mu.Lock()
	defer mu.Unlock()
	return p.tables.save(TablePendingMerge, NewTable())
}

// BillingGuard remembers the last processed billing id as plain text.
type BillingGuard struct {
	tables *Tables
}

func (g *BillingGuard) Last() (int64, bool) {
	mu := g.tables.lock(TableBillingGuard)
	mu.Lock()
	defer mu.Unlock()
	return g.lastLocked()
}

func (g *BillingGuard) lastLocked() (int64, bool) {
	data, err := g.tables.backend.Load(TableBillingGuard)
	if err != nil {
		g.tables.log.Warn("billing guard load failed", "error", err)
		return 0, false
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		g.tables.log.Warn("billing guard content is malformed", "content", raw)
		return 0, false
	}
	return v, true
}

// Claim records id and reports true, or reports false when id equals the
// last processed one. A failed write still claims; the guard is best effort.
func (g *BillingGuard) Claim(id int64) bool {
	mu := g.tables.lock(TableBillingGuard)
	mu.Lock()
	defer mu.Unlock()
	if last, ok := g.lastLocked(); ok && last == id {
		return false
	}
	if err := g.tables.backend.Save(TableBillingGuard, []byte(strconv.FormatInt(id, 10))); err != nil {
		g.tables.log.Error("billing guard save failed", "billing_id", id, "error", err)
	}
	return true
}

// LastWebhook keeps the most recent lead-form payload verbatim.
type LastWebhook struct {
	tables *Tables
}

func (l *LastWebhook) Save(payload json.RawMessage) error {
	mu := l.tables.lock(TableLastWebhook)
	mu.Lock()
	defer mu.Unlock()
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload, "", "  "); err != nil {
		return ErrInvalidInput
	}
	if err := l.tables.backend.Save(TableLastWebhook, pretty.Bytes()); err != nil {
		l.tables.log.Error("webhook payload save failed", "error", err)
		return err
	}
	return nil
}

func (l *LastWebhook) Load() (json.RawMessage, bool) {
	mu := l.tables.lock(TableLastWebhook)
	mu.Lock()
	defer mu.Unlock()
	data, err := l.tables.backend.Load(TableLastWebhook)
	if err != nil {
		l.tables.log.Warn("webhook payload load failed", "error", err)
		return nil, false
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || !json.Valid(data) {
		return nil, false
	}
	return json.RawMessage(data), true
}
