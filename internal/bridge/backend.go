package bridge

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// TableBackend stores the raw bytes of named tables. Load returns nil, nil
// for a table that was never written.
type TableBackend interface {
	Load(name string) ([]byte, error)
	Save(name string, data []byte) error
}

type JSONFileTableBackend struct {
	Dir string
}

func NewJSONFileTableBackend(dir string) *JSONFileTableBackend {
	return &JSONFileTableBackend{Dir: strings.TrimSpace(dir)}
}

// Path is where the named table lives on disk.
func (b *JSONFileTableBackend) Path(name string) string {
	return filepath.Join(b.Dir, name)
}

func (b *JSONFileTableBackend) Load(name string) ([]byte, error) {
	if err := validateTableName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *JSONFileTableBackend) Save(name string, data []byte) error {
	if err := validateTableName(name); err != nil {
		return err
	}
	if b.Dir != "" && b.Dir != "." {
		if err := os.MkdirAll(b.Dir, 0o755); err != nil {
			return err
		}
	}
	path := b.Path(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

type InMemoryTableBackend struct {
	mu     sync.Mutex
	tables map[string][]byte
}

func NewInMemoryTableBackend() *InMemoryTableBackend {
	return &InMemoryTableBackend{tables: map[string][]byte{}}
}

func (b *InMemoryTableBackend) Load(name string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.tables[name]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (b *InMemoryTableBackend) Save(name string, data []byte) error {
	if err := validateTableName(name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tables[name] = append([]byte(nil), data...)
	return nil
}

func validateTableName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: table name %q", ErrInvalidInput, name)
	}
	return nil
}

func BuildTableBackendFromDSN(dsn string) (TableBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupTableBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		dir, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileTableBackend(dir), nil
	case "memory", "mem", "inmem":
		return NewInMemoryTableBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresTableBackend(dsn)
	case "redis", "rediss":
		return NewRedisTableBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: table backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported table backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host) + strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

type TableBackendFactory func(dsn string) (TableBackend, error)

var tableBackendRegistry = struct {
	mu        sync.RWMutex
	factories map[string]TableBackendFactory
}{
	factories: map[string]TableBackendFactory{},
}

func RegisterTableBackendFactory(scheme string, factory TableBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	tableBackendRegistry.mu.Lock()
	defer tableBackendRegistry.mu.Unlock()
	tableBackendRegistry.factories[scheme] = factory
}

func lookupTableBackendFactory(scheme string) (TableBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	tableBackendRegistry.mu.RLock()
	defer tableBackendRegistry.mu.RUnlock()
	factory, ok := tableBackendRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
