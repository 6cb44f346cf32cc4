package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	defaultPostgresTable = "leadbridge_tables"
	postgresTimeout      = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresTableBackend stores each table as one row: its name and the raw
// serialized content. The relation is created on first use. A "table" query
// parameter on the DSN overrides the relation name.
type PostgresTableBackend struct {
	dsn      string
	relation string
	openDB   sqlOpenFunc

	once    sync.Once
	initErr error
	db      *sql.DB
	load    string
	save    string
}

func NewPostgresTableBackend(dsn string) (*PostgresTableBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	connDSN, relation, err := splitPostgresDSN(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresTableBackend{dsn: connDSN, relation: relation, openDB: sql.Open}, nil
}

// splitPostgresDSN removes the table parameter, which the driver would
// otherwise forward to the server as a runtime setting.
func splitPostgresDSN(dsn string) (string, string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", "", fmt.Errorf("%w: postgres dsn: %v", ErrInvalidInput, err)
	}
	query := parsed.Query()
	relation := strings.TrimSpace(query.Get("table"))
	if relation == "" {
		relation = defaultPostgresTable
	}
	query.Del("table")
	parsed.RawQuery = query.Encode()
	return parsed.String(), relation, nil
}

func (b *PostgresTableBackend) Load(name string) ([]byte, error) {
	db, err := b.ready()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresTimeout)
	defer cancel()

	var content string
	switch err := db.QueryRowContext(ctx, b.load, name).Scan(&content); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load table %s: %w", name, err)
	}
	return []byte(content), nil
}

func (b *PostgresTableBackend) Save(name string, data []byte) error {
	if err := validateTableName(name); err != nil {
		return err
	}
	db, err := b.ready()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, b.save, name, string(data)); err != nil {
		return fmt.Errorf("save table %s: %w", name, err)
	}
	return nil
}

func (b *PostgresTableBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresTableBackend) ready() (*sql.DB, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	b.once.Do(func() {
		relation := postgresQuoteIdentifier(b.relation)
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = fmt.Errorf("open postgres: %w", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresTimeout)
		defer cancel()
		ddl := "CREATE TABLE IF NOT EXISTS " + relation + ` (
			name TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("create %s: %w", relation, err)
			return
		}
		b.db = db
		b.load = "SELECT content FROM " + relation + " WHERE name = $1"
		b.save = "INSERT INTO " + relation + ` (name, content) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()`
	})
	return b.db, b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
