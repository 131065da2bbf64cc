// Package sqlstore implements the remote sink and its identifier allocator on
// a SQL database through sqlx. SQLite (modernc) and PostgreSQL (lib/pq) are
// supported.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/shineum/maildrop-lite/internal/email"
	"github.com/shineum/maildrop-lite/internal/sink"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store persists summaries in <table> and counters in <table>_counters.
// Both tables are created on first use.
type Store struct {
	db       *sqlx.DB
	table    string
	counters string

	mu          sync.Mutex
	schemaReady bool
}

// Open connects to the database named by driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn, table string) (*Store, error) {
	if driver == "sqlite" && !strings.Contains(dsn, "busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)"
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s db: %w", driver, err)
	}

	switch driver {
	case "sqlite":
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	case "postgres":
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("pinging postgres: %w", describe(err))
		}
	}

	s, err := New(db, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. The schema is created lazily.
func New(db *sqlx.DB, table string) (*Store, error) {
	if table == "" {
		table = "messages"
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{db: db, table: table, counters: table + "_counters"}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Name returns the sink name.
func (s *Store) Name() string {
	return "sql:" + s.db.DriverName()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schemaReady {
		return nil
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			namespace TEXT NOT NULL PRIMARY KEY,
			last_id   BIGINT NOT NULL
		)`, s.counters),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			namespace   TEXT NOT NULL,
			delivery_id BIGINT NOT NULL,
			subject     TEXT NOT NULL,
			message_id  TEXT NOT NULL,
			body        TEXT NOT NULL,
			date_json   TEXT,
			from_json   TEXT NOT NULL,
			to_json     TEXT NOT NULL,
			cc_json     TEXT NOT NULL,
			bcc_json    TEXT NOT NULL,
			created_at  BIGINT NOT NULL,
			PRIMARY KEY (namespace, delivery_id)
		)`, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", describe(err))
		}
	}
	s.schemaReady = true
	return nil
}

// Allocate increments the counter of key in a single statement.
func (s *Store) Allocate(ctx context.Context, key string) (int64, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return 0, sink.AllocatorError(err)
	}

	query := s.db.Rebind(fmt.Sprintf(`INSERT INTO %[1]s (namespace, last_id) VALUES (?, 1)
		ON CONFLICT (namespace) DO UPDATE SET last_id = %[1]s.last_id + 1
		RETURNING last_id`, s.counters))

	var id int64
	if err := s.db.GetContext(ctx, &id, query, key); err != nil {
		return 0, sink.AllocatorError(fmt.Errorf("incrementing counter for %s: %w", key, describe(err)))
	}
	return id, nil
}

type row struct {
	Namespace  string         `db:"namespace"`
	DeliveryID int64          `db:"delivery_id"`
	Subject    string         `db:"subject"`
	MessageID  string         `db:"message_id"`
	Body       string         `db:"body"`
	Date       sql.NullString `db:"date_json"`
	From       string         `db:"from_json"`
	To         string         `db:"to_json"`
	Cc         string         `db:"cc_json"`
	Bcc        string         `db:"bcc_json"`
	CreatedAt  int64          `db:"created_at"`
}

// Persist allocates an identifier for t and inserts the summary of rec.
func (s *Store) Persist(ctx context.Context, t sink.Target, rec *email.Record) (int64, error) {
	id, err := s.Allocate(ctx, t.Key())
	if err != nil {
		return 0, err
	}

	r, err := toRow(t.Key(), id, rec.Summary())
	if err != nil {
		return 0, sink.WriteError(s.Name(), err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (
			namespace, delivery_id, subject, message_id, body,
			date_json, from_json, to_json, cc_json, bcc_json, created_at
		) VALUES (
			:namespace, :delivery_id, :subject, :message_id, :body,
			:date_json, :from_json, :to_json, :cc_json, :bcc_json, :created_at
		)`, s.table)
	if _, err := s.db.NamedExecContext(ctx, query, r); err != nil {
		return 0, sink.WriteError(s.Name(), fmt.Errorf("inserting %s #%d: %w", t.Key(), id, describe(err)))
	}
	return id, nil
}

// Get reads back the summary stored under (key, id).
func (s *Store) Get(ctx context.Context, key string, id int64) (email.Summary, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return email.Summary{}, err
	}

	var r row
	query := s.db.Rebind(fmt.Sprintf(`SELECT * FROM %s WHERE namespace = ? AND delivery_id = ?`, s.table))
	if err := s.db.GetContext(ctx, &r, query, key, id); err != nil {
		return email.Summary{}, fmt.Errorf("reading %s #%d: %w", key, id, describe(err))
	}
	return fromRow(r)
}

func toRow(key string, id int64, sum email.Summary) (row, error) {
	r := row{
		Namespace:  key,
		DeliveryID: id,
		Subject:    sum.Subject,
		MessageID:  sum.MessageID,
		Body:       sum.Body,
		CreatedAt:  time.Now().Unix(),
	}
	if sum.Date != nil {
		b, err := json.Marshal(sum.Date)
		if err != nil {
			return row{}, err
		}
		r.Date = sql.NullString{String: string(b), Valid: true}
	}

	for _, f := range []struct {
		dst  *string
		list []email.Address
	}{
		{&r.From, sum.From},
		{&r.To, sum.To},
		{&r.Cc, sum.Cc},
		{&r.Bcc, sum.Bcc},
	} {
		if f.list == nil {
			f.list = []email.Address{}
		}
		b, err := json.Marshal(f.list)
		if err != nil {
			return row{}, err
		}
		*f.dst = string(b)
	}
	return r, nil
}

func fromRow(r row) (email.Summary, error) {
	sum := email.Summary{
		Subject:   r.Subject,
		MessageID: r.MessageID,
		Body:      r.Body,
	}
	if r.Date.Valid {
		sum.Date = new(email.Timestamp)
		if err := json.Unmarshal([]byte(r.Date.String), sum.Date); err != nil {
			return email.Summary{}, fmt.Errorf("decoding date: %w", err)
		}
	}
	for _, f := range []struct {
		src string
		dst *[]email.Address
	}{
		{r.From, &sum.From},
		{r.To, &sum.To},
		{r.Cc, &sum.Cc},
		{r.Bcc, &sum.Bcc},
	} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return email.Summary{}, fmt.Errorf("decoding addresses: %w", err)
		}
	}
	return sum, nil
}

// describe adds the SQLSTATE condition to PostgreSQL errors.
func describe(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("postgres %s (%s): %w", pqErr.Code.Name(), pqErr.Code, err)
	}
	return err
}
