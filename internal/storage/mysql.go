package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/maneesh/permastore/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// mysqlErrDuplicateEntry is ER_DUP_ENTRY
const mysqlErrDuplicateEntry = 1062

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS links (
		token      VARCHAR(64) NOT NULL PRIMARY KEY,
		item_count INT         NOT NULL,
		created_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS link_items (
		token      VARCHAR(64) NOT NULL,
		position   INT         NOT NULL,
		chat_id    BIGINT      NOT NULL,
		message_id BIGINT      NOT NULL,
		PRIMARY KEY (token, position)
	)`,
}

// MySQLStore is a LinkStore backed by MySQL or TiDB. A link is one row in links
// plus one row per content reference in link_items, ordered by position.
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore opens and pings the database
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return NewMySQLStoreFromDB(db), nil
}

// NewMySQLStoreFromDB wraps an already opened database handle
func NewMySQLStoreFromDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// EnsureSchema creates the link tables if they do not exist
func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *MySQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Put inserts the link and its items in one transaction
func (s *MySQLStore) Put(ctx context.Context, token string, refs []models.ContentRef) error {
	ctx, span := tracer.Start(ctx, "mysql.put_link",
		trace.WithAttributes(
			attribute.String("token", token),
			attribute.Int("item_count", len(refs)),
		),
	)
	defer span.End()

	if len(refs) == 0 {
		return ErrEmptyBatch
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO links (token, item_count, created_at) VALUES (?, ?, ?)`,
		token, len(refs), s.now().UTC(),
	)
	if err != nil {
		if isDuplicateEntry(err) {
			span.SetAttributes(attribute.Bool("duplicate", true))
			return ErrDuplicateToken
		}
		span.RecordError(err)
		return fmt.Errorf("failed to insert link: %w", err)
	}

	for i, ref := range refs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO link_items (token, position, chat_id, message_id) VALUES (?, ?, ?, ?)`,
			token, i, ref.ChatID, ref.MessageID,
		)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to insert link item %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit link: %w", err)
	}

	span.SetAttributes(attribute.Bool("insert_success", true))
	return nil
}

// Get loads a link and its items in stored order
func (s *MySQLStore) Get(ctx context.Context, token string) (*models.LinkRecord, error) {
	ctx, span := tracer.Start(ctx, "mysql.get_link",
		trace.WithAttributes(
			attribute.String("token", token),
		),
	)
	defer span.End()

	record := &models.LinkRecord{Token: token}
	var itemCount int
	err := s.db.QueryRowContext(ctx,
		`SELECT item_count, created_at FROM links WHERE token = ?`, token,
	).Scan(&itemCount, &record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query link: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, message_id FROM link_items WHERE token = ? ORDER BY position ASC`, token,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query link items: %w", err)
	}
	defer rows.Close()

	record.Refs = make([]models.ContentRef, 0, itemCount)
	for rows.Next() {
		var ref models.ContentRef
		if err := rows.Scan(&ref.ChatID, &ref.MessageID); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan link item: %w", err)
		}
		record.Refs = append(record.Refs, ref)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating link items: %w", err)
	}

	// The link row may have been deleted between the two queries.
	if len(record.Refs) == 0 {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, nil
	}

	span.SetAttributes(
		attribute.Bool("found", true),
		attribute.Int("item_count", len(record.Refs)),
	)
	return record, nil
}

// Delete removes a link and its items
func (s *MySQLStore) Delete(ctx context.Context, token string) error {
	ctx, span := tracer.Start(ctx, "mysql.delete_link",
		trace.WithAttributes(
			attribute.String("token", token),
		),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE token = ?`, token); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete link: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM link_items WHERE token = ?`, token); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete link items: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry
}
