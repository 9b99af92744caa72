// Package sqlite implements an authority storage backend using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/protravka/protravka/authority/storage"
	"github.com/protravka/protravka/execution"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStorage implements a storage.Storage using SQLite.
// A single connection is used so transactions never contend.
type SQLiteStorage struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at path and applies the schema.
func Open(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err = db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", pragma, err)
		}
	}
	if _, err = db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) tx(ctx context.Context, g func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}
	if err = g(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx rollback: %w; while trying to handle error: %v", rbErr, err)
		}
		return fmt.Errorf("tx rolled back: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("tx commit: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func selectOrder(ctx context.Context, q queryer, id string) (*execution.Order, error) {
	var doc string
	err := q.QueryRowContext(ctx, `SELECT doc FROM orders WHERE id = ?;`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrOrderNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("select order %s: %w", id, err)
	}
	o := new(execution.Order)
	if err = json.Unmarshal([]byte(doc), o); err != nil {
		return nil, fmt.Errorf("unmarshal order %s: %w", id, err)
	}
	return o, nil
}

func upsertOrder(ctx context.Context, tx *sql.Tx, o *execution.Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO orders (id, status, doc) VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET status = excluded.status, doc = excluded.doc, updated_at = CURRENT_TIMESTAMP;`,
		o.ID, string(o.Status), string(doc),
	)
	return err
}

// StoreOrder implements the storage interface method.
func (s *SQLiteStorage) StoreOrder(ctx context.Context, o *execution.Order) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("validating order: %w", err)
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		return upsertOrder(ctx, tx, o)
	})
}

// RetrieveOrder implements the storage interface method.
func (s *SQLiteStorage) RetrieveOrder(ctx context.Context, id string) (*execution.Order, error) {
	return selectOrder(ctx, s.db, id)
}

// ListOrders implements the storage interface method.
func (s *SQLiteStorage) ListOrders(ctx context.Context, status execution.OrderStatus) ([]*execution.Order, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT doc FROM orders WHERE (?1 = '' OR status = ?1) ORDER BY id;`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()
	var orders []*execution.Order
	for rows.Next() {
		var doc string
		if err = rows.Scan(&doc); err != nil {
			return orders, fmt.Errorf("scan order: %w", err)
		}
		o := new(execution.Order)
		if err = json.Unmarshal([]byte(doc), o); err != nil {
			return orders, fmt.Errorf("unmarshal order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// UpdateOrder implements the storage interface method.
func (s *SQLiteStorage) UpdateOrder(ctx context.Context, id string, fn storage.OrderUpdater) (*execution.Order, error) {
	var o *execution.Order
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		if o, err = selectOrder(ctx, tx, id); err != nil {
			return err
		}
		if err = fn(o); err != nil {
			return err
		}
		if err = o.Validate(); err != nil {
			return fmt.Errorf("validating order: %w", err)
		}
		return upsertOrder(ctx, tx, o)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func selectRecord(ctx context.Context, q queryer, orderID string) (*execution.ExecutionRecord, error) {
	var doc string
	err := q.QueryRowContext(ctx, `SELECT doc FROM records WHERE order_id = ?;`, orderID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrRecordNotFound, orderID)
	} else if err != nil {
		return nil, fmt.Errorf("select record %s: %w", orderID, err)
	}
	r := new(execution.ExecutionRecord)
	return r, r.UnmarshalBinary([]byte(doc))
}

// UpdateRecord implements the storage interface method.
func (s *SQLiteStorage) UpdateRecord(ctx context.Context, orderID string, fn storage.RecordUpdater) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		o, err := selectOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		prev, err := selectRecord(ctx, tx, orderID)
		if errors.Is(err, storage.ErrRecordNotFound) {
			prev = nil
		} else if err != nil {
			return err
		}
		r, err := fn(o, prev)
		if err != nil {
			return err
		}
		doc, err := r.MarshalBinary()
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO records (order_id, seq, doc) VALUES (?, ?, ?)
ON CONFLICT (order_id) DO UPDATE SET seq = excluded.seq, doc = excluded.doc, updated_at = CURRENT_TIMESTAMP;`,
			orderID, r.Seq, string(doc),
		)
		return err
	})
}

// RetrieveRecord implements the storage interface method.
func (s *SQLiteStorage) RetrieveRecord(ctx context.Context, orderID string) (*execution.ExecutionRecord, error) {
	return selectRecord(ctx, s.db, orderID)
}

// StoreMedia implements the storage interface method.
func (s *SQLiteStorage) StoreMedia(ctx context.Context, id, contentType string, data []byte) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO media (id, content_type, data) VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET content_type = excluded.content_type, data = excluded.data;`,
		id, contentType, data,
	)
	return err
}

// RetrieveMedia implements the storage interface method.
func (s *SQLiteStorage) RetrieveMedia(ctx context.Context, id string) ([]byte, string, error) {
	var data []byte
	var contentType string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT data, content_type FROM media WHERE id = ?;`,
		id,
	).Scan(&data, &contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: %s", storage.ErrMediaNotFound, id)
	}
	return data, contentType, err
}
