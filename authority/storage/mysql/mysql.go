// Package mysql implements an authority storage backend using MySQL.
// The schema in schema.sql must be applied beforehand.
package mysql

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/protravka/protravka/authority/storage"
	"github.com/protravka/protravka/execution"
)

//go:embed schema.sql
var Schema string

// MySQLStorage implements a storage.Storage using MySQL.
type MySQLStorage struct {
	db *sql.DB
}

type config struct {
	driver string
	dsn    string
	db     *sql.DB
}

// Option allows configuring a MySQLStorage.
type Option func(*config)

// WithDSN sets the storage MySQL data source name.
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithDriver sets a custom MySQL driver for the storage.
// Default driver is "mysql" but is ignored if WithDB is used.
func WithDriver(driver string) Option {
	return func(c *config) {
		c.driver = driver
	}
}

// WithDB sets a custom MySQL *sql.DB to the storage.
// If set, driver passed via WithDriver is ignored.
func WithDB(db *sql.DB) Option {
	return func(c *config) {
		c.db = db
	}
}

// New creates and returns a new MySQLStorage.
func New(opts ...Option) (*MySQLStorage, error) {
	cfg := &config{driver: "mysql"}
	for _, opt := range opts {
		opt(cfg)
	}
	var err error
	if cfg.db == nil {
		cfg.db, err = sql.Open(cfg.driver, cfg.dsn)
		if err != nil {
			return nil, err
		}
	}
	if err = cfg.db.Ping(); err != nil {
		return nil, err
	}
	return &MySQLStorage{db: cfg.db}, nil
}

// txcb executes SQL within transactions when wrapped in tx().
type txcb func(ctx context.Context, tx *sql.Tx) error

// tx wraps g in transactions using db.
// If g returns an err the transaction will be rolled back; otherwise committed.
func tx(ctx context.Context, db *sql.DB, g txcb) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}
	if err = g(ctx, tx); err != nil {
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

func selectOrder(ctx context.Context, q queryer, query, id string) (*execution.Order, error) {
	var doc []byte
	err := q.QueryRowContext(ctx, query, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrOrderNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("select order %s: %w", id, err)
	}
	o := new(execution.Order)
	if err = json.Unmarshal(doc, o); err != nil {
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
ON DUPLICATE KEY UPDATE status = VALUES(status), doc = VALUES(doc);`,
		o.ID, string(o.Status), string(doc),
	)
	return err
}

// StoreOrder implements the storage interface method.
func (s *MySQLStorage) StoreOrder(ctx context.Context, o *execution.Order) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("validating order: %w", err)
	}
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		return upsertOrder(ctx, tx, o)
	})
}

// RetrieveOrder implements the storage interface method.
func (s *MySQLStorage) RetrieveOrder(ctx context.Context, id string) (*execution.Order, error) {
	return selectOrder(ctx, s.db, `SELECT doc FROM orders WHERE id = ?;`, id)
}

// ListOrders implements the storage interface method.
func (s *MySQLStorage) ListOrders(ctx context.Context, status execution.OrderStatus) ([]*execution.Order, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT doc FROM orders WHERE (? = '' OR status = ?) ORDER BY id;`,
		string(status), string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()
	var orders []*execution.Order
	for rows.Next() {
		var doc []byte
		if err = rows.Scan(&doc); err != nil {
			return orders, fmt.Errorf("scan order: %w", err)
		}
		o := new(execution.Order)
		if err = json.Unmarshal(doc, o); err != nil {
			return orders, fmt.Errorf("unmarshal order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// UpdateOrder implements the storage interface method.
// The order row is locked for the duration of the update.
func (s *MySQLStorage) UpdateOrder(ctx context.Context, id string, fn storage.OrderUpdater) (*execution.Order, error) {
	var o *execution.Order
	err := tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		o, err = selectOrder(ctx, tx, `SELECT doc FROM orders WHERE id = ? FOR UPDATE;`, id)
		if err != nil {
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
	var doc []byte
	err := q.QueryRowContext(ctx, `SELECT doc FROM records WHERE order_id = ?;`, orderID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrRecordNotFound, orderID)
	} else if err != nil {
		return nil, fmt.Errorf("select record %s: %w", orderID, err)
	}
	r := new(execution.ExecutionRecord)
	return r, r.UnmarshalBinary(doc)
}

// UpdateRecord implements the storage interface method.
// The order row is locked so record updates of an order serialize.
func (s *MySQLStorage) UpdateRecord(ctx context.Context, orderID string, fn storage.RecordUpdater) error {
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		o, err := selectOrder(ctx, tx, `SELECT doc FROM orders WHERE id = ? FOR UPDATE;`, orderID)
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
ON DUPLICATE KEY UPDATE seq = VALUES(seq), doc = VALUES(doc);`,
			orderID, r.Seq, string(doc),
		)
		return err
	})
}

// RetrieveRecord implements the storage interface method.
func (s *MySQLStorage) RetrieveRecord(ctx context.Context, orderID string) (*execution.ExecutionRecord, error) {
	return selectRecord(ctx, s.db, orderID)
}

// StoreMedia implements the storage interface method.
func (s *MySQLStorage) StoreMedia(ctx context.Context, id, contentType string, data []byte) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO media (id, content_type, data) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE content_type = VALUES(content_type), data = VALUES(data);`,
		id, contentType, data,
	)
	return err
}

// RetrieveMedia implements the storage interface method.
func (s *MySQLStorage) RetrieveMedia(ctx context.Context, id string) ([]byte, string, error) {
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
