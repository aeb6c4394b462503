package sink

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var tables = map[string]string{
	"market_data_histo": `CREATE TABLE IF NOT EXISTS market_data_histo (
		mdh_timestamp bigint,
		ccy_id text,
		bid_qty text,
		bid text,
		ask text,
		ask_qty text,
		PRIMARY KEY (mdh_timestamp, ccy_id))`,
	"order_book_histo": `CREATE TABLE IF NOT EXISTS order_book_histo (
		obh_timestamp bigint,
		ccy_id text,
		order_book text,
		PRIMARY KEY (obh_timestamp, ccy_id))`,
}

type job struct {
	table  string
	record map[string]any
}

// Crate writes records to a CrateDB (or any Postgres-wire) instance. Inserts
// are handed to a single background worker through a bounded queue so the
// processing path never blocks on the store; a full queue drops the record
// with a warning.
type Crate struct {
	log  *zap.Logger
	db   *sqlx.DB
	jobs chan job
	done chan struct{}
}

// Open connects to the store and starts the insert worker.
func Open(log *zap.Logger, dsn string, queueSize int) (*Crate, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("record sink connect: %w", err)
	}

	c := &Crate{
		log:  log,
		db:   db,
		jobs: make(chan job, queueSize),
		done: make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// EnsureTables creates the history tables when they do not exist yet.
func (c *Crate) EnsureTables(ctx context.Context) error {
	for name, ddl := range tables {
		if _, err := c.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", name, err)
		}
	}
	return nil
}

// Insert queues one record for storage. Never blocks.
func (c *Crate) Insert(table string, record map[string]any) {
	select {
	case c.jobs <- job{table: table, record: record}:
	default:
		c.log.Warn("record sink queue full, dropping record", zap.String("table", table))
	}
}

// Close stops the worker and closes the store connection. Queued records are
// flushed first.
func (c *Crate) Close() error {
	close(c.jobs)
	<-c.done
	return c.db.Close()
}

func (c *Crate) run() {
	defer close(c.done)
	for j := range c.jobs {
		query, args := buildInsert(j.table, j.record)
		if _, err := c.db.Exec(query, args...); err != nil {
			c.log.Error("record sink insert failed",
				zap.String("table", j.table), zap.Error(err))
		}
	}
}

// buildInsert renders an INSERT statement with sorted columns so the output
// is deterministic for a given record.
func buildInsert(table string, record map[string]any) (string, []any) {
	cols := make([]string, 0, len(record))
	for col := range record {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = record[col]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	return query, args
}
