// Package gateway implements Gateway, the entry point through which rows are
// written to and read from the database. A row which cannot be written
// through is never returned to its caller as an error: it's instead added to
// a pending.Queue, and the Queue is persisted so that the row survives a
// restart. A recovery.Scheduler later replays queued rows via TryInsert.
package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/wmib/rowshim/metrics"
	"github.com/wmib/rowshim/pending"
	"github.com/wmib/rowshim/row"
)

// Database is the capability of a database required by the Gateway.
// It's implemented by *sqldb.DB.
type Database interface {
	// IsConnected returns whether the Database is believed to be reachable.
	IsConnected() bool
	// ValidateTable returns an error if |table| can never be written,
	// regardless of connectivity.
	ValidateTable(table string) error
	// InsertRow inserts the Row into |table|.
	InsertRow(ctx context.Context, table string, r row.Row) error
	// SelectRows selects |columns| from |table| with trailing |query| clauses,
	// returning all cells joined by |separator|.
	SelectRows(ctx context.Context, table, columns, query, separator string) (string, error)
}

// Persister persists a pending.Set. It's implemented by *snapshot.Store.
type Persister interface {
	Persist(pending.Set)
}

// DefaultSeparator joins the cells of Select results.
const DefaultSeparator = "|"

// ErrNotConnected is returned when the Database isn't connected.
var ErrNotConnected = errors.New("not connected")

// Gateway writes rows to a Database, falling back to a pending.Queue.
type Gateway struct {
	db        Database
	queue     *pending.Queue
	store     Persister
	separator string

	// Serializes the connectivity check, insert, and fallback of writers
	// with the row-by-row replay of TryInsert.
	writeMu sync.Mutex
	// Guards |recovering| transitions and each Flush, such that a Flush
	// either completes before a recovery pass drains the Queue or observes
	// the pass and is skipped. Flushes are also serialized, so snapshots
	// are persisted in the order they're read.
	flushMu sync.Mutex
	// Set while a recovery pass holds drained rows outside of the Queue.
	// Flushes are skipped while set, as they would persist a Set missing
	// those rows.
	recovering atomic.Bool

	errMu   sync.Mutex
	lastErr error
}

// New returns a Gateway of the Database, which queues rows into |queue|
// and persists it with |store|. An empty |separator| is DefaultSeparator.
func New(db Database, queue *pending.Queue, store Persister, separator string) *Gateway {
	if separator == "" {
		separator = DefaultSeparator
	}
	return &Gateway{
		db:        db,
		queue:     queue,
		store:     store,
		separator: separator,
	}
}

// InsertRow writes the Row to |table| of the Database, returning true if it
// was written through. Otherwise the Row is queued and persisted for later
// replay, and false is returned. A Row which fails validation is neither
// written nor queued, and false is returned.
func (g *Gateway) InsertRow(ctx context.Context, table string, r row.Row) bool {
	if err := g.validate(table, r); err != nil {
		g.setLastError(err)
		log.WithFields(log.Fields{"err": err, "table": table}).Warn("rejected invalid row")
		return false
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if !g.db.IsConnected() {
		g.setLastError(ErrNotConnected)
		g.postpone(table, r, metrics.ReasonDisconnected)
		return false
	}

	var err = g.db.InsertRow(ctx, table, r)
	metrics.RowsInsertedTotal.WithLabelValues(metrics.Status(err)).Inc()

	if err != nil {
		g.setLastError(err)
		log.WithFields(log.Fields{"err": err, "table": table}).
			Warn("failed to insert row; postponing it")
		g.postpone(table, r, metrics.ReasonWriteError)
		return false
	}
	return true
}

// postpone queues the Row and flushes the Queue. |writeMu| must be held.
func (g *Gateway) postpone(table string, r row.Row, reason string) {
	g.queue.Enqueue(table, r)
	metrics.RowsQueuedTotal.WithLabelValues(reason).Inc()

	log.WithFields(log.Fields{
		"table":   table,
		"reason":  reason,
		"pending": g.queue.Len(),
	}).Debug("postponed row")

	g.Flush()
}

// TryInsert writes the Row to |table| of the Database, returning any error.
// Unlike InsertRow, a failed Row isn't queued: it's the caller's
// responsibility to retain it.
func (g *Gateway) TryInsert(ctx context.Context, table string, r row.Row) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if !g.db.IsConnected() {
		return ErrNotConnected
	}
	var err = g.db.InsertRow(ctx, table, r)
	metrics.RowsInsertedTotal.WithLabelValues(metrics.Status(err)).Inc()

	if err != nil {
		g.setLastError(err)
	}
	return err
}

// Select reads |columns| of |table| with trailing |query| clauses (eg,
// "WHERE id > 10 ORDER BY id"), returning every cell of every returned row
// joined by the Gateway's separator.
func (g *Gateway) Select(ctx context.Context, table, columns, query string) (string, error) {
	if !g.db.IsConnected() {
		g.setLastError(ErrNotConnected)
		metrics.SelectsTotal.WithLabelValues(metrics.Fail).Inc()
		return "", ErrNotConnected
	}
	var out, err = g.db.SelectRows(ctx, table, columns, query, g.separator)
	metrics.SelectsTotal.WithLabelValues(metrics.Status(err)).Inc()

	if err != nil {
		g.setLastError(err)
		return "", err
	}
	return out, nil
}

// Flush persists the current pending.Queue, unless a recovery pass is
// underway. In that case the recovery pass persists the Queue on completion.
func (g *Gateway) Flush() {
	g.flushMu.Lock()
	defer g.flushMu.Unlock()

	if g.recovering.Load() {
		return
	}
	g.store.Persist(g.queue.Snapshot())
}

// SetRecovering marks whether a recovery pass is underway. Setting it waits
// for a Flush in progress, and the pass must not drain the Queue until it
// returns.
func (g *Gateway) SetRecovering(recovering bool) {
	g.flushMu.Lock()
	g.recovering.Store(recovering)
	g.flushMu.Unlock()
}

// Recovering returns whether a recovery pass is underway.
func (g *Gateway) Recovering() bool { return g.recovering.Load() }

// CacheSize returns the number of rows awaiting replay.
func (g *Gateway) CacheSize() int { return g.queue.Len() }

// IsConnected returns whether the Database is connected.
func (g *Gateway) IsConnected() bool { return g.db.IsConnected() }

// LastError returns the most recent error encountered by the Gateway, or nil.
func (g *Gateway) LastError() error {
	g.errMu.Lock()
	defer g.errMu.Unlock()
	return g.lastErr
}

func (g *Gateway) setLastError(err error) {
	g.errMu.Lock()
	g.lastErr = err
	g.errMu.Unlock()
}

func (g *Gateway) validate(table string, r row.Row) error {
	if table == "" {
		return errors.New("expected table")
	} else if err := g.db.ValidateTable(table); err != nil {
		return err
	} else if r.Len() == 0 {
		return errors.New("expected at least one Value")
	}
	return r.Validate()
}
