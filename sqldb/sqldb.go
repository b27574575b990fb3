// Package sqldb adapts a "database/sql" database to the capability required
// by the gateway package: connection state, single-row inserts, and simple
// selects. Supported drivers are "mysql", "postgres", "sqlite3" (cgo), and
// "sqlite" (pure Go).
//
// A DB holds at most one open connection, which is guarded by a mutex shared
// by Connect, Disconnect, InsertRow, SelectRows and Ping. Inserts are issued
// as prepared statements using driver placeholders, and prepared statements
// are retained in an LRU cache keyed on their SQL text.
package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	lru "github.com/hashicorp/golang-lru"
	_ "github.com/lib/pq"           // Registers "postgres".
	_ "github.com/mattn/go-sqlite3" // Registers "sqlite3".
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/wmib/rowshim/metrics"
	"github.com/wmib/rowshim/row"
	_ "modernc.org/sqlite" // Registers "sqlite".
)

// Config configures a DB.
type Config struct {
	Driver          string        `long:"driver" env:"DRIVER" default:"mysql" choice:"mysql" choice:"postgres" choice:"sqlite3" choice:"sqlite" description:"database/sql driver of the database"`
	DSN             string        `long:"dsn" env:"DSN" description:"Data source name of the database, in the format of the driver (eg, user:pass@tcp(host:3306)/db)"`
	StmtCache       int           `long:"stmt-cache" env:"STMT_CACHE" default:"64" description:"Number of prepared insert statements to retain. Zero disables caching"`
	ConnectInterval time.Duration `long:"connect-interval" env:"CONNECT_INTERVAL" default:"30s" description:"Interval at which a lost connection is re-established, and a held connection is checked"`
}

var (
	// ErrNotConnected is returned by operations of a DB which isn't connected.
	ErrNotConnected = errors.New("database is not connected")
	// ErrInvalidTable is the Cause of errors returned for table names which
	// aren't plain (optionally schema-qualified) identifiers.
	ErrInvalidTable = errors.New("invalid table name")

	tableRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)?$`)
)

// DB is a database connection which may be connected and disconnected.
type DB struct {
	cfg Config

	mu        sync.Mutex
	db        *sql.DB
	stmts     *lru.Cache // Keyed on SQL text, with *sql.Stmt values.
	connected bool

	// Effective constants, which are swappable for testing.
	openFn func(driver, dsn string) (*sql.DB, error)
}

// New returns a DB of the Config, which is not yet connected.
func New(cfg Config) *DB {
	return &DB{cfg: cfg, openFn: sql.Open}
}

// Driver returns the configured driver name.
func (d *DB) Driver() string { return d.cfg.Driver }

// IsConnected returns whether the DB holds a live connection.
func (d *DB) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Connect opens and verifies a connection to the database. It's a no-op if
// the DB is already connected. A failure to connect leaves the DB
// disconnected, and may be retried.
func (d *DB) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return nil
	}
	var err = d.connect(ctx)
	metrics.DatabaseConnectsTotal.WithLabelValues(metrics.Status(err)).Inc()

	if err != nil {
		log.WithFields(log.Fields{"err": err, "driver": d.cfg.Driver}).
			Warn("unable to connect to database")
		return err
	}
	log.WithField("driver", d.cfg.Driver).Info("connected to database")
	return nil
}

func (d *DB) connect(ctx context.Context) error {
	var db, err = d.openFn(d.cfg.Driver, d.cfg.DSN)
	if err != nil {
		return errors.WithMessage(err, "opening database")
	}
	// Use a single, non-pooled connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errors.WithMessage(err, "pinging database")
	}

	if d.cfg.StmtCache > 0 {
		if d.stmts, err = lru.NewWithEvict(d.cfg.StmtCache, closeStmt); err != nil {
			_ = db.Close()
			return errors.WithMessage(err, "building statement cache")
		}
	}
	d.db, d.connected = db, true
	metrics.DatabaseConnected.Set(1)

	return nil
}

// Disconnect closes the connection of a connected DB.
func (d *DB) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		d.disconnect()
	}
}

func (d *DB) disconnect() {
	if d.stmts != nil {
		d.stmts.Purge() // Closes each statement.
		d.stmts = nil
	}
	if err := d.db.Close(); err != nil {
		log.WithField("err", err).Warn("failed to close database")
	}
	d.db, d.connected = nil, false
	metrics.DatabaseConnected.Set(0)
}

// Ping verifies the connection of a connected DB, disconnecting it if the
// connection has been lost.
func (d *DB) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return ErrNotConnected
	}
	var err = d.db.PingContext(ctx)
	if err != nil {
		log.WithField("err", err).Warn("database ping failed; disconnecting")
		d.disconnect()
	}
	return err
}

// InsertRow inserts the Row into |table| as a single INSERT statement having
// a VALUES placeholder for each Value of the Row.
func (d *DB) InsertRow(ctx context.Context, table string, r row.Row) error {
	var args, err = Args(r)
	if err != nil {
		return err
	} else if err = ValidateTable(table); err != nil {
		return err
	}
	var query = InsertSQL(d.cfg.Driver, table, r.Len())

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return ErrNotConnected
	}
	stmt, err := d.prepare(ctx, query)
	if err == nil {
		_, err = stmt.ExecContext(ctx, args...)
	}
	if err != nil {
		d.checkConnErr(err)
		return errors.WithMessagef(err, "inserting into %s", table)
	}
	return nil
}

// SelectRows issues "SELECT |columns| FROM |table| |query|", and returns every
// returned cell joined by |separator|. NULL cells are represented as empty
// strings. |query| is passed through verbatim, and must be trusted.
func (d *DB) SelectRows(ctx context.Context, table, columns, query string, separator string) (string, error) {
	if err := ValidateTable(table); err != nil {
		return "", err
	}
	var stmt = strings.TrimSpace(fmt.Sprintf("SELECT %s FROM %s %s", columns, table, query))

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return "", ErrNotConnected
	}
	var out, err = d.selectRows(ctx, stmt, separator)
	if err != nil {
		d.checkConnErr(err)
		return "", errors.WithMessagef(err, "selecting from %s", table)
	}
	return out, nil
}

func (d *DB) selectRows(ctx context.Context, stmt, separator string) (string, error) {
	var rows, err = d.db.QueryContext(ctx, stmt)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}
	var cells = make([]sql.NullString, len(cols))
	var dest = make([]interface{}, len(cols))
	for i := range cells {
		dest[i] = &cells[i]
	}

	var b strings.Builder
	var first = true

	for rows.Next() {
		if err = rows.Scan(dest...); err != nil {
			return "", err
		}
		for _, c := range cells {
			if !first {
				b.WriteString(separator)
			}
			b.WriteString(c.String)
			first = false
		}
	}
	return b.String(), rows.Err()
}

func (d *DB) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if d.stmts != nil {
		if v, ok := d.stmts.Get(query); ok {
			return v.(*sql.Stmt), nil
		}
	}
	var stmt, err = d.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	if d.stmts != nil {
		d.stmts.Add(query, stmt)
	}
	return stmt, nil
}

// checkConnErr disconnects the DB if |err| indicates its connection was lost.
func (d *DB) checkConnErr(err error) {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, mysql.ErrInvalidConn) {

		log.WithField("err", err).Warn("database connection was lost; disconnecting")
		d.disconnect()
	}
}

// Maintain the DB's connection until |ctx| is cancelled, by connecting a
// disconnected DB and pinging a connected one each |interval|.
func (d *DB) Maintain(ctx context.Context, interval time.Duration) error {
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if !d.IsConnected() {
			_ = d.Connect(ctx) // Logs on error.
		} else {
			_ = d.Ping(ctx) // Logs on error.
		}
	}
}

// ValidateTable returns an error if |table| isn't a name the DB can write.
func (d *DB) ValidateTable(table string) error { return ValidateTable(table) }

// ValidateTable returns an error if |table| isn't a plain, optionally
// schema-qualified identifier.
func ValidateTable(table string) error {
	if !tableRe.MatchString(table) {
		return errors.WithMessagef(ErrInvalidTable, "%q", table)
	}
	return nil
}

// InsertSQL returns the INSERT statement of a row of |n| values into |table|,
// using the placeholder syntax of |driverName|.
func InsertSQL(driverName, table string, n int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" VALUES (")

	for i := 0; i != n; i++ {
		if i != 0 {
			b.WriteString(", ")
		}
		if driverName == "postgres" {
			b.WriteString("$" + strconv.Itoa(i+1))
		} else {
			b.WriteString("?")
		}
	}
	b.WriteString(")")
	return b.String()
}

// Args maps the Values of a Row to statement arguments. BOOLEAN and INTEGER
// Values are parsed to bool and int64, and other types are passed as strings.
func Args(r row.Row) ([]interface{}, error) {
	var args = make([]interface{}, len(r.Values))

	for i, v := range r.Values {
		switch v.Type {
		case row.BooleanType:
			var b, err = row.ParseBool(v.Data)
			if err != nil {
				return nil, errors.WithMessagef(err, "Values[%d]", i)
			}
			args[i] = b
		case row.IntegerType:
			var n, err = strconv.ParseInt(v.Data, 10, 64)
			if err != nil {
				return nil, errors.WithMessagef(err, "Values[%d]", i)
			}
			args[i] = n
		case row.VarcharType, row.TextType, row.DateType:
			args[i] = v.Data
		default:
			return nil, errors.Errorf("Values[%d]: unknown DataType (%d)", i, int(v.Type))
		}
	}
	return args, nil
}

func closeStmt(_, value interface{}) {
	if err := value.(*sql.Stmt).Close(); err != nil {
		log.WithField("err", err).Warn("failed to close prepared statement")
	}
}
