package durability

import (
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect captures the differences between the supported SQL databases.
type Dialect struct {
	Name        string
	Driver      string
	schema      string
	placeholder func(n int) string
	isDuplicate func(err error) bool
}

// SQLiteDialect targets mattn/go-sqlite3.
var SQLiteDialect = Dialect{
	Name:        "sqlite",
	Driver:      "sqlite3",
	schema:      sqliteSchema,
	placeholder: func(int) string { return "?" },
	isDuplicate: func(err error) bool {
		var sqliteErr sqlite3.Error
		return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
	},
}

// PostgresDialect targets lib/pq.
var PostgresDialect = Dialect{
	Name:        "postgres",
	Driver:      "postgres",
	schema:      postgresSchema,
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	isDuplicate: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	},
}

// rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) rebind(query string) string {
	if d.placeholder(1) == "?" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Times are stored as unix nanoseconds so both databases compare them the
// same way.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS durabus_incoming (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	owner_id INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	execution_time INTEGER,
	message_type TEXT NOT NULL,
	received_at TEXT,
	body BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_durabus_incoming_owner ON durabus_incoming(status, owner_id);
CREATE INDEX IF NOT EXISTS idx_durabus_incoming_exec ON durabus_incoming(status, execution_time);

CREATE TABLE IF NOT EXISTS durabus_outgoing (
	id TEXT PRIMARY KEY,
	owner_id INTEGER NOT NULL DEFAULT 0,
	destination TEXT NOT NULL,
	deliver_by INTEGER,
	attempts INTEGER NOT NULL DEFAULT 0,
	message_type TEXT NOT NULL,
	body BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_durabus_outgoing_owner ON durabus_outgoing(owner_id);

CREATE TABLE IF NOT EXISTS durabus_dead_letters (
	id TEXT PRIMARY KEY,
	message_type TEXT NOT NULL,
	source TEXT,
	exception_type TEXT,
	exception_message TEXT,
	explanation TEXT,
	body BLOB NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS durabus_nodes (
	node_id INTEGER PRIMARY KEY,
	heartbeat INTEGER NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS durabus_incoming (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	owner_id INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	execution_time BIGINT,
	message_type TEXT NOT NULL,
	received_at TEXT,
	body BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_durabus_incoming_owner ON durabus_incoming(status, owner_id);
CREATE INDEX IF NOT EXISTS idx_durabus_incoming_exec ON durabus_incoming(status, execution_time);

CREATE TABLE IF NOT EXISTS durabus_outgoing (
	id TEXT PRIMARY KEY,
	owner_id INTEGER NOT NULL DEFAULT 0,
	destination TEXT NOT NULL,
	deliver_by BIGINT,
	attempts INTEGER NOT NULL DEFAULT 0,
	message_type TEXT NOT NULL,
	body BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_durabus_outgoing_owner ON durabus_outgoing(owner_id);

CREATE TABLE IF NOT EXISTS durabus_dead_letters (
	id TEXT PRIMARY KEY,
	message_type TEXT NOT NULL,
	source TEXT,
	exception_type TEXT,
	exception_message TEXT,
	explanation TEXT,
	body BYTEA NOT NULL,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS durabus_nodes (
	node_id INTEGER PRIMARY KEY,
	heartbeat BIGINT NOT NULL
);
`
