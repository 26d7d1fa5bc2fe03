package durability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drblury/durabus/internal/runtime/envelope"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
	"github.com/drblury/durabus/internal/runtime/logging"
)

// SQLStore persists envelopes in SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  logging.ServiceLogger
	ownsDB  bool
}

var _ Persistence = (*SQLStore)(nil)

// OpenSQLite opens (or creates) a SQLite database file. Use ":memory:" for
// an in-process database.
func OpenSQLite(ctx context.Context, path string, logger logging.ServiceLogger) (*SQLStore, error) {
	if path == "" {
		path = "durabus.db"
	}
	db, err := sql.Open(SQLiteDialect.Driver, path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// A single connection keeps :memory: databases alive and serialises writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store, err := NewSQLStore(ctx, db, SQLiteDialect, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.ownsDB = true
	return store, nil
}

// OpenPostgres connects to PostgreSQL using a lib/pq connection string.
func OpenPostgres(ctx context.Context, dsn string, logger logging.ServiceLogger) (*SQLStore, error) {
	db, err := sql.Open(PostgresDialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	store, err := NewSQLStore(ctx, db, PostgresDialect, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.ownsDB = true
	return store, nil
}

// NewSQLStore wraps an existing database handle and creates the schema when
// missing. The caller keeps ownership of db.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect, logger logging.ServiceLogger) (*SQLStore, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &SQLStore{db: db, dialect: dialect, logger: logger.With(logging.LogFields{"store": dialect.Name})}
	if _, err := db.ExecContext(ctx, dialect.schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// DB exposes the handle so applications can write business data and outgoing
// envelopes in one transaction.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("failed to rollback transaction", err, nil)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) StoreIncoming(ctx context.Context, envs ...*envelope.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, env := range envs {
			if err := s.insertIncoming(ctx, tx, env); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) insertIncoming(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	status := envelope.StatusIncoming
	if env.Status == envelope.StatusScheduled {
		status = envelope.StatusScheduled
	}
	body, err := env.Snapshot()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO durabus_incoming (id, status, owner_id, attempts, execution_time, message_type, received_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		env.ID, string(status), env.OwnerID, env.Attempts, nanos(env.ExecutionTime), env.MessageType, env.ReceivedAt, body)
	if err != nil {
		if s.dialect.isDuplicate(err) {
			return &errspkg.DuplicateEnvelopeError{ID: env.ID}
		}
		return fmt.Errorf("failed to store incoming envelope %s: %w", env.ID, err)
	}
	return nil
}

func (s *SQLStore) IncrementIncomingAttempts(ctx context.Context, env *envelope.Envelope) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE durabus_incoming SET attempts = ? WHERE id = ? AND attempts < ?`),
		env.Attempts, env.ID, env.Attempts)
	return err
}

func (s *SQLStore) ScheduleExecution(ctx context.Context, envs ...*envelope.Envelope) error {
	for _, env := range envs {
		if env.ExecutionTime == nil {
			return errspkg.ErrNoExecutionTime
		}
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, env := range envs {
			res, err := tx.ExecContext(ctx, s.q(`
				UPDATE durabus_incoming
				SET status = ?, execution_time = ?, attempts = CASE WHEN attempts < ? THEN ? ELSE attempts END
				WHERE id = ?`),
				string(envelope.StatusScheduled), nanos(env.ExecutionTime), env.Attempts, env.Attempts, env.ID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				continue
			}
			row := env.Clone()
			row.Status = envelope.StatusScheduled
			if err := s.insertIncoming(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) DeleteIncoming(ctx context.Context, envs ...*envelope.Envelope) error {
	return s.deleteByID(ctx, "durabus_incoming", envs)
}

func (s *SQLStore) DeleteOutgoing(ctx context.Context, envs ...*envelope.Envelope) error {
	return s.deleteByID(ctx, "durabus_outgoing", envs)
}

func (s *SQLStore) IncrementOutgoingAttempts(ctx context.Context, env *envelope.Envelope) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE durabus_outgoing SET attempts = ? WHERE id = ? AND attempts < ?`),
		env.Attempts, env.ID, env.Attempts)
	return err
}

func (s *SQLStore) deleteByID(ctx context.Context, table string, envs []*envelope.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, env := range envs {
			if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE id = ?`), env.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) MoveToDeadLetter(ctx context.Context, reports ...*envelope.ErrorReport) error {
	if len(reports) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.deadLetterTx(ctx, tx, reports)
	})
}

func (s *SQLStore) deadLetterTx(ctx context.Context, tx *sql.Tx, reports []*envelope.ErrorReport) error {
	for _, r := range reports {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM durabus_incoming WHERE id = ?`), r.ID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO durabus_dead_letters (id, message_type, source, exception_type, exception_message, explanation, body, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`),
			r.ID, r.MessageType, r.Source, r.ExceptionType, r.ExceptionMessage, r.Explanation, r.Snapshot, r.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to store error report %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *SQLStore) StoreOutgoing(ctx context.Context, ownerID int, envs ...*envelope.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.StoreOutgoingTx(ctx, tx, ownerID, envs...)
	})
}

// StoreOutgoingTx persists outgoing envelopes inside a caller transaction.
// Committing tx commits the envelopes together with the caller's writes.
func (s *SQLStore) StoreOutgoingTx(ctx context.Context, tx *sql.Tx, ownerID int, envs ...*envelope.Envelope) error {
	for _, env := range envs {
		env.OwnerID = ownerID
		env.Status = envelope.StatusOutgoing
		body, err := env.Snapshot()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO durabus_outgoing (id, owner_id, destination, deliver_by, attempts, message_type, body)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			env.ID, ownerID, env.Destination, nanos(env.DeliverBy), env.Attempts, env.MessageType, body)
		if err != nil {
			if s.dialect.isDuplicate(err) {
				return &errspkg.DuplicateEnvelopeError{ID: env.ID}
			}
			return fmt.Errorf("failed to store outgoing envelope %s: %w", env.ID, err)
		}
	}
	return nil
}

func (s *SQLStore) DiscardAndReassignOutgoing(ctx context.Context, discards, reassigned []*envelope.Envelope, nodeID int) ([]*envelope.Envelope, error) {
	var claimed []*envelope.Envelope
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		claimed = nil
		for _, env := range discards {
			if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM durabus_outgoing WHERE id = ?`), env.ID); err != nil {
				return err
			}
		}
		for _, env := range reassigned {
			ok, err := s.compareAndSetOwner(ctx, tx, `
				UPDATE durabus_outgoing SET owner_id = ? WHERE id = ? AND owner_id = ?`,
				nodeID, env.ID, env.OwnerID)
			if err != nil {
				return err
			}
			if ok {
				claimed = append(claimed, env)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, env := range claimed {
		env.OwnerID = nodeID
	}
	return claimed, nil
}

func (s *SQLStore) compareAndSetOwner(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	res, err := tx.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) LoadDeadLetter(ctx context.Context, id string) (*envelope.ErrorReport, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, message_type, source, exception_type, exception_message, explanation, body, created_at
		FROM durabus_dead_letters WHERE id = ?`), id)
	report, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return report, err
}

func (s *SQLStore) AllIncoming(ctx context.Context) ([]*envelope.Envelope, error) {
	return s.queryIncoming(ctx, s.db, `SELECT `+incomingColumns+` FROM durabus_incoming ORDER BY id`)
}

func (s *SQLStore) AllOutgoing(ctx context.Context) ([]*envelope.Envelope, error) {
	return s.queryOutgoing(ctx, s.db, `SELECT `+outgoingColumns+` FROM durabus_outgoing ORDER BY id`)
}

func (s *SQLStore) ReleaseAllOwnership(ctx context.Context, nodeID int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"durabus_incoming", "durabus_outgoing"} {
			if _, err := tx.ExecContext(ctx, s.q(`UPDATE `+table+` SET owner_id = ? WHERE owner_id = ?`), envelope.AnyNode, nodeID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) PersistedCounts(ctx context.Context) (envelope.PersistedCounts, error) {
	var counts envelope.PersistedCounts
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM durabus_incoming GROUP BY status`)
	if err != nil {
		return counts, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			_ = rows.Close()
			return counts, err
		}
		switch envelope.Status(status) {
		case envelope.StatusScheduled:
			counts.Scheduled = n
		default:
			counts.Incoming += n
		}
	}
	if err := rows.Close(); err != nil {
		return counts, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM durabus_outgoing`).Scan(&counts.Outgoing); err != nil {
		return counts, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM durabus_dead_letters`).Scan(&counts.DeadLetter); err != nil {
		return counts, err
	}
	return counts, nil
}

func (s *SQLStore) FindOrphanedIncoming(ctx context.Context, live []int, maxAttempts, limit int) ([]*envelope.Envelope, error) {
	where, args := notOwnedBy(live)
	if maxAttempts > 0 {
		where = "(" + where + " OR attempts >= ?)"
		args = append(args, maxAttempts)
	}
	query := `SELECT ` + incomingColumns + ` FROM durabus_incoming WHERE status = ? AND ` + where + ` ORDER BY id`
	args = append([]any{string(envelope.StatusIncoming)}, args...)
	query, args = withLimit(query, args, limit)
	return s.queryIncoming(ctx, s.db, query, args...)
}

func (s *SQLStore) FindOrphanedOutgoing(ctx context.Context, live []int, limit int) ([]*envelope.Envelope, error) {
	where, args := notOwnedBy(live)
	query, args := withLimit(`SELECT `+outgoingColumns+` FROM durabus_outgoing WHERE `+where+` ORDER BY id`, args, limit)
	return s.queryOutgoing(ctx, s.db, query, args...)
}

func (s *SQLStore) RecoverIncoming(ctx context.Context, reassign []*envelope.Envelope, deadLetters []*envelope.ErrorReport, nodeID int) ([]*envelope.Envelope, error) {
	var claimed []*envelope.Envelope
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		claimed = nil
		if err := s.deadLetterTx(ctx, tx, deadLetters); err != nil {
			return err
		}
		for _, env := range reassign {
			ok, err := s.compareAndSetOwner(ctx, tx, `
				UPDATE durabus_incoming SET owner_id = ? WHERE id = ? AND owner_id = ? AND status = ?`,
				nodeID, env.ID, env.OwnerID, string(envelope.StatusIncoming))
			if err != nil {
				return err
			}
			if ok {
				claimed = append(claimed, env)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, env := range claimed {
		env.OwnerID = nodeID
	}
	return claimed, nil
}

func (s *SQLStore) LoadScheduled(ctx context.Context) ([]*envelope.Envelope, error) {
	return s.queryIncoming(ctx, s.db, `SELECT `+incomingColumns+` FROM durabus_incoming WHERE status = ? ORDER BY execution_time, id`,
		string(envelope.StatusScheduled))
}

func (s *SQLStore) ClaimScheduled(ctx context.Context, envs []*envelope.Envelope, nodeID int) ([]*envelope.Envelope, error) {
	var claimed []*envelope.Envelope
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		claimed, err = s.claimScheduledTx(ctx, tx, envs, nodeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLStore) claimScheduledTx(ctx context.Context, tx *sql.Tx, envs []*envelope.Envelope, nodeID int) ([]*envelope.Envelope, error) {
	var claimed []*envelope.Envelope
	for _, env := range envs {
		ok, err := s.compareAndSetOwner(ctx, tx, `
			UPDATE durabus_incoming SET status = ?, execution_time = NULL, owner_id = ?
			WHERE id = ? AND status = ?`,
			string(envelope.StatusIncoming), nodeID, env.ID, string(envelope.StatusScheduled))
		if err != nil {
			return nil, err
		}
		if ok {
			env.OwnerID = nodeID
			claimed = append(claimed, env)
		}
	}
	return claimed, nil
}

func (s *SQLStore) ClaimDueScheduled(ctx context.Context, before time.Time, nodeID, limit int) ([]*envelope.Envelope, error) {
	var claimed []*envelope.Envelope
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		query, args := withLimit(`SELECT `+incomingColumns+` FROM durabus_incoming
			WHERE status = ? AND execution_time <= ? ORDER BY execution_time, id`,
			[]any{string(envelope.StatusScheduled), before.UnixNano()}, limit)
		due, err := s.queryIncoming(ctx, tx, query, args...)
		if err != nil {
			return err
		}
		claimed, err = s.claimScheduledTx(ctx, tx, due, nodeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, env := range claimed {
		env.Release(envelope.StatusIncoming)
	}
	return claimed, nil
}

func (s *SQLStore) Heartbeat(ctx context.Context, nodeID int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO durabus_nodes (node_id, heartbeat) VALUES (?, ?)
		ON CONFLICT (node_id) DO UPDATE SET heartbeat = excluded.heartbeat`),
		nodeID, at.UnixNano())
	return err
}

func (s *SQLStore) LiveNodes(ctx context.Context, since time.Time) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT node_id FROM durabus_nodes WHERE heartbeat >= ? ORDER BY node_id`), since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var live []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		live = append(live, id)
	}
	return live, rows.Err()
}

func (s *SQLStore) RemoveNode(ctx context.Context, nodeID int) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM durabus_nodes WHERE node_id = ?`), nodeID)
	return err
}

func (s *SQLStore) ListDeadLetters(ctx context.Context, limit, offset int) ([]*envelope.ErrorReport, error) {
	query := `SELECT id, message_type, source, exception_type, exception_message, explanation, body, created_at
		FROM durabus_dead_letters ORDER BY id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*envelope.ErrorReport
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, report)
	}
	return out, rows.Err()
}

func (s *SQLStore) ReplayDeadLetter(ctx context.Context, id string) (*envelope.Envelope, error) {
	var env *envelope.Envelope
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.q(`
			SELECT id, message_type, source, exception_type, exception_message, explanation, body, created_at
			FROM durabus_dead_letters WHERE id = ?`), id)
		report, err := scanReport(row)
		if errors.Is(err, sql.ErrNoRows) {
			return errspkg.ErrDeadLetterNotFound
		}
		if err != nil {
			return err
		}
		env, err = replayable(report)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM durabus_dead_letters WHERE id = ?`), id); err != nil {
			return err
		}
		return s.insertIncoming(ctx, tx, env)
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

func (s *SQLStore) PurgeDeadLetters(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM durabus_dead_letters`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) Clear(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"durabus_incoming", "durabus_outgoing", "durabus_dead_letters"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return err
			}
		}
		return nil
	})
}

const (
	incomingColumns = `id, status, owner_id, attempts, execution_time, body`
	outgoingColumns = `id, owner_id, attempts, body`
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) queryIncoming(ctx context.Context, db querier, query string, args ...any) ([]*envelope.Envelope, error) {
	rows, err := db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*envelope.Envelope
	for rows.Next() {
		var (
			id, status      string
			owner, attempts int
			execTime        sql.NullInt64
			body            []byte
		)
		if err := rows.Scan(&id, &status, &owner, &attempts, &execTime, &body); err != nil {
			return nil, err
		}
		env, err := envelope.FromSnapshot(body)
		if err != nil {
			return nil, fmt.Errorf("incoming envelope %s: %w", id, err)
		}
		env.ID = id
		env.Status = envelope.Status(status)
		env.OwnerID = owner
		env.Attempts = attempts
		env.ExecutionTime = fromNanos(execTime)
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *SQLStore) queryOutgoing(ctx context.Context, db querier, query string, args ...any) ([]*envelope.Envelope, error) {
	rows, err := db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*envelope.Envelope
	for rows.Next() {
		var (
			id              string
			owner, attempts int
			body            []byte
		)
		if err := rows.Scan(&id, &owner, &attempts, &body); err != nil {
			return nil, err
		}
		env, err := envelope.FromSnapshot(body)
		if err != nil {
			return nil, fmt.Errorf("outgoing envelope %s: %w", id, err)
		}
		env.ID = id
		env.Status = envelope.StatusOutgoing
		env.OwnerID = owner
		env.SetAttempts(attempts)
		out = append(out, env)
	}
	return out, rows.Err()
}

func scanReport(row rowScanner) (*envelope.ErrorReport, error) {
	var (
		r                        envelope.ErrorReport
		source, exType, exMsg, x sql.NullString
		created                  int64
	)
	if err := row.Scan(&r.ID, &r.MessageType, &source, &exType, &exMsg, &x, &r.Snapshot, &created); err != nil {
		return nil, err
	}
	r.Source = source.String
	r.ExceptionType = exType.String
	r.ExceptionMessage = exMsg.String
	r.Explanation = x.String
	r.CreatedAt = time.Unix(0, created).UTC()
	return &r, nil
}

// notOwnedBy builds the owner filter for orphan scans. Unowned rows always
// match because AnyNode is never a live node id.
func notOwnedBy(live []int) (string, []any) {
	if len(live) == 0 {
		return "1 = 1", nil
	}
	marks := make([]string, len(live))
	args := make([]any, len(live))
	for i, id := range live {
		marks[i] = "?"
		args[i] = id
	}
	return "owner_id NOT IN (" + strings.Join(marks, ", ") + ")", args
}

func withLimit(query string, args []any, limit int) (string, []any) {
	if limit <= 0 {
		return query, args
	}
	return query + ` LIMIT ?`, append(args, limit)
}

func nanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
