// Package audit persists connection lifecycle events — connect, resume,
// reject — to Postgres via sqlx over the pgx stdlib driver. It is
// optional: with no database configured, Noop satisfies the same
// interface and discards everything.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver sqlx dials through
)

// ==============================================================================
// 1. Log contract
// ==============================================================================

// Log receives connection lifecycle events. It never returns an error —
// failures are logged and swallowed, since audit logging must never be
// allowed to take down a connection.
type Log interface {
	RecordConnect(kind, token string)
	RecordResume(kind, token string)
	RecordReject(reason string)
}

// Noop discards every event. Used when DEVAGENT_DATABASE_URL is unset.
type Noop struct{}

func (Noop) RecordConnect(kind, token string) {}
func (Noop) RecordResume(kind, token string)  {}
func (Noop) RecordReject(reason string)       {}

// ==============================================================================
// 2. Postgres-backed Log
// ==============================================================================

// PostgresLog writes one row per event to connection_events. Writes
// happen on a detached goroutine so a slow or down database never blocks
// the connection path that triggered the event.
type PostgresLog struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to databaseURL via the pgx stdlib driver and wraps it in
// a PostgresLog. Callers should Close it on shutdown.
func Open(databaseURL string, logger *slog.Logger) (*PostgresLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sqlx.Connect("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	return &PostgresLog{db: db, logger: logger}, nil
}

func (l *PostgresLog) Close() error {
	return l.db.Close()
}

const insertEvent = `
	INSERT INTO connection_events (kind, token, event, reason, occurred_at)
	VALUES (:kind, :token, :event, :reason, :occurred_at)
`

type connectionEvent struct {
	Kind       string    `db:"kind"`
	Token      string    `db:"token"`
	Event      string    `db:"event"`
	Reason     string    `db:"reason"`
	OccurredAt time.Time `db:"occurred_at"`
}

func (l *PostgresLog) write(ev connectionEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := l.db.NamedExecContext(ctx, insertEvent, ev); err != nil {
			l.logger.Warn("audit: failed to record connection event",
				slog.String("event", ev.Event),
				slog.String("token", ev.Token),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (l *PostgresLog) RecordConnect(kind, token string) {
	l.write(connectionEvent{Kind: kind, Token: token, Event: "connect", OccurredAt: time.Now()})
}

func (l *PostgresLog) RecordResume(kind, token string) {
	l.write(connectionEvent{Kind: kind, Token: token, Event: "resume", OccurredAt: time.Now()})
}

func (l *PostgresLog) RecordReject(reason string) {
	l.write(connectionEvent{Event: "reject", Reason: reason, OccurredAt: time.Now()})
}
