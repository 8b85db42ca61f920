package infra

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// SQLExecutor defines the contract required by stores for executing SQL queries.
type SQLExecutor interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
}

// DefaultSlowQuery is the duration after which a statement is logged at warn.
const DefaultSlowQuery = 500 * time.Millisecond

var markerRegexp = regexp.MustCompile(`^--sql [0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// SQLRunner executes queries that carry a "--sql <uuid>" marker line and logs
// each call under that marker so statements can be traced back to source.
// Statements cut short by a cancelled context are not reported as errors;
// workers cancel in-flight claims on every shutdown.
type SQLRunner struct {
	DB        SQLExecutor
	Logger    zerolog.Logger
	SlowAfter time.Duration
}

// NewSQLRunner wraps db, normally a *pgxpool.Pool.
func NewSQLRunner(db SQLExecutor, logger zerolog.Logger) *SQLRunner {
	return &SQLRunner{DB: db, Logger: logger, SlowAfter: DefaultSlowQuery}
}

func (r *SQLRunner) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	marker, body, err := extractMarker(query)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	start := time.Now()
	tag, err := r.DB.Exec(ctx, body, args...)
	r.finish(marker, "exec", start, err).Int64("rows", tag.RowsAffected()).Send()
	return tag, err
}

func (r *SQLRunner) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	marker, body, err := extractMarker(query)
	if err != nil {
		return errorRow{err: err}
	}
	return &loggingRow{
		row:    r.DB.QueryRow(ctx, body, args...),
		runner: r,
		marker: marker,
		start:  time.Now(),
	}
}

func (r *SQLRunner) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	marker, body, err := extractMarker(query)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := r.DB.Query(ctx, body, args...)
	if err != nil {
		r.finish(marker, "query", start, err).Send()
		return nil, err
	}
	return &loggingRows{Rows: rows, runner: r, marker: marker, start: start}, nil
}

// finish picks the level for a completed statement and returns the event
// carrying the common fields.
func (r *SQLRunner) finish(marker, op string, start time.Time, err error) *zerolog.Event {
	elapsed := time.Since(start)
	var evt *zerolog.Event
	switch {
	case err != nil && !IsNoRows(err) && !isCancellation(err):
		evt = r.Logger.Error().Err(err)
	case err == nil && r.SlowAfter > 0 && elapsed >= r.SlowAfter:
		evt = r.Logger.Warn().Bool("slow", true)
	default:
		evt = r.Logger.Debug().AnErr("error", err)
	}
	return evt.Str("sql", marker).Str("op", op).Dur("elapsed", elapsed)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

type loggingRow struct {
	row    pgx.Row
	runner *SQLRunner
	marker string
	start  time.Time
}

func (l *loggingRow) Scan(dest ...any) error {
	err := l.row.Scan(dest...)
	l.runner.finish(l.marker, "query_row", l.start, err).Send()
	return err
}

type loggingRows struct {
	pgx.Rows
	runner *SQLRunner
	marker string
	start  time.Time
	count  int
	closed bool
}

func (l *loggingRows) Next() bool {
	if l.Rows.Next() {
		l.count++
		return true
	}
	return false
}

func (l *loggingRows) Close() {
	l.Rows.Close()
	if l.closed {
		return
	}
	l.closed = true
	l.runner.finish(l.marker, "query", l.start, l.Rows.Err()).Int("rows", l.count).Send()
}

type errorRow struct {
	err error
}

func (e errorRow) Scan(dest ...any) error {
	return e.err
}

func extractMarker(query string) (string, string, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return "", "", errors.New("empty query")
	}
	markerLine, body, _ := strings.Cut(trimmed, "\n")
	markerLine = strings.TrimSpace(markerLine)
	if !markerRegexp.MatchString(markerLine) {
		return "", "", errors.New("sql marker missing or invalid")
	}
	return strings.TrimPrefix(markerLine, "--sql "), body, nil
}

// IsNoRows reports whether err signals an empty single-row result.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

var _ SQLExecutor = (*SQLRunner)(nil)
