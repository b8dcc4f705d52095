// Package archive persists completed conversation turns to SQLite and
// serves retrieval queries over them. One row per turn: what came in,
// how it was routed, and what went out. The archive is append-mostly;
// rows are never updated.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is one archived conversation turn.
type Record struct {
	ID           string    `json:"id"`
	ChannelID    string    `json:"channel_id"`
	AuthorID     string    `json:"author_id"`
	Route        string    `json:"route"`
	Strategy     string    `json:"strategy,omitempty"`
	RequestText  string    `json:"request_text"`
	ResponseText string    `json:"response_text"`
	Error        string    `json:"error,omitempty"`
	LatencyMS    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// SearchQuery filters archive retrieval. Zero-value fields are ignored.
type SearchQuery struct {
	Text      string // substring match over request and response text
	ChannelID string
	Route     string
	Limit     int
}

// Stats summarizes archive contents for the introspection API.
type Stats struct {
	TotalTurns   int64            `json:"total_turns"`
	TurnsByRoute map[string]int64 `json:"turns_by_route"`
	Channels     int64            `json:"channels"`
	OldestTurn   time.Time        `json:"oldest_turn,omitzero"`
	NewestTurn   time.Time        `json:"newest_turn,omitzero"`
}

// Store is a SQLite-backed turn archive. Safe for concurrent use; the
// WAL journal lets readers proceed alongside the single writer.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id            TEXT PRIMARY KEY,
	channel_id    TEXT NOT NULL,
	author_id     TEXT NOT NULL,
	route         TEXT NOT NULL,
	strategy      TEXT NOT NULL DEFAULT '',
	request_text  TEXT NOT NULL,
	response_text TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_channel ON turns(channel_id, created_at);
CREATE INDEX IF NOT EXISTS idx_turns_created ON turns(created_at);
`

// Open opens (creating if needed) the archive database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent turn completion.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With("component", "archive"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordTurn inserts one completed turn and returns its ID.
func (s *Store) RecordTurn(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate turn id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, channel_id, author_id, route, strategy,
			request_text, response_text, error, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ChannelID, rec.AuthorID, rec.Route, rec.Strategy,
		rec.RequestText, rec.ResponseText, rec.Error, rec.LatencyMS,
		rec.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("record turn: %w", err)
	}
	return rec.ID, nil
}

// Search returns turns matching the query, newest first.
func (s *Store) Search(ctx context.Context, q SearchQuery) ([]Record, error) {
	var (
		conds []string
		args  []any
	)
	if q.Text != "" {
		conds = append(conds, `(request_text LIKE ? ESCAPE '\' OR response_text LIKE ? ESCAPE '\')`)
		pattern := "%" + escapeLike(q.Text) + "%"
		args = append(args, pattern, pattern)
	}
	if q.ChannelID != "" {
		conds = append(conds, "channel_id = ?")
		args = append(args, q.ChannelID)
	}
	if q.Route != "" {
		conds = append(conds, "route = ?")
		args = append(args, q.Route)
	}

	query := `SELECT id, channel_id, author_id, route, strategy,
		request_text, response_text, error, latency_ms, created_at
		FROM turns`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)

	return s.queryRecords(ctx, query, args...)
}

// RecentTurns returns the latest n turns for a channel, oldest first,
// ready to feed prompt history.
func (s *Store) RecentTurns(ctx context.Context, channelID string, n int) ([]Record, error) {
	if n <= 0 {
		n = 10
	}
	recs, err := s.queryRecords(ctx, `
		SELECT id, channel_id, author_id, route, strategy,
			request_text, response_text, error, latency_ms, created_at
		FROM turns
		WHERE channel_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		channelID, n,
	)
	if err != nil {
		return nil, err
	}

	// Flip to chronological order.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// Stats reports archive-wide counters.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{TurnsByRoute: make(map[string]int64)}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT channel_id) FROM turns`)
	if err := row.Scan(&st.TotalTurns, &st.Channels); err != nil {
		return Stats{}, fmt.Errorf("archive stats: %w", err)
	}

	// Aggregate MIN/MAX lose the column's declared type, which breaks
	// the driver's time conversion; select the column directly instead.
	if st.TotalTurns > 0 {
		if err := s.db.QueryRowContext(ctx,
			`SELECT created_at FROM turns ORDER BY created_at ASC LIMIT 1`,
		).Scan(&st.OldestTurn); err != nil {
			return Stats{}, fmt.Errorf("archive stats oldest: %w", err)
		}
		if err := s.db.QueryRowContext(ctx,
			`SELECT created_at FROM turns ORDER BY created_at DESC LIMIT 1`,
		).Scan(&st.NewestTurn); err != nil {
			return Stats{}, fmt.Errorf("archive stats newest: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT route, COUNT(*) FROM turns GROUP BY route`)
	if err != nil {
		return Stats{}, fmt.Errorf("archive stats by route: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var route string
		var n int64
		if err := rows.Scan(&route, &n); err != nil {
			return Stats{}, fmt.Errorf("scan route stats: %w", err)
		}
		st.TurnsByRoute[route] = n
	}
	return st, rows.Err()
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.ChannelID, &r.AuthorID, &r.Route,
			&r.Strategy, &r.RequestText, &r.ResponseText, &r.Error,
			&r.LatencyMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// escapeLike escapes LIKE metacharacters in user-supplied text so they
// match literally. Pairs with ESCAPE '\' in the query.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
