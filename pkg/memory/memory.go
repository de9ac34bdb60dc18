package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Snippet is one ranked piece of recalled context.
type Snippet struct {
	Text  string
	Score float64
}

// Retriever recalls context for a turn and records new notes. Results are
// treated purely as additional prompt text; ranking internals stay here.
type Retriever interface {
	Search(ctx context.Context, query string, maxResults int) ([]Snippet, error)
	Write(ctx context.Context, text, destination string) error
}

// NopRetriever recalls nothing and discards writes.
type NopRetriever struct{}

// Search implements Retriever.
func (NopRetriever) Search(context.Context, string, int) ([]Snippet, error) { return nil, nil }

// Write implements Retriever.
func (NopRetriever) Write(context.Context, string, string) error { return nil }

// SQLiteRetriever stores notes in a local SQLite full-text index.
type SQLiteRetriever struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteRetriever opens (and if needed creates) the memory database.
func NewSQLiteRetriever(path string, logger zerolog.Logger) (*SQLiteRetriever, error) {
	if path == "" {
		return nil, fmt.Errorf("memory store path cannot be empty")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	const schema = `
CREATE VIRTUAL TABLE IF NOT EXISTS notes USING fts5(
	body,
	destination UNINDEXED,
	created_at UNINDEXED
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create notes table: %w", err)
	}

	return &SQLiteRetriever{db: db, logger: logger}, nil
}

// Search implements Retriever using FTS5 ranking.
func (r *SQLiteRetriever) Search(ctx context.Context, query string, maxResults int) ([]Snippet, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	terms := ftsQuery(query)
	if terms == "" {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT body, rank FROM notes WHERE notes MATCH ? ORDER BY rank LIMIT ?`,
		terms, maxResults)
	if err != nil {
		return nil, fmt.Errorf("memory search failed: %w", err)
	}
	defer rows.Close()

	var snippets []Snippet
	for rows.Next() {
		var snip Snippet
		if err := rows.Scan(&snip.Text, &snip.Score); err != nil {
			return nil, err
		}
		// FTS5 rank is more negative for better matches.
		snip.Score = -snip.Score
		snippets = append(snippets, snip)
	}
	return snippets, rows.Err()
}

// Write implements Retriever.
func (r *SQLiteRetriever) Write(ctx context.Context, text, destination string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("memory note cannot be empty")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notes (body, destination, created_at) VALUES (?, ?, ?)`,
		text, destination, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write memory note: %w", err)
	}
	r.logger.Debug().Str("destination", destination).Int("bytes", len(text)).Msg("Memory note written")
	return nil
}

// Close releases the database handle.
func (r *SQLiteRetriever) Close() error {
	return r.db.Close()
}

// ftsQuery turns free text into an OR query of quoted terms so punctuation
// in user input cannot break FTS5 syntax.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}
