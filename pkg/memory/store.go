// Package memory provides keyword search over remembered notes. The
// store is opaque to callers: notes go in, ranked snippets come out.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SearchResult is one ranked snippet.
type SearchResult struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Searcher is the search collaborator exposed to the orchestration
// loop. Ranking is an implementation detail of the store.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// Store persists notes in sqlite and serves FTS5 keyword search.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the note store at dbPath.
func Open(dbPath string, logger zerolog.Logger) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", dbPath+"?_fts5=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "memory").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Msg("Memory store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS notes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS notes_fts USING fts5(
			note_id UNINDEXED,
			content
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Remember stores a note and indexes it for search.
func (s *Store) Remember(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("note content cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO notes (content, created_at) VALUES (?, ?)",
		content, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert note: %w", err)
	}
	noteID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read note id: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO notes_fts (note_id, content) VALUES (?, ?)",
		noteID, content); err != nil {
		return fmt.Errorf("failed to index note: %w", err)
	}

	return tx.Commit()
}

// Search runs an FTS5 MATCH query and returns results ranked by bm25.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query cannot be empty")
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT note_id, content, bm25(notes_fts) AS score
		FROM notes_fts
		WHERE notes_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ID, &r.Content, &r.Score); err != nil {
			return nil, err
		}
		// bm25 scores are negative, flip for readability
		r.Score = -r.Score
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.logger.Debug().Str("query", query).Int("results", len(results)).Msg("Memory search")
	return results, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
