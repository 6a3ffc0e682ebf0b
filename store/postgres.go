// Package store implements the canonical store (C3): a durable, append-mostly
// record of admitted Q&A pairs backed by PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/syriaqa/qapipeline/domain"
	"github.com/syriaqa/qapipeline/internal/repo"
)

// Config holds PostgreSQL connection settings for the canonical store.
type Config struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// DefaultConfig returns sensible defaults for a local deployment.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         5432,
		Database:     "qapipeline",
		SSLMode:      "disable",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		ConnLifetime: 5 * time.Minute,
	}
}

// PostgresStore is the sole owner of all canonical-store SQL.
type PostgresStore struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies reachability with a ping.
func Open(ctx context.Context, cfg Config) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", domain.ErrUnavailable, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("%w: ping database: %v", domain.ErrUnavailable, err)
	}
	return &PostgresStore{db: db}, nil
}

// InitSchema creates the qa_pairs table and its dedup index if absent.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS qa_pairs (
		id            TEXT PRIMARY KEY,
		question_text TEXT NOT NULL,
		answer_text   TEXT NOT NULL,
		confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
		source        TEXT NOT NULL,
		language      TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		metadata      JSONB NOT NULL DEFAULT '{}'::jsonb
	);
	CREATE INDEX IF NOT EXISTS idx_qa_pairs_question_text ON qa_pairs (question_text);
	CREATE INDEX IF NOT EXISTS idx_qa_pairs_source ON qa_pairs (source);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: init schema: %v", domain.ErrUnavailable, err)
	}
	return nil
}

// Ping checks database connectivity, used by the health gate (C8).
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Create inserts a new QAPair under the ID the caller set on it; it does
// not generate an ID. Returns
// ErrDuplicateID on a primary-key conflict, ErrConstraint on any other
// constraint violation.
func (s *PostgresStore) Create(ctx context.Context, pair domain.QAPair) (string, error) {
	metadataJSON, err := json.Marshal(pair.Metadata)
	if err != nil {
		return "", fmt.Errorf("%w: marshal metadata: %v", domain.ErrConstraint, err)
	}

	const query = `
		INSERT INTO qa_pairs (id, question_text, answer_text, confidence, source, language, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.db.ExecContext(ctx, query,
		pair.ID, pair.QuestionText, pair.AnswerText, pair.Confidence,
		string(pair.Source), string(pair.Language), pair.CreatedAt, string(metadataJSON),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return "", fmt.Errorf("%w: qa_id %s: %v", domain.ErrDuplicateID, pair.ID, err)
		}
		return "", fmt.Errorf("%w: create qa pair: %v", domain.ErrConstraint, err)
	}
	return pair.ID, nil
}

// Get returns the QAPair with the given id, or nil if absent.
func (s *PostgresStore) Get(ctx context.Context, qaID string) (*domain.QAPair, error) {
	const query = `
		SELECT id, question_text, answer_text, confidence, source, language, created_at, metadata
		FROM qa_pairs WHERE id = $1`
	return s.scanOne(s.db.QueryRowContext(ctx, query, qaID))
}

// FindByQuestionText looks up a QAPair by its exact normalized question
// text, used by the admission deduplication check.
func (s *PostgresStore) FindByQuestionText(ctx context.Context, text string) (*domain.QAPair, error) {
	const query = `
		SELECT id, question_text, answer_text, confidence, source, language, created_at, metadata
		FROM qa_pairs WHERE question_text = $1
		ORDER BY created_at ASC LIMIT 1`
	return s.scanOne(s.db.QueryRowContext(ctx, query, text))
}

// ListRecentFilter narrows ListRecent to pairs matching Source, when set.
type ListRecentFilter struct {
	Source domain.Source
}

// ListRecent returns up to limit QAPairs, most recent first, optionally
// filtered by source.
func (s *PostgresStore) ListRecent(ctx context.Context, limit int, filter ListRecentFilter) ([]domain.QAPair, error) {
	query := `
		SELECT id, question_text, answer_text, confidence, source, language, created_at, metadata
		FROM qa_pairs`
	args := []any{}
	if filter.Source != "" {
		query += ` WHERE source = $1`
		args = append(args, string(filter.Source))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list recent: %v", domain.ErrStorageFailure, err)
	}
	defer rows.Close()

	var pairs []domain.QAPair
	for rows.Next() {
		pair, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan qa pair: %v", domain.ErrStorageFailure, err)
		}
		pairs = append(pairs, *pair)
	}
	return pairs, rows.Err()
}

// UpdateMetadata merges newMetadata into the stored pair's metadata. Used by
// ingestion backfill; textual fields are never updated.
func (s *PostgresStore) UpdateMetadata(ctx context.Context, qaID string, newMetadata map[string]any) error {
	data, err := json.Marshal(newMetadata)
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", domain.ErrConstraint, err)
	}
	const query = `UPDATE qa_pairs SET metadata = metadata || $2::jsonb WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, qaID, string(data))
	if err != nil {
		return fmt.Errorf("%w: update metadata: %v", domain.ErrStorageFailure, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: qa_id %s", domain.ErrNotFound, qaID)
	}
	return nil
}

// ErrUnsupported is returned by QAPairRepository operations the canonical
// store's append-mostly model doesn't support.
var ErrUnsupported = fmt.Errorf("%w: unsupported on an append-mostly store", domain.ErrValidation)

// QAPairRepository adapts PostgresStore to the generic repo.Repository
// interface, for the ops debug surface that browses stored pairs generically
// rather than through the query-path's purpose-built methods.
type QAPairRepository struct {
	store *PostgresStore
}

// NewQAPairRepository wraps an already-open PostgresStore.
func NewQAPairRepository(s *PostgresStore) *QAPairRepository {
	return &QAPairRepository{store: s}
}

var _ repo.Repository[domain.QAPair, string] = (*QAPairRepository)(nil)

// Get returns the pair with the given id, or ErrNotFound if absent.
func (r *QAPairRepository) Get(ctx context.Context, id string) (domain.QAPair, error) {
	pair, err := r.store.Get(ctx, id)
	if err != nil {
		return domain.QAPair{}, err
	}
	if pair == nil {
		return domain.QAPair{}, fmt.Errorf("%w: qa_id %s", domain.ErrNotFound, id)
	}
	return *pair, nil
}

// List returns up to opts.Limit pairs, most recent first, optionally
// filtered by opts.Filter["source"].
func (r *QAPairRepository) List(ctx context.Context, opts repo.ListOpts) ([]domain.QAPair, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	var filter ListRecentFilter
	if s, ok := opts.Filter["source"].(string); ok {
		filter.Source = domain.Source(s)
	}
	return r.store.ListRecent(ctx, limit, filter)
}

// Create inserts entity, returning it with its assigned id.
func (r *QAPairRepository) Create(ctx context.Context, entity domain.QAPair) (domain.QAPair, error) {
	id, err := r.store.Create(ctx, entity)
	if err != nil {
		return domain.QAPair{}, err
	}
	entity.ID = id
	return entity, nil
}

// Update merges entity.Metadata into the stored row; QAPair's textual fields
// are immutable once admitted, matching UpdateMetadata's contract.
func (r *QAPairRepository) Update(ctx context.Context, entity domain.QAPair) (domain.QAPair, error) {
	if err := r.store.UpdateMetadata(ctx, entity.ID, entity.Metadata); err != nil {
		return domain.QAPair{}, err
	}
	return r.Get(ctx, entity.ID)
}

// Delete always fails: the canonical store is append-mostly by design.
func (r *QAPairRepository) Delete(ctx context.Context, id string) error {
	return ErrUnsupported
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanOne(row rowScanner) (*domain.QAPair, error) {
	pair, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query qa pair: %v", domain.ErrStorageFailure, err)
	}
	return pair, nil
}

func scanRow(row rowScanner) (*domain.QAPair, error) {
	var pair domain.QAPair
	var source, language, metadataJSON string
	if err := row.Scan(
		&pair.ID, &pair.QuestionText, &pair.AnswerText, &pair.Confidence,
		&source, &language, &pair.CreatedAt, &metadataJSON,
	); err != nil {
		return nil, err
	}
	pair.Source = domain.Source(source)
	pair.Language = domain.Language(language)
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &pair.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	}
	return &pair, nil
}
