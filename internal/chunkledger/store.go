// Package chunkledger persists chunks, documents and ratings for the content
// service. Queries use "?" placeholders and are rebound for PostgreSQL; the
// same schema runs on SQLite.
package chunkledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/postgres"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	document_id   TEXT PRIMARY KEY,
	document_name TEXT NOT NULL UNIQUE,
	encrypted     BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS chunks (
	chunk_id              TEXT PRIMARY KEY,
	document_id           TEXT NOT NULL,
	content               TEXT NOT NULL,
	encrypted             BOOLEAN NOT NULL,
	reward                DOUBLE PRECISION NOT NULL DEFAULT 0,
	public_key            TEXT NOT NULL,
	key_server_public_key TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks (document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_owner ON chunks (public_key);
CREATE TABLE IF NOT EXISTS ratings (
	rating_id  TEXT PRIMARY KEY,
	public_key TEXT NOT NULL,
	chunk_id   TEXT NOT NULL,
	rating     INTEGER NOT NULL DEFAULT 0,
	UNIQUE (chunk_id, public_key)
);
`

// Store is the SQL-backed chunk ledger.
type Store struct {
	pg     *postgres.Client
	logger *slog.Logger
}

func NewStore(pg *postgres.Client) *Store {
	return &Store{
		pg:     pg,
		logger: slog.Default().With("component", "chunk-ledger"),
	}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.pg.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating chunk ledger: %w", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pg.Ping(ctx)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const chunkColumns = `c.chunk_id, c.document_id, COALESCE(d.document_name, ''), c.content, c.encrypted,
	c.reward, c.public_key, c.key_server_public_key`

func scanChunk(row interface{ Scan(...any) error }) (Chunk, error) {
	var c Chunk
	err := row.Scan(&c.ID, &c.DocumentID, &c.DocumentName, &c.Content, &c.Encrypted,
		&c.Reward, &c.OwnerPublicKey, &c.KeyServerPublicKey)
	return c, err
}

// Get returns one chunk.
func (s *Store) Get(ctx context.Context, chunkID string) (*Chunk, error) {
	row := s.pg.DB.QueryRowContext(ctx, s.pg.Rebind(`SELECT `+chunkColumns+`
		FROM chunks c LEFT JOIN documents d ON d.document_id = c.document_id
		WHERE c.chunk_id = ?`), chunkID)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: chunk %s", apperrors.ErrNotFound, chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting chunk %s: %w", chunkID, err)
	}
	return &c, nil
}

// GetMany returns the chunks among ids that exist, keyed by id.
func (s *Store) GetMany(ctx context.Context, ids []string) (map[string]Chunk, error) {
	out := make(map[string]Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q := `SELECT ` + chunkColumns + `
		FROM chunks c LEFT JOIN documents d ON d.document_id = c.document_id
		WHERE c.chunk_id IN (` + placeholders(len(ids)) + `)`
	rows, err := s.pg.DB.QueryContext(ctx, s.pg.Rebind(q), anySlice(ids)...)
	if err != nil {
		return nil, fmt.Errorf("getting chunks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

// ListByDocument returns a document's chunks ordered by id.
func (s *Store) ListByDocument(ctx context.Context, documentID string) ([]Chunk, error) {
	rows, err := s.pg.DB.QueryContext(ctx, s.pg.Rebind(`SELECT `+chunkColumns+`
		FROM chunks c LEFT JOIN documents d ON d.document_id = c.document_id
		WHERE c.document_id = ? ORDER BY c.chunk_id`), documentID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks of %s: %w", documentID, err)
	}
	defer rows.Close()
	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkDisclosed replaces an encrypted chunk's content with plaintext and
// clears its encrypted flag. The update only applies while the chunk is
// still encrypted, so concurrent callers cannot both win and a disclosed
// chunk is never touched again. It reports whether this call made the
// transition.
func (s *Store) MarkDisclosed(ctx context.Context, chunkID, plaintext string) (bool, error) {
	res, err := s.pg.DB.ExecContext(ctx, s.pg.Rebind(
		`UPDATE chunks SET content = ?, encrypted = FALSE WHERE chunk_id = ? AND encrypted = TRUE`),
		plaintext, chunkID)
	if err != nil {
		return false, fmt.Errorf("disclosing chunk %s: %w", chunkID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("disclosing chunk %s: %w", chunkID, err)
	}
	if n == 1 {
		return true, nil
	}
	var exists int
	err = s.pg.DB.QueryRowContext(ctx, s.pg.Rebind(`SELECT 1 FROM chunks WHERE chunk_id = ?`), chunkID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: chunk %s", apperrors.ErrNotFound, chunkID)
	}
	if err != nil {
		return false, fmt.Errorf("checking chunk %s: %w", chunkID, err)
	}
	return false, nil
}

// AccrueReward adds amount to the reward of the target chunk, or of every
// chunk of the target document.
func (s *Store) AccrueReward(ctx context.Context, target RewardTarget, amount float64) error {
	return accrue(ctx, s.pg.DB, s.pg.Rebind, target, amount)
}

// AccrueRewards credits each chunk its aligned amount in one transaction.
func (s *Store) AccrueRewards(ctx context.Context, chunkIDs []string, amounts []float64) error {
	if len(chunkIDs) != len(amounts) {
		return fmt.Errorf("%w: %d chunk ids but %d prices", apperrors.ErrInvalidInput, len(chunkIDs), len(amounts))
	}
	return s.pg.InTx(ctx, func(tx *sql.Tx) error {
		for i, id := range chunkIDs {
			if err := accrue(ctx, tx, s.pg.Rebind, ChunkTarget(id), amounts[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func accrue(ctx context.Context, q queryer, rebind func(string) string, target RewardTarget, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("%w: reward amount %v is negative", apperrors.ErrInvalidInput, amount)
	}
	var (
		query string
		id    string
	)
	switch {
	case target.ChunkID != "":
		query, id = `UPDATE chunks SET reward = reward + ? WHERE chunk_id = ?`, target.ChunkID
	case target.DocumentID != "":
		query, id = `UPDATE chunks SET reward = reward + ? WHERE document_id = ?`, target.DocumentID
	default:
		return fmt.Errorf("%w: reward target is empty", apperrors.ErrInvalidInput)
	}
	res, err := q.ExecContext(ctx, rebind(query), amount, id)
	if err != nil {
		return fmt.Errorf("accruing reward for %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: no chunks for %s", apperrors.ErrNotFound, id)
	}
	return nil
}

// CreateDocument inserts doc and its chunks in one transaction. beforeCommit,
// if non-nil, runs inside the transaction after the rows are written; its
// error rolls everything back. A duplicate name or an already stored chunk id
// is ErrConflict; existing chunks are never rewritten.
func (s *Store) CreateDocument(ctx context.Context, doc Document, chunks []Chunk, beforeCommit func(ctx context.Context) error) error {
	err := s.pg.InTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.pg.Rebind(`SELECT 1 FROM documents WHERE document_name = ?`), doc.Name).Scan(&exists)
		if err == nil {
			return fmt.Errorf("%w: document %q already exists", apperrors.ErrConflict, doc.Name)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking document name: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.pg.Rebind(
			`INSERT INTO documents (document_id, document_name, encrypted) VALUES (?, ?, ?)`),
			doc.ID, doc.Name, doc.Encrypted); err != nil {
			return fmt.Errorf("inserting document: %w", err)
		}
		insert := s.pg.Rebind(`INSERT INTO chunks
			(chunk_id, document_id, content, encrypted, reward, public_key, key_server_public_key)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		for _, c := range chunks {
			if _, err := tx.ExecContext(ctx, insert, c.ID, doc.ID, c.Content, c.Encrypted, c.Reward,
				c.OwnerPublicKey, c.KeyServerPublicKey); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: chunk %q already exists", apperrors.ErrConflict, c.ID)
				}
				return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
			}
		}
		if beforeCommit != nil {
			return beforeCommit(ctx)
		}
		return nil
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: document %q already exists", apperrors.ErrConflict, doc.Name)
	}
	if err == nil {
		s.logger.Info("document created", "document_id", doc.ID, "name", doc.Name, "chunks", len(chunks))
	}
	return err
}

// DeleteDocument removes the named document and all its chunks. beforeCommit
// receives the ids of the chunks owned by owner, runs inside the transaction,
// and its error rolls the deletion back.
func (s *Store) DeleteDocument(ctx context.Context, name, owner string, beforeCommit func(ctx context.Context, documentID string, chunkIDs []string) error) (string, error) {
	var documentID string
	err := s.pg.InTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, s.pg.Rebind(`SELECT document_id FROM documents WHERE document_name = ?`), name).Scan(&documentID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: document %q", apperrors.ErrNotFound, name)
		}
		if err != nil {
			return fmt.Errorf("finding document %q: %w", name, err)
		}

		rows, err := tx.QueryContext(ctx, s.pg.Rebind(
			`SELECT chunk_id FROM chunks WHERE public_key = ? AND document_id = ?`), owner, documentID)
		if err != nil {
			return fmt.Errorf("listing owned chunks: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scanning chunk id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("listing owned chunks: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.pg.Rebind(`DELETE FROM ratings WHERE chunk_id IN (SELECT chunk_id FROM chunks WHERE document_id = ?)`), documentID); err != nil {
			return fmt.Errorf("deleting ratings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.pg.Rebind(`DELETE FROM chunks WHERE document_id = ?`), documentID); err != nil {
			return fmt.Errorf("deleting chunks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.pg.Rebind(`DELETE FROM documents WHERE document_id = ?`), documentID); err != nil {
			return fmt.Errorf("deleting document: %w", err)
		}
		if beforeCommit != nil {
			return beforeCommit(ctx, documentID, ids)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("document deleted", "document_id", documentID, "name", name)
	return documentID, nil
}

// GetDocument returns a document by id.
func (s *Store) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	return s.findDocument(ctx, `document_id = ?`, documentID)
}

// FindDocumentByName returns a document by its unique name.
func (s *Store) FindDocumentByName(ctx context.Context, name string) (*Document, error) {
	return s.findDocument(ctx, `document_name = ?`, name)
}

func (s *Store) findDocument(ctx context.Context, where, arg string) (*Document, error) {
	var d Document
	err := s.pg.DB.QueryRowContext(ctx, s.pg.Rebind(
		`SELECT document_id, document_name, encrypted FROM documents WHERE `+where), arg).
		Scan(&d.ID, &d.Name, &d.Encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", apperrors.ErrNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("getting document %s: %w", arg, err)
	}
	return &d, nil
}

// MarkDocumentDisclosed clears the whole-document encrypted flag, reporting
// whether this call made the transition.
func (s *Store) MarkDocumentDisclosed(ctx context.Context, documentID string) (bool, error) {
	res, err := s.pg.DB.ExecContext(ctx, s.pg.Rebind(
		`UPDATE documents SET encrypted = FALSE WHERE document_id = ? AND encrypted = TRUE`), documentID)
	if err != nil {
		return false, fmt.Errorf("disclosing document %s: %w", documentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("disclosing document %s: %w", documentID, err)
	}
	return n == 1, nil
}

// CountChunks returns how many chunks a document has.
func (s *Store) CountChunks(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.pg.DB.QueryRowContext(ctx, s.pg.Rebind(`SELECT COUNT(*) FROM chunks WHERE document_id = ?`), documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting chunks of %s: %w", documentID, err)
	}
	return n, nil
}

// ChunkIDsOwnedBy lists the chunk ids whose owner is publicKey.
func (s *Store) ChunkIDsOwnedBy(ctx context.Context, publicKey string) ([]string, error) {
	rows, err := s.pg.DB.QueryContext(ctx, s.pg.Rebind(`SELECT chunk_id FROM chunks WHERE public_key = ? ORDER BY chunk_id`), publicKey)
	if err != nil {
		return nil, fmt.Errorf("listing owned chunks: %w", err)
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func newRatingID() string {
	return uuid.NewString()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
