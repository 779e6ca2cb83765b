package chunkledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
)

// UpsertRating records publicKey's rating of chunkID, replacing any earlier
// rating by the same key.
func (s *Store) UpsertRating(ctx context.Context, chunkID, publicKey string, rating int) error {
	if chunkID == "" || publicKey == "" {
		return fmt.Errorf("%w: chunk id and public key are required", apperrors.ErrInvalidInput)
	}
	_, err := s.pg.DB.ExecContext(ctx, s.pg.Rebind(`INSERT INTO ratings (rating_id, public_key, chunk_id, rating)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (chunk_id, public_key) DO UPDATE SET rating = excluded.rating`),
		newRatingID(), publicKey, chunkID, rating)
	if err != nil {
		return fmt.Errorf("rating chunk %s: %w", chunkID, err)
	}
	return nil
}

// ChunkRatings returns publicKey's ratings for the given chunks. Unrated
// chunks are absent from the map.
func (s *Store) ChunkRatings(ctx context.Context, publicKey string, chunkIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}
	args := append([]any{publicKey}, anySlice(chunkIDs)...)
	rows, err := s.pg.DB.QueryContext(ctx, s.pg.Rebind(`SELECT chunk_id, rating FROM ratings
		WHERE public_key = ? AND chunk_id IN (`+placeholders(len(chunkIDs))+`)`), args...)
	if err != nil {
		return nil, fmt.Errorf("getting chunk ratings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			r  int
		)
		if err := rows.Scan(&id, &r); err != nil {
			return nil, fmt.Errorf("scanning rating: %w", err)
		}
		out[id] = r
	}
	return out, rows.Err()
}

// DocumentRating sums the ratings of a document's chunks. A document with no
// ratings scores 0.
func (s *Store) DocumentRating(ctx context.Context, documentID string) (int, error) {
	var total sql.NullInt64
	err := s.pg.DB.QueryRowContext(ctx, s.pg.Rebind(`SELECT SUM(r.rating)
		FROM chunks c JOIN ratings r ON r.chunk_id = c.chunk_id
		WHERE c.document_id = ?`), documentID).Scan(&total)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("getting rating of %s: %w", documentID, err)
	}
	return int(total.Int64), nil
}

// DocumentRatings returns the rating of every document.
func (s *Store) DocumentRatings(ctx context.Context) ([]DocumentRating, error) {
	rows, err := s.pg.DB.QueryContext(ctx, `SELECT d.document_id, d.document_name, COALESCE(SUM(r.rating), 0)
		FROM documents d
		LEFT JOIN chunks c ON c.document_id = d.document_id
		LEFT JOIN ratings r ON r.chunk_id = c.chunk_id
		GROUP BY d.document_id, d.document_name
		ORDER BY d.document_name`)
	if err != nil {
		return nil, fmt.Errorf("getting document ratings: %w", err)
	}
	defer rows.Close()
	out := []DocumentRating{}
	for rows.Next() {
		var dr DocumentRating
		if err := rows.Scan(&dr.DocumentID, &dr.Name, &dr.Rating); err != nil {
			return nil, fmt.Errorf("scanning document rating: %w", err)
		}
		out = append(out, dr)
	}
	return out, rows.Err()
}

// OwnerDocuments summarises the documents that have chunks owned by
// publicKey.
func (s *Store) OwnerDocuments(ctx context.Context, publicKey string) ([]DocumentStats, error) {
	rows, err := s.pg.DB.QueryContext(ctx, s.pg.Rebind(`
		WITH stats AS (
			SELECT document_id,
				COUNT(*) AS total_chunks,
				SUM(CASE WHEN encrypted THEN 1 ELSE 0 END) AS encrypted_chunks,
				SUM(reward) AS total_reward
			FROM chunks WHERE public_key = ?
			GROUP BY document_id
		),
		votes AS (
			SELECT c.document_id,
				SUM(CASE WHEN r.rating > 0 THEN 1 ELSE 0 END) AS upvotes,
				SUM(CASE WHEN r.rating < 0 THEN 1 ELSE 0 END) AS downvotes,
				SUM(r.rating) AS total_rating
			FROM chunks c JOIN ratings r ON r.chunk_id = c.chunk_id
			GROUP BY c.document_id
		)
		SELECT d.document_id, d.document_name, s.total_chunks, s.encrypted_chunks, s.total_reward,
			COALESCE(v.total_rating, 0), COALESCE(v.upvotes, 0), COALESCE(v.downvotes, 0)
		FROM documents d
		JOIN stats s ON s.document_id = d.document_id
		LEFT JOIN votes v ON v.document_id = d.document_id
		ORDER BY d.document_name`), publicKey)
	if err != nil {
		return nil, fmt.Errorf("getting owner documents: %w", err)
	}
	defer rows.Close()
	out := []DocumentStats{}
	for rows.Next() {
		var (
			ds               DocumentStats
			total, encrypted int
		)
		if err := rows.Scan(&ds.DocumentID, &ds.Name, &total, &encrypted, &ds.TotalReward,
			&ds.Rating, &ds.Upvotes, &ds.Downvotes); err != nil {
			return nil, fmt.Errorf("scanning document stats: %w", err)
		}
		if total > 0 {
			ds.EncryptedPercentage = float64(encrypted) / float64(total) * 100
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}
