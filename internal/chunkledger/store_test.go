package chunkledger

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/postgres"
	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
)

const (
	owner     = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	keyServer = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s := NewStore(postgres.Wrap(db, "sqlite3"))
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func seedDocument(t *testing.T, s *Store, docID, name string, chunkIDs ...string) {
	t.Helper()
	chunks := make([]Chunk, len(chunkIDs))
	for i, id := range chunkIDs {
		chunks[i] = Chunk{ID: id, Content: "cipher-" + id, Encrypted: true, OwnerPublicKey: owner, KeyServerPublicKey: keyServer}
	}
	if err := s.CreateDocument(context.Background(), Document{ID: docID, Name: name, Encrypted: true}, chunks, nil); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	seedDocument(t, s, "d1", "Manual", "c1", "c2")
	ctx := context.Background()

	c, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !c.Encrypted || c.Content != "cipher-c1" || c.DocumentName != "Manual" || c.DocumentID != "d1" {
		t.Errorf("unexpected chunk: %+v", c)
	}

	if _, err := s.Get(ctx, "nope"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get missing: %v", err)
	}

	many, err := s.GetMany(ctx, []string{"c2", "c1", "zz"})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(many) != 2 {
		t.Errorf("GetMany returned %d chunks, want 2", len(many))
	}

	list, err := s.ListByDocument(ctx, "d1")
	if err != nil || len(list) != 2 || list[0].ID != "c1" {
		t.Errorf("ListByDocument = %+v, %v", list, err)
	}
}

func TestCreateDocumentDuplicateName(t *testing.T) {
	s := newTestStore(t)
	seedDocument(t, s, "d1", "Manual", "c1")
	err := s.CreateDocument(context.Background(), Document{ID: "d2", Name: "Manual"}, nil, nil)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("error = %v, want ErrConflict", err)
	}
}

func TestCreateDocumentRejectsExistingChunkID(t *testing.T) {
	s := newTestStore(t)
	seedDocument(t, s, "d1", "Manual", "c1")
	ctx := context.Background()
	if _, err := s.MarkDisclosed(ctx, "c1", "plain"); err != nil {
		t.Fatalf("MarkDisclosed: %v", err)
	}
	if err := s.AccrueReward(ctx, ChunkTarget("c1"), 5); err != nil {
		t.Fatalf("AccrueReward: %v", err)
	}

	err := s.CreateDocument(ctx, Document{ID: "d2", Name: "Copy", Encrypted: true},
		[]Chunk{{ID: "c1", Content: "cipher-again", Encrypted: true, OwnerPublicKey: owner, KeyServerPublicKey: keyServer}}, nil)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("error = %v, want ErrConflict", err)
	}

	c, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.Encrypted || c.Content != "plain" || c.Reward != 5 || c.DocumentID != "d1" {
		t.Errorf("chunk rewritten by conflicting upload: %+v", c)
	}
	if _, err := s.GetDocument(ctx, "d2"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("conflicting document survived rollback: %v", err)
	}
}

func TestCreateDocumentHookRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hookErr := errors.New("vector index unavailable")
	err := s.CreateDocument(ctx, Document{ID: "d1", Name: "Manual", Encrypted: true},
		[]Chunk{{ID: "c1", Content: "x", Encrypted: true, OwnerPublicKey: owner, KeyServerPublicKey: keyServer}},
		func(context.Context) error { return hookErr })
	if !errors.Is(err, hookErr) {
		t.Fatalf("error = %v, want hook error", err)
	}
	if _, err := s.GetDocument(ctx, "d1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("document survived rollback: %v", err)
	}
	if _, err := s.Get(ctx, "c1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("chunk survived rollback: %v", err)
	}
}

func TestMarkDisclosedIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	seedDocument(t, s, "d1", "Manual", "c1")
	ctx := context.Background()

	changed, err := s.MarkDisclosed(ctx, "c1", "plain text")
	if err != nil || !changed {
		t.Fatalf("first MarkDisclosed = %v, %v", changed, err)
	}
	changed, err = s.MarkDisclosed(ctx, "c1", "something else")
	if err != nil || changed {
		t.Fatalf("second MarkDisclosed = %v, %v; want no-op", changed, err)
	}
	c, _ := s.Get(ctx, "c1")
	if c.Encrypted || c.Content != "plain text" {
		t.Errorf("chunk after disclosure = %+v", c)
	}

	if _, err := s.MarkDisclosed(ctx, "missing", "x"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("MarkDisclosed missing: %v", err)
	}
}

func TestMarkDisclosedConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	seedDocument(t, s, "d1", "Manual", "c1")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := s.MarkDisclosed(context.Background(), "c1", "plain")
			if err != nil {
				t.Errorf("MarkDisclosed: %v", err)
				return
			}
			if changed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
}

func TestAccrueReward(t *testing.T) {
	s := newTestStore(t)
	seedDocument(t, s, "d1", "Manual", "c1", "c2", "c3", "c4")
	ctx := context.Background()

	if err := s.AccrueReward(ctx, DocumentTarget("d1"), 2.0); err != nil {
		t.Fatalf("AccrueReward document: %v", err)
	}
	if err := s.AccrueReward(ctx, ChunkTarget("c1"), 3); err != nil {
		t.Fatalf("AccrueReward chunk: %v", err)
	}
	c1, _ := s.Get(ctx, "c1")
	c4, _ := s.Get(ctx, "c4")
	if c1.Reward != 5 || c4.Reward != 2 {
		t.Errorf("rewards c1=%v c4=%v, want 5 and 2", c1.Reward, c4.Reward)
	}

	if err := s.AccrueReward(ctx, ChunkTarget("c1"), -1); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("negative amount: %v", err)
	}
	if err := s.AccrueReward(ctx, ChunkTarget("zz"), 1); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("missing chunk: %v", err)
	}
}

func TestAccrueRewardsAtomic(t *testing.T) {
	s := newTestStore(t)
	seedDocument(t, s, "d1", "Manual", "c1", "c2")
	ctx := context.Background()

	err := s.AccrueRewards(ctx, []string{"c1", "missing"}, []float64{1, 1})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	c1, _ := s.Get(ctx, "c1")
	if c1.Reward != 0 {
		t.Errorf("c1 reward = %v after rollback, want 0", c1.Reward)
	}
	if err := s.AccrueRewards(ctx, []string{"c1"}, nil); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("misaligned: %v", err)
	}
}

func TestDeleteDocument(t *testing.T) {
	s := newTestStore(t)
	seedDocument(t, s, "d1", "Manual", "c1", "c2")
	ctx := context.Background()
	if err := s.UpsertRating(ctx, "c1", "buyer", 1); err != nil {
		t.Fatal(err)
	}

	var hooked []string
	id, err := s.DeleteDocument(ctx, "Manual", owner, func(_ context.Context, docID string, ids []string) error {
		hooked = ids
		return nil
	})
	if err != nil || id != "d1" {
		t.Fatalf("DeleteDocument = %q, %v", id, err)
	}
	if len(hooked) != 2 {
		t.Errorf("hook received %v", hooked)
	}
	if n, _ := s.CountChunks(ctx, "d1"); n != 0 {
		t.Errorf("chunks left: %d", n)
	}
	if _, err := s.DeleteDocument(ctx, "Manual", owner, nil); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestDeleteDocumentHookRollsBack(t *testing.T) {
	s := newTestStore(t)
	seedDocument(t, s, "d1", "Manual", "c1")
	ctx := context.Background()

	_, err := s.DeleteDocument(ctx, "Manual", owner, func(context.Context, string, []string) error {
		return errors.New("index down")
	})
	if err == nil {
		t.Fatal("expected hook error")
	}
	if n, _ := s.CountChunks(ctx, "d1"); n != 1 {
		t.Errorf("chunks after rollback = %d, want 1", n)
	}
}

func TestDocumentDisclosure(t *testing.T) {
	s := newTestStore(t)
	seedDocument(t, s, "d1", "Manual", "c1")
	ctx := context.Background()

	changed, err := s.MarkDocumentDisclosed(ctx, "d1")
	if err != nil || !changed {
		t.Fatalf("MarkDocumentDisclosed = %v, %v", changed, err)
	}
	changed, _ = s.MarkDocumentDisclosed(ctx, "d1")
	if changed {
		t.Error("second MarkDocumentDisclosed reported a change")
	}
	d, err := s.FindDocumentByName(ctx, "Manual")
	if err != nil || d.Encrypted {
		t.Errorf("FindDocumentByName = %+v, %v", d, err)
	}
}

func TestOwnedChunks(t *testing.T) {
	s := newTestStore(t)
	seedDocument(t, s, "d1", "Manual", "c2", "c1")
	ids, err := s.ChunkIDsOwnedBy(context.Background(), owner)
	if err != nil || len(ids) != 2 || ids[0] != "c1" {
		t.Errorf("ChunkIDsOwnedBy = %v, %v", ids, err)
	}
	ids, _ = s.ChunkIDsOwnedBy(context.Background(), "stranger")
	if ids == nil || len(ids) != 0 {
		t.Errorf("stranger owns %v", ids)
	}
}

func TestMarkDisclosedSQLError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := NewStore(postgres.Wrap(db, "postgres"))

	mock.ExpectExec(`UPDATE chunks SET content = \$1, encrypted = FALSE WHERE chunk_id = \$2 AND encrypted = TRUE`).
		WithArgs("plain", "c1").
		WillReturnError(errors.New("connection reset"))

	_, err = s.MarkDisclosed(context.Background(), "c1", "plain")
	if err == nil || apperrors.KindOf(err) != apperrors.KindInternal {
		t.Errorf("error = %v, want internal", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateDocumentRollsBackOnInsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := NewStore(postgres.Wrap(db, "postgres"))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM documents WHERE document_name = \$1`).WithArgs("Manual").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}))
	mock.ExpectExec(`INSERT INTO documents`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = s.CreateDocument(context.Background(), Document{ID: "d1", Name: "Manual"}, nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
