package blobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
)

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocal(dir)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	if ok, _ := s.Exists(ctx, RawKey("d1")); ok {
		t.Fatal("blob exists before Put")
	}
	if err := s.Put(ctx, RawKey("d1"), []byte("Salted__...")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "d1.raw")
	if err != nil || string(got) != "Salted__..." {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if ok, _ := s.Exists(ctx, "d1.raw"); !ok {
		t.Error("Exists = false after Put")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}

	if err := s.Delete(ctx, "d1.raw"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "d1.raw"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	if _, err := s.Get(ctx, "d1.raw"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
}

func TestLocalRejectsTraversal(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	for _, key := range []string{"", "..", "../etc/passwd", filepath.Join("a", "b")} {
		if err := s.Put(context.Background(), key, nil); !errors.Is(err, apperrors.ErrInvalidInput) {
			t.Errorf("Put(%q) = %v, want invalid input", key, err)
		}
	}
}

func TestOpenSelectsProvider(t *testing.T) {
	s, err := Open(context.Background(), config.BlobConfig{Provider: "local", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.(*Local); !ok {
		t.Errorf("Open returned %T", s)
	}
	if _, err := Open(context.Background(), config.BlobConfig{Provider: "s3"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestKeys(t *testing.T) {
	if RawKey("abc") != "abc.raw" || FileKey("abc") != "abc.pdf" {
		t.Errorf("keys: %s %s", RawKey("abc"), FileKey("abc"))
	}
}
