package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestRebind(t *testing.T) {
	pg := &Client{driver: "postgres"}
	got := pg.Rebind("SELECT a FROM t WHERE b = ? AND c = ?")
	want := "SELECT a FROM t WHERE b = $1 AND c = $2"
	if got != want {
		t.Errorf("Rebind() = %q, want %q", got, want)
	}

	lite := &Client{driver: "sqlite3"}
	q := "SELECT 1 WHERE ? = ?"
	if got := lite.Rebind(q); got != q {
		t.Errorf("sqlite Rebind() = %q, want unchanged", got)
	}
}

func TestInTxRollsBack(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()
	c := Wrap(db, "sqlite3")
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, "CREATE TABLE t (v INTEGER)"); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	err = c.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (v) VALUES (1)"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v, want boom", err)
	}
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("rows after rollback = %d, want 0", n)
	}
}
