package database

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = '?' AND c IN (?, ?)"
	if got := Rebind(DriverSQLite, q); got != q {
		t.Errorf("sqlite query rewritten: %s", got)
	}
	want := "SELECT * FROM t WHERE a = $1 AND b = '?' AND c IN ($2, $3)"
	if got := Rebind(DriverPostgres, q); got != want {
		t.Errorf("postgres rebind = %s, want %s", got, want)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Driver("oracle"), ""); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestOpen_SQLiteMemory(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close() //nolint:errcheck // test cleanup

	if _, err := db.ExecContext(ctx, "CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)"); err != nil {
		t.Fatal(err)
	}
	err = db.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "a", "1")
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	// rolled back
	boom := errors.New("boom")
	err = db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "b", "2"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("rows = %d, want 1 (second insert rolled back)", n)
	}

	_, err = db.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "a", "dup")
	if !errors.Is(Classify(err), ErrUniqueViolation) {
		t.Errorf("expected unique violation, got %v", err)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	in := time.Date(2025, 3, 4, 5, 6, 7, 8, time.FixedZone("CET", 3600))
	s := FormatTime(in)
	if s != "2025-03-04T04:06:07.000000008Z" {
		t.Errorf("FormatTime = %s", s)
	}
	out, err := ParseTime(s)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Equal(in) {
		t.Errorf("round trip = %s, want %s", out, in)
	}
	if _, err := ParseTime("2025-03-04T04:06:07Z"); err != nil {
		t.Errorf("RFC 3339 should parse: %v", err)
	}
	if FormatTime(in) >= FormatTime(in.Add(time.Second)) {
		t.Error("formatted times must sort chronologically")
	}
}
