package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/linnemanlabs/threatfeed/internal/state/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("THREATFEED_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("THREATFEED_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	s, err := pgstore.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSeenRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	fp := "fp-pg-" + time.Now().Format("20060102150405.000000000")

	ok, err := s.Has(ctx, fp)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if ok {
		t.Fatal("Has = true for fresh fingerprint")
	}

	if err := s.MarkSeen(ctx, fp, time.Now()); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if err := s.MarkSeen(ctx, fp, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("MarkSeen (repeat): %v", err)
	}

	ok, err = s.Has(ctx, fp)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if !ok {
		t.Fatal("Has = false after MarkSeen")
	}
}

func TestSpendAccumulates(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	period := "test-" + time.Now().Format("20060102150405.000000000")

	if err := s.AddSpend(ctx, period, 0.30); err != nil {
		t.Fatalf("AddSpend: %v", err)
	}
	if err := s.AddSpend(ctx, period, 0.20); err != nil {
		t.Fatalf("AddSpend: %v", err)
	}

	got, err := s.Spend(ctx, period)
	if err != nil {
		t.Fatalf("Spend: %v", err)
	}
	if got < 0.4999 || got > 0.5001 {
		t.Errorf("Spend = %v, want 0.50", got)
	}
}
