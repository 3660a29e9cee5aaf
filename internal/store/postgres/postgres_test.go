package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/fruitsalade/drivesync/internal/store"
	"github.com/fruitsalade/drivesync/internal/store/sqlstore"
	"github.com/fruitsalade/drivesync/internal/store/storetest"
)

func TestContract(t *testing.T) {
	dsn := os.Getenv("DRIVESYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DRIVESYNC_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		s, err := Open(ctx, dsn, sqlstore.Options{})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if err := s.Reset(ctx); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
