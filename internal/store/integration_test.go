package store

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"aegis/test/testutil"
)

func TestNATSStoreContractIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	s, err := NewNATSStore([]string{url}, "aegis_test")
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	defer s.Close()

	runStoreContract(t, s, "user@example.com")
}

func TestPostgresStoreContractIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	dsn := testutil.PostgresDSN(t)
	s, err := NewPostgresStore(context.Background(), dsn, 4, true, nil)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	defer s.Close()

	if err := Migrate(s.db); err != nil {
		t.Fatalf("repeated migration must be a no-op: %v", err)
	}
	runStoreContract(t, s, "pg-"+uuid.NewString())
}
