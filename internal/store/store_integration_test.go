package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/biosleuth/biosleuth/internal/evidence"
	"github.com/biosleuth/biosleuth/internal/server"
	"github.com/biosleuth/biosleuth/internal/store"
)

func startPostgres(t *testing.T, ctx context.Context) *store.Store {
	t.Helper()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("biosleuth"),
		tcPostgres.WithUsername("biosleuth"),
		tcPostgres.WithPassword("biosleuth"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://biosleuth:biosleuth@%s:%s/biosleuth?sslmode=disable", host, port.Port())

	if err := server.Migrate("file://../../migrations", dsn, "up", 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	s, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = s.DB.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	s := startPostgres(t, ctx)

	if err := s.CreateUser(ctx, "researcher@example.org", "hash"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	userID, hash, err := s.GetUserByEmail(ctx, "researcher@example.org")
	if err != nil || hash != "hash" {
		t.Fatalf("GetUserByEmail: %v %q", err, hash)
	}

	qID, err := s.CreateQuestion(ctx, userID, "How does metformin affect longevity?", "0 6 * * *")
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	scheduled, err := s.ListScheduledQuestions(ctx)
	if err != nil || len(scheduled) != 1 || scheduled[0].ID != qID {
		t.Fatalf("ListScheduledQuestions: %v %+v", err, scheduled)
	}

	runID := uuid.New().String()
	if err := s.CreateRun(ctx, runID, qID, "How does metformin affect longevity?", "INIT"); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.UpdateRunState(ctx, runID, "DONE", "", map[string]interface{}{"mode": "direct"}); err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.State != "DONE" || run.QuestionID != qID || len(run.Outline) == 0 {
		t.Fatalf("unexpected run: %+v", run)
	}

	if err := s.SaveReport(ctx, runID, "# Report", map[string]interface{}{"sections": 1}); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	md, payload, err := s.GetReport(ctx, runID)
	if err != nil || md != "# Report" || len(payload) == 0 {
		t.Fatalf("GetReport: %v %q", err, md)
	}

	// Evidence shares the same database.
	ev := evidence.NewPostgresStore(s.DB, runID)
	id, err := ev.Put(ctx, evidence.Draft{
		Source:        "PMID:1",
		Context:       []string{"excerpt"},
		Answer:        "finding",
		RetrievalTool: "literature_search",
	})
	if err != nil {
		t.Fatalf("evidence put: %v", err)
	}
	if _, err := ev.Get(ctx, id); err != nil {
		t.Fatalf("evidence get: %v", err)
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateRunState(ctx, "missing", "DONE", "", nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
}
