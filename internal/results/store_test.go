package results

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mooretm/yes-no/internal/config"
	"github.com/mooretm/yes-no/internal/response"
	"github.com/mooretm/yes-no/internal/trial"
)

func TestStoreAppendAndList(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "db", "yesno.db")}
	store, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	if err := store.BeginSession(ctx, Session{ID: "session-1", Subject: "s01", Condition: "quiet"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	sink := store.Sink("session-1")
	if err := sink.Write(ctx, result(t, 0, response.Yes, trial.No)); err != nil {
		t.Fatalf("write trial: %v", err)
	}
	if err := sink.Write(ctx, result(t, 1, response.No, trial.Absent)); err != nil {
		t.Fatalf("write trial: %v", err)
	}

	rows, err := store.ListTrials(ctx, "session-1")
	if err != nil {
		t.Fatalf("list trials: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 trials, got %d", len(rows))
	}
	if rows[0].Trial != 1 || rows[0].Classification != "FalseAlarm" || rows[0].Expected != "no" {
		t.Fatalf("unexpected first trial: %+v", rows[0])
	}
	if rows[1].Classification != "" {
		t.Fatalf("expected unclassified second trial, got %q", rows[1].Classification)
	}
	want := result(t, 0, response.Yes, trial.No).Record()
	got := rows[0].Record
	if len(got) != len(want) {
		t.Fatalf("record length %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record field %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	sessions, err := store.Sessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Subject != "s01" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestStorePruneByDaysAndSessions(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "yesno.db"), RetentionDays: 1, MaxSessions: 1}
	store, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	store.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := store.BeginSession(ctx, Session{ID: "old", Subject: "s01", Condition: "a"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := store.AppendTrial(ctx, "old", result(t, 0, response.Yes, trial.Yes)); err != nil {
		t.Fatalf("append trial: %v", err)
	}

	store.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := store.BeginSession(ctx, Session{ID: "new", Subject: "s02", Condition: "a"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := store.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	rows, err := store.ListTrials(ctx, "old")
	if err != nil {
		t.Fatalf("list trials: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected old session pruned, got %d trials", len(rows))
	}
	sessions, err := store.Sessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new" {
		t.Fatalf("expected only the new session, got %+v", sessions)
	}
}
