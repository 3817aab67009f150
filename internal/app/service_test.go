package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ccsync/api/internal/config"
	"ccsync/api/internal/journal"
	"ccsync/api/internal/persist"
)

func newTestService(t *testing.T, dir string) *Service {
	t.Helper()
	cfg := config.Config{
		APIKey:         testKey,
		JournalCap:     2000,
		TrimInterval:   time.Minute,
		FlushInterval:  5 * time.Minute,
		BackupInterval: 6 * time.Hour,
		BackupKeep:     20,
	}
	return NewService(cfg, persist.New(dir, cfg.BackupKeep, nil))
}

func TestFlushAllWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t, dir)

	if _, err := svc.Push(journal.Incoming{Type: "note", Action: "create", Data: map[string]any{"id": "n1"}}); err != nil {
		t.Fatalf("push: %v", err)
	}
	svc.ReplaceState(map[string]any{"notes": []any{map[string]any{"id": "n1", "content": "hi"}}})
	svc.FlushAll()

	if _, err := os.Stat(filepath.Join(dir, "sync-data.json")); err != nil {
		t.Fatalf("journal file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "cc-state.json")); err != nil {
		t.Fatalf("state file missing: %v", err)
	}
}

func TestServiceRestartRecoversFromDisk(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t, dir)

	if _, err := svc.Push(journal.Incoming{Type: "note", Action: "create", Data: map[string]any{"id": "n1", "content": "keep"}}); err != nil {
		t.Fatalf("push: %v", err)
	}
	svc.ReplaceState(map[string]any{"notes": []any{map[string]any{"id": "n1", "content": "keep"}}})
	svc.FlushAll()

	restarted := newTestService(t, dir)
	updates, _ := restarted.JournalAll()
	if len(updates) != 1 {
		t.Fatalf("expected 1 recovered update, got %d", len(updates))
	}
	doc, _ := restarted.StateDoc()
	if doc == nil {
		t.Fatal("state not recovered")
	}
	notes, _ := doc["notes"].([]any)
	if len(notes) != 1 {
		t.Fatalf("expected 1 recovered note, got %d", len(notes))
	}
}

type recordingArchiver struct {
	events []journal.Event
	err    error
}

func (r *recordingArchiver) InsertEvents(_ context.Context, events []journal.Event) error {
	r.events = append(r.events, events...)
	return r.err
}

func TestPushForwardsToArchiver(t *testing.T) {
	svc := newTestService(t, t.TempDir())
	rec := &recordingArchiver{}
	svc.SetArchiver(rec)

	if _, err := svc.Push(journal.Incoming{Type: "task", Action: "update", Data: map[string]any{"id": "t1"}}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(rec.events) != 1 {
		t.Fatalf("expected 1 archived event, got %d", len(rec.events))
	}
}

func TestArchiverErrorDoesNotRejectPush(t *testing.T) {
	svc := newTestService(t, t.TempDir())
	svc.SetArchiver(&recordingArchiver{err: os.ErrDeadlineExceeded})

	if _, err := svc.Push(journal.Incoming{Type: "task", Action: "update", Data: map[string]any{"id": "t1"}}); err != nil {
		t.Fatalf("archive failure must be swallowed, got %v", err)
	}
}
