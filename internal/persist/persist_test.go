package persist

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"ccsync/api/internal/envelope"
	"ccsync/api/internal/journal"
)

func newTestEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(make([]byte, 32))
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func TestJournalRoundTrip(t *testing.T) {
	m := New(t.TempDir(), 20, nil)

	events := []journal.Event{
		{TS: "2026-01-01T00:00:00.000Z", Type: "note", Action: "create", Source: "agent", Data: map[string]any{"id": "n1"}},
		{TS: "2026-01-01T00:00:01.000Z", Type: "task", Action: "update", Source: "agent", Data: map[string]any{"id": "t1"}},
	}
	m.FlushJournal(events)

	got := m.LoadJournal()
	if !reflect.DeepEqual(got, events) {
		t.Fatalf("loaded journal mismatch:\ngot  %#v\nwant %#v", got, events)
	}
}

func TestStateRoundTrip(t *testing.T) {
	m := New(t.TempDir(), 20, nil)

	doc := map[string]any{
		"tasks": []any{map[string]any{"id": "t1", "title": "a"}},
		"notes": []any{},
	}
	m.FlushState(doc)

	got := m.LoadState()
	if !reflect.DeepEqual(got, doc) {
		t.Fatalf("loaded state mismatch:\ngot  %#v\nwant %#v", got, doc)
	}
}

func TestLoadMissingFilesReturnsEmpty(t *testing.T) {
	m := New(t.TempDir(), 20, nil)
	if events := m.LoadJournal(); events != nil {
		t.Fatalf("expected nil journal, got %#v", events)
	}
	if doc := m.LoadState(); doc != nil {
		t.Fatalf("expected nil state, got %#v", doc)
	}
}

func TestLoadCorruptFilesFallBackToEmpty(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, 20, nil)

	if err := os.WriteFile(filepath.Join(dir, journalFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, stateFileName), []byte("[]"), 0o644); err != nil {
		t.Fatal(err)
	}

	if events := m.LoadJournal(); events != nil {
		t.Fatalf("corrupt journal should load empty, got %#v", events)
	}
	if doc := m.LoadState(); doc != nil {
		t.Fatalf("corrupt state should load empty, got %#v", doc)
	}
}

func TestFlushStateNilDocWritesNothing(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, 20, nil)
	m.FlushState(nil)
	if _, err := os.Stat(filepath.Join(dir, stateFileName)); !os.IsNotExist(err) {
		t.Fatalf("state file should not exist, stat err = %v", err)
	}
}

func TestEncryptedFlushRoundTrip(t *testing.T) {
	dir := t.TempDir()
	env := newTestEnvelope(t)
	m := New(dir, 20, env)

	doc := map[string]any{"notes": []any{map[string]any{"id": "n1", "content": "hi"}}}
	m.FlushEncrypted([]journal.Event{{TS: "2026-01-01T00:00:00.000Z", Type: "note", Action: "create", Data: map[string]any{"id": "n1"}}}, doc)

	raw, err := os.ReadFile(filepath.Join(dir, encStateFileName))
	if err != nil {
		t.Fatalf("read encrypted state: %v", err)
	}
	if !strings.Contains(string(raw), ":") {
		t.Fatalf("encrypted file missing iv:cipher separator: %q", raw)
	}
	if strings.Contains(string(raw), "notes") {
		t.Fatal("encrypted file leaks plaintext")
	}

	got := m.LoadEncryptedState()
	if !reflect.DeepEqual(got, doc) {
		t.Fatalf("decrypted state mismatch:\ngot  %#v\nwant %#v", got, doc)
	}
}

func TestRotateBackupsKeepsRetention(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, 3, nil)
	m.FlushJournal([]journal.Event{{TS: "2026-01-01T00:00:00.000Z", Type: "note", Action: "create", Data: map[string]any{"id": "n1"}}})
	m.FlushState(map[string]any{"notes": []any{}})

	// Simulate many past rotations with manually dated names.
	for _, ts := range []string{"2026-01-01T00-00-01Z", "2026-01-01T00-00-02Z", "2026-01-01T00-00-03Z", "2026-01-01T00-00-04Z"} {
		for _, prefix := range []string{journalBackupPrefix, stateBackupPrefix} {
			path := filepath.Join(dir, backupDirName, prefix+ts+".json")
			if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}

	m.RotateBackups()

	journals, err := m.backupNames(journalBackupPrefix)
	if err != nil {
		t.Fatal(err)
	}
	states, err := m.backupNames(stateBackupPrefix)
	if err != nil {
		t.Fatal(err)
	}
	if len(journals) != 3 || len(states) != 3 {
		t.Fatalf("retention not enforced: %d journal, %d state backups", len(journals), len(states))
	}
	// The oldest synthetic entries must be the ones pruned.
	if journals[0] == journalBackupPrefix+"2026-01-01T00-00-01Z.json" {
		t.Fatalf("oldest backup survived pruning: %v", journals)
	}
}

func TestListBackups(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, 20, nil)
	m.FlushJournal([]journal.Event{{TS: "2026-01-01T00:00:00.000Z", Type: "note", Action: "create", Data: map[string]any{"id": "n1"}}})
	m.FlushState(map[string]any{"notes": []any{}})
	m.RotateBackups()

	backups := m.ListBackups()
	if len(backups) != 2 {
		t.Fatalf("expected 2 backups, got %d", len(backups))
	}
	for _, b := range backups {
		if b.Size == 0 {
			t.Fatalf("backup %s has zero size", b.Name)
		}
	}
}

type recordingMirror struct {
	stored map[string][]byte
}

func (r *recordingMirror) StoreSnapshot(_ context.Context, key string, data []byte) error {
	if r.stored == nil {
		r.stored = map[string][]byte{}
	}
	r.stored[key] = data
	return nil
}

func TestFlushMirrorsSnapshots(t *testing.T) {
	m := New(t.TempDir(), 20, nil)
	mirror := &recordingMirror{}
	m.SetMirror(mirror)

	m.FlushJournal([]journal.Event{{TS: "2026-01-01T00:00:00.000Z", Type: "note", Action: "create", Data: map[string]any{"id": "n1"}}})
	m.FlushState(map[string]any{"notes": []any{}})

	if _, ok := mirror.stored[JournalSnapshotKey]; !ok {
		t.Fatal("journal snapshot not mirrored")
	}
	if _, ok := mirror.stored[StateSnapshotKey]; !ok {
		t.Fatal("state snapshot not mirrored")
	}
}
