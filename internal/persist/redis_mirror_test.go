package persist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestMirror(t *testing.T) *RedisMirror {
	t.Helper()
	mr := miniredis.RunT(t)
	mirror, err := NewRedisMirror("redis://"+mr.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { mirror.Close() })
	return mirror
}

func TestRedisMirrorStoreAndLoad(t *testing.T) {
	mirror := newTestMirror(t)
	ctx := context.Background()

	payload := []byte(`{"updates":[]}`)
	if err := mirror.StoreSnapshot(ctx, JournalSnapshotKey, payload); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := mirror.LoadSnapshot(ctx, JournalSnapshotKey)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("snapshot mismatch: got %q want %q", got, payload)
	}
}

func TestRedisMirrorLoadMissingKey(t *testing.T) {
	mirror := newTestMirror(t)

	got, err := mirror.LoadSnapshot(context.Background(), StateSnapshotKey)
	if err != nil {
		t.Fatalf("load absent key: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for absent key, got %q", got)
	}
}

func TestRedisMirrorBadURL(t *testing.T) {
	if _, err := NewRedisMirror("not-a-url", time.Hour); err == nil {
		t.Fatal("expected error for malformed url")
	}
}
