// Package persist makes the in-memory journal and canonical state survive
// restarts: plaintext files, encrypted siblings, and rotating timestamped
// backups. Every disk error here is logged and swallowed — degraded
// durability must never degrade serving.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ccsync/api/internal/envelope"
	"ccsync/api/internal/journal"
)

const (
	journalFileName    = "sync-data.json"
	stateFileName      = "cc-state.json"
	encJournalFileName = "sync-data.enc"
	encStateFileName   = "cc-state.enc"
	backupDirName      = "backups"

	journalBackupPrefix = "journal-"
	stateBackupPrefix   = "state-"

	// Redis mirror keys, when a mirror is configured.
	JournalSnapshotKey = "ccsync:journal"
	StateSnapshotKey   = "ccsync:state"

	sinkTimeout = 5 * time.Second
)

// journalFile is the on-disk wrapper around the update log.
type journalFile struct {
	Updates  []journal.Event `json:"updates"`
	Snapshot map[string]any  `json:"snapshot"`
}

// SnapshotMirror is an optional secondary durability sink (Redis).
type SnapshotMirror interface {
	StoreSnapshot(ctx context.Context, key string, data []byte) error
}

// BackupUploader is an optional mirror for rotated backup files (object
// storage).
type BackupUploader interface {
	Upload(ctx context.Context, name, path string) error
}

type BackupInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

type Manager struct {
	dataDir    string
	backupDir  string
	backupKeep int

	env      *envelope.Envelope
	mirror   SnapshotMirror
	uploader BackupUploader
}

// New prepares the data and backup directories. env may be nil, in which
// case the encrypted flush path is disabled but plaintext persistence
// still works.
func New(dataDir string, keep int, env *envelope.Envelope) *Manager {
	m := &Manager{
		dataDir:    dataDir,
		backupDir:  filepath.Join(dataDir, backupDirName),
		backupKeep: keep,
		env:        env,
	}
	if err := os.MkdirAll(m.backupDir, 0o755); err != nil {
		log.Printf("[PERSIST] create dirs: %v", err)
	}
	return m
}

func (m *Manager) SetMirror(mirror SnapshotMirror)     { m.mirror = mirror }
func (m *Manager) SetUploader(uploader BackupUploader) { m.uploader = uploader }

func (m *Manager) journalPath() string    { return filepath.Join(m.dataDir, journalFileName) }
func (m *Manager) statePath() string      { return filepath.Join(m.dataDir, stateFileName) }
func (m *Manager) encJournalPath() string { return filepath.Join(m.dataDir, encJournalFileName) }
func (m *Manager) encStatePath() string   { return filepath.Join(m.dataDir, encStateFileName) }

// LoadJournal parses the plaintext journal file. Any failure falls back to
// an empty journal rather than failing startup.
func (m *Manager) LoadJournal() []journal.Event {
	raw, err := os.ReadFile(m.journalPath())
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[PERSIST] read journal: %v", err)
		}
		return nil
	}
	var file journalFile
	if err := json.Unmarshal(raw, &file); err != nil {
		log.Printf("[PERSIST] parse journal, starting fresh: %v", err)
		return nil
	}
	return file.Updates
}

// LoadState parses the plaintext canonical-state file, nil on any failure.
func (m *Manager) LoadState() map[string]any {
	raw, err := os.ReadFile(m.statePath())
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[PERSIST] read state: %v", err)
		}
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Printf("[PERSIST] parse state, starting fresh: %v", err)
		return nil
	}
	return doc
}

// FlushJournal overwrites the plaintext journal file and mirrors the
// snapshot when a mirror is configured.
func (m *Manager) FlushJournal(events []journal.Event) {
	raw, err := json.MarshalIndent(journalFile{Updates: events}, "", "  ")
	if err != nil {
		log.Printf("[PERSIST] marshal journal: %v", err)
		return
	}
	m.writeFile(m.journalPath(), raw, 0o644)
	m.mirrorSnapshot(JournalSnapshotKey, raw)
}

// FlushState overwrites the plaintext state file. A nil document means no
// canonical state exists yet; nothing is written.
func (m *Manager) FlushState(doc map[string]any) {
	if doc == nil {
		return
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		log.Printf("[PERSIST] marshal state: %v", err)
		return
	}
	m.writeFile(m.statePath(), raw, 0o644)
	m.mirrorSnapshot(StateSnapshotKey, raw)
}

// FlushEncrypted re-serializes both artifacts and writes their encrypted
// siblings. Independent of the plaintext flush: if encryption is
// unavailable this is a no-op and the plaintext path still succeeds.
func (m *Manager) FlushEncrypted(events []journal.Event, doc map[string]any) {
	m.FlushJournalEncrypted(events)
	m.FlushStateEncrypted(doc)
}

func (m *Manager) FlushJournalEncrypted(events []journal.Event) {
	if m.env == nil {
		return
	}
	raw, err := json.Marshal(journalFile{Updates: events})
	if err != nil {
		log.Printf("[PERSIST] marshal journal: %v", err)
		return
	}
	sealed, err := m.env.Encrypt(raw)
	if err != nil {
		log.Printf("[PERSIST] encrypt journal: %v", err)
		return
	}
	m.writeFile(m.encJournalPath(), []byte(sealed), 0o600)
}

func (m *Manager) FlushStateEncrypted(doc map[string]any) {
	if m.env == nil || doc == nil {
		return
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		log.Printf("[PERSIST] marshal state: %v", err)
		return
	}
	sealed, err := m.env.Encrypt(raw)
	if err != nil {
		log.Printf("[PERSIST] encrypt state: %v", err)
		return
	}
	m.writeFile(m.encStatePath(), []byte(sealed), 0o600)
}

// LoadEncryptedState opens the encrypted state sibling. Used for operator
// recovery when the plaintext file is lost or corrupt.
func (m *Manager) LoadEncryptedState() map[string]any {
	if m.env == nil {
		return nil
	}
	raw, err := os.ReadFile(m.encStatePath())
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(m.env.Decrypt(string(raw)), &doc); err != nil {
		return nil
	}
	return doc
}

// RotateBackups copies the current plaintext files into the backup
// directory with a sortable timestamp in the name, then prunes each
// artifact type down to the configured retention. Filenames embed an
// ISO-like timestamp so lexicographic order equals chronological order.
func (m *Manager) RotateBackups() {
	ts := time.Now().UTC().Format("2006-01-02T15-04-05Z")

	copied := 0
	if m.backupFile(m.journalPath(), journalBackupPrefix+ts+".json") {
		copied++
	}
	if m.backupFile(m.statePath(), stateBackupPrefix+ts+".json") {
		copied++
	}
	m.pruneBackups(journalBackupPrefix)
	m.pruneBackups(stateBackupPrefix)
	if copied > 0 {
		log.Printf("[BACKUP] rotated %d artifacts at %s", copied, ts)
	}
}

func (m *Manager) backupFile(src, name string) bool {
	in, err := os.Open(src)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[BACKUP] open %s: %v", src, err)
		}
		return false
	}
	defer in.Close()

	dst := filepath.Join(m.backupDir, name)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		log.Printf("[BACKUP] create %s: %v", dst, err)
		return false
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		log.Printf("[BACKUP] copy %s: %v", dst, err)
		return false
	}

	if m.uploader != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := m.uploader.Upload(ctx, name, dst); err != nil {
			log.Printf("[BACKUP] mirror %s: %v", name, err)
		}
	}
	return true
}

func (m *Manager) pruneBackups(prefix string) {
	names, err := m.backupNames(prefix)
	if err != nil {
		log.Printf("[BACKUP] list: %v", err)
		return
	}
	for len(names) > m.backupKeep {
		oldest := names[0]
		names = names[1:]
		if err := os.Remove(filepath.Join(m.backupDir, oldest)); err != nil {
			log.Printf("[BACKUP] prune %s: %v", oldest, err)
		}
	}
}

func (m *Manager) backupNames(prefix string) ([]string, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ListBackups reports the retained backup files, newest last.
func (m *Manager) ListBackups() []BackupInfo {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		log.Printf("[BACKUP] list: %v", err)
		return nil
	}
	var out []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, BackupInfo{Name: entry.Name(), Size: info.Size(), Modified: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) writeFile(path string, data []byte, perm os.FileMode) {
	if err := os.WriteFile(path, data, perm); err != nil {
		log.Printf("[PERSIST] write %s: %v", path, err)
	}
}

func (m *Manager) mirrorSnapshot(key string, data []byte) {
	if m.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := m.mirror.StoreSnapshot(ctx, key, data); err != nil {
		log.Printf("[PERSIST] mirror %s: %v", key, err)
	}
}
