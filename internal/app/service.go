package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"ccsync/api/internal/config"
	"ccsync/api/internal/fanout"
	"ccsync/api/internal/journal"
	"ccsync/api/internal/persist"
	"ccsync/api/internal/state"
)

// Archiver receives every accepted journal event for long-term retention.
// Failures are logged and never surfaced to callers.
type Archiver interface {
	InsertEvents(ctx context.Context, events []journal.Event) error
}

// Service owns the journal, the canonical state document, and the live
// fanout, and coordinates the periodic durability work.
type Service struct {
	cfg      config.Config
	journal  *journal.Journal
	state    *state.Store
	fanout   *fanout.Registry
	persist  *persist.Manager
	archiver Archiver

	agentMu sync.Mutex
	agent   map[string]any

	started  time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

func NewService(cfg config.Config, pm *persist.Manager) *Service {
	s := &Service{
		cfg:     cfg,
		journal: journal.New(cfg.JournalCap),
		state:   state.New(),
		fanout:  fanout.New(),
		persist: pm,
		agent: map[string]any{
			"status":    "idle",
			"task":      nil,
			"subs":      []any{},
			"updatedAt": time.Now().UTC().Format(journal.TimeLayout),
		},
		started: time.Now(),
		stop:    make(chan struct{}),
	}
	s.journal.Load(pm.LoadJournal())
	s.state.Load(pm.LoadState())
	return s
}

func (s *Service) SetArchiver(a Archiver) { s.archiver = a }

// Health reports liveness plus coarse journal stats.
func (s *Service) Health() map[string]any {
	var last any
	if ev, ok := s.journal.Last(); ok {
		last = ev.TS
	}
	return map[string]any{
		"status":     "ok",
		"uptime":     int(time.Since(s.started).Seconds()),
		"updates":    s.journal.Len(),
		"lastUpdate": last,
	}
}

// Poll returns events strictly after the cursor, or the most recent 100
// when no cursor is given.
func (s *Service) Poll(since string) ([]journal.Event, string) {
	var updates []journal.Event
	if since != "" {
		updates = s.journal.Since(since)
	} else {
		updates = s.journal.Recent(100)
	}
	return updates, s.now()
}

// JournalAll returns the full retained update log.
func (s *Service) JournalAll() ([]journal.Event, string) {
	return s.journal.All(), s.now()
}

// Push appends one update, folds it into the canonical state when a
// handler exists for its type/action pair, and broadcasts it live. Merge
// failures never reject the event.
func (s *Service) Push(in journal.Incoming) (journal.Event, error) {
	ev, err := s.journal.Append(in)
	if err != nil {
		return journal.Event{}, domainError(http.StatusBadRequest, "INVALID_REQUEST", "Missing type, action, or data", nil)
	}
	log.Printf("[PUSH] %s -> %s/%s (%s)", ev.Source, ev.Type, ev.Action, describe(ev.Data))

	if err := s.state.ApplyPatch(ev.Type, ev.Action, ev.Data); err != nil {
		log.Printf("[MERGE] %s/%s failed: %v", ev.Type, ev.Action, err)
	}
	s.fanout.Broadcast(ev)
	s.archive([]journal.Event{ev})
	return ev, nil
}

// PushBatch appends several updates with strictly increasing synthetic
// timestamps. Batched events land in the journal only; they are not folded
// into the canonical state and not broadcast — pollers pick them up.
func (s *Service) PushBatch(in []journal.Incoming) ([]journal.Event, error) {
	events, err := s.journal.AppendBatch(in)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_REQUEST", "updates must be a non-empty array", nil)
	}
	log.Printf("[BATCH] %d updates from %s", len(events), events[0].Source)
	s.archive(events)
	return events, nil
}

// StateDoc returns the canonical state document, nil when none exists yet.
func (s *Service) StateDoc() (map[string]any, string) {
	return s.state.Get(), s.now()
}

// ReplaceState merges a full client upload into the canonical document and
// persists the result immediately.
func (s *Service) ReplaceState(incoming map[string]any) string {
	merged := s.state.ReplaceFull(incoming)
	s.persist.FlushState(merged)
	s.persist.FlushStateEncrypted(merged)
	return s.now()
}

func (s *Service) AgentStatus() map[string]any {
	s.agentMu.Lock()
	defer s.agentMu.Unlock()
	out := make(map[string]any, len(s.agent))
	for k, v := range s.agent {
		out[k] = v
	}
	return out
}

// UpdateAgentStatus shallow-merges the patch and stamps updatedAt.
func (s *Service) UpdateAgentStatus(patch map[string]any) {
	s.agentMu.Lock()
	defer s.agentMu.Unlock()
	for k, v := range patch {
		s.agent[k] = v
	}
	s.agent["updatedAt"] = s.now()
	task := "no task"
	if t, ok := s.agent["task"].(string); ok && t != "" {
		task = t
	}
	log.Printf("[AGENT] %v — %s", s.agent["status"], task)
}

// WebhookEvent converts an inbound CRM webhook into a log event, appends
// it, and broadcasts it. The payload is never trusted beyond display use.
func (s *Service) WebhookEvent(payload map[string]any) (journal.Event, error) {
	summary := fmt.Sprintf("CRM Webhook: %s — %s",
		firstString(payload, "type", "event"),
		firstString(payload, "contact_name", "name", "email"))

	ev, err := s.journal.Append(journal.Incoming{
		Type:   "log",
		Action: "create",
		Source: "crm",
		Data: map[string]any{
			"id":  "crm-" + fmt.Sprintf("%x", time.Now().UnixMilli()),
			"ts":  s.now(),
			"txt": summary,
		},
	})
	if err != nil {
		return journal.Event{}, err
	}
	if err := s.state.ApplyPatch(ev.Type, ev.Action, ev.Data); err != nil {
		log.Printf("[MERGE] webhook log failed: %v", err)
	}
	s.fanout.Broadcast(ev)
	s.archive([]journal.Event{ev})
	log.Printf("[CRM] webhook received: %s", firstString(payload, "type", "event"))
	return ev, nil
}

// Briefing summarizes task load and system health from the canonical
// state. Read-only; safe without auth.
func (s *Service) Briefing() map[string]any {
	now := time.Now().UTC()
	today := now.Format("2006-01-02")

	var tasks []map[string]any
	if doc := s.state.Get(); doc != nil {
		if list, ok := doc["tasks"].([]any); ok {
			for _, item := range list {
				if t, ok := item.(map[string]any); ok {
					tasks = append(tasks, t)
				}
			}
		}
	}

	dueToday := []map[string]any{}
	overdue := []map[string]any{}
	inProgress := []map[string]any{}
	active, completed := 0, 0
	for _, t := range tasks {
		status, _ := t["status"].(string)
		deadline, _ := t["deadline"].(string)
		scheduled, _ := t["scheduledAt"].(string)
		if status == "done" {
			completed++
			continue
		}
		active++
		if strings.HasPrefix(deadline, today) || strings.HasPrefix(scheduled, today) {
			dueToday = append(dueToday, taskSummary(t, "id", "title", "priority", "category", "deadline", "scheduledAt"))
		}
		if deadline != "" && deadline < today {
			overdue = append(overdue, taskSummary(t, "id", "title", "priority", "deadline"))
		}
		if status == "in_progress" {
			inProgress = append(inProgress, taskSummary(t, "id", "title", "assignee"))
		}
	}

	s.agentMu.Lock()
	agentState := s.agent["status"]
	agentTask := s.agent["task"]
	s.agentMu.Unlock()

	uptime := int(time.Since(s.started).Seconds())
	return map[string]any{
		"generated":     now.Format(journal.TimeLayout),
		"tasksDueToday": dueToday,
		"overdueTasks":  overdue,
		"inProgress":    inProgress,
		"summary": map[string]any{
			"totalActive":    active,
			"dueToday":       len(dueToday),
			"overdue":        len(overdue),
			"inProgress":     len(inProgress),
			"completedTotal": completed,
		},
		"systemHealth": map[string]any{
			"uptime":          uptime,
			"uptimeFormatted": fmt.Sprintf("%dh %dm", uptime/3600, (uptime%3600)/60),
			"totalUpdates":    s.journal.Len(),
			"sseClients":      s.fanout.Count(),
			"agentStatus":     agentState,
			"agentTask":       agentTask,
		},
	}
}

func (s *Service) Backups() []persist.BackupInfo {
	return s.persist.ListBackups()
}

func (s *Service) Subscribe() *fanout.Subscriber      { return s.fanout.Subscribe() }
func (s *Service) Unsubscribe(sub *fanout.Subscriber) { s.fanout.Unsubscribe(sub) }

// StartTimers launches the trim, flush, and backup loops. Stop ends them.
func (s *Service) StartTimers() {
	go s.loop(s.cfg.TrimInterval, s.trim)
	go s.loop(s.cfg.FlushInterval, s.flush)
	go s.loop(s.cfg.BackupInterval, s.persist.RotateBackups)
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// FlushAll writes every artifact now. Called on shutdown and from the
// periodic flush loop.
func (s *Service) FlushAll() {
	events := s.journal.All()
	doc := s.state.Get()
	s.persist.FlushJournal(events)
	s.persist.FlushState(doc)
	s.persist.FlushEncrypted(events, doc)
}

func (s *Service) loop(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-s.stop:
			return
		}
	}
}

func (s *Service) trim() {
	if dropped := s.journal.Trim(); dropped > 0 {
		log.Printf("[TRIM] Removed %d old updates", dropped)
		s.persist.FlushJournal(s.journal.All())
	}
}

func (s *Service) flush() {
	s.FlushAll()
}

func (s *Service) archive(events []journal.Event) {
	if s.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.archiver.InsertEvents(ctx, events); err != nil {
		log.Printf("[ARCHIVE] insert failed: %v", err)
	}
}

func (s *Service) now() string {
	return time.Now().UTC().Format(journal.TimeLayout)
}

func describe(data map[string]any) string {
	for _, key := range []string{"id", "title"} {
		if v, ok := data[key]; ok {
			return fmt.Sprint(v)
		}
	}
	return "?"
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return "unknown"
}

func taskSummary(t map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		if v, ok := t[key]; ok {
			out[key] = v
		}
	}
	return out
}
