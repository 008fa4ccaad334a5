package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oktsec/truthaudit/internal/audit"
	"github.com/oktsec/truthaudit/internal/policy"
	"github.com/oktsec/truthaudit/internal/session"
)

var errInjected = errors.New("injected failure")

// memStore is an in-memory implementation of every store contract.
type memStore struct {
	mu        sync.Mutex
	order     []string
	sessions  map[string]session.Record
	rules     []policy.Rule
	baselines map[string]float64
	scores    []audit.ScoreRecord
	events    []audit.Event
	audits    map[string]audit.SessionAudit
	agents    map[string]string
	regCalls  []string
	claimedAt map[string]time.Time

	// listBarrier, when set, holds every PendingSessions caller until all
	// callers it counts have listed.
	listBarrier *sync.WaitGroup

	failRules    bool
	failRegistry map[string]bool // agent ids whose registry calls fail
	failSave     map[string]bool // session ids whose write-back fails
}

func newMemStore() *memStore {
	return &memStore{
		sessions:     make(map[string]session.Record),
		baselines:    make(map[string]float64),
		audits:       make(map[string]audit.SessionAudit),
		agents:       make(map[string]string),
		claimedAt:    make(map[string]time.Time),
		failRegistry: make(map[string]bool),
		failSave:     make(map[string]bool),
	}
}

func (s *memStore) add(rec session.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := rec["audit_status"]; !ok {
		rec["audit_status"] = "pending"
	}
	s.order = append(s.order, rec.ID())
	s.sessions[rec.ID()] = rec
}

func (s *memStore) PendingSessions(_ context.Context, limit int) ([]session.Record, error) {
	s.mu.Lock()
	var out []session.Record
	for _, id := range s.order {
		if s.sessions[id]["audit_status"] != "pending" {
			continue
		}
		out = append(out, s.sessions[id])
		if len(out) == limit {
			break
		}
	}
	barrier := s.listBarrier
	s.mu.Unlock()

	if barrier != nil {
		barrier.Done()
		barrier.Wait()
	}
	return out, nil
}

func (s *memStore) ClaimSession(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok || rec["audit_status"] != "pending" {
		return false, nil
	}
	rec["audit_status"] = "auditing"
	s.claimedAt[id] = time.Now()
	return true, nil
}

func (s *memStore) ReleaseSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.sessions[id]; ok && rec["audit_status"] == "auditing" {
		rec["audit_status"] = "pending"
	}
	return nil
}

func (s *memStore) RequeueStale(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.sessions {
		if rec["audit_status"] == "auditing" && s.claimedAt[id].Before(before) {
			rec["audit_status"] = "pending"
			n++
		}
	}
	return n, nil
}

func (s *memStore) status(id string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]["audit_status"]
}

func (s *memStore) Session(_ context.Context, id string) (session.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, audit.ErrNotFound
	}
	return rec, nil
}

func (s *memStore) SaveAudit(_ context.Context, a audit.SessionAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave[a.SessionID] {
		return errInjected
	}
	s.audits[a.SessionID] = a
	// Records audited directly are never added to the store.
	if rec, ok := s.sessions[a.SessionID]; ok {
		rec["audit_status"] = string(a.Status)
	}
	return nil
}

func (s *memStore) EnabledRules(context.Context) ([]policy.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRules {
		return nil, errInjected
	}
	return append([]policy.Rule(nil), s.rules...), nil
}

func (s *memStore) AppendScore(_ context.Context, rec audit.ScoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.scores {
		if s.scores[i].ID == rec.ID {
			s.scores[i] = rec
			return nil
		}
	}
	s.scores = append(s.scores, rec)
	return nil
}

func (s *memStore) Baselines(context.Context, time.Time) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.baselines))
	for k, v := range s.baselines {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) AppendEvent(_ context.Context, e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memStore) transition(agentID, status, call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRegistry[agentID] {
		return errInjected
	}
	s.regCalls = append(s.regCalls, call+":"+agentID)
	s.agents[agentID] = status
	return nil
}

func (s *memStore) Pause(_ context.Context, agentID, _ string) error {
	return s.transition(agentID, audit.AgentPaused, "pause")
}

func (s *memStore) Disable(_ context.Context, agentID, _ string) error {
	return s.transition(agentID, audit.AgentDisabled, "disable")
}

func (s *memStore) Resume(_ context.Context, agentID string) error {
	return s.transition(agentID, audit.AgentActive, "resume")
}

func (s *memStore) eventKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

type sentNotification struct {
	channels []string
	users    []string
	message  string
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *captureNotifier) Notify(_ context.Context, channels, users []string, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{channels, users, message})
}

func (n *captureNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		out = append(out, s.message)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
