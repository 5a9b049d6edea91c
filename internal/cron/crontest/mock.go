// Package crontest provides test doubles for the cron package: an in-memory
// Store with the same optimistic-concurrency semantics as the SQLite
// implementation, and mock collaborators that record calls.
package crontest

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perchwork/roost/internal/cron"
)

// MemoryStore is an in-memory cron.Store for tests. Mutations honour the
// version discipline so conflict paths are exercisable without a database.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*cron.Job
	runs []cron.RunEntry
	now  func() time.Time

	// FailUpdate, if set, is returned by every Update call.
	FailUpdate error
}

// Compile-time interface check.
var _ cron.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. now may be nil for time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		jobs: make(map[string]*cron.Job),
		now:  now,
	}
}

// Create implements cron.Store.
func (m *MemoryStore) Create(_ context.Context, job *cron.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Version = 1
	m.jobs[job.ID] = job.Clone()
	return nil
}

// Get implements cron.Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*cron.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, cron.ErrJobNotFound
	}
	return job.Clone(), nil
}

// Update implements cron.Store with the optimistic version check.
func (m *MemoryStore) Update(_ context.Context, job *cron.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailUpdate != nil {
		return m.FailUpdate
	}

	current, ok := m.jobs[job.ID]
	if !ok {
		return cron.ErrJobNotFound
	}
	if current.Version != job.Version {
		return cron.ErrConflict
	}

	job.UpdatedAt = m.now().UTC()
	job.Version++
	m.jobs[job.ID] = job.Clone()
	return nil
}

// Delete implements cron.Store.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return cron.ErrJobNotFound
	}
	delete(m.jobs, id)
	return nil
}

// ListAll implements cron.Store.
func (m *MemoryStore) ListAll(_ context.Context) ([]*cron.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]*cron.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

// ListDue implements cron.Store.
func (m *MemoryStore) ListDue(_ context.Context, asOf time.Time) ([]*cron.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*cron.Job
	for _, job := range m.jobs {
		if !job.Enabled || job.RunState != cron.RunIdle || job.NextRunAt == nil {
			continue
		}
		if job.NextRunAt.After(asOf) {
			continue
		}
		due = append(due, job.Clone())
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRunAt.Equal(*due[j].NextRunAt) {
			return due[i].NextRunAt.Before(*due[j].NextRunAt)
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

// Claim implements cron.Store.
func (m *MemoryStore) Claim(_ context.Context, id string) (*cron.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || !job.Enabled || job.RunState != cron.RunIdle {
		return nil, nil
	}

	job.RunState = cron.RunRunning
	job.UpdatedAt = m.now().UTC()
	job.Version++
	return job.Clone(), nil
}

// AppendRun implements cron.Store.
func (m *MemoryStore) AppendRun(_ context.Context, entry cron.RunEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runs = append(m.runs, entry)
	return nil
}

// Runs implements cron.Store.
func (m *MemoryStore) Runs(_ context.Context, jobID string, limit int) ([]cron.RunEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}

	var entries []cron.RunEntry
	for i := len(m.runs) - 1; i >= 0 && len(entries) < limit; i-- {
		if m.runs[i].JobID == jobID {
			entries = append(entries, m.runs[i])
		}
	}
	return entries, nil
}

// AllRuns returns every recorded run entry, oldest first.
func (m *MemoryStore) AllRuns() []cron.RunEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]cron.RunEntry, len(m.runs))
	copy(out, m.runs)
	return out
}

// MockAgentRunner is a test double for cron.AgentRunner.
type MockAgentRunner struct {
	RunFunc func(ctx context.Context, sessionKey, message, agentID string) (string, error)

	mu    sync.Mutex
	turns []TurnCall
}

// TurnCall records one RunTurn invocation.
type TurnCall struct {
	SessionKey string
	Message    string
	AgentID    string
}

// Compile-time interface check.
var _ cron.AgentRunner = (*MockAgentRunner)(nil)

// RunTurn implements cron.AgentRunner.
func (m *MockAgentRunner) RunTurn(ctx context.Context, sessionKey, message, agentID string) (string, error) {
	m.mu.Lock()
	m.turns = append(m.turns, TurnCall{SessionKey: sessionKey, Message: message, AgentID: agentID})
	m.mu.Unlock()

	if m.RunFunc != nil {
		return m.RunFunc(ctx, sessionKey, message, agentID)
	}
	return "", nil
}

// Turns returns the recorded invocations.
func (m *MockAgentRunner) Turns() []TurnCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TurnCall, len(m.turns))
	copy(out, m.turns)
	return out
}

// MockEventQueue is a test double for cron.SystemEventQueue.
type MockEventQueue struct {
	PushFunc func(text string) error

	mu     sync.Mutex
	events []string
}

// Compile-time interface check.
var _ cron.SystemEventQueue = (*MockEventQueue)(nil)

// PushSystemEvent implements cron.SystemEventQueue.
func (m *MockEventQueue) PushSystemEvent(text string) error {
	m.mu.Lock()
	m.events = append(m.events, text)
	m.mu.Unlock()

	if m.PushFunc != nil {
		return m.PushFunc(text)
	}
	return nil
}

// Events returns the queued event texts in push order.
func (m *MockEventQueue) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.events))
	copy(out, m.events)
	return out
}

// MockWaker is a test double for cron.HeartbeatWaker.
type MockWaker struct {
	Cycles atomic.Int32
}

// Compile-time interface check.
var _ cron.HeartbeatWaker = (*MockWaker)(nil)

// RequestImmediateCycle implements cron.HeartbeatWaker.
func (m *MockWaker) RequestImmediateCycle() {
	m.Cycles.Add(1)
}

// MockDeliverer is a test double for cron.Deliverer.
type MockDeliverer struct {
	SendFunc func(ctx context.Context, channel, to, text string) error

	mu   sync.Mutex
	sent []DeliveryCall
}

// DeliveryCall records one Send invocation.
type DeliveryCall struct {
	Channel string
	To      string
	Text    string
}

// Compile-time interface check.
var _ cron.Deliverer = (*MockDeliverer)(nil)

// Send implements cron.Deliverer.
func (m *MockDeliverer) Send(ctx context.Context, channel, to, text string) error {
	m.mu.Lock()
	m.sent = append(m.sent, DeliveryCall{Channel: channel, To: to, Text: text})
	m.mu.Unlock()

	if m.SendFunc != nil {
		return m.SendFunc(ctx, channel, to, text)
	}
	return nil
}

// Sent returns the recorded deliveries.
func (m *MockDeliverer) Sent() []DeliveryCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DeliveryCall, len(m.sent))
	copy(out, m.sent)
	return out
}
