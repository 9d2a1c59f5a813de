//go:build !integration

// In-memory fakes for the pipeline use case tests. They mirror the
// invariants of the real Postgres repositories: revision-guarded session
// updates and the at-most-one-in-flight job key.
package usecase_test

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"intent-code-pipeline/internal/config"
	"intent-code-pipeline/internal/domain"
	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/domain/ports/repository"
)

type fakeTxManager struct{}

func (fakeTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, nil)
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: map[string]*model.Session{}}
}

func cloneSession(s *model.Session) *model.Session {
	c := *s
	c.PhaseResults = make(map[model.Phase]string, len(s.PhaseResults))
	for k, v := range s.PhaseResults {
		c.PhaseResults[k] = v
	}
	if s.Failure != nil {
		f := *s.Failure
		c.Failure = &f
	}
	return &c
}

func (f *fakeSessionRepo) Save(_ context.Context, _ repository.Tx, s *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = cloneSession(s)
	return nil
}

func (f *fakeSessionRepo) UpdateRevision(_ context.Context, _ repository.Tx, s *model.Session, expectedRevision int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.sessions[s.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Revision != expectedRevision {
		return domain.ErrStaleRevision
	}
	s.UpdatedAt = time.Now()
	f.sessions[s.ID] = cloneSession(s)
	return nil
}

func (f *fakeSessionRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSession(s), nil
}

func (f *fakeSessionRepo) List(_ context.Context, _ repository.Tx, limit int) ([]*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		if len(out) >= limit {
			break
		}
		out = append(out, cloneSession(s))
	}
	return out, nil
}

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[string]*model.Job{}}
}

func (f *fakeJobRepo) Enqueue(_ context.Context, _ repository.Tx, job *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.IdempotencyKey == job.IdempotencyKey && !j.Status.Terminal() {
			return domain.ErrDuplicateInFlight
		}
	}
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobRepo) Claim(_ context.Context, workerID string, limit int, lease time.Duration) ([]*model.Job, error) {
	return nil, nil
}

func (f *fakeJobRepo) Heartbeat(context.Context, string, string, time.Duration) error { return nil }

func (f *fakeJobRepo) Complete(_ context.Context, jobID string, outcome repository.JobOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status.Terminal() {
		if j.Status == outcome.Status {
			return nil
		}
		return domain.ErrAlreadyTerminal
	}
	j.Status = outcome.Status
	j.Result = outcome.Result
	return nil
}

func (f *fakeJobRepo) Retry(context.Context, string, time.Time, string, string) error { return nil }

func (f *fakeJobRepo) ReclaimExpired(context.Context) (int, error) { return 0, nil }

func (f *fakeJobRepo) CancelBySession(_ context.Context, _ repository.Tx, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.SessionID == sessionID && !j.Status.Terminal() {
			j.Status = model.JobStatusCancelled
		}
	}
	return nil
}

func (f *fakeJobRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobRepo) ListBySession(_ context.Context, _ repository.Tx, sessionID string) ([]*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Job
	for _, j := range f.jobs {
		if j.SessionID == sessionID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobRepo) bySession(sessionID string) []*model.Job {
	out, _ := f.ListBySession(context.Background(), nil, sessionID)
	return out
}

// fakePublisher records events and assigns per-session sequences the way
// the real append-only log does.
type fakePublisher struct {
	mu     sync.Mutex
	events map[string][]*model.Event
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{events: map[string][]*model.Event{}}
}

func (f *fakePublisher) Publish(_ context.Context, sessionID string, t model.EventType, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.events[sessionID] = append(f.events[sessionID], &model.Event{
		SessionID: sessionID,
		Sequence:  int64(len(f.events[sessionID]) + 1),
		Type:      t,
		Payload:   body,
		Timestamp: time.Now(),
	})
	return nil
}

func (f *fakePublisher) bySession(sessionID string) []*model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[sessionID]
}

type fakeParser struct{ err error }

func (f *fakeParser) Parse(_ context.Context, rawText string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return json.Marshal(struct {
		Raw string `json:"raw"`
	}{Raw: rawText})
}

// newTestLogger creates a silent zerolog.Logger for use in tests.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

func testSchedulerConfig() *config.SchedulerConfig {
	return &config.SchedulerConfig{MaxAttempts: 3}
}
