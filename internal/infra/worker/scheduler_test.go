//go:build !integration

package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"intent-code-pipeline/internal/config"
	"intent-code-pipeline/internal/domain"
	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/domain/ports/adapter"
	"intent-code-pipeline/internal/domain/ports/repository"
	portuc "intent-code-pipeline/internal/domain/ports/usecase"
)

// --- fakes ---

type fakeJobRepo struct {
	mu       sync.Mutex
	jobs     map[string]*model.Job
	retries  []time.Time
	reclaims int
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[string]*model.Job{}}
}

func (f *fakeJobRepo) add(j *model.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[j.ID] = j
}

func (f *fakeJobRepo) Enqueue(_ context.Context, _ repository.Tx, j *model.Job) error {
	f.add(j)
	return nil
}

func (f *fakeJobRepo) Claim(_ context.Context, workerID string, limit int, lease time.Duration) ([]*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Job
	for _, j := range f.jobs {
		if len(out) >= limit {
			break
		}
		if j.Status == model.JobStatusPending && !j.ScheduledAt.After(time.Now()) {
			j.Status = model.JobStatusRunning
			j.WorkerID = workerID
			j.LeaseExpiresAt = time.Now().Add(lease)
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobRepo) Heartbeat(_ context.Context, jobID, workerID string, lease time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok || j.Status != model.JobStatusRunning || j.WorkerID != workerID {
		return domain.ErrNotJobOwner
	}
	j.LeaseExpiresAt = time.Now().Add(lease)
	return nil
}

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
	j.LastErrorKind = outcome.ErrorKind
	j.LastError = outcome.ErrorMsg
	return nil
}

func (f *fakeJobRepo) Retry(_ context.Context, jobID string, scheduledAt time.Time, errKind, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[jobID]
	j.Status = model.JobStatusPending
	j.Attempts++
	j.ScheduledAt = scheduledAt
	j.LastErrorKind = errKind
	j.LastError = errMsg
	f.retries = append(f.retries, scheduledAt)
	return nil
}

func (f *fakeJobRepo) ReclaimExpired(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j.Status == model.JobStatusRunning && j.LeaseExpiresAt.Before(time.Now()) {
			j.Status = model.JobStatusPending
			j.Attempts++
			n++
		}
	}
	f.reclaims++
	return n, nil
}

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

type completion struct {
	sessionID string
	jobID     string
	result    string
	failure   *portuc.PhaseFailure
}

type fakePipeline struct {
	mu          sync.Mutex
	completions []completion
}

func (f *fakePipeline) Create(context.Context, string) (*model.Session, error) { return nil, nil }
func (f *fakePipeline) Advance(context.Context, string, int64) (*model.Session, error) {
	return nil, nil
}
func (f *fakePipeline) Cancel(context.Context, string) error { return nil }
func (f *fakePipeline) Get(context.Context, string) (*model.Session, error) {
	return nil, nil
}
func (f *fakePipeline) List(context.Context, int) ([]*model.Session, error) { return nil, nil }

func (f *fakePipeline) CompletePhase(_ context.Context, sessionID, jobID, result string, failure *portuc.PhaseFailure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, completion{sessionID, jobID, result, failure})
	return nil
}

type fakeExecutor struct {
	phase model.Phase
	err   error
	block bool // wait for ctx cancellation instead of returning
	calls int
}

func (f *fakeExecutor) Phase() model.Phase { return f.phase }

func (f *fakeExecutor) Execute(ctx context.Context, _ string, input []byte) (*adapter.PhaseResult, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &adapter.PhaseResult{Ref: "ref-" + string(f.phase), Artifact: input}, nil
}

type fakeExecutorSet map[model.Phase]*fakeExecutor

func (s fakeExecutorSet) For(p model.Phase) (adapter.PhaseExecutor, bool) {
	e, ok := s[p]
	return e, ok
}

type fakeLocker struct{}

func (fakeLocker) TryLock(context.Context, string, time.Duration) (string, error) {
	return "token", nil
}
func (fakeLocker) Unlock(context.Context, string, string) error { return nil }

func testSchedulerConfig() *config.SchedulerConfig {
	return &config.SchedulerConfig{
		Workers:           2,
		PollInterval:      10 * time.Millisecond,
		ClaimLimit:        4,
		Lease:             time.Minute,
		HeartbeatInterval: 10 * time.Second,
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffCap:        time.Minute,
		JobBudget:         15 * time.Minute,
		ReclaimInterval:   time.Minute,
	}
}

func newTestScheduler(jobs *fakeJobRepo, pl *fakePipeline, execs fakeExecutorSet) *Scheduler {
	logger := zerolog.Nop()
	return NewScheduler(jobs, pl, execs, nil, fakeLocker{}, NewPool(1, &logger), testSchedulerConfig(), &logger)
}

// --- tests ---

func TestRunJobSuccessCompletesPhase(t *testing.T) {
	jobs := newFakeJobRepo()
	pl := &fakePipeline{}
	execs := fakeExecutorSet{model.PhaseDesign: {phase: model.PhaseDesign}}
	s := newTestScheduler(jobs, pl, execs)

	job := model.NewJob("sess-1", model.PhaseDesign, []byte(`{"raw":"x"}`), 3)
	jobs.add(job)
	job.Status = model.JobStatusRunning
	job.WorkerID = s.workerID

	s.runJob(context.Background(), job)

	if job.Status != model.JobStatusSucceeded {
		t.Fatalf("job status = %s, want succeeded", job.Status)
	}
	if len(pl.completions) != 1 {
		t.Fatalf("completions = %d, want 1", len(pl.completions))
	}
	c := pl.completions[0]
	if c.sessionID != "sess-1" || c.jobID != job.ID || c.failure != nil {
		t.Fatalf("unexpected completion: %+v", c)
	}
	if c.result != "ref-design" {
		t.Fatalf("result = %q, want ref-design", c.result)
	}
}

func TestRunJobProviderErrorSchedulesRetry(t *testing.T) {
	jobs := newFakeJobRepo()
	pl := &fakePipeline{}
	execErr := fmt.Errorf("%w: upstream 503", domain.ErrProviderCall)
	execs := fakeExecutorSet{model.PhaseDesign: {phase: model.PhaseDesign, err: execErr}}
	s := newTestScheduler(jobs, pl, execs)

	job := model.NewJob("sess-1", model.PhaseDesign, nil, 3)
	jobs.add(job)
	job.Status = model.JobStatusRunning

	s.runJob(context.Background(), job)

	if job.Status != model.JobStatusPending {
		t.Fatalf("job status = %s, want pending (retry)", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}
	if job.LastErrorKind != string(domain.KindProvider) {
		t.Fatalf("error kind = %q, want provider", job.LastErrorKind)
	}
	if !job.ScheduledAt.After(time.Now()) {
		t.Fatal("expected retry scheduled with a delay")
	}
	if len(pl.completions) != 0 {
		t.Fatal("no phase completion expected while retries remain")
	}
}

func TestRunJobExhaustedAttemptsFailsSession(t *testing.T) {
	jobs := newFakeJobRepo()
	pl := &fakePipeline{}
	execErr := fmt.Errorf("%w: upstream 503", domain.ErrProviderCall)
	execs := fakeExecutorSet{model.PhaseDesign: {phase: model.PhaseDesign, err: execErr}}
	s := newTestScheduler(jobs, pl, execs)

	job := model.NewJob("sess-1", model.PhaseDesign, nil, 3)
	job.Attempts = 2 // third attempt is the last
	jobs.add(job)
	job.Status = model.JobStatusRunning

	s.runJob(context.Background(), job)

	if job.Status != model.JobStatusFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if len(pl.completions) != 1 {
		t.Fatalf("completions = %d, want 1", len(pl.completions))
	}
	f := pl.completions[0].failure
	if f == nil || f.Kind != string(domain.KindProvider) {
		t.Fatalf("failure = %+v, want provider kind", f)
	}
}

func TestRunJobValidationErrorDoesNotRetry(t *testing.T) {
	jobs := newFakeJobRepo()
	pl := &fakePipeline{}
	execErr := fmt.Errorf("%w: bad input", domain.ErrInvalidArgument)
	execs := fakeExecutorSet{model.PhaseDesign: {phase: model.PhaseDesign, err: execErr}}
	s := newTestScheduler(jobs, pl, execs)

	job := model.NewJob("sess-1", model.PhaseDesign, nil, 3)
	jobs.add(job)
	job.Status = model.JobStatusRunning

	s.runJob(context.Background(), job)

	if job.Status != model.JobStatusFailed {
		t.Fatalf("job status = %s, want failed (no retry for validation errors)", job.Status)
	}
	if len(jobs.retries) != 0 {
		t.Fatalf("retries = %d, want 0", len(jobs.retries))
	}
}

func TestRunJobBudgetExhaustedForceFails(t *testing.T) {
	jobs := newFakeJobRepo()
	pl := &fakePipeline{}
	execs := fakeExecutorSet{model.PhaseDesign: {phase: model.PhaseDesign}}
	s := newTestScheduler(jobs, pl, execs)

	job := model.NewJob("sess-1", model.PhaseDesign, nil, 3)
	job.CreatedAt = time.Now().Add(-time.Hour) // budget long gone
	jobs.add(job)
	job.Status = model.JobStatusRunning

	s.runJob(context.Background(), job)

	if job.Status != model.JobStatusFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if job.LastErrorKind != string(domain.KindTimeout) {
		t.Fatalf("error kind = %q, want job_timeout", job.LastErrorKind)
	}
	if execs[model.PhaseDesign].calls != 0 {
		t.Fatal("executor must not run after budget exhaustion")
	}
	f := pl.completions[0].failure
	if f == nil || f.Kind != string(domain.KindTimeout) {
		t.Fatalf("failure = %+v, want job_timeout kind", f)
	}
}

func TestRunJobDiscardsResultAfterCancellation(t *testing.T) {
	jobs := newFakeJobRepo()
	pl := &fakePipeline{}
	execs := fakeExecutorSet{model.PhaseDesign: {phase: model.PhaseDesign}}
	s := newTestScheduler(jobs, pl, execs)

	job := model.NewJob("sess-1", model.PhaseDesign, nil, 3)
	jobs.add(job)
	// Session cancelled while the call was in flight.
	job.Status = model.JobStatusCancelled

	s.runJob(context.Background(), job)

	if job.Status != model.JobStatusCancelled {
		t.Fatalf("job status = %s, want cancelled", job.Status)
	}
	if len(pl.completions) != 0 {
		t.Fatal("discarded result must not complete the phase")
	}
}

func TestRunJobAbandonedWhenLeaseLost(t *testing.T) {
	jobs := newFakeJobRepo()
	pl := &fakePipeline{}
	execs := fakeExecutorSet{model.PhaseDesign: {phase: model.PhaseDesign, block: true}}

	cfg := testSchedulerConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	logger := zerolog.Nop()
	s := NewScheduler(jobs, pl, execs, nil, fakeLocker{}, NewPool(1, &logger), cfg, &logger)

	// The reclaim sweep already returned the job to pending, so this
	// worker's next heartbeat finds no lease to extend.
	job := model.NewJob("sess-1", model.PhaseDesign, nil, 3)
	jobs.add(job)
	job.Status = model.JobStatusPending
	attemptsBefore := job.Attempts

	s.runJob(context.Background(), job)

	if job.Status != model.JobStatusPending {
		t.Fatalf("job status = %s, want pending (store owns the job)", job.Status)
	}
	if job.Attempts != attemptsBefore {
		t.Fatalf("attempts = %d, want %d", job.Attempts, attemptsBefore)
	}
	if len(pl.completions) != 0 {
		t.Fatal("a lost lease must not propagate a phase failure while retries remain")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	s := newTestScheduler(newFakeJobRepo(), &fakePipeline{}, fakeExecutorSet{})

	prevMax := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		d := s.backoff(attempt)
		if d > s.cfg.BackoffCap {
			t.Fatalf("backoff(%d) = %v exceeds cap %v", attempt, d, s.cfg.BackoffCap)
		}
		if d < s.cfg.BackoffBase/2 {
			t.Fatalf("backoff(%d) = %v below half the base", attempt, d)
		}
		if d > prevMax {
			prevMax = d
		}
	}
	if prevMax < s.cfg.BackoffCap/2 {
		t.Fatalf("max observed backoff %v never approached the cap", prevMax)
	}
}

func TestClaimAndDispatchRunsPendingJob(t *testing.T) {
	jobs := newFakeJobRepo()
	pl := &fakePipeline{}
	execs := fakeExecutorSet{model.PhaseDesign: {phase: model.PhaseDesign}}
	s := newTestScheduler(jobs, pl, execs)

	job := model.NewJob("sess-1", model.PhaseDesign, nil, 3)
	jobs.add(job)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.pool.Start(ctx)
	defer s.pool.Stop()

	s.claimAndDispatch(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		jobs.mu.Lock()
		st := job.Status
		jobs.mu.Unlock()
		if st == model.JobStatusSucceeded {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job never reached succeeded, status = %s", job.Status)
}
