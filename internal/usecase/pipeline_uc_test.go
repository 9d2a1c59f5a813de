//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"intent-code-pipeline/internal/domain"
	"intent-code-pipeline/internal/domain/model"
	portuc "intent-code-pipeline/internal/domain/ports/usecase"
	"intent-code-pipeline/internal/usecase"
)

type fixture struct {
	uc       *usecase.PipelineUseCase
	sessions *fakeSessionRepo
	jobs     *fakeJobRepo
	pub      *fakePublisher
}

func newFixture() *fixture {
	sessions := newFakeSessionRepo()
	jobs := newFakeJobRepo()
	pub := newFakePublisher()
	uc := usecase.NewPipelineUseCase(
		&fakeParser{}, sessions, jobs, fakeTxManager{}, pub,
		testSchedulerConfig(), newTestLogger(),
	)
	return &fixture{uc: uc, sessions: sessions, jobs: jobs, pub: pub}
}

func TestCreateOpensSessionWithDesignJob(t *testing.T) {
	f := newFixture()

	s, err := f.uc.Create(context.Background(), "build me a url shortener")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Phase != model.PhaseDesign || s.Revision != 0 {
		t.Fatalf("session = phase %s rev %d, want design rev 0", s.Phase, s.Revision)
	}

	jobs := f.jobs.bySession(s.ID)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	if jobs[0].Phase != model.PhaseDesign || jobs[0].Status != model.JobStatusPending {
		t.Fatalf("job = phase %s status %s", jobs[0].Phase, jobs[0].Status)
	}

	events := f.pub.bySession(s.ID)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (created + phase_started)", len(events))
	}
	if events[0].Type != model.EventSessionCreated || events[1].Type != model.EventPhaseStarted {
		t.Fatalf("event types = %s, %s", events[0].Type, events[1].Type)
	}
}

func TestCreateRejectsEmptyIntent(t *testing.T) {
	f := newFixture()
	if _, err := f.uc.Create(context.Background(), ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}

func TestCompletePhaseAdvancesAndIncrementsRevision(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s, err := f.uc.Create(ctx, "intent")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	job := f.jobs.bySession(s.ID)[0]

	if err := f.uc.CompletePhase(ctx, s.ID, job.ID, "design-ref", nil); err != nil {
		t.Fatalf("CompletePhase: %v", err)
	}

	got, err := f.uc.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Phase != model.PhaseSpec {
		t.Fatalf("phase = %s, want spec", got.Phase)
	}
	if got.Revision != s.Revision+1 {
		t.Fatalf("revision = %d, want %d", got.Revision, s.Revision+1)
	}
	if got.PhaseResults[model.PhaseDesign] != "design-ref" {
		t.Fatalf("design result = %q", got.PhaseResults[model.PhaseDesign])
	}

	events := f.pub.bySession(s.ID)
	last := events[len(events)-1]
	if last.Type != model.EventPhaseCompleted {
		t.Fatalf("last event = %s, want phase_completed", last.Type)
	}
}

func TestConcurrentAdvanceExactlyOneWins(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s, err := f.uc.Create(ctx, "intent")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Move past design so Advance enqueues fresh work.
	job := f.jobs.bySession(s.ID)[0]
	if err := f.uc.CompletePhase(ctx, s.ID, job.ID, "design-ref", nil); err != nil {
		t.Fatalf("CompletePhase: %v", err)
	}
	cur, _ := f.uc.Get(ctx, s.ID)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.uc.Advance(ctx, s.ID, cur.Revision)
		}(i)
	}
	wg.Wait()

	var ok, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrStaleRevision):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || stale != 1 {
		t.Fatalf("ok=%d stale=%d, want exactly one of each", ok, stale)
	}
}

func TestAdvanceWithInFlightJobIsNoError(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s, err := f.uc.Create(ctx, "intent")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// The design job from Create is still pending; advancing enqueues the
	// same idempotency key and must be treated as already in progress.
	got, err := f.uc.Advance(ctx, s.ID, 0)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got.Revision != 1 {
		t.Fatalf("revision = %d, want 1", got.Revision)
	}
	if n := len(f.jobs.bySession(s.ID)); n != 1 {
		t.Fatalf("jobs = %d, want 1 (no duplicate in flight)", n)
	}
}

func TestAdvanceStaleRevisionRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s, _ := f.uc.Create(ctx, "intent")
	if _, err := f.uc.Advance(ctx, s.ID, 7); !errors.Is(err, domain.ErrStaleRevision) {
		t.Fatalf("err = %v, want StaleRevision", err)
	}
}

func TestCompletePhaseFailureMarksSessionFailed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s, _ := f.uc.Create(ctx, "intent")
	job := f.jobs.bySession(s.ID)[0]

	failure := &portuc.PhaseFailure{Kind: string(domain.KindProvider), Message: "upstream 503"}
	if err := f.uc.CompletePhase(ctx, s.ID, job.ID, "", failure); err != nil {
		t.Fatalf("CompletePhase: %v", err)
	}

	got, _ := f.uc.Get(ctx, s.ID)
	if got.Phase != model.PhaseFailed {
		t.Fatalf("phase = %s, want failed", got.Phase)
	}
	if got.Failure == nil || got.Failure.Kind != string(domain.KindProvider) {
		t.Fatalf("failure = %+v, want provider kind", got.Failure)
	}

	events := f.pub.bySession(s.ID)
	if events[len(events)-1].Type != model.EventSessionFailed {
		t.Fatalf("last event = %s, want session.failed", events[len(events)-1].Type)
	}
}

func TestCompletePhaseOnTerminalSessionDiscards(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s, _ := f.uc.Create(ctx, "intent")
	job := f.jobs.bySession(s.ID)[0]
	if err := f.uc.Cancel(ctx, s.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if err := f.uc.CompletePhase(ctx, s.ID, job.ID, "late-result", nil); err != nil {
		t.Fatalf("CompletePhase after cancel: %v", err)
	}
	got, _ := f.uc.Get(ctx, s.ID)
	if got.Phase != model.PhaseFailed {
		t.Fatalf("phase = %s, late result must be discarded", got.Phase)
	}
	if _, ok := got.PhaseResults[model.PhaseDesign]; ok {
		t.Fatal("late result stored on terminal session")
	}
}

func TestCancelMarksJobsCancelled(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s, _ := f.uc.Create(ctx, "intent")
	if err := f.uc.Cancel(ctx, s.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, _ := f.uc.Get(ctx, s.ID)
	if got.Phase != model.PhaseFailed || got.Failure == nil || got.Failure.Kind != string(domain.KindCancelled) {
		t.Fatalf("session = %+v, want failed/user_cancelled", got)
	}
	for _, j := range f.jobs.bySession(s.ID) {
		if j.Status != model.JobStatusCancelled {
			t.Fatalf("job %s status = %s, want cancelled", j.ID, j.Status)
		}
	}

	// Cancelling again is rejected: the session is terminal.
	if err := f.uc.Cancel(ctx, s.ID); !errors.Is(err, domain.ErrSessionTerminal) {
		t.Fatalf("second cancel err = %v, want SessionTerminal", err)
	}
}

func TestPipelineRunsToCompletion(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s, _ := f.uc.Create(ctx, "intent")
	id := s.ID

	phases := []model.Phase{model.PhaseDesign, model.PhaseSpec, model.PhasePlan, model.PhaseCode}
	for i, phase := range phases {
		cur, _ := f.uc.Get(ctx, id)
		if cur.Phase != phase {
			t.Fatalf("step %d: phase = %s, want %s", i, cur.Phase, phase)
		}
		if i > 0 {
			if _, err := f.uc.Advance(ctx, id, cur.Revision); err != nil {
				t.Fatalf("Advance at %s: %v", phase, err)
			}
		}
		var job *model.Job
		for _, j := range f.jobs.bySession(id) {
			if j.Phase == phase && !j.Status.Terminal() {
				job = j
			}
		}
		if job == nil {
			t.Fatalf("no pending job for phase %s", phase)
		}
		if err := f.uc.CompletePhase(ctx, id, job.ID, "ref-"+string(phase), nil); err != nil {
			t.Fatalf("CompletePhase at %s: %v", phase, err)
		}
	}

	got, _ := f.uc.Get(ctx, id)
	if got.Phase != model.PhaseCompleted {
		t.Fatalf("final phase = %s, want completed", got.Phase)
	}
	events := f.pub.bySession(id)
	if events[len(events)-1].Type != model.EventSessionComplete {
		t.Fatalf("last event = %s, want session.completed", events[len(events)-1].Type)
	}
}
