//go:build !integration

package executor

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"intent-code-pipeline/internal/domain"
	"intent-code-pipeline/internal/domain/model"
)

type fakeCaller struct {
	calls int
	err   error
}

func (f *fakeCaller) Call(_ context.Context, req model.ProviderRequest) (*model.CallRecord, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &model.CallRecord{
		Fingerprint: req.Fingerprint(),
		Response: model.ProviderResponse{
			Text:     "artifact for " + req.Params["phase"],
			Usage:    model.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
			Provider: "fake",
			Model:    req.Model,
		},
		CostMicros: 42,
	}, nil
}

type fakeCache struct {
	entries map[string]*model.CallRecord
	puts    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]*model.CallRecord{}}
}

func (f *fakeCache) Get(_ context.Context, fp string) (*model.CallRecord, bool, error) {
	rec, ok := f.entries[fp]
	return rec, ok, nil
}

func (f *fakeCache) Put(_ context.Context, fp string, rec *model.CallRecord) error {
	f.puts++
	f.entries[fp] = rec
	return nil
}

func testLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

func TestExecuteCallsGatewayOnMissAndCachesResult(t *testing.T) {
	gw := &fakeCaller{}
	cache := newFakeCache()
	set, err := NewSet(gw, cache, "test-model", testLogger())
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	exec, ok := set.For(model.PhaseDesign)
	if !ok {
		t.Fatal("no design executor")
	}

	res, err := exec.Execute(context.Background(), "sess-1", []byte("{\"intent\":true}"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gw.calls != 1 {
		t.Fatalf("gateway calls = %d, want 1", gw.calls)
	}
	if cache.puts != 1 {
		t.Fatalf("cache puts = %d, want 1", cache.puts)
	}
	if res.Ref == "" || len(res.Artifact) == 0 {
		t.Fatalf("incomplete result: %+v", res)
	}
	if res.Usage.TotalTokens != 30 {
		t.Fatalf("usage total = %d, want 30", res.Usage.TotalTokens)
	}
}

func TestExecuteServesRepeatFromCache(t *testing.T) {
	gw := &fakeCaller{}
	cache := newFakeCache()
	set, _ := NewSet(gw, cache, "test-model", testLogger())
	exec, _ := set.For(model.PhaseSpec)

	input := []byte("design artifact")
	first, err := exec.Execute(context.Background(), "sess-1", input)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	second, err := exec.Execute(context.Background(), "sess-1", input)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if gw.calls != 1 {
		t.Fatalf("gateway calls = %d, want 1 (second run must hit the cache)", gw.calls)
	}
	if first.Ref != second.Ref {
		t.Fatalf("refs differ: %s vs %s", first.Ref, second.Ref)
	}
}

func TestDistinctPhasesDoNotShareCacheEntries(t *testing.T) {
	gw := &fakeCaller{}
	cache := newFakeCache()
	set, _ := NewSet(gw, cache, "test-model", testLogger())

	input := []byte("same input")
	specExec, _ := set.For(model.PhaseSpec)
	planExec, _ := set.For(model.PhasePlan)

	if _, err := specExec.Execute(context.Background(), "s", input); err != nil {
		t.Fatalf("spec Execute: %v", err)
	}
	if _, err := planExec.Execute(context.Background(), "s", input); err != nil {
		t.Fatalf("plan Execute: %v", err)
	}
	if gw.calls != 2 {
		t.Fatalf("gateway calls = %d, want 2 (phase is part of the fingerprint)", gw.calls)
	}
}

func TestExecutePropagatesGatewayError(t *testing.T) {
	gw := &fakeCaller{err: domain.ErrAllProvidersUnavailable}
	cache := newFakeCache()
	set, _ := NewSet(gw, cache, "test-model", testLogger())
	exec, _ := set.For(model.PhaseCode)

	_, err := exec.Execute(context.Background(), "sess-1", []byte("plan"))
	if !errors.Is(err, domain.ErrAllProvidersUnavailable) {
		t.Fatalf("err = %v, want ErrAllProvidersUnavailable", err)
	}
	if cache.puts != 0 {
		t.Fatalf("cache puts = %d, want 0 on failure", cache.puts)
	}
}

func TestNewSetCoversEveryWorkPhase(t *testing.T) {
	set, err := NewSet(&fakeCaller{}, newFakeCache(), "m", testLogger())
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	for _, p := range model.WorkPhases() {
		if _, ok := set.For(p); !ok {
			t.Errorf("no executor for phase %s", p)
		}
	}
	if _, ok := set.For(model.PhaseCompleted); ok {
		t.Error("terminal phase must not have an executor")
	}
}
