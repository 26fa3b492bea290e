package commands

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dwsmith1983/riskcheck/internal/app"
	"github.com/dwsmith1983/riskcheck/internal/config"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

func quietBuild() app.Option {
	return app.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func httpStagesConfig(url string) *types.ProjectConfig {
	cfg := config.Default()
	cfg.Retry = types.RetryPolicy{MaxAttempts: 2, BackoffSeconds: 0.01}
	cfg.Stages = map[types.StageKind]types.StageConfig{}
	for _, s := range types.AllStages {
		cfg.Stages[s] = types.StageConfig{Type: types.RunnerHTTP, URL: url}
	}
	return cfg
}

func TestRunInit_WritesLoadableConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "proj")
	if err := runInit(dir, false); err != nil {
		t.Fatalf("runInit: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("starter config does not load: %v", err)
	}
	if len(cfg.Stages) != 3 {
		t.Errorf("expected 3 stages, got %d", len(cfg.Stages))
	}
	if err := runInit(dir, false); err == nil {
		t.Error("expected error when config exists")
	}
	if err := runInit(dir, true); err != nil {
		t.Errorf("force overwrite: %v", err)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := loadConfig(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "riskcheck init") {
		t.Fatalf("expected hint to run init, got %v", err)
	}
}

func TestRunSubmit_DrivesRunToCompletion(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"score":0.97}`))
	}))
	defer ts.Close()

	var out bytes.Buffer
	err := runSubmit(context.Background(), &out, httpStagesConfig(ts.URL),
		types.ModelArtifact{ArtifactID: "credit-pd", Version: "3"},
		submitOptions{timeout: 10 * time.Second}, quietBuild())
	if err != nil {
		t.Fatalf("runSubmit: %v\n%s", err, out.String())
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 stage calls, got %d", got)
	}
	for _, want := range []string{"Submitted run", "COMPLETED", "PASSED", "credit-pd@3"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunSubmit_PermanentFailureIsFailedVerdict(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("model format not supported"))
	}))
	defer ts.Close()

	var out bytes.Buffer
	err := runSubmit(context.Background(), &out, httpStagesConfig(ts.URL),
		types.ModelArtifact{ArtifactID: "credit-pd", Version: "4"},
		submitOptions{timeout: 10 * time.Second}, quietBuild())
	if err != nil {
		t.Fatalf("runSubmit: %v", err)
	}
	if !strings.Contains(out.String(), string(types.StatusFailed)) {
		t.Errorf("expected FAILED verdict:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "model format not supported") {
		t.Errorf("expected stage detail in output:\n%s", out.String())
	}
}

func TestRunSubmit_Detach(t *testing.T) {
	var out bytes.Buffer
	err := runSubmit(context.Background(), &out, httpStagesConfig("http://127.0.0.1:1"),
		types.ModelArtifact{ArtifactID: "credit-pd", Version: "5"},
		submitOptions{detach: true}, quietBuild())
	if err != nil {
		t.Fatalf("runSubmit: %v", err)
	}
	if !strings.HasPrefix(out.String(), "Submitted run ") {
		t.Errorf("unexpected output %q", out.String())
	}
}

type fakeGetter struct {
	runs []types.Run
	n    int
	err  error
}

func (f *fakeGetter) Get(context.Context, string) (types.Run, error) {
	if f.err != nil {
		return types.Run{}, f.err
	}
	r := f.runs[f.n]
	if f.n < len(f.runs)-1 {
		f.n++
	}
	return r, nil
}

func TestWaitTerminal(t *testing.T) {
	g := &fakeGetter{runs: []types.Run{
		{RunID: "r", Status: types.RunRunning},
		{RunID: "r", Status: types.RunJoining},
		{RunID: "r", Status: types.RunCompleted},
	}}
	run, err := waitTerminal(context.Background(), g, "r", time.Millisecond)
	if err != nil {
		t.Fatalf("waitTerminal: %v", err)
	}
	if run.Status != types.RunCompleted {
		t.Errorf("expected COMPLETED, got %s", run.Status)
	}

	stuck := &fakeGetter{runs: []types.Run{{RunID: "r", Status: types.RunRunning}}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := waitTerminal(ctx, stuck, "r", time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}

	boom := errors.New("boom")
	if _, err := waitTerminal(context.Background(), &fakeGetter{err: boom}, "r", time.Millisecond); !errors.Is(err, boom) {
		t.Errorf("expected getter error, got %v", err)
	}
}

func TestPrintRun(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	run := types.Run{
		RunID:     "01J0000000000000000000000",
		Artifact:  types.ModelArtifact{ArtifactID: "market-var", Version: "12"},
		Status:    types.RunCompleted,
		CreatedAt: now,
		StageResults: map[types.StageKind]types.StageResult{
			types.StageValidation: {Stage: types.StageValidation, AttemptCount: 1,
				Attempt: types.Attempt{Outcome: types.Outcome{Kind: types.OutcomeSuccess}}},
			types.StageBackTest: {Stage: types.StageBackTest, AttemptCount: 1,
				Attempt: types.Attempt{Outcome: types.Outcome{Kind: types.OutcomeSuccess}}},
			types.StageSensitivity: {Stage: types.StageSensitivity, AttemptCount: 3,
				Attempt: types.Attempt{Outcome: types.Outcome{Kind: types.OutcomeTimedOut, Detail: "grid too large"}}},
		},
		Result: &types.AggregatedResult{OverallStatus: types.StatusPassedWithWarnings},
	}

	var buf bytes.Buffer
	printRun(&buf, run)
	out := buf.String()
	for _, want := range []string{"market-var@12", "COMPLETED", "PASSED_WITH_WARNINGS", "3 attempt(s) TIMEOUT: grid too large"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

type fakeLister map[types.RunStatus][]types.Run

func (f fakeLister) List(_ context.Context, status types.RunStatus, _ int) ([]types.Run, error) {
	return f[status], nil
}

func TestCountActive(t *testing.T) {
	n, err := countActive(context.Background(), fakeLister{
		types.RunRunning:   {{RunID: "a"}, {RunID: "b"}},
		types.RunJoining:   {{RunID: "c"}},
		types.RunCompleted: {{RunID: "d"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected 3 active runs, got %d", n)
	}
}
