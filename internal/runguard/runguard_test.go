package runguard_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
	"github.com/MegaGrindStone/assistant-chat/internal/runguard"
)

type mockRuns struct {
	mu        sync.Mutex
	runs      map[string][]models.Run
	listErr   error
	cancelErr error
	cancelled []string
	limits    []int
}

func (m *mockRuns) ListRuns(_ context.Context, conversationID string, limit int) ([]models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = append(m.limits, limit)
	if m.listErr != nil {
		return nil, m.listErr
	}
	runs := m.runs[conversationID]
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return slices.Clone(runs), nil
}

func (m *mockRuns) CancelRun(_ context.Context, conversationID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, runID)
	for i, r := range m.runs[conversationID] {
		if r.ID == runID {
			m.runs[conversationID][i].Status = models.RunStatusCancelled
		}
	}
	return nil
}

func (m *mockRuns) activeCount(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs[conversationID] {
		if r.Status.Active() {
			n++
		}
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordSleep struct {
	calls []time.Duration
}

func (r *recordSleep) sleep(_ context.Context, d time.Duration) error {
	r.calls = append(r.calls, d)
	return nil
}

func TestEnsureExclusive(t *testing.T) {
	tests := []struct {
		name          string
		runs          []models.Run
		wantCancelled []string
		wantSleeps    int
	}{
		{
			name:       "No runs",
			wantSleeps: 0,
		},
		{
			name: "Only terminal runs",
			runs: []models.Run{
				{ID: "run-1", Status: models.RunStatusCompleted},
				{ID: "run-2", Status: models.RunStatusFailed},
				{ID: "run-3", Status: models.RunStatusCancelled},
			},
			wantSleeps: 0,
		},
		{
			name: "Active runs are cancelled",
			runs: []models.Run{
				{ID: "run-1", Status: models.RunStatusInProgress},
				{ID: "run-2", Status: models.RunStatusCompleted},
				{ID: "run-3", Status: models.RunStatusRequiresAction},
				{ID: "run-4", Status: models.RunStatusQueued},
			},
			wantCancelled: []string{"run-1", "run-3", "run-4"},
			wantSleeps:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := &mockRuns{runs: map[string][]models.Run{"thread-1": tt.runs}}
			rec := &recordSleep{}
			g := runguard.New(runs, discardLogger(),
				runguard.WithGrace(time.Second),
				runguard.WithSleep(rec.sleep))

			got := g.EnsureExclusive(context.Background(), "thread-1")

			if !slices.Equal(got, tt.wantCancelled) {
				t.Errorf("EnsureExclusive() = %v, want %v", got, tt.wantCancelled)
			}
			if len(rec.calls) != tt.wantSleeps {
				t.Errorf("sleeps = %d, want %d", len(rec.calls), tt.wantSleeps)
			}
			if n := runs.activeCount("thread-1"); n != 0 {
				t.Errorf("active runs after guard = %d, want 0", n)
			}
		})
	}
}

func TestEnsureExclusiveLookback(t *testing.T) {
	runs := &mockRuns{runs: map[string][]models.Run{}}
	g := runguard.New(runs, discardLogger(), runguard.WithSleep((&recordSleep{}).sleep))

	g.EnsureExclusive(context.Background(), "thread-1")

	if !slices.Equal(runs.limits, []int{5}) {
		t.Errorf("limits = %v, want [5]", runs.limits)
	}
}

func TestEnsureExclusiveFailuresAreNotFatal(t *testing.T) {
	t.Run("List fails", func(t *testing.T) {
		runs := &mockRuns{listErr: errors.New("boom")}
		g := runguard.New(runs, discardLogger(), runguard.WithSleep((&recordSleep{}).sleep))

		if got := g.EnsureExclusive(context.Background(), "thread-1"); got != nil {
			t.Errorf("EnsureExclusive() = %v, want nil", got)
		}
	})

	t.Run("Cancel fails", func(t *testing.T) {
		runs := &mockRuns{
			runs:      map[string][]models.Run{"thread-1": {{ID: "run-1", Status: models.RunStatusInProgress}}},
			cancelErr: errors.New("boom"),
		}
		rec := &recordSleep{}
		g := runguard.New(runs, discardLogger(), runguard.WithSleep(rec.sleep))

		if got := g.EnsureExclusive(context.Background(), "thread-1"); got != nil {
			t.Errorf("EnsureExclusive() = %v, want nil", got)
		}
		if len(rec.calls) != 0 {
			t.Errorf("sleeps = %d, want 0", len(rec.calls))
		}
	})
}

func TestEnsureExclusiveRapidSends(t *testing.T) {
	runs := &mockRuns{runs: map[string][]models.Run{}}
	g := runguard.New(runs, discardLogger(), runguard.WithSleep((&recordSleep{}).sleep))

	// Each send starts a run once the guard returns; only the newest may stay active.
	for i := 0; i < 10; i++ {
		g.EnsureExclusive(context.Background(), "thread-1")
		runs.mu.Lock()
		runs.runs["thread-1"] = append([]models.Run{{ID: string(rune('a' + i)), Status: models.RunStatusInProgress}},
			runs.runs["thread-1"]...)
		runs.mu.Unlock()

		if n := runs.activeCount("thread-1"); n != 1 {
			t.Fatalf("after send %d active runs = %d, want 1", i, n)
		}
	}
}

func TestEnsureExclusiveGraceHonoursContext(t *testing.T) {
	runs := &mockRuns{runs: map[string][]models.Run{"thread-1": {{ID: "run-1", Status: models.RunStatusQueued}}}}
	g := runguard.New(runs, discardLogger(), runguard.WithGrace(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		g.EnsureExclusive(ctx, "thread-1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("EnsureExclusive() ignored a cancelled context")
	}
}
