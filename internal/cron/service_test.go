package cron

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var fastRetry = RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, path string) (*Service, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cs := NewService(path)
	cs.now = clk.now
	cs.SetRetryConfig(fastRetry)
	return cs, clk
}

func TestService_AddValidates(t *testing.T) {
	cs, _ := newTestService(t, "")
	noop := func(context.Context) (string, error) { return "", nil }

	tests := []struct {
		name     string
		job      string
		schedule Schedule
		handler  JobHandler
	}{
		{"no name", "", Every(time.Minute), noop},
		{"no handler", "x", Every(time.Minute), nil},
		{"zero interval", "x", Every(0), noop},
		{"bad expr", "x", Expr("not a cron"), noop},
		{"empty expr", "x", Expr(""), noop},
		{"unknown kind", "x", Schedule{Kind: "at"}, noop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := cs.Add(tt.job, tt.schedule, tt.handler); err == nil {
				t.Error("expected error")
			}
		})
	}

	if err := cs.Add("ok", Expr("0 3 * * *"), noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := cs.Add("ok", Every(time.Hour), noop); err == nil {
		t.Error("duplicate name accepted")
	}
}

func TestService_CronNextRun(t *testing.T) {
	cs, _ := newTestService(t, "")
	cs.Add("nightly", Expr("0 3 * * *"), func(context.Context) (string, error) { return "", nil })

	jobs := cs.Jobs()
	want := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	if len(jobs) != 1 || !jobs[0].State.NextRun.Equal(want) {
		t.Errorf("next run = %v, want %v", jobs[0].State.NextRun, want)
	}
}

func TestService_DueJobRunsOnce(t *testing.T) {
	cs, clk := newTestService(t, "")
	var calls atomic.Int32
	cs.Add("cleanup", Every(time.Hour), func(context.Context) (string, error) {
		calls.Add(1)
		return "removed 2", nil
	})

	ctx := context.Background()
	cs.checkJobs(ctx)
	cs.wg.Wait()
	if calls.Load() != 0 {
		t.Fatal("job ran before it was due")
	}

	clk.advance(time.Hour)
	cs.checkJobs(ctx)
	cs.checkJobs(ctx)
	cs.wg.Wait()
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}

	job := cs.Jobs()[0]
	if job.State.LastStatus != "ok" || job.State.LastResult != "removed 2" || job.State.Runs != 1 {
		t.Errorf("state = %+v", job.State)
	}
	if want := clk.now().Add(time.Hour); !job.State.NextRun.Equal(want) {
		t.Errorf("next run = %v, want %v", job.State.NextRun, want)
	}
}

func TestService_RunningJobNotStartedTwice(t *testing.T) {
	cs, clk := newTestService(t, "")
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var calls atomic.Int32
	cs.Add("rebuild", Every(time.Minute), func(context.Context) (string, error) {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return "", nil
	})

	ctx := context.Background()
	clk.advance(time.Minute)
	cs.checkJobs(ctx)
	<-started

	clk.advance(time.Hour)
	cs.checkJobs(ctx)
	if _, err := cs.RunJob(ctx, "rebuild"); !errors.Is(err, ErrJobRunning) {
		t.Errorf("RunJob = %v, want ErrJobRunning", err)
	}

	close(release)
	cs.wg.Wait()
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestService_FailureRetriedAndRecorded(t *testing.T) {
	cs, _ := newTestService(t, "")
	var calls atomic.Int32
	cs.Add("rebuild", Every(time.Hour), func(context.Context) (string, error) {
		calls.Add(1)
		return "", errors.New("embedding service down")
	})

	_, err := cs.RunJob(context.Background(), "rebuild")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != int32(fastRetry.MaxRetries+1) {
		t.Errorf("calls = %d", calls.Load())
	}

	log := cs.RunLog("rebuild", 10)
	if len(log) != 1 || log[0].Status != "error" || log[0].Attempts != fastRetry.MaxRetries+1 {
		t.Errorf("run log = %+v", log)
	}
	if st := cs.Jobs()[0].State; st.LastStatus != "error" || st.LastError != "embedding service down" {
		t.Errorf("state = %+v", st)
	}
}

func TestService_RunJobUnknown(t *testing.T) {
	cs, _ := newTestService(t, "")
	if _, err := cs.RunJob(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("got %v, want ErrUnknownJob", err)
	}
}

func TestService_StatePersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cron.json")
	cs, _ := newTestService(t, path)
	cs.Add("cleanup", Every(time.Hour), func(context.Context) (string, error) { return "done", nil })
	if _, err := cs.RunJob(context.Background(), "cleanup"); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	restarted, _ := newTestService(t, path)
	restarted.Add("cleanup", Every(time.Hour), func(context.Context) (string, error) { return "", nil })
	st := restarted.Jobs()[0].State
	if st.Runs != 1 || st.LastStatus != "ok" || st.LastResult != "done" {
		t.Errorf("restored state = %+v", st)
	}

	jobs, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if jobs["cleanup"].Runs != 1 {
		t.Errorf("LoadState runs = %d, want 1", jobs["cleanup"].Runs)
	}
}

func TestLoadState_Missing(t *testing.T) {
	jobs, err := LoadState(filepath.Join(t.TempDir(), "none.json"))
	if err != nil || len(jobs) != 0 {
		t.Errorf("LoadState = %v, %v; want empty, nil", jobs, err)
	}
}

func TestService_RunStopsOnCancel(t *testing.T) {
	cs, _ := newTestService(t, "")
	cs.tick = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cs.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
