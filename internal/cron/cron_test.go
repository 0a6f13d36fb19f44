package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stellarlinkco/deckbot/internal/history"
	"github.com/stellarlinkco/deckbot/pkg/logger"
)

func newTestService() *Service {
	return NewService(logger.NewNop())
}

func TestService_AddJob_Validation(t *testing.T) {
	s := newTestService()
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name    string
		job     string
		spec    string
		fn      JobFunc
		wantErr bool
	}{
		{name: "descriptor", job: "a", spec: "@every 1h", fn: noop},
		{name: "five fields", job: "b", spec: "0 3 * * *", fn: noop},
		{name: "six fields", job: "c", spec: "0 0 3 * * *", fn: noop},
		{name: "bad spec", job: "d", spec: "every hour", fn: noop, wantErr: true},
		{name: "empty name", job: "", spec: "@daily", fn: noop, wantErr: true},
		{name: "nil func", job: "e", spec: "@daily", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.AddJob(tt.job, tt.spec, tt.fn)
			if (err != nil) != tt.wantErr {
				t.Fatalf("AddJob error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	jobs := s.ListJobs()
	if len(jobs) != 3 || jobs[0].Name != "a" || jobs[2].Name != "c" {
		t.Fatalf("ListJobs = %+v", jobs)
	}
}

func TestService_RunNow(t *testing.T) {
	s := newTestService()
	var calls atomic.Int32
	boom := errors.New("boom")
	fail := true

	if err := s.AddJob("work", "@every 1h", func(ctx context.Context) error {
		calls.Add(1)
		if _, ok := ctx.Deadline(); !ok {
			t.Error("job context should carry a deadline")
		}
		if fail {
			return boom
		}
		return nil
	}); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}

	if err := s.RunNow("work"); !errors.Is(err, boom) {
		t.Fatalf("RunNow error = %v, want boom", err)
	}
	st := s.ListJobs()[0]
	if st.LastStatus != "error" || st.LastError != "boom" || st.Runs != 1 {
		t.Fatalf("status after failure = %+v", st)
	}

	fail = false
	if err := s.RunNow("work"); err != nil {
		t.Fatalf("RunNow error: %v", err)
	}
	st = s.ListJobs()[0]
	if st.LastStatus != "ok" || st.LastError != "" || st.Runs != 2 {
		t.Fatalf("status after success = %+v", st)
	}
	if st.LastRunAt.IsZero() {
		t.Error("LastRunAt should be set")
	}

	if err := s.RunNow("missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestService_ReplaceJob(t *testing.T) {
	s := newTestService()
	var first, second atomic.Int32
	_ = s.AddJob("job", "@every 1h", func(context.Context) error { first.Add(1); return nil })
	_ = s.AddJob("job", "@every 2h", func(context.Context) error { second.Add(1); return nil })

	_ = s.RunNow("job")
	if first.Load() != 0 || second.Load() != 1 {
		t.Fatalf("calls = %d/%d, want replacement to run", first.Load(), second.Load())
	}
	if s.ListJobs()[0].Spec != "@every 2h" {
		t.Errorf("spec = %q", s.ListJobs()[0].Spec)
	}
}

func TestService_StartRunsScheduledJobs(t *testing.T) {
	s := newTestService()
	ran := make(chan struct{}, 4)
	if err := s.AddJob("tick", "@every 1s", func(context.Context) error {
		ran <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled job did not run")
	}
}

func TestService_AddJobAfterStart(t *testing.T) {
	s := newTestService()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	ran := make(chan struct{}, 4)
	if err := s.AddJob("late", "@every 1s", func(context.Context) error {
		ran <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job added after Start did not run")
	}
}

func TestService_StopCancelsJobContext(t *testing.T) {
	s := newTestService()
	started := make(chan struct{})
	_ = s.AddJob("slow", "@every 1s", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(4 * time.Second):
		t.Fatal("Stop did not return after cancelling the running job")
	}
	// Stopping twice is a no-op.
	s.Stop()
}

type fakePruner struct {
	before time.Time
	n      int64
	err    error
	calls  int
}

func (f *fakePruner) PruneChatTurns(_ context.Context, before time.Time) (int64, error) {
	f.calls++
	f.before = before
	return f.n, f.err
}

type fakeEvicter struct {
	ttl   time.Duration
	calls int
}

func (f *fakeEvicter) EvictIdle(ttl time.Duration) int {
	f.calls++
	f.ttl = ttl
	return 2
}

func TestPruneJob(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	p := &fakePruner{n: 3}
	if err := PruneJob(p, 48*time.Hour, clock, logger.NewNop())(context.Background()); err != nil {
		t.Fatalf("PruneJob error: %v", err)
	}
	if !p.before.Equal(now.Add(-48 * time.Hour)) {
		t.Errorf("cutoff = %v", p.before)
	}

	off := &fakePruner{}
	_ = PruneJob(off, 0, clock, nil)(context.Background())
	if off.calls != 0 {
		t.Error("zero retention must not prune")
	}

	unsupported := &fakePruner{err: history.ErrNotSupported}
	if err := PruneJob(unsupported, time.Hour, clock, nil)(context.Background()); err != nil {
		t.Errorf("ErrNotSupported should be ignored, got %v", err)
	}

	failing := &fakePruner{err: errors.New("disk full")}
	if err := PruneJob(failing, time.Hour, clock, nil)(context.Background()); err == nil {
		t.Error("expected prune error")
	}
}

func TestEvictJob(t *testing.T) {
	e := &fakeEvicter{}
	if err := EvictJob(e, 24*time.Hour, logger.NewNop())(context.Background()); err != nil {
		t.Fatalf("EvictJob error: %v", err)
	}
	if e.calls != 1 || e.ttl != 24*time.Hour {
		t.Errorf("evicter = %+v", e)
	}

	off := &fakeEvicter{}
	_ = EvictJob(off, 0, nil)(context.Background())
	if off.calls != 0 {
		t.Error("zero ttl must not evict")
	}
}

func TestService_AddMaintenance(t *testing.T) {
	s := newTestService()
	p := &fakePruner{}
	e := &fakeEvicter{}

	if err := s.AddMaintenance("@every 1h", p, time.Hour, e, time.Minute); err != nil {
		t.Fatalf("AddMaintenance error: %v", err)
	}
	jobs := s.ListJobs()
	if len(jobs) != 2 || jobs[0].Name != PruneJobName || jobs[1].Name != EvictJobName {
		t.Fatalf("jobs = %+v", jobs)
	}

	_ = s.RunNow(PruneJobName)
	_ = s.RunNow(EvictJobName)
	if p.calls != 1 || e.calls != 1 {
		t.Fatalf("calls = %d/%d", p.calls, e.calls)
	}

	if err := s.AddMaintenance("nonsense", p, time.Hour, e, time.Minute); err == nil {
		t.Error("expected error for invalid spec")
	}
}
