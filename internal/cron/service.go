package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stellarlinkco/deckbot/pkg/logger"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = time.Minute

// Specs accept an optional seconds field and descriptors such as "@every 1h".
var parser = rcron.NewParser(
	rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

// JobFunc is one unit of scheduled work.
type JobFunc func(ctx context.Context) error

// JobStatus reports the last outcome of a job.
type JobStatus struct {
	Name       string    `json:"name"`
	Spec       string    `json:"spec"`
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	Runs       int       `json:"runs"`
}

type job struct {
	name    string
	spec    string
	fn      JobFunc
	entryID rcron.EntryID
	status  JobStatus
}

// Service runs named jobs on cron schedules. Overlapping runs of the same
// job are skipped.
type Service struct {
	mu      sync.Mutex
	jobs    map[string]*job
	cron    *rcron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	log     *logger.Logger
	now     func() time.Time
}

func NewService(log *logger.Logger) *Service {
	if log == nil {
		log = logger.Global()
	}
	log = log.Named("cron")
	return &Service{
		jobs:    make(map[string]*job),
		timeout: DefaultJobTimeout,
		log:     log,
		now:     time.Now,
	}
}

// AddJob registers fn under name. Adding a name twice replaces the job.
func (s *Service) AddJob(name, spec string, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("cron: job name is required")
	}
	if fn == nil {
		return fmt.Errorf("cron: job %s has no func", name)
	}
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("cron: job %s: invalid spec %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.jobs[name]; ok && s.cron != nil {
		s.cron.Remove(old.entryID)
	}
	j := &job{name: name, spec: spec, fn: fn, status: JobStatus{Name: name, Spec: spec}}
	s.jobs[name] = j
	if s.cron != nil {
		return s.register(j)
	}
	return nil
}

func (s *Service) register(j *job) error {
	id, err := s.cron.AddFunc(j.spec, func() { s.execute(j.name) })
	if err != nil {
		return fmt.Errorf("cron: register %s: %w", j.name, err)
	}
	j.entryID = id
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("cron: already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = rcron.New(
		rcron.WithParser(parser),
		rcron.WithChain(rcron.Recover(cronLogger{s.log}), rcron.SkipIfStillRunning(cronLogger{s.log})),
		rcron.WithLogger(cronLogger{s.log}),
	)
	for _, j := range s.jobs {
		if err := s.register(j); err != nil {
			s.log.Warn("register job failed", zap.String("job", j.name), zap.Error(err))
		}
	}
	s.cron.Start()
	s.log.Info("started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// Stop halts scheduling and waits up to five seconds for running jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-time.After(5 * time.Second):
		s.log.Warn("stop timeout waiting for running jobs")
	}
	s.log.Info("stopped")
}

// RunNow executes a job immediately, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: job %s not found", name)
	}
	return s.execute(name)
}

func (s *Service) execute(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	parent := s.ctx
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	start := s.now()
	err := j.fn(ctx)

	s.mu.Lock()
	j.status.LastRunAt = start
	j.status.Runs++
	if err != nil {
		j.status.LastStatus = "error"
		j.status.LastError = err.Error()
	} else {
		j.status.LastStatus = "ok"
		j.status.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("job failed", zap.String("job", name), zap.Error(err))
	} else {
		s.log.Debug("job done", zap.String("job", name), zap.Duration("took", s.now().Sub(start)))
	}
	return err
}

// ListJobs returns job statuses sorted by name.
func (s *Service) ListJobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.status)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// cronLogger adapts the zap logger to robfig's logger interface.
type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
