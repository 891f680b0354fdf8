// Package scheduler runs the periodic pipeline ticks (index poll, alert
// evaluation) on cron specs. Jobs that are still running when their next
// tick arrives are skipped, never stacked.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "tokenpulse/pkg/logx"
)

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
	running atomic.Bool
}

type Service struct {
	log    logx.Logger
	parser cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	defs    []*jobDef
	baseCtx context.Context
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log.With(logx.String("component", "scheduler")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// AddInterval registers a job on an @every cadence. Register before Start.
func (s *Service) AddInterval(name string, every, timeout time.Duration, job func(ctx context.Context) error) error {
	if every <= 0 {
		return fmt.Errorf("job %q: interval must be positive", name)
	}
	return s.AddCron(name, fmt.Sprintf("@every %s", every), timeout, job)
}

// AddCron registers a job on a cron spec. Register before Start.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("job %q: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return errors.New("scheduler already started")
	}
	s.defs = append(s.defs, &jobDef{name: name, spec: spec, timeout: timeout, run: job})
	return nil
}

// Start schedules the registered jobs. ctx is the base context every job
// run derives from; cancelling it cancels in-flight runs.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.baseCtx = ctx
	s.c = cron.New(cron.WithParser(s.parser))
	for _, d := range s.defs {
		d := d
		if _, err := s.c.AddFunc(d.spec, func() { s.runJob(d) }); err != nil {
			s.c = nil
			return err
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("jobs", len(s.defs)))
	return nil
}

// Stop halts scheduling and waits for in-flight runs to return.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
}

func (s *Service) runJob(d *jobDef) {
	if !d.running.CompareAndSwap(false, true) {
		s.log.Warn("previous run still in progress; skipping tick", logx.String("job", d.name))
		return
	}
	defer d.running.Store(false)

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	var cancel context.CancelFunc
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logx.String("job", d.name), logx.Any("panic", r))
		}
	}()

	if err := d.run(ctx); err != nil {
		s.log.Warn("job failed", logx.String("job", d.name),
			logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("job ok", logx.String("job", d.name), logx.Duration("took", time.Since(start)))
}
