package core

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs recurring cron jobs and one-shot timers for time based
// triggers. Cron specs carry a leading seconds field.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
}

// NewScheduler creates a scheduler evaluating cron specs in loc.
func NewScheduler(loc *time.Location, now func() time.Time, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		logger: logger,
		now:    now,
		timers: make(map[*time.Timer]struct{}),
	}
}

// Start starts the cron runner.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Debug("scheduler started")
}

// Stop stops the cron runner and pending one-shot timers, waiting for
// running cron jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.mu.Lock()
	for t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[*time.Timer]struct{})
	s.mu.Unlock()
	s.logger.Debug("scheduler stopped")
}

// Cron schedules fn on a six-field cron spec and returns its remove func.
func (s *Scheduler) Cron(spec string, fn func()) (func(), error) {
	id, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return nil, err
	}
	return func() { s.cron.Remove(id) }, nil
}

// After runs fn once after d. The returned func cancels it.
func (s *Scheduler) After(d time.Duration, fn func()) func() {
	var t *time.Timer
	s.mu.Lock()
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, t)
		s.mu.Unlock()
		fn()
	})
	s.timers[t] = struct{}{}
	s.mu.Unlock()
	return func() {
		t.Stop()
		s.mu.Lock()
		delete(s.timers, t)
		s.mu.Unlock()
	}
}

// At runs fn once at t. A time in the past fires immediately.
func (s *Scheduler) At(t time.Time, fn func()) func() {
	d := t.Sub(s.now())
	if d < 0 {
		d = 0
	}
	return s.After(d, fn)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
