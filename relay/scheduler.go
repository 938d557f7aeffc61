package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mailforward/mailbox"
)

const (
	DefaultInterval     = 60 * time.Second
	DefaultWarmup       = 10 * time.Second
	DefaultCycleTimeout = 5 * time.Minute
)

// Runner polls one account.
type Runner interface {
	Run(ctx context.Context, acct mailbox.Account) (Report, error)
}

// Scheduler runs a poll cycle for every account on a fixed period. Accounts
// are polled concurrently; an account whose previous cycle is still running
// is skipped for that tick.
type Scheduler struct {
	log      *zap.Logger
	runner   Runner
	accounts []mailbox.Account
	busy     []sync.Mutex

	Interval     time.Duration
	Warmup       time.Duration
	CycleTimeout time.Duration

	cron    *cron.Cron
	entry   cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Int32

	mu        sync.Mutex
	started   bool
	stopped   bool
	lastCheck time.Time
}

func NewScheduler(log *zap.Logger, runner Runner, accounts []mailbox.Account) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		log:          log,
		runner:       runner,
		accounts:     accounts,
		busy:         make([]sync.Mutex, len(accounts)),
		Interval:     DefaultInterval,
		Warmup:       DefaultWarmup,
		CycleTimeout: DefaultCycleTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start schedules the first tick after Warmup and one every Interval after
// that. It returns immediately.
func (s *Scheduler) Start() error {
	if s.Interval <= 0 {
		return errors.Errorf("poll interval must be positive, got %s", s.Interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return errors.New("scheduler already started")
	}

	logger := cronLogger{s.log.Sugar()}
	s.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
	sched := newWarmupSchedule(time.Now().Add(s.Warmup), s.Interval)
	s.entry = s.cron.Schedule(sched, cron.FuncJob(s.tick))
	s.cron.Start()
	s.started = true

	s.log.Info("Scheduler started",
		zap.Int("accounts", len(s.accounts)),
		zap.Duration("interval", s.Interval),
		zap.Duration("warmup", s.Warmup))
	return nil
}

// Stop cancels in-flight cycles and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	c := s.cron
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.cancel()
	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}

// Trigger starts a tick now without waiting for it.
func (s *Scheduler) Trigger() {
	s.tick()
}

// RunOnce polls every account and waits for all cycles to finish.
func (s *Scheduler) RunOnce(ctx context.Context) []Report {
	reports := make([]Report, len(s.accounts))
	var wg sync.WaitGroup
	s.markChecked()
	for i := range s.accounts {
		if !s.busy[i].TryLock() {
			reports[i].Account = s.accounts[i].Username
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.busy[i].Unlock()
			reports[i] = s.runAccount(ctx, s.accounts[i])
		}()
	}
	wg.Wait()
	return reports
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.lastCheck = time.Now()

	for i := range s.accounts {
		if !s.busy[i].TryLock() {
			s.log.Warn("Previous cycle still running, skipping account",
				zap.String("account", s.accounts[i].Username))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.busy[i].Unlock()
			s.runAccount(s.ctx, s.accounts[i])
		}()
	}
}

func (s *Scheduler) runAccount(ctx context.Context, acct mailbox.Account) (rep Report) {
	rep.Account = acct.Username
	s.running.Add(1)
	defer s.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Panic in poll cycle", zap.String("account", acct.Username), zap.Any("panic", r))
		}
	}()

	if s.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.CycleTimeout)
		defer cancel()
	}
	rep, err := s.runner.Run(ctx, acct)
	if err != nil {
		// The cycle already logged the cause.
		s.log.Debug("Poll cycle failed", zap.String("account", acct.Username), zap.Error(err))
	}
	return rep
}

func (s *Scheduler) markChecked() {
	s.mu.Lock()
	s.lastCheck = time.Now()
	s.mu.Unlock()
}

// AccountCount is the number of watched accounts.
func (s *Scheduler) AccountCount() int { return len(s.accounts) }

// Running is the number of cycles in flight.
func (s *Scheduler) Running() int { return int(s.running.Load()) }

// LastCheck is when the latest tick started, zero before the first one.
func (s *Scheduler) LastCheck() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCheck
}

// NextCheck is when the next tick is due, zero if not started.
func (s *Scheduler) NextCheck() time.Time {
	s.mu.Lock()
	c, id := s.cron, s.entry
	s.mu.Unlock()
	if c == nil {
		return time.Time{}
	}
	return c.Entry(id).Next
}

// warmupSchedule fires once at first, or at once if first has already
// passed, and then at a constant period. cron calls Next from a single
// goroutine.
type warmupSchedule struct {
	first time.Time
	every cron.ConstantDelaySchedule
	fired bool
}

func newWarmupSchedule(first time.Time, interval time.Duration) *warmupSchedule {
	return &warmupSchedule{first: first, every: cron.Every(interval)}
}

func (w *warmupSchedule) Next(t time.Time) time.Time {
	if w.fired {
		return w.every.Next(t)
	}
	w.fired = true
	if t.Before(w.first) {
		return w.first
	}
	return t
}

// cronLogger routes robfig/cron logs to zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
