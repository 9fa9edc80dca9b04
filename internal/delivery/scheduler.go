package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/shohag/kindlerelay/internal/config"
)

// Scheduler triggers a dispatch pass on a cron schedule. A pass still running
// when the next one is due, including the run-on-start pass, causes that
// trigger to be skipped.
type Scheduler struct {
	cron        *cron.Cron
	dispatcher  *Dispatcher
	schedule    string
	passTimeout time.Duration
	runOnStart  bool
	log         zerolog.Logger
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     sync.Mutex
}

func NewScheduler(cfg config.DeliveryConfig, dispatcher *Dispatcher, log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		dispatcher:  dispatcher,
		schedule:    cfg.Schedule,
		passTimeout: cfg.PassTimeout,
		runOnStart:  cfg.RunOnStart,
		log:         log,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	job := cron.FuncJob(func() { s.RunPass(ctx) })
	if _, err := s.cron.AddJob(s.schedule, job); err != nil {
		s.cancel()
		return fmt.Errorf("invalid delivery schedule %q: %w", s.schedule, err)
	}

	s.log.Info().Str("schedule", s.schedule).Msg("starting delivery scheduler")
	s.cron.Start()

	if s.runOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.RunPass(ctx)
		}()
	}
	return nil
}

// Stop waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.log.Info().Msg("stopping delivery scheduler")
	<-s.cron.Stop().Done()
	s.wg.Wait()
	if s.cancel != nil {
		s.cancel()
	}
	s.log.Info().Msg("delivery scheduler stopped")
}

// RunPass dispatches everything due now, bounded by the pass timeout. It
// returns false without doing anything when another pass is still running.
func (s *Scheduler) RunPass(ctx context.Context) bool {
	if !s.running.TryLock() {
		s.log.Warn().Msg("previous dispatch pass still running, skipping")
		return false
	}
	defer s.running.Unlock()

	if s.passTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.passTimeout)
		defer cancel()
	}

	start := time.Now()
	sent, err := s.dispatcher.DispatchDue(ctx, start.UTC())
	if err != nil {
		s.log.Error().Err(err).Msg("dispatch pass failed")
		return true
	}
	s.log.Info().
		Int("sent", len(sent)).
		Dur("took", time.Since(start)).
		Msg("dispatch pass complete")
	return true
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
