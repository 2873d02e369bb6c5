package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/tradecore/src/clock"
)

// MaxDrainIterations caps PokePastActions so a misbehaving recurrence cannot spin forever.
const MaxDrainIterations = 10000

// driver decides what pokes the keeper while the scheduler is running.
type driver interface {
	start(s *Scheduler)
	stop()
}

// Scheduler wraps a Keeper with a Stopped/Running lifecycle. The live variant pokes once
// per second from a timer goroutine; the backtest variant is poked by the simulation loop.
type Scheduler struct {
	lifecycle sync.Mutex
	running   atomic.Bool
	mode      clock.Mode
	keeper    *Keeper
	driver    driver
	logger    *log.Entry
}

func (s *Scheduler) Keeper() *Keeper {
	return s.keeper
}

func (s *Scheduler) Mode() clock.Mode {
	return s.mode
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Add(name string, rule Recurrence, callback func() error) (*ScheduledAction, error) {
	return s.keeper.Add(name, rule, callback)
}

func (s *Scheduler) Remove(name string) {
	s.keeper.Remove(name)
}

// Start is a no-op when already running.
func (s *Scheduler) Start() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.running.Load() {
		return
	}

	s.running.Store(true)
	s.driver.start(s)
	s.logger.Infof("%s scheduler started", s.mode)
}

// Stop is a no-op when already stopped. For the live variant it returns only after the
// timer goroutine has exited, so no callback runs after Stop returns. It must not be
// called from inside an action callback.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.running.Load() {
		return
	}

	s.running.Store(false)
	s.driver.stop()
	s.logger.Infof("%s scheduler stopped", s.mode)
}

// Poke fires all due actions. It does nothing while the scheduler is stopped.
func (s *Scheduler) Poke() int {
	if !s.running.Load() {
		return 0
	}

	return s.keeper.CheckAll()
}

// PokePastActions drains the backlog of actions due at or before currentUtc, which builds
// up when backtest time jumps forward in large steps. Each sweep advances every fired
// action by one occurrence; draining stops when nothing is due any more, when a sweep
// fires nothing, or after MaxDrainIterations sweeps.
func (s *Scheduler) PokePastActions(currentUtc time.Time) int {
	fired := 0
	for i := 0; i < MaxDrainIterations; i++ {
		if s.keeper.NextActionUtc().After(currentUtc) {
			return fired
		}

		n := s.Poke()
		if n == 0 {
			return fired
		}
		fired += n
	}

	s.logger.WithField("current", currentUtc).Warnf("PokePastActions: stopped after %d sweeps with actions still due", MaxDrainIterations)
	return fired
}

type timerDriver struct {
	interval time.Duration
	logger   *log.Entry
	done     chan struct{}
	exited   chan struct{}
}

func (d *timerDriver) start(s *Scheduler) {
	d.done = make(chan struct{})
	d.exited = make(chan struct{})
	go d.run(s, d.done, d.exited)
}

func (d *timerDriver) stop() {
	close(d.done)
	<-d.exited
}

// run aligns the first poke to the next whole interval boundary, then pokes once per
// interval. Sweeps never overlap: a tick that is already older than one interval when it
// is received (the previous sweep overran) is dropped.
func (d *timerDriver) run(s *Scheduler, done <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)

	now := time.Now()
	first := now.Truncate(d.interval).Add(d.interval)
	timer := time.NewTimer(first.Sub(now))

	select {
	case <-done:
		timer.Stop()
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.tick(s)

	for {
		select {
		case <-done:
			return
		case tickAt := <-ticker.C:
			if lag := time.Since(tickAt); lag > d.interval {
				d.logger.Debugf("dropping scheduler tick %s behind", lag)
				continue
			}
			d.tick(s)
		}
	}
}

func (d *timerDriver) tick(s *Scheduler) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("scheduler tick panicked: %v", r)
		}
	}()

	s.Poke()
}

type replayDriver struct{}

func (replayDriver) start(*Scheduler) {}

func (replayDriver) stop() {}

var drivers = map[clock.Mode]func(logger *log.Entry) driver{
	clock.ModeLive: func(logger *log.Entry) driver {
		return &timerDriver{interval: time.Second, logger: logger}
	},
	clock.ModeBacktest: func(*log.Entry) driver {
		return replayDriver{}
	},
}

func newScheduler(mode clock.Mode, keeper *Keeper, d driver, logger *log.Entry) *Scheduler {
	return &Scheduler{
		mode:   mode,
		keeper: keeper,
		driver: d,
		logger: logger,
	}
}

// New resolves a scheduler variant by mode ("live" or "backtest").
func New(mode clock.Mode, keeper *Keeper, logger *log.Entry) (*Scheduler, error) {
	build, ok := drivers[mode]
	if !ok {
		return nil, fmt.Errorf("scheduler.New: %w: %q", ErrUnknownMode, mode)
	}

	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger = logger.WithFields(log.Fields{"component": "scheduler", "mode": string(mode)})

	return newScheduler(mode, keeper, build(logger), logger), nil
}

func NewLive(keeper *Keeper, logger *log.Entry) *Scheduler {
	s, _ := New(clock.ModeLive, keeper, logger)
	return s
}

func NewBacktest(keeper *Keeper, logger *log.Entry) *Scheduler {
	s, _ := New(clock.ModeBacktest, keeper, logger)
	return s
}
