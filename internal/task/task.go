// Package task manages the lifecycle of the engine's long-running goroutines.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-servobus/logger"
)

// startTimeout bounds how long Start waits for a goroutine to report it is running.
const startTimeout = 5 * time.Second

// ErrStopped is returned when a task is started on a stopped Manager.
var ErrStopped = errors.New("task: manager stopped")

// Func is one iteration of a task. Return true to keep running, false to stop the goroutine.
type Func func() bool

// CancelFunc runs once when a task goroutine exits, whatever the reason.
type CancelFunc func()

// Manager starts, stops and waits for a group of goroutines sharing one cancellation context.
//
// Example:
//
//	mgr := task.NewManager(ctx, logger)
//	_ = mgr.Start("worker", func() bool {
//	    // ... one iteration ...
//	    return true
//	}, nil)
//
//	mgr.Stop()
//	mgr.Wait()
type Manager struct {
	pctx    context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logger.Logger
	count   atomic.Int32
	tickers sync.Map     // map[string]*time.Ticker
	mu      sync.RWMutex // protects ctx and cancel
	taskMu  sync.RWMutex // serialises task creation against Wait()
}

// NewManager creates a Manager whose tasks are cancelled when ctx is done.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context shared by the currently running tasks.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start runs fn repeatedly in a new goroutine until it returns false or the manager stops.
// onExit, if non-nil, runs when the goroutine exits.
func (mgr *Manager) Start(name string, fn Func, onExit CancelFunc) error {
	mgr.logger.Debug("servobus: start task", "name", name)

	starter, err := mgr.newStarter(name)
	if err != nil {
		return err
	}

	starter.startTask(func() {
		if onExit != nil {
			defer onExit()
		}
		mgr.runLoop(name, fn)
	})

	return starter.waitForStart()
}

// StartInterval runs fn every interval until it returns false or the manager stops.
// The returned ticker may be Reset to change the interval while running.
func (mgr *Manager) StartInterval(name string, fn Func, interval time.Duration) (*time.Ticker, error) {
	mgr.logger.Debug("servobus: start interval task", "name", name, "interval", interval)

	if interval <= 0 {
		return nil, fmt.Errorf("task: invalid interval %v", interval)
	}

	ticker := time.NewTicker(interval)
	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return nil, fmt.Errorf("task: interval task %s already exists", name)
	}

	cleanup := func() {
		ticker.Stop()
		mgr.tickers.Delete(name)
	}

	starter, err := mgr.newStarter(name)
	if err != nil {
		cleanup()
		return nil, err
	}

	starter.startTask(func() {
		defer cleanup()

		ctx := mgr.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecover(name, fn) {
					return
				}
			}
		}
	})

	if err := starter.waitForStart(); err != nil {
		cleanup()
		return nil, err
	}

	return ticker, nil
}

// Stop signals all running tasks to exit. It does not wait; use Wait.
func (mgr *Manager) Stop() {
	mgr.tickers.Range(func(_, value any) bool {
		if ticker, ok := value.(*time.Ticker); ok {
			ticker.Stop()
		}

		return true
	})

	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait blocks until every task has exited, then re-arms the manager so it can be started again.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// Count returns the number of running tasks.
func (mgr *Manager) Count() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) callWithRecover(name string, fn Func) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("servobus: panic in task", "name", name, "panic", r)
			keep = true
		}
	}()

	return fn()
}

// runLoop keeps a panicking iteration from killing the task; the next iteration runs normally.
func (mgr *Manager) runLoop(name string, fn Func) {
	ctx := mgr.Context()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if !mgr.callWithRecover(name, fn) {
				return
			}
		}
	}
}

type starter struct {
	mgr     *Manager
	name    string
	started chan struct{}
}

func (mgr *Manager) newStarter(name string) (*starter, error) {
	select {
	case <-mgr.Context().Done():
		return nil, ErrStopped
	default:
	}

	return &starter{mgr: mgr, name: name, started: make(chan struct{})}, nil
}

func (s *starter) startTask(body func()) {
	s.mgr.taskMu.RLock()
	defer s.mgr.taskMu.RUnlock()

	s.mgr.wg.Add(1)
	s.mgr.count.Add(1)

	go func() {
		defer s.mgr.wg.Done()
		defer func() {
			s.mgr.count.Add(-1)
			s.mgr.logger.Debug("servobus: task terminated", "name", s.name, "task_count", s.mgr.Count())
		}()

		close(s.started)
		body()
	}()
}

func (s *starter) waitForStart() error {
	select {
	case <-s.started:
		return nil
	case <-time.After(startTimeout):
		return fmt.Errorf("task: timeout waiting for %s to start", s.name)
	}
}
