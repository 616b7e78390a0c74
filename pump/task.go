package pump

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-pump/logger"
)

// TaskFunc represents a function executed by a goroutine managed by the
// TaskManager. It should return true to keep running, or false to stop the
// goroutine.
type TaskFunc func() bool

// TaskManager manages the lifecycle of goroutines within a pump driver,
// most importantly the background completion pollers. It provides a
// structured way to start, stop, and wait for goroutines, ensuring proper
// cancellation and resource cleanup.
//
// The TaskManager uses a context.Context to manage goroutine lifecycles:
// when the context is canceled all running tasks are signaled to stop, and
// Wait blocks until they have terminated.
//
// Example usage:
//
//	taskMgr := pump.NewTaskManager(ctx, logger)
//
//	taskMgr.StartInterval("poll-03", pollOnce, 250*time.Millisecond, false)
//
//	// ... later ...
//	taskMgr.Stop()
//	taskMgr.Wait()
type TaskManager struct {
	pctx    context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logger.Logger
	count   atomic.Int32
	tickers sync.Map     // map[string]*intervalTask
	mu      sync.RWMutex // protect ctx and cancel
	taskMu  sync.RWMutex // protect task creation during Wait()
}

// NewTaskManager creates a new TaskManager with the given parent context and logger.
func NewTaskManager(ctx context.Context, l logger.Logger) *TaskManager {
	mgr := &TaskManager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// getContext safely returns the current context.
func (mgr *TaskManager) getContext() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start starts a new goroutine with the given name and task function.
//
// The taskFunc is called in a loop and should return true to continue
// running, or false to stop the goroutine.
func (mgr *TaskManager) Start(name string, taskFunc TaskFunc) error {
	mgr.logger.Debug("start task", "name", name)

	starter, err := mgr.newTaskStarter(name)
	if err != nil {
		return err
	}

	starter.startTask(func() {
		mgr.runTaskLoop(taskFunc)
	})

	return starter.waitForStart()
}

// intervalTask pairs an interval timer with the cancel function that makes
// the task's goroutine exit immediately instead of parking until the next
// tick.
type intervalTask struct {
	ticker *time.Ticker
	cancel context.CancelFunc
}

// StartInterval starts a new goroutine that executes the given task function
// at the specified interval. If runNow is true, the task function runs once
// before the first tick.
//
// The returned *time.Ticker can be used to adjust the interval; the task is
// stopped either by returning false from taskFunc, by StopInterval, or by
// Stop. Both stop paths cancel the task's own context, so the goroutine
// exits without waiting for a tick that will never come.
func (mgr *TaskManager) StartInterval(name string, taskFunc TaskFunc, interval time.Duration, runNow bool) (*time.Ticker, error) {
	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "runNow", runNow)

	if interval <= 0 {
		return nil, fmt.Errorf("invalid interval: %v", interval)
	}

	ticker := time.NewTicker(interval)
	taskCtx, taskCancel := context.WithCancel(mgr.getContext())
	task := &intervalTask{ticker: ticker, cancel: taskCancel}

	// register the task before starting its goroutine
	if _, loaded := mgr.tickers.LoadOrStore(name, task); loaded {
		ticker.Stop()
		taskCancel()
		return nil, fmt.Errorf("interval task %s already exists", name)
	}

	cleanup := func() {
		ticker.Stop()
		taskCancel()
		mgr.tickers.Delete(name)
	}

	if runNow {
		if !mgr.callWithRecover(name, taskFunc) {
			cleanup()
			mgr.logger.Debug(fmt.Sprintf("%s interval task terminated by runNow", name))
			return ticker, nil
		}
	}

	starter, err := mgr.newTaskStarter(name)
	if err != nil {
		cleanup()
		return nil, err
	}

	starter.startTask(func() {
		defer cleanup()

		for {
			select {
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecover(name, taskFunc) {
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

// StopInterval stops the interval task with the given name and signals its
// goroutine to exit.
//
// It returns an error if no interval task with that name is running.
func (mgr *TaskManager) StopInterval(name string) error {
	val, ok := mgr.tickers.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("interval task %s not found", name)
	}

	task, ok := val.(*intervalTask)
	if !ok {
		return fmt.Errorf("interval task %s is not an *intervalTask", name)
	}

	task.ticker.Stop()
	task.cancel()

	return nil
}

// Stop signals all running goroutines to terminate.
func (mgr *TaskManager) Stop() {
	mgr.tickers.Range(func(key, value any) bool {
		task, ok := value.(*intervalTask)
		if ok {
			task.ticker.Stop()
			task.cancel()
		}

		return true
	})

	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait waits for all goroutines to terminate, then recreates the internal
// context so the manager can be reused for new tasks.
func (mgr *TaskManager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running goroutines.
func (mgr *TaskManager) TaskCount() int {
	return int(mgr.count.Load())
}

// callWithRecover calls a task function with panic protection.
func (mgr *TaskManager) callWithRecover(name string, fn func() bool) bool {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
		}
	}()

	return fn()
}

// taskStarter encapsulates common startup logic.
type taskStarter struct {
	mgr     *TaskManager
	name    string
	started chan error
}

func (mgr *TaskManager) newTaskStarter(name string) (*taskStarter, error) {
	ctx := mgr.getContext()

	// check if already cancelled
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("task manager already stopped")
	default:
	}

	return &taskStarter{
		mgr:     mgr,
		name:    name,
		started: make(chan error, 1),
	}, nil
}

// startTask runs the common startup sequence for all tasks.
func (s *taskStarter) startTask(taskBody func()) {
	s.mgr.taskMu.RLock()
	defer s.mgr.taskMu.RUnlock()

	s.mgr.wg.Add(1)

	go func() {
		defer s.mgr.wg.Done()

		// signal startup status
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.started <- fmt.Errorf("panic during startup: %v", r)
				}
			}()

			s.mgr.count.Add(1)
			s.started <- nil
		}()

		defer func() {
			s.mgr.count.Add(-1)
			s.mgr.logger.Debug(fmt.Sprintf("%s task terminated", s.name), "task_count", s.mgr.TaskCount())
		}()

		taskBody()
	}()
}

// waitForStart waits for the task to start with timeout.
func (s *taskStarter) waitForStart() error {
	ctx := s.mgr.getContext()

	select {
	case err := <-s.started:
		if err != nil {
			s.mgr.wg.Done() // compensate for failed start
			return fmt.Errorf("failed to start %s: %w", s.name, err)
		}

		return nil

	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for %s to start", s.name)

	case <-ctx.Done():
		return fmt.Errorf("context cancelled while starting %s", s.name)
	}
}

// runTaskLoop runs a task function in a loop with context cancellation.
func (mgr *TaskManager) runTaskLoop(taskFunc TaskFunc) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task loop", "panic", r)
		}
	}()

	for {
		ctx := mgr.getContext()
		select {
		case <-ctx.Done():
			return
		default:
			if !taskFunc() {
				return
			}
		}
	}
}
