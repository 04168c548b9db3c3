package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusStopped  TaskStatus = "stopped"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusCanceled TaskStatus = "canceled"
)

// TaskInfo is a copy of a task's state for callers and the admin API.
type TaskInfo struct {
	Name      string     `json:"name"`
	StartTime time.Time  `json:"start_time"`
	Status    TaskStatus `json:"status"`
	Runs      int64      `json:"runs"`
	LastError string     `json:"last_error,omitempty"`
}

type task struct {
	info      TaskInfo
	cancel    context.CancelFunc
	ephemeral bool
}

// TaskFunc is the body of a background task.
type TaskFunc func(ctx context.Context) error

// IntervalFunc returns the current period of a periodic task. It is called
// before every wait so the period follows dynamic configuration. A value
// <= 0 pauses the task until the next poll.
type IntervalFunc func() time.Duration

// pausedPoll is how often a paused periodic task re-reads its interval.
const pausedPoll = time.Second

// Manager owns the background loops of a connection pool: topology refresh,
// health checking and delayed host pool shutdowns.
type Manager struct {
	mu     sync.RWMutex
	tasks  map[string]*task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(ctx context.Context) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs fn in its own goroutine under name. Names are unique among
// tasks that have not been reaped.
func (m *Manager) Start(name string, fn TaskFunc) error {
	return m.start(name, false, fn)
}

func (m *Manager) start(name string, ephemeral bool, fn TaskFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return fmt.Errorf("task manager stopped, cannot start %s", name)
	}
	if _, exists := m.tasks[name]; exists {
		return fmt.Errorf("task %s already exists", name)
	}

	taskCtx, cancel := context.WithCancel(m.ctx)
	t := &task{
		info:      TaskInfo{Name: name, StartTime: time.Now(), Status: TaskStatusRunning},
		cancel:    cancel,
		ephemeral: ephemeral,
	}
	m.tasks[name] = t

	m.wg.Add(1)
	go m.run(taskCtx, t, fn)
	return nil
}

func (m *Manager) run(ctx context.Context, t *task, fn TaskFunc) {
	defer m.wg.Done()
	defer t.cancel()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn(ctx)
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err == nil:
		t.info.Status = TaskStatusStopped
	case ctx.Err() != nil:
		t.info.Status = TaskStatusCanceled
	default:
		t.info.Status = TaskStatusFailed
		t.info.LastError = err.Error()
		log.WithFields(log.Fields{"task": t.info.Name, "error": err}).Error("background task failed")
	}
	if t.ephemeral {
		delete(m.tasks, t.info.Name)
	}
}

// StartPeriodic runs fn every interval() until stopped. The first run
// happens after the first interval; failures are logged and do not stop
// the loop.
func (m *Manager) StartPeriodic(name string, interval IntervalFunc, fn TaskFunc) error {
	return m.Start(name, func(ctx context.Context) error {
		for {
			d := interval()
			paused := d <= 0
			if paused {
				d = pausedPoll
			}
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			if paused {
				continue
			}
			err := fn(ctx)
			m.noteRun(name, err)
			if err != nil && ctx.Err() == nil {
				log.WithFields(log.Fields{"task": name, "error": err}).Warn("periodic task run failed")
			}
		}
	})
}

// StartDelayed runs fn once after delay. The task is forgotten once it
// finishes, so the same name may be scheduled again.
func (m *Manager) StartDelayed(name string, delay time.Duration, fn TaskFunc) error {
	return m.start(name, true, func(ctx context.Context) error {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return fn(ctx)
	})
}

func (m *Manager) noteRun(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[name]
	if !ok {
		return
	}
	t.info.Runs++
	if err != nil {
		t.info.LastError = err.Error()
	} else {
		t.info.LastError = ""
	}
}

// Stop cancels one task.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[name]
	if !ok {
		return fmt.Errorf("task %s not found", name)
	}
	if t.info.Status != TaskStatusRunning {
		return fmt.Errorf("task %s is not running", name)
	}
	t.cancel()
	return nil
}

// Close cancels every task and waits for them to return.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}

// Task returns a copy of the named task's state.
func (m *Manager) Task(name string) (TaskInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[name]
	if !ok {
		return TaskInfo{}, false
	}
	return t.info, true
}

// Tasks returns every known task sorted by name.
func (m *Manager) Tasks() []TaskInfo {
	m.mu.RLock()
	out := make([]TaskInfo, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.info)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
