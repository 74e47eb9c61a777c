package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"stocktester/internal/logger"
)

// TaskType represents the type of scheduled task
type TaskType string

const (
	TaskTypeWalkForward TaskType = "walk_forward"
)

// Task represents a scheduled task
type Task struct {
	ID          string     `json:"id"`
	Type        TaskType   `json:"type"`
	Schedule    string     `json:"schedule"`
	LastRunTime time.Time  `json:"last_run_time"`
	NextRunTime time.Time  `json:"next_run_time"`
	Status      TaskStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	Runs        int        `json:"runs"`

	entry cron.EntryID
}

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// TaskHandler defines the interface for task handlers
type TaskHandler interface {
	Handle(ctx context.Context) error
}

// TaskHandlerFunc adapts a function to TaskHandler
type TaskHandlerFunc func(ctx context.Context) error

// Handle implements TaskHandler
func (f TaskHandlerFunc) Handle(ctx context.Context) error {
	return f(ctx)
}

// WalkForwardHandler runs a walk-forward with the runner defaults
func WalkForwardHandler(r *Runner) TaskHandler {
	return TaskHandlerFunc(func(ctx context.Context) error {
		_, err := r.Execute(ctx, RunParams{Trigger: "schedule"})
		return err
	})
}

// Scheduler manages task scheduling
type Scheduler struct {
	cron     *cron.Cron
	tasks    map[string]*Task
	handlers map[TaskType]TaskHandler
	timeout  time.Duration
	log      logger.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex
}

// NewScheduler creates a new scheduler. Specs carry a seconds field. A task
// still running when its next tick fires is skipped.
func NewScheduler(timeout time.Duration, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Scheduler{
		cron:     c,
		tasks:    make(map[string]*Task),
		handlers: make(map[TaskType]TaskHandler),
		timeout:  timeout,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler registers a handler for a task type
func (s *Scheduler) RegisterHandler(taskType TaskType, handler TaskHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskType] = handler
}

// AddTask adds a new task to the scheduler
func (s *Scheduler) AddTask(taskType TaskType, schedule string) (*Task, error) {
	s.mu.RLock()
	handler, exists := s.handlers[taskType]
	s.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no handler registered for task type: %s", taskType)
	}

	task := &Task{
		ID:       fmt.Sprintf("%s_%d", taskType, time.Now().UnixNano()),
		Type:     taskType,
		Schedule: schedule,
		Status:   TaskStatusPending,
	}

	// 添加到cron
	id, err := s.cron.AddFunc(schedule, func() {
		s.runTask(task, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add cron job: %w", err)
	}

	s.mu.Lock()
	task.entry = id
	task.NextRunTime = s.cron.Entry(id).Next
	s.tasks[task.ID] = task
	s.mu.Unlock()

	s.log.Info("Scheduled task added", "task_id", task.ID, "type", taskType, "schedule", schedule)
	return task, nil
}

// RemoveTask unschedules a task
func (s *Scheduler) RemoveTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task not found: %s", taskID)
	}
	s.cron.Remove(task.entry)
	delete(s.tasks, taskID)
	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler, cancels running tasks and waits for them
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// RunNow executes a task immediately outside its schedule
func (s *Scheduler) RunNow(taskID string) error {
	s.mu.RLock()
	task, exists := s.tasks[taskID]
	var handler TaskHandler
	if exists {
		handler = s.handlers[task.Type]
	}
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("task not found: %s", taskID)
	}
	s.runTask(task, handler)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if task.Status == TaskStatusFailed {
		return fmt.Errorf("task %s failed: %s", taskID, task.Error)
	}
	return nil
}

// runTask executes a task
func (s *Scheduler) runTask(task *Task, handler TaskHandler) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.mu.Lock()
	task.Status = TaskStatusRunning
	task.LastRunTime = time.Now()
	s.mu.Unlock()

	err := handler.Handle(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	task.Runs++
	task.NextRunTime = s.cron.Entry(task.entry).Next
	if err != nil {
		task.Status = TaskStatusFailed
		task.Error = err.Error()
		s.log.Error("Scheduled task failed", "task_id", task.ID, "error", err)
	} else {
		task.Status = TaskStatusCompleted
		task.Error = ""
		s.log.Info("Scheduled task completed", "task_id", task.ID,
			"duration", time.Since(task.LastRunTime).String())
	}
}

// GetTask gets a task by ID
func (s *Scheduler) GetTask(taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	t := *task
	return &t, nil
}

// ListTasks lists all tasks
func (s *Scheduler) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, *task)
	}
	return tasks
}
