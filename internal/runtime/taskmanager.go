package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Task represents a background task
type Task struct {
	Name      string
	StartTime time.Time
	Status    TaskStatus
	Error     error
	cancel    context.CancelFunc
}

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusStopped  TaskStatus = "stopped"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusCanceled TaskStatus = "canceled"
)

// TaskFunc is a function that runs as a background task
type TaskFunc func(ctx context.Context) error

// TaskManager manages the collector's background jobs: the periodic tick,
// the delayed credential sync, and anything else that must stop cleanly on
// shutdown.
type TaskManager struct {
	tasks  map[string]*Task
	mu     sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTaskManager creates a new task manager
func NewTaskManager(ctx context.Context) *TaskManager {
	ctx, cancel := context.WithCancel(ctx)
	return &TaskManager{
		tasks:  make(map[string]*Task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts a new background task
func (tm *TaskManager) Start(name string, fn TaskFunc) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, exists := tm.tasks[name]; exists {
		return fmt.Errorf("task %s already exists", name)
	}

	taskCtx, taskCancel := context.WithCancel(tm.ctx)
	task := &Task{
		Name:      name,
		StartTime: time.Now(),
		Status:    TaskStatusRunning,
		cancel:    taskCancel,
	}
	tm.tasks[name] = task

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{
					"task":  name,
					"panic": r,
				}).Error("Task panicked")
				tm.mu.Lock()
				task.Status = TaskStatusFailed
				task.Error = fmt.Errorf("panic: %v", r)
				tm.mu.Unlock()
			}
		}()

		log.WithField("task", name).Info("Task started")

		err := fn(taskCtx)

		tm.mu.Lock()
		if err != nil {
			if taskCtx.Err() == context.Canceled {
				task.Status = TaskStatusCanceled
			} else {
				task.Status = TaskStatusFailed
				task.Error = err
				log.WithFields(log.Fields{
					"task":  name,
					"error": err,
				}).Error("Task failed")
			}
		} else {
			task.Status = TaskStatusStopped
			log.WithField("task", name).Info("Task stopped")
		}
		tm.mu.Unlock()
	}()

	return nil
}

// Stop cancels a specific task
func (tm *TaskManager) Stop(name string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task, exists := tm.tasks[name]
	if !exists {
		return fmt.Errorf("task %s not found", name)
	}
	if task.Status != TaskStatusRunning {
		return fmt.Errorf("task %s is not running", name)
	}

	task.cancel()
	return nil
}

// StopAll cancels all running tasks
func (tm *TaskManager) StopAll() {
	tm.cancel()
}

// Wait waits for all tasks to complete
func (tm *TaskManager) Wait() {
	tm.wg.Wait()
}

// GetTask returns a copy of a task's state
func (tm *TaskManager) GetTask(name string) (*Task, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	task, exists := tm.tasks[name]
	if !exists {
		return nil, fmt.Errorf("task %s not found", name)
	}
	return &Task{
		Name:      task.Name,
		StartTime: task.StartTime,
		Status:    task.Status,
		Error:     task.Error,
	}, nil
}

// StartPeriodic runs fn every interval, starting after the first interval
// has elapsed.
func (tm *TaskManager) StartPeriodic(name string, interval time.Duration, fn TaskFunc) error {
	return tm.startTicking(name, interval, interval, fn)
}

// StartPeriodicDelayed runs fn after initialDelay and then every interval.
func (tm *TaskManager) StartPeriodicDelayed(name string, initialDelay, interval time.Duration, fn TaskFunc) error {
	return tm.startTicking(name, initialDelay, interval, fn)
}

func (tm *TaskManager) startTicking(name string, initialDelay, interval time.Duration, fn TaskFunc) error {
	return tm.Start(name, func(ctx context.Context) error {
		timer := time.NewTimer(initialDelay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
		runPeriodic(ctx, name, fn)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runPeriodic(ctx, name, fn)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

func runPeriodic(ctx context.Context, name string, fn TaskFunc) {
	if err := fn(ctx); err != nil {
		log.WithFields(log.Fields{
			"task":  name,
			"error": err,
		}).Warn("Periodic task execution failed")
	}
}
