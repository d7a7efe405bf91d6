package capture

import (
	"log/slog"
	"sync"
	"time"
)

// Task runs Action once, Delay after the scheduler starts.
type Task struct {
	Name   string
	Delay  time.Duration
	Action func()
}

// Scheduler runs a fixed list of one-shot tasks. Stop cancels any task that
// has not fired yet; a task already running is left to finish.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	timers  []*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{logger: logger}
}

func (s *Scheduler) Schedule(tasks ...Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	for _, task := range tasks {
		if task.Action == nil {
			continue
		}
		task := task
		s.wg.Add(1)
		timer := time.AfterFunc(task.Delay, func() {
			defer s.wg.Done()
			s.run(task)
		})
		s.timers = append(s.timers, timer)
	}
}

func (s *Scheduler) run(task Task) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("scheduled task panicked", "task", task.Name, "panic", r)
		}
	}()
	task.Action()
}

// Stop cancels pending tasks and waits for running ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	timers := s.timers
	s.timers = nil
	s.mu.Unlock()
	for _, timer := range timers {
		if timer.Stop() {
			s.wg.Done()
		}
	}
	s.wg.Wait()
}
