package cron

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/wxclaw/wxclaw/pkg/logger"
)

type JobHandler func(now time.Time) error

type JobState struct {
	NextRunAt  time.Time `json:"nextRunAt,omitempty"`
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

type Job struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Expr  string   `json:"expr"`
	State JobState `json:"state"`

	handler JobHandler
	running bool
}

// Service runs in-process housekeeping jobs on cron expressions. Jobs are
// not persisted; callers register them at startup.
type Service struct {
	jobs     []*Job
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
	gronx    *gronx.Gronx
	nowFunc  func() time.Time
}

func NewService() *Service {
	return &Service{
		gronx:   gronx.New(),
		nowFunc: time.Now,
	}
}

// AddJob registers handler under a standard five-field cron expression.
func (s *Service) AddJob(name, expr string, handler JobHandler) (*Job, error) {
	if handler == nil {
		return nil, fmt.Errorf("cron job %q: nil handler", name)
	}
	if !s.gronx.IsValid(expr) {
		return nil, fmt.Errorf("cron job %q: invalid expression %q", name, expr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := &Job{
		ID:      uuid.NewString(),
		Name:    name,
		Expr:    expr,
		handler: handler,
	}
	job.State.NextRunAt = s.computeNextRun(expr, s.nowFunc())
	s.jobs = append(s.jobs, job)

	logger.InfoCF("cron", "Job registered", map[string]interface{}{
		"name":     name,
		"expr":     expr,
		"next_run": job.State.NextRunAt.Format(time.RFC3339),
	})
	return job, nil
}

func (s *Service) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.Name == name {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	now := s.nowFunc()
	for _, job := range s.jobs {
		job.State.NextRunAt = s.computeNextRun(job.Expr, now)
	}

	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	go s.runLoop(s.stopChan, s.done)

	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done
}

func (s *Service) runLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.checkJobs()
		}
	}
}

func (s *Service) checkJobs() {
	s.mu.Lock()
	now := s.nowFunc()
	var due []*Job
	for _, job := range s.jobs {
		if job.running || job.State.NextRunAt.IsZero() || job.State.NextRunAt.After(now) {
			continue
		}
		// Clear the next run before executing so a slow job is not re-entered.
		job.running = true
		job.State.NextRunAt = time.Time{}
		due = append(due, job)
	}
	s.mu.Unlock()

	for _, job := range due {
		s.executeJob(job, now)
	}
}

func (s *Service) executeJob(job *Job, now time.Time) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return job.handler(now)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	job.running = false
	job.State.LastRunAt = now
	if err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
		logger.ErrorCF("cron", "Job failed", map[string]interface{}{
			"name":  job.Name,
			"error": err.Error(),
		})
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
	}
	job.State.NextRunAt = s.computeNextRun(job.Expr, s.nowFunc())
}

func (s *Service) computeNextRun(expr string, now time.Time) time.Time {
	next, err := gronx.NextTickAfter(expr, now, false)
	if err != nil {
		logger.WarnCF("cron", "Failed to compute next run", map[string]interface{}{
			"expr":  expr,
			"error": err.Error(),
		})
		return time.Time{}
	}
	return next
}

// ListJobs returns copies of the registered jobs ordered by next run.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, Job{ID: job.ID, Name: job.Name, Expr: job.Expr, State: job.State})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].State.NextRunAt.Before(out[j].State.NextRunAt)
	})
	return out
}

func (s *Service) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	var nextWake time.Time
	for _, job := range s.jobs {
		if job.State.NextRunAt.IsZero() {
			continue
		}
		if nextWake.IsZero() || job.State.NextRunAt.Before(nextWake) {
			nextWake = job.State.NextRunAt
		}
	}

	return map[string]interface{}{
		"enabled":   s.running,
		"jobs":      len(s.jobs),
		"next_wake": nextWake,
	}
}
