package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler runs the periodic monitor ticks for the lifecycle engines and
// the market-data refresher. Each job owns a goroutine; a panic inside a job
// is logged and the loop restarts after a backoff instead of dying.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []*job
	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup
}

type job struct {
	name     string
	interval time.Duration
	fn       func()
}

const panicRestartBackoff = 5 * time.Second

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{stopCh: make(chan struct{})}
}

// Register adds a named periodic job. Must be called before Start.
func (s *Scheduler) Register(name string, interval time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{name: name, interval: interval, fn: fn})
}

// Start launches all registered jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	jobs := s.jobs
	s.mu.Unlock()

	for _, j := range jobs {
		s.wg.Add(1)
		go s.run(j)
	}

	log.Info().Int("jobs", len(jobs)).Msg("⏱️ Scheduler started")
}

// Stop terminates all job loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) run(j *job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.tick(j) {
				// Panic inside the job; pause before resuming the loop.
				select {
				case <-s.stopCh:
					return
				case <-time.After(panicRestartBackoff):
				}
			}
		}
	}
}

// tick runs one job iteration, returning false if it panicked.
func (s *Scheduler) tick(j *job) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("job", j.name).
				Interface("panic", r).
				Msg("Monitor loop panicked, restarting after backoff")
			ok = false
		}
	}()
	j.fn()
	return true
}
