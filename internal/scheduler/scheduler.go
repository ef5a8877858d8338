// Package scheduler drives periodic pipeline runs: one loop per enabled
// source at its own interval, plus a global publish sweep that catches
// articles left pending by per-source runs.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/beansnews/beansd/internal/database"
	"github.com/beansnews/beansd/internal/pipeline"
	"github.com/beansnews/beansd/internal/publish"
)

// Runner is the slice of the pipeline the scheduler drives.
type Runner interface {
	RunSource(ctx context.Context, src database.Source) *pipeline.Result
	Publish(ctx context.Context, source *string) (*publish.Result, error)
}

// Scheduler runs the pipeline on a schedule until its context is cancelled.
type Scheduler struct {
	db              *database.DB
	runner          Runner
	defaultInterval time.Duration
	publishInterval time.Duration
}

// New creates a scheduler.
func New(db *database.DB, runner Runner, defaultInterval, publishInterval time.Duration) *Scheduler {
	return &Scheduler{
		db:              db,
		runner:          runner,
		defaultInterval: defaultInterval,
		publishInterval: publishInterval,
	}
}

// Run blocks until ctx is cancelled. Sources run concurrently with each
// other; articles within one source are processed sequentially by the
// pipeline itself.
func (s *Scheduler) Run(ctx context.Context) error {
	sources, err := s.db.EnabledSources()
	if err != nil {
		return err
	}
	log.Printf("scheduler starting: %d sources, publish sweep every %s", len(sources), s.publishInterval)

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src database.Source) {
			defer wg.Done()
			s.sourceLoop(ctx, src)
		}(src)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.publishLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

// sourceLoop runs one source immediately, then on every tick. A run that
// fails is logged and retried at the next tick; selection is always by
// current state, so partial runs resume cleanly.
func (s *Scheduler) sourceLoop(ctx context.Context, src database.Source) {
	interval := s.sourceInterval(src)
	log.Printf("scheduling %s every %s", src.Name, interval)

	s.runOnce(ctx, src)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, src)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, src database.Source) {
	for _, step := range s.runner.RunSource(ctx, src).Steps {
		if step.Err != nil {
			log.Printf("%s: %s failed: %v", src.Name, step.Name, step.Err)
		}
	}
}

func (s *Scheduler) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(s.publishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.runner.Publish(ctx, nil); err != nil {
				log.Printf("scheduled publish sweep failed: %v", err)
			}
		}
	}
}

func (s *Scheduler) sourceInterval(src database.Source) time.Duration {
	if src.Schedule != "" {
		if d, err := time.ParseDuration(src.Schedule); err == nil && d > 0 {
			return d
		}
		log.Printf("invalid schedule %q for %s, using default", src.Schedule, src.Name)
	}
	return s.defaultInterval
}
