// Package app ties the pipeline, the store, and the search facade together
// behind the ops HTTP surface. It owns run scheduling: the ticker loop in
// cmd/syncd and the manual trigger endpoint both funnel through RunNow.
package app

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/rockswe/justtodothings-sub000/internal/config"
	"github.com/rockswe/justtodothings-sub000/internal/pipeline"
	"github.com/rockswe/justtodothings-sub000/internal/search"
)

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("a sync run is already in progress")

// Runner executes one full sync pass.
type Runner interface {
	Run(ctx context.Context) (pipeline.RunReport, error)
}

// Pinger checks the relational store's connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	runner   Runner
	pinger   Pinger
	searcher *search.Service

	mu         sync.Mutex
	running    bool
	lastReport *pipeline.RunReport
}

// NewService wires the app facade. searcher may be nil when search is not
// configured.
func NewService(cfg config.Config, runner Runner, pinger Pinger, searcher *search.Service) *Service {
	return &Service{cfg: cfg, runner: runner, pinger: pinger, searcher: searcher}
}

// RunNow executes one sync pass under the configured deadline. Only one run
// may be active at a time; concurrent triggers get ErrRunInProgress.
func (s *Service) RunNow(ctx context.Context) (pipeline.RunReport, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return pipeline.RunReport{}, ErrRunInProgress
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	runCtx := ctx
	if s.cfg.RunDeadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.RunDeadline)
		defer cancel()
	}

	report, err := s.runner.Run(runCtx)
	if err != nil {
		log.Printf("app: sync run failed: %v", err)
		return report, err
	}

	s.mu.Lock()
	s.lastReport = &report
	s.mu.Unlock()

	log.Printf("app: sync run finished: %s", report.String())
	return report, nil
}

// TriggerRun starts a run in the background and returns immediately.
func (s *Service) TriggerRun() error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return ErrRunInProgress
	}
	go func() {
		if _, err := s.RunNow(context.Background()); err != nil && !errors.Is(err, ErrRunInProgress) {
			log.Printf("app: triggered run: %v", err)
		}
	}()
	return nil
}

// LastReport returns the most recent completed run report, if any.
func (s *Service) LastReport() (pipeline.RunReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReport == nil {
		return pipeline.RunReport{}, false
	}
	return *s.lastReport, true
}

// Running reports whether a sync pass is currently active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) Ping(ctx context.Context) error {
	return s.pinger.Ping(ctx)
}

// SearchTasks queries the task search facade.
func (s *Service) SearchTasks(q search.Query) (search.Response, bool) {
	if s.searcher == nil {
		return search.Response{}, false
	}
	return s.searcher.Search(q), true
}

// RunLoop blocks, running a pass every interval until the context ends. The
// first pass starts immediately.
func (s *Service) RunLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if _, err := s.RunNow(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
		log.Printf("app: initial run: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunNow(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
				log.Printf("app: scheduled run: %v", err)
			}
		}
	}
}
