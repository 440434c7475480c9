package farm

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler dispara a execução periódica dos jobs via cron expression.
// Um tick roda os jobs em sequência; jobs ainda em execução do tick
// anterior são pulados.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	jobs   []*Job
	runFn  func(ctx context.Context, job *Job) error
	mu     sync.Mutex
}

// NewScheduler cria um Scheduler com a expressão cron fornecida.
func NewScheduler(schedule string, jobs []*Job, logger *slog.Logger, runFn func(ctx context.Context, job *Job) error) (*Scheduler, error) {
	s := &Scheduler{
		logger: logger,
		jobs:   jobs,
		runFn:  runFn,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, s.execute); err != nil {
		return nil, err
	}

	s.cron = c
	return s, nil
}

// Jobs retorna os jobs gerenciados.
func (s *Scheduler) Jobs() []*Job {
	return s.jobs
}

// Start inicia o scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	s.cron.Start()
}

// Stop para o scheduler e aguarda jobs em andamento.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("scheduler stopping")
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

func (s *Scheduler) execute() {
	// Serializa ticks: um batch por node de cada vez.
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.Running() {
			s.logger.Warn("job still running, skipping scheduled execution", "job", job.Entry.Name)
			continue
		}
		s.logger.Info("scheduled job triggered", "job", job.Entry.Name)
		if err := s.runFn(context.Background(), job); err != nil {
			s.logger.Error("job failed", "job", job.Entry.Name, "error", err)
		}
	}
}
