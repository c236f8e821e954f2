// Package scheduler запускает фоновые проходы по расписанию cron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-engine/internal/metrics"
)

// Sweep — один фоновый проход. Возвращает число обработанных записей.
type Sweep func(ctx context.Context) (int, error)

// Job описывает проход и его расписание.
type Job struct {
	Name     string
	Schedule string
	Run      Sweep
}

// SchedulerService выполняет зарегистрированные проходы. Один и тот же проход
// не запускается повторно, пока не закончился предыдущий.
type SchedulerService struct {
	cron    *cron.Cron
	timeout time.Duration
	log     *slog.Logger
}

// NewSchedulerService создает планировщик. timeout ограничивает один проход.
func NewSchedulerService(timeout time.Duration, log *slog.Logger) *SchedulerService {
	return &SchedulerService{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DiscardLogger),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
		timeout: timeout,
		log:     log,
	}
}

// Register добавляет проходы в расписание.
func (s *SchedulerService) Register(ctx context.Context, jobs ...Job) error {
	const op = "scheduler.Register"
	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.RunOnce(ctx, job) }); err != nil {
			return fmt.Errorf("%s: job %s: %w", op, job.Name, err)
		}
		s.log.Info("sweep scheduled", slog.String("sweep", job.Name), slog.String("schedule", job.Schedule))
	}
	return nil
}

// RunOnce выполняет проход, пишет его длительность в метрику и результат в лог.
func (s *SchedulerService) RunOnce(ctx context.Context, job Job) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	n, err := job.Run(ctx)
	metrics.SweepDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())

	log := s.log.With(slog.String("sweep", job.Name), slog.Int("processed", n))
	if err != nil {
		log.Error("sweep failed", sl.Err(err))
		return
	}
	if n > 0 {
		log.Info("sweep finished", slog.Duration("took", time.Since(start)))
	}
}

// Start запускает расписание и блокируется до отмены ctx, затем дожидается
// завершения выполняющихся проходов.
func (s *SchedulerService) Start(ctx context.Context) {
	s.cron.Start()
	s.log.Info("scheduler started", slog.Int("jobs", len(s.cron.Entries())))

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.log.Info("scheduler stopped")
}
