// Package scheduler 按固定间隔驱动后台任务（邮件轮询、域名与套餐刷新）。
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job 定时任务
type Job struct {
	Name       string
	Spec       string // cron 表达式或 "@every 5s"
	Timeout    time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Every 返回固定间隔的 cron 表达式
func Every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

// Scheduler 定时任务调度器
//
// 单次执行失败只记录日志，调度继续。同一任务的多次执行可以重叠。
type Scheduler struct {
	cron   *cron.Cron
	jobs   []Job
	logger *zap.Logger
	wg     sync.WaitGroup
}

// New 创建调度器
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger.Named("cron")}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		logger: logger,
	}
}

// Add 注册任务，必须在 Run 之前调用
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %s has no run function", job.Name)
	}
	if _, err := cron.ParseStandard(job.Spec); err != nil {
		return fmt.Errorf("invalid schedule for job %s: %w", job.Name, err)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Run 启动调度并阻塞到 ctx 结束，返回前等待正在执行的任务完成。
// RunOnStart 的任务在启动时额外执行一次。
func (s *Scheduler) Run(ctx context.Context) error {
	for _, job := range s.jobs {
		job := job
		if _, err := s.cron.AddFunc(job.Spec, func() { s.execute(ctx, job) }); err != nil {
			return fmt.Errorf("failed to schedule job %s: %w", job.Name, err)
		}
		s.logger.Info("job scheduled", zap.String("job", job.Name), zap.String("spec", job.Spec))
	}

	s.cron.Start()

	for _, job := range s.jobs {
		if job.RunOnStart {
			job := job
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.execute(ctx, job)
			}()
		}
	}

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// execute 执行一次任务
func (s *Scheduler) execute(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	if err := job.Run(runCtx); err != nil {
		s.logger.Debug("job failed",
			zap.String("job", job.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
	}
}

// cronLogger 把 cron 的日志接口适配到 zap
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
