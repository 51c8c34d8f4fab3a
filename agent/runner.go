package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/deployplane/protocol"
)

const (
	// Job types the runtime has no handler for succeed after this delay.
	unknownJobDelay = 200 * time.Millisecond
	reportTimeout   = 10 * time.Second
)

// jobLog forwards progress lines of one job to the control plane.
type jobLog struct {
	ctx    context.Context
	cp     ControlPlane
	jobID  string
	logger *zap.Logger
}

func (l *jobLog) send(typ, msg string) {
	if err := l.cp.Log(l.ctx, l.jobID, typ, msg); err != nil && l.ctx.Err() == nil {
		l.logger.Debug("failed to forward job log", zap.Error(err))
	}
}

func (l *jobLog) Infof(format string, args ...any) { l.send(protocol.LogInfo, fmt.Sprintf(format, args...)) }
func (l *jobLog) Warnf(format string, args ...any) { l.send(protocol.LogWarn, fmt.Sprintf(format, args...)) }
func (l *jobLog) Errorf(format string, args ...any) {
	l.send(protocol.LogError, fmt.Sprintf(format, args...))
}

// Line is the onLine callback for CommandRunner.
func (l *jobLog) Line(stream, line string) { l.send(stream, line) }

// Runner executes job events received on the push channel.
type Runner struct {
	cp     ControlPlane
	exec   CommandRunner
	cfg    *Config
	logger *zap.Logger

	now          func() time.Time
	unknownDelay time.Duration
}

func NewRunner(cp ControlPlane, exec CommandRunner, cfg *Config, logger *zap.Logger) *Runner {
	return &Runner{
		cp:           cp,
		exec:         exec,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
		unknownDelay: unknownJobDelay,
	}
}

// Handle runs one job and reports its outcome. It is the queue worker.
func (r *Runner) Handle(ctx context.Context, ev protocol.JobEvent) {
	logger := r.logger.With(zap.String("job_id", ev.JobID), zap.String("type", string(ev.Type)))
	if err := r.cp.Report(ctx, ev.JobID, protocol.StatusRunning, nil); err != nil {
		logger.Warn("failed to report RUNNING", zap.Error(err))
	}

	jl := &jobLog{ctx: ctx, cp: r.cp, jobID: ev.JobID, logger: logger}
	start := r.now()
	err := r.execute(ctx, ev, jl)

	// The outcome is reported even when shutdown interrupted the job.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	status := protocol.StatusSuccess
	if err != nil {
		status = protocol.StatusFailed
		final := &jobLog{ctx: rctx, cp: r.cp, jobID: ev.JobID, logger: logger}
		final.Errorf("%s failed: %v", ev.Type, err)
	}
	finished := r.now().UTC()
	logger.Info("job finished", zap.String("status", string(status)), zap.Duration("took", finished.Sub(start)), zap.Error(err))

	if err := r.cp.Report(rctx, ev.JobID, status, &finished); err != nil {
		logger.Error("failed to report outcome", zap.String("status", string(status)), zap.Error(err))
	}
}

func (r *Runner) execute(ctx context.Context, ev protocol.JobEvent, jl *jobLog) error {
	payload, err := protocol.DecodePayload(ev.Type, ev.Payload)
	if err != nil {
		return err
	}
	switch p := payload.(type) {
	case *protocol.DeployPayload:
		if protocol.UsesContainer(p.Container) {
			return r.deployContainer(ctx, p, jl)
		}
		return r.deploy(ctx, p, jl)
	case *protocol.ServiceControlPayload:
		if protocol.UsesContainer(p.Container) {
			return r.controlContainer(ctx, ev.Type, p, jl)
		}
		return r.control(ctx, ev.Type, p, jl)
	default:
		jl.Infof("no handler for job type %q, marking as done", ev.Type)
		select {
		case <-time.After(r.unknownDelay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// control runs the configured start, stop or restart command. A missing
// command is a successful no-op.
func (r *Runner) control(ctx context.Context, t protocol.JobType, p *protocol.ServiceControlPayload, jl *jobLog) error {
	script := p.Command(t)
	if script == "" {
		jl.Warnf("no %s command configured, nothing to do", t)
		return nil
	}
	dir := firstNonEmpty(p.WorkDir, r.cfg.WorkDir)
	if dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("work dir: %w", err)
		}
	}
	jl.Infof("Running %s: %s", t, script)
	if err := r.exec.Run(ctx, shellCommand(script, dir, nil), jl.Line); err != nil {
		return fmt.Errorf("%s command: %w", t, err)
	}
	return nil
}

var errArtifacts = errors.New("some artifacts failed")

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
