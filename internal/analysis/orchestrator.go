package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/malsmug/internal/bridge"
	"github.com/GriffinCanCode/malsmug/internal/hooks"
	"github.com/GriffinCanCode/malsmug/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/malsmug/internal/ioc"
	"github.com/GriffinCanCode/malsmug/internal/logging"
	"github.com/GriffinCanCode/malsmug/internal/lure"
	"github.com/GriffinCanCode/malsmug/internal/sandbox"
	"github.com/GriffinCanCode/malsmug/internal/shared/hash"
	"github.com/GriffinCanCode/malsmug/internal/shared/id"
)

const defaultPublishTimeout = 10 * time.Second

// Launcher opens sessions; *sandbox.Host implements it.
type Launcher interface {
	Launch(ctx context.Context) (*sandbox.Session, error)
}

// Publisher delivers records.
type Publisher interface {
	Publish(ctx context.Context, topic string, rec ioc.Record) error
}

// Job describes one sample to analyse.
type Job struct {
	SamplePath string
	Origin     string
	AnalysisID string
}

// Outcome is the end of a run.
type Outcome struct {
	State  State
	Record ioc.Record
	// Err is the sample's runtime error, the reason no result was produced
	// or the publish error.
	Err error
	// Trace lists every state entered, in order.
	Trace []State
}

// ExitCode maps the outcome to the process exit status.
func (o Outcome) ExitCode() int {
	if o.State == Succeeded {
		return 0
	}
	return 1
}

type installFunc func(ctx context.Context, t hooks.Target, names bridge.Names, log *logging.Logger) error

type sleepFunc func(ctx context.Context, d time.Duration)

// Orchestrator drives runs from launch to publish.
type Orchestrator struct {
	host    Launcher
	pub     Publisher
	opts    Options
	lure    *lure.Engine
	hasher  *hash.Hasher
	metrics *monitoring.Metrics
	log     *logging.Logger

	install installFunc
	sleep   sleepFunc
}

// New creates an orchestrator. A nil metrics registers with a private
// registry.
func New(host Launcher, pub Publisher, opts Options, metrics *monitoring.Metrics, log *logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.NewNop()
	}
	if metrics == nil {
		metrics = monitoring.NewMetricsWith(prometheus.NewRegistry())
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	return &Orchestrator{
		host:    host,
		pub:     pub,
		opts:    opts,
		lure:    lure.New(log),
		hasher:  hash.Default(),
		metrics: metrics,
		log:     log.Component("analysis"),
		install: hooks.Install,
		sleep:   sleep,
	}
}

// run is the mutable state of one Run call.
type run struct {
	o       *Orchestrator
	job     Job
	log     *logging.Logger
	state   State
	trace   []State
	session *sandbox.Session
}

// Run analyses one sample and publishes exactly one record for it. The
// session and the sample copy are released on every path.
func (o *Orchestrator) Run(ctx context.Context, job Job) Outcome {
	r := &run{
		o:     o,
		job:   job,
		log:   o.log.ForRun(job.AnalysisID, id.NewRunID().String()),
		state: Launching,
		trace: []State{Launching},
	}
	o.metrics.RunStarted()
	o.metrics.RecordTransition(Launching.String())
	start := time.Now()
	r.log.Info("analysis started", zap.String("sample", job.SamplePath), zap.String("origin", job.Origin))

	defer r.release()

	rec, runErr := r.execute(ctx)

	r.enter(Finalizing)
	r.closeSession()
	out := Outcome{Record: rec, Err: runErr}
	if err := r.publish(ctx, rec); err != nil {
		out.Err = errors.Join(runErr, err)
	}

	if out.Err == nil {
		out.State = Succeeded
	} else {
		out.State = Failed
	}
	r.enter(out.State)
	out.Trace = r.trace

	o.metrics.RunFinished(outcomeLabel(out.State), time.Since(start))
	r.log.Info("analysis finished",
		zap.Stringer("state", out.State),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(out.Err))
	return out
}

// execute walks the states up to Finalizing and returns the record to
// publish with the error that makes the run a failure, if any.
func (r *run) execute(ctx context.Context) (ioc.Record, error) {
	o := r.o
	delays := bridge.NewDelayTracker(o.opts.DrainCeiling)
	col := bridge.NewCollector(delays, r.log)

	timer := monitoring.NewTimer(o.metrics, "launch")
	s, err := o.host.Launch(ctx)
	if err != nil {
		timer.Stop("error")
		return r.fail(ioc.FailureSession, fmt.Errorf("launch session: %w", err))
	}
	r.session = s
	hooks.Observe(s, o.opts.Interceptor, col.Report, r.log)
	if err := s.Navigate(ctx, r.job.Origin); err != nil {
		timer.Stop("error")
		return r.fail(ioc.FailureSession, err)
	}
	timer.Stop("success")
	r.enter(SessionReady)

	names := bridge.NewNames()
	if err := s.ExposeCallback(ctx, names.Bridge, col.Handler()); err != nil {
		return r.fail(ioc.FailureHookInstallation, fmt.Errorf("%w: %w", hooks.ErrInstall, err))
	}
	if err := o.install(ctx, s, names, r.log); err != nil {
		return r.fail(ioc.FailureHookInstallation, err)
	}
	r.enter(Hooked)

	source, fileHash, err := o.hasher.ReadFile(r.job.SamplePath)
	if err != nil {
		return r.fail(ioc.FailureRuntime, err)
	}
	r.log.Debug("sample loaded", zap.String("file_hash", fileHash), zap.Int("bytes", len(source)))
	r.enter(SampleExecuting)

	timer = monitoring.NewTimer(o.metrics, "evaluate")
	var runtimeErr error
	if _, err := s.Evaluate(ctx, string(source)); err != nil {
		var syntax *sandbox.SyntaxError
		if errors.As(err, &syntax) {
			timer.Stop("syntax_error")
			return r.fail(ioc.FailureSyntax, errors.New(syntax.Message))
		}
		timer.Stop("error")
		runtimeErr = err
		r.log.Warn("sample threw", zap.Error(err))
	} else {
		timer.Stop("success")
	}
	r.enter(Luring)

	timer = monitoring.NewTimer(o.metrics, "lure")
	rep := o.lure.Run(ctx, lure.SessionPage{Session: s})
	o.metrics.AddLureErrors(rep.Errors)
	timer.Stop("success")
	r.enter(Draining)

	wait := delays.Drain(o.opts.DrainBuffer)
	o.metrics.RecordDrain(wait)
	r.log.Debug("draining", zap.Duration("wait", wait))
	o.sleep(ctx, wait)
	r.closeSession()

	iocs := col.Snapshot()
	for i := range iocs {
		if iocs[i].ExecutedOn == "" {
			iocs[i].ExecutedOn = r.job.Origin
		}
		o.metrics.RecordIoC(iocs[i].Kind().String())
	}
	res := &ioc.AnalysisResult{
		FileHash:   fileHash,
		AnalysisID: r.job.AnalysisID,
		IoCs:       iocs,
	}
	if runtimeErr != nil {
		res.Error = runtimeErr.Error()
	}
	r.log.Info("analysis result assembled", zap.Int("iocs", len(iocs)))
	return res, runtimeErr
}

func (r *run) fail(kind ioc.FailureKind, err error) (ioc.Record, error) {
	r.log.Error("analysis failed", zap.Stringer("state", r.state), zap.String("kind", string(kind)), zap.Error(err))
	return ioc.Failure{Kind: kind, Description: err.Error()}, err
}

func (r *run) enter(next State) {
	r.log.Debug("state transition", zap.Stringer("from", r.state), zap.Stringer("to", next))
	r.state = next
	r.trace = append(r.trace, next)
	r.o.metrics.RecordTransition(next.String())
}

func (r *run) publish(ctx context.Context, rec ioc.Record) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.opts.PublishTimeout)
	defer cancel()

	label := recordLabel(rec)
	if err := r.o.pub.Publish(pctx, r.o.opts.Topic, rec); err != nil {
		r.o.metrics.RecordPublish(label, "error")
		r.log.Error("failed to publish record", zap.String("topic", r.o.opts.Topic), zap.Error(err))
		return fmt.Errorf("publish: %w", err)
	}
	r.o.metrics.RecordPublish(label, "success")
	return nil
}

func (r *run) closeSession() {
	if r.session == nil {
		return
	}
	if err := r.session.Close(); err != nil {
		r.log.Warn("failed to close session", zap.Error(err))
	}
	r.session = nil
}

func (r *run) release() {
	r.closeSession()
	if !r.o.opts.RemoveSample || r.job.SamplePath == "" {
		return
	}
	if err := os.Remove(r.job.SamplePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.log.Warn("failed to remove sample", zap.Error(err))
	}
}

// sleep waits for d or until ctx is done; a cancelled drain still finalizes.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func recordLabel(rec ioc.Record) string {
	if _, ok := rec.(ioc.Failure); ok {
		return "failure"
	}
	return "result"
}

func outcomeLabel(s State) string {
	if s == Succeeded {
		return "success"
	}
	return "failure"
}
