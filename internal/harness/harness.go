// Package harness runs one end to end test of a stream consumer.
//
// A run goes through these steps:
//   - stage the resource into a fresh run directory
//   - start the streaming server (executable or container)
//   - discover the endpoint the server announces for the resource
//   - write the feed config for the subject
//   - start the subject, observe it and stop it (or wait for it to complete)
//
// Teardown runs on every path: the subject is stopped before the server,
// output streams are drained and closed and the run directory is removed.
// The result is a Verdict, Run never returns an error.
package harness

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CZERTAINLY/streamharness/internal/config"
	"github.com/CZERTAINLY/streamharness/internal/lines"
	"github.com/CZERTAINLY/streamharness/internal/log"
	"github.com/CZERTAINLY/streamharness/internal/metrics"
	"github.com/CZERTAINLY/streamharness/internal/process"
	"github.com/CZERTAINLY/streamharness/internal/resource"

	"github.com/google/uuid"
)

// ExitHarnessFailure is the Verdict exit code of a run the harness could
// not complete.
const ExitHarnessFailure = -1

const (
	StepStage        = "stage"
	StepStartServer  = "start_server"
	StepDiscover     = "discover"
	StepWriteConfig  = "write_config"
	StepStartSubject = "start_subject"
	StepObserve      = "observe"
	StepStopSubject  = "stop_subject"
	StepComplete     = "complete"
	StepStopServer   = "stop_server"
)

var ErrDiscoveryTimeout = errors.New("endpoint was not announced in time")

// DrainGrace bounds the wait for an output stream to reach EOF after its
// process was stopped. The stream is closed afterwards.
var DrainGrace = 2 * time.Second

type Verdict struct {
	RunID string
	// ExitCode is the exit status of the subject, ExitHarnessFailure when
	// the run did not get that far.
	ExitCode int
	// Step is the last step the run reached, the failing one when Err is set.
	Step     string
	Err      error
	Endpoint string
	Dir      string

	Started          time.Time
	SubjectStarted   time.Time
	SubjectSignalled time.Time
	Stopped          time.Time
}

func (v Verdict) Passed() bool {
	return v.ExitCode == 0 && v.Err == nil
}

func (v Verdict) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("run", v.RunID),
		slog.Bool("passed", v.Passed()),
		slog.Int("exit_code", v.ExitCode),
		slog.String("step", v.Step),
		slog.Duration("duration", v.Stopped.Sub(v.Started)),
	}
	if v.Endpoint != "" {
		attrs = append(attrs, slog.String("endpoint", v.Endpoint))
	}
	if v.Err != nil {
		attrs = append(attrs, slog.String("err", v.Err.Error()))
	}
	return attrs
}

type Option func(*Orchestrator)

func WithMetrics(r *metrics.Recorder) Option {
	return func(o *Orchestrator) {
		o.metrics = r
	}
}

func WithStager(s resource.Stager) Option {
	return func(o *Orchestrator) {
		o.stager = s
	}
}

type Orchestrator struct {
	cfg     config.Config
	metrics *metrics.Recorder
	stager  resource.Stager
}

func New(cfg config.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		stager: resource.NewStager(nil),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one run. Cancelling ctx aborts the current step and tears
// the run down.
func (o *Orchestrator) Run(ctx context.Context) (verdict Verdict) {
	r := &run{
		cfg:     o.cfg,
		metrics: o.metrics,
		stager:  o.stager,
		verdict: Verdict{
			RunID:    uuid.NewString(),
			ExitCode: ExitHarnessFailure,
			Started:  time.Now().UTC(),
		},
	}
	ctx = log.ContextAttrs(ctx, slog.String("run", r.verdict.RunID))

	defer func() {
		r.teardown(ctx)
		verdict = r.verdict
	}()
	r.execute(ctx)
	return
}

// run is the state of a single Run call.
type run struct {
	cfg     config.Config
	metrics *metrics.Recorder
	stager  resource.Stager
	verdict Verdict

	dir       string
	server    server
	serverOut iter.Seq2[string, error]
	subject   *process.Process

	serverDrained  <-chan struct{}
	subjectDrained <-chan struct{}
}

func (r *run) execute(ctx context.Context) {
	slog.InfoContext(ctx, "run started",
		"resource", r.cfg.Resource,
		"mode", r.cfg.Subject.Mode)

	var staged string
	err := r.step(ctx, StepStage, func(ctx context.Context) error {
		var err error
		staged, err = r.stage(ctx)
		return err
	})
	if err != nil {
		return
	}

	err = r.step(ctx, StepStartServer, func(ctx context.Context) error {
		return r.startServer(ctx, staged)
	})
	if err != nil {
		return
	}

	var url string
	err = r.step(ctx, StepDiscover, func(ctx context.Context) error {
		var err error
		url, err = r.discover(ctx)
		return err
	})
	if err != nil {
		return
	}
	r.verdict.Endpoint = url
	r.serverDrained = r.drain(ctx, "server", r.serverOut)

	var feedPath string
	err = r.step(ctx, StepWriteConfig, func(ctx context.Context) error {
		var err error
		feedPath, err = r.writeConfig(ctx, url)
		return err
	})
	if err != nil {
		return
	}

	err = r.step(ctx, StepStartSubject, func(ctx context.Context) error {
		return r.startSubject(ctx, feedPath, url)
	})
	if err != nil {
		return
	}

	if r.cfg.Subject.Mode == config.ModeComplete {
		_ = r.step(ctx, StepComplete, r.complete)
		return
	}

	err = r.step(ctx, StepObserve, r.observe)
	if err != nil {
		return
	}
	_ = r.step(ctx, StepStopSubject, r.stopSubject)
}

// step runs fn as the named step and records its duration. An error fails
// the run.
func (r *run) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx = log.ContextAttrs(ctx, slog.String("step", name))
	r.verdict.Step = name
	begin := time.Now()
	err := fn(ctx)
	r.metrics.ObserveStep(name, time.Since(begin))
	if err != nil {
		r.fail(name, err)
		slog.ErrorContext(ctx, "step failed", "err", err)
	}
	return err
}

// fail records the first failure of the run.
func (r *run) fail(step string, err error) {
	if r.verdict.Err != nil {
		return
	}
	r.verdict.Step = step
	r.verdict.Err = err
}

func (r *run) teardown(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	if r.subject != nil {
		if !r.subject.Exited() {
			slog.WarnContext(ctx, "stopping subject", "pid", r.subject.Pid())
			r.verdict.SubjectSignalled = time.Now().UTC()
			_, err := r.subject.Stop(ctx, os.Interrupt, r.cfg.Timeouts.SubjectStop.AsDuration())
			switch {
			case errors.Is(err, process.ErrTimeout):
				r.metrics.ForcedKill("subject")
				slog.WarnContext(ctx, "subject killed after stop timeout", "timeout", r.cfg.Timeouts.SubjectStop)
			case err != nil:
				slog.ErrorContext(ctx, "stopping subject", "pid", r.subject.Pid(), "err", err)
			}
		}
		// descendants can outlive a subject that exited by itself
		if err := r.subject.Kill(); err != nil {
			slog.WarnContext(ctx, "killing subject process group", "pid", r.subject.Pid(), "err", err)
		}
		join(ctx, "subject", r.subjectDrained, r.subject)
	}

	if r.server != nil {
		if r.serverDrained == nil {
			r.serverDrained = r.drain(ctx, "server", r.serverOut)
		}
		stepCtx := log.ContextAttrs(ctx, slog.String("step", StepStopServer))
		begin := time.Now()
		r.stopServer(stepCtx)
		r.metrics.ObserveStep(StepStopServer, time.Since(begin))
		join(ctx, "server", r.serverDrained, r.server)
	}

	if r.dir != "" && !r.cfg.KeepDir {
		if err := os.RemoveAll(r.dir); err != nil {
			slog.WarnContext(ctx, "removing run directory", "dir", r.dir, "err", err)
		}
	}

	r.verdict.Stopped = time.Now().UTC()
	r.metrics.RunFinished(r.verdict.Passed(), r.verdict.ExitCode)
	if err := r.metrics.WriteTextfile(r.cfg.MetricsFile); err != nil {
		slog.WarnContext(ctx, "writing metrics", "path", r.cfg.MetricsFile, "err", err)
	}
}

// drain consumes seq in the background, the returned channel is closed at
// the end of the stream.
func (r *run) drain(ctx context.Context, source string, seq iter.Seq2[string, error]) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if seq == nil {
			return
		}
		if err := lines.Drain(seq, nil); err != nil {
			slog.DebugContext(ctx, "reading output", "source", source, "err", err)
		}
	}()
	return done
}

// join waits up to DrainGrace for the drain to finish and closes the stream.
// Descendants of a killed process can keep the pipe open.
func join(ctx context.Context, source string, done <-chan struct{}, c io.Closer) {
	if done != nil {
		timer := time.NewTimer(DrainGrace)
		select {
		case <-done:
		case <-timer.C:
			slog.DebugContext(ctx, "output still open, closing", "source", source)
		}
		timer.Stop()
	}
	_ = c.Close()
	if done != nil {
		<-done
	}
}

// logged logs every line of seq at debug level.
func logged(ctx context.Context, source string, seq iter.Seq2[string, error]) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for line, err := range seq {
			if err == nil {
				slog.DebugContext(ctx, line, "source", source)
			}
			if !yield(line, err) {
				return
			}
		}
	}
}

// expand replaces the placeholders in args.
func expand(args []string, configPath, endpoint, dir string) []string {
	rep := strings.NewReplacer(
		config.PlaceholderConfig, configPath,
		config.PlaceholderEndpoint, endpoint,
		config.PlaceholderDir, dir,
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = rep.Replace(a)
	}
	return out
}

// executable makes a relative path containing a separator absolute, it
// would be resolved against the working directory of the child otherwise.
func executable(path string) (string, error) {
	if filepath.IsAbs(path) || !strings.ContainsRune(path, filepath.Separator) {
		return path, nil
	}
	return filepath.Abs(path)
}
