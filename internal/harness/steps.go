package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/streamharness/internal/container"
	"github.com/CZERTAINLY/streamharness/internal/endpoint"
	"github.com/CZERTAINLY/streamharness/internal/feed"
	"github.com/CZERTAINLY/streamharness/internal/lines"
	"github.com/CZERTAINLY/streamharness/internal/process"
	"github.com/CZERTAINLY/streamharness/internal/resource"

	"golang.org/x/sync/errgroup"
)

func (r *run) stage(ctx context.Context) (string, error) {
	dir, err := os.MkdirTemp("", "streamharness-"+r.verdict.RunID+"-")
	if err != nil {
		return "", fmt.Errorf("creating run directory: %w", err)
	}
	r.dir = dir
	r.verdict.Dir = dir

	staged, err := r.stager.Stage(ctx, dir, r.cfg.Resource)
	if err != nil {
		return "", err
	}
	slog.DebugContext(ctx, "run directory ready", "dir", dir, "resource", staged)
	return staged, nil
}

func (r *run) startServer(ctx context.Context, staged string) error {
	if r.cfg.Server.Image != "" {
		dir := r.cfg.Server.ContainerDir
		c, err := container.Start(ctx, container.Request{
			Image: r.cfg.Server.Image,
			Args:  expand(r.cfg.Server.Args, "", "", dir),
			Port:  r.cfg.Server.Port,
			Dir:   dir,
			Files: []string{staged},
		})
		if err != nil {
			return err
		}
		r.server = c
		r.serverOut = logged(ctx, "server", lines.Lines(c.Output()))
		slog.InfoContext(ctx, "server started", "image", r.cfg.Server.Image)
		return nil
	}

	path, err := executable(r.cfg.Server.Path)
	if err != nil {
		return fmt.Errorf("resolving server path: %w", err)
	}
	p, err := process.Start(ctx, process.Command{
		Path: path,
		Args: expand(r.cfg.Server.Args, "", "", r.dir),
		Dir:  r.dir,
	})
	if err != nil {
		return err
	}
	r.server = execServer{p: p}
	r.serverOut = logged(ctx, "server", lines.Lines(p.Output()))
	slog.InfoContext(ctx, "server started", "path", path, "pid", p.Pid())
	return nil
}

// discover reads the server output until the endpoint is announced. The
// server is killed when ctx is cancelled or the discovery timeout elapses,
// which ends its output and so the extraction.
func (r *run) discover(ctx context.Context) (string, error) {
	var opts []endpoint.Option
	if r.cfg.EndpointScheme != "" {
		opts = append(opts, endpoint.WithScheme(r.cfg.EndpointScheme))
	}
	extractor := endpoint.New(resource.Name(r.cfg.Resource), opts...)

	timeout := r.cfg.Timeouts.Discovery.AsDuration()
	discoverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var g errgroup.Group
	var announced string
	found := make(chan struct{})
	g.Go(func() error {
		defer close(found)
		var err error
		announced, err = extractor.Extract(r.serverOut)
		return err
	})
	g.Go(func() error {
		select {
		case <-found:
			return nil
		case <-discoverCtx.Done():
		}
		select {
		case <-found:
			return nil
		default:
		}

		if ctx.Err() != nil {
			r.stopServer(context.WithoutCancel(ctx))
		} else {
			slog.DebugContext(ctx, "killing server", "err", context.Cause(discoverCtx))
			if err := r.server.Kill(ctx); err != nil {
				slog.WarnContext(ctx, "killing server", "err", err)
			}
		}
		timer := time.NewTimer(process.KillWait)
		defer timer.Stop()
		select {
		case <-found:
		case <-timer.C:
			_ = r.server.Close()
		}
		return nil
	})
	err := g.Wait()

	switch {
	case err == nil:
	case ctx.Err() != nil:
		return "", fmt.Errorf("discovering endpoint: %w", context.Cause(ctx))
	case errors.Is(discoverCtx.Err(), context.DeadlineExceeded):
		return "", fmt.Errorf("%w: %s, extractor %s", ErrDiscoveryTimeout, timeout, extractor.State())
	default:
		return "", err
	}

	url, err := r.server.Resolve(ctx, announced)
	if err != nil {
		return "", err
	}
	slog.InfoContext(ctx, "endpoint discovered", "announced", announced, "endpoint", url)
	return url, nil
}

// stopServer asks the server to exit and kills it after the server stop
// timeout.
func (r *run) stopServer(ctx context.Context) {
	timeout := r.cfg.Timeouts.ServerStop.AsDuration()
	err := r.server.Stop(ctx, timeout)
	switch {
	case errors.Is(err, process.ErrTimeout):
		r.metrics.ForcedKill("server")
		slog.WarnContext(ctx, "server killed after stop timeout", "timeout", r.cfg.Timeouts.ServerStop)
	case err != nil:
		slog.WarnContext(ctx, "stopping server", "err", err)
	}
}

func (r *run) writeConfig(ctx context.Context, url string) (string, error) {
	path, err := feed.Write(r.dir, r.cfg.FeedName, url)
	if err != nil {
		return "", err
	}
	slog.DebugContext(ctx, "feed config written", "path", path, "feed", r.cfg.FeedName)
	return path, nil
}

func (r *run) startSubject(ctx context.Context, feedPath, url string) error {
	args := expand(r.cfg.Subject.SubjectArgs(), feedPath, url, r.dir)
	p, err := process.Start(ctx, process.Command{
		Path: r.cfg.Subject.Path,
		Args: args,
	})
	if err != nil {
		return err
	}
	r.subject = p
	r.subjectDrained = r.drain(ctx, "subject", logged(ctx, "subject", lines.Lines(p.Output())))
	r.verdict.SubjectStarted = time.Now().UTC()
	slog.InfoContext(ctx, "subject started", "path", r.cfg.Subject.Path, "args", args, "pid", p.Pid())
	return nil
}

// observe lets the subject run for the whole observation window.
func (r *run) observe(ctx context.Context) error {
	window := r.cfg.Timeouts.ObservationWindow.AsDuration()
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("observing subject: %w", context.Cause(ctx))
	}
}

func (r *run) stopSubject(ctx context.Context) error {
	r.verdict.SubjectSignalled = time.Now().UTC()
	code, err := r.subject.Stop(ctx, os.Interrupt, r.cfg.Timeouts.SubjectStop.AsDuration())
	if err != nil {
		if errors.Is(err, process.ErrTimeout) {
			r.metrics.ForcedKill("subject")
		}
		r.verdict.ExitCode = forced(code)
		return fmt.Errorf("stopping subject: %w", err)
	}
	r.verdict.ExitCode = code
	slog.InfoContext(ctx, "subject stopped", "exit_code", code)
	return nil
}

// complete waits for the subject to exit by itself.
func (r *run) complete(ctx context.Context) error {
	timeout := r.cfg.Timeouts.Completion.AsDuration()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.subject.Done():
		code := r.subject.ExitCode()
		r.verdict.ExitCode = code
		slog.InfoContext(ctx, "subject completed", "exit_code", code)
		return nil
	case <-timer.C:
	case <-ctx.Done():
		// teardown stops the subject
		return fmt.Errorf("waiting for subject: %w", context.Cause(ctx))
	}

	r.metrics.ForcedKill("subject")
	r.verdict.SubjectSignalled = time.Now().UTC()
	killErr := r.subject.Kill()
	code, err := r.subject.Wait(process.KillWait)
	r.verdict.ExitCode = forced(code)
	return errors.Join(fmt.Errorf("subject did not complete in %s: %w", timeout, process.ErrTimeout), killErr, err)
}

// forced maps the exit code of a killed subject, it never passes.
func forced(code int) int {
	if code == 0 {
		return ExitHarnessFailure
	}
	return code
}
