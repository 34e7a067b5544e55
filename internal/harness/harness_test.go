package harness_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/streamharness/internal/config"
	"github.com/CZERTAINLY/streamharness/internal/endpoint"
	"github.com/CZERTAINLY/streamharness/internal/feed"
	"github.com/CZERTAINLY/streamharness/internal/harness"
	"github.com/CZERTAINLY/streamharness/internal/metrics"
	"github.com/CZERTAINLY/streamharness/internal/process"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const announcedURL = "rtsp://127.0.0.1:8554/test.264"

const liveServer = `test -f test.264 || { echo "resource missing"; exit 2; }
echo 'LIVE555 Media Server'
echo 'Created a new session for "test.264"' 1>&2
echo 'Play this stream using the URL "` + announcedURL + `"'
trap 'exit 0' INT TERM
while :; do sleep 0.05; done
`

// script writes an executable shell script and returns its path.
func script(t *testing.T, name, body string) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	path := filepath.Join(t.TempDir(), name)
	err = os.WriteFile(path, []byte("#!"+sh+"\n"+body), 0o755)
	require.NoError(t, err)
	return path
}

// subjectScript fails unless it was given the feed config of the announced
// endpoint. It creates marker once started.
func subjectScript(t *testing.T, marker, onInterrupt string) string {
	t.Helper()
	body := fmt.Sprintf(`test "$1" = "-c" || exit 3
grep -q '"sourceUrl": "%s"' "$2" || exit 4
touch '%s'
trap '%s' INT
while :; do sleep 0.05; done
`, announcedURL, marker, onInterrupt)
	return script(t, "subject.sh", body)
}

func newConfig(t *testing.T, server, subject string) config.Config {
	t.Helper()
	res := filepath.Join(t.TempDir(), "test.264")
	require.NoError(t, os.WriteFile(res, []byte("h264"), 0o644))
	return config.Config{
		Server:   config.Server{Path: server},
		Resource: res,
		FeedName: "main",
		Subject: config.Subject{
			Path: subject,
			Mode: config.ModeWindow,
		},
		Timeouts: config.Timeouts{
			ObservationWindow: config.Duration(300 * time.Millisecond),
			SubjectStop:       config.Duration(5 * time.Second),
			ServerStop:        config.Duration(5 * time.Second),
			Discovery:         config.Duration(10 * time.Second),
			Completion:        config.Duration(10 * time.Second),
		},
	}
}

func requireRemoved(t *testing.T, dir string) {
	t.Helper()
	require.NotEmpty(t, dir)
	_, err := os.Stat(dir)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRun_Pass(t *testing.T) {
	t.Parallel()
	marker := filepath.Join(t.TempDir(), "started")
	cfg := newConfig(t, script(t, "server.sh", liveServer), subjectScript(t, marker, "exit 0"))
	rec := metrics.New()

	v := harness.New(cfg, harness.WithMetrics(rec)).Run(t.Context())
	require.NoError(t, v.Err)
	require.True(t, v.Passed())
	require.Zero(t, v.ExitCode)
	require.Equal(t, harness.StepStopSubject, v.Step)
	require.Equal(t, announcedURL, v.Endpoint)
	require.NotEmpty(t, v.RunID)
	require.FileExists(t, marker)
	requireRemoved(t, v.Dir)
	require.False(t, v.Stopped.Before(v.Started))

	expected := `
		# HELP streamharness_runs_total Total number of orchestrated runs by result
		# TYPE streamharness_runs_total counter
		streamharness_runs_total{result="pass"} 1
	`
	err := testutil.GatherAndCompare(rec.Gatherer(), strings.NewReader(expected), "streamharness_runs_total")
	require.NoError(t, err)
}

func TestRun_SubjectExitCode(t *testing.T) {
	t.Parallel()
	marker := filepath.Join(t.TempDir(), "started")
	cfg := newConfig(t, script(t, "server.sh", liveServer), subjectScript(t, marker, "exit 7"))

	v := harness.New(cfg).Run(t.Context())
	require.NoError(t, v.Err)
	require.False(t, v.Passed())
	require.Equal(t, 7, v.ExitCode)
}

func TestRun_Window(t *testing.T) {
	t.Parallel()
	marker := filepath.Join(t.TempDir(), "started")
	cfg := newConfig(t, script(t, "server.sh", liveServer), subjectScript(t, marker, "exit 0"))
	cfg.Timeouts.ObservationWindow = config.Duration(500 * time.Millisecond)

	v := harness.New(cfg).Run(t.Context())
	require.True(t, v.Passed(), v.Err)
	require.False(t, v.SubjectStarted.IsZero())
	require.GreaterOrEqual(t, v.SubjectSignalled.Sub(v.SubjectStarted), 500*time.Millisecond)
}

func TestRun_StubbornSubject(t *testing.T) {
	t.Parallel()
	marker := filepath.Join(t.TempDir(), "started")
	cfg := newConfig(t, script(t, "server.sh", liveServer), subjectScript(t, marker, ""))
	cfg.Timeouts.SubjectStop = config.Duration(200 * time.Millisecond)
	rec := metrics.New()

	v := harness.New(cfg, harness.WithMetrics(rec)).Run(t.Context())
	require.ErrorIs(t, v.Err, process.ErrTimeout)
	require.False(t, v.Passed())
	require.NotZero(t, v.ExitCode)
	require.Equal(t, harness.StepStopSubject, v.Step)

	expected := `
		# HELP streamharness_forced_kills_total Total number of processes killed after their stop timeout
		# TYPE streamharness_forced_kills_total counter
		streamharness_forced_kills_total{process="subject"} 1
	`
	err := testutil.GatherAndCompare(rec.Gatherer(), strings.NewReader(expected), "streamharness_forced_kills_total")
	require.NoError(t, err)
}

func TestRun_DiscoveryFail(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario  string
		server    string
		discovery time.Duration
		then      error
	}{
		{
			scenario:  "stream ended",
			server:    "echo 'LIVE555 Media Server'\necho 'nothing to serve'\n",
			discovery: 10 * time.Second,
			then:      endpoint.ErrStreamEnded,
		},
		{
			scenario:  "server missing the resource",
			server:    "test -f other.264 || exit 2\n",
			discovery: 10 * time.Second,
			then:      endpoint.ErrStreamEnded,
		},
		{
			scenario:  "extraction failed",
			server:    "echo 'Created a new session for \"test.264\"'\necho 'rtsp://127.0.0.1:8554/test.264'\ntrap 'exit 0' INT\nwhile :; do sleep 0.05; done\n",
			discovery: 10 * time.Second,
			then:      endpoint.ErrExtractionFailed,
		},
		{
			scenario:  "timeout",
			server:    "echo 'LIVE555 Media Server'\nwhile :; do sleep 0.05; done\n",
			discovery: 200 * time.Millisecond,
			then:      harness.ErrDiscoveryTimeout,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			marker := filepath.Join(t.TempDir(), "started")
			cfg := newConfig(t, script(t, "server.sh", tc.server), subjectScript(t, marker, "exit 0"))
			cfg.Timeouts.Discovery = config.Duration(tc.discovery)

			begin := time.Now()
			v := harness.New(cfg).Run(t.Context())
			require.ErrorIs(t, v.Err, tc.then)
			require.Equal(t, harness.StepDiscover, v.Step)
			require.Equal(t, harness.ExitHarnessFailure, v.ExitCode)
			require.Empty(t, v.Endpoint)
			require.Less(t, time.Since(begin), 8*time.Second)

			// the subject is never started
			require.True(t, v.SubjectStarted.IsZero())
			require.NoFileExists(t, marker)
			requireRemoved(t, v.Dir)
		})
	}
}

func TestRun_Complete(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario   string
		subject    string
		completion time.Duration
		code       int
		err        error
	}{
		{
			scenario:   "pass",
			subject:    `test "$1" = "--targetUrl=` + announcedURL + `" || exit 3` + "\nexit 0\n",
			completion: 10 * time.Second,
			code:       0,
		},
		{
			scenario:   "fail",
			subject:    "exit 5\n",
			completion: 10 * time.Second,
			code:       5,
		},
		{
			scenario:   "timeout",
			subject:    "while :; do sleep 0.05; done\n",
			completion: 200 * time.Millisecond,
			code:       harness.ExitHarnessFailure,
			err:        process.ErrTimeout,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			cfg := newConfig(t, script(t, "server.sh", liveServer), script(t, "subject.sh", tc.subject))
			cfg.Subject.Mode = config.ModeComplete
			cfg.Timeouts.Completion = config.Duration(tc.completion)

			v := harness.New(cfg).Run(t.Context())
			require.Equal(t, harness.StepComplete, v.Step)
			require.Equal(t, tc.code, v.ExitCode)
			if tc.err != nil {
				require.ErrorIs(t, v.Err, tc.err)
				return
			}
			require.NoError(t, v.Err)
			require.Equal(t, tc.code == 0, v.Passed())
		})
	}
}

func TestRun_Cancel(t *testing.T) {
	t.Parallel()
	marker := filepath.Join(t.TempDir(), "started")
	interrupted := filepath.Join(t.TempDir(), "interrupted")
	cfg := newConfig(t, script(t, "server.sh", liveServer), subjectScript(t, marker, `touch "`+interrupted+`"; exit 0`))
	cfg.Timeouts.ObservationWindow = config.Duration(time.Minute)
	rec := metrics.New()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() {
		for {
			if _, err := os.Stat(marker); err == nil {
				cancel()
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
	}()

	begin := time.Now()
	v := harness.New(cfg, harness.WithMetrics(rec)).Run(ctx)
	require.ErrorIs(t, v.Err, context.Canceled)
	require.Equal(t, harness.StepObserve, v.Step)
	require.Equal(t, harness.ExitHarnessFailure, v.ExitCode)
	require.Less(t, time.Since(begin), 30*time.Second)
	requireRemoved(t, v.Dir)

	// the subject is interrupted, not killed
	require.FileExists(t, interrupted)
	require.False(t, v.SubjectSignalled.IsZero())
	count, err := testutil.GatherAndCount(rec.Gatherer(), "streamharness_forced_kills_total")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRun_CancelDiscovery(t *testing.T) {
	t.Parallel()
	started := filepath.Join(t.TempDir(), "started")
	interrupted := filepath.Join(t.TempDir(), "interrupted")
	server := fmt.Sprintf(`trap 'touch "%s"; exit 0' INT
touch '%s'
while :; do sleep 0.05; done
`, interrupted, started)
	cfg := newConfig(t, script(t, "server.sh", server), script(t, "subject.sh", "exit 0\n"))
	rec := metrics.New()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() {
		for {
			if _, err := os.Stat(started); err == nil {
				cancel()
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
	}()

	v := harness.New(cfg, harness.WithMetrics(rec)).Run(ctx)
	require.ErrorIs(t, v.Err, context.Canceled)
	require.Equal(t, harness.StepDiscover, v.Step)
	require.True(t, v.SubjectStarted.IsZero())

	// the server is interrupted, not killed
	require.FileExists(t, interrupted)
	count, err := testutil.GatherAndCount(rec.Gatherer(), "streamharness_forced_kills_total")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRun_SetupFail(t *testing.T) {
	t.Parallel()

	t.Run("missing resource", func(t *testing.T) {
		t.Parallel()
		cfg := newConfig(t, script(t, "server.sh", liveServer), script(t, "subject.sh", "exit 0\n"))
		cfg.Resource = filepath.Join(t.TempDir(), "missing.264")

		v := harness.New(cfg).Run(t.Context())
		require.ErrorIs(t, v.Err, os.ErrNotExist)
		require.Equal(t, harness.StepStage, v.Step)
		require.Equal(t, harness.ExitHarnessFailure, v.ExitCode)
		requireRemoved(t, v.Dir)
	})

	t.Run("missing server", func(t *testing.T) {
		t.Parallel()
		cfg := newConfig(t, filepath.Join(t.TempDir(), "missing-server"), script(t, "subject.sh", "exit 0\n"))

		v := harness.New(cfg).Run(t.Context())
		var spawnErr *process.SpawnError
		require.ErrorAs(t, v.Err, &spawnErr)
		require.Equal(t, harness.StepStartServer, v.Step)
	})

	t.Run("missing subject", func(t *testing.T) {
		t.Parallel()
		cfg := newConfig(t, script(t, "server.sh", liveServer), filepath.Join(t.TempDir(), "missing-subject"))

		v := harness.New(cfg).Run(t.Context())
		var spawnErr *process.SpawnError
		require.ErrorAs(t, v.Err, &spawnErr)
		require.Equal(t, harness.StepStartSubject, v.Step)
		require.Equal(t, announcedURL, v.Endpoint)
	})
}

func TestRun_KeepDir(t *testing.T) {
	t.Parallel()
	marker := filepath.Join(t.TempDir(), "started")
	cfg := newConfig(t, script(t, "server.sh", liveServer), subjectScript(t, marker, "exit 0"))
	cfg.KeepDir = true
	cfg.MetricsFile = filepath.Join(t.TempDir(), "streamharness.prom")

	v := harness.New(cfg, harness.WithMetrics(metrics.New())).Run(t.Context())
	require.True(t, v.Passed(), v.Err)
	t.Cleanup(func() { _ = os.RemoveAll(v.Dir) })

	got, err := feed.Read(filepath.Join(v.Dir, feed.FileName))
	require.NoError(t, err)
	require.Equal(t, feed.Config{"main": {SourceURL: announcedURL}}, got)
	require.FileExists(t, filepath.Join(v.Dir, "test.264"))

	b, err := os.ReadFile(cfg.MetricsFile)
	require.NoError(t, err)
	require.Contains(t, string(b), `streamharness_runs_total{result="pass"} 1`)
}

func TestVerdict_Passed(t *testing.T) {
	t.Parallel()
	require.True(t, harness.Verdict{ExitCode: 0}.Passed())
	require.False(t, harness.Verdict{ExitCode: 1}.Passed())
	require.False(t, harness.Verdict{ExitCode: harness.ExitHarnessFailure}.Passed())
	require.False(t, harness.Verdict{ExitCode: 0, Err: process.ErrTimeout}.Passed())
}
