package harness

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/streamharness/internal/container"
	"github.com/CZERTAINLY/streamharness/internal/process"
)

// server is the streaming server of a run.
type server interface {
	// Output is the combined output, the endpoint is announced there.
	Output() io.Reader
	// Resolve maps the announced endpoint to an address reachable from the
	// host.
	Resolve(ctx context.Context, endpoint string) (string, error)
	// Stop asks the server to exit and kills it after timeout. A forced
	// stop returns process.ErrTimeout where the server can tell.
	Stop(ctx context.Context, timeout time.Duration) error
	// Kill ends the server now, the output reaches EOF.
	Kill(ctx context.Context) error
	Close() error
}

var (
	_ server = execServer{}
	_ server = (*container.Server)(nil)
)

// execServer is a server running as a local process.
type execServer struct {
	p *process.Process
}

func (s execServer) Output() io.Reader {
	return s.p.Output()
}

func (s execServer) Resolve(_ context.Context, endpoint string) (string, error) {
	return endpoint, nil
}

func (s execServer) Stop(ctx context.Context, timeout time.Duration) error {
	code, err := s.p.Stop(ctx, os.Interrupt, timeout)
	slog.DebugContext(ctx, "server stopped", "pid", s.p.Pid(), "exit_code", code)
	return err
}

func (s execServer) Kill(context.Context) error {
	return s.p.Kill()
}

func (s execServer) Close() error {
	return s.p.Close()
}
