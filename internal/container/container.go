// Package container runs the streaming server from a container image instead
// of a local executable.
//
// The container log is exposed as a stream, the same way a local process
// exposes its merged output, and the endpoint the server announces from
// inside the container is rewritten to the host mapped port.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
)

type Request struct {
	Image string
	Args  []string
	// Port is the port the server listens on inside the container.
	Port int
	// Dir is the container directory the files are copied to, it is the
	// working directory of the server.
	Dir   string
	Files []string
}

// Server is a running container. Output must be read until Close, the log
// follower blocks on an unread stream.
type Server struct {
	c      testcontainers.Container
	port   int
	pr     *io.PipeReader
	pw     *io.PipeWriter
	logger *slog.Logger

	mx      sync.Mutex
	stopped bool
	stopErr error
}

func Start(ctx context.Context, req Request) (*Server, error) {
	if req.Image == "" {
		return nil, errors.New("container image is empty")
	}
	if req.Port <= 0 {
		return nil, fmt.Errorf("invalid container port %d", req.Port)
	}

	pr, pw := io.Pipe()
	files := make([]testcontainers.ContainerFile, 0, len(req.Files))
	for _, f := range req.Files {
		files = append(files, testcontainers.ContainerFile{
			HostFilePath:      f,
			ContainerFilePath: path.Join(req.Dir, filepath.Base(f)),
			FileMode:          0o644,
		})
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        req.Image,
			Cmd:          req.Args,
			ExposedPorts: []string{strconv.Itoa(req.Port) + "/tcp"},
			Files:        files,
			ConfigModifier: func(cfg *dockercontainer.Config) {
				cfg.WorkingDir = req.Dir
			},
			LogConsumerCfg: &testcontainers.LogConsumerConfig{
				Consumers: []testcontainers.LogConsumer{logWriter{w: pw}},
			},
		},
		Started: true,
	})
	if err != nil {
		_ = pw.Close()
		_ = pr.Close()
		if c != nil {
			_ = testcontainers.TerminateContainer(c)
		}
		return nil, fmt.Errorf("starting container %s: %w", req.Image, err)
	}

	s := &Server{
		c:      c,
		port:   req.Port,
		pr:     pr,
		pw:     pw,
		logger: slog.With("container", c.GetContainerID()),
	}
	s.logger.DebugContext(ctx, "container started", "image", req.Image)
	return s, nil
}

func (s *Server) Output() io.Reader {
	return s.pr
}

// Resolve rewrites endpoint so it points to the host side of the container
// port. The port from endpoint is used, the configured one when it has none.
func (s *Server) Resolve(ctx context.Context, endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	port := u.Port()
	if port == "" {
		port = strconv.Itoa(s.port)
	}
	natPort, err := nat.NewPort("tcp", port)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint port: %w", err)
	}

	host, err := s.c.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolving container host: %w", err)
	}
	mapped, err := s.c.MappedPort(ctx, natPort)
	if err != nil {
		return "", fmt.Errorf("resolving mapped port %s: %w", natPort, err)
	}

	u.Host = net.JoinHostPort(host, mapped.Port())
	return u.String(), nil
}

// Stop stops the container, docker kills it after timeout, and removes it.
// Only the first call does anything.
func (s *Server) Stop(ctx context.Context, timeout time.Duration) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.stopped {
		return s.stopErr
	}
	s.stopped = true

	ctx = context.WithoutCancel(ctx)
	s.stopErr = s.c.Terminate(ctx, testcontainers.StopTimeout(timeout))
	s.logger.DebugContext(ctx, "container terminated", "err", s.stopErr)
	_ = s.pw.Close()
	return s.stopErr
}

func (s *Server) Kill(ctx context.Context) error {
	return s.Stop(ctx, 0)
}

func (s *Server) Close() error {
	return s.pr.Close()
}

// logWriter forwards the container log lines to the output pipe.
type logWriter struct {
	w io.Writer
}

func (l logWriter) Accept(log testcontainers.Log) {
	b := log.Content
	if len(b) == 0 || b[len(b)-1] != '\n' {
		b = append(b[:len(b):len(b)], '\n')
	}
	_, _ = l.w.Write(b)
}
