// Package resource stages the file the streaming server serves into the run
// directory. Sources are local paths or http(s) urls.
package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var ErrSource = errors.New("invalid resource source")

// Name returns the base name of the staged file. It is the name the server
// announces the resource under.
func Name(source string) string {
	if u, ok := remote(source); ok {
		return path.Base(u.Path)
	}
	return filepath.Base(source)
}

type Stager struct {
	client *http.Client
}

func NewStager(client *http.Client) Stager {
	if client == nil {
		client = &http.Client{}
	}
	return Stager{client: client}
}

// Stage is NewStager(nil).Stage.
func Stage(ctx context.Context, dir, source string) (string, error) {
	return NewStager(nil).Stage(ctx, dir, source)
}

// Stage copies or downloads source into dir under Name(source) and returns
// the path of the staged file.
func (s Stager) Stage(ctx context.Context, dir, source string) (string, error) {
	name := Name(source)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", fmt.Errorf("%w: %q has no file name", ErrSource, source)
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return "", fmt.Errorf("opening run directory: %w", err)
	}
	defer func() {
		_ = root.Close()
	}()

	var src io.ReadCloser
	if u, ok := remote(source); ok {
		src, err = s.download(ctx, u)
	} else {
		src, err = os.Open(source)
	}
	if err != nil {
		return "", fmt.Errorf("opening resource: %w", err)
	}
	defer func() {
		_ = src.Close()
	}()

	f, err := root.Create(name)
	if err != nil {
		return "", fmt.Errorf("creating staged resource: %w", err)
	}
	n, err := io.Copy(f, contextReader{ctx: ctx, r: src})
	if err != nil {
		_ = f.Close()
		return "", fmt.Errorf("staging resource: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing staged resource: %w", err)
	}

	staged := filepath.Join(dir, name)
	slog.DebugContext(ctx, "resource staged", "source", source, "path", staged, "bytes", n)
	return staged, nil
}

func (s Stager) download(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("downloading %s: status: %d, body: %s", u.Redacted(), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp.Body, nil
}

func remote(source string) (*url.URL, bool) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return nil, false
	}
	u, err := url.Parse(source)
	if err != nil || u.Host == "" {
		return nil, false
	}
	return u, true
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
