package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName is the name of the feed configuration inside the run directory.
const FileName = "feeds.json"

var ErrWrite = errors.New("writing feed config")

type Source struct {
	SourceURL string `json:"sourceUrl"`
}

// Config maps a feed name to its source, the subject reads it with -c.
type Config map[string]Source

// Write stores {"<feedName>": {"sourceUrl": "<endpoint>"}} as dir/feeds.json
// and returns its absolute path. The file appears complete or not at all.
func Write(dir, feedName, endpoint string) (string, error) {
	if feedName == "" || endpoint == "" {
		return "", fmt.Errorf("%w: invalid feed name %q or endpoint %q", ErrWrite, feedName, endpoint)
	}
	abs, err := filepath.Abs(filepath.Join(dir, FileName))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrWrite, err)
	}
	cfg := Config{feedName: {SourceURL: endpoint}}
	if err := writeJSONAtomic(abs, cfg); err != nil {
		return "", fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return abs, nil
}

func Read(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading feed config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing feed config %s: %w", path, err)
	}
	return cfg, nil
}

func writeJSONAtomic(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}

	tmp := fmt.Sprintf("%s.tmp-%d", path, time.Now().UnixNano())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
