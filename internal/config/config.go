package config

import (
	"errors"
	"fmt"
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ModeWindow   = "window"
	ModeComplete = "complete"

	LogJSON = "json"
	LogText = "text"

	// Placeholders expanded in subject and server arguments.
	PlaceholderConfig   = "{config}"
	PlaceholderEndpoint = "{endpoint}"
	PlaceholderDir      = "{dir}"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Server         Server   `json:"server" yaml:"server"`
	Resource       string   `json:"resource" yaml:"resource"` // local path or http(s) URL
	FeedName       string   `json:"feed_name" yaml:"feed_name"`
	EndpointScheme string   `json:"endpoint_scheme" yaml:"endpoint_scheme"` // "" accepts any scheme
	Subject        Subject  `json:"subject" yaml:"subject"`
	Timeouts       Timeouts `json:"timeouts" yaml:"timeouts"`
	KeepDir        bool     `json:"keep_dir" yaml:"keep_dir"`
	MetricsFile    string   `json:"metrics_file" yaml:"metrics_file"`
	Verbose        bool     `json:"verbose" yaml:"verbose"`
	LogFormat      string   `json:"log_format" yaml:"log_format"`
}

// Server is either an executable (Path) or a container image (Image).
type Server struct {
	Path         string   `json:"path" yaml:"path"`
	Args         []string `json:"args" yaml:"args"`
	Image        string   `json:"image" yaml:"image"`
	Port         int      `json:"port" yaml:"port"`                   // container port the stream is served on
	ContainerDir string   `json:"container_dir" yaml:"container_dir"` // resource location inside the container
}

type Subject struct {
	Path string   `json:"path" yaml:"path"`
	Args []string `json:"args,omitempty" yaml:"args,omitempty"` // nil => mode default
	Mode string   `json:"mode" yaml:"mode"`                     // "window" | "complete"
}

type Timeouts struct {
	ObservationWindow Duration `json:"observation_window" yaml:"observation_window"`
	SubjectStop       Duration `json:"subject_stop" yaml:"subject_stop"`
	ServerStop        Duration `json:"server_stop" yaml:"server_stop"`
	Discovery         Duration `json:"discovery" yaml:"discovery"`
	Completion        Duration `json:"completion" yaml:"completion"`
}

// SubjectArgs returns the configured subject arguments, or the default ones
// for the subject mode. Placeholders are not expanded.
func (s Subject) SubjectArgs() []string {
	if s.Args != nil {
		return append([]string(nil), s.Args...)
	}
	if s.Mode == ModeComplete {
		return []string{"--targetUrl=" + PlaceholderEndpoint}
	}
	return []string{"-c", PlaceholderConfig}
}

// Load validates YAML from r against CUE schema, fills the defaults and decodes to Config.
func Load(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("streamharness.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	if err := out.Validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// Validate checks the constraints the schema does not express.
func (c Config) Validate() error {
	var errs []error
	switch {
	case c.Server.Path == "" && c.Server.Image == "":
		errs = append(errs, errors.New("server: one of path or image is required"))
	case c.Server.Path != "" && c.Server.Image != "":
		errs = append(errs, errors.New("server: path and image are mutually exclusive"))
	}
	if c.Subject.Path == "" {
		errs = append(errs, errors.New("subject.path is required"))
	}
	if c.Subject.Mode != ModeWindow && c.Subject.Mode != ModeComplete {
		errs = append(errs, fmt.Errorf("subject.mode %q is not supported", c.Subject.Mode))
	}

	positive := []struct {
		name string
		d    Duration
	}{
		{"timeouts.subject_stop", c.Timeouts.SubjectStop},
		{"timeouts.server_stop", c.Timeouts.ServerStop},
		{"timeouts.discovery", c.Timeouts.Discovery},
		{"timeouts.completion", c.Timeouts.Completion},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.name, p.d))
		}
	}
	if c.Timeouts.ObservationWindow < 0 {
		errs = append(errs, fmt.Errorf("timeouts.observation_window must not be negative, got %s", c.Timeouts.ObservationWindow))
	}
	return errors.Join(errs...)
}
