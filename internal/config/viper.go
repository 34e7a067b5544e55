package config

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "STREAMHARNESS"

// keys lists every configuration key, so each of them can be overridden
// by a STREAMHARNESS_* environment variable even if the file omits it.
var keys = []string{
	"server.path",
	"server.args",
	"server.image",
	"server.port",
	"server.container_dir",
	"resource",
	"feed_name",
	"endpoint_scheme",
	"subject.path",
	"subject.args",
	"subject.mode",
	"timeouts.observation_window",
	"timeouts.subject_stop",
	"timeouts.server_stop",
	"timeouts.discovery",
	"timeouts.completion",
	"keep_dir",
	"metrics_file",
	"verbose",
	"log_format",
}

// environment variables are always strings, so typed keys are converted
// before the settings reach the schema
var (
	boolKeys  = []string{"keep_dir", "verbose"}
	intKeys   = []string{"server.port"}
	sliceKeys = []string{"server.args", "subject.args"}
)

// NewViper returns a viper instance reading path (if not empty) and the
// STREAMHARNESS_* environment, e.g. STREAMHARNESS_TIMEOUTS_OBSERVATION_WINDOW.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return v, nil
}

// FromViper merges all the sources known to v and validates them
// against the schema like Load does.
func FromViper(v *viper.Viper) (Config, error) {
	settings := v.AllSettings()
	for _, key := range boolKeys {
		if v.IsSet(key) {
			setNested(settings, key, v.GetBool(key))
		}
	}
	for _, key := range intKeys {
		if v.IsSet(key) {
			setNested(settings, key, v.GetInt(key))
		}
	}
	for _, key := range sliceKeys {
		if v.IsSet(key) {
			setNested(settings, key, v.GetStringSlice(key))
		}
	}

	raw, err := yaml.Marshal(settings)
	if err != nil {
		return Config{}, fmt.Errorf("marshaling merged settings: %w", err)
	}
	return Load(bytes.NewReader(raw))
}

func setNested(m map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}
