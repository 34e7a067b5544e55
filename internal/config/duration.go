// human readable and writable time.Duration
// which can be used inside config file
package config

import (
	"encoding/json"
	"errors"
	"time"
)

type Duration time.Duration

func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalText(text []byte) error {
	if d == nil {
		return errors.New("can't unmarshal to nil")
	}
	if len(text) == 0 {
		return errors.New("can't be empty")
	}
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
