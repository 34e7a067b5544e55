// Package endpoint finds the URL a streaming server announces for a served
// resource.
//
// The server prints a line ending with the quoted resource name and puts the
// URL on the line right after it:
//
//	Created a new session for "test.264"
//	Play this stream using the URL "rtsp://127.0.0.1:8554/test.264"
//
// Extractor is a small state machine fed one line at a time.
package endpoint

import (
	"errors"
	"fmt"
	"iter"
	"net/url"
	"regexp"
	"strings"
)

type State int

const (
	AwaitingMarker State = iota
	AwaitingEndpointLine
	Found
	StreamEnded
	ExtractionFailed
)

func (s State) String() string {
	switch s {
	case AwaitingMarker:
		return "awaiting_marker"
	case AwaitingEndpointLine:
		return "awaiting_endpoint_line"
	case Found:
		return "found"
	case StreamEnded:
		return "stream_ended"
	case ExtractionFailed:
		return "extraction_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no more lines can change the state.
func (s State) Terminal() bool {
	return s == Found || s == StreamEnded || s == ExtractionFailed
}

var (
	ErrStreamEnded      = errors.New("stream ended before the endpoint was announced")
	ErrExtractionFailed = errors.New("no endpoint url on the line after the marker")
)

var quotedURL = regexp.MustCompile(`"([A-Za-z][A-Za-z0-9+.\-]*://[^"\s]+)"`)

type Option func(*Extractor)

// WithScheme accepts only urls with the given scheme, for example rtsp.
func WithScheme(scheme string) Option {
	return func(e *Extractor) {
		e.scheme = strings.ToLower(scheme)
	}
}

type Extractor struct {
	marker   string
	scheme   string
	state    State
	endpoint string
	err      error
}

func New(resourceName string, opts ...Option) *Extractor {
	e := &Extractor{
		marker: Marker(resourceName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Marker returns the suffix of the line announcing resourceName.
func Marker(resourceName string) string {
	return `"` + resourceName + `"`
}

func (e *Extractor) State() State {
	return e.state
}

// Endpoint is valid once the state is Found.
func (e *Extractor) Endpoint() string {
	return e.endpoint
}

// Feed advances the machine by one line. Lines fed in a terminal state are
// ignored.
func (e *Extractor) Feed(line string) (State, error) {
	switch e.state {
	case AwaitingMarker:
		if strings.HasSuffix(line, e.marker) {
			e.state = AwaitingEndpointLine
		}
	case AwaitingEndpointLine:
		u, err := e.match(line)
		if err != nil {
			e.state = ExtractionFailed
			e.err = err
			break
		}
		e.state = Found
		e.endpoint = u
	}
	return e.state, e.err
}

// Extract drives the machine over seq and returns the endpoint. It stops
// reading as soon as the endpoint is found, so the rest of seq stays
// available to the caller.
func (e *Extractor) Extract(seq iter.Seq2[string, error]) (string, error) {
	for line, err := range seq {
		if err != nil {
			return "", fmt.Errorf("reading output: %w", err)
		}
		state, err := e.Feed(line)
		if err != nil {
			return "", err
		}
		if state == Found {
			return e.endpoint, nil
		}
	}
	if !e.state.Terminal() {
		e.state = StreamEnded
		e.err = ErrStreamEnded
	}
	if e.state == Found {
		return e.endpoint, nil
	}
	return "", e.err
}

func (e *Extractor) match(line string) (string, error) {
	for _, m := range quotedURL.FindAllStringSubmatch(line, -1) {
		u, err := url.Parse(m[1])
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "", fmt.Errorf("%w: %q: not a network url", ErrExtractionFailed, m[1])
		}
		if e.scheme != "" && !strings.EqualFold(u.Scheme, e.scheme) {
			continue
		}
		return m[1], nil
	}
	return "", fmt.Errorf("%w: %q", ErrExtractionFailed, line)
}
