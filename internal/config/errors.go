package config

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

type ErrorDetail struct {
	Path    string // timeouts.observation_window
	Code    string // missing_required | unknown_field | type_mismatch | conflicting_values | invalid_enum ...
	Message string // Human text
	Pos     ErrorPosition
	Raw     string // original message
}

func (d ErrorDetail) Attr(name string) slog.Attr {
	return slog.Group(
		name,
		slog.String("code", d.Code),
		slog.String("path", d.Path),
		slog.String("message", d.Message),
		slog.String("file", d.Pos.Filename),
		slog.Int("line", d.Pos.Line),
		slog.Int("column", d.Pos.Column),
	)
}

type ErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
	reEnum        = regexp.MustCompile(`(?i)must be one of|expected one of`)
	reFormat      = regexp.MustCompile(`(?i)does not match|invalid value`)
)

// enumPaths are schema fields whose allowed values are listed in the message
var enumPaths = []string{"subject.mode", "log_format"}

// ErrDetails turns a CUE validation error returned by Load into
// human readable details. Other errors are returned as a single detail.
func ErrDetails(err error) []ErrorDetail {
	if err == nil {
		return nil
	}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return []ErrorDetail{{Code: "validation_error", Message: err.Error(), Raw: err.Error()}}
	}

	seen := make(map[string]struct{})
	var out []ErrorDetail
	for _, e := range errs {
		raw, args := e.Msg()
		raw = fmt.Sprintf(raw, args...)
		path := normalizePath(e.Path())
		code, msg := classify(raw, path)

		key := path + "\x00" + code
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		for _, p := range enumPaths {
			if p != path {
				continue
			}
			values, dflt := enumStrings(schema.LookupPath(cue.ParsePath(p)))
			msg += fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
			if dflt != "" {
				msg += fmt.Sprintf(" (default %s)", dflt)
			}
		}

		out = append(out, ErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     position(e),
			Raw:     e.Error(),
		})
	}
	return out
}

func enumStrings(v cue.Value) (values []string, def string) {
	if d, ok := v.Default(); ok {
		if s, err := d.String(); err == nil {
			def = s
		}
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		if s, err := v.String(); err == nil {
			values = append(values, s)
		}
		return values, def
	}
	seen := map[string]struct{}{}
	for _, a := range args {
		if a.Kind() != cue.StringKind {
			continue
		}
		s, err := a.String()
		if err != nil {
			continue
		}
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			values = append(values, s)
		}
	}
	return values, def
}

func position(err cueerrors.Error) ErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return ErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return ErrorPosition{}
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	// Remove leading definition (#Config)
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", last(path))
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("Field %s is required", last(path))
	case reEnum.MatchString(raw):
		return "invalid_enum", fmt.Sprintf("Field %s has invalid value", last(path))
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s", last(path))
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("Field %s has wrong type/value", last(path))
	case reFormat.MatchString(raw):
		return "invalid_format", fmt.Sprintf("Field %s has invalid format", last(path))
	default:
		return "validation_error", raw
	}
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
