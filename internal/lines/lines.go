package lines

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"iter"
	"strings"
)

// MaxLineSize is the longest line Lines accepts.
const MaxLineSize = 1 << 20

// Lines returns a lazy sequence of trimmed UTF-8 lines read from r. Invalid
// UTF-8 is replaced by U+FFFD.
//
// The sequence can be ranged over repeatedly, each loop continues where the
// previous one stopped, so a caller can break after finding what it needs
// and hand the rest of the stream to somebody else.
//
// A closed stream ends the sequence without an error. Any other read error
// or a line longer than MaxLineSize is yielded once and ends the sequence.
func Lines(r io.Reader) iter.Seq2[string, error] {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	var done bool

	return func(yield func(string, error) bool) {
		if done {
			return
		}
		for scanner.Scan() {
			if !yield(clean(scanner.Bytes()), nil) {
				return
			}
		}
		done = true
		if err := scanner.Err(); err != nil && !Closed(err) {
			yield("", err)
		}
	}
}

// Drain consumes the rest of seq passing every line to fn.
func Drain(seq iter.Seq2[string, error], fn func(line string)) error {
	for line, err := range seq {
		if err != nil {
			return err
		}
		if fn != nil {
			fn(line)
		}
	}
	return nil
}

// Closed reports whether err means the stream was closed.
func Closed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, fs.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

func clean(b []byte) string {
	return strings.TrimSpace(strings.ToValidUTF8(string(b), "�"))
}
