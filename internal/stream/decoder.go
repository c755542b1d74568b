package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
)

// MaxLineSize bounds a single record. A longer line means the peer is not speaking the event protocol.
const MaxLineSize = 1 << 20

const readChunkSize = 32 * 1024

var (
	// ErrLineTooLong is yielded when a record exceeds MaxLineSize.
	ErrLineTooLong = errors.New("event line too long")

	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// lineBuffer splits a byte stream into lines. A chunk may end mid-line, so the trailing partial line is
// held back until more data arrives or the stream ends.
type lineBuffer struct {
	pending []byte
}

// feed appends a chunk and returns every line it completes, without their terminators.
func (l *lineBuffer) feed(chunk []byte) ([][]byte, error) {
	l.pending = append(l.pending, chunk...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(l.pending, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(l.pending[:i], []byte("\r"))
		lines = append(lines, bytes.Clone(line))
		l.pending = l.pending[i+1:]
	}

	if len(l.pending) > MaxLineSize {
		return lines, ErrLineTooLong
	}
	if len(l.pending) == 0 {
		l.pending = nil
	}
	return lines, nil
}

// flush returns the unterminated remainder, if any.
func (l *lineBuffer) flush() []byte {
	rest := bytes.TrimSuffix(l.pending, []byte("\r"))
	l.pending = nil
	if len(rest) == 0 {
		return nil
	}
	return rest
}

// Decode turns a newline-delimited `data: <json>` stream into events, in the exact order they were
// written. Each call returns a fresh sequence over r; r itself is consumed and cannot be replayed.
//
// Blank lines, `:` comments, non-data fields and the `[DONE]` marker are ignored. A line that is not valid
// JSON or carries an unknown type is logged and skipped. The context is checked between chunks; once it is
// done the sequence ends without an error. Any other read failure is yielded once and ends the sequence.
func Decode(ctx context.Context, r io.Reader, logger *slog.Logger) iter.Seq2[Event, error] {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("module", "decoder"))

	return func(yield func(Event, error) bool) {
		var lb lineBuffer
		buf := make([]byte, readChunkSize)

		emit := func(lines [][]byte) bool {
			for _, line := range lines {
				ev, ok := parseLine(line, logger)
				if !ok {
					continue
				}
				if !yield(ev, nil) {
					return false
				}
			}
			return true
		}

		for {
			if ctx.Err() != nil {
				return
			}

			n, err := r.Read(buf)
			if n > 0 {
				lines, ferr := lb.feed(buf[:n])
				if !emit(lines) {
					return
				}
				if ferr != nil {
					yield(nil, ferr)
					return
				}
			}

			if err == nil {
				continue
			}
			if errors.Is(err, io.EOF) {
				if rest := lb.flush(); rest != nil {
					emit([][]byte{rest})
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			yield(nil, fmt.Errorf("failed to read event stream: %w", err))
			return
		}
	}
}

func parseLine(line []byte, logger *slog.Logger) (Event, bool) {
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}

	data := bytes.TrimPrefix(line[len(dataPrefix):], []byte(" "))
	if len(data) == 0 || bytes.Equal(data, doneMarker) {
		return nil, false
	}

	ev, err := ParseEvent(data)
	if err != nil {
		logger.Warn("Skipping malformed event line",
			slog.String("line", string(line)),
			slog.String(errLoggerKey, err.Error()))
		return nil, false
	}
	return ev, true
}
