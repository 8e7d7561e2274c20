package watch

import (
	"bytes"
	"errors"
	"io"
)

// LineBuffer splits a byte stream into newline-delimited lines. Chunk
// boundaries do not line up with line boundaries, so a trailing partial line
// is kept and prefixed onto the next chunk.
type LineBuffer struct {
	partial []byte
}

// Write appends chunk and returns every line it completed, without the
// terminating newline. Blank lines are skipped. The returned slices do not
// alias chunk.
func (b *LineBuffer) Write(chunk []byte) [][]byte {
	var lines [][]byte
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			b.partial = append(b.partial, chunk...)
			break
		}

		var line []byte
		if len(b.partial) > 0 {
			line = append(b.partial, chunk[:i]...)
			b.partial = nil
		} else {
			line = append([]byte(nil), chunk[:i]...)
		}
		chunk = chunk[i+1:]

		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Flush returns and clears the buffered partial line, or nil.
func (b *LineBuffer) Flush() []byte {
	rest := bytes.TrimSpace(b.partial)
	b.partial = nil
	if len(rest) == 0 {
		return nil
	}
	return rest
}

// Len returns the number of buffered bytes.
func (b *LineBuffer) Len() int {
	return len(b.partial)
}

const readChunkSize = 32 * 1024

// readLines calls fn for every line read from r until EOF, an error from r,
// or an error from fn. A final unterminated line is delivered at EOF.
func readLines(r io.Reader, fn func(line []byte) error) error {
	var buf LineBuffer
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			for _, line := range buf.Write(chunk[:n]) {
				if ferr := fn(line); ferr != nil {
					return ferr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			if rest := buf.Flush(); rest != nil {
				return fn(rest)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
