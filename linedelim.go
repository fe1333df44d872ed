package batchcluster

import "strings"

// newline identifies which line terminator a child speaks. The cluster
// writes this terminator after every command and expects the child to
// use the same one in its responses.
type newline string

const (
	newlineLF   newline = "\n"
	newlineCRLF newline = "\r\n"
)

// lineDelimiter incrementally frames raw child output into complete
// lines, honouring the configured newline. Partial lines (no terminator
// seen yet) are held until more bytes arrive or the child exits; they
// never appear in Feed's result.
type lineDelimiter struct {
	sep     string
	partial strings.Builder
}

func newLineDelimiter(nl newline) *lineDelimiter {
	sep := string(nl)
	if sep == "" {
		sep = string(newlineLF)
	}
	return &lineDelimiter{sep: sep}
}

// Feed appends a chunk of raw bytes and returns every complete line it
// now contains, in order. The separator is stripped from each line.
func (d *lineDelimiter) Feed(chunk []byte) []string {
	d.partial.Write(chunk)
	buf := d.partial.String()

	var lines []string
	for {
		idx := strings.Index(buf, d.sep)
		if idx < 0 {
			break
		}
		lines = append(lines, buf[:idx])
		buf = buf[idx+len(d.sep):]
	}

	d.partial.Reset()
	d.partial.WriteString(buf)
	return lines
}

// Pending returns the bytes accumulated since the last complete line,
// which Feed has not yet returned.
func (d *lineDelimiter) Pending() string {
	return d.partial.String()
}
