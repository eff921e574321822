package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. Boot stages use it to tag their log
// lines (e.g. "[paging] ") without formatting the tag into every call.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	// midLine is set while the last byte written was not a line feed.
	midLine bool
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The injected prefix is not included in
// the returned byte count.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written, lineStart int

	for lineStart < len(p) {
		if !w.midLine {
			w.Sink.Write(w.Prefix)
			w.midLine = true
		}

		lineEnd := lineStart
		for lineEnd < len(p) && p[lineEnd] != '\n' {
			lineEnd++
		}

		if lineEnd < len(p) {
			// include the line feed and start a new line on the next pass
			lineEnd++
			w.midLine = false
		}

		n, err := w.Sink.Write(p[lineStart:lineEnd])
		written += n
		if err != nil {
			return written, err
		}

		lineStart = lineEnd
	}

	return written, nil
}
