// Package monitorlog writes the monitor's section-delimited record log:
// timestamped single lines, section start/end markers, and raw byte
// blobs written verbatim between a matched start/end pair.
package monitorlog

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"
)

const timeFormat = "Mon Jan  2 15:04:05 2006"

// Writer is the append-mode log sink. Close is idempotent so a terminal
// signal handler can call it without racing the normal exit path.
type Writer struct {
	mu        sync.Mutex
	file      *os.File
	buf       *bufio.Writer
	closeOnce sync.Once
}

// Open truncates path to zero and returns a Writer appending to it.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate log %s: %w", path, err)
	}
	return &Writer{file: f, buf: bufio.NewWriter(f)}, nil
}

func timestamp() string {
	return time.Now().Local().Format(timeFormat)
}

// Line writes a single-line record: "##### [timestamp] msg #####".
func (w *Writer) Line(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.buf, "##### [%s] %s #####\n", timestamp(), fmt.Sprintf(format, args...))
}

// SectionStart writes "##### [timestamp] label >>>>>".
func (w *Writer) SectionStart(label string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.buf, "##### [%s] %s >>>>>\n", timestamp(), label)
}

// SectionEnd writes "<<<<< [timestamp] label #####".
func (w *Writer) SectionEnd(label string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.buf, "<<<<< [%s] %s #####\n", timestamp(), label)
}

// Raw writes b verbatim, with no framing, between a SectionStart/SectionEnd pair.
func (w *Writer) Raw(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.buf.Write(b)
	return err
}

// Flush pushes buffered bytes to the underlying file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}

// Close flushes and closes the log file. Safe to call more than once,
// including concurrently from a signal handler.
func (w *Writer) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if ferr := w.buf.Flush(); ferr != nil {
			err = ferr
		}
		if cerr := w.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
