package logger

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tphakala/pcmstream/internal/errors"
)

// Log file buffering defaults, mirrored in conf defaults.
const (
	DefaultBufferSize    = 32 * 1024
	DefaultFlushInterval = 5 * time.Second
)

var errSinkClosed = errors.NewStd("log file is closed")

// fileSink is an append-only log file behind a write buffer, shared by every
// handler that routes to it. A ticker goroutine flushes the buffer; Close
// stops it, then flushes, syncs and closes the file exactly once.
type fileSink struct {
	mu   sync.Mutex
	path string
	file *os.File
	buf  *bufio.Writer

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// openFileSink opens path for appending. size <= 0 selects DefaultBufferSize
// and flushEvery <= 0 leaves flushing to Flush and Close.
func openFileSink(path string, size int, flushEvery time.Duration) (*fileSink, error) {
	if err := ensureFileDirectory(path); err != nil {
		return nil, err
	}
	if size <= 0 {
		size = DefaultBufferSize
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, LogFilePermissions) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	s := &fileSink{path: path, file: f, buf: bufio.NewWriterSize(f, size)}
	if flushEvery > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.flushLoop(flushEvery)
	}
	return s, nil
}

func (s *fileSink) flushLoop(every time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			// a failing flush resurfaces on the next Write
			_ = s.Flush()
		}
	}
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return 0, errSinkClosed
	}
	return s.buf.Write(p)
}

// Flush hands buffered lines to the OS without an fsync.
func (s *fileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return nil
	}
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush log file %s: %w", s.path, err)
	}
	return nil
}

func (s *fileSink) Close() error {
	s.closeOnce.Do(func() {
		if s.stop != nil {
			close(s.stop)
			<-s.done
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		var errs []error
		if err := s.buf.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush log file %s: %w", s.path, err))
		}
		if err := s.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("failed to sync log file %s: %w", s.path, err))
		}
		if err := s.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close log file %s: %w", s.path, err))
		}
		s.buf = nil
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// pending reports bytes written but not yet flushed.
func (s *fileSink) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return 0
	}
	return s.buf.Buffered()
}

var _ io.WriteCloser = (*fileSink)(nil)
