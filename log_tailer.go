package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	tailerReadBufferBytes = 64 << 10
	// Lines longer than this are skipped rather than buffered without bound.
	tailerMaxLineBytes = 1 << 20
)

var (
	// errLogRootMissing means the server directory that holds logs/ is gone.
	// It is the only condition that stops a tailer on its own.
	errLogRootMissing = errors.New("server log root missing")

	errTailReopen = errors.New("reopen log")
)

// lineHandler processes one complete line. A non-nil error leaves the line
// unconsumed and stops the tailer with that error.
type lineHandler func(ctx context.Context, line string) error

type cursorPersister interface {
	Load(server string) (int64, bool, error)
	Save(server string, offset int64) error
}

// logTailer follows one server's latest.log from a persisted byte offset and
// hands complete lines to a handler. The offset only moves past a line after
// the handler accepted it, so a crash re-reads at most the line in flight.
type logTailer struct {
	server       string
	path         string
	rootDir      string
	cursor       cursorPersister
	pollInterval time.Duration
	retryDelay   time.Duration

	offset      int64
	seedAtEOF   bool
	saveFailing bool
}

func newLogTailer(server, path, rootDir string, cursor cursorPersister, pollInterval, retryDelay time.Duration) *logTailer {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &logTailer{
		server:       server,
		path:         path,
		rootDir:      rootDir,
		cursor:       cursor,
		pollInterval: pollInterval,
		retryDelay:   retryDelay,
	}
}

// Offset returns the number of bytes consumed so far.
func (t *logTailer) Offset() int64 {
	return t.offset
}

// Run blocks until ctx is cancelled, the handler fails, or the server root
// directory disappears. The current offset is persisted before returning.
func (t *logTailer) Run(ctx context.Context, handle lineHandler) error {
	t.loadOffset()
	for {
		f, err := t.open(ctx)
		if err != nil {
			t.persist()
			return err
		}
		err = t.follow(ctx, f, handle)
		_ = f.Close()
		if errors.Is(err, errTailReopen) {
			continue
		}
		t.persist()
		return err
	}
}

func (t *logTailer) loadOffset() {
	offset, ok, err := t.cursor.Load(t.server)
	if err != nil {
		logger.Warn("load log cursor failed, starting at end of file", "server", t.server, "error", err)
	}
	if err != nil || !ok {
		t.seedAtEOF = true
		return
	}
	t.offset = offset
	logger.Debug("resuming log cursor", "server", t.server, "offset", offset)
}

func (t *logTailer) open(ctx context.Context) (*os.File, error) {
	missingSince := time.Time{}
	for {
		f, err := os.Open(t.path)
		if err == nil {
			if !missingSince.IsZero() {
				logger.Info("log file available again", "server", t.server, "path", t.path, "missing_for", humanDuration(time.Since(missingSince)))
			}
			if t.seedAtEOF {
				t.seedAtEOF = false
				if st, serr := f.Stat(); serr == nil {
					t.offset = st.Size()
				}
				logger.Info("seeded log cursor at end of file", "server", t.server, "offset", t.offset)
				t.persist()
			}
			return f, nil
		}

		if t.rootDir != "" {
			if _, serr := os.Stat(t.rootDir); errors.Is(serr, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", errLogRootMissing, t.rootDir)
			}
		}
		if errors.Is(err, os.ErrNotExist) {
			// Whatever appears at the path next is a fresh file.
			t.seedAtEOF = false
			t.offset = 0
		}
		if missingSince.IsZero() {
			missingSince = time.Now()
			logger.Warn("log file unavailable", "server", t.server, "path", t.path, "error", err, "retry_in", t.retryDelay)
		} else {
			logger.Debug("log file still unavailable", "server", t.server, "path", t.path, "error", err)
		}
		if err := sleepContext(ctx, t.retryDelay); err != nil {
			return nil, err
		}
	}
}

func (t *logTailer) follow(ctx context.Context, f *os.File, handle lineHandler) error {
	st, err := f.Stat()
	if err != nil {
		return t.readFailed(ctx, err)
	}
	if st.Size() < t.offset {
		t.rotated("file shorter than cursor", st.Size())
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return t.readFailed(ctx, err)
	}

	reader := bufio.NewReaderSize(f, tailerReadBufferBytes)
	var pending []byte
	// discarded counts bytes already dropped from an oversized line; while it
	// is non-zero everything up to the next newline is dropped too.
	var discarded int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := reader.ReadSlice('\n')
		if discarded > 0 {
			discarded += int64(len(chunk))
		} else {
			pending = append(pending, chunk...)
			if len(pending) > tailerMaxLineBytes {
				logger.Warn("skipping oversized log line", "server", t.server, "offset", t.offset)
				discarded = int64(len(pending))
				pending = pending[:0]
			}
		}

		switch {
		case err == nil && discarded > 0:
			logger.Debug("oversized log line dropped", "server", t.server, "bytes", discarded)
			t.offset += discarded
			discarded = 0
			t.persist()
			continue
		case err == nil:
			n := int64(len(pending))
			line := strings.TrimRight(string(pending), "\r\n")
			pending = pending[:0]
			if herr := handle(ctx, line); herr != nil {
				return herr
			}
			t.offset += n
			t.persist()
			continue
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case !errors.Is(err, io.EOF):
			return t.readFailed(ctx, err)
		}

		reason, rerr := t.checkRotation(f, t.offset+discarded+int64(len(pending)))
		if rerr != nil {
			return rerr
		}
		if reason != "" {
			t.rotated(reason, -1)
			return errTailReopen
		}
		if err := sleepContext(ctx, t.pollInterval); err != nil {
			return err
		}
	}
}

// checkRotation is only called at EOF, so a renamed-away file has been fully
// drained before the tailer switches to its replacement.
func (t *logTailer) checkRotation(f *os.File, readPos int64) (string, error) {
	pathInfo, err := os.Stat(t.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		if t.rootDir != "" {
			if _, serr := os.Stat(t.rootDir); errors.Is(serr, os.ErrNotExist) {
				return "", fmt.Errorf("%w: %s", errLogRootMissing, t.rootDir)
			}
		}
		return "file removed", nil
	}
	openInfo, err := f.Stat()
	if err != nil {
		return "", nil
	}
	if !os.SameFile(openInfo, pathInfo) {
		return "file replaced", nil
	}
	if openInfo.Size() < readPos {
		return "file truncated", nil
	}
	return "", nil
}

func (t *logTailer) rotated(reason string, size int64) {
	attrs := []any{"server", t.server, "path", t.path, "reason", reason, "previous_offset", t.offset}
	if size >= 0 {
		attrs = append(attrs, "size", size)
	}
	logger.Warn("log rotation detected", attrs...)
	t.offset = 0
	t.persist()
}

func (t *logTailer) readFailed(ctx context.Context, err error) error {
	logger.Warn("log read failed", "server", t.server, "path", t.path, "error", err, "retry_in", t.retryDelay)
	if serr := sleepContext(ctx, t.retryDelay); serr != nil {
		return serr
	}
	return errTailReopen
}

func (t *logTailer) persist() {
	if err := t.cursor.Save(t.server, t.offset); err != nil {
		if !t.saveFailing {
			logger.Warn("persist log cursor failed", "server", t.server, "offset", t.offset, "error", err)
		}
		t.saveFailing = true
		return
	}
	if t.saveFailing {
		logger.Info("persist log cursor recovered", "server", t.server, "offset", t.offset)
		t.saveFailing = false
	}
}
