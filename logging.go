package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var logger = newActivityLogger()

const (
	logLevelDebug logLevel = iota
	logLevelInfo
	logLevelWarn
	logLevelError
)

var levelNames = []string{
	"DEBUG",
	"INFO",
	"WARN",
	"ERROR",
}

const logTimestampLayout = "2006-01-02 15:04:05.000"

type logLevel int

type logEvent struct {
	at    time.Time
	level logLevel
	msg   string
	attrs []any
}

// activityLogger is a leveled key/value logger. Callers never block on disk:
// entries are queued and written by a single goroutine, so lines from
// different server monitors never interleave mid-line.
type activityLogger struct {
	level          atomic.Int32
	queue          chan logEvent
	done           chan struct{}
	writerMu       sync.RWMutex
	activityWriter io.Writer
	errorWriter    io.Writer
	debugWriter    io.Writer
	stdout         io.Writer
	wg             sync.WaitGroup
	stopOnce       sync.Once
	closing        atomic.Bool
}

func newActivityLogger() *activityLogger {
	l := &activityLogger{
		queue:          make(chan logEvent, 4096),
		done:           make(chan struct{}),
		activityWriter: os.Stdout,
		errorWriter:    io.Discard,
		debugWriter:    io.Discard,
	}
	l.level.Store(int32(logLevelInfo))
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *activityLogger) run() {
	defer l.wg.Done()
	for {
		select {
		case evt := <-l.queue:
			l.writeEntry(evt)
		case <-l.done:
			for {
				select {
				case evt := <-l.queue:
					l.writeEntry(evt)
				default:
					return
				}
			}
		}
	}
}

func (l *activityLogger) log(level logLevel, msg string, attrs ...any) {
	if level < logLevel(l.level.Load()) {
		return
	}
	if l.closing.Load() {
		return
	}
	evt := logEvent{at: time.Now(), level: level, msg: msg, attrs: append([]any(nil), attrs...)}
	select {
	case l.queue <- evt:
	case <-l.done:
	}
}

func (l *activityLogger) Info(msg string, attrs ...any) {
	l.log(logLevelInfo, msg, attrs...)
}

func (l *activityLogger) Warn(msg string, attrs ...any) {
	l.log(logLevelWarn, msg, attrs...)
}

func (l *activityLogger) Error(msg string, attrs ...any) {
	l.log(logLevelError, msg, attrs...)
}

func (l *activityLogger) Debug(msg string, attrs ...any) {
	l.log(logLevelDebug, msg, attrs...)
}

func (l *activityLogger) setLevel(level logLevel) {
	l.level.Store(int32(level))
}

func (l *activityLogger) debugEnabled() bool {
	return logLevel(l.level.Load()) <= logLevelDebug
}

func (l *activityLogger) configureWriters(activity, errWriter, debug io.Writer, stdout bool) {
	if activity == nil {
		activity = io.Discard
	}
	if errWriter == nil {
		errWriter = io.Discard
	}
	if debug == nil {
		debug = io.Discard
	}
	l.writerMu.Lock()
	l.activityWriter = activity
	l.errorWriter = errWriter
	l.debugWriter = debug
	l.stdout = nil
	if stdout {
		l.stdout = os.Stdout
	}
	l.writerMu.Unlock()
}

// Stop drains queued entries and closes file writers. Entries logged after
// Stop are dropped.
func (l *activityLogger) Stop() {
	l.stopOnce.Do(func() {
		l.closing.Store(true)
		close(l.done)
		l.wg.Wait()
		l.writerMu.Lock()
		closeWriter(l.activityWriter)
		closeWriter(l.errorWriter)
		closeWriter(l.debugWriter)
		l.activityWriter = io.Discard
		l.errorWriter = io.Discard
		l.debugWriter = io.Discard
		l.writerMu.Unlock()
	})
}

func closeWriter(w io.Writer) {
	if closer, ok := w.(io.Closer); ok {
		_ = closer.Close()
	}
}

func formatLogLine(evt logEvent) string {
	levelName := "UNKNOWN"
	if int(evt.level) >= 0 && int(evt.level) < len(levelNames) {
		levelName = levelNames[evt.level]
	}
	var entry strings.Builder
	entry.WriteString(evt.at.Format(logTimestampLayout))
	entry.WriteString(" [")
	entry.WriteString(levelName)
	entry.WriteString("] ")
	entry.WriteString(evt.msg)
	if attrs := formatAttrs(evt.attrs); attrs != "" {
		entry.WriteString(" ")
		entry.WriteString(attrs)
	}
	entry.WriteByte('\n')
	return entry.String()
}

func (l *activityLogger) writeEntry(evt logEvent) {
	line := []byte(formatLogLine(evt))

	l.writerMu.RLock()
	activity := l.activityWriter
	errWriter := l.errorWriter
	debugWriter := l.debugWriter
	stdout := l.stdout
	l.writerMu.RUnlock()

	if stdout != nil {
		_, _ = stdout.Write(line)
	}
	if evt.level == logLevelDebug {
		_, _ = debugWriter.Write(line)
		return
	}
	_, _ = activity.Write(line)
	if evt.level >= logLevelError {
		_, _ = errWriter.Write(line)
	}
}

func formatAttrs(attrs []any) string {
	if len(attrs) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(attrs); i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		key := fmt.Sprint(attrs[i])
		if i+1 < len(attrs) {
			value := fmt.Sprint(attrs[i+1])
			if strings.ContainsAny(value, " \t\"") {
				value = fmt.Sprintf("%q", value)
			}
			b.WriteString(key)
			b.WriteByte('=')
			b.WriteString(value)
			i++
		} else {
			b.WriteString(key)
		}
	}
	return b.String()
}

func newRollingFileWriter(path string) io.Writer {
	if path == "" {
		return io.Discard
	}
	return &rollingFileWriter{path: path}
}

// rollingFileWriter reopens its file when an external logrotate moved or
// deleted it.
type rollingFileWriter struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

func (w *rollingFileWriter) ensureFile() error {
	if _, err := os.Stat(w.path); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if w.f != nil {
			_ = w.f.Close()
			w.f = nil
		}
	}
	if w.f == nil {
		if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		w.f = f
	}
	return nil
}

func (w *rollingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureFile(); err != nil {
		return 0, err
	}
	return w.f.Write(p)
}

func (w *rollingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func setLogLevel(level logLevel) {
	logger.setLevel(level)
}

// configureFileLogging routes INFO and above to bot.log, ERROR additionally to
// errors.log, and DEBUG to debug.log when debug logging is on.
func configureFileLogging(logDir string, debug, stdout bool) {
	var debugWriter io.Writer
	if debug {
		debugWriter = newRollingFileWriter(filepath.Join(logDir, "debug.log"))
	}
	logger.configureWriters(
		newRollingFileWriter(filepath.Join(logDir, "bot.log")),
		newRollingFileWriter(filepath.Join(logDir, "errors.log")),
		debugWriter,
		stdout,
	)
}

func fatal(msg string, err error, attrs ...any) {
	attrPairs := append(attrs, "error", err)
	logger.Error(msg, attrPairs...)
	logger.Stop()
	os.Exit(1)
}
