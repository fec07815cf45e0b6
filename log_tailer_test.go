package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	testPollInterval = 10 * time.Millisecond
	testRetryDelay   = 20 * time.Millisecond
	testWait         = 3 * time.Second
)

type memCursor struct {
	mu      sync.Mutex
	offsets map[string]int64
	saves   int
	saveErr error
}

func newMemCursor() *memCursor {
	return &memCursor{offsets: make(map[string]int64)}
}

func (c *memCursor) Load(server string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, ok := c.offsets[server]
	return off, ok, nil
}

func (c *memCursor) Save(server string, offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	if c.saveErr != nil {
		return c.saveErr
	}
	c.offsets[server] = offset
	return nil
}

func (c *memCursor) get(server string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, ok := c.offsets[server]
	return off, ok
}

type tailerHarness struct {
	lines  chan string
	done   chan error
	cancel context.CancelFunc
}

func startTailer(t *testing.T, tailer *logTailer) *tailerHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &tailerHarness{
		lines:  make(chan string, 64),
		done:   make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		h.done <- tailer.Run(ctx, func(ctx context.Context, line string) error {
			h.lines <- line
			return nil
		})
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(testWait):
		}
	})
	return h
}

func (h *tailerHarness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(testWait):
		t.Fatalf("tailer did not stop after cancellation")
		return nil
	}
}

func expectLine(t *testing.T, lines <-chan string, want string) {
	t.Helper()
	select {
	case got := <-lines:
		if got != want {
			t.Fatalf("expected line %q, got %q", want, got)
		}
	case <-time.After(testWait):
		t.Fatalf("timed out waiting for line %q", want)
	}
}

func expectNoLine(t *testing.T, lines <-chan string, wait time.Duration) {
	t.Helper()
	select {
	case got := <-lines:
		t.Fatalf("unexpected line %q", got)
	case <-time.After(wait):
	}
}

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		t.Fatalf("append %s: %v", path, err)
	}
}

func newTestServer(t *testing.T) monitoredServer {
	t.Helper()
	srv := newMonitoredServer(t.TempDir(), "survival")
	if err := os.MkdirAll(filepath.Dir(srv.LogPath), 0o755); err != nil {
		t.Fatalf("mkdir logs: %v", err)
	}
	return srv
}

func newTestTailer(srv monitoredServer, cursor cursorPersister) *logTailer {
	return newLogTailer(srv.Name, srv.LogPath, srv.Dir, cursor, testPollInterval, testRetryDelay)
}

func TestLogTailerSeedsAtEndOfFileOnFirstObservation(t *testing.T) {
	srv := newTestServer(t)
	history := "[09:00:00] [Server thread/INFO]: Steve joined the game\n"
	appendFile(t, srv.LogPath, history)

	cursor := newMemCursor()
	h := startTailer(t, newTestTailer(srv, cursor))
	expectNoLine(t, h.lines, 100*time.Millisecond)

	if off, ok := cursor.get(srv.Name); !ok || off != int64(len(history)) {
		t.Fatalf("expected cursor seeded at %d, got %d (stored=%v)", len(history), off, ok)
	}

	appendFile(t, srv.LogPath, "fresh line\n")
	expectLine(t, h.lines, "fresh line")

	if err := h.stop(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	want := int64(len(history) + len("fresh line\n"))
	if off, _ := cursor.get(srv.Name); off != want {
		t.Fatalf("expected cursor %d after shutdown, got %d", want, off)
	}
}

func TestLogTailerResumesFromStoredCursor(t *testing.T) {
	srv := newTestServer(t)
	appendFile(t, srv.LogPath, "a\nb\r\nc\n")

	cursor := newMemCursor()
	cursor.offsets[srv.Name] = int64(len("a\n"))
	h := startTailer(t, newTestTailer(srv, cursor))

	expectLine(t, h.lines, "b")
	expectLine(t, h.lines, "c")
	expectNoLine(t, h.lines, 50*time.Millisecond)
}

func TestLogTailerHoldsPartialLineUntilTerminated(t *testing.T) {
	srv := newTestServer(t)
	appendFile(t, srv.LogPath, "")

	cursor := newMemCursor()
	cursor.offsets[srv.Name] = 0
	h := startTailer(t, newTestTailer(srv, cursor))

	appendFile(t, srv.LogPath, "[12:00:01] [Server thread/INFO]: Ste")
	expectNoLine(t, h.lines, 150*time.Millisecond)
	if off, _ := cursor.get(srv.Name); off != 0 {
		t.Fatalf("partial line must not advance the cursor, got %d", off)
	}

	appendFile(t, srv.LogPath, "ve joined the game\n")
	expectLine(t, h.lines, "[12:00:01] [Server thread/INFO]: Steve joined the game")
}

func TestLogTailerTruncationReopensAtZero(t *testing.T) {
	srv := newTestServer(t)
	appendFile(t, srv.LogPath, "one\ntwo\n")

	cursor := newMemCursor()
	h := startTailer(t, newTestTailer(srv, cursor))
	expectNoLine(t, h.lines, 50*time.Millisecond)

	if err := os.WriteFile(srv.LogPath, []byte("x\n"), 0o644); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	expectLine(t, h.lines, "x")

	select {
	case err := <-h.done:
		t.Fatalf("tailer stopped after truncation: %v", err)
	default:
	}
}

func TestLogTailerStoredOffsetBeyondFileSize(t *testing.T) {
	srv := newTestServer(t)
	appendFile(t, srv.LogPath, "fresh\n")

	cursor := newMemCursor()
	cursor.offsets[srv.Name] = 4096
	h := startTailer(t, newTestTailer(srv, cursor))

	expectLine(t, h.lines, "fresh")
}

func TestLogTailerFollowsRenameRotation(t *testing.T) {
	srv := newTestServer(t)
	cursor := newMemCursor()
	cursor.offsets[srv.Name] = 0
	appendFile(t, srv.LogPath, "before\n")

	h := startTailer(t, newTestTailer(srv, cursor))
	expectLine(t, h.lines, "before")

	rotated := filepath.Join(filepath.Dir(srv.LogPath), "2024-01-01-1.log")
	if err := os.Rename(srv.LogPath, rotated); err != nil {
		t.Fatalf("rename: %v", err)
	}
	appendFile(t, srv.LogPath, "after\n")
	expectLine(t, h.lines, "after")
}

func TestLogTailerWaitsForMissingFile(t *testing.T) {
	srv := newMonitoredServer(t.TempDir(), "creative")
	if err := os.MkdirAll(srv.Dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cursor := newMemCursor()
	h := startTailer(t, newTestTailer(srv, cursor))
	expectNoLine(t, h.lines, 60*time.Millisecond)

	if err := os.MkdirAll(filepath.Dir(srv.LogPath), 0o755); err != nil {
		t.Fatalf("mkdir logs: %v", err)
	}
	appendFile(t, srv.LogPath, "hello\n")
	expectLine(t, h.lines, "hello")
}

func TestLogTailerStopsWhenServerRootVanishes(t *testing.T) {
	srv := newTestServer(t)
	appendFile(t, srv.LogPath, "x\n")

	cursor := newMemCursor()
	h := startTailer(t, newTestTailer(srv, cursor))
	expectNoLine(t, h.lines, 30*time.Millisecond)

	if err := os.RemoveAll(srv.Dir); err != nil {
		t.Fatalf("remove root: %v", err)
	}
	select {
	case err := <-h.done:
		if !errors.Is(err, errLogRootMissing) {
			t.Fatalf("expected errLogRootMissing, got %v", err)
		}
	case <-time.After(testWait):
		t.Fatalf("tailer kept running after its root vanished")
	}
}

func TestLogTailerHandlerErrorLeavesLineUnconsumed(t *testing.T) {
	srv := newTestServer(t)
	appendFile(t, srv.LogPath, "ok\nbad\nlater\n")

	cursor := newMemCursor()
	cursor.offsets[srv.Name] = 0
	tailer := newTestTailer(srv, cursor)

	boom := errors.New("boom")
	var seen []string
	err := tailer.Run(context.Background(), func(ctx context.Context, line string) error {
		seen = append(seen, line)
		if line == "bad" {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected tailer to stop at the failing line, saw %v", seen)
	}
	if off, _ := cursor.get(srv.Name); off != int64(len("ok\n")) {
		t.Fatalf("expected cursor %d, got %d", len("ok\n"), off)
	}
}

func TestLogTailerContinuesWhenCursorSaveFails(t *testing.T) {
	srv := newTestServer(t)
	appendFile(t, srv.LogPath, "")

	cursor := newMemCursor()
	cursor.offsets[srv.Name] = 0
	cursor.saveErr = errors.New("disk full")
	tailer := newTestTailer(srv, cursor)
	h := startTailer(t, tailer)

	appendFile(t, srv.LogPath, "one\ntwo\n")
	expectLine(t, h.lines, "one")
	expectLine(t, h.lines, "two")

	_ = h.stop(t)
	if tailer.Offset() != int64(len("one\ntwo\n")) {
		t.Fatalf("expected in-memory offset to advance, got %d", tailer.Offset())
	}
}

func TestLogTailerDropsOversizedLineEntirely(t *testing.T) {
	srv := newTestServer(t)
	appendFile(t, srv.LogPath, "")

	cursor := newMemCursor()
	cursor.offsets[srv.Name] = 0
	tailer := newTestTailer(srv, cursor)
	h := startTailer(t, tailer)

	head := strings.Repeat("a", tailerMaxLineBytes+10)
	appendFile(t, srv.LogPath, head)
	expectNoLine(t, h.lines, 100*time.Millisecond)
	if off, _ := cursor.get(srv.Name); off != 0 {
		t.Fatalf("cursor must not move inside an unterminated line, got %d", off)
	}

	tail := " [Chat]: Mallory joined the game\n"
	appendFile(t, srv.LogPath, tail+"after\n")
	expectLine(t, h.lines, "after")
	expectNoLine(t, h.lines, 50*time.Millisecond)

	_ = h.stop(t)
	want := int64(len(head) + len(tail) + len("after\n"))
	if tailer.Offset() != want {
		t.Fatalf("expected offset %d, got %d", want, tailer.Offset())
	}
}

func TestLogTailerDropsOversizedLineWrittenAtOnce(t *testing.T) {
	srv := newTestServer(t)
	big := strings.Repeat("b", 2*tailerMaxLineBytes) + "]: Mallory joined the game\n"
	appendFile(t, srv.LogPath, big+"ok\n")

	cursor := newMemCursor()
	cursor.offsets[srv.Name] = 0
	h := startTailer(t, newTestTailer(srv, cursor))
	expectLine(t, h.lines, "ok")
}
