package main

import (
	"context"
	"errors"
	"time"
)

type cardSync interface {
	Sync(ctx context.Context, p presenceSnapshot) error
}

// serverMonitor owns one server's tailer and presence set. All of its state
// is touched only from the goroutine running Run.
type serverMonitor struct {
	server         monitoredServer
	tailer         *logTailer
	presence       *presenceSet
	onlineSince    time.Time
	cards          cardSync
	feed           presencePublisher
	syncRetryDelay time.Duration
	now            func() time.Time
}

type monitorDeps struct {
	cursor         cursorPersister
	cards          cardSync
	feed           presencePublisher
	pollInterval   time.Duration
	retryDelay     time.Duration
	syncRetryDelay time.Duration
}

func newServerMonitor(server monitoredServer, deps monitorDeps) *serverMonitor {
	feed := deps.feed
	if feed == nil {
		feed = nopPresencePublisher{}
	}
	syncRetry := deps.syncRetryDelay
	if syncRetry <= 0 {
		syncRetry = defaultSyncRetryDelay
	}
	return &serverMonitor{
		server:         server,
		tailer:         newLogTailer(server.Name, server.LogPath, server.Dir, deps.cursor, deps.pollInterval, deps.retryDelay),
		presence:       newPresenceSet(),
		cards:          deps.cards,
		feed:           feed,
		syncRetryDelay: syncRetry,
		now:            time.Now,
	}
}

// Run publishes the initial (empty) card, then follows the log until ctx is
// cancelled or an unrecoverable error occurs.
func (m *serverMonitor) Run(ctx context.Context) error {
	logger.Info("starting log monitor", "server", m.server.Name, "path", m.server.LogPath)
	if err := m.syncWithRetry(ctx); err != nil {
		return err
	}
	return m.tailer.Run(ctx, m.handleLine)
}

func (m *serverMonitor) handleLine(ctx context.Context, line string) error {
	if logger.debugEnabled() {
		logger.Debug("log line", "server", m.server.Name, "line", line)
	}
	kind, name, err := classifyLine(line)
	if err != nil {
		logger.Warn("unparseable presence line", "server", m.server.Name, "line", line, "error", err)
		return nil
	}
	if kind == presenceIgnore {
		return nil
	}

	wasEmpty := m.presence.Len() == 0
	if !m.presence.Apply(kind, name) {
		logger.Debug("presence unchanged", "server", m.server.Name, "actor", name, "kind", kind)
		return nil
	}
	now := m.now()
	switch {
	case m.presence.Len() == 0:
		m.onlineSince = time.Time{}
	case wasEmpty:
		m.onlineSince = now
	}

	if kind == presenceEnter {
		logger.Info("actor entered", "server", m.server.Name, "actor", name, "count", m.presence.Len())
	} else {
		logger.Info("actor left", "server", m.server.Name, "actor", name, "count", m.presence.Len())
	}
	m.feed.Publish(presenceEvent{
		Server: m.server.Name,
		Actor:  name,
		Kind:   kind.String(),
		Count:  m.presence.Len(),
		At:     now,
	})
	return m.syncWithRetry(ctx)
}

func (m *serverMonitor) snapshot() presenceSnapshot {
	return presenceSnapshot{
		Server:      m.server.Name,
		Actors:      m.presence.Sorted(),
		OnlineSince: m.onlineSince,
	}
}

// syncWithRetry retries transient card failures until they succeed or ctx
// ends. Unauthorized responses are returned immediately.
func (m *serverMonitor) syncWithRetry(ctx context.Context) error {
	snap := m.snapshot()
	failures := 0
	for {
		err := m.cards.Sync(ctx, snap)
		if err == nil {
			if failures > 0 {
				logger.Info("card sync recovered", "server", m.server.Name, "attempts", failures+1)
			}
			return nil
		}
		if errors.Is(err, errDisplayUnauthorized) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		failures++
		logger.Warn("card sync failed", "server", m.server.Name, "attempt", failures, "error", err, "retry_in", m.syncRetryDelay)
		if err := sleepContext(ctx, m.syncRetryDelay); err != nil {
			return err
		}
	}
}
