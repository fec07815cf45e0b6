package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	debugpkg "runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/remeh/sizedwaitgroup"
)

const softwareName = "mcPresence"

func main() {
	// Top-level panic handler: ensure any unexpected panic is captured to
	// panic.log with a stack trace so operators can inspect it.
	defer func() {
		if r := recover(); r != nil {
			writePanicLog(r)
			panic(r)
		}
	}()

	dataDirFlag := flag.String("data-dir", "", "override data directory (default \"data\")")
	configFlag := flag.String("config", "", "path to config.toml (default <data-dir>/config.toml)")
	secretsFlag := flag.String("secrets", "", "path to secrets.toml (default <data-dir>/secrets.toml)")
	logDirFlag := flag.String("log-dir", "", "override log directory")
	stdoutLogFlag := flag.Bool("stdout", false, "mirror logs to stdout")
	debugFlag := flag.Bool("debug", false, "enable debug logging (every tailed line is logged)")
	rewriteConfigFlag := flag.Bool("rewrite-config", false, "rewrite config on startup")
	flag.Parse()

	startTime := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(strings.TrimSpace(*configFlag), strings.TrimSpace(*secretsFlag), configOverrides{
		dataDir: strings.TrimSpace(*dataDirFlag),
		logDir:  strings.TrimSpace(*logDirFlag),
		debug:   *debugFlag,
	})
	if err != nil {
		fatal("config", err)
	}
	if cfg.LogDebug {
		setLogLevel(logLevelDebug)
	} else {
		setLogLevel(logLevelInfo)
	}
	configureFileLogging(cfg.LogDir, cfg.LogDebug, *stdoutLogFlag)
	defer logger.Stop()

	if err := validateConfig(cfg); err != nil {
		fatal("config", err)
	}
	ensureExampleFiles(cfg.DataDir)
	if *rewriteConfigFlag {
		cfgPath := strings.TrimSpace(*configFlag)
		if cfgPath == "" {
			cfgPath = defaultConfigPath(cfg.DataDir)
		}
		if err := rewriteConfigFile(cfgPath, cfg); err != nil {
			logger.Warn("rewrite config file", "path", cfgPath, "error", err)
		}
	}
	logger.Info("starting", "component", "startup", "software", softwareName, "server_dir", cfg.ServerDir, "discovery", cfg.Discovery, "channel_id", cfg.ChannelID)

	stateDir := filepath.Join(cfg.DataDir, "state")
	cursors, err := openCursorStore(filepath.Join(stateDir, "state.db"))
	if err != nil {
		fatal("open cursor store", err, "dir", stateDir)
	}
	if known, err := cursors.All(); err != nil {
		logger.Warn("list stored cursors", "error", err)
	} else {
		logger.Info("log cursors loaded", "count", len(known))
	}

	bindingsPath := filepath.Join(stateDir, "embed_ids.json")
	bindings, err := loadCardBindings(bindingsPath)
	if err != nil {
		fatal("load card bindings", err, "path", bindingsPath)
	}
	logger.Info("card bindings loaded", "count", len(bindings.Servers()), "path", bindingsPath)

	feed, err := newPresencePublisher(cfg.PresencePubAddr)
	if err != nil {
		logger.Warn("presence feed disabled", "addr", cfg.PresencePubAddr, "error", err)
		feed = nopPresencePublisher{}
	}

	servers, err := newServerLister(cfg).ListRunning(ctx)
	if err != nil {
		fatal("list running servers", err, "server_dir", cfg.ServerDir)
	}
	if len(servers) == 0 {
		logger.Warn("no running servers found", "server_dir", cfg.ServerDir, "discovery", cfg.Discovery)
	}

	display, err := openDiscordDisplay(ctx, cfg.BotToken, cfg.ChannelID)
	if err != nil {
		fatal("discord", err)
	}

	runMonitors(ctx, servers, monitorDeps{
		cursor:         cursors,
		cards:          newCardSyncer(display, bindings, cfg.ChannelID),
		feed:           feed,
		pollInterval:   cfg.PollInterval,
		retryDelay:     cfg.RetryDelay,
		syncRetryDelay: cfg.SyncRetryDelay,
	})

	display.Close()
	feed.Close()
	if err := cursors.Close(); err != nil {
		logger.Error("close cursor store", "error", err)
	}
	logger.Info("shutdown complete", "component", "startup", "uptime", humanDuration(time.Since(startTime)))
}

// runMonitors starts one monitor per server and blocks until all of them have
// returned. A monitor that fails or panics never affects the others.
func runMonitors(ctx context.Context, servers []monitoredServer, deps monitorDeps) {
	if len(servers) == 0 {
		<-ctx.Done()
		return
	}
	swg := sizedwaitgroup.New(len(servers))
	for _, srv := range servers {
		swg.Add()
		go func(srv monitoredServer) {
			defer swg.Done()
			runMonitor(ctx, srv, deps)
		}(srv)
	}
	swg.Wait()
}

func runMonitor(ctx context.Context, srv monitoredServer, deps monitorDeps) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			writePanicLog(r)
			logger.Error("log monitor panicked", "server", srv.Name, "panic", r)
		}
	}()

	mon := newServerMonitor(srv, deps)
	err := mon.Run(ctx)
	attrs := []any{"server", srv.Name, "offset", mon.tailer.Offset(), "ran", humanDuration(time.Since(started))}
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("log monitor stopped", attrs...)
	case errors.Is(err, errLogRootMissing):
		logger.Error("log monitor terminated: server directory vanished", append(attrs, "error", err)...)
	case errors.Is(err, errDisplayUnauthorized):
		logger.Error("log monitor terminated: display channel rejected the bot", append(attrs, "error", err)...)
	default:
		logger.Error("log monitor terminated", append(attrs, "error", err)...)
	}
}

func writePanicLog(r any) {
	f, err := os.OpenFile("panic.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	ts := time.Now().UTC().Format(time.RFC3339)
	fmt.Fprintf(f, "[%s] panic: %v\n%s\n\n", ts, r, debugpkg.Stack())
}
